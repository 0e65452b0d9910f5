package domain

import (
	"errors"
	"fmt"
	"time"
)

// DLQStatus tracks a dead-letter entry through its retry lifecycle.
type DLQStatus string

const (
	DLQPending           DLQStatus = "dlq_pending"
	DLQRetrying          DLQStatus = "retrying"
	DLQCompleted         DLQStatus = "completed"
	DLQPermanentlyFailed DLQStatus = "permanently_failed"
	DLQArchived          DLQStatus = "archived"
)

// IsOpen reports whether the entry still represents unsettled work.
func (s DLQStatus) IsOpen() bool { return s == DLQPending || s == DLQRetrying }

// DLQEntry is a failed delivery unit waiting for a delayed retry or archival.
type DLQEntry struct {
	ID                 string     `json:"id" db:"id"`
	CampaignID         string     `json:"campaign_id" db:"campaign_id"`
	RecipientID        string     `json:"recipient_id" db:"recipient_id"`
	Email              string     `json:"email" db:"email"`
	FailureClass       string     `json:"failure_class" db:"failure_class"`
	LastError          string     `json:"last_error" db:"last_error"`
	RetryCount         int        `json:"retry_count" db:"retry_count"`
	MaxRetries         int        `json:"max_retries" db:"max_retries"`
	CanRetry           bool       `json:"can_retry" db:"can_retry"`
	Status             DLQStatus  `json:"status" db:"status"`
	NextRetryAt        *time.Time `json:"next_retry_at" db:"next_retry_at"`
	AttemptedProviders []string   `json:"attempted_providers" db:"attempted_providers"`
	TaskMetadata       []byte     `json:"task_metadata" db:"task_metadata"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// Validate checks the fields every persisted entry must carry.
func (e *DLQEntry) Validate() error {
	switch {
	case e.ID == "":
		return errors.New("dlq entry: id is required")
	case e.CampaignID == "" || e.RecipientID == "":
		return errors.New("dlq entry: campaign and recipient are required")
	case e.RetryCount < 0 || e.MaxRetries < 0:
		return fmt.Errorf("dlq entry %s: negative retry bookkeeping", e.ID)
	case e.CanRetry && e.NextRetryAt == nil:
		return fmt.Errorf("dlq entry %s: retryable entry without next_retry_at", e.ID)
	}
	return nil
}
