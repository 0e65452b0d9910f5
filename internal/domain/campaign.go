package domain

import (
	"errors"
	"fmt"
	"net/mail"
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignStopped   CampaignStatus = "stopped"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignScheduled, CampaignSending, CampaignPaused,
		CampaignStopped, CampaignCompleted, CampaignFailed, CampaignCancelled:
		return true
	}
	return false
}

// IsTerminal returns true for states a campaign never leaves.
func (s CampaignStatus) IsTerminal() bool {
	switch s {
	case CampaignStopped, CampaignCompleted, CampaignFailed, CampaignCancelled:
		return true
	}
	return false
}

// SenderIdentity is the envelope identity used for every message of a campaign.
type SenderIdentity struct {
	FromEmail string `json:"from_email" db:"from_email"`
	FromName  string `json:"from_name" db:"from_name"`
	ReplyTo   string `json:"reply_to" db:"reply_to"`
}

// Counters are the aggregate delivery counts of a campaign.
//
// Queued counts units admitted by the dispatcher, Processed counts units that
// reached a settled state. Sent+Failed+Skipped == Processed once counters are
// reconciled.
type Counters struct {
	Sent      int64 `json:"sent_count" db:"sent_count"`
	Failed    int64 `json:"failed_count" db:"failed_count"`
	Skipped   int64 `json:"skipped_count" db:"skipped_count"`
	Delivered int64 `json:"delivered_count" db:"delivered_count"`
	Processed int64 `json:"processed_count" db:"processed_count"`
	Queued    int64 `json:"queued_count" db:"queued_count"`
}

// Add returns the element-wise sum of c and d.
func (c Counters) Add(d Counters) Counters {
	return Counters{
		Sent:      c.Sent + d.Sent,
		Failed:    c.Failed + d.Failed,
		Skipped:   c.Skipped + d.Skipped,
		Delivered: c.Delivered + d.Delivered,
		Processed: c.Processed + d.Processed,
		Queued:    c.Queued + d.Queued,
	}
}

// IsZero reports whether no counter would change.
func (c Counters) IsZero() bool { return c == Counters{} }

// Campaign is one bulk send to a target audience.
type Campaign struct {
	ID                 string            `json:"id" db:"id"`
	Name               string            `json:"name" db:"name"`
	Status             CampaignStatus    `json:"status" db:"status"`
	TargetListIDs      []string          `json:"target_list_ids" db:"target_list_ids"`
	SuppressionListIDs []string          `json:"suppression_list_ids" db:"suppression_list_ids"`
	Sender             SenderIdentity    `json:"sender"`
	TemplateID         string            `json:"template_id" db:"template_id"`
	FieldMap           map[string]string `json:"field_map" db:"field_map"`
	FallbackValues     map[string]string `json:"fallback_values" db:"fallback_values"`
	ThrottlePerMinute  int               `json:"throttle_per_minute" db:"throttle_per_minute"`
	BatchSize          int               `json:"batch_size" db:"batch_size"`
	TargetCount        int64             `json:"target_count" db:"target_count"`
	LastCursor         string            `json:"last_cursor" db:"last_cursor"`

	Counters

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	PausedAt    *time.Time `json:"paused_at" db:"paused_at"`
	StoppedAt   *time.Time `json:"stopped_at" db:"stopped_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`

	PauseReason    string         `json:"pause_reason" db:"pause_reason"`
	PausedBy       string         `json:"paused_by" db:"paused_by"`
	StopReason     string         `json:"stop_reason" db:"stop_reason"`
	StoppedBy      string         `json:"stopped_by" db:"stopped_by"`
	PreviousStatus CampaignStatus `json:"previous_status" db:"previous_status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ErrInvalidCampaign is wrapped by every Validate failure.
var ErrInvalidCampaign = errors.New("invalid campaign")

// Validate checks the fields a campaign needs before it can be dispatched.
func (c *Campaign) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidCampaign)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidCampaign, c.Status)
	}
	if len(c.TargetListIDs) == 0 {
		return fmt.Errorf("%w: no target lists", ErrInvalidCampaign)
	}
	if c.TemplateID == "" {
		return fmt.Errorf("%w: template is required", ErrInvalidCampaign)
	}
	if _, err := mail.ParseAddress(c.Sender.FromEmail); err != nil {
		return fmt.Errorf("%w: from address %q: %v", ErrInvalidCampaign, c.Sender.FromEmail, err)
	}
	if c.Sender.ReplyTo != "" {
		if _, err := mail.ParseAddress(c.Sender.ReplyTo); err != nil {
			return fmt.Errorf("%w: reply-to %q: %v", ErrInvalidCampaign, c.Sender.ReplyTo, err)
		}
	}
	if c.BatchSize < 0 || c.ThrottlePerMinute < 0 {
		return fmt.Errorf("%w: negative batch size or throttle", ErrInvalidCampaign)
	}
	return nil
}

// CanPause, CanResume, CanStop and CanCancel mirror the allowed transitions.
func (c *Campaign) CanPause() bool  { return c.Status == CampaignSending }
func (c *Campaign) CanResume() bool { return c.Status == CampaignPaused }
func (c *Campaign) CanStop() bool {
	return c.Status == CampaignSending || c.Status == CampaignPaused || c.Status == CampaignScheduled
}
func (c *Campaign) CanCancel() bool {
	return c.Status == CampaignDraft || c.Status == CampaignScheduled
}

// Progress builds the API-facing progress snapshot.
func (c *Campaign) Progress() Progress {
	p := Progress{
		CampaignID: c.ID,
		Status:     c.Status,
		Target:     c.TargetCount,
		Processed:  c.Processed,
		Sent:       c.Sent,
		Failed:     c.Failed,
		Skipped:    c.Skipped,
		Delivered:  c.Delivered,
		Queued:     c.Queued,
		CanPause:   c.CanPause(),
		CanResume:  c.CanResume(),
		CanStop:    c.CanStop(),
	}
	if c.TargetCount > 0 {
		pct := float64(c.Processed) / float64(c.TargetCount) * 100
		if pct > 100 {
			pct = 100
		}
		p.CompletionPct = pct
	} else if c.Status == CampaignCompleted {
		p.CompletionPct = 100
	}
	return p
}

// FinalStatus applies the success rule to reconciled counters: a campaign
// fails only when nothing was sent and at least one recipient failed.
func FinalStatus(c Counters) CampaignStatus {
	if c.Sent == 0 && c.Failed > 0 {
		return CampaignFailed
	}
	return CampaignCompleted
}

// Progress is the snapshot returned by every lifecycle operation.
type Progress struct {
	CampaignID    string         `json:"campaign_id"`
	Status        CampaignStatus `json:"status"`
	Target        int64          `json:"target"`
	Processed     int64          `json:"processed"`
	Sent          int64          `json:"sent"`
	Failed        int64          `json:"failed"`
	Skipped       int64          `json:"skipped"`
	Delivered     int64          `json:"delivered"`
	Queued        int64          `json:"queued"`
	CompletionPct float64        `json:"completion_pct"`
	CanPause      bool           `json:"can_pause"`
	CanResume     bool           `json:"can_resume"`
	CanStop       bool           `json:"can_stop"`
}
