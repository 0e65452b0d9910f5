package domain

import "time"

// AttemptStatus is the latest state of a (campaign, recipient) delivery record.
type AttemptStatus string

const (
	AttemptSent       AttemptStatus = "sent"
	AttemptDelivered  AttemptStatus = "delivered"
	AttemptFailed     AttemptStatus = "failed"
	AttemptBounced    AttemptStatus = "bounced"
	AttemptComplained AttemptStatus = "complained"
	AttemptSkipped    AttemptStatus = "skipped"
)

// IsSuccess reports whether the status blocks re-sending to the recipient.
// Delivered refines sent; both count as success.
func (s AttemptStatus) IsSuccess() bool {
	return s == AttemptSent || s == AttemptDelivered
}

// SuccessStatuses lists the statuses used by the idempotency guard.
var SuccessStatuses = []AttemptStatus{AttemptSent, AttemptDelivered}

// StatusChange is one entry of the append-only attempt history.
type StatusChange struct {
	Status AttemptStatus `json:"status"`
	At     time.Time     `json:"at"`
	Detail string        `json:"detail,omitempty"`
}

// DeliveryAttempt is the audit record and idempotency guard for one
// (campaign, recipient) pair.
type DeliveryAttempt struct {
	CampaignID         string         `json:"campaign_id" db:"campaign_id"`
	RecipientID        string         `json:"recipient_id" db:"recipient_id"`
	Email              string         `json:"email" db:"email"`
	Status             AttemptStatus  `json:"status" db:"status"`
	Provider           string         `json:"provider,omitempty" db:"provider"`
	MessageID          string         `json:"message_id,omitempty" db:"message_id"`
	Cost               float64        `json:"cost" db:"cost"`
	FailureClass       string         `json:"failure_class,omitempty" db:"failure_class"`
	Error              string         `json:"error,omitempty" db:"error_message"`
	CanRetry           bool           `json:"can_retry" db:"can_retry"`
	AttemptedProviders []string       `json:"attempted_providers,omitempty" db:"attempted_providers"`
	History            []StatusChange `json:"history" db:"history"`
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at" db:"updated_at"`
}

// StatusCounts aggregates attempt records of a campaign by latest status.
type StatusCounts map[AttemptStatus]int64

// Counters converts the aggregation into campaign counters. Bounced and
// complained records were sent first, so they count towards sent.
func (sc StatusCounts) Counters() Counters {
	sent := sc[AttemptSent] + sc[AttemptDelivered] + sc[AttemptBounced] + sc[AttemptComplained]
	c := Counters{
		Sent:      sent,
		Failed:    sc[AttemptFailed],
		Skipped:   sc[AttemptSkipped],
		Delivered: sc[AttemptDelivered],
	}
	c.Processed = c.Sent + c.Failed + c.Skipped
	return c
}
