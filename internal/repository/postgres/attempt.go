package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// ErrAttemptNotFound is returned when no attempt exists for a pair.
var ErrAttemptNotFound = errors.New("delivery attempt not found")

// AttemptRepo stores delivery attempts, one row per (campaign, recipient).
type AttemptRepo struct{ db *sql.DB }

// NewAttemptRepo creates a Postgres-backed attempt repository.
func NewAttemptRepo(db *sql.DB) *AttemptRepo { return &AttemptRepo{db: db} }

func successStatuses() []string {
	out := make([]string, len(domain.SuccessStatuses))
	for i, s := range domain.SuccessStatuses {
		out[i] = string(s)
	}
	return out
}

// Record upserts the attempt and appends its history. A row that already
// holds a successful status is never overwritten; Record then reports false.
func (r *AttemptRepo) Record(ctx context.Context, a *domain.DeliveryAttempt) (bool, error) {
	history, err := json.Marshal(a.History)
	if err != nil {
		return false, fmt.Errorf("encode history: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts (
			campaign_id, recipient_id, email, status, provider, message_id, cost,
			failure_class, error_message, can_retry, attempted_providers, history, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (campaign_id, recipient_id) DO UPDATE SET
			status = EXCLUDED.status,
			provider = EXCLUDED.provider,
			message_id = EXCLUDED.message_id,
			cost = EXCLUDED.cost,
			failure_class = EXCLUDED.failure_class,
			error_message = EXCLUDED.error_message,
			can_retry = EXCLUDED.can_retry,
			attempted_providers = EXCLUDED.attempted_providers,
			history = delivery_attempts.history || EXCLUDED.history,
			updated_at = EXCLUDED.updated_at
		WHERE delivery_attempts.status <> ALL($14)
	`, a.CampaignID, a.RecipientID, a.Email, a.Status, a.Provider, a.MessageID, a.Cost,
		a.FailureClass, a.Error, a.CanRetry, pq.Array(a.AttemptedProviders), history, a.UpdatedAt,
		pq.Array(successStatuses()))
	if err != nil {
		return false, fmt.Errorf("record attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get returns the attempt of a pair.
func (r *AttemptRepo) Get(ctx context.Context, campaignID, recipientID string) (*domain.DeliveryAttempt, error) {
	a := &domain.DeliveryAttempt{}
	var history []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT campaign_id, recipient_id, email, status, provider, message_id, cost,
		       failure_class, error_message, can_retry, attempted_providers, history, created_at, updated_at
		FROM delivery_attempts
		WHERE campaign_id = $1 AND recipient_id = $2
	`, campaignID, recipientID).Scan(
		&a.CampaignID, &a.RecipientID, &a.Email, &a.Status, &a.Provider, &a.MessageID, &a.Cost,
		&a.FailureClass, &a.Error, &a.CanRetry, pq.Array(&a.AttemptedProviders), &history, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &a.History); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
	}
	return a, nil
}

// HasSuccess reports whether the pair already holds a successful status.
func (r *AttemptRepo) HasSuccess(ctx context.Context, campaignID, recipientID string) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM delivery_attempts
			WHERE campaign_id = $1 AND recipient_id = $2 AND status = ANY($3)
		)`, campaignID, recipientID, pq.Array(successStatuses()),
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check success: %w", err)
	}
	return ok, nil
}

// SuccessfulRecipients returns which of recipientIDs already hold a
// successful status for the campaign.
func (r *AttemptRepo) SuccessfulRecipients(ctx context.Context, campaignID string, recipientIDs []string) (map[string]bool, error) {
	return r.recipientsIn(ctx, campaignID, recipientIDs, successStatuses())
}

// SettledRecipients is SuccessfulRecipients plus recipients already skipped.
func (r *AttemptRepo) SettledRecipients(ctx context.Context, campaignID string, recipientIDs []string) (map[string]bool, error) {
	return r.recipientsIn(ctx, campaignID, recipientIDs, append(successStatuses(), string(domain.AttemptSkipped)))
}

func (r *AttemptRepo) recipientsIn(ctx context.Context, campaignID string, recipientIDs, statuses []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(recipientIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT recipient_id FROM delivery_attempts
		WHERE campaign_id = $1 AND recipient_id = ANY($2) AND status = ANY($3)
	`, campaignID, pq.Array(recipientIDs), pq.Array(statuses))
	if err != nil {
		return nil, fmt.Errorf("bulk attempt lookup: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// CountByStatus aggregates attempts of a campaign by latest status. Failed
// rows that are still retryable belong to the DLQ and are left out.
func (r *AttemptRepo) CountByStatus(ctx context.Context, campaignID string) (domain.StatusCounts, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM delivery_attempts
		WHERE campaign_id = $1 AND NOT (status = 'failed' AND can_retry)
		GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count attempts: %w", err)
	}
	defer rows.Close()

	counts := domain.StatusCounts{}
	for rows.Next() {
		var (
			status domain.AttemptStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
