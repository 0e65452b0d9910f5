package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
)

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

const campaignColumns = `
	id, name, status, target_list_ids, suppression_list_ids,
	from_email, from_name, reply_to, template_id, field_map, fallback_values,
	throttle_per_minute, batch_size, target_count, last_cursor,
	sent_count, failed_count, skipped_count, delivered_count, processed_count, queued_count,
	started_at, paused_at, stopped_at, completed_at,
	pause_reason, paused_by, stop_reason, stopped_by, previous_status,
	created_at, updated_at`

func scanCampaign(row rowScanner) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var (
		fieldMap, fallbacks                       []byte
		startedAt, pausedAt, stoppedAt, completed sql.NullTime
	)
	err := row.Scan(
		&c.ID, &c.Name, &c.Status, pq.Array(&c.TargetListIDs), pq.Array(&c.SuppressionListIDs),
		&c.Sender.FromEmail, &c.Sender.FromName, &c.Sender.ReplyTo, &c.TemplateID, &fieldMap, &fallbacks,
		&c.ThrottlePerMinute, &c.BatchSize, &c.TargetCount, &c.LastCursor,
		&c.Sent, &c.Failed, &c.Skipped, &c.Delivered, &c.Processed, &c.Queued,
		&startedAt, &pausedAt, &stoppedAt, &completed,
		&c.PauseReason, &c.PausedBy, &c.StopReason, &c.StoppedBy, &c.PreviousStatus,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if c.FieldMap, err = jsonMap(fieldMap); err != nil {
		return nil, fmt.Errorf("decode field_map: %w", err)
	}
	if c.FallbackValues, err = jsonMap(fallbacks); err != nil {
		return nil, fmt.Errorf("decode fallback_values: %w", err)
	}
	c.StartedAt = timePtr(startedAt)
	c.PausedAt = timePtr(pausedAt)
	c.StoppedAt = timePtr(stoppedAt)
	c.CompletedAt = timePtr(completed)
	return c, nil
}

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// Transition is a compare-and-set on status; the columns written depend on
// the target status.
func (r *CampaignRepo) Transition(ctx context.Context, id string, from domain.CampaignStatus, t campaign.Transition) error {
	var (
		res sql.Result
		err error
	)
	switch t.To {
	case domain.CampaignSending:
		var target sql.NullInt64
		if t.TargetCount != nil {
			target = sql.NullInt64{Int64: *t.TargetCount, Valid: true}
		}
		res, err = r.db.ExecContext(ctx, `
			UPDATE campaigns
			SET status = $3, previous_status = $2, started_at = COALESCE(started_at, $4),
			    target_count = COALESCE($5, target_count),
			    paused_at = NULL, pause_reason = '', paused_by = '', updated_at = $4
			WHERE id = $1 AND status = $2
		`, id, from, t.To, t.At, target)
	case domain.CampaignPaused:
		res, err = r.db.ExecContext(ctx, `
			UPDATE campaigns
			SET status = $3, previous_status = $2, paused_at = $4, pause_reason = $5, paused_by = $6, updated_at = $4
			WHERE id = $1 AND status = $2
		`, id, from, t.To, t.At, t.Reason, t.Actor)
	case domain.CampaignStopped, domain.CampaignCancelled:
		res, err = r.db.ExecContext(ctx, `
			UPDATE campaigns
			SET status = $3, previous_status = $2, stopped_at = $4, stop_reason = $5, stopped_by = $6, updated_at = $4
			WHERE id = $1 AND status = $2
		`, id, from, t.To, t.At, t.Reason, t.Actor)
	case domain.CampaignCompleted, domain.CampaignFailed:
		res, err = r.db.ExecContext(ctx, `
			UPDATE campaigns
			SET status = $3, previous_status = $2, completed_at = $4, updated_at = $4
			WHERE id = $1 AND status = $2
		`, id, from, t.To, t.At)
	default:
		res, err = r.db.ExecContext(ctx, `
			UPDATE campaigns SET status = $3, previous_status = $2, updated_at = $4
			WHERE id = $1 AND status = $2
		`, id, from, t.To, t.At)
	}
	if err != nil {
		return fmt.Errorf("transition campaign %s to %s: %w", id, t.To, err)
	}
	return r.checkApplied(ctx, res, id)
}

// checkApplied tells a missing campaign apart from a lost compare-and-set.
func (r *CampaignRepo) checkApplied(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM campaigns WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check campaign: %w", err)
	}
	if !exists {
		return campaign.ErrNotFound
	}
	return campaign.ErrConcurrentChange
}

func (r *CampaignRepo) IncrementCounters(ctx context.Context, id string, d domain.Counters) error {
	if d.IsZero() {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET sent_count = sent_count + $2, failed_count = failed_count + $3,
		    skipped_count = skipped_count + $4, delivered_count = delivered_count + $5,
		    processed_count = processed_count + $6, queued_count = queued_count + $7,
		    updated_at = NOW()
		WHERE id = $1
	`, id, d.Sent, d.Failed, d.Skipped, d.Delivered, d.Processed, d.Queued)
	if err != nil {
		return fmt.Errorf("increment counters: %w", err)
	}
	return nil
}

func (r *CampaignRepo) AdvanceCursor(ctx context.Context, id, from, to string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET last_cursor = $3, updated_at = NOW() WHERE id = $1 AND last_cursor = $2`,
		id, from, to,
	)
	if err != nil {
		return false, fmt.Errorf("advance cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *CampaignRepo) SetCounters(ctx context.Context, id string, c domain.Counters) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET sent_count = $2, failed_count = $3, skipped_count = $4, delivered_count = $5,
		    processed_count = $6, queued_count = $7, updated_at = NOW()
		WHERE id = $1
	`, id, c.Sent, c.Failed, c.Skipped, c.Delivered, c.Processed, c.Queued)
	if err != nil {
		return fmt.Errorf("set counters: %w", err)
	}
	return nil
}
