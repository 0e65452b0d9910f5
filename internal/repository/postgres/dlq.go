package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/campaign-dispatch/internal/dlq"
	"github.com/ignite/campaign-dispatch/internal/domain"
)

// DLQRepo implements dlq.Repository against PostgreSQL.
type DLQRepo struct{ db *sql.DB }

// NewDLQRepo creates a Postgres-backed DLQ repository.
func NewDLQRepo(db *sql.DB) *DLQRepo { return &DLQRepo{db: db} }

const dlqColumns = `
	id, campaign_id, recipient_id, email, failure_class, last_error,
	retry_count, max_retries, can_retry, status, next_retry_at,
	attempted_providers, task_metadata, created_at, updated_at`

func scanDLQEntry(row rowScanner) (*domain.DLQEntry, error) {
	e := &domain.DLQEntry{}
	var next sql.NullTime
	err := row.Scan(
		&e.ID, &e.CampaignID, &e.RecipientID, &e.Email, &e.FailureClass, &e.LastError,
		&e.RetryCount, &e.MaxRetries, &e.CanRetry, &e.Status, &next,
		pq.Array(&e.AttemptedProviders), &e.TaskMetadata, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.NextRetryAt = timePtr(next)
	return e, nil
}

func collectDLQ(rows *sql.Rows) ([]domain.DLQEntry, error) {
	defer rows.Close()
	var out []domain.DLQEntry
	for rows.Next() {
		e, err := scanDLQEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dlq entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *DLQRepo) Create(ctx context.Context, e *domain.DLQEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dlq_entries (
			id, campaign_id, recipient_id, email, failure_class, last_error,
			retry_count, max_retries, can_retry, status, next_retry_at,
			attempted_providers, task_metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, e.ID, e.CampaignID, e.RecipientID, e.Email, e.FailureClass, e.LastError,
		e.RetryCount, e.MaxRetries, e.CanRetry, e.Status, nullTime(e.NextRetryAt),
		pq.Array(e.AttemptedProviders), nullJSON(e.TaskMetadata), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create dlq entry: %w", err)
	}
	return nil
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (r *DLQRepo) Get(ctx context.Context, id string) (*domain.DLQEntry, error) {
	e, err := scanDLQEntry(r.db.QueryRowContext(ctx,
		`SELECT `+dlqColumns+` FROM dlq_entries WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dlq.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dlq entry: %w", err)
	}
	return e, nil
}

func (r *DLQRepo) Save(ctx context.Context, e *domain.DLQEntry) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dlq_entries
		SET failure_class = $2, last_error = $3, retry_count = $4, can_retry = $5,
		    status = $6, next_retry_at = $7, attempted_providers = $8, updated_at = $9
		WHERE id = $1
	`, e.ID, e.FailureClass, e.LastError, e.RetryCount, e.CanRetry,
		e.Status, nullTime(e.NextRetryAt), pq.Array(e.AttemptedProviders), e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save dlq entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dlq.ErrNotFound
	}
	return nil
}

// ClaimDue uses SKIP LOCKED so concurrent sweepers never claim the same row.
func (r *DLQRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.DLQEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE dlq_entries
		SET status = 'retrying', retry_count = retry_count + 1, updated_at = $1
		WHERE id IN (
			SELECT id FROM dlq_entries
			WHERE status = 'dlq_pending' AND can_retry AND retry_count < max_retries
			  AND next_retry_at <= $1
			ORDER BY next_retry_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+dlqColumns, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due dlq entries: %w", err)
	}
	return collectDLQ(rows)
}

func (r *DLQRepo) ArchiveEntry(ctx context.Context, id, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dlq_entries
		SET status = 'archived', can_retry = FALSE, next_retry_at = NULL, archive_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('dlq_pending', 'retrying')
	`, id, reason)
	if err != nil {
		return false, fmt.Errorf("archive dlq entry: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *DLQRepo) ArchiveOpen(ctx context.Context, campaignID, reason string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dlq_entries
		SET status = 'archived', can_retry = FALSE, next_retry_at = NULL, archive_reason = $2, updated_at = NOW()
		WHERE campaign_id = $1 AND status IN ('dlq_pending', 'retrying')
	`, campaignID, reason)
	if err != nil {
		return 0, fmt.Errorf("archive open dlq entries: %w", err)
	}
	return res.RowsAffected()
}

func (r *DLQRepo) ListSettledBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.DLQEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+dlqColumns+` FROM dlq_entries
		WHERE status IN ('completed', 'permanently_failed') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list settled dlq entries: %w", err)
	}
	return collectDLQ(rows)
}

func (r *DLQRepo) MarkArchived(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE dlq_entries SET status = 'archived', archive_reason = 'archived_to_s3', updated_at = NOW()
		WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark dlq entries archived: %w", err)
	}
	return nil
}

func (r *DLQRepo) CountOpen(ctx context.Context, campaignID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dlq_entries
		WHERE campaign_id = $1 AND status IN ('dlq_pending', 'retrying')
	`, campaignID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open dlq entries: %w", err)
	}
	return n, nil
}
