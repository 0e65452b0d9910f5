package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/campaign-dispatch/internal/service/suppression"
)

// SuppressionRepo implements suppression.Repository against PostgreSQL.
// Global entries are stored with an empty list_id.
type SuppressionRepo struct{ db *sql.DB }

// NewSuppressionRepo creates a Postgres-backed suppression repository.
func NewSuppressionRepo(db *sql.DB) *SuppressionRepo { return &SuppressionRepo{db: db} }

func (r *SuppressionRepo) Lookup(ctx context.Context, email string, listIDs []string) ([]suppression.Entry, error) {
	found, err := r.LookupBulk(ctx, []string{email}, listIDs)
	if err != nil {
		return nil, err
	}
	return found[email], nil
}

func (r *SuppressionRepo) LookupBulk(ctx context.Context, emails []string, listIDs []string) (map[string][]suppression.Entry, error) {
	out := make(map[string][]suppression.Entry)
	if len(emails) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT email, list_id, reason, campaign_id
		FROM suppressions
		WHERE email = ANY($1) AND (list_id = '' OR list_id = ANY($2))
	`, pq.Array(emails), pq.Array(listIDs))
	if err != nil {
		return nil, fmt.Errorf("lookup suppressions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e suppression.Entry
		if err := rows.Scan(&e.Email, &e.ListID, &e.Reason, &e.CampaignID); err != nil {
			return nil, fmt.Errorf("scan suppression: %w", err)
		}
		out[e.Email] = append(out[e.Email], e)
	}
	return out, rows.Err()
}

func (r *SuppressionRepo) Suppress(ctx context.Context, e suppression.Entry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO suppressions (email, list_id, reason, campaign_id, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (email, list_id) DO NOTHING
	`, e.Email, e.ListID, e.Reason, e.CampaignID)
	if err != nil {
		return fmt.Errorf("suppress: %w", err)
	}
	return nil
}

func (r *SuppressionRepo) Remove(ctx context.Context, email string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM suppressions WHERE email = $1`, email)
	if err != nil {
		return fmt.Errorf("remove suppression: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return suppression.ErrNotFound
	}
	return nil
}
