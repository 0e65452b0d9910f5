package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// AudienceRepo pages through the active members of a campaign's target
// lists, ordered by subscriber id.
type AudienceRepo struct{ db *sql.DB }

// NewAudienceRepo creates a Postgres-backed audience repository.
func NewAudienceRepo(db *sql.DB) *AudienceRepo { return &AudienceRepo{db: db} }

const audienceFilter = `
	s.status = 'active'
	AND EXISTS (
		SELECT 1 FROM list_members m
		WHERE m.subscriber_id = s.id
		  AND m.list_id = ANY(SELECT unnest(target_list_ids) FROM campaigns WHERE id = $1)
	)`

// RecipientsPage returns up to limit recipients with id greater than after.
func (r *AudienceRepo) RecipientsPage(ctx context.Context, campaignID, after string, limit int) ([]domain.Recipient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.email, s.first_name, s.last_name, s.custom_fields
		FROM subscribers s
		WHERE s.id > $2 AND `+audienceFilter+`
		ORDER BY s.id
		LIMIT $3
	`, campaignID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("recipients page: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var (
			rc     domain.Recipient
			fields []byte
		)
		if err := rows.Scan(&rc.ID, &rc.Email, &rc.FirstName, &rc.LastName, &fields); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &rc.Fields); err != nil {
				return nil, fmt.Errorf("decode custom_fields of %s: %w", rc.ID, err)
			}
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// Recipient loads one recipient of the campaign's audience.
func (r *AudienceRepo) Recipient(ctx context.Context, campaignID, recipientID string) (*domain.Recipient, error) {
	var (
		rc     domain.Recipient
		fields []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT s.id, s.email, s.first_name, s.last_name, s.custom_fields
		FROM subscribers s
		WHERE s.id = $2 AND `+audienceFilter,
		campaignID, recipientID,
	).Scan(&rc.ID, &rc.Email, &rc.FirstName, &rc.LastName, &fields)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &rc.Fields); err != nil {
			return nil, fmt.Errorf("decode custom_fields of %s: %w", rc.ID, err)
		}
	}
	return &rc, nil
}

// CountRecipients sizes the campaign's audience.
func (r *AudienceRepo) CountRecipients(ctx context.Context, campaignID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscribers s WHERE `+audienceFilter, campaignID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recipients: %w", err)
	}
	return n, nil
}
