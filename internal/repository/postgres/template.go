package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/campaign-dispatch/internal/template"
)

// TemplateRepo implements template.Repository against PostgreSQL.
type TemplateRepo struct{ db *sql.DB }

// NewTemplateRepo creates a Postgres-backed template repository.
func NewTemplateRepo(db *sql.DB) *TemplateRepo { return &TemplateRepo{db: db} }

func (r *TemplateRepo) GetTemplate(ctx context.Context, id string) (*template.Template, error) {
	t := &template.Template{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, subject, html_content, text_content, updated_at FROM templates WHERE id = $1`, id,
	).Scan(&t.ID, &t.Subject, &t.HTML, &t.Text, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, template.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}
