package suppression

import (
	"context"
	"strings"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// Service implements suppression checks. It is safe for concurrent use.
type Service struct {
	repo Repository
}

// NewService creates a suppression service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// decide folds entries into one decision. Global entries win over list ones.
func decide(entries []Entry) domain.SuppressionDecision {
	var d domain.SuppressionDecision
	for _, e := range entries {
		if e.ListID == "" {
			return domain.SuppressionDecision{Suppressed: true, Reason: e.Reason, Scope: domain.ScopeGlobal}
		}
		if !d.Suppressed {
			d = domain.SuppressionDecision{Suppressed: true, Reason: e.Reason, Scope: domain.ScopeList}
		}
	}
	return d
}

// Check reports whether email is suppressed globally or on any of listIDs.
func (s *Service) Check(ctx context.Context, email string, listIDs []string) domain.SuppressionDecision {
	email = normalize(email)
	if email == "" {
		return domain.SuppressionDecision{}
	}
	entries, err := s.repo.Lookup(ctx, email, listIDs)
	if err != nil {
		logger.Warn("[Suppression] lookup failed, treating as not suppressed", "email", email, "error", err)
		return domain.SuppressionDecision{}
	}
	return decide(entries)
}

// CheckBulk returns the decisions of the suppressed addresses among emails,
// keyed by normalized email.
func (s *Service) CheckBulk(ctx context.Context, emails []string, listIDs []string) map[string]domain.SuppressionDecision {
	out := make(map[string]domain.SuppressionDecision)
	if len(emails) == 0 {
		return out
	}
	norm := make([]string, 0, len(emails))
	seen := make(map[string]bool, len(emails))
	for _, e := range emails {
		n := normalize(e)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		norm = append(norm, n)
	}

	found, err := s.repo.LookupBulk(ctx, norm, listIDs)
	if err != nil {
		logger.Warn("[Suppression] bulk lookup failed, treating batch as not suppressed", "count", len(norm), "error", err)
		return out
	}
	for email, entries := range found {
		if d := decide(entries); d.Suppressed {
			out[email] = d
		}
	}
	return out
}

// Suppress adds email to the global list, or to listID when set. Idempotent.
func (s *Service) Suppress(ctx context.Context, email string, reason domain.SuppressionReason, listID, campaignID string) error {
	email = normalize(email)
	if email == "" {
		return ErrInvalidEmail
	}
	return s.repo.Suppress(ctx, Entry{Email: email, Reason: reason, ListID: listID, CampaignID: campaignID})
}

// Remove deletes every suppression of email.
func (s *Service) Remove(ctx context.Context, email string) error {
	email = normalize(email)
	if email == "" {
		return ErrInvalidEmail
	}
	return s.repo.Remove(ctx, email)
}
