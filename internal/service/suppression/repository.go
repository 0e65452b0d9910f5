package suppression

import (
	"context"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// Entry is one stored suppression. ListID is empty for global entries.
type Entry struct {
	Email      string
	Reason     domain.SuppressionReason
	ListID     string
	CampaignID string
}

// Repository defines the data access contract for the suppression list.
// Emails are passed normalized.
type Repository interface {
	// Lookup returns the matching entries for email: global ones and those
	// scoped to any of listIDs.
	Lookup(ctx context.Context, email string, listIDs []string) ([]Entry, error)

	// LookupBulk is Lookup for many addresses, keyed by email. Addresses
	// without entries are absent from the map.
	LookupBulk(ctx context.Context, emails []string, listIDs []string) (map[string][]Entry, error)

	// Suppress adds an entry. Existing entries are preserved.
	Suppress(ctx context.Context, e Entry) error

	// Remove deletes every entry of email. Returns ErrNotFound if none exist.
	Remove(ctx context.Context, email string) error
}
