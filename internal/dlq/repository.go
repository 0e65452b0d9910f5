package dlq

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("dlq entry not found")

// Repository is the persistence contract of DLQ entries.
type Repository interface {
	Create(ctx context.Context, e *domain.DLQEntry) error
	Get(ctx context.Context, id string) (*domain.DLQEntry, error)
	// Save overwrites the mutable fields of an existing entry.
	Save(ctx context.Context, e *domain.DLQEntry) error

	// ClaimDue atomically moves up to limit due pending entries to retrying,
	// incrementing their retry_count, and returns them. Entries whose
	// retry_count already reached max_retries are never claimed.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.DLQEntry, error)

	// ArchiveEntry archives one entry if it is still pending or retrying and
	// reports whether it did.
	ArchiveEntry(ctx context.Context, id, reason string) (bool, error)

	// ArchiveOpen archives every pending or retrying entry of a campaign.
	ArchiveOpen(ctx context.Context, campaignID, reason string) (int64, error)

	// ListSettledBefore returns completed or permanently failed entries last
	// updated before cutoff.
	ListSettledBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.DLQEntry, error)
	MarkArchived(ctx context.Context, ids []string) error

	// CountOpen counts pending or retrying entries of a campaign.
	CountOpen(ctx context.Context, campaignID string) (int64, error)
}
