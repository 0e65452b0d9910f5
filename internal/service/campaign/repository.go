package campaign

import (
	"context"
	"time"

	"github.com/ignite/campaign-dispatch/internal/cache"
	"github.com/ignite/campaign-dispatch/internal/domain"
)

// Repository defines the data access contract for campaigns.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single campaign. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// Transition applies t only if the stored status equals from. Returns
	// ErrConcurrentChange when the status no longer matches.
	Transition(ctx context.Context, id string, from domain.CampaignStatus, t Transition) error

	// IncrementCounters adds delta to the stored counters atomically.
	IncrementCounters(ctx context.Context, id string, delta domain.Counters) error

	// AdvanceCursor moves last_cursor from one value to the next. It reports
	// false when the stored cursor was not from.
	AdvanceCursor(ctx context.Context, id, from, to string) (bool, error)

	// SetCounters overwrites the counters with reconciled values.
	SetCounters(ctx context.Context, id string, c domain.Counters) error
}

// Transition describes one status change and the metadata written with it.
type Transition struct {
	To     domain.CampaignStatus
	At     time.Time
	Reason string
	Actor  string
	// TargetCount is recorded on start.
	TargetCount *int64
}

// AttemptCounter aggregates delivery attempts. Failed attempts still owned
// by the DLQ are not counted.
type AttemptCounter interface {
	CountByStatus(ctx context.Context, campaignID string) (domain.StatusCounts, error)
}

// AudienceCounter sizes a campaign's audience.
type AudienceCounter interface {
	CountRecipients(ctx context.Context, campaignID string) (int64, error)
}

// DeadLetters is the slice of the DLQ manager the lifecycle needs.
type DeadLetters interface {
	CancelCampaign(ctx context.Context, campaignID string) (int64, error)
	OpenEntries(ctx context.Context, campaignID string) (int64, error)
}

// Flags is the ephemeral pause/stop flag store.
type Flags interface {
	SetPaused(ctx context.Context, campaignID, reason string) error
	ClearPaused(ctx context.Context, campaignID string) error
	SetStopped(ctx context.Context, campaignID, reason string) error
	ClearStopped(ctx context.Context, campaignID string) error
	State(ctx context.Context, campaignID string) (cache.FlagState, error)
	ClearScratch(ctx context.Context, campaignID string) (int, error)
}
