package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/events"
	"github.com/ignite/campaign-dispatch/internal/pkg/distlock"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/queue"
)

// SweeperConfig controls the periodic retry sweep.
type SweeperConfig struct {
	Interval time.Duration
	Batch    int
}

// LockFactory returns a fresh lock instance per sweep.
type LockFactory func() distlock.DistLock

// Sweeper resubmits due DLQ entries as delivery units. Only one sweeper
// across the fleet runs at a time.
type Sweeper struct {
	repo    Repository
	enq     queue.Enqueuer
	newLock LockFactory
	cfg     SweeperConfig
	backoff time.Duration
	events  events.Publisher
	now     func() time.Time
}

// NewSweeper creates a sweeper. backoff is used to push back an entry whose
// resubmission failed.
func NewSweeper(repo Repository, enq queue.Enqueuer, newLock LockFactory, cfg SweeperConfig, backoff time.Duration, pub events.Publisher) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 200
	}
	if backoff <= 0 {
		backoff = time.Minute
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Sweeper{repo: repo, enq: enq, newLock: newLock, cfg: cfg, backoff: backoff, events: pub, now: time.Now}
}

// SetClock overrides the time source.
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	logger.Info("[DLQSweeper] started", "interval", s.cfg.Interval.String(), "batch", s.cfg.Batch)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("[DLQSweeper] stopped")
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				logger.Error("[DLQSweeper] sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("[DLQSweeper] resubmitted entries", "count", n)
			}
		}
	}
}

// Sweep resubmits due entries and returns how many were enqueued. It is a
// no-op when another sweeper holds the lock.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	submitted := 0
	err := distlock.Run(ctx, s.newLock(), func(ctx context.Context) error {
		due, err := s.repo.ClaimDue(ctx, s.now().UTC(), s.cfg.Batch)
		if err != nil {
			return fmt.Errorf("claim due entries: %w", err)
		}
		for i := range due {
			e := &due[i]
			if err := s.resubmit(ctx, e); err != nil {
				logger.Error("[DLQSweeper] resubmit failed", "entry_id", e.ID, "error", err)
				s.release(ctx, e)
				continue
			}
			submitted++
		}
		return nil
	})
	if errors.Is(err, distlock.ErrNotAcquired) {
		return 0, nil
	}
	return submitted, err
}

func (s *Sweeper) resubmit(ctx context.Context, e *domain.DLQEntry) error {
	_, err := queue.Submit(ctx, s.enq, queue.QueueDelivery, queue.DeliveryPayload{
		CampaignID:  e.CampaignID,
		RecipientID: e.RecipientID,
		DLQEntryID:  e.ID,
	}, 0)
	if err != nil {
		return err
	}
	s.events.Emit(events.Event{
		Type:        events.DLQRetried,
		CampaignID:  e.CampaignID,
		RecipientID: e.RecipientID,
		Detail:      map[string]any{"entry_id": e.ID, "retry_count": e.RetryCount},
	})
	return nil
}

// release undoes a claim whose task could not be enqueued.
func (s *Sweeper) release(ctx context.Context, e *domain.DLQEntry) {
	next := s.now().UTC().Add(s.backoff)
	e.Status = domain.DLQPending
	e.RetryCount--
	if e.RetryCount < 0 {
		e.RetryCount = 0
	}
	e.CanRetry = true
	e.NextRetryAt = &next
	e.UpdatedAt = s.now().UTC()
	if err := s.repo.Save(ctx, e); err != nil {
		logger.Error("[DLQSweeper] could not release entry, it stays retrying", "entry_id", e.ID, "error", err)
	}
}
