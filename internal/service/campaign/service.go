package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/events"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/queue"
)

// Deps are the collaborators of the service.
type Deps struct {
	Repo     Repository
	Attempts AttemptCounter
	Audience AudienceCounter
	DLQ      DeadLetters
	Flags    Flags
	Queue    queue.Enqueuer
	Events   events.Publisher
}

// Config holds lifecycle tuning.
type Config struct {
	DefaultBatchSize int
}

// Service implements campaign lifecycle logic. All public methods are safe
// for concurrent use if the collaborators are.
type Service struct {
	Deps
	cfg Config
	now func() time.Time
}

// NewService creates a campaign service.
func NewService(d Deps, cfg Config) *Service {
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 100
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	return &Service{Deps: d, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.Repo.Get(ctx, id)
}

// Progress returns the current progress snapshot.
func (s *Service) Progress(ctx context.Context, id string) (domain.Progress, error) {
	c, err := s.Repo.Get(ctx, id)
	if err != nil {
		return domain.Progress{}, err
	}
	return c.Progress(), nil
}

// snapshot re-reads the campaign for the returned progress. A read failure
// after a successful transition is logged, not returned.
func (s *Service) snapshot(ctx context.Context, id string, fallback *domain.Campaign) domain.Progress {
	c, err := s.Repo.Get(ctx, id)
	if err != nil {
		logger.Warn("[CampaignService] progress reload failed", "campaign_id", id, "error", err)
		return fallback.Progress()
	}
	return c.Progress()
}

func (s *Service) batchSize(c *domain.Campaign) int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return s.cfg.DefaultBatchSize
}

func (s *Service) enqueueDispatch(ctx context.Context, c *domain.Campaign) error {
	_, err := queue.Submit(ctx, s.Queue, queue.QueueDispatch, queue.DispatchPayload{
		CampaignID: c.ID,
		Cursor:     c.LastCursor,
		BatchSize:  s.batchSize(c),
	}, 0)
	return err
}

func (s *Service) emit(t events.Type, c *domain.Campaign, detail map[string]any) {
	s.Events.Emit(events.Event{Type: t, CampaignID: c.ID, Detail: detail})
}

// Start moves a draft or scheduled campaign to sending and enqueues the
// first dispatch batch.
func (s *Service) Start(ctx context.Context, id string) (domain.Progress, error) {
	c, err := s.Repo.Get(ctx, id)
	if err != nil {
		return domain.Progress{}, err
	}
	if c.Status != domain.CampaignDraft && c.Status != domain.CampaignScheduled {
		return c.Progress(), fmt.Errorf("%w: cannot start a %s campaign", ErrInvalidTransition, c.Status)
	}
	if err := c.Validate(); err != nil {
		return c.Progress(), err
	}

	target, err := s.Audience.CountRecipients(ctx, id)
	if err != nil {
		return c.Progress(), fmt.Errorf("count audience: %w", err)
	}

	from := c.Status
	if err := s.Repo.Transition(ctx, id, from, Transition{
		To: domain.CampaignSending, At: s.now().UTC(), TargetCount: &target,
	}); err != nil {
		return c.Progress(), err
	}
	if err := s.Flags.ClearStopped(ctx, id); err != nil {
		logger.Warn("[CampaignService] clear stale stop flag failed", "campaign_id", id, "error", err)
	}

	if err := s.enqueueDispatch(ctx, c); err != nil {
		// roll back so the campaign can be started again
		if rbErr := s.Repo.Transition(ctx, id, domain.CampaignSending, Transition{To: from, At: s.now().UTC()}); rbErr != nil {
			logger.Error("[CampaignService] rollback failed", "campaign_id", id, "error", rbErr)
		}
		return c.Progress(), fmt.Errorf("enqueue first batch: %w", err)
	}

	logger.Info("[CampaignService] campaign started", "campaign_id", id, "target", target)
	s.emit(events.CampaignStarted, c, map[string]any{"target": target})
	return s.snapshot(ctx, id, c), nil
}

// Pause raises the pause flag and moves a sending campaign to paused.
// In-flight units finish; no further batch is fetched.
func (s *Service) Pause(ctx context.Context, id, reason, actor string) (domain.Progress, error) {
	c, err := s.Repo.Get(ctx, id)
	if err != nil {
		return domain.Progress{}, err
	}
	if !c.CanPause() {
		return c.Progress(), fmt.Errorf("%w: cannot pause a %s campaign", ErrInvalidTransition, c.Status)
	}

	if err := s.Flags.SetPaused(ctx, id, reason); err != nil {
		return c.Progress(), fmt.Errorf("set pause flag: %w", err)
	}
	if err := s.Repo.Transition(ctx, id, c.Status, Transition{
		To: domain.CampaignPaused, At: s.now().UTC(), Reason: reason, Actor: actor,
	}); err != nil {
		if cerr := s.Flags.ClearPaused(ctx, id); cerr != nil {
			logger.Warn("[CampaignService] clear pause flag after failed transition", "campaign_id", id, "error", cerr)
		}
		return c.Progress(), err
	}

	logger.Info("[CampaignService] campaign paused", "campaign_id", id, "reason", reason, "actor", actor)
	s.emit(events.CampaignPaused, c, map[string]any{"reason": reason, "actor": actor})
	return s.snapshot(ctx, id, c), nil
}

// Resume restores a paused campaign and re-triggers dispatch from the last
// persisted cursor.
func (s *Service) Resume(ctx context.Context, id, actor string) (domain.Progress, error) {
	c, err := s.Repo.Get(ctx, id)
	if err != nil {
		return domain.Progress{}, err
	}
	if !c.CanResume() {
		return c.Progress(), fmt.Errorf("%w: cannot resume a %s campaign", ErrInvalidTransition, c.Status)
	}

	to := c.PreviousStatus
	if to != domain.CampaignSending {
		to = domain.CampaignSending
	}
	if err := s.Repo.Transition(ctx, id, domain.CampaignPaused, Transition{
		To: to, At: s.now().UTC(), Actor: actor,
	}); err != nil {
		return c.Progress(), err
	}
	if err := s.Flags.ClearPaused(ctx, id); err != nil {
		logger.Warn("[CampaignService] clear pause flag failed", "campaign_id", id, "error", err)
	}
	if err := s.enqueueDispatch(ctx, c); err != nil {
		return c.Progress(), fmt.Errorf("re-trigger dispatch: %w", err)
	}

	logger.Info("[CampaignService] campaign resumed", "campaign_id", id, "cursor", c.LastCursor, "actor", actor)
	s.emit(events.CampaignResumed, c, map[string]any{"cursor": c.LastCursor, "actor": actor})
	return s.snapshot(ctx, id, c), nil
}

// Stop ends a sending, paused or scheduled campaign for good. Shared rate
// and breaker scratch state of the campaign is cleared and counters are
// reconciled. A forced stop also archives the campaign's open DLQ entries.
func (s *Service) Stop(ctx context.Context, id, reason, actor string, force bool) (domain.Progress, error) {
	c, err := s.Repo.Get(ctx, id)
	if err != nil {
		return domain.Progress{}, err
	}
	if !c.CanStop() {
		return c.Progress(), fmt.Errorf("%w: cannot stop a %s campaign", ErrInvalidTransition, c.Status)
	}

	if err := s.Flags.SetStopped(ctx, id, reason); err != nil {
		return c.Progress(), fmt.Errorf("set stop flag: %w", err)
	}
	if err := s.Repo.Transition(ctx, id, c.Status, Transition{
		To: domain.CampaignStopped, At: s.now().UTC(), Reason: reason, Actor: actor,
	}); err != nil {
		if cerr := s.Flags.ClearStopped(ctx, id); cerr != nil {
			logger.Warn("[CampaignService] clear stop flag after failed transition", "campaign_id", id, "error", cerr)
		}
		return c.Progress(), err
	}

	if n, err := s.Flags.ClearScratch(ctx, id); err != nil {
		logger.Warn("[CampaignService] clear scratch state failed", "campaign_id", id, "error", err)
	} else {
		logger.Debug("[CampaignService] scratch state cleared", "campaign_id", id, "keys", n)
	}
	if force {
		if _, err := s.DLQ.CancelCampaign(ctx, id); err != nil {
			logger.Error("[CampaignService] archive dlq entries failed", "campaign_id", id, "error", err)
		}
	}
	if _, err := s.Reconcile(ctx, id); err != nil {
		logger.Warn("[CampaignService] final reconcile failed", "campaign_id", id, "error", err)
	}

	logger.Info("[CampaignService] campaign stopped", "campaign_id", id, "reason", reason, "actor", actor, "force", force)
	s.emit(events.CampaignStopped, c, map[string]any{"reason": reason, "actor": actor, "force": force})
	return s.snapshot(ctx, id, c), nil
}

// Cancel abandons a campaign that never started sending.
func (s *Service) Cancel(ctx context.Context, id, reason, actor string) (domain.Progress, error) {
	c, err := s.Repo.Get(ctx, id)
	if err != nil {
		return domain.Progress{}, err
	}
	if !c.CanCancel() {
		return c.Progress(), fmt.Errorf("%w: cannot cancel a %s campaign", ErrInvalidTransition, c.Status)
	}
	if err := s.Repo.Transition(ctx, id, c.Status, Transition{
		To: domain.CampaignCancelled, At: s.now().UTC(), Reason: reason, Actor: actor,
	}); err != nil {
		return c.Progress(), err
	}

	logger.Info("[CampaignService] campaign cancelled", "campaign_id", id, "reason", reason, "actor", actor)
	s.emit(events.CampaignCancelled, c, map[string]any{"reason": reason, "actor": actor})
	return s.snapshot(ctx, id, c), nil
}

// Reconcile recomputes the counters from delivery attempts and stores them.
// The queued counter never drops below processed.
func (s *Service) Reconcile(ctx context.Context, id string) (domain.Counters, error) {
	c, err := s.Repo.Get(ctx, id)
	if err != nil {
		return domain.Counters{}, err
	}
	counts, err := s.Attempts.CountByStatus(ctx, id)
	if err != nil {
		return domain.Counters{}, fmt.Errorf("aggregate attempts: %w", err)
	}
	rc := counts.Counters()
	rc.Queued = c.Queued
	if rc.Queued < rc.Processed {
		rc.Queued = rc.Processed
	}
	if err := s.Repo.SetCounters(ctx, id, rc); err != nil {
		return domain.Counters{}, fmt.Errorf("store counters: %w", err)
	}
	if rc != c.Counters {
		logger.Info("[CampaignService] counters reconciled",
			"campaign_id", id, "sent", rc.Sent, "failed", rc.Failed, "skipped", rc.Skipped, "processed", rc.Processed)
	}
	return rc, nil
}

// Drained reports whether every admitted unit of a sending campaign has
// settled and no DLQ entry is still open.
func (s *Service) Drained(ctx context.Context, c *domain.Campaign) (bool, error) {
	if c.Processed < c.Queued {
		return false, nil
	}
	open, err := s.DLQ.OpenEntries(ctx, c.ID)
	if err != nil {
		return false, fmt.Errorf("count open dlq entries: %w", err)
	}
	return open == 0, nil
}

// Finalize reconciles counters and moves a sending campaign to completed,
// or to failed when nothing was sent but something failed. It reports
// false without error when the campaign is not sending anymore.
func (s *Service) Finalize(ctx context.Context, id string) (domain.Progress, bool, error) {
	c, err := s.Repo.Get(ctx, id)
	if err != nil {
		return domain.Progress{}, false, err
	}
	if c.Status != domain.CampaignSending {
		return c.Progress(), false, nil
	}

	rc, err := s.Reconcile(ctx, id)
	if err != nil {
		return c.Progress(), false, err
	}
	final := domain.FinalStatus(rc)
	if err := s.Repo.Transition(ctx, id, domain.CampaignSending, Transition{To: final, At: s.now().UTC()}); err != nil {
		if errors.Is(err, ErrConcurrentChange) {
			return c.Progress(), false, nil
		}
		return c.Progress(), false, err
	}

	logger.Info("[CampaignService] campaign finished",
		"campaign_id", id, "status", string(final), "sent", rc.Sent, "failed", rc.Failed, "skipped", rc.Skipped)
	s.emit(events.CampaignFinished, c, map[string]any{"status": string(final), "sent": rc.Sent, "failed": rc.Failed})
	return s.snapshot(ctx, id, c), true, nil
}
