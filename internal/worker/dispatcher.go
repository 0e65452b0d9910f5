package worker

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
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
)

// LockFactory builds a fresh lock for key.
type LockFactory func(key string) distlock.DistLock

// DispatcherConfig tunes the batch trampoline.
type DispatcherConfig struct {
	DefaultBatchSize    int
	InterBatchDelay     time.Duration
	AdmissionRetryDelay time.Duration
	FinalizePollDelay   time.Duration
	// FinalizeMaxPolls bounds how long a finalize task waits for units
	// that never settle; after that the campaign is finalized as is.
	FinalizeMaxPolls int
}

// DefaultDispatcherConfig returns the production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DefaultBatchSize:    100,
		InterBatchDelay:     2 * time.Second,
		AdmissionRetryDelay: 30 * time.Second,
		FinalizePollDelay:   10 * time.Second,
		FinalizeMaxPolls:    8640,
	}
}

// DispatcherDeps are the collaborators of the dispatcher.
type DispatcherDeps struct {
	Campaigns    CampaignStore
	Attempts     AttemptStore
	Audience     Audience
	Suppressions Suppressions
	Flags        FlagReader
	Finalizer    Finalizer
	Admission    *AdmissionController
	Queue        queue.Enqueuer
	Locks        LockFactory
	Events       events.Publisher
}

// Dispatcher pages a campaign's audience one batch per task. Each batch
// enqueues its own continuation, so a pause is observed between any two
// batches.
type Dispatcher struct {
	DispatcherDeps
	cfg DispatcherConfig
	now func() time.Time
}

// NewDispatcher creates a dispatcher. Zero config fields take the defaults.
func NewDispatcher(d DispatcherDeps, cfg DispatcherConfig) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = def.DefaultBatchSize
	}
	if cfg.InterBatchDelay <= 0 {
		cfg.InterBatchDelay = def.InterBatchDelay
	}
	if cfg.AdmissionRetryDelay <= 0 {
		cfg.AdmissionRetryDelay = def.AdmissionRetryDelay
	}
	if cfg.FinalizePollDelay <= 0 {
		cfg.FinalizePollDelay = def.FinalizePollDelay
	}
	if cfg.FinalizeMaxPolls <= 0 {
		cfg.FinalizeMaxPolls = def.FinalizeMaxPolls
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	return &Dispatcher{DispatcherDeps: d, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Handle implements queue.Handler for the dispatch queue.
func (d *Dispatcher) Handle(ctx context.Context, t *queue.Task) error {
	return d.HandleDispatch(ctx, t)
}

// HandleDispatch runs one batch. Batches of one campaign are serialized by
// a distributed lock; a task whose cursor no longer matches the stored
// cursor is a leftover and is dropped.
func (d *Dispatcher) HandleDispatch(ctx context.Context, t *queue.Task) error {
	var p queue.DispatchPayload
	if err := t.Decode(&p); err != nil {
		return queue.Drop(err.Error())
	}

	err := distlock.Run(ctx, d.Locks("dispatch:"+p.CampaignID), func(ctx context.Context) error {
		return d.dispatch(ctx, p)
	})
	if errors.Is(err, distlock.ErrNotAcquired) {
		return queue.Defer(d.cfg.InterBatchDelay, "dispatch lock held")
	}
	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, p queue.DispatchPayload) error {
	c, err := d.Campaigns.Get(ctx, p.CampaignID)
	if errors.Is(err, campaign.ErrNotFound) {
		return queue.Drop("campaign not found")
	}
	if err != nil {
		return err
	}
	if c.Status != domain.CampaignSending {
		logger.Debug("[Dispatcher] campaign not sending, batch dropped",
			"campaign_id", c.ID, "status", string(c.Status), "cursor", p.Cursor)
		return queue.Drop("campaign " + string(c.Status))
	}
	flags, err := d.Flags.State(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("read flags: %w", err)
	}
	if flags.Halted() {
		logger.Info("[Dispatcher] campaign halted, cursor retained",
			"campaign_id", c.ID, "paused", flags.Paused, "stopped", flags.Stopped, "cursor", c.LastCursor)
		return queue.Drop("campaign halted")
	}
	if p.Cursor != c.LastCursor {
		logger.Debug("[Dispatcher] stale cursor, batch dropped",
			"campaign_id", c.ID, "task_cursor", p.Cursor, "stored_cursor", c.LastCursor)
		return queue.Drop("stale cursor")
	}

	requested := p.BatchSize
	if requested <= 0 {
		requested = c.BatchSize
	}
	if requested <= 0 {
		requested = d.cfg.DefaultBatchSize
	}
	adm := d.Admission.Admit(ctx, requested)
	if !adm.Admitted {
		return queue.Defer(d.cfg.AdmissionRetryDelay, "admission refused")
	}

	page, err := d.Audience.RecipientsPage(ctx, c.ID, p.Cursor, adm.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch recipients: %w", err)
	}
	if len(page) == 0 {
		return d.enqueueFinalize(ctx, c.ID, 0)
	}

	delta, err := d.admitPage(ctx, c, page)
	if err != nil {
		return err
	}

	next := page[len(page)-1].ID
	moved, err := d.Campaigns.AdvanceCursor(ctx, c.ID, p.Cursor, next)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	if !moved {
		logger.Warn("[Dispatcher] cursor moved concurrently, continuation not scheduled",
			"campaign_id", c.ID, "from", p.Cursor, "to", next)
		return nil
	}

	logger.Info("[Dispatcher] batch enqueued",
		"campaign_id", c.ID, "batch", p.Batch, "size", len(page), "admitted_size", adm.BatchSize,
		"queued", delta.Queued, "skipped", delta.Skipped, "cursor", next)
	d.Events.Emit(events.Event{
		Type:       events.BatchDispatched,
		CampaignID: c.ID,
		Detail: map[string]any{
			"batch": p.Batch, "size": len(page), "queued": delta.Queued, "skipped": delta.Skipped, "cursor": next,
		},
	})

	if len(page) < adm.BatchSize {
		return d.enqueueFinalize(ctx, c.ID, 0)
	}
	_, err = queue.Submit(ctx, d.Queue, queue.QueueDispatch, queue.DispatchPayload{
		CampaignID: c.ID,
		Cursor:     next,
		BatchSize:  requested,
		Batch:      p.Batch + 1,
	}, d.cfg.InterBatchDelay)
	if err != nil {
		return fmt.Errorf("schedule next batch: %w", err)
	}
	return nil
}

// admitPage excludes recipients that already settled, settles suppressed
// ones as skipped and enqueues one delivery unit for every other recipient.
// Enqueued and skipped units both count as queued.
func (d *Dispatcher) admitPage(ctx context.Context, c *domain.Campaign, page []domain.Recipient) (domain.Counters, error) {
	ids := make([]string, len(page))
	for i, r := range page {
		ids[i] = r.ID
	}
	done, err := d.Attempts.SettledRecipients(ctx, c.ID, ids)
	if err != nil {
		return domain.Counters{}, fmt.Errorf("check prior deliveries: %w", err)
	}

	pending := make([]domain.Recipient, 0, len(page))
	emails := make([]string, 0, len(page))
	for _, r := range page {
		if done[r.ID] {
			continue
		}
		pending = append(pending, r)
		emails = append(emails, r.NormalizedEmail())
	}
	suppressed := d.Suppressions.CheckBulk(ctx, emails, suppressionLists(c))

	var delta domain.Counters
	// partial progress is still counted so a retried page balances out
	flush := func(cause error) (domain.Counters, error) {
		if !delta.IsZero() {
			if err := d.Campaigns.IncrementCounters(ctx, c.ID, delta); err != nil {
				if cause != nil {
					logger.Error("[Dispatcher] counter update failed", "campaign_id", c.ID, "error", err)
					return delta, cause
				}
				return delta, fmt.Errorf("increment counters: %w", err)
			}
		}
		return delta, cause
	}

	now := d.now().UTC()
	for _, r := range pending {
		if dec, ok := suppressed[r.NormalizedEmail()]; ok && dec.Suppressed {
			applied, err := d.Attempts.Record(ctx, skippedAttempt(c.ID, &r, "suppressed:"+string(dec.Reason), now))
			if err != nil {
				return flush(fmt.Errorf("record skipped attempt: %w", err))
			}
			if applied {
				delta.Queued++
				delta.Skipped++
				delta.Processed++
				d.Events.Emit(events.Event{
					Type: events.DeliverySkipped, CampaignID: c.ID, RecipientID: r.ID,
					Detail: map[string]any{"reason": string(dec.Reason), "scope": string(dec.Scope)},
				})
			}
			continue
		}
		if _, err := queue.Submit(ctx, d.Queue, queue.QueueDelivery, queue.DeliveryPayload{
			CampaignID:  c.ID,
			RecipientID: r.ID,
		}, 0); err != nil {
			return flush(fmt.Errorf("enqueue delivery: %w", err))
		}
		delta.Queued++
	}
	return flush(nil)
}

func (d *Dispatcher) enqueueFinalize(ctx context.Context, campaignID string, polls int) error {
	delay := time.Duration(0)
	if polls > 0 {
		delay = d.cfg.FinalizePollDelay
	}
	_, err := queue.Submit(ctx, d.Queue, queue.QueueFinalize, queue.FinalizePayload{
		CampaignID: campaignID,
		Polls:      polls,
	}, delay)
	if err != nil {
		return fmt.Errorf("enqueue finalize: %w", err)
	}
	return nil
}

// HandleFinalize waits until every admitted unit of the campaign settled,
// then finalizes it. It re-schedules itself while units are in flight.
func (d *Dispatcher) HandleFinalize(ctx context.Context, t *queue.Task) error {
	var p queue.FinalizePayload
	if err := t.Decode(&p); err != nil {
		return queue.Drop(err.Error())
	}
	c, err := d.Campaigns.Get(ctx, p.CampaignID)
	if errors.Is(err, campaign.ErrNotFound) {
		return queue.Drop("campaign not found")
	}
	if err != nil {
		return err
	}
	if c.Status != domain.CampaignSending {
		return queue.Drop("campaign " + string(c.Status))
	}

	drained, err := d.Finalizer.Drained(ctx, c)
	if err != nil {
		return err
	}
	if !drained {
		if p.Polls+1 < d.cfg.FinalizeMaxPolls {
			return d.enqueueFinalize(ctx, c.ID, p.Polls+1)
		}
		logger.Warn("[Dispatcher] campaign did not drain, finalizing anyway",
			"campaign_id", c.ID, "polls", p.Polls, "queued", c.Queued, "processed", c.Processed)
	}

	progress, done, err := d.Finalizer.Finalize(ctx, c.ID)
	if err != nil {
		return err
	}
	if done {
		logger.Info("[Dispatcher] campaign finalized",
			"campaign_id", c.ID, "status", string(progress.Status), "sent", progress.Sent, "failed", progress.Failed)
	}
	return nil
}

// FinalizeHandler adapts HandleFinalize to queue.Handler.
func (d *Dispatcher) FinalizeHandler() queue.Handler {
	return queue.HandlerFunc(d.HandleFinalize)
}

func skippedAttempt(campaignID string, r *domain.Recipient, reason string, at time.Time) *domain.DeliveryAttempt {
	return &domain.DeliveryAttempt{
		CampaignID:  campaignID,
		RecipientID: r.ID,
		Email:       r.Email,
		Status:      domain.AttemptSkipped,
		Error:       reason,
		CreatedAt:   at,
		UpdatedAt:   at,
		History:     []domain.StatusChange{{Status: domain.AttemptSkipped, At: at, Detail: reason}},
	}
}
