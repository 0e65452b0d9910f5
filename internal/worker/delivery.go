package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/dlq"
	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/events"
	"github.com/ignite/campaign-dispatch/internal/failure"
	"github.com/ignite/campaign-dispatch/internal/pkg/distlock"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/provider"
	"github.com/ignite/campaign-dispatch/internal/queue"
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
	"github.com/ignite/campaign-dispatch/internal/template"
)

// DeliveryConfig tunes the per-recipient worker.
type DeliveryConfig struct {
	PausedRecheckDelay time.Duration
	LockBusyDelay      time.Duration
}

// DefaultDeliveryConfig returns the production defaults.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{PausedRecheckDelay: 30 * time.Second, LockBusyDelay: 5 * time.Second}
}

// DeliveryDeps are the collaborators of the delivery worker.
type DeliveryDeps struct {
	Campaigns    CampaignStore
	Attempts     AttemptStore
	Audience     Audience
	Suppressions Suppressions
	Flags        FlagReader
	Templates    Templates
	Sender       Sender
	Throttle     Throttle
	DLQ          DeadLetters
	Locks        LockFactory
	Events       events.Publisher
}

// DeliveryWorker sends one message per task. It implements queue.Handler
// and queue.ExhaustionHandler.
type DeliveryWorker struct {
	DeliveryDeps
	cfg DeliveryConfig
	now func() time.Time
}

// NewDeliveryWorker creates a delivery worker.
func NewDeliveryWorker(d DeliveryDeps, cfg DeliveryConfig) *DeliveryWorker {
	def := DefaultDeliveryConfig()
	if cfg.PausedRecheckDelay <= 0 {
		cfg.PausedRecheckDelay = def.PausedRecheckDelay
	}
	if cfg.LockBusyDelay <= 0 {
		cfg.LockBusyDelay = def.LockBusyDelay
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	return &DeliveryWorker{DeliveryDeps: d, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source.
func (w *DeliveryWorker) SetClock(now func() time.Time) { w.now = now }

// unit is one decoded delivery task.
type unit struct {
	queue.DeliveryPayload
	campaign *domain.Campaign
	metadata []byte
}

func (w *DeliveryWorker) load(ctx context.Context, t *queue.Task) (*unit, error) {
	var p queue.DeliveryPayload
	if err := t.Decode(&p); err != nil {
		return nil, queue.Drop(err.Error())
	}
	c, err := w.Campaigns.Get(ctx, p.CampaignID)
	if errors.Is(err, campaign.ErrNotFound) {
		return nil, queue.Drop("campaign not found")
	}
	if err != nil {
		return nil, err
	}
	return &unit{DeliveryPayload: p, campaign: c, metadata: t.Payload}, nil
}

// Handle runs the delivery steps for one recipient. Pause is observed before
// anything else and defers the unit; stop drops it.
func (w *DeliveryWorker) Handle(ctx context.Context, t *queue.Task) error {
	u, err := w.load(ctx, t)
	if err != nil {
		return err
	}
	c := u.campaign

	flags, err := w.Flags.State(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("read flags: %w", err)
	}
	switch {
	case flags.Stopped:
		w.archiveEntry(ctx, u)
		return queue.Drop("campaign stopped")
	case flags.Paused || c.Status == domain.CampaignPaused:
		return queue.Defer(w.cfg.PausedRecheckDelay, "campaign paused")
	case c.Status != domain.CampaignSending:
		w.archiveEntry(ctx, u)
		return queue.Drop("campaign " + string(c.Status))
	}

	err = distlock.Run(ctx, w.Locks("deliver:"+c.ID+":"+u.RecipientID), func(ctx context.Context) error {
		return w.deliver(ctx, u)
	})
	if errors.Is(err, distlock.ErrNotAcquired) {
		return queue.Defer(w.cfg.LockBusyDelay, "recipient locked")
	}
	return err
}

func (w *DeliveryWorker) deliver(ctx context.Context, u *unit) error {
	c := u.campaign

	sent, err := w.Attempts.HasSuccess(ctx, c.ID, u.RecipientID)
	if err != nil {
		return fmt.Errorf("check prior delivery: %w", err)
	}
	if sent {
		return w.duplicate(ctx, u)
	}

	r, err := w.Audience.Recipient(ctx, c.ID, u.RecipientID)
	if err != nil {
		return fmt.Errorf("load recipient: %w", err)
	}
	if r == nil {
		return w.skip(ctx, u, &domain.Recipient{ID: u.RecipientID}, "recipient_removed")
	}

	if dec := w.Suppressions.Check(ctx, r.Email, suppressionLists(c)); dec.Suppressed {
		return w.skip(ctx, u, r, "suppressed:"+string(dec.Reason))
	}

	if c.ThrottlePerMinute > 0 {
		d, err := w.Throttle.AllowCampaign(ctx, c.ID, c.ThrottlePerMinute)
		if err != nil {
			return fmt.Errorf("campaign throttle: %w", err)
		}
		if !d.Allowed {
			return queue.Defer(d.RetryAfter, "campaign throttle")
		}
	}

	msg, err := w.compose(ctx, c, r)
	if err != nil {
		if failure.OutcomeOf(err) == failure.Permanent {
			return w.settleFailure(ctx, u, r, err, nil)
		}
		return err
	}

	res, err := w.Sender.Send(ctx, msg)
	if err != nil {
		if res != nil && res.Deferred {
			return queue.Defer(res.RetryAfter, "no provider available")
		}
		var attempted []string
		if res != nil {
			attempted = res.AttemptedProviders
		}
		if failure.OutcomeOf(err) == failure.Permanent {
			return w.settleFailure(ctx, u, r, err, attempted)
		}
		logger.Info("[DeliveryWorker] send failed, task will retry",
			"campaign_id", c.ID, "recipient_id", r.ID, "class", string(failure.Classify(err)), "providers", attempted)
		return queue.Retry(err)
	}
	return w.settleSent(ctx, u, r, res)
}

func (w *DeliveryWorker) compose(ctx context.Context, c *domain.Campaign, r *domain.Recipient) (*domain.EmailMessage, error) {
	tpl, err := w.Templates.GetTemplate(ctx, c.TemplateID)
	if errors.Is(err, template.ErrNotFound) {
		return nil, failure.Wrap(failure.TemplateError, "", err)
	}
	if err != nil {
		return nil, failure.Wrap(failure.SystemError, "", err)
	}
	out, err := w.Templates.Render(tpl, c.FieldMap, r, c.FallbackValues)
	if err != nil {
		return nil, classified(err)
	}
	return &domain.EmailMessage{
		ID:          uuid.NewString(),
		CampaignID:  c.ID,
		RecipientID: r.ID,
		Email:       r.Email,
		FromName:    c.Sender.FromName,
		FromEmail:   c.Sender.FromEmail,
		ReplyTo:     c.Sender.ReplyTo,
		Subject:     out.Subject,
		HTMLContent: out.HTML,
		TextContent: out.Text,
		Headers:     map[string]string{"X-Campaign-ID": c.ID},
	}, nil
}

// duplicate settles a unit whose recipient already succeeded. The unit was
// counted as queued once too many.
func (w *DeliveryWorker) duplicate(ctx context.Context, u *unit) error {
	logger.Debug("[DeliveryWorker] already delivered, skipping", "campaign_id", u.CampaignID, "recipient_id", u.RecipientID)
	if err := w.Campaigns.IncrementCounters(ctx, u.CampaignID, domain.Counters{Queued: -1}); err != nil {
		return fmt.Errorf("uncount duplicate: %w", err)
	}
	w.completeEntry(ctx, u)
	return nil
}

func (w *DeliveryWorker) skip(ctx context.Context, u *unit, r *domain.Recipient, reason string) error {
	now := w.now().UTC()
	applied, err := w.Attempts.Record(ctx, skippedAttempt(u.CampaignID, r, reason, now))
	if err != nil {
		return fmt.Errorf("record skipped attempt: %w", err)
	}
	if !applied {
		return w.duplicate(ctx, u)
	}
	if err := w.Campaigns.IncrementCounters(ctx, u.CampaignID, domain.Counters{Skipped: 1, Processed: 1}); err != nil {
		logger.Error("[DeliveryWorker] counter update failed", "campaign_id", u.CampaignID, "error", err)
	}
	w.completeEntry(ctx, u)
	logger.Debug("[DeliveryWorker] recipient skipped", "campaign_id", u.CampaignID, "recipient_id", r.ID, "reason", reason)
	w.Events.Emit(events.Event{
		Type: events.DeliverySkipped, CampaignID: u.CampaignID, RecipientID: r.ID,
		Detail: map[string]any{"reason": reason},
	})
	return nil
}

// settleSent records the success. The message left already, so storage
// errors from here on are logged and never trigger a resend.
func (w *DeliveryWorker) settleSent(ctx context.Context, u *unit, r *domain.Recipient, res *provider.Result) error {
	now := w.now().UTC()
	applied, err := w.Attempts.Record(ctx, &domain.DeliveryAttempt{
		CampaignID:         u.CampaignID,
		RecipientID:        r.ID,
		Email:              r.Email,
		Status:             domain.AttemptSent,
		Provider:           res.Provider,
		MessageID:          res.MessageID,
		Cost:               res.Cost,
		AttemptedProviders: res.AttemptedProviders,
		CreatedAt:          now,
		UpdatedAt:          now,
		History:            []domain.StatusChange{{Status: domain.AttemptSent, At: now, Detail: res.Provider}},
	})
	if err != nil {
		logger.Error("[DeliveryWorker] sent attempt not recorded",
			"campaign_id", u.CampaignID, "recipient_id", r.ID, "message_id", res.MessageID, "error", err)
		applied = true
	}
	if !applied {
		return w.duplicate(ctx, u)
	}
	if err := w.Campaigns.IncrementCounters(ctx, u.CampaignID, domain.Counters{Sent: 1, Processed: 1}); err != nil {
		logger.Error("[DeliveryWorker] counter update failed", "campaign_id", u.CampaignID, "error", err)
	}
	w.completeEntry(ctx, u)

	logger.Debug("[DeliveryWorker] sent",
		"campaign_id", u.CampaignID, "recipient_id", r.ID, "provider", res.Provider, "email", r.Email)
	w.Events.Emit(events.Event{
		Type: events.DeliverySent, CampaignID: u.CampaignID, RecipientID: r.ID, Provider: res.Provider,
		Detail: map[string]any{"message_id": res.MessageID, "attempted": res.AttemptedProviders},
	})
	return nil
}

// settleFailure hands a failed unit to the DLQ. Terminal failures are
// counted at once; retryable ones stay uncounted until the DLQ settles them.
func (w *DeliveryWorker) settleFailure(ctx context.Context, u *unit, r *domain.Recipient, cause error, attempted []string) error {
	dec, err := w.DLQ.HandleFailure(ctx, dlq.Failure{
		CampaignID:         u.CampaignID,
		RecipientID:        r.ID,
		Email:              r.Email,
		Err:                cause,
		AttemptedProviders: attempted,
		EntryID:            u.DLQEntryID,
		TaskMetadata:       u.metadata,
	})
	if err != nil {
		return fmt.Errorf("hand off to dlq: %w", err)
	}

	now := w.now().UTC()
	applied, err := w.Attempts.Record(ctx, &domain.DeliveryAttempt{
		CampaignID:         u.CampaignID,
		RecipientID:        r.ID,
		Email:              r.Email,
		Status:             domain.AttemptFailed,
		FailureClass:       string(dec.Class),
		Error:              cause.Error(),
		CanRetry:           !dec.Terminal,
		AttemptedProviders: attempted,
		CreatedAt:          now,
		UpdatedAt:          now,
		History:            []domain.StatusChange{{Status: domain.AttemptFailed, At: now, Detail: string(dec.Class)}},
	})
	if err != nil {
		logger.Error("[DeliveryWorker] failed attempt not recorded", "campaign_id", u.CampaignID, "recipient_id", r.ID, "error", err)
		applied = true
	}
	if !dec.Terminal {
		return nil
	}
	if !applied {
		return w.duplicate(ctx, u)
	}

	if err := w.Campaigns.IncrementCounters(ctx, u.CampaignID, domain.Counters{Failed: 1, Processed: 1}); err != nil {
		logger.Error("[DeliveryWorker] counter update failed", "campaign_id", u.CampaignID, "error", err)
	}
	if dec.Class == failure.InvalidRecipient && r.Email != "" {
		if err := w.Suppressions.Suppress(ctx, r.Email, domain.ReasonHardBounce, "", u.CampaignID); err != nil {
			logger.Warn("[DeliveryWorker] suppress invalid recipient failed", "email", r.Email, "error", err)
		}
	}
	logger.Info("[DeliveryWorker] delivery failed permanently",
		"campaign_id", u.CampaignID, "recipient_id", r.ID, "class", string(dec.Class))
	w.Events.Emit(events.Event{
		Type: events.DeliveryFailed, CampaignID: u.CampaignID, RecipientID: r.ID,
		Detail: map[string]any{"class": string(dec.Class), "attempted": attempted},
	})
	return nil
}

func (w *DeliveryWorker) completeEntry(ctx context.Context, u *unit) {
	if u.DLQEntryID == "" {
		return
	}
	if err := w.DLQ.Complete(ctx, u.DLQEntryID); err != nil {
		logger.Warn("[DeliveryWorker] dlq entry not completed", "entry_id", u.DLQEntryID, "error", err)
	}
}

// archiveEntry closes the DLQ entry of a retry that will never run because
// its campaign ended. Left open it would be claimed by every sweep.
func (w *DeliveryWorker) archiveEntry(ctx context.Context, u *unit) {
	if u.DLQEntryID == "" {
		return
	}
	if err := w.DLQ.Archive(ctx, u.DLQEntryID, "campaign_stopped"); err != nil {
		logger.Warn("[DeliveryWorker] dlq entry not archived", "entry_id", u.DLQEntryID, "error", err)
	}
}

// Exhausted implements queue.ExhaustionHandler: a unit that used up its
// task-level retries moves to the DLQ with its last error.
func (w *DeliveryWorker) Exhausted(ctx context.Context, t *queue.Task, lastErr error) error {
	u, err := w.load(ctx, t)
	if err != nil {
		var drop *queue.DropError
		if errors.As(err, &drop) {
			return nil
		}
		return err
	}
	r, err := w.Audience.Recipient(ctx, u.CampaignID, u.RecipientID)
	if err != nil {
		return fmt.Errorf("load recipient: %w", err)
	}
	if r == nil {
		r = &domain.Recipient{ID: u.RecipientID}
	}
	var attempted []string
	var fe *failure.Error
	if errors.As(lastErr, &fe) && fe.Provider != "" {
		attempted = []string{fe.Provider}
	}
	return w.settleFailure(ctx, u, r, classified(lastErr), attempted)
}

// classified tags an error that carries no failure class with the class of
// its type, SystemError for plain internal errors, so the DLQ keeps
// retrying it.
func classified(err error) error {
	var fe *failure.Error
	if err == nil || errors.As(err, &fe) {
		return err
	}
	return failure.Wrap(failure.Classify(err), "", err)
}
