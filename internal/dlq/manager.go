package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/events"
	"github.com/ignite/campaign-dispatch/internal/failure"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// Config controls the DLQ backoff.
type Config struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxRetries  int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{BaseBackoff: time.Minute, MaxBackoff: time.Hour, MaxRetries: 5}
}

// RetryDelay is min(base * 2^n, max).
func RetryDelay(base, max time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Failure describes a delivery unit that failed after its task-level retries.
type Failure struct {
	CampaignID         string
	RecipientID        string
	Email              string
	Err                error
	AttemptedProviders []string
	// EntryID is set when the failed unit was itself a DLQ retry.
	EntryID      string
	TaskMetadata []byte
}

// Decision tells the caller how to account for a failure.
type Decision struct {
	Class failure.Class
	// Terminal failures are counted as failed immediately.
	Terminal bool
	Entry    *domain.DLQEntry
}

// Manager classifies failures and owns DLQ entry transitions.
type Manager struct {
	repo   Repository
	cfg    Config
	events events.Publisher
	now    func() time.Time
}

// NewManager creates a manager. A nil publisher discards events.
func NewManager(repo Repository, cfg Config, pub events.Publisher) *Manager {
	def := DefaultConfig()
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Manager{repo: repo, cfg: cfg, events: pub, now: time.Now}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// HandleFailure records f. Permanent classes never produce a retryable
// entry; retryable classes are scheduled while retries remain.
func (m *Manager) HandleFailure(ctx context.Context, f Failure) (Decision, error) {
	class := failure.Classify(f.Err)
	now := m.now().UTC()
	errMsg := ""
	if f.Err != nil {
		errMsg = f.Err.Error()
	}

	if class.Permanent() && f.EntryID == "" {
		logger.Info("[DLQ] permanent failure, not queued",
			"campaign_id", f.CampaignID, "recipient_id", f.RecipientID, "class", string(class))
		return Decision{Class: class, Terminal: true}, nil
	}

	var (
		entry *domain.DLQEntry
		isNew bool
	)
	if f.EntryID != "" {
		e, err := m.repo.Get(ctx, f.EntryID)
		if err != nil {
			return Decision{Class: class}, fmt.Errorf("load dlq entry %s: %w", f.EntryID, err)
		}
		entry = e
	} else {
		isNew = true
		entry = &domain.DLQEntry{
			ID:           uuid.New().String(),
			CampaignID:   f.CampaignID,
			RecipientID:  f.RecipientID,
			Email:        f.Email,
			MaxRetries:   m.cfg.MaxRetries,
			TaskMetadata: f.TaskMetadata,
			CreatedAt:    now,
		}
	}
	entry.FailureClass = string(class)
	entry.LastError = errMsg
	entry.AttemptedProviders = f.AttemptedProviders
	entry.UpdatedAt = now

	terminal := class.Permanent() || entry.RetryCount >= entry.MaxRetries
	if terminal {
		entry.Status = domain.DLQPermanentlyFailed
		entry.CanRetry = false
		entry.NextRetryAt = nil
	} else {
		next := now.Add(RetryDelay(m.cfg.BaseBackoff, m.cfg.MaxBackoff, entry.RetryCount))
		entry.Status = domain.DLQPending
		entry.CanRetry = true
		entry.NextRetryAt = &next
	}

	var err error
	if isNew {
		err = m.repo.Create(ctx, entry)
	} else {
		err = m.repo.Save(ctx, entry)
	}
	if err != nil {
		return Decision{Class: class}, fmt.Errorf("persist dlq entry: %w", err)
	}

	ev := events.Event{
		CampaignID:  entry.CampaignID,
		RecipientID: entry.RecipientID,
		Detail:      map[string]any{"entry_id": entry.ID, "class": string(class), "retry_count": entry.RetryCount},
	}
	if terminal {
		ev.Type = events.DLQExhausted
		logger.Warn("[DLQ] entry permanently failed",
			"entry_id", entry.ID, "campaign_id", entry.CampaignID, "retry_count", entry.RetryCount, "class", string(class))
	} else {
		ev.Type = events.DLQCreated
		logger.Info("[DLQ] retry scheduled",
			"entry_id", entry.ID, "campaign_id", entry.CampaignID, "retry_count", entry.RetryCount,
			"next_retry_at", entry.NextRetryAt.Format(time.RFC3339))
	}
	m.events.Emit(ev)

	return Decision{Class: class, Terminal: terminal, Entry: entry}, nil
}

// Complete marks an entry whose retry was delivered or skipped.
func (m *Manager) Complete(ctx context.Context, entryID string) error {
	e, err := m.repo.Get(ctx, entryID)
	if err != nil {
		return fmt.Errorf("load dlq entry %s: %w", entryID, err)
	}
	e.Status = domain.DLQCompleted
	e.CanRetry = false
	e.NextRetryAt = nil
	e.UpdatedAt = m.now().UTC()
	if err := m.repo.Save(ctx, e); err != nil {
		return fmt.Errorf("complete dlq entry %s: %w", entryID, err)
	}
	return nil
}

// Archive closes one open entry without retrying it. Settled entries are
// left alone.
func (m *Manager) Archive(ctx context.Context, entryID, reason string) error {
	ok, err := m.repo.ArchiveEntry(ctx, entryID, reason)
	if err != nil {
		return fmt.Errorf("archive dlq entry %s: %w", entryID, err)
	}
	if ok {
		logger.Info("[DLQ] entry archived", "entry_id", entryID, "reason", reason)
		m.events.Emit(events.Event{Type: events.DLQArchived, Detail: map[string]any{"entry_id": entryID, "reason": reason}})
	}
	return nil
}

// CancelCampaign archives every open entry of a campaign.
func (m *Manager) CancelCampaign(ctx context.Context, campaignID string) (int64, error) {
	n, err := m.repo.ArchiveOpen(ctx, campaignID, "campaign_stopped")
	if err != nil {
		return 0, fmt.Errorf("archive open dlq entries of %s: %w", campaignID, err)
	}
	if n > 0 {
		logger.Info("[DLQ] archived open entries of stopped campaign", "campaign_id", campaignID, "count", n)
		m.events.Emit(events.Event{Type: events.DLQArchived, CampaignID: campaignID, Detail: map[string]any{"count": n}})
	}
	return n, nil
}

// OpenEntries counts unsettled entries of a campaign.
func (m *Manager) OpenEntries(ctx context.Context, campaignID string) (int64, error) {
	return m.repo.CountOpen(ctx, campaignID)
}
