package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/failure"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/ratelimit"
)

// Limiter is the slice of the rate limiter the manager needs.
type Limiter interface {
	Allow(ctx context.Context, provider string) (ratelimit.Decision, error)
	RecordSuccess(ctx context.Context, provider string) error
	RecordFailure(ctx context.Context, provider string, class failure.Class) (bool, error)
	Health(ctx context.Context, provider string) (ratelimit.Health, error)
}

// Result is the outcome of Manager.Send. Deferred is set when no provider
// could be tried at all because every candidate was rate limited or had an
// open breaker; the caller should requeue after RetryAfter.
type Result struct {
	domain.SendResult
	Class      failure.Class
	Deferred   bool
	RetryAfter time.Duration
}

type entry struct {
	p        Provider
	priority int
}

// Manager picks the healthiest provider per send and fails over.
type Manager struct {
	entries     []entry
	limiter     Limiter
	maxAttempts int
	sendTimeout time.Duration
	now         func() time.Time
}

// ManagerConfig bounds failover.
type ManagerConfig struct {
	MaxAttempts int
	SendTimeout time.Duration
}

// NewManager registers providers with their priorities (lower is preferred).
func NewManager(limiter Limiter, cfg ManagerConfig) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &Manager{limiter: limiter, maxAttempts: cfg.MaxAttempts, sendTimeout: cfg.SendTimeout, now: time.Now}
}

// Register adds a provider.
func (m *Manager) Register(p Provider, priority int) {
	m.entries = append(m.entries, entry{p: p, priority: priority})
}

// Providers returns the registered provider names in registration order.
func (m *Manager) Providers() []string {
	names := make([]string, len(m.entries))
	for i, e := range m.entries {
		names[i] = e.p.Name()
	}
	return names
}

type candidate struct {
	entry
	health ratelimit.Health
}

// rank orders the untried providers: closed breakers only, highest success
// ratio first, then priority, then name. A health read failure keeps the
// provider with a neutral ratio.
func (m *Manager) rank(ctx context.Context, exclude map[string]bool) []candidate {
	var out []candidate
	for _, e := range m.entries {
		name := e.p.Name()
		if exclude[name] {
			continue
		}
		h, err := m.limiter.Health(ctx, name)
		if err != nil {
			logger.Warn("[ProviderManager] health read failed", "provider", name, "error", err)
			h = ratelimit.Health{Provider: name, SuccessRatio: 1}
		}
		if h.Open {
			continue
		}
		out = append(out, candidate{entry: e, health: h})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].health.SuccessRatio != out[j].health.SuccessRatio {
			return out[i].health.SuccessRatio > out[j].health.SuccessRatio
		}
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].p.Name() < out[j].p.Name()
	})
	return out
}

// Health snapshots every registered provider, healthiest first.
func (m *Manager) Health(ctx context.Context) []ratelimit.Health {
	var open []ratelimit.Health
	ranked := m.rank(ctx, nil)
	out := make([]ratelimit.Health, 0, len(m.entries))
	seen := make(map[string]bool, len(ranked))
	for _, c := range ranked {
		out = append(out, c.health)
		seen[c.p.Name()] = true
	}
	for _, e := range m.entries {
		if seen[e.p.Name()] {
			continue
		}
		h, err := m.limiter.Health(ctx, e.p.Name())
		if err != nil {
			h = ratelimit.Health{Provider: e.p.Name()}
		}
		open = append(open, h)
	}
	return append(out, open...)
}

// Send delivers msg through at most MaxAttempts distinct providers. A
// permanent failure stops failover immediately. The returned error is a
// *failure.Error whenever the send did not succeed.
func (m *Manager) Send(ctx context.Context, msg *domain.EmailMessage) (*Result, error) {
	res := &Result{}
	excluded := make(map[string]bool, len(m.entries))
	var lastErr *failure.Error

	for len(res.AttemptedProviders) < m.maxAttempts {
		cands := m.rank(ctx, excluded)
		if len(cands) == 0 {
			break
		}

		var chosen *candidate
		for i := range cands {
			name := cands[i].p.Name()
			d, err := m.limiter.Allow(ctx, name)
			if err != nil {
				res.Class = failure.SystemError
				res.Error = err.Error()
				return res, failure.Wrap(failure.SystemError, name, err)
			}
			if d.Allowed {
				chosen = &cands[i]
				break
			}
			excluded[name] = true
			if res.RetryAfter == 0 || d.RetryAfter < res.RetryAfter {
				res.RetryAfter = d.RetryAfter
			}
		}
		if chosen == nil {
			break
		}

		name := chosen.p.Name()
		excluded[name] = true
		res.AttemptedProviders = append(res.AttemptedProviders, name)

		receipt, err := m.sendOne(ctx, chosen.p, msg)
		if err == nil {
			if rerr := m.limiter.RecordSuccess(ctx, name); rerr != nil {
				logger.Warn("[ProviderManager] record success failed", "provider", name, "error", rerr)
			}
			res.Success = true
			res.Provider = name
			res.MessageID = receipt.MessageID
			res.Cost = receipt.Cost
			res.SentAt = m.now().UTC()
			res.Class = ""
			res.Error = ""
			return res, nil
		}

		lastErr = asFailure(name, err)
		res.Class = lastErr.Class
		res.Error = lastErr.Error()
		if _, rerr := m.limiter.RecordFailure(ctx, name, lastErr.Class); rerr != nil {
			logger.Warn("[ProviderManager] record failure failed", "provider", name, "error", rerr)
		}
		logger.Info("[ProviderManager] send failed",
			"provider", name, "class", string(lastErr.Class), "campaign_id", msg.CampaignID, "email", msg.Email)

		if lastErr.Class.Permanent() {
			return res, lastErr
		}
	}

	if lastErr != nil {
		return res, lastErr
	}
	// nothing was tried
	res.Deferred = true
	res.Class = failure.RateLimited
	if res.RetryAfter <= 0 {
		res.RetryAfter = 5 * time.Second
	}
	res.Error = "no provider available"
	return res, failure.New(failure.RateLimited, fmt.Sprintf("no provider available, retry in %s", res.RetryAfter))
}

func (m *Manager) sendOne(ctx context.Context, p Provider, msg *domain.EmailMessage) (Receipt, error) {
	sctx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()
	receipt, err := p.Send(sctx, msg)
	if err != nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
		return receipt, failure.Wrap(failure.ConnectionTimeout, p.Name(), err)
	}
	return receipt, err
}

func asFailure(provider string, err error) *failure.Error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		if fe.Provider == "" {
			cp := *fe
			cp.Provider = provider
			return &cp
		}
		return fe
	}
	return failure.Wrap(failure.ClassifyProvider(err), provider, err)
}
