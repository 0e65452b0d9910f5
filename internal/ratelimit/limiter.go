package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-dispatch/internal/cache"
	"github.com/ignite/campaign-dispatch/internal/failure"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// ProviderLimits is the configured rate band of one provider, in sends per window.
type ProviderLimits struct {
	Name     string
	BaseRate int
	MinRate  int
	MaxRate  int
}

// Config holds the limiter and breaker tuning.
type Config struct {
	Window           time.Duration
	SuccessThreshold float64
	FailureThreshold float64

	BreakerErrorThreshold int
	BreakerErrorWindow    time.Duration
	BreakerTimeout        time.Duration
	AuthFailureLimit      int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Window:                time.Minute,
		SuccessThreshold:      0.95,
		FailureThreshold:      0.80,
		BreakerErrorThreshold: 10,
		BreakerErrorWindow:    5 * time.Minute,
		BreakerTimeout:        time.Minute,
		AuthFailureLimit:      3,
	}
}

// Denial reasons reported by Decision.
const (
	ReasonBreakerOpen  = "breaker_open"
	ReasonRateExceeded = "rate_exceeded"
)

// Decision is the verdict of one Allow call.
type Decision struct {
	Allowed    bool
	Reason     string
	Used       int64
	Limit      int
	RetryAfter time.Duration
}

// ErrUnknownProvider is returned for providers the limiter was not configured with.
var ErrUnknownProvider = errors.New("ratelimit: unknown provider")

// check-and-increment; the breaker key denies outright while present
const allowLuaScript = `
if redis.call("EXISTS", KEYS[2]) == 1 then
    return {-1, 0}
end
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if current + 1 > limit then
    return {0, current}
end
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {1, n}
`

const failureLuaScript = `
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
if n >= tonumber(ARGV[2]) then
    redis.call("SET", KEYS[2], "open", "PX", ARGV[3])
    redis.call("DEL", KEYS[1])
    return {1, n}
end
return {0, n}
`

// Limiter is safe for concurrent use.
type Limiter struct {
	rdb       redis.Cmdable
	cfg       Config
	providers map[string]ProviderLimits
	now       func() time.Time

	allowScript   *redis.Script
	failureScript *redis.Script
}

// New creates a limiter for the given providers.
func New(rdb redis.Cmdable, cfg Config, providers []ProviderLimits) *Limiter {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.BreakerErrorThreshold <= 0 {
		cfg.BreakerErrorThreshold = def.BreakerErrorThreshold
	}
	if cfg.BreakerErrorWindow <= 0 {
		cfg.BreakerErrorWindow = def.BreakerErrorWindow
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if cfg.AuthFailureLimit <= 0 {
		cfg.AuthFailureLimit = def.AuthFailureLimit
	}
	m := make(map[string]ProviderLimits, len(providers))
	for _, p := range providers {
		m[p.Name] = normalize(p)
	}
	return &Limiter{
		rdb:           rdb,
		cfg:           cfg,
		providers:     m,
		now:           time.Now,
		allowScript:   redis.NewScript(allowLuaScript),
		failureScript: redis.NewScript(failureLuaScript),
	}
}

func normalize(p ProviderLimits) ProviderLimits {
	if p.BaseRate <= 0 {
		p.BaseRate = 60
	}
	if p.MinRate <= 0 || p.MinRate > p.BaseRate {
		p.MinRate = p.BaseRate / 2
		if p.MinRate == 0 {
			p.MinRate = 1
		}
	}
	if p.MaxRate < p.BaseRate {
		p.MaxRate = p.BaseRate
	}
	return p
}

// SetClock replaces the time source used for window bucketing.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// Config returns the effective configuration after defaults.
func (l *Limiter) Config() Config { return l.cfg }

// ComputeRate applies the adaptive rule to a success ratio observed over a
// window. Without samples the base rate applies.
func ComputeRate(p ProviderLimits, ratio float64, samples int64, cfg Config) int {
	if samples == 0 {
		return p.BaseRate
	}
	switch {
	case ratio >= cfg.SuccessThreshold:
		return minInt(p.MaxRate, int(float64(p.BaseRate)*1.2))
	case ratio <= cfg.FailureThreshold:
		return maxInt(p.MinRate, int(float64(p.BaseRate)*0.5))
	}
	return p.BaseRate
}

func (l *Limiter) limits(provider string) (ProviderLimits, error) {
	p, ok := l.providers[provider]
	if !ok {
		return ProviderLimits{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return p, nil
}

// successRatio reads outcome counts of the given bucket.
func (l *Limiter) successRatio(ctx context.Context, provider string, bucket int64) (float64, int64, error) {
	vals, err := l.rdb.MGet(ctx,
		cache.RateOutcomeKey(provider, bucket, "ok"),
		cache.RateOutcomeKey(provider, bucket, "err"),
	).Result()
	if err != nil {
		return 0, 0, err
	}
	ok, bad := toInt64(vals[0]), toInt64(vals[1])
	total := ok + bad
	if total == 0 {
		return 0, 0, nil
	}
	return float64(ok) / float64(total), total, nil
}

// EffectiveRate returns the rate for the current window and the ratio it was
// derived from.
func (l *Limiter) EffectiveRate(ctx context.Context, provider string) (int, float64, error) {
	p, err := l.limits(provider)
	if err != nil {
		return 0, 0, err
	}
	bucket := cache.Bucket(l.now(), l.cfg.Window)
	ratio, samples, err := l.successRatio(ctx, provider, bucket-1)
	if err != nil {
		return p.BaseRate, 0, fmt.Errorf("read success ratio %s: %w", provider, err)
	}
	return ComputeRate(p, ratio, samples, l.cfg), ratio, nil
}

// Allow admits one send to provider if its breaker is closed and the current
// window is below the effective rate. A denied caller should requeue after
// Decision.RetryAfter instead of waiting.
func (l *Limiter) Allow(ctx context.Context, provider string) (Decision, error) {
	rate, _, err := l.EffectiveRate(ctx, provider)
	if err != nil {
		return Decision{}, err
	}
	now := l.now()
	bucket := cache.Bucket(now, l.cfg.Window)
	res, err := l.allowScript.Run(ctx, l.rdb,
		[]string{cache.RateWindowKey(cache.ScopeProvider, provider, bucket), cache.BreakerKey(cache.ScopeProvider, provider)},
		rate, (2 * l.cfg.Window).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate check %s: %w", provider, err)
	}
	return l.decision(ctx, res, rate, now, cache.BreakerKey(cache.ScopeProvider, provider)), nil
}

func (l *Limiter) decision(ctx context.Context, res []int64, rate int, now time.Time, breakerKey string) Decision {
	d := Decision{Limit: rate, Used: res[1]}
	switch res[0] {
	case 1:
		d.Allowed = true
	case -1:
		d.Reason = ReasonBreakerOpen
		d.RetryAfter = l.cfg.BreakerTimeout
		if ttl, err := l.rdb.PTTL(ctx, breakerKey).Result(); err == nil && ttl > 0 {
			d.RetryAfter = ttl
		}
	default:
		d.Reason = ReasonRateExceeded
		next := time.Unix(0, (cache.Bucket(now, l.cfg.Window)+1)*int64(l.cfg.Window))
		d.RetryAfter = next.Sub(now)
	}
	return d
}

// AllowCampaign enforces a campaign's own per-minute throttle. A zero or
// negative limit always allows.
func (l *Limiter) AllowCampaign(ctx context.Context, campaignID string, perMinute int) (Decision, error) {
	if perMinute <= 0 {
		return Decision{Allowed: true}, nil
	}
	now := l.now()
	bucket := cache.Bucket(now, time.Minute)
	breakerKey := cache.BreakerKey(cache.ScopeCampaign, campaignID)
	res, err := l.allowScript.Run(ctx, l.rdb,
		[]string{cache.RateWindowKey(cache.ScopeCampaign, campaignID, bucket), breakerKey},
		perMinute, (2 * time.Minute).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("campaign throttle %s: %w", campaignID, err)
	}
	d := Decision{Limit: perMinute, Used: res[1], Allowed: res[0] == 1}
	if !d.Allowed {
		d.Reason = ReasonRateExceeded
		d.RetryAfter = time.Unix(0, (bucket+1)*int64(time.Minute)).Sub(now)
	}
	return d, nil
}

// RecordSuccess counts a success and resets the provider's breaker error
// and auth counters.
func (l *Limiter) RecordSuccess(ctx context.Context, provider string) error {
	bucket := cache.Bucket(l.now(), l.cfg.Window)
	key := cache.RateOutcomeKey(provider, bucket, "ok")
	pipe := l.rdb.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.PExpire(ctx, key, 2*l.cfg.Window)
	pipe.Del(ctx, cache.BreakerErrorsKey(cache.ScopeProvider, provider), cache.BreakerAuthKey(provider))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record success %s: %w", provider, err)
	}
	return nil
}

// RecordFailure counts a failure of the given class. Classes that do not
// reflect on the provider are ignored. It reports whether this failure
// opened the breaker.
func (l *Limiter) RecordFailure(ctx context.Context, provider string, class failure.Class) (bool, error) {
	if !class.CountsAgainstProvider() {
		return false, nil
	}
	bucket := cache.Bucket(l.now(), l.cfg.Window)
	key := cache.RateOutcomeKey(provider, bucket, "err")
	pipe := l.rdb.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.PExpire(ctx, key, 2*l.cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("record failure %s: %w", provider, err)
	}

	breakerKey := cache.BreakerKey(cache.ScopeProvider, provider)
	res, err := l.failureScript.Run(ctx, l.rdb,
		[]string{cache.BreakerErrorsKey(cache.ScopeProvider, provider), breakerKey},
		l.cfg.BreakerErrorWindow.Milliseconds(), l.cfg.BreakerErrorThreshold, l.cfg.BreakerTimeout.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("breaker update %s: %w", provider, err)
	}
	opened := res[0] == 1

	if class == failure.AuthError && !opened {
		// consecutive auth failures mean the provider is down for us
		res, err = l.failureScript.Run(ctx, l.rdb,
			[]string{cache.BreakerAuthKey(provider), breakerKey},
			l.cfg.BreakerErrorWindow.Milliseconds(), l.cfg.AuthFailureLimit, l.cfg.BreakerTimeout.Milliseconds(),
		).Int64Slice()
		if err != nil {
			return false, fmt.Errorf("auth breaker update %s: %w", provider, err)
		}
		opened = res[0] == 1
	}
	if opened {
		logger.Warn("[RateLimiter] circuit breaker opened", "provider", provider, "class", string(class), "timeout", l.cfg.BreakerTimeout.String())
	}
	return opened, nil
}

// IsOpen reports whether the provider's breaker is open.
func (l *Limiter) IsOpen(ctx context.Context, provider string) (bool, error) {
	n, err := l.rdb.Exists(ctx, cache.BreakerKey(cache.ScopeProvider, provider)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case string:
		var n int64
		fmt.Sscan(t, &n)
		return n
	case int64:
		return t
	}
	return 0
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
