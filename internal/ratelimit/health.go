package ratelimit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ignite/campaign-dispatch/internal/cache"
)

// Health is a point-in-time view of one provider, used to rank providers.
type Health struct {
	Provider      string  `json:"provider"`
	Open          bool    `json:"open"`
	SuccessRatio  float64 `json:"success_ratio"`
	Samples       int64   `json:"samples"`
	EffectiveRate int     `json:"effective_rate"`
	Used          int64   `json:"used"`
}

// Headroom is the number of sends left in the current window.
func (h Health) Headroom() int64 { return int64(h.EffectiveRate) - h.Used }

// Health reports breaker state, recent success ratio and window usage. The
// ratio covers the previous and current buckets so a fresh failure burst is
// visible before the window rolls over. Without samples the ratio is 1.
func (l *Limiter) Health(ctx context.Context, provider string) (Health, error) {
	p, err := l.limits(provider)
	if err != nil {
		return Health{}, err
	}
	bucket := cache.Bucket(l.now(), l.cfg.Window)
	vals, err := l.rdb.MGet(ctx,
		cache.BreakerKey(cache.ScopeProvider, provider),
		cache.RateWindowKey(cache.ScopeProvider, provider, bucket),
		cache.RateOutcomeKey(provider, bucket-1, "ok"),
		cache.RateOutcomeKey(provider, bucket-1, "err"),
		cache.RateOutcomeKey(provider, bucket, "ok"),
		cache.RateOutcomeKey(provider, bucket, "err"),
	).Result()
	if err != nil {
		return Health{}, fmt.Errorf("health %s: %w", provider, err)
	}

	prevOK, prevErr := toInt64(vals[2]), toInt64(vals[3])
	curOK, curErr := toInt64(vals[4]), toInt64(vals[5])

	h := Health{
		Provider:     provider,
		Open:         vals[0] != nil,
		Used:         toInt64(vals[1]),
		Samples:      prevOK + prevErr + curOK + curErr,
		SuccessRatio: 1,
	}
	if h.Samples > 0 {
		h.SuccessRatio = float64(prevOK+curOK) / float64(h.Samples)
	}
	prevTotal := prevOK + prevErr
	var prevRatio float64
	if prevTotal > 0 {
		prevRatio = float64(prevOK) / float64(prevTotal)
	}
	h.EffectiveRate = ComputeRate(p, prevRatio, prevTotal, l.cfg)
	return h, nil
}

// String is used in log lines.
func (h Health) String() string {
	return h.Provider + " open=" + strconv.FormatBool(h.Open) +
		" ratio=" + strconv.FormatFloat(h.SuccessRatio, 'f', 2, 64) +
		" rate=" + strconv.Itoa(h.EffectiveRate)
}
