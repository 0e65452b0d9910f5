package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-dispatch/internal/pkg/httputil"
	"github.com/ignite/campaign-dispatch/internal/ratelimit"
)

const (
	healthVersion = "1.0.0"
	notConfigured = "not configured"
)

// HealthStatus is the /health body.
type HealthStatus struct {
	Status  string                    `json:"status"` // healthy, degraded, unhealthy
	Version string                    `json:"version"`
	Uptime  string                    `json:"uptime"`
	Checks  map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck is the result of one probe.
type ComponentCheck struct {
	Status    string             `json:"status"` // up, down, degraded
	Latency   string             `json:"latency,omitempty"`
	Message   string             `json:"message,omitempty"`
	Providers []ratelimit.Health `json:"providers,omitempty"`
}

// criticalChecks are the stores no campaign can progress without. Losing a
// provider only degrades the engine: deliveries defer until one recovers.
var criticalChecks = map[string]bool{"database": true, "redis": true}

type probe struct {
	name string
	run  func(context.Context) ComponentCheck
}

// HealthChecker probes PostgreSQL, Redis and the provider breakers.
type HealthChecker struct {
	db        *sql.DB
	rdb       redis.Cmdable
	providers ProviderHealth
	started   time.Time
	probes    []probe
}

// NewHealthChecker builds a checker. A nil dependency reports "not configured"
// and does not count against the overall status.
func NewHealthChecker(db *sql.DB, rdb redis.Cmdable, providers ProviderHealth) *HealthChecker {
	hc := &HealthChecker{db: db, rdb: rdb, providers: providers, started: time.Now()}
	hc.probes = []probe{
		{"database", hc.probeDatabase},
		{"redis", hc.probeRedis},
		{"providers", hc.probeProviders},
	}
	return hc
}

// HandleHealth always answers 200; probes that need a failing status use
// /health/ready.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := hc.check(r.Context())
	httputil.OK(w, HealthStatus{
		Status:  determineOverallStatus(checks),
		Version: healthVersion,
		Uptime:  formatUptime(time.Since(hc.started)),
		Checks:  checks,
	})
}

// HandleLiveness answers while the process runs.
//
//	GET /health/live
func (hc *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{
		"status": "alive",
		"uptime": formatUptime(time.Since(hc.started)),
	})
}

// HandleReadiness answers 503 while a critical store is down.
//
//	GET /health/ready
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := hc.check(r.Context())
	overall := determineOverallStatus(checks)
	code := http.StatusOK
	if overall == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	httputil.JSON(w, code, map[string]any{
		"ready":  code == http.StatusOK,
		"status": overall,
		"checks": checks,
	})
}

// HandleDBStats exposes the database/sql pool counters.
//
//	GET /health/db
func (hc *HealthChecker) HandleDBStats(w http.ResponseWriter, r *http.Request) {
	if hc.db == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "no database configured")
		return
	}
	s := hc.db.Stats()
	httputil.OK(w, map[string]any{
		"max_open":      s.MaxOpenConnections,
		"open":          s.OpenConnections,
		"in_use":        s.InUse,
		"idle":          s.Idle,
		"wait_count":    s.WaitCount,
		"wait_duration": s.WaitDuration.String(),
	})
}

func (hc *HealthChecker) check(ctx context.Context) map[string]ComponentCheck {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]ComponentCheck, len(hc.probes))
	)
	for _, p := range hc.probes {
		wg.Add(1)
		go func(p probe) {
			defer wg.Done()
			c := p.run(ctx)
			mu.Lock()
			checks[p.name] = c
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return checks
}

func (hc *HealthChecker) probeDatabase(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return ComponentCheck{Status: "down", Message: notConfigured}
	}
	return timedPing(ctx, 3*time.Second, time.Second, hc.db.PingContext)
}

func (hc *HealthChecker) probeRedis(ctx context.Context) ComponentCheck {
	if hc.rdb == nil {
		return ComponentCheck{Status: "down", Message: notConfigured}
	}
	return timedPing(ctx, 2*time.Second, 500*time.Millisecond, func(ctx context.Context) error {
		return hc.rdb.Ping(ctx).Err()
	})
}

// timedPing runs ping under timeout and grades it by latency.
func timedPing(ctx context.Context, timeout, slow time.Duration, ping func(context.Context) error) ComponentCheck {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := ping(ctx)
	latency := time.Since(start)

	c := ComponentCheck{Status: "up", Latency: latency.String(), Message: "connected"}
	switch {
	case err != nil:
		c.Status, c.Message = "down", "ping failed: "+err.Error()
	case latency > slow:
		c.Status, c.Message = "degraded", "slow response ("+latency.String()+")"
	}
	return c
}

// probeProviders is down when every breaker is open, degraded when some are.
func (hc *HealthChecker) probeProviders(ctx context.Context) ComponentCheck {
	if hc.providers == nil {
		return ComponentCheck{Status: "down", Message: notConfigured}
	}
	all := hc.providers.Health(ctx)
	if len(all) == 0 {
		return ComponentCheck{Status: "down", Message: "no providers registered"}
	}
	var open []string
	for _, h := range all {
		if h.Open {
			open = append(open, h.Provider)
		}
	}
	c := ComponentCheck{Status: "up", Message: fmt.Sprintf("%d providers available", len(all)), Providers: all}
	switch {
	case len(open) == len(all):
		c.Status, c.Message = "down", fmt.Sprintf("all %d breakers open", len(all))
	case len(open) > 0:
		c.Status, c.Message = "degraded", "breaker open: "+strings.Join(open, ", ")
	}
	return c
}

// determineOverallStatus is unhealthy when a critical store is down,
// degraded when anything else is not up, healthy otherwise. Unconfigured
// components are ignored.
func determineOverallStatus(checks map[string]ComponentCheck) string {
	overall := "healthy"
	for name, c := range checks {
		if c.Message == notConfigured || c.Status == "up" {
			continue
		}
		if c.Status == "down" && criticalChecks[name] {
			return "unhealthy"
		}
		overall = "degraded"
	}
	return overall
}

// formatUptime renders d as "3d 4h 12m 5s", omitting leading zero units.
func formatUptime(d time.Duration) string {
	secs := int64(d / time.Second)
	units := []struct {
		size   int64
		suffix string
	}{{86400, "d"}, {3600, "h"}, {60, "m"}}

	var parts []string
	for _, u := range units {
		if n := secs / u.size; n > 0 || len(parts) > 0 {
			parts = append(parts, fmt.Sprintf("%d%s", n, u.suffix))
		}
		secs %= u.size
	}
	parts = append(parts, fmt.Sprintf("%ds", secs))
	return strings.Join(parts, " ")
}
