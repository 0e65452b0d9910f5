package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatch/internal/cache"
	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/failure"
	"github.com/ignite/campaign-dispatch/internal/ratelimit"
)

var testNow = time.Unix(1_700_000_010, 0)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

type testRig struct {
	mr      *miniredis.Miniredis
	limiter *ratelimit.Limiter
	manager *Manager
	mocks   map[string]*Mock
}

func newRig(t *testing.T, cfg ManagerConfig, rate int, names ...string) *testRig {
	t.Helper()
	mr, client := setupTestRedis(t)
	limits := make([]ratelimit.ProviderLimits, 0, len(names))
	for _, n := range names {
		limits = append(limits, ratelimit.ProviderLimits{Name: n, BaseRate: rate, MinRate: 1, MaxRate: rate * 2})
	}
	lim := ratelimit.New(client, ratelimit.DefaultConfig(), limits)
	lim.SetClock(func() time.Time { return testNow })

	m := NewManager(lim, cfg)
	rig := &testRig{mr: mr, limiter: lim, manager: m, mocks: map[string]*Mock{}}
	for i, n := range names {
		mock := NewMock(n, MockSettings{}, 0.001)
		rig.mocks[n] = mock
		m.Register(mock, i+1)
	}
	return rig
}

func testMessage() *domain.EmailMessage {
	return &domain.EmailMessage{
		CampaignID: "c1", RecipientID: "r1", Email: "jane@example.com",
		FromEmail: "news@example.com", FromName: "News", Subject: "Hi", HTMLContent: "<p>Hi</p>",
	}
}

func TestManagerPrefersPriorityWhenHealthy(t *testing.T) {
	rig := newRig(t, ManagerConfig{}, 100, "primary", "secondary")

	res, err := rig.manager.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "primary", res.Provider)
	assert.Equal(t, []string{"primary"}, res.AttemptedProviders)
	assert.InDelta(t, 0.001, res.Cost, 1e-9)
	assert.NotEmpty(t, res.MessageID)
}

func TestManagerFailsOverOnRetryableError(t *testing.T) {
	rig := newRig(t, ManagerConfig{}, 100, "primary", "secondary")
	rig.mocks["primary"].FailNext(failure.New(failure.ConnectionTimeout, "dial timeout"))

	res, err := rig.manager.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "secondary", res.Provider)
	assert.Equal(t, []string{"primary", "secondary"}, res.AttemptedProviders)
	assert.Len(t, rig.mocks["secondary"].Sent(), 1)
}

func TestManagerStopsOnPermanentError(t *testing.T) {
	rig := newRig(t, ManagerConfig{}, 100, "primary", "secondary")
	rig.mocks["primary"].FailNext(failure.New(failure.MailboxFull, "452 mailbox full"))

	res, err := rig.manager.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Equal(t, failure.MailboxFull, failure.Classify(err))
	assert.False(t, res.Success)
	assert.Equal(t, []string{"primary"}, res.AttemptedProviders)
	assert.Equal(t, 0, rig.mocks["secondary"].Calls())
}

func TestManagerBoundsAttempts(t *testing.T) {
	rig := newRig(t, ManagerConfig{MaxAttempts: 2}, 100, "a", "b", "c")
	for _, m := range rig.mocks {
		m.FailNext(errors.New("503 service unavailable"))
	}

	res, err := rig.manager.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Len(t, res.AttemptedProviders, 2)
	assert.Equal(t, failure.SystemError, res.Class)
	assert.Equal(t, 0, rig.mocks["c"].Calls())
}

func TestManagerSkipsOpenBreaker(t *testing.T) {
	rig := newRig(t, ManagerConfig{}, 100, "primary", "secondary")
	rig.mr.Set(cache.BreakerKey(cache.ScopeProvider, "primary"), "open")

	res, err := rig.manager.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "secondary", res.Provider)
	assert.Equal(t, []string{"secondary"}, res.AttemptedProviders)
}

func TestManagerRanksBySuccessRatio(t *testing.T) {
	rig := newRig(t, ManagerConfig{}, 100, "primary", "secondary")
	bucket := cache.Bucket(testNow, time.Minute)
	rig.mr.Set(cache.RateOutcomeKey("primary", bucket, "ok"), "5")
	rig.mr.Set(cache.RateOutcomeKey("primary", bucket, "err"), "5")

	res, err := rig.manager.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "secondary", res.Provider)
}

func TestManagerDefersWhenAllRateLimited(t *testing.T) {
	rig := newRig(t, ManagerConfig{}, 1, "primary", "secondary")
	ctx := context.Background()

	res, err := rig.manager.Send(ctx, testMessage())
	require.NoError(t, err)
	assert.Equal(t, "primary", res.Provider)

	res, err = rig.manager.Send(ctx, testMessage())
	require.NoError(t, err)
	assert.Equal(t, "secondary", res.Provider)

	res, err = rig.manager.Send(ctx, testMessage())
	require.Error(t, err)
	assert.True(t, res.Deferred)
	assert.Empty(t, res.AttemptedProviders)
	assert.Equal(t, failure.RateLimited, res.Class)
	assert.Equal(t, 30*time.Second, res.RetryAfter)
}

func TestManagerSendTimeout(t *testing.T) {
	rig := newRig(t, ManagerConfig{MaxAttempts: 1, SendTimeout: 20 * time.Millisecond}, 100, "slow")
	rig.mocks["slow"].cfg.Latency = time.Second

	res, err := rig.manager.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Equal(t, failure.ConnectionTimeout, res.Class)
}

func TestManagerOpensBreakerAfterFailures(t *testing.T) {
	rig := newRig(t, ManagerConfig{MaxAttempts: 1}, 100, "flaky")
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		rig.mocks["flaky"].FailNext(failure.New(failure.ConnectionTimeout, "timeout"))
		_, err := rig.manager.Send(ctx, testMessage())
		require.Error(t, err)
	}
	open, err := rig.limiter.IsOpen(ctx, "flaky")
	require.NoError(t, err)
	assert.True(t, open)

	res, err := rig.manager.Send(ctx, testMessage())
	require.Error(t, err)
	assert.True(t, res.Deferred)
}

func TestManagerHealthOrdersOpenLast(t *testing.T) {
	rig := newRig(t, ManagerConfig{}, 100, "a", "b")
	rig.mr.Set(cache.BreakerKey(cache.ScopeProvider, "a"), "open")

	hs := rig.manager.Health(context.Background())
	require.Len(t, hs, 2)
	assert.Equal(t, "b", hs[0].Provider)
	assert.Equal(t, "a", hs[1].Provider)
	assert.True(t, hs[1].Open)
}
