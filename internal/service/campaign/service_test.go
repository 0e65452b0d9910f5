package campaign_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatch/internal/cache"
	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/queue"
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
)

// memRepo is an in-memory campaign repository for unit testing.
type memRepo struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign // keyed by id
	// beforeTransition lets a test change state between read and write
	beforeTransition func(c *domain.Campaign)
}

func newMemRepo() *memRepo {
	return &memRepo{campaigns: make(map[string]*domain.Campaign)}
}

func (m *memRepo) put(c domain.Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = &c
}

func (m *memRepo) Get(_ context.Context, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) Transition(_ context.Context, id string, from domain.CampaignStatus, t campaign.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	if m.beforeTransition != nil {
		m.beforeTransition(c)
	}
	if c.Status != from {
		return campaign.ErrConcurrentChange
	}
	campaign.ApplyTransition(c, from, t)
	return nil
}

func (m *memRepo) IncrementCounters(_ context.Context, id string, d domain.Counters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	c.Counters = c.Counters.Add(d)
	return nil
}

func (m *memRepo) AdvanceCursor(_ context.Context, id, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return false, campaign.ErrNotFound
	}
	if c.LastCursor != from {
		return false, nil
	}
	c.LastCursor = to
	return true, nil
}

func (m *memRepo) SetCounters(_ context.Context, id string, rc domain.Counters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	c.Counters = rc
	return nil
}

type fakeAttempts struct{ counts domain.StatusCounts }

func (f *fakeAttempts) CountByStatus(context.Context, string) (domain.StatusCounts, error) {
	return f.counts, nil
}

type fakeAudience struct{ n int64 }

func (f fakeAudience) CountRecipients(context.Context, string) (int64, error) { return f.n, nil }

type fakeDLQ struct {
	open      int64
	cancelled []string
}

func (f *fakeDLQ) CancelCampaign(_ context.Context, id string) (int64, error) {
	f.cancelled = append(f.cancelled, id)
	return 2, nil
}

func (f *fakeDLQ) OpenEntries(context.Context, string) (int64, error) { return f.open, nil }

type recordingEnqueuer struct {
	tasks []*queue.Task
	err   error
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, t *queue.Task, _ time.Duration) error {
	if r.err != nil {
		return r.err
	}
	r.tasks = append(r.tasks, t)
	return nil
}

type fixture struct {
	repo     *memRepo
	attempts *fakeAttempts
	dlq      *fakeDLQ
	enq      *recordingEnqueuer
	flags    *cache.FlagStore
	rdb      *redis.Client
	svc      *campaign.Service
}

func newFixture(t *testing.T) *fixture {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &fixture{
		repo:     newMemRepo(),
		attempts: &fakeAttempts{counts: domain.StatusCounts{}},
		dlq:      &fakeDLQ{},
		enq:      &recordingEnqueuer{},
		flags:    cache.NewFlagStore(rdb, 0, 0),
		rdb:      rdb,
	}
	f.svc = campaign.NewService(campaign.Deps{
		Repo:     f.repo,
		Attempts: f.attempts,
		Audience: fakeAudience{n: 250},
		DLQ:      f.dlq,
		Flags:    f.flags,
		Queue:    f.enq,
	}, campaign.Config{DefaultBatchSize: 100})
	return f
}

func draftCampaign(id string) domain.Campaign {
	return domain.Campaign{
		ID:            id,
		Name:          "Spring launch",
		Status:        domain.CampaignDraft,
		TargetListIDs: []string{"list-1"},
		TemplateID:    "tpl-1",
		Sender:        domain.SenderIdentity{FromEmail: "news@example.com", FromName: "News"},
	}
}

func (f *fixture) stored(t *testing.T, id string) *domain.Campaign {
	c, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestStartTransitionsAndEnqueuesFirstBatch(t *testing.T) {
	f := newFixture(t)
	f.repo.put(draftCampaign("c1"))

	p, err := f.svc.Start(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignSending, p.Status)
	assert.Equal(t, int64(250), p.Target)
	assert.True(t, p.CanPause)

	c := f.stored(t, "c1")
	assert.NotNil(t, c.StartedAt)
	assert.Equal(t, domain.CampaignDraft, c.PreviousStatus)

	require.Len(t, f.enq.tasks, 1)
	assert.Equal(t, queue.QueueDispatch, f.enq.tasks[0].Queue)
	var payload queue.DispatchPayload
	require.NoError(t, f.enq.tasks[0].Decode(&payload))
	assert.Equal(t, queue.DispatchPayload{CampaignID: "c1", BatchSize: 100}, payload)
}

func TestStartRejectsInvalidStates(t *testing.T) {
	f := newFixture(t)
	c := draftCampaign("c1")
	c.Status = domain.CampaignSending
	f.repo.put(c)

	_, err := f.svc.Start(context.Background(), "c1")
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition)

	_, err = f.svc.Start(context.Background(), "missing")
	assert.ErrorIs(t, err, campaign.ErrNotFound)

	bad := draftCampaign("c2")
	bad.TemplateID = ""
	f.repo.put(bad)
	_, err = f.svc.Start(context.Background(), "c2")
	assert.ErrorIs(t, err, domain.ErrInvalidCampaign)
}

func TestStartRollsBackWhenEnqueueFails(t *testing.T) {
	f := newFixture(t)
	f.repo.put(draftCampaign("c1"))
	f.enq.err = errors.New("broker down")

	_, err := f.svc.Start(context.Background(), "c1")
	require.Error(t, err)
	assert.Equal(t, domain.CampaignDraft, f.stored(t, "c1").Status)
}

func TestStartConcurrentChange(t *testing.T) {
	f := newFixture(t)
	f.repo.put(draftCampaign("c1"))
	f.repo.beforeTransition = func(c *domain.Campaign) { c.Status = domain.CampaignCancelled }

	_, err := f.svc.Start(context.Background(), "c1")
	assert.ErrorIs(t, err, campaign.ErrConcurrentChange)
	assert.Empty(t, f.enq.tasks)
}

func TestPauseSetsFlagAndResumeRestartsFromCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := draftCampaign("c1")
	c.Status = domain.CampaignSending
	c.PreviousStatus = domain.CampaignDraft
	c.LastCursor = "r-0200"
	c.BatchSize = 50
	f.repo.put(c)

	p, err := f.svc.Pause(ctx, "c1", "complaint spike", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignPaused, p.Status)
	assert.True(t, p.CanResume)

	state, err := f.flags.State(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, state.Paused)

	stored := f.stored(t, "c1")
	assert.Equal(t, "complaint spike", stored.PauseReason)
	assert.Equal(t, "ops@example.com", stored.PausedBy)
	assert.Equal(t, domain.CampaignSending, stored.PreviousStatus)

	_, err = f.svc.Pause(ctx, "c1", "again", "ops")
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition)

	p, err = f.svc.Resume(ctx, "c1", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignSending, p.Status)

	state, err = f.flags.State(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, state.Paused)

	require.Len(t, f.enq.tasks, 1)
	var payload queue.DispatchPayload
	require.NoError(t, f.enq.tasks[0].Decode(&payload))
	assert.Equal(t, "r-0200", payload.Cursor)
	assert.Equal(t, 50, payload.BatchSize)
}

func TestPauseClearsFlagOnConcurrentChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := draftCampaign("c1")
	c.Status = domain.CampaignSending
	f.repo.put(c)
	f.repo.beforeTransition = func(c *domain.Campaign) { c.Status = domain.CampaignCompleted }

	_, err := f.svc.Pause(ctx, "c1", "", "")
	assert.ErrorIs(t, err, campaign.ErrConcurrentChange)

	state, err := f.flags.State(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, state.Paused)
}

func TestStopClearsScratchAndReconciles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := draftCampaign("c1")
	c.Status = domain.CampaignPaused
	c.Counters = domain.Counters{Queued: 120, Processed: 90, Sent: 80, Failed: 10}
	f.repo.put(c)
	require.NoError(t, f.flags.SetPaused(ctx, "c1", "x"))
	require.NoError(t, f.rdb.Set(ctx, cache.RateWindowKey(cache.ScopeCampaign, "c1", 42), 5, time.Minute).Err())
	f.attempts.counts = domain.StatusCounts{domain.AttemptSent: 85, domain.AttemptFailed: 10, domain.AttemptSkipped: 5}

	p, err := f.svc.Stop(ctx, "c1", "bad list", "ops", true)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStopped, p.Status)
	assert.False(t, p.CanStop)
	assert.Equal(t, int64(100), p.Processed)
	assert.Equal(t, int64(85), p.Sent)

	state, err := f.flags.State(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, state.Stopped)
	assert.False(t, state.Paused)

	n, err := f.rdb.Exists(ctx, cache.RateWindowKey(cache.ScopeCampaign, "c1", 42)).Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, []string{"c1"}, f.dlq.cancelled)
	stored := f.stored(t, "c1")
	assert.Equal(t, "bad list", stored.StopReason)
	assert.NotNil(t, stored.StoppedAt)
	assert.Equal(t, int64(120), stored.Queued)
}

func TestStopWithoutForceKeepsDLQ(t *testing.T) {
	f := newFixture(t)
	c := draftCampaign("c1")
	c.Status = domain.CampaignScheduled
	f.repo.put(c)

	_, err := f.svc.Stop(context.Background(), "c1", "", "", false)
	require.NoError(t, err)
	assert.Empty(t, f.dlq.cancelled)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	f.repo.put(draftCampaign("c1"))

	p, err := f.svc.Cancel(context.Background(), "c1", "duplicate", "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignCancelled, p.Status)

	_, err = f.svc.Cancel(context.Background(), "c1", "", "")
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition)
}

func TestFinalizeSuccessRule(t *testing.T) {
	tests := []struct {
		name   string
		counts domain.StatusCounts
		want   domain.CampaignStatus
	}{
		{"some sent", domain.StatusCounts{domain.AttemptSent: 240, domain.AttemptFailed: 10}, domain.CampaignCompleted},
		{"delivered counts as sent", domain.StatusCounts{domain.AttemptDelivered: 1, domain.AttemptFailed: 9}, domain.CampaignCompleted},
		{"all skipped", domain.StatusCounts{domain.AttemptSkipped: 3}, domain.CampaignCompleted},
		{"nothing sent", domain.StatusCounts{domain.AttemptFailed: 4}, domain.CampaignFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c := draftCampaign("c1")
			c.Status = domain.CampaignSending
			f.repo.put(c)
			f.attempts.counts = tt.counts

			p, done, err := f.svc.Finalize(context.Background(), "c1")
			require.NoError(t, err)
			assert.True(t, done)
			assert.Equal(t, tt.want, p.Status)
			assert.NotNil(t, f.stored(t, "c1").CompletedAt)
		})
	}
}

func TestFinalizeSkipsNonSending(t *testing.T) {
	f := newFixture(t)
	c := draftCampaign("c1")
	c.Status = domain.CampaignPaused
	f.repo.put(c)

	p, done, err := f.svc.Finalize(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, domain.CampaignPaused, p.Status)
}

func TestDrained(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := draftCampaign("c1")
	c.Counters = domain.Counters{Queued: 10, Processed: 9}

	ok, err := f.svc.Drained(ctx, &c)
	require.NoError(t, err)
	assert.False(t, ok)

	c.Processed = 10
	f.dlq.open = 1
	ok, err = f.svc.Drained(ctx, &c)
	require.NoError(t, err)
	assert.False(t, ok)

	f.dlq.open = 0
	ok, err = f.svc.Drained(ctx, &c)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProgressNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Progress(context.Background(), "nope")
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}
