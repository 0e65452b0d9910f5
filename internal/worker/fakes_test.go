package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatch/internal/cache"
	"github.com/ignite/campaign-dispatch/internal/dlq"
	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/failure"
	"github.com/ignite/campaign-dispatch/internal/pkg/distlock"
	"github.com/ignite/campaign-dispatch/internal/provider"
	"github.com/ignite/campaign-dispatch/internal/queue"
	"github.com/ignite/campaign-dispatch/internal/ratelimit"
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func lockFactory(rdb redis.Cmdable) LockFactory {
	return func(key string) distlock.DistLock {
		return distlock.NewRedisLock(rdb, key, time.Minute)
	}
}

// memCampaigns is an in-memory CampaignStore.
type memCampaigns struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
}

func newMemCampaigns(cs ...domain.Campaign) *memCampaigns {
	m := &memCampaigns{campaigns: make(map[string]*domain.Campaign)}
	for i := range cs {
		c := cs[i]
		m.campaigns[c.ID] = &c
	}
	return m
}

func (m *memCampaigns) Get(_ context.Context, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memCampaigns) IncrementCounters(_ context.Context, id string, d domain.Counters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	c.Sent += d.Sent
	c.Failed += d.Failed
	c.Skipped += d.Skipped
	c.Delivered += d.Delivered
	c.Processed += d.Processed
	c.Queued += d.Queued
	return nil
}

func (m *memCampaigns) AdvanceCursor(_ context.Context, id, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	if c.LastCursor != from {
		return false, nil
	}
	c.LastCursor = to
	return true, nil
}

func (m *memCampaigns) get(id string) domain.Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.campaigns[id]
}

func (m *memCampaigns) setStatus(id string, s domain.CampaignStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[id].Status = s
}

// memAttempts keeps the latest attempt per pair and refuses to overwrite a
// success, like the Postgres upsert.
type memAttempts struct {
	mu       sync.Mutex
	attempts map[string]domain.DeliveryAttempt
}

func newMemAttempts() *memAttempts {
	return &memAttempts{attempts: make(map[string]domain.DeliveryAttempt)}
}

func pairKey(campaignID, recipientID string) string { return campaignID + "/" + recipientID }

func (m *memAttempts) Record(_ context.Context, a *domain.DeliveryAttempt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey(a.CampaignID, a.RecipientID)
	if prev, ok := m.attempts[k]; ok && prev.Status.IsSuccess() {
		return false, nil
	}
	m.attempts[k] = *a
	return true, nil
}

func (m *memAttempts) HasSuccess(_ context.Context, campaignID, recipientID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[pairKey(campaignID, recipientID)]
	return ok && a.Status.IsSuccess(), nil
}

func (m *memAttempts) SettledRecipients(_ context.Context, campaignID string, ids []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for _, id := range ids {
		a, ok := m.attempts[pairKey(campaignID, id)]
		if ok && (a.Status.IsSuccess() || a.Status == domain.AttemptSkipped) {
			out[id] = true
		}
	}
	return out, nil
}

func (m *memAttempts) get(campaignID, recipientID string) (domain.DeliveryAttempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[pairKey(campaignID, recipientID)]
	return a, ok
}

// memAudience serves recipients r-0001..r-NNNN ordered by id.
type memAudience struct {
	recipients []domain.Recipient
	pages      []int
}

func newMemAudience(n int) *memAudience {
	a := &memAudience{}
	for i := 1; i <= n; i++ {
		a.recipients = append(a.recipients, domain.Recipient{
			ID:        fmt.Sprintf("r-%04d", i),
			Email:     fmt.Sprintf("user%d@example.com", i),
			FirstName: fmt.Sprintf("User%d", i),
		})
	}
	return a
}

func (a *memAudience) RecipientsPage(_ context.Context, _ string, after string, limit int) ([]domain.Recipient, error) {
	idx := sort.Search(len(a.recipients), func(i int) bool { return a.recipients[i].ID > after })
	end := idx + limit
	if end > len(a.recipients) {
		end = len(a.recipients)
	}
	page := append([]domain.Recipient(nil), a.recipients[idx:end]...)
	a.pages = append(a.pages, len(page))
	return page, nil
}

func (a *memAudience) Recipient(_ context.Context, _ string, id string) (*domain.Recipient, error) {
	for i := range a.recipients {
		if a.recipients[i].ID == id {
			r := a.recipients[i]
			return &r, nil
		}
	}
	return nil, nil
}

// fakeSuppressions suppresses a fixed set of addresses globally.
type fakeSuppressions struct {
	mu         sync.Mutex
	suppressed map[string]domain.SuppressionReason
	added      []string
}

func newFakeSuppressions(emails ...string) *fakeSuppressions {
	s := &fakeSuppressions{suppressed: make(map[string]domain.SuppressionReason)}
	for _, e := range emails {
		s.suppressed[e] = domain.ReasonUnsubscribe
	}
	return s
}

func (s *fakeSuppressions) Check(_ context.Context, email string, _ []string) domain.SuppressionDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.suppressed[email]; ok {
		return domain.SuppressionDecision{Suppressed: true, Reason: r, Scope: domain.ScopeGlobal}
	}
	return domain.SuppressionDecision{}
}

func (s *fakeSuppressions) CheckBulk(ctx context.Context, emails []string, lists []string) map[string]domain.SuppressionDecision {
	out := make(map[string]domain.SuppressionDecision)
	for _, e := range emails {
		if d := s.Check(ctx, e, lists); d.Suppressed {
			out[e] = d
		}
	}
	return out
}

func (s *fakeSuppressions) Suppress(_ context.Context, email string, reason domain.SuppressionReason, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressed[email] = reason
	s.added = append(s.added, email)
	return nil
}

// recordingEnqueuer captures submitted tasks.
type recordingEnqueuer struct {
	mu     sync.Mutex
	tasks  []*queue.Task
	delays []time.Duration
	err    error
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, t *queue.Task, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.tasks = append(r.tasks, t)
	r.delays = append(r.delays, d)
	return nil
}

func (r *recordingEnqueuer) byQueue(name string) []*queue.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*queue.Task
	for _, t := range r.tasks {
		if t.Queue == name {
			out = append(out, t)
		}
	}
	return out
}

func (r *recordingEnqueuer) delayOf(t *queue.Task) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, x := range r.tasks {
		if x == t {
			return r.delays[i]
		}
	}
	return -1
}

type fixedSampler struct {
	usage Usage
	err   error
}

func (s fixedSampler) Sample(context.Context) (Usage, error) { return s.usage, s.err }

// fakeFinalizer mimics the campaign service's drain check.
type fakeFinalizer struct {
	campaigns *memCampaigns
	open      int64
	finalized []string
}

func (f *fakeFinalizer) Drained(_ context.Context, c *domain.Campaign) (bool, error) {
	return c.Processed >= c.Queued && f.open == 0, nil
}

func (f *fakeFinalizer) Finalize(_ context.Context, id string) (domain.Progress, bool, error) {
	f.finalized = append(f.finalized, id)
	f.campaigns.setStatus(id, domain.FinalStatus(f.campaigns.get(id).Counters))
	c := f.campaigns.get(id)
	return c.Progress(), true, nil
}

// fakeSender returns canned results in order; the last one repeats.
type fakeSender struct {
	mu      sync.Mutex
	results []sendOutcome
	sent    []*domain.EmailMessage
}

type sendOutcome struct {
	res *provider.Result
	err error
}

func (s *fakeSender) Send(_ context.Context, msg *domain.EmailMessage) (*provider.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	if len(s.results) == 0 {
		return &provider.Result{SendResult: domain.SendResult{
			Success: true, Provider: "mock", MessageID: "msg-" + msg.RecipientID,
			AttemptedProviders: []string{"mock"},
		}}, nil
	}
	o := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return o.res, o.err
}

func failedSend(class failure.Class, providers ...string) sendOutcome {
	res := &provider.Result{Class: class}
	res.AttemptedProviders = providers
	return sendOutcome{res: res, err: failure.Wrap(class, providers[len(providers)-1], errors.New("provider said no"))}
}

type fakeThrottle struct {
	decision ratelimit.Decision
}

func (f fakeThrottle) AllowCampaign(context.Context, string, int) (ratelimit.Decision, error) {
	return f.decision, nil
}

// fakeDLQ classifies like the real manager without storage.
type fakeDLQ struct {
	mu        sync.Mutex
	failures  []dlq.Failure
	completed []string
	archived  []string
}

func (f *fakeDLQ) HandleFailure(_ context.Context, fl dlq.Failure) (dlq.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, fl)
	class := failure.Classify(fl.Err)
	return dlq.Decision{Class: class, Terminal: class.Permanent()}, nil
}

func (f *fakeDLQ) Complete(_ context.Context, entryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, entryID)
	return nil
}

func (f *fakeDLQ) Archive(_ context.Context, entryID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, entryID)
	return nil
}

func newFlags(rdb redis.Cmdable) *cache.FlagStore {
	return cache.NewFlagStore(rdb, 0, 0)
}

func sendingCampaign() domain.Campaign {
	return domain.Campaign{
		ID:            "c1",
		Name:          "Spring launch",
		Status:        domain.CampaignSending,
		TargetListIDs: []string{"list-1"},
		Sender:        domain.SenderIdentity{FromEmail: "news@example.com", FromName: "News"},
		TemplateID:    "tpl-1",
		BatchSize:     100,
		TargetCount:   250,
	}
}

func requireTask(t *testing.T, name string, payload any) *queue.Task {
	t.Helper()
	task, err := queue.NewTask(name, payload)
	require.NoError(t, err)
	return task
}
