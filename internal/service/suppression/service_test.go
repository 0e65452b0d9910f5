package suppression

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// mockRepo is an in-memory repository for testing.
type mockRepo struct {
	mu    sync.RWMutex
	store map[string][]Entry // keyed by email
	err   error
}

func newMockRepo() *mockRepo {
	return &mockRepo{store: make(map[string][]Entry)}
}

func matches(e Entry, listIDs []string) bool {
	if e.ListID == "" {
		return true
	}
	for _, id := range listIDs {
		if id == e.ListID {
			return true
		}
	}
	return false
}

func (m *mockRepo) Lookup(_ context.Context, email string, listIDs []string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []Entry
	for _, e := range m.store[email] {
		if matches(e, listIDs) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockRepo) LookupBulk(ctx context.Context, emails []string, listIDs []string) (map[string][]Entry, error) {
	out := make(map[string][]Entry)
	for _, email := range emails {
		entries, err := m.Lookup(ctx, email, listIDs)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			out[email] = entries
		}
	}
	return out, nil
}

func (m *mockRepo) Suppress(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.store[e.Email] {
		if existing.ListID == e.ListID {
			return nil
		}
	}
	m.store[e.Email] = append(m.store[e.Email], e)
	return nil
}

func (m *mockRepo) Remove(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[email]; !ok {
		return ErrNotFound
	}
	delete(m.store, email)
	return nil
}

func TestCheck_GlobalAndListScopes(t *testing.T) {
	svc := NewService(newMockRepo())
	ctx := context.Background()

	require.NoError(t, svc.Suppress(ctx, "Bounce@Example.com ", domain.ReasonHardBounce, "", "camp-1"))
	require.NoError(t, svc.Suppress(ctx, "unsub@example.com", domain.ReasonUnsubscribe, "list-a", ""))

	d := svc.Check(ctx, "bounce@example.com", []string{"list-z"})
	assert.Equal(t, domain.SuppressionDecision{Suppressed: true, Reason: domain.ReasonHardBounce, Scope: domain.ScopeGlobal}, d)

	d = svc.Check(ctx, "UNSUB@example.com", []string{"list-a"})
	assert.Equal(t, domain.SuppressionDecision{Suppressed: true, Reason: domain.ReasonUnsubscribe, Scope: domain.ScopeList}, d)

	d = svc.Check(ctx, "unsub@example.com", []string{"list-b"})
	assert.False(t, d.Suppressed)
}

func TestCheck_GlobalWinsOverList(t *testing.T) {
	svc := NewService(newMockRepo())
	ctx := context.Background()
	require.NoError(t, svc.Suppress(ctx, "x@example.com", domain.ReasonUnsubscribe, "list-a", ""))
	require.NoError(t, svc.Suppress(ctx, "x@example.com", domain.ReasonComplaint, "", ""))

	d := svc.Check(ctx, "x@example.com", []string{"list-a"})
	assert.Equal(t, domain.ScopeGlobal, d.Scope)
	assert.Equal(t, domain.ReasonComplaint, d.Reason)
}

func TestCheck_FailsOpen(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	ctx := context.Background()
	require.NoError(t, svc.Suppress(ctx, "bounce@example.com", domain.ReasonHardBounce, "", ""))

	repo.err = errors.New("connection refused")
	assert.False(t, svc.Check(ctx, "bounce@example.com", nil).Suppressed)
	assert.Empty(t, svc.CheckBulk(ctx, []string{"bounce@example.com"}, nil))
}

func TestCheckBulk_ReturnsOnlySuppressed(t *testing.T) {
	svc := NewService(newMockRepo())
	ctx := context.Background()
	require.NoError(t, svc.Suppress(ctx, "a@example.com", domain.ReasonHardBounce, "", ""))
	require.NoError(t, svc.Suppress(ctx, "b@example.com", domain.ReasonUnsubscribe, "list-a", ""))

	got := svc.CheckBulk(ctx, []string{"A@example.com", "a@example.com", "b@example.com", "c@example.com", ""}, []string{"list-a"})
	assert.Len(t, got, 2)
	assert.Equal(t, domain.ScopeGlobal, got["a@example.com"].Scope)
	assert.Equal(t, domain.ScopeList, got["b@example.com"].Scope)
}

func TestSuppress_Idempotent(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Suppress(ctx, "dup@example.com", domain.ReasonComplaint, "", ""))
	}
	assert.Len(t, repo.store["dup@example.com"], 1)
}

func TestSuppress_EmptyEmail_Fails(t *testing.T) {
	svc := NewService(newMockRepo())
	err := svc.Suppress(context.Background(), "  ", domain.ReasonHardBounce, "", "")
	assert.ErrorIs(t, err, ErrInvalidEmail)
}

func TestRemove(t *testing.T) {
	svc := NewService(newMockRepo())
	ctx := context.Background()
	require.NoError(t, svc.Suppress(ctx, "remove@example.com", domain.ReasonManual, "", ""))

	require.NoError(t, svc.Remove(ctx, "remove@example.com"))
	assert.False(t, svc.Check(ctx, "remove@example.com", nil).Suppressed)
	assert.ErrorIs(t, svc.Remove(ctx, "ghost@example.com"), ErrNotFound)
}
