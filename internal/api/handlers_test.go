package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/httputil"
	"github.com/ignite/campaign-dispatch/internal/ratelimit"
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
)

type call struct {
	op     string
	id     string
	reason string
	actor  string
	force  bool
}

// MockCampaigns answers every command with progress or a canned error.
type MockCampaigns struct {
	progress domain.Progress
	err      error
	calls    []call
}

func (m *MockCampaigns) record(c call) (domain.Progress, error) {
	m.calls = append(m.calls, c)
	p := m.progress
	p.CampaignID = c.id
	return p, m.err
}

func (m *MockCampaigns) Start(_ context.Context, id string) (domain.Progress, error) {
	return m.record(call{op: "start", id: id})
}

func (m *MockCampaigns) Pause(_ context.Context, id, reason, actor string) (domain.Progress, error) {
	return m.record(call{op: "pause", id: id, reason: reason, actor: actor})
}

func (m *MockCampaigns) Resume(_ context.Context, id, actor string) (domain.Progress, error) {
	return m.record(call{op: "resume", id: id, actor: actor})
}

func (m *MockCampaigns) Stop(_ context.Context, id, reason, actor string, force bool) (domain.Progress, error) {
	return m.record(call{op: "stop", id: id, reason: reason, actor: actor, force: force})
}

func (m *MockCampaigns) Cancel(_ context.Context, id, reason, actor string) (domain.Progress, error) {
	return m.record(call{op: "cancel", id: id, reason: reason, actor: actor})
}

func (m *MockCampaigns) Progress(_ context.Context, id string) (domain.Progress, error) {
	return m.record(call{op: "progress", id: id})
}

func (m *MockCampaigns) Reconcile(_ context.Context, id string) (domain.Counters, error) {
	m.calls = append(m.calls, call{op: "reconcile", id: id})
	return domain.Counters{Sent: 7, Processed: 7, Queued: 9}, m.err
}

type MockProviders []ratelimit.Health

func (m MockProviders) Health(context.Context) []ratelimit.Health { return m }

func setupTestRouter(t *testing.T, svc *MockCampaigns, providers ProviderHealth) http.Handler {
	t.Helper()
	return SetupRoutes(NewHandlers(svc, providers), nil, nil)
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandleProgress(t *testing.T) {
	svc := &MockCampaigns{progress: domain.Progress{Status: domain.CampaignSending, Target: 100, Sent: 40, Processed: 40, CompletionPct: 40}}
	rr := doRequest(t, setupTestRouter(t, svc, nil), http.MethodGet, "/api/campaigns/c1/progress", "")

	assert.Equal(t, http.StatusOK, rr.Code)
	var p domain.Progress
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	assert.Equal(t, "c1", p.CampaignID)
	assert.Equal(t, int64(40), p.Sent)
	assert.Equal(t, 40.0, p.CompletionPct)
}

func TestHandleLifecycleCommands(t *testing.T) {
	tests := []struct {
		path string
		body string
		want call
	}{
		{"/api/campaigns/c1/start", "", call{op: "start", id: "c1"}},
		{"/api/campaigns/c1/pause", `{"reason":"complaint spike"}`, call{op: "pause", id: "c1", reason: "complaint spike", actor: "ops"}},
		{"/api/campaigns/c1/pause", "", call{op: "pause", id: "c1", reason: "manual", actor: "ops"}},
		{"/api/campaigns/c1/resume", "", call{op: "resume", id: "c1", actor: "ops"}},
		{"/api/campaigns/c1/stop", `{"force":true,"actor":"alice"}`, call{op: "stop", id: "c1", reason: "manual", actor: "alice", force: true}},
		{"/api/campaigns/c1/cancel", `{"reason":"duplicate"}`, call{op: "cancel", id: "c1", reason: "duplicate", actor: "ops"}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %s", tt.path, tt.body), func(t *testing.T) {
			svc := &MockCampaigns{}
			rr := doRequest(t, setupTestRouter(t, svc, nil), http.MethodPost, tt.path, tt.body, "X-Actor", "ops")

			assert.Equal(t, http.StatusOK, rr.Code)
			require.Len(t, svc.calls, 1)
			assert.Equal(t, tt.want, svc.calls[0])
		})
	}
}

func TestHandleActorDefaultsToAPI(t *testing.T) {
	svc := &MockCampaigns{}
	rr := doRequest(t, setupTestRouter(t, svc, nil), http.MethodPost, "/api/campaigns/c1/resume", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "api", svc.calls[0].actor)
}

func TestHandleErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", campaign.ErrNotFound, http.StatusNotFound, "not_found"},
		{"invalid transition", fmt.Errorf("%w: cannot pause a completed campaign", campaign.ErrInvalidTransition), http.StatusConflict, "invalid_transition"},
		{"concurrent change", campaign.ErrConcurrentChange, http.StatusConflict, "concurrent_change"},
		{"invalid campaign", fmt.Errorf("%w: no target lists", domain.ErrInvalidCampaign), http.StatusUnprocessableEntity, "invalid_campaign"},
		{"storage failure", fmt.Errorf("connection reset"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockCampaigns{err: tt.err, progress: domain.Progress{Status: domain.CampaignCompleted}}
			rr := doRequest(t, setupTestRouter(t, svc, nil), http.MethodPost, "/api/campaigns/c9/pause", "")

			assert.Equal(t, tt.status, rr.Code)
			var body httputil.ErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Code)
			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, "internal server error", body.Error)
			}
		})
	}
}

func TestHandleConflictCarriesProgress(t *testing.T) {
	svc := &MockCampaigns{err: campaign.ErrInvalidTransition, progress: domain.Progress{Status: domain.CampaignStopped}}
	rr := doRequest(t, setupTestRouter(t, svc, nil), http.MethodPost, "/api/campaigns/c1/resume", "")

	require.Equal(t, http.StatusConflict, rr.Code)
	var body struct {
		Details domain.Progress `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, domain.CampaignStopped, body.Details.Status)
}

func TestHandleBadJSON(t *testing.T) {
	svc := &MockCampaigns{}
	rr := doRequest(t, setupTestRouter(t, svc, nil), http.MethodPost, "/api/campaigns/c1/stop", "{not json")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, svc.calls)
}

func TestHandleReconcile(t *testing.T) {
	svc := &MockCampaigns{}
	rr := doRequest(t, setupTestRouter(t, svc, nil), http.MethodPost, "/api/campaigns/c1/reconcile", "")

	assert.Equal(t, http.StatusOK, rr.Code)
	var c domain.Counters
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &c))
	assert.Equal(t, int64(7), c.Sent)
}

func TestHandleProviderHealth(t *testing.T) {
	providers := MockProviders{
		{Provider: "ses", SuccessRatio: 0.99, EffectiveRate: 600},
		{Provider: "smtp", Open: true},
	}
	rr := doRequest(t, setupTestRouter(t, &MockCampaigns{}, providers), http.MethodGet, "/api/providers/health", "")

	assert.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Providers []ratelimit.Health `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Providers, 2)
	assert.Equal(t, "ses", body.Providers[0].Provider)
	assert.True(t, body.Providers[1].Open)
}

func setupHealth(t *testing.T, providers ProviderHealth) (*HealthChecker, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewHealthChecker(db, rdb, providers), mock, mr
}

func TestHealthDegradedWhenSomeBreakersOpen(t *testing.T) {
	hc, mock, _ := setupHealth(t, MockProviders{{Provider: "ses"}, {Provider: "smtp", Open: true}})
	mock.ExpectPing()

	rr := doRequest(t, SetupRoutes(NewHandlers(&MockCampaigns{}, nil), hc, nil), http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rr.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, "up", status.Checks["database"].Status)
	assert.Equal(t, "up", status.Checks["redis"].Status)
	assert.Equal(t, "degraded", status.Checks["providers"].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadinessFailsWhenRedisDown(t *testing.T) {
	hc, mock, mr := setupHealth(t, MockProviders{{Provider: "ses"}})
	mock.ExpectPing()
	mr.Close()

	rr := doRequest(t, SetupRoutes(NewHandlers(&MockCampaigns{}, nil), hc, nil), http.MethodGet, "/health/ready", "")

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var body struct {
		Ready  bool   `json:"ready"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.False(t, body.Ready)
	assert.Equal(t, "unhealthy", body.Status)
}

func TestLiveness(t *testing.T) {
	hc := NewHealthChecker(nil, nil, nil)
	rr := doRequest(t, SetupRoutes(NewHandlers(&MockCampaigns{}, nil), hc, nil), http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"alive"`)
}

func TestDetermineOverallStatus(t *testing.T) {
	assert.Equal(t, "healthy", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "up"}, "redis": {Status: "up"}, "providers": {Status: "down", Message: "not configured"},
	}))
	assert.Equal(t, "unhealthy", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "down", Message: "ping failed"}, "redis": {Status: "up"},
	}))
	assert.Equal(t, "degraded", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "up"}, "redis": {Status: "up"}, "providers": {Status: "down", Message: "all 2 breakers open"},
	}))
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "5s", formatUptime(5e9))
	assert.Equal(t, "2m 5s", formatUptime(125e9))
}
