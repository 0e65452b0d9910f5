package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/httputil"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/ratelimit"
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
)

// CampaignService is the lifecycle surface the API drives.
type CampaignService interface {
	Start(ctx context.Context, id string) (domain.Progress, error)
	Pause(ctx context.Context, id, reason, actor string) (domain.Progress, error)
	Resume(ctx context.Context, id, actor string) (domain.Progress, error)
	Stop(ctx context.Context, id, reason, actor string, force bool) (domain.Progress, error)
	Cancel(ctx context.Context, id, reason, actor string) (domain.Progress, error)
	Progress(ctx context.Context, id string) (domain.Progress, error)
	Reconcile(ctx context.Context, id string) (domain.Counters, error)
}

// ProviderHealth reports the limiter view of each provider.
type ProviderHealth interface {
	Health(ctx context.Context) []ratelimit.Health
}

// Handlers contains HTTP handlers for the control API
type Handlers struct {
	campaigns CampaignService
	providers ProviderHealth
}

// NewHandlers creates a new Handlers instance. providers may be nil.
func NewHandlers(campaigns CampaignService, providers ProviderHealth) *Handlers {
	return &Handlers{campaigns: campaigns, providers: providers}
}

// lifecycleRequest is the optional body of every lifecycle command.
type lifecycleRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
	Force  bool   `json:"force"`
}

func decodeLifecycle(w http.ResponseWriter, r *http.Request) (lifecycleRequest, bool) {
	var req lifecycleRequest
	if !httputil.Decode(w, r, &req) {
		return req, false
	}
	if req.Actor == "" {
		req.Actor = r.Header.Get("X-Actor")
	}
	if req.Actor == "" {
		req.Actor = "api"
	}
	return req, true
}

// writeResult maps service errors onto status codes. A rejected transition
// still carries the current progress so the caller sees why.
func writeResult(w http.ResponseWriter, id string, p domain.Progress, err error) {
	switch {
	case err == nil:
		httputil.OK(w, p)
	case errors.Is(err, campaign.ErrNotFound):
		httputil.ErrorWithCode(w, http.StatusNotFound, "not_found", "campaign "+id+" not found", nil)
	case errors.Is(err, campaign.ErrInvalidTransition):
		httputil.ErrorWithCode(w, http.StatusConflict, "invalid_transition", err.Error(), p)
	case errors.Is(err, campaign.ErrConcurrentChange):
		httputil.ErrorWithCode(w, http.StatusConflict, "concurrent_change", err.Error(), p)
	case errors.Is(err, domain.ErrInvalidCampaign):
		httputil.ErrorWithCode(w, http.StatusUnprocessableEntity, "invalid_campaign", err.Error(), p)
	default:
		logger.Error("[API] campaign command failed", "campaign_id", id, "error", err)
		httputil.InternalError(w, err)
	}
}

// HandleProgress returns the progress snapshot.
//
//	GET /api/campaigns/{campaignID}/progress
func (h *Handlers) HandleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	p, err := h.campaigns.Progress(r.Context(), id)
	writeResult(w, id, p, err)
}

// HandleStart begins sending.
//
//	POST /api/campaigns/{campaignID}/start
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	p, err := h.campaigns.Start(r.Context(), id)
	writeResult(w, id, p, err)
}

// HandlePause raises the pause flag.
//
//	POST /api/campaigns/{campaignID}/pause
func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	req, ok := decodeLifecycle(w, r)
	if !ok {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	p, err := h.campaigns.Pause(r.Context(), id, req.Reason, req.Actor)
	writeResult(w, id, p, err)
}

// HandleResume continues from the last cursor.
//
//	POST /api/campaigns/{campaignID}/resume
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	req, ok := decodeLifecycle(w, r)
	if !ok {
		return
	}
	p, err := h.campaigns.Resume(r.Context(), id, req.Actor)
	writeResult(w, id, p, err)
}

// HandleStop ends the campaign. {"force": true} also archives its DLQ entries.
//
//	POST /api/campaigns/{campaignID}/stop
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	req, ok := decodeLifecycle(w, r)
	if !ok {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	p, err := h.campaigns.Stop(r.Context(), id, req.Reason, req.Actor, req.Force)
	writeResult(w, id, p, err)
}

// HandleCancel abandons a campaign that never started sending.
//
//	POST /api/campaigns/{campaignID}/cancel
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	req, ok := decodeLifecycle(w, r)
	if !ok {
		return
	}
	p, err := h.campaigns.Cancel(r.Context(), id, req.Reason, req.Actor)
	writeResult(w, id, p, err)
}

// HandleReconcile recomputes counters from delivery attempts.
//
//	POST /api/campaigns/{campaignID}/reconcile
func (h *Handlers) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	counters, err := h.campaigns.Reconcile(r.Context(), id)
	if err != nil {
		writeResult(w, id, domain.Progress{CampaignID: id}, err)
		return
	}
	httputil.OK(w, counters)
}

// HandleProviderHealth lists breaker state and window usage per provider.
//
//	GET /api/providers/health
func (h *Handlers) HandleProviderHealth(w http.ResponseWriter, r *http.Request) {
	if h.providers == nil {
		httputil.OK(w, map[string]any{"providers": []ratelimit.Health{}})
		return
	}
	httputil.OK(w, map[string]any{"providers": h.providers.Health(r.Context())})
}
