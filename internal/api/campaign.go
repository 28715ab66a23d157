package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/outreach/internal/domain"
	"github.com/ashureev/outreach/internal/identity"
	"github.com/ashureev/outreach/internal/notify"
	"github.com/ashureev/outreach/internal/registry"
	"github.com/ashureev/outreach/internal/workflow"
)

// CampaignHandler serves the campaign control surface and event streams.
type CampaignHandler struct {
	registry *registry.Registry
	hub      *notify.Hub
	stream   notify.StreamOptions
	origins  []string
}

// NewCampaignHandler creates the campaign handler. origins are the WebSocket origin patterns.
func NewCampaignHandler(reg *registry.Registry, hub *notify.Hub, stream notify.StreamOptions, origins []string) *CampaignHandler {
	return &CampaignHandler{registry: reg, hub: hub, stream: stream, origins: origins}
}

// RegisterRoutes registers campaign routes.
func (h *CampaignHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/campaigns/{campaignID}", func(r chi.Router) {
		r.Get("/", h.Status)
		r.Post("/start", h.Start)
		r.Get("/records", h.Records)
		r.Get("/attempts", h.Attempts)
		r.Post("/template", h.SelectTemplate)
		r.Post("/approval", h.Approval)
		r.Post("/resume", h.Resume)
		r.Post("/reset", h.Reset)
		r.Get("/events", h.Events)
	})
	r.Get("/ws/campaigns/{campaignID}", h.WebSocket)
}

func tenantKey(r *http.Request) domain.TenantKey {
	return domain.NewTenantKey(identity.UserIDFromContext(r.Context()), chi.URLParam(r, "campaignID"))
}

// withAgent runs fn against the caller's agent. An agent evicted between lookup and use is
// replaced once.
func (h *CampaignHandler) withAgent(r *http.Request, fn func(*workflow.Agent) error) error {
	key := tenantKey(r)
	for attempt := 0; ; attempt++ {
		a, err := h.registry.GetOrCreate(key.UserID, key.CampaignID)
		if err != nil {
			return err
		}
		err = fn(a)
		if errors.Is(err, workflow.ErrClosed) && attempt == 0 {
			continue
		}
		return err
	}
}

// Start launches a campaign.
func (h *CampaignHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req domain.StartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	err := h.withAgent(r, func(a *workflow.Agent) error {
		return a.Start(context.WithoutCancel(r.Context()), req)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	key := tenantKey(r)
	slog.Info("Campaign start requested", "user_id", key.UserID, "campaign_id", key.CampaignID)
	JSON(w, http.StatusAccepted, map[string]string{"status": "started", "campaign_id": key.CampaignID})
}

// Status returns the campaign status.
func (h *CampaignHandler) Status(w http.ResponseWriter, r *http.Request) {
	var st workflow.Status
	err := h.withAgent(r, func(a *workflow.Agent) (err error) {
		st, err = a.Status(r.Context())
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if st.Session == nil {
		writeError(w, r, workflow.ErrNotStarted)
		return
	}
	JSON(w, http.StatusOK, st)
}

// Records returns the campaign's prospects and drafts.
func (h *CampaignHandler) Records(w http.ResponseWriter, r *http.Request) {
	var records []domain.Record
	err := h.withAgent(r, func(a *workflow.Agent) (err error) {
		records, err = a.Records(r.Context())
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []domain.Record{}
	}
	JSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

// Attempts returns the stored stage attempts.
func (h *CampaignHandler) Attempts(w http.ResponseWriter, r *http.Request) {
	var attempts []domain.StageAttempt
	err := h.withAgent(r, func(a *workflow.Agent) (err error) {
		attempts, err = a.Attempts(r.Context())
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []domain.StageAttempt{}
	}
	JSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

type templateRequest struct {
	TemplateID string `json:"template_id"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
}

// SelectTemplate answers the template-selection pause.
func (h *CampaignHandler) SelectTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tmpl := domain.Template{ID: req.TemplateID, Subject: req.Subject, Body: req.Body}
	err := h.withAgent(r, func(a *workflow.Agent) error {
		return a.SelectTemplate(r.Context(), tmpl)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "template_selected"})
}

type approvalRequest struct {
	Action  string `json:"action"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Approval answers the sample-approval pause with continue or edit.
func (h *CampaignHandler) Approval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	d := domain.Decision{Action: domain.DecisionAction(strings.TrimSpace(req.Action))}
	switch d.Action {
	case domain.DecisionContinue, domain.DecisionEdit:
	default:
		writeError(w, r, fmt.Errorf("%w: action must be continue or edit", workflow.ErrInvalidDecision))
		return
	}
	if d.Action == domain.DecisionEdit {
		d.Draft = &domain.Draft{Subject: req.Subject, Body: req.Body}
	}

	err := h.withAgent(r, func(a *workflow.Agent) error {
		return a.Decide(r.Context(), d)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "resolved", "action": string(d.Action)})
}

// Resume continues a timed-out or interrupted campaign.
func (h *CampaignHandler) Resume(w http.ResponseWriter, r *http.Request) {
	err := h.withAgent(r, func(a *workflow.Agent) error {
		return a.Resume(context.WithoutCancel(r.Context()))
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "resumed"})
}

// Reset discards the campaign's session so it can be started again.
func (h *CampaignHandler) Reset(w http.ResponseWriter, r *http.Request) {
	key := tenantKey(r)
	if err := h.registry.Reset(r.Context(), key.UserID, key.CampaignID); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("Campaign reset", "user_id", key.UserID, "campaign_id", key.CampaignID)
	JSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// Events streams campaign events over SSE.
func (h *CampaignHandler) Events(w http.ResponseWriter, r *http.Request) {
	key := tenantKey(r)
	if !key.Valid() {
		writeError(w, r, fmt.Errorf("%w: %w", registry.ErrInvalidKey, errdefs.ErrInvalidArgument))
		return
	}
	h.hub.ServeSSE(w, r, key, h.stream)
}

// WebSocket streams campaign events over a WebSocket.
func (h *CampaignHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	key := tenantKey(r)
	if !key.Valid() {
		writeError(w, r, registry.ErrInvalidKey)
		return
	}
	h.hub.ServeWS(w, r, key, h.origins)
}
