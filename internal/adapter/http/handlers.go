package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/suhlabs/provisioner/internal/domain/approval"
	"github.com/suhlabs/provisioner/internal/service"
)

// Handlers bundles the services the HTTP surface exposes.
type Handlers struct {
	Onboarding *service.Onboarding
	Approvals  *service.Approvals
	Storage    *service.Storage
}

// NewHandlers creates the handler set.
func NewHandlers(onboarding *service.Onboarding, approvals *service.Approvals, storage *service.Storage) *Handlers {
	return &Handlers{Onboarding: onboarding, Approvals: approvals, Storage: storage}
}

type startRequest struct {
	UserID    string `json:"user_id"`
	UserEmail string `json:"user_email"`
}

type respondRequest struct {
	UserInput string `json:"user_input"`
}

type resolveRequest struct {
	Approve    bool   `json:"approve"`
	ResolvedBy string `json:"resolved_by"`
}

// turnResponse is the wire shape of one conversational turn.
type turnResponse struct {
	SessionID      string            `json:"session_id"`
	Step           string            `json:"step"`
	Status         string            `json:"status"`
	Message        string            `json:"message"`
	ETA            string            `json:"eta,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
	Completed      bool              `json:"completed"`
	DeploymentInfo map[string]string `json:"deployment_info,omitempty"`
}

func toTurnResponse(res *service.TurnResult) turnResponse {
	return turnResponse{
		SessionID:      res.Session.ID,
		Step:           string(res.Session.CurrentStep),
		Status:         res.Reply.Status,
		Message:        res.Reply.Summary,
		ETA:            res.Reply.ETA,
		Details:        res.Reply.Details,
		Completed:      res.Completed,
		DeploymentInfo: res.DeploymentInfo,
	}
}

// --- Onboarding ---

// StartOnboarding handles POST /onboard
func (h *Handlers) StartOnboarding(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[startRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.UserID, "user_id") {
		return
	}

	res, err := h.Onboarding.Start(r.Context(), req.UserID, req.UserEmail)
	if err != nil {
		writeDomainError(w, err, "could not start session")
		return
	}
	writeJSON(w, http.StatusCreated, toTurnResponse(res))
}

// Respond handles POST /onboard/{sessionID}/respond
func (h *Handlers) Respond(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	req, ok := readJSON[respondRequest](w, r)
	if !ok {
		return
	}

	res, err := h.Onboarding.ProcessTurn(r.Context(), sessionID, req.UserInput)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, toTurnResponse(res))
}

// GetOnboarding handles GET /onboard/{sessionID}
func (h *Handlers) GetOnboarding(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	res, err := h.Onboarding.Status(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, toTurnResponse(res))
}

// --- Approvals ---

// ResolveApproval handles POST /approvals/{id}/resolve
func (h *Handlers) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := readJSON[resolveRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.ResolvedBy, "resolved_by") {
		return
	}

	resolved, err := h.Approvals.Resolve(r.Context(), id, req.Approve, req.ResolvedBy)
	if err != nil {
		writeDomainError(w, err, "approval not found")
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

// ListApprovals handles GET /approvals
func (h *Handlers) ListApprovals(w http.ResponseWriter, r *http.Request) {
	status := approval.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = approval.StatusPending
	}

	requests, err := h.Approvals.List(r.Context(), status)
	if err != nil {
		writeDomainError(w, err, "could not list approvals")
		return
	}
	if requests == nil {
		requests = []approval.Request{}
	}
	writeJSON(w, http.StatusOK, requests)
}

// --- Storage ---

// StorageReport handles GET /storage
func (h *Handlers) StorageReport(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if !requireField(w, tenantID, "tenant_id") {
		return
	}

	report, err := h.Storage.Report(r.Context(), tenantID)
	if err != nil {
		writeDomainError(w, err, "tenant not found")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Health ---

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
