// Package agentreg exposes the Agent Registry's HTTP surface (spec §4.3,
// §6): registration, metrics, preferences, and the operator-facing list
// endpoint.
package agentreg

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/voltask/voltask/internal/apiserver/httpx"
	"github.com/voltask/voltask/internal/apperr"
	"github.com/voltask/voltask/internal/cache"
	"github.com/voltask/voltask/internal/logging"
	"github.com/voltask/voltask/internal/model"
	"github.com/voltask/voltask/internal/storage"
)

type Handler struct {
	store storage.AgentStore
	log   *logging.Logger
}

func NewHandler(store storage.AgentStore, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.New(logging.Config{Component: "agentreg"})
	}
	return &Handler{store: store, log: log}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/agents/register", h.Register)
	mux.HandleFunc("POST /v1/agents/metrics", h.Metrics)
	mux.HandleFunc("POST /v1/agents/preferences", h.SetPreference)
	mux.HandleFunc("POST /v1/agents/limits", h.SetLimits)
	mux.HandleFunc("POST /v1/agents/block", h.Block)
	mux.HandleFunc("POST /v1/agents/unblock", h.Unblock)
	mux.HandleFunc("GET /v1/agents", h.List)
}

type registerRequest struct {
	AgentUID    string         `json:"agent_uid"`
	DisplayName string         `json:"display_name,omitempty"`
	DeviceID    string         `json:"device_id"`
	Hardware    model.Hardware `json:"hardware,omitempty"`
}

// Register upserts an agent by agent_uid.
// POST /v1/agents/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentUID == "" || req.DeviceID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "agent_uid and device_id are required")
		return
	}

	agent := &model.Agent{
		AgentUID:    req.AgentUID,
		DisplayName: req.DisplayName,
		DeviceID:    req.DeviceID,
		Hardware:    req.Hardware,
		LastSeen:    time.Now(),
	}
	if err := h.store.RegisterAgent(r.Context(), agent); err != nil {
		h.log.Error("register agent failed", "agent_uid", req.AgentUID, "err", err)
		httpx.WriteAppError(w, apperr.Wrap("register_agent", err))
		return
	}

	httpx.WriteJSON(w, http.StatusOK, agent)
}

type metricsRequest struct {
	AgentUID string        `json:"agent_uid"`
	Metrics  model.Metrics `json:"metrics"`
}

// Metrics records one heartbeat/telemetry sample and refreshes last_seen.
// POST /v1/agents/metrics
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	var req metricsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentUID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "agent_uid is required")
		return
	}

	agent, err := h.store.GetAgentByUID(r.Context(), req.AgentUID)
	if err != nil {
		httpx.WriteAppError(w, apperr.Wrap("load_agent", err))
		return
	}
	if agent == nil {
		httpx.WriteError(w, http.StatusNotFound, "agent not registered")
		return
	}

	if req.Metrics.SampledAt.IsZero() {
		req.Metrics.SampledAt = time.Now()
	}
	if err := h.store.RecordMetrics(r.Context(), agent.ID, req.Metrics); err != nil {
		httpx.WriteAppError(w, apperr.Wrap("record_metrics", err))
		return
	}
	if err := h.store.Touch(r.Context(), agent.ID, time.Now()); err != nil {
		h.log.Warn("touch after metrics failed", "agent_uid", req.AgentUID, "err", err)
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type preferenceRequest struct {
	AgentUID         string   `json:"agent_uid"`
	ProjectID        int64    `json:"project_id"`
	AllowedTaskTypes []string `json:"allowed_task_types"`
}

// SetPreference records a per-(agent,project) task-type filter.
// POST /v1/agents/preferences
func (h *Handler) SetPreference(w http.ResponseWriter, r *http.Request) {
	var req preferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentUID == "" || req.ProjectID == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "agent_uid and project_id are required")
		return
	}

	agent, err := h.store.GetAgentByUID(r.Context(), req.AgentUID)
	if err != nil {
		httpx.WriteAppError(w, apperr.Wrap("load_agent", err))
		return
	}
	if agent == nil {
		httpx.WriteError(w, http.StatusNotFound, "agent not registered")
		return
	}

	pref := &model.Preference{
		AgentID:          agent.ID,
		ProjectID:        req.ProjectID,
		AllowedTaskTypes: req.AllowedTaskTypes,
	}
	if err := h.store.SetPreference(r.Context(), pref); err != nil {
		httpx.WriteAppError(w, apperr.Wrap("set_preference", err))
		return
	}

	httpx.WriteJSON(w, http.StatusOK, pref)
}

type limitsRequest struct {
	AgentUID string               `json:"agent_uid"`
	Limits   model.ResourceLimits `json:"limits"`
}

// SetLimits imposes an operator-set per-resource cap on an agent (spec §4.3).
// POST /v1/agents/limits
func (h *Handler) SetLimits(w http.ResponseWriter, r *http.Request) {
	var req limitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentUID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "agent_uid is required")
		return
	}

	agent, err := h.store.GetAgentByUID(r.Context(), req.AgentUID)
	if err != nil {
		httpx.WriteAppError(w, apperr.Wrap("load_agent", err))
		return
	}
	if agent == nil {
		httpx.WriteError(w, http.StatusNotFound, "agent not registered")
		return
	}

	if err := h.store.SetLimits(r.Context(), agent.ID, req.Limits); err != nil {
		httpx.WriteAppError(w, apperr.Wrap("set_limits", err))
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"agent_uid": req.AgentUID, "limits": req.Limits})
}

type blockRequest struct {
	AgentUID string `json:"agent_uid"`
	Reason   string `json:"reason,omitempty"`
}

// Block marks an agent blocked, excluding it from assignment and forcing
// its derived status to "blocked" regardless of heartbeat freshness.
// POST /v1/agents/block
func (h *Handler) Block(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, true)
}

// Unblock clears a prior Block.
// POST /v1/agents/unblock
func (h *Handler) Unblock(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, false)
}

func (h *Handler) setBlocked(w http.ResponseWriter, r *http.Request, blocked bool) {
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentUID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "agent_uid is required")
		return
	}

	agent, err := h.store.GetAgentByUID(r.Context(), req.AgentUID)
	if err != nil {
		httpx.WriteAppError(w, apperr.Wrap("load_agent", err))
		return
	}
	if agent == nil {
		httpx.WriteError(w, http.StatusNotFound, "agent not registered")
		return
	}

	var opErr error
	if blocked {
		opErr = h.store.Block(r.Context(), agent.ID, req.Reason)
	} else {
		opErr = h.store.Unblock(r.Context(), agent.ID)
	}
	if opErr != nil {
		httpx.WriteAppError(w, apperr.Wrap("set_blocked", opErr))
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"agent_uid": req.AgentUID, "blocked": blocked})
}

// List returns every registered agent with its derived status, for the
// operator dashboard.
// GET /v1/agents
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.ListAgents(r.Context())
	if err != nil {
		httpx.WriteAppError(w, apperr.Wrap("list_agents", err))
		return
	}

	now := time.Now()
	type entry struct {
		*model.Agent
		Status model.AgentStatus `json:"status"`
	}
	out := make([]entry, 0, len(agents))
	for _, a := range agents {
		out = append(out, entry{Agent: a, Status: a.DeriveStatus(now, cache.TTLHeartbeat)})
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"agents": out, "count": len(out)})
}
