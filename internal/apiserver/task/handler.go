// Package task exposes the Task Store's agent-facing HTTP surface:
// request_batch and submit (spec §6).
package task

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/voltask/voltask/internal/apiserver/assignment"
	"github.com/voltask/voltask/internal/apiserver/httpx"
	"github.com/voltask/voltask/internal/apiserver/verifier"
	"github.com/voltask/voltask/internal/apperr"
	"github.com/voltask/voltask/internal/logging"
	"github.com/voltask/voltask/internal/model"
	"github.com/voltask/voltask/internal/storage"
)

// Handler serves the agent-facing task endpoints.
type Handler struct {
	store    storage.TaskStore
	agents   storage.AgentStore
	engine   *assignment.Engine
	verifier *verifier.Verifier
	notify   func()
	log      *logging.Logger
}

// NewHandler wires the Task Store's HTTP surface. notify, if non-nil, is
// called after a state-changing submit or verifier resolution so a live
// summary broadcaster (and, transitively, other replicas) refresh sooner
// than their own coalescing tick.
func NewHandler(store storage.TaskStore, agents storage.AgentStore, engine *assignment.Engine, v *verifier.Verifier, notify func(), log *logging.Logger) *Handler {
	if log == nil {
		log = logging.New(logging.Config{Component: "task"})
	}
	return &Handler{store: store, agents: agents, engine: engine, verifier: v, notify: notify, log: log}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/tasks/request_batch", h.RequestBatch)
	mux.HandleFunc("POST /v1/tasks/submit", h.Submit)
}

type requestBatchRequest struct {
	AgentUID string `json:"agent_uid"`
	Max      int    `json:"max"`
}

type requestBatchResponse struct {
	Tasks []model.TaskEnvelope `json:"tasks"`
}

// RequestBatch runs the Assignment Engine for the requesting agent.
// POST /v1/tasks/request_batch
func (h *Handler) RequestBatch(w http.ResponseWriter, r *http.Request) {
	var req requestBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentUID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "agent_uid is required")
		return
	}

	log := h.log.WithContext(r.Context()).With("agent_uid", req.AgentUID)

	envelopes, err := h.engine.RequestBatch(r.Context(), req.AgentUID, req.Max)
	if err != nil {
		log.Error("request_batch failed", "err", err)
		httpx.WriteAppError(w, err)
		return
	}
	if envelopes == nil {
		envelopes = []model.TaskEnvelope{}
	}
	log.Debug("request_batch served", "count", len(envelopes))

	httpx.WriteJSON(w, http.StatusOK, requestBatchResponse{Tasks: envelopes})
}

type submitRequest = model.TaskResultEnvelope

// Submit records an agent's task result and, when a Verifier is wired in,
// immediately triggers server-side classification.
// POST /v1/tasks/submit
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskID == 0 || req.AgentUID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "task_id and agent_uid are required")
		return
	}

	log := h.log.WithContext(r.Context()).With("task_id", req.TaskID, "agent_uid", req.AgentUID)

	agent, err := h.agents.GetAgentByUID(r.Context(), req.AgentUID)
	if err != nil {
		httpx.WriteAppError(w, apperr.Wrap("load_agent", err))
		return
	}
	if agent == nil {
		httpx.WriteError(w, http.StatusNotFound, "agent not registered")
		return
	}

	task, result, changed, err := h.store.Submit(r.Context(), req.TaskID, agent.ID, req.Status, req.Result)
	if err != nil {
		log.Error("submit failed", "err", err)
		httpx.WriteAppError(w, err)
		return
	}

	if changed && h.notify != nil {
		h.notify()
	}
	if h.verifier != nil && changed {
		go h.classifyAsync(req.TaskID, agent.DeviceID, req.Result)
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"task":        task,
		"result_id":   result.ID,
		"accepted_at": result.CreatedAt,
	})
}

// classifyAsync runs the Verifier off the request path: re-execution can
// take seconds and the agent doesn't need to wait for it.
func (h *Handler) classifyAsync(taskID int64, deviceID string, submitted model.SandboxResult) {
	ctx := logging.ContextWith(context.Background(), logging.TaskIDKey, taskID)
	class, err := h.verifier.Classify(ctx, taskID, submitted)
	if err != nil {
		h.log.Error("verifier classify failed", "task_id", taskID, "err", err)
		return
	}
	if err := h.verifier.Resolve(ctx, taskID, deviceID, class); err != nil {
		h.log.Error("verifier resolve failed", "task_id", taskID, "err", err)
	}
	if h.notify != nil {
		h.notify()
	}
}
