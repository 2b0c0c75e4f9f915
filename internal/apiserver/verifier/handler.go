package verifier

import (
	"encoding/json"
	"net/http"

	"github.com/voltask/voltask/internal/apiserver/httpx"
	"github.com/voltask/voltask/internal/apperr"
	"github.com/voltask/voltask/internal/logging"
	"github.com/voltask/voltask/internal/model"
)

// Handler exposes the validator-facing endpoints spec §6 defines for the
// standalone validator process: on-demand classification and recheck
// triggering, both backed by the same Verifier a scheduler replica embeds.
type Handler struct {
	v   *Verifier
	log *logging.Logger
}

func NewHandler(v *Verifier, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.New(logging.Config{Component: "validator"})
	}
	return &Handler{v: v, log: log}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/validate", h.Validate)
	mux.HandleFunc("POST /v1/recheck", h.Recheck)
}

type validateRequest struct {
	TaskID   int64               `json:"task_id"`
	DeviceID string              `json:"device_id"`
	Result   model.SandboxResult `json:"result"`
}

// Validate re-executes and classifies the submitted result for a task,
// then applies the reputation and status consequences.
// POST /v1/validate
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskID == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	class, err := h.v.Classify(r.Context(), req.TaskID, req.Result)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	if err := h.v.Resolve(r.Context(), req.TaskID, req.DeviceID, class); err != nil {
		httpx.WriteAppError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":        req.TaskID,
		"classification": class,
	})
}

type recheckRequest struct {
	TaskID int64 `json:"task_id"`
}

// Recheck forces a fresh re-execution and requeue cycle for a task outside
// the normal submit-triggered path, e.g. an operator-initiated audit.
// POST /v1/recheck
func (h *Handler) Recheck(w http.ResponseWriter, r *http.Request) {
	var req recheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskID == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	task, err := h.v.store.GetTask(r.Context(), req.TaskID)
	if err != nil {
		httpx.WriteAppError(w, apperr.Wrap("load_task", err))
		return
	}
	if task == nil {
		httpx.WriteError(w, http.StatusNotFound, "task not found")
		return
	}

	if err := h.v.requeueOrFail(r.Context(), req.TaskID, ClassNeedsRecheck); err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "recheck_scheduled"})
}
