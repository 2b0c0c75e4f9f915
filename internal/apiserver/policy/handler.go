package policy

import (
	"encoding/json"
	"net/http"

	"github.com/voltask/voltask/internal/apiserver/httpx"
	"github.com/voltask/voltask/internal/apperr"
	"github.com/voltask/voltask/internal/logging"
	"github.com/voltask/voltask/internal/model"
)

// Handler exposes the Policy Engine's admin-facing HTTP surface: runtime
// AI-mode changes (spec.md:59, spec.md:268).
type Handler struct {
	engine *Engine
	log    *logging.Logger
}

func NewHandler(engine *Engine, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.New(logging.Config{Component: "policy"})
	}
	return &Handler{engine: engine, log: log}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/policy/mode", h.SetMode)
}

type setModeRequest struct {
	AIMode string `json:"ai_mode"`
}

// SetMode evaluates a mode_change proposal against the current
// configuration and, if allowed, swaps the live AI mode. The proposal is
// always of deterministic origin: this endpoint is the operator-driven
// path, never something an AI-origin caller can reach.
// POST /v1/policy/mode
func (h *Handler) SetMode(w http.ResponseWriter, r *http.Request) {
	var req setModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mode := model.ParseAIMode(req.AIMode)
	if string(mode) != req.AIMode {
		httpx.WriteError(w, http.StatusBadRequest, "unknown ai_mode")
		return
	}

	decision, err := h.engine.Evaluate(r.Context(), Proposal{
		Kind:       KindModeChange,
		Origin:     OriginDeterministic,
		Parameters: map[string]interface{}{"ai_mode": string(mode)},
	})
	if err != nil {
		h.log.Error("mode_change evaluate failed", "err", err)
		httpx.WriteAppError(w, apperr.Wrap("policy_evaluate", err))
		return
	}
	if decision.Denied {
		httpx.WriteError(w, http.StatusForbidden, "mode change denied")
		return
	}

	cfg := h.engine.Config()
	cfg.AIMode = mode
	h.engine.SetConfig(cfg)

	httpx.WriteJSON(w, http.StatusOK, map[string]string{"ai_mode": string(mode)})
}
