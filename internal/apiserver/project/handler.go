// Package project exposes the Project Registry's HTTP surface (spec §4.1,
// §6): CRUD, lifecycle transitions, script sync, and workflow start.
package project

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/voltask/voltask/internal/apiserver/httpx"
	"github.com/voltask/voltask/internal/apperr"
	"github.com/voltask/voltask/internal/logging"
	"github.com/voltask/voltask/internal/model"
	"github.com/voltask/voltask/internal/objstore"
	"github.com/voltask/voltask/internal/storage"
)

type Handler struct {
	store   storage.Store
	objects *objstore.Client
	log     *logging.Logger
}

func NewHandler(store storage.Store, objects *objstore.Client, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.New(logging.Config{Component: "project"})
	}
	return &Handler{store: store, objects: objects, log: log}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/projects", h.List)
	mux.HandleFunc("POST /v1/projects", h.Create)
	mux.HandleFunc("DELETE /v1/projects/{id}", h.Delete)
	// Lifecycle start and workflow start share one path shape, which
	// ServeMux cannot register twice: a numeric segment is a project id,
	// anything else (project guids are UUIDs) is a workflow guid.
	mux.HandleFunc("POST /v1/projects/{id}/start", func(w http.ResponseWriter, r *http.Request) {
		if _, err := pathID(r, "id"); err != nil {
			r.SetPathValue("guid", r.PathValue("id"))
			h.StartWorkflow(w, r)
			return
		}
		h.Start(w, r)
	})
	mux.HandleFunc("POST /v1/projects/{id}/stop", h.Stop)
	mux.HandleFunc("POST /v1/projects/{id}/pause", h.Pause)
	mux.HandleFunc("POST /v1/projects/{guid}/scripts/sync", h.SyncScripts)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context())
	if err != nil {
		httpx.WriteAppError(w, apperr.Wrap("list_projects", err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"projects": projects, "count": len(projects)})
}

type createRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Owner       string `json:"owner,omitempty"`
	IsDemo      bool   `json:"is_demo,omitempty"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		httpx.WriteError(w, http.StatusBadRequest, "name is required")
		return
	}

	p := &model.Project{
		GUID:        uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Owner:       req.Owner,
		IsDemo:      req.IsDemo,
		Status:      model.ProjectActive,
	}
	if req.IsDemo {
		p.Status = model.ProjectDemo
	}
	if err := h.store.CreateProject(r.Context(), p); err != nil {
		httpx.WriteAppError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, p)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}

	project, err := h.store.GetProject(r.Context(), id)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}

	if err := h.store.DeleteProject(r.Context(), id); err != nil {
		httpx.WriteAppError(w, err)
		return
	}

	// Best-effort: the row is already gone, so a storage-side failure here
	// leaves orphaned script objects rather than blocking the delete.
	if h.objects != nil && project != nil {
		if err := h.objects.RemovePrefix(r.Context(), objstore.ScriptKey(project.StoragePrefix, "")); err != nil {
			h.log.Warn("delete project storage prefix failed", "project_id", id, "err", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, model.ProjectActive)
}

func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, model.ProjectStopped)
}

func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, model.ProjectPaused)
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request, status model.ProjectStatus) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.store.SetProjectStatus(r.Context(), id, status); err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

type syncScriptsRequest struct {
	TaskTypes []syncTaskType `json:"task_types"`
}

type syncTaskType struct {
	Name           string `json:"name"`
	ScriptBody     []byte `json:"script_body"`
	ObjectKey      string `json:"script_object_key"`
	Version        string `json:"version,omitempty"`
	LowRisk        bool   `json:"low_risk,omitempty"`
	AggregatorKind string `json:"aggregator_kind,omitempty"`
}

// SyncScripts uploads each named script body to object storage and
// upserts the corresponding Task Type row with its computed SHA-256.
// POST /v1/projects/{guid}/scripts/sync
func (h *Handler) SyncScripts(w http.ResponseWriter, r *http.Request) {
	guid := r.PathValue("guid")
	project, err := h.store.GetProjectByGUID(r.Context(), guid)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}

	var req syncScriptsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.TaskTypes) == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "task_types is required")
		return
	}

	synced := make([]*model.TaskType, 0, len(req.TaskTypes))
	for _, in := range req.TaskTypes {
		if in.Name == "" || in.ObjectKey == "" || len(in.ScriptBody) == 0 {
			httpx.WriteError(w, http.StatusBadRequest, "each task type needs name, script_object_key and script_body")
			return
		}
		key := objstore.ScriptKey(project.StoragePrefix, in.ObjectKey)
		sha256hex, err := h.objects.Upload(r.Context(), key, in.ScriptBody, "text/x-shellscript")
		if err != nil {
			httpx.WriteAppError(w, apperr.Wrap("upload_script", err))
			return
		}

		tt := &model.TaskType{
			ProjectID:      project.ID,
			Name:           in.Name,
			ScriptKey:      in.ObjectKey,
			ScriptSHA256:   sha256hex,
			Version:        in.Version,
			LowRisk:        in.LowRisk,
			AggregatorKind: in.AggregatorKind,
		}
		if err := h.store.UpsertTaskType(r.Context(), tt); err != nil {
			httpx.WriteAppError(w, apperr.Wrap("upsert_task_type", err))
			return
		}
		synced = append(synced, tt)
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"task_types": synced})
}

type startWorkflowRequest struct {
	Start     int64           `json:"start"`
	End       int64           `json:"end"`
	ChunkSize int64           `json:"chunk_size"`
	TaskTypes []string        `json:"task_types"`
	Priority  int             `json:"priority,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StartWorkflow fans a numeric range out into chunked tasks, one per
// chunk per requested task type.
// POST /v1/projects/{guid}/start
func (h *Handler) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	guid := r.PathValue("guid")
	project, err := h.store.GetProjectByGUID(r.Context(), guid)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}

	var req startWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChunkSize <= 0 {
		req.ChunkSize = 1000
	}
	if len(req.TaskTypes) == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "task_types is required")
		return
	}
	if req.End < req.Start {
		httpx.WriteError(w, http.StatusBadRequest, "end must be >= start")
		return
	}

	groupID := uuid.NewString()
	created := 0
	for _, tt := range req.TaskTypes {
		for lo := req.Start; lo <= req.End; lo += req.ChunkSize {
			hi := lo + req.ChunkSize - 1
			if hi > req.End {
				hi = req.End
			}
			payload, _ := json.Marshal(map[string]interface{}{"start": lo, "end": hi})

			t := &model.Task{
				ProjectID: project.ID,
				TaskType:  tt,
				Status:    model.TaskQueued,
				Payload:   payload,
				GroupID:   &groupID,
				Priority:  req.Priority,
			}
			if err := h.store.Enqueue(r.Context(), t); err != nil {
				httpx.WriteAppError(w, apperr.Wrap("enqueue", err))
				return
			}
			created++
		}
	}

	httpx.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"group_id":      groupID,
		"tasks_created": created,
	})
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(r.PathValue(name), 10, 64)
}
