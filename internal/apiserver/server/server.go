// Package server wires every scheduler-side HTTP handler package onto one
// http.ServeMux and adds the process-wide endpoints spec §6 lists that
// don't belong to any single component: health checks, the live summary
// feed, and the agent portal log sink.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/voltask/voltask/internal/apiserver/httpx"
	"github.com/voltask/voltask/internal/apiserver/summary"
	"github.com/voltask/voltask/internal/logging"
)

// RouteGroup is anything that registers its own handlers on a mux, the
// convention every apiserver subpackage's Handler follows.
type RouteGroup interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Server owns the process HTTP surface.
type Server struct {
	mux     *http.ServeMux
	http    *http.Server
	summary *summary.Broadcaster
	log     *logging.Logger
	ready   func() bool
}

// New builds the full router: readiness/health, live summary, portal logs,
// and every component RouteGroup passed in.
func New(addr string, ready func() bool, bcast *summary.Broadcaster, log *logging.Logger, groups ...RouteGroup) *Server {
	if log == nil {
		log = logging.New(logging.Config{Component: "server"})
	}
	mux := http.NewServeMux()
	s := &Server{mux: mux, summary: bcast, log: log, ready: ready}

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /readyz", s.readyz)
	mux.HandleFunc("POST /v1/portal/logs", s.portalLogs)
	if bcast != nil {
		mux.HandleFunc("GET /v1/summary", s.getSummary)
		mux.HandleFunc("GET /v1/stream", s.stream)
	}

	for _, g := range groups {
		g.RegisterRoutes(mux)
	}

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // the SSE stream handler manages its own lifetime
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && !s.ready() {
		httpx.WriteError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getSummary(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.summary.Current())
}

// stream serves the live summary as Server-Sent Events, one event per
// published Snapshot, with a lossy per-subscriber channel so one slow
// dashboard tab never backs up the broadcaster.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.summary.Subscribe()
	defer cancel()

	writeSnapshot := func(snap interface{}) bool {
		data, err := json.Marshal(snap)
		if err != nil {
			return false
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return false
		}
		if _, err := w.Write(data); err != nil {
			return false
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeSnapshot(s.summary.Current()) {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if !writeSnapshot(snap) {
				return
			}
		}
	}
}

type portalLogEntry struct {
	AgentUID string          `json:"agent_uid"`
	Level    string          `json:"level"`
	Message  string          `json:"message"`
	Fields   json.RawMessage `json:"fields,omitempty"`
}

// portalLogs accepts client-side diagnostic events from the agent's
// end-user portal UI, folding them into the scheduler's own structured
// log stream tagged with the reporting agent.
func (s *Server) portalLogs(w http.ResponseWriter, r *http.Request) {
	var entries []portalLogEntry
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, e := range entries {
		log := s.log.With("agent_uid", e.AgentUID, "portal_fields", string(e.Fields))
		switch e.Level {
		case "error":
			log.Error(e.Message)
		case "warn":
			log.Warn(e.Message)
		default:
			log.Info(e.Message)
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Run starts the HTTP server and blocks until ctx is cancelled, then drains
// with a bounded grace period (spec §5's shutdown semantics).
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
