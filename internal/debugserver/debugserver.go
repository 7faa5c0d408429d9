// Package debugserver exposes a small read-only HTTP surface over the
// engine's internal stats: cache hit/miss/eviction counts, supervisor
// health records, and the orchestrator's current take status. It is an
// ops convenience for inspecting a running engine process, separate
// from whatever user-facing gateway embeds the engine.
package debugserver

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"continuity-engine/internal/cache"
	"continuity-engine/internal/orchestrator"
	"continuity-engine/internal/recovery"
)

// Server serves read-only JSON snapshots of engine state.
type Server struct {
	cache        *cache.Cache
	supervisor   *recovery.Supervisor
	orchestrator *orchestrator.Orchestrator
	log          *log.Logger

	router chi.Router
}

// New constructs a debug server. Any of the three dependencies may be
// nil; the corresponding endpoint then reports 503.
func New(c *cache.Cache, s *recovery.Supervisor, o *orchestrator.Orchestrator, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	srv := &Server{cache: c, supervisor: s, orchestrator: o, log: logger}
	r := chi.NewRouter()
	r.Get("/debug/cache", srv.handleCache)
	r.Get("/debug/health", srv.handleHealth)
	r.Get("/debug/status", srv.handleStatus)
	srv.router = r
	return srv
}

// Handler returns the chi router as an http.Handler, for embedding
// into a caller's own server or ListenAndServe directly.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		http.Error(w, "cache not configured", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, s.cache.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.supervisor == nil {
		http.Error(w, "supervisor not configured", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, s.supervisor.HealthReport())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		http.Error(w, "orchestrator not configured", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, s.orchestrator.Status())
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("[debugserver] encode: %v", err)
	}
}
