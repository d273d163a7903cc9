// Package web exposes a read-only JSON status surface over the coordinator.
package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/taskherd/taskherd/internal/bus"
	"github.com/taskherd/taskherd/internal/coordinator"
	"github.com/taskherd/taskherd/internal/logging"
)

// Server provides the status handlers.
type Server struct {
	logger      zerolog.Logger
	coordinator *coordinator.Coordinator
	events      *bus.Bus
	maxChain    int
}

// NewServer creates a status server over the coordinator. maxChain is the
// dependency chain length that trips a graph validation warning.
func NewServer(c *coordinator.Coordinator, events *bus.Bus, maxChain int) *Server {
	return &Server{
		logger:      logging.Component("web"),
		coordinator: c,
		events:      events,
		maxChain:    maxChain,
	}
}

// Routes returns the status router.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/agents", s.handleAgents)
	mux.HandleFunc("GET /api/graph", s.handleGraph)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	return mux
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.coordinator.Agents())
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	graph := s.coordinator.Graph()
	if graph == nil {
		http.Error(w, "no dependency graph yet", http.StatusNotFound)
		return
	}
	s.writeJSON(w, map[string]any{
		"edges":  graph.Edges,
		"report": graph.Validate(s.maxChain),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	events := s.events.History(r.URL.Query().Get("type"), r.URL.Query().Get("source"), limit)
	s.writeJSON(w, events)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("write response failed")
	}
}
