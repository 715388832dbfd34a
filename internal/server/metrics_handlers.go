package server

import (
	"net/http"
	"time"

	"github.com/dkilleen4417/ai-chat-mp/internal/llm"
)

// LLMMetricsResponse is the JSON response for the metrics endpoint.
type LLMMetricsResponse struct {
	Timestamp string                  `json:"timestamp"`
	Summary   llm.Summary             `json:"summary"`
	Providers map[string]llm.Snapshot `json:"providers"`
}

// handleLLMMetrics returns LLM call metrics as JSON.
// GET /api/metrics/llm
func (s *Server) handleLLMMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		writeError(w, ErrUnavailable, "no model catalogue")
		return
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, http.StatusOK, LLMMetricsResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Summary:   s.deps.Metrics.Summary(),
		Providers: s.deps.Metrics.Snapshots(),
	})
}

// handleLLMMetricsReset resets all LLM metrics.
// POST /api/metrics/llm/reset
func (s *Server) handleLLMMetricsReset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Reset()
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "All LLM metrics have been reset",
	})
}

// handleRouterStats returns routing decision statistics.
// GET /api/v1/router/stats
func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.Pipeline.Engine().Stats()
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, http.StatusOK, StatsResponse{Stats: stats, PrimarySuccessRate: stats.PrimarySuccessRate()})
}

// handleRouterStatsReset clears routing statistics.
// POST /api/v1/router/stats/reset
func (s *Server) handleRouterStatsReset(w http.ResponseWriter, r *http.Request) {
	s.deps.Pipeline.Engine().ResetStats()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Router statistics have been reset",
	})
}

// registerMetricsRoutes registers all metrics-related routes on the given mux.
func (s *Server) registerMetricsRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/metrics/llm", s.handleLLMMetrics)
	mux.HandleFunc("POST /api/metrics/llm/reset", s.handleLLMMetricsReset)
	mux.HandleFunc("GET /api/v1/router/stats", s.handleRouterStats)
	mux.HandleFunc("POST /api/v1/router/stats/reset", s.handleRouterStatsReset)
}
