// Package server exposes the query router over HTTP: ask and route
// endpoints, the capability catalogue, router and LLM metrics, stored traces
// and a live trace stream over websocket.
package server

import (
	"time"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
	"github.com/dkilleen4417/ai-chat-mp/internal/orchestrator"
	"github.com/dkilleen4417/ai-chat-mp/internal/router"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ═══════════════════════════════════════════════════════════════════════════════

// Config holds HTTP server configuration.
type Config struct {
	// Addr is the listen address (default: 127.0.0.1:8742)
	Addr string

	// RequestTimeout bounds one ask or route request (default: 60s)
	RequestTimeout time.Duration

	// ShutdownTimeout is the graceful shutdown timeout (default: 5s)
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults for the server.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8742",
		RequestTimeout:  60 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// API REQUEST/RESPONSE TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Services  map[string]string `json:"services"`
	Timestamp string            `json:"timestamp"`
}

// AskRequest is the body of POST /api/v1/ask and POST /api/v1/route.
type AskRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

// AskResponse is returned by POST /api/v1/ask.
type AskResponse struct {
	Answer         string                         `json:"answer"`
	ConversationID string                         `json:"conversation_id"`
	Route          router.RouteType               `json:"route"`
	DecidedBy      router.Source                  `json:"decided_by"`
	Confidence     float64                        `json:"confidence"`
	Degraded       bool                           `json:"degraded"`
	Sources        []Source                       `json:"sources,omitempty"`
	Reasons        []string                       `json:"reasons,omitempty"`
	Model          string                         `json:"model,omitempty"`
	TraceID        string                         `json:"trace_id"`
	DurationMs     int64                          `json:"duration_ms"`
	Synthesis      *orchestrator.SynthesisContext `json:"synthesis,omitempty"`
}

// Source names one capability whose output informed the answer.
type Source struct {
	Capability string          `json:"capability"`
	Kind       capability.Kind `json:"kind"`
	Score      float64         `json:"score,omitempty"`
}

// RouteResponse is returned by POST /api/v1/route.
type RouteResponse struct {
	Query     string          `json:"query"`
	Rewritten string          `json:"rewritten"`
	Decision  router.Decision `json:"decision"`
	TraceID   string          `json:"trace_id"`
}

// CapabilitiesResponse is returned by GET /api/v1/capabilities.
type CapabilitiesResponse struct {
	Capabilities []capability.Descriptor `json:"capabilities"`
	Count        int                     `json:"count"`
}

// StatsResponse is returned by GET /api/v1/router/stats.
type StatsResponse struct {
	router.Stats
	PrimarySuccessRate float64 `json:"primary_success_rate"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// API ERROR TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// APIError represents a structured API error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Common API errors.
var (
	ErrNotFound    = &APIError{Code: 404, Message: "not found"}
	ErrBadRequest  = &APIError{Code: 400, Message: "bad request"}
	ErrInternal    = &APIError{Code: 500, Message: "internal server error"}
	ErrUnavailable = &APIError{Code: 503, Message: "service unavailable"}
)
