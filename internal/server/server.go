package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
	"github.com/dkilleen4417/ai-chat-mp/internal/data"
	"github.com/dkilleen4417/ai-chat-mp/internal/generation"
	"github.com/dkilleen4417/ai-chat-mp/internal/llm"
	"github.com/dkilleen4417/ai-chat-mp/internal/logging"
	"github.com/dkilleen4417/ai-chat-mp/internal/pipeline"
	"github.com/dkilleen4417/ai-chat-mp/internal/trace"
)

const maxBodyBytes = 64 * 1024

// TraceReader reads stored traces.
type TraceReader interface {
	GetTrace(ctx context.Context, id string) (*trace.Snapshot, error)
	RecentTraces(ctx context.Context, limit int) ([]*trace.Snapshot, error)
}

// Deps are the server's collaborators. Metrics, Traces and Hub are
// optional; their endpoints answer 503 without them.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Registry *capability.Registry
	Metrics  *llm.MetricsRegistry
	Traces   TraceReader
	Hub      *trace.Hub
	Version  string
}

// Server is the HTTP API.
type Server struct {
	cfg        Config
	deps       Deps
	httpServer *http.Server
	startTime  time.Time
	logger     zerolog.Logger
}

// New creates a server and registers its routes.
func New(cfg Config, deps Deps) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		startTime: time.Now(),
		logger:    logging.Component("server"),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/ask", s.handleAsk)
	mux.HandleFunc("POST /api/v1/route", s.handleRoute)
	mux.HandleFunc("GET /api/v1/capabilities", s.handleCapabilities)
	mux.HandleFunc("GET /api/v1/traces", s.handleTraces)
	mux.HandleFunc("GET /api/v1/traces/{id}", s.handleTrace)
	s.registerMetricsRoutes(mux)
	if s.deps.Hub != nil {
		mux.Handle("GET /ws/traces", s.deps.Hub)
	}
	return s.logRequests(mux)
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server and the trace hub.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

// ═══════════════════════════════════════════════════════════════════════════════
// HANDLERS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{"capabilities": strconv.Itoa(s.deps.Registry.Len())}
	if s.deps.Hub != nil {
		services["trace_clients"] = strconv.Itoa(s.deps.Hub.ClientCount())
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   s.deps.Version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Services:  services,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAsk(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	res, err := s.deps.Pipeline.Process(ctx, req)
	if err != nil {
		var gerr *generation.GenerationError
		if errors.As(err, &gerr) {
			s.logger.Warn().Msg(gerr.Detail())
			writeError(w, ErrUnavailable, gerr.Error())
			return
		}
		writeError(w, ErrBadRequest, err.Error())
		return
	}

	resp := AskResponse{
		Answer:         res.Answer,
		ConversationID: res.Query.ConversationID,
		Route:          res.Decision.Route,
		DecidedBy:      res.Decision.DecidedBy,
		Confidence:     res.Decision.Confidence,
		Degraded:       res.Degraded,
		Reasons:        res.Synthesis.Reasons,
		TraceID:        res.TraceID,
		DurationMs:     res.Duration.Milliseconds(),
	}
	if res.Response != nil {
		resp.Model = res.Response.ModelID
	}
	for _, t := range res.Synthesis.Tools {
		resp.Sources = append(resp.Sources, Source{Capability: t.CapabilityID, Kind: t.Kind})
	}
	for _, sr := range res.Synthesis.Search {
		resp.Sources = append(resp.Sources, Source{Capability: sr.CapabilityID, Kind: sr.Kind, Score: sr.Score})
	}
	if r.URL.Query().Get("debug") == "true" {
		resp.Synthesis = res.Synthesis
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAsk(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	routed, err := s.deps.Pipeline.Route(ctx, req)
	if err != nil {
		writeError(w, ErrBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RouteResponse{
		Query:     req.Text,
		Rewritten: routed.Optimized.Text,
		Decision:  routed.Decision,
		TraceID:   routed.TraceID,
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	caps := s.deps.Registry.List()
	if kind := r.URL.Query().Get("kind"); kind != "" {
		caps = s.deps.Registry.ListKind(capability.Kind(kind))
	}
	if caps == nil {
		caps = []capability.Descriptor{}
	}
	writeJSON(w, http.StatusOK, CapabilitiesResponse{Capabilities: caps, Count: len(caps)})
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	if s.deps.Traces == nil {
		writeError(w, ErrUnavailable, "trace persistence is disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	snaps, err := s.deps.Traces.RecentTraces(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list traces")
		writeError(w, ErrInternal, "")
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	if s.deps.Traces == nil {
		writeError(w, ErrUnavailable, "trace persistence is disabled")
		return
	}
	snap, err := s.deps.Traces.GetTrace(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, data.ErrTraceNotFound):
		writeError(w, ErrNotFound, r.PathValue("id"))
	case err != nil:
		s.logger.Error().Err(err).Msg("get trace")
		writeError(w, ErrInternal, "")
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Server) decodeAsk(w http.ResponseWriter, r *http.Request) (pipeline.Request, bool) {
	var body AskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, ErrBadRequest, "invalid JSON body: "+err.Error())
		return pipeline.Request{}, false
	}
	if body.Query == "" {
		writeError(w, ErrBadRequest, "query is required")
		return pipeline.Request{}, false
	}
	return pipeline.Request{Text: body.Query, ConversationID: body.ConversationID, UserID: body.UserID}, true
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l := logging.Component("server")
		l.Debug().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, base *APIError, details string) {
	writeJSON(w, base.Code, APIError{Code: base.Code, Message: base.Message, Details: details})
}
