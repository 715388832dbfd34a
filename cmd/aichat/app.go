package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
	"github.com/dkilleen4417/ai-chat-mp/internal/capability/geo"
	"github.com/dkilleen4417/ai-chat-mp/internal/capability/search"
	"github.com/dkilleen4417/ai-chat-mp/internal/capability/weather"
	"github.com/dkilleen4417/ai-chat-mp/internal/config"
	"github.com/dkilleen4417/ai-chat-mp/internal/conversation"
	"github.com/dkilleen4417/ai-chat-mp/internal/data"
	"github.com/dkilleen4417/ai-chat-mp/internal/generation"
	"github.com/dkilleen4417/ai-chat-mp/internal/llm"
	"github.com/dkilleen4417/ai-chat-mp/internal/logging"
	"github.com/dkilleen4417/ai-chat-mp/internal/optimizer"
	"github.com/dkilleen4417/ai-chat-mp/internal/orchestrator"
	"github.com/dkilleen4417/ai-chat-mp/internal/pipeline"
	"github.com/dkilleen4417/ai-chat-mp/internal/profile"
	"github.com/dkilleen4417/ai-chat-mp/internal/router"
	"github.com/dkilleen4417/ai-chat-mp/internal/trace"
)

const (
	capabilityHTTPTimeout = 15 * time.Second
	traceHistory          = 50
)

// app holds every long-lived component built from the configuration.
type app struct {
	cfg           *config.Config
	catalog       *llm.Catalog
	registry      *capability.Registry
	pipeline      *pipeline.Pipeline
	store         *data.Store // nil with the memory driver
	conversations conversation.Store
	profiles      profile.Store
	hub           *trace.Hub
	async         *trace.AsyncSink
}

// appOptions selects optional parts of the app.
type appOptions struct {
	// withHub streams traces to websocket clients.
	withHub bool
}

// newApp wires config into a ready pipeline. Close must be called.
func newApp(opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	if err := a.openStorage(); err != nil {
		return nil, err
	}

	a.catalog, err = llm.NewCatalog(cfg.LLM)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("model catalogue: %w", err)
	}

	a.registry, err = buildRegistry(cfg.Capabilities)
	if err != nil {
		a.Close()
		return nil, err
	}

	engine, err := buildEngine(cfg.Router, a.catalog, a.registry)
	if err != nil {
		a.Close()
		return nil, err
	}

	opt, err := optimizer.New(a.catalog, cfg.Router.EnhancementModelID, cfg.Router.OptimizeTimeout())
	if err != nil {
		a.Close()
		return nil, err
	}

	if opts.withHub {
		a.hub = trace.NewHub(traceHistory)
	}

	a.pipeline, err = pipeline.New(pipeline.Deps{
		Conversations: a.conversations,
		Profiles:      a.profiles,
		Optimizer:     opt,
		Engine:        engine,
		Dispatcher:    orchestrator.New(a.registry, orchestrator.ConfigFrom(cfg.Router)),
		Generator:     generation.New(a.catalog),
		Model: generation.ModelConfig{
			ModelID:      cfg.Router.GenerationModelID,
			HistoryTurns: cfg.Router.HistoryTurns,
		},
		Sink:          a.buildSink(),
		DefaultUserID: cfg.Server.DefaultUserID,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStorage() error {
	if a.cfg.Storage.Driver == "memory" {
		a.conversations = conversation.NewMemoryStore()
		a.profiles = profile.NewMemoryStore()
		return nil
	}
	store, err := data.Open(a.cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.store = store
	a.conversations = store
	a.profiles = store
	return nil
}

// buildRegistry registers every configured capability and seals the registry.
func buildRegistry(cfg config.CapabilitiesConfig) (*capability.Registry, error) {
	reg := capability.NewRegistry()
	client := &http.Client{Timeout: capabilityHTTPTimeout}

	tools, err := weather.Register(reg, cfg, client)
	if err != nil {
		return nil, fmt.Errorf("register weather: %w", err)
	}
	geoTools, err := geo.Register(reg, cfg, client)
	if err != nil {
		return nil, fmt.Errorf("register geo: %w", err)
	}
	tools = append(tools, geoTools...)
	providers, err := search.Register(reg, cfg, client)
	if err != nil {
		return nil, fmt.Errorf("register search: %w", err)
	}
	reg.Seal()

	log.Info().
		Strs("tools", tools).
		Strs("search", providers).
		Msg("capabilities registered")
	return reg, nil
}

// buildEngine creates the routing engine. Without a decision model the
// fallback classifier decides every query.
func buildEngine(rc config.RouterConfig, catalog *llm.Catalog, reg *capability.Registry) (*router.Engine, error) {
	opts := []router.EngineOption{router.WithConfidenceThreshold(rc.ConfidenceThreshold)}
	if rc.DecisionModelID != "" {
		primary, err := router.NewPrimary(catalog, rc.DecisionModelID, reg, rc.PrimaryClassifyTimeout())
		if err != nil {
			return nil, fmt.Errorf("decision model: %w", err)
		}
		opts = append(opts, router.WithPrimary(primary))
	}
	return router.NewEngine(reg, opts...)
}

// buildSink fans traces out to the log, the database and the hub as
// configured. Database writes go through a bounded async queue.
func (a *app) buildSink() trace.Sink {
	tc := a.cfg.Telemetry
	if !tc.Enabled {
		return trace.Discard
	}

	var sinks trace.Multi
	if tc.LogEvents {
		sinks = append(sinks, trace.NewLogSink(logging.Component("trace")))
	}
	if tc.Persist && a.store != nil {
		a.async = trace.NewAsyncSink(trace.NewStoreSink(a.store, 0, logging.Component("trace")), tc.BufferSize)
		sinks = append(sinks, a.async)
	}
	if a.hub != nil {
		sinks = append(sinks, a.hub)
	}
	if len(sinks) == 0 {
		return trace.Discard
	}
	return sinks
}

// Close flushes queued traces before closing the database.
func (a *app) Close() {
	if a.async != nil {
		a.async.Close()
		if n := a.async.Dropped(); n > 0 {
			log.Warn().Int64("dropped", n).Msg("traces dropped under load")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("close database")
		}
	}
}
