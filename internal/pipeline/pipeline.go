// Package pipeline runs one query through every stage in a fixed order:
// conversation and profile lookup, enhancement, optimization, routing,
// dispatch, generation and persistence. Each stage degrades rather than
// fails; only generation errors reach the caller.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dkilleen4417/ai-chat-mp/internal/conversation"
	"github.com/dkilleen4417/ai-chat-mp/internal/enhancer"
	"github.com/dkilleen4417/ai-chat-mp/internal/generation"
	"github.com/dkilleen4417/ai-chat-mp/internal/logging"
	"github.com/dkilleen4417/ai-chat-mp/internal/optimizer"
	"github.com/dkilleen4417/ai-chat-mp/internal/orchestrator"
	"github.com/dkilleen4417/ai-chat-mp/internal/profile"
	"github.com/dkilleen4417/ai-chat-mp/internal/router"
	"github.com/dkilleen4417/ai-chat-mp/internal/trace"
)

// ErrEmptyQuery is returned for a request with no text.
var ErrEmptyQuery = errors.New("query text cannot be empty")

const persistTimeout = 5 * time.Second

// Request is one user query.
type Request struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

// Query is the immutable view of a request once its conversation is known.
type Query struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id"`
	TurnIndex      int    `json:"turn_index"`
}

// Result is everything one query produced.
type Result struct {
	Query     Query                          `json:"query"`
	Answer    string                         `json:"answer"`
	Optimized optimizer.OptimizedQuery       `json:"optimized"`
	Decision  router.Decision                `json:"decision"`
	Synthesis *orchestrator.SynthesisContext `json:"synthesis"`
	Response  *generation.Response           `json:"response,omitempty"`
	Degraded  bool                           `json:"degraded"`
	TraceID   string                         `json:"trace_id"`
	Duration  time.Duration                  `json:"duration"`
}

// Deps are the collaborators of a Pipeline. Optimizer and Sink may be nil.
type Deps struct {
	Conversations conversation.Store
	Profiles      profile.Store
	Optimizer     *optimizer.Optimizer
	Engine        *router.Engine
	Dispatcher    *orchestrator.Dispatcher
	Generator     *generation.Generator
	Model         generation.ModelConfig
	Sink          trace.Sink
	DefaultUserID string
}

// Pipeline is safe for concurrent use; queries share nothing but the
// stores and the router statistics.
type Pipeline struct {
	deps   Deps
	logger zerolog.Logger
}

// New checks deps and returns a pipeline.
func New(deps Deps) (*Pipeline, error) {
	switch {
	case deps.Conversations == nil:
		return nil, fmt.Errorf("pipeline: conversation store is required")
	case deps.Profiles == nil:
		return nil, fmt.Errorf("pipeline: profile store is required")
	case deps.Engine == nil:
		return nil, fmt.Errorf("pipeline: routing engine is required")
	case deps.Dispatcher == nil:
		return nil, fmt.Errorf("pipeline: dispatcher is required")
	case deps.Generator == nil:
		return nil, fmt.Errorf("pipeline: generator is required")
	}
	if deps.Sink == nil {
		deps.Sink = trace.Discard
	}
	return &Pipeline{deps: deps, logger: logging.Component("pipeline")}, nil
}

// Engine returns the routing engine, for stats and decision-only queries.
func (p *Pipeline) Engine() *router.Engine {
	return p.deps.Engine
}

// Process answers req. The returned error is ErrEmptyQuery or a
// *generation.GenerationError; everything else degrades the result.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyQuery
	}
	convID := req.ConversationID
	if convID == "" {
		convID = uuid.New().String()
	}
	userID := req.UserID
	if userID == "" {
		userID = p.deps.DefaultUserID
	}

	start := time.Now()
	tr := trace.New(text)
	defer p.finish(tr)

	conv := p.loadConversation(ctx, convID, tr)
	q := Query{Text: text, ConversationID: convID, TurnIndex: conv.Len()}

	prof := p.loadProfile(ctx, userID, tr)
	eq := enhancer.Enhance(text, prof)
	tr.Record(trace.Event{
		Stage:  trace.StageEnhance,
		Name:   "enhance",
		Input:  text,
		Output: eq.Text,
		Attrs:  map[string]any{"injected": eq.Injected, "degraded": eq.Degraded},
	})

	oq := p.deps.Optimizer.Optimize(ctx, eq, conv)
	tr.Record(trace.Event{
		Stage:    trace.StageOptimize,
		Name:     "optimize",
		Duration: oq.Meta.Duration,
		Input:    eq.Text,
		Output:   oq.Text,
		Attrs:    map[string]any{"skipped": oq.Meta.Skipped, "reason": oq.Meta.Reason, "model": oq.Meta.Model},
	})

	dec := p.deps.Engine.Decide(ctx, router.Input{Query: oq, Conversation: conv}, tr)
	synth := p.deps.Dispatcher.Execute(ctx, dec, oq, conv, tr)

	res := &Result{
		Query:     q,
		Optimized: oq,
		Decision:  dec,
		Synthesis: synth,
		Degraded:  eq.Degraded || synth.Degraded,
		TraceID:   tr.ID(),
	}
	tr.SetOutcome(string(dec.Route), string(dec.DecidedBy), res.Degraded)

	genStart := time.Now()
	resp, err := p.deps.Generator.Generate(ctx, conv, synth, p.deps.Model)
	if err != nil {
		tr.Record(trace.Event{Stage: trace.StageGenerate, Name: p.deps.Model.ModelID, Duration: time.Since(genStart), Err: detail(err)})
		return nil, err
	}
	tr.Record(trace.Event{
		Stage:    trace.StageGenerate,
		Name:     resp.ModelID,
		Duration: resp.Duration,
		Output:   resp.Content,
		Attrs:    map[string]any{"provider": resp.Provider, "input_tokens": resp.Usage.InputTokens, "output_tokens": resp.Usage.OutputTokens},
	})
	res.Response = resp
	res.Answer = resp.Content

	p.persist(ctx, convID, text, resp.Content, tr)

	res.Duration = time.Since(start)
	p.logger.Debug().
		Str("conversation_id", convID).
		Str("route", string(dec.Route)).
		Str("decided_by", string(dec.DecidedBy)).
		Bool("degraded", res.Degraded).
		Dur("duration", res.Duration).
		Msg("query processed")
	return res, nil
}

// Routed is the outcome of a decision-only run.
type Routed struct {
	Optimized optimizer.OptimizedQuery `json:"optimized"`
	Decision  router.Decision          `json:"decision"`
	TraceID   string                   `json:"trace_id"`
}

// Route runs the stages up to the routing decision and stops: no
// capability is invoked and nothing is persisted. The trace still goes to
// the sink.
func (p *Pipeline) Route(ctx context.Context, req Request) (*Routed, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyQuery
	}
	userID := req.UserID
	if userID == "" {
		userID = p.deps.DefaultUserID
	}

	tr := trace.New(text)
	defer p.finish(tr)

	var conv *conversation.Context
	if req.ConversationID != "" {
		conv = p.loadConversation(ctx, req.ConversationID, tr)
	}
	eq := enhancer.Enhance(text, p.loadProfile(ctx, userID, tr))
	oq := p.deps.Optimizer.Optimize(ctx, eq, conv)
	dec := p.deps.Engine.Decide(ctx, router.Input{Query: oq, Conversation: conv}, tr)
	tr.SetOutcome(string(dec.Route), string(dec.DecidedBy), eq.Degraded)

	return &Routed{Optimized: oq, Decision: dec, TraceID: tr.ID()}, nil
}

// loadConversation returns the stored conversation, or an empty one when it
// does not exist yet or cannot be read.
func (p *Pipeline) loadConversation(ctx context.Context, id string, tr *trace.Trace) *conversation.Context {
	conv, err := p.deps.Conversations.Load(ctx, id)
	switch {
	case err == nil:
		return conv
	case errors.Is(err, conversation.ErrNotFound):
		return conversation.New(id)
	default:
		p.logger.Warn().Err(err).Str("conversation_id", id).Msg("conversation unavailable, starting empty")
		tr.Fail(trace.StagePersist, "load_conversation", err)
		return conversation.New(id)
	}
}

// loadProfile returns nil when the user has no profile or it cannot be read.
func (p *Pipeline) loadProfile(ctx context.Context, userID string, tr *trace.Trace) *profile.Profile {
	if userID == "" {
		tr.Record(trace.Event{Stage: trace.StageProfile, Name: "get", Err: "no user id"})
		return nil
	}
	prof, err := p.deps.Profiles.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, profile.ErrNotFound) {
			p.logger.Warn().Err(err).Str("user_id", userID).Msg("profile unavailable")
		}
		tr.Fail(trace.StageProfile, "get", err)
		return nil
	}
	tr.Record(trace.Event{Stage: trace.StageProfile, Name: "get", Output: userID})
	return prof
}

// persist appends the exchange in one store call. The write uses a detached
// context so a cancelled request does not lose an answer already produced.
func (p *Pipeline) persist(ctx context.Context, convID, question, answer string, tr *trace.Trace) {
	writeCtx, cancel := logging.DetachContextWithTimeout(ctx, persistTimeout)
	defer cancel()

	now := time.Now()
	_, err := p.deps.Conversations.Append(writeCtx, convID,
		conversation.Turn{Role: conversation.RoleUser, Content: question, At: now},
		conversation.Turn{Role: conversation.RoleAssistant, Content: answer, At: now},
	)
	if err != nil {
		p.logger.Warn().Err(err).Str("conversation_id", convID).Msg("failed to append turns")
		tr.Fail(trace.StagePersist, "append", err)
		return
	}
	tr.Record(trace.Event{Stage: trace.StagePersist, Name: "append", Output: convID})
}

func (p *Pipeline) finish(tr *trace.Trace) {
	tr.Finish()
	p.deps.Sink.Record(tr.Snapshot())
}

func detail(err error) string {
	var gerr *generation.GenerationError
	if errors.As(err, &gerr) {
		return gerr.Detail()
	}
	return err.Error()
}
