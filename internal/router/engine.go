package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
	"github.com/dkilleen4417/ai-chat-mp/internal/trace"
)

// DefaultConfidenceThreshold is the minimum primary confidence. Below it
// the primary decision is discarded and the fallback decides.
const DefaultConfidenceThreshold = 0.5

// Stats tracks routing behaviour since start or the last reset.
type Stats struct {
	TotalDecisions    int64               `json:"total_decisions"`
	PrimarySuccesses  int64               `json:"primary_successes"`
	FallbackUses      int64               `json:"fallback_uses"`
	FallbackByReason  map[Outcome]int64   `json:"fallback_by_reason"`
	RouteDistribution map[RouteType]int64 `json:"route_distribution"`
	AverageConfidence float64             `json:"average_confidence"`
	LastFallbackAt    time.Time           `json:"last_fallback_at,omitempty"`
}

// PrimarySuccessRate returns the share of decisions made by the primary.
func (s Stats) PrimarySuccessRate() float64 {
	if s.TotalDecisions == 0 {
		return 0
	}
	return float64(s.PrimarySuccesses) / float64(s.TotalDecisions)
}

func newStats() Stats {
	return Stats{
		FallbackByReason:  make(map[Outcome]int64),
		RouteDistribution: make(map[RouteType]int64),
	}
}

// Engine runs the primary classifier and falls back to the deterministic
// one whenever the primary times out, fails, returns something invalid,
// or is not confident enough.
type Engine struct {
	registry  *capability.Registry
	primary   *Primary
	fallback  *Fallback
	threshold float64

	mu    sync.RWMutex
	stats Stats
}

// EngineOption is a functional option for configuring Engine.
type EngineOption func(*Engine)

// WithPrimary sets the primary classifier. Without one every decision
// comes from the fallback.
func WithPrimary(p *Primary) EngineOption {
	return func(e *Engine) {
		e.primary = p
	}
}

// WithConfidenceThreshold sets the minimum primary confidence.
func WithConfidenceThreshold(threshold float64) EngineOption {
	return func(e *Engine) {
		e.threshold = threshold
	}
}

// NewEngine creates an engine over a sealed registry.
func NewEngine(reg *capability.Registry, opts ...EngineOption) (*Engine, error) {
	fb, err := NewFallback(reg)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		registry:  reg,
		fallback:  fb,
		threshold: DefaultConfidenceThreshold,
		stats:     newStats(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.threshold < 0 || e.threshold > 1 {
		return nil, fmt.Errorf("confidence threshold %v outside [0,1]", e.threshold)
	}
	return e, nil
}

// Fallback returns the deterministic classifier.
func (e *Engine) Fallback() *Fallback {
	return e.fallback
}

// Decide returns exactly one decision for in. It never fails; every
// absorbed classification error is recorded to tr.
func (e *Engine) Decide(ctx context.Context, in Input, tr *trace.Trace) Decision {
	start := time.Now()

	d, err := e.classifyPrimary(ctx, in, tr)
	if err != nil {
		outcome := OutcomeOf(err)
		d = e.fallback.Classify(in)
		tr.Record(trace.Event{
			Stage:      trace.StageClassify,
			Name:       string(DecidedByFallback),
			Duration:   d.Duration,
			Output:     string(d.Route),
			Confidence: d.Confidence,
			Attrs:      map[string]any{"reason": string(outcome)},
		})
		if outcome != OutcomeSkipped {
			log.Warn().
				Str("reason", string(outcome)).
				Str("route", string(d.Route)).
				Float64("confidence", d.Confidence).
				Msg("primary classification not used, fallback decided")
		}
		e.record(d, outcome)
	} else {
		e.record(d, OutcomeSuccess)
	}

	d.Duration = time.Since(start)
	tr.Record(trace.Event{
		Stage:      trace.StageDecide,
		Name:       string(d.DecidedBy),
		Duration:   d.Duration,
		Output:     string(d.Route),
		Confidence: d.Confidence,
		Attrs: map[string]any{
			"targets":   d.TargetIDs(),
			"reasoning": d.Reasoning,
		},
	})
	return d
}

// classifyPrimary runs the primary classifier and applies the threshold.
// Targets of an accepted decision get missing params filled from the
// query and profile.
func (e *Engine) classifyPrimary(ctx context.Context, in Input, tr *trace.Trace) (Decision, error) {
	if e.primary == nil {
		return Decision{}, &ClassificationError{Outcome: OutcomeSkipped, Err: ErrNoPrimary}
	}

	start := time.Now()
	d, err := e.primary.Classify(ctx, in)
	ev := trace.Event{
		Stage:    trace.StageClassify,
		Name:     string(DecidedByPrimary),
		Duration: time.Since(start),
		Input:    in.Query.Text,
		Attrs:    map[string]any{"model": e.primary.ModelID()},
	}
	if err != nil {
		ev.Err = err.Error()
		ev.Attrs["outcome"] = string(OutcomeOf(err))
		tr.Record(ev)
		return Decision{}, err
	}

	ev.Output = string(d.Route)
	ev.Confidence = d.Confidence
	if d.Confidence < e.threshold {
		err := &ClassificationError{
			Outcome: OutcomeLowConfidence,
			Err:     fmt.Errorf("confidence %.2f below threshold %.2f", d.Confidence, e.threshold),
		}
		ev.Err = err.Error()
		ev.Attrs["outcome"] = string(OutcomeLowConfidence)
		tr.Record(ev)
		return Decision{}, err
	}
	ev.Attrs["outcome"] = string(OutcomeSuccess)
	tr.Record(ev)

	for i, t := range d.Targets {
		desc, err := e.registry.Lookup(t.CapabilityID)
		if err != nil {
			continue
		}
		d.Targets[i] = complete(desc, t, in)
	}
	return d, nil
}

func (e *Engine) record(d Decision, outcome Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.TotalDecisions++
	if outcome == OutcomeSuccess {
		e.stats.PrimarySuccesses++
	} else {
		e.stats.FallbackUses++
		e.stats.FallbackByReason[outcome]++
		e.stats.LastFallbackAt = time.Now()
	}
	e.stats.RouteDistribution[d.Route]++

	total := float64(e.stats.TotalDecisions)
	e.stats.AverageConfidence = (e.stats.AverageConfidence*(total-1) + d.Confidence) / total
}

// Stats returns a copy of the current statistics.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := e.stats
	s.FallbackByReason = make(map[Outcome]int64, len(e.stats.FallbackByReason))
	for k, v := range e.stats.FallbackByReason {
		s.FallbackByReason[k] = v
	}
	s.RouteDistribution = make(map[RouteType]int64, len(e.stats.RouteDistribution))
	for k, v := range e.stats.RouteDistribution {
		s.RouteDistribution[k] = v
	}
	return s
}

// ResetStats clears all statistics.
func (e *Engine) ResetStats() {
	e.mu.Lock()
	e.stats = newStats()
	e.mu.Unlock()
}
