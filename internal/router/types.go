// Package router decides how a query is answered: which capabilities run,
// in what shape, or whether the generation model answers alone.
//
// Decisions come from a primary LLM classifier when one is configured and
// confident, and otherwise from a deterministic pattern-based fallback that
// always produces a decision.
package router

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
	"github.com/dkilleen4417/ai-chat-mp/internal/conversation"
	"github.com/dkilleen4417/ai-chat-mp/internal/enhancer"
	"github.com/dkilleen4417/ai-chat-mp/internal/optimizer"
)

// RouteType is the execution shape of a decision.
type RouteType string

const (
	// RouteToolDirect invokes one tool and answers from its output.
	RouteToolDirect RouteType = "tool_direct"

	// RouteToolWithSearch invokes one tool and falls back to a search
	// fan-out when the tool fails or returns nothing useful.
	RouteToolWithSearch RouteType = "tool_with_search"

	// RouteSearchOnly fans out to every search provider.
	RouteSearchOnly RouteType = "search_only"

	// RouteModelKnowledge makes no external calls.
	RouteModelKnowledge RouteType = "model_knowledge"

	// RouteCombined runs several targets, possibly in dependency waves.
	RouteCombined RouteType = "combined"
)

// AllRoutes returns every route type.
func AllRoutes() []RouteType {
	return []RouteType{
		RouteToolDirect,
		RouteToolWithSearch,
		RouteSearchOnly,
		RouteModelKnowledge,
		RouteCombined,
	}
}

// String returns the string representation of the route.
func (r RouteType) String() string {
	return string(r)
}

// IsValid checks if the route type is recognized.
func (r RouteType) IsValid() bool {
	for _, valid := range AllRoutes() {
		if r == valid {
			return true
		}
	}
	return false
}

// UsesTools reports whether the route requires at least one target.
func (r RouteType) UsesTools() bool {
	return r == RouteToolDirect || r == RouteToolWithSearch || r == RouteCombined
}

// Source identifies which classifier produced the final decision.
type Source string

const (
	DecidedByPrimary  Source = "primary"
	DecidedByFallback Source = "fallback"
)

// Target is one capability invocation planned by a decision.
type Target struct {
	CapabilityID string            `json:"capability"`
	Params       capability.Params `json:"params,omitempty"`

	// DependsOn names another target's capability id. The dependent call
	// runs after it and receives its output as the "upstream" param.
	DependsOn string `json:"depends_on,omitempty"`
}

// Decision is the routing outcome for one query. It is immutable once
// returned by the engine.
type Decision struct {
	Route      RouteType     `json:"route_type"`
	Targets    []Target      `json:"targets,omitempty"`
	Confidence float64       `json:"confidence"`
	Reasoning  string        `json:"reasoning"`
	DecidedBy  Source        `json:"decided_by"`
	Duration   time.Duration `json:"duration"`
}

// TargetIDs returns the capability ids of the decision's targets.
func (d Decision) TargetIDs() []string {
	ids := make([]string, 0, len(d.Targets))
	for _, t := range d.Targets {
		ids = append(ids, t.CapabilityID)
	}
	return ids
}

// Outcome is the result of a primary classification attempt.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeLowConfidence Outcome = "low_confidence"
	OutcomeError         Outcome = "error"

	// OutcomeSkipped means no primary classifier is configured.
	OutcomeSkipped Outcome = "skipped"
)

// ErrNoPrimary is the cause of an OutcomeSkipped classification.
var ErrNoPrimary = errors.New("no primary classifier configured")

// ClassificationError reports why a primary decision was not used. It is
// never returned to callers of Engine.Decide; the engine absorbs it and
// falls back.
type ClassificationError struct {
	Outcome Outcome
	Err     error
}

func (e *ClassificationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("classification %s", e.Outcome)
	}
	return fmt.Sprintf("classification %s: %v", e.Outcome, e.Err)
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

// OutcomeOf extracts the outcome from err, defaulting to OutcomeError.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var ce *ClassificationError
	if errors.As(err, &ce) {
		return ce.Outcome
	}
	return OutcomeError
}

// ConfigurationError reports a decision naming a capability that is not
// registered.
type ConfigurationError struct {
	CapabilityID string
	Err          error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("capability %q is not registered: %v", e.CapabilityID, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Input is everything the classifiers see.
type Input struct {
	Query        optimizer.OptimizedQuery
	Conversation *conversation.Context
}

// Question returns the optimized question without the injected user
// context block.
func (in Input) Question() string {
	return stripContext(in.Query.Text)
}

// Original returns the user's text as typed.
func (in Input) Original() string {
	return in.Query.Enhanced.Original
}

// Fact returns an injected profile fact.
func (in Input) Fact(field string) (string, bool) {
	return in.Query.Enhanced.Fact(field)
}

func stripContext(text string) string {
	if i := strings.Index(text, "\n\n"+enhancer.Marker); i >= 0 {
		return text[:i]
	}
	return text
}
