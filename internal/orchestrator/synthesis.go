package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
	"github.com/dkilleen4417/ai-chat-mp/internal/conversation"
	"github.com/dkilleen4417/ai-chat-mp/internal/router"
)

// Result is the outcome of one capability call.
type Result struct {
	CapabilityID string          `json:"capability"`
	Kind         capability.Kind `json:"kind"`
	Output       string          `json:"output,omitempty"`
	Err          error           `json:"-"`
	Duration     time.Duration   `json:"duration"`

	// Score is the search relevance in [0,10]; zero for tools.
	Score float64 `json:"score,omitempty"`

	// Truncated is set when the output was cut to fit the search budget.
	Truncated bool `json:"truncated,omitempty"`

	priority int
}

// OK reports whether the call produced usable output.
func (r Result) OK() bool {
	return r.Err == nil && strings.TrimSpace(r.Output) != ""
}

// Error returns the failure text, or "".
func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// SynthesisContext is everything generation needs besides the model: the
// query, the conversation and whatever the capabilities returned.
type SynthesisContext struct {
	Query        string                `json:"query"`
	Route        router.RouteType      `json:"route"`
	Conversation *conversation.Context `json:"-"`

	// Tools holds successful tool outputs in target order.
	Tools []Result `json:"tools,omitempty"`

	// Search holds search outputs in merge order, highest relevance first.
	Search []Result `json:"search,omitempty"`

	// Failures holds failed, empty or insufficient calls.
	Failures []Result `json:"failures,omitempty"`

	// Omitted lists capability ids never started because the total
	// external budget ran out.
	Omitted []string `json:"omitted,omitempty"`

	Degraded bool          `json:"degraded"`
	Reasons  []string      `json:"reasons,omitempty"`
	Duration time.Duration `json:"duration"`
}

// HasData reports whether any tool or search output is available.
func (s *SynthesisContext) HasData() bool {
	return s != nil && (len(s.Tools) > 0 || len(s.Search) > 0)
}

// Render formats the capability outputs as one text block, tools first.
// It returns "" when there is nothing to show.
func (s *SynthesisContext) Render() string {
	if !s.HasData() {
		return ""
	}

	var sb strings.Builder
	for _, r := range s.Tools {
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", r.CapabilityID, strings.TrimSpace(r.Output))
	}
	for _, r := range s.Search {
		fmt.Fprintf(&sb, "[%s, relevance %.1f/10]\n%s\n\n", r.CapabilityID, r.Score, strings.TrimSpace(r.Output))
	}
	return strings.TrimSpace(sb.String())
}

func (s *SynthesisContext) degrade(reason string) {
	s.Degraded = true
	s.Reasons = append(s.Reasons, reason)
}
