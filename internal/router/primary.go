package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
	"github.com/dkilleen4417/ai-chat-mp/internal/llm"
)

const (
	// DefaultPrimaryTimeout bounds one primary classification call.
	DefaultPrimaryTimeout = 3 * time.Second

	primaryHistoryTurns = 4
	primaryMaxTokens    = 400
)

// routeAliases maps names older prompts and models use to route types.
var routeAliases = map[string]RouteType{
	"search_first": RouteSearchOnly,
	"search":       RouteSearchOnly,
	"tool":         RouteToolDirect,
	"model":        RouteModelKnowledge,
	"knowledge":    RouteModelKnowledge,
}

// Primary classifies a query with one JSON-mode call to the decision model.
type Primary struct {
	backend  llm.Backend
	registry *capability.Registry
	timeout  time.Duration
}

// NewPrimary creates a primary classifier using modelID from catalog.
func NewPrimary(catalog *llm.Catalog, modelID string, reg *capability.Registry, timeout time.Duration) (*Primary, error) {
	b, err := catalog.Resolve(modelID)
	if err != nil {
		return nil, fmt.Errorf("decision model: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultPrimaryTimeout
	}
	return &Primary{backend: b, registry: reg, timeout: timeout}, nil
}

// ModelID returns the decision model id.
func (p *Primary) ModelID() string {
	return p.backend.ModelID
}

// Classify asks the decision model for a route. Every failure is a
// *ClassificationError; the returned decision is only meaningful when err
// is nil. Confidence is not checked against any threshold here.
func (p *Primary) Classify(ctx context.Context, in Input) (Decision, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req := p.backend.Request(p.systemPrompt(), []llm.Message{{
		Role:    llm.RoleUser,
		Content: primaryUserPrompt(in),
	}})
	req.JSONMode = true
	req.Temperature = 0.1
	if req.MaxTokens == 0 || req.MaxTokens > primaryMaxTokens {
		req.MaxTokens = primaryMaxTokens
	}

	resp, err := p.backend.Provider.Chat(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Decision{}, &ClassificationError{Outcome: OutcomeTimeout, Err: err}
		}
		return Decision{}, &ClassificationError{Outcome: OutcomeError, Err: err}
	}

	d, err := p.parse(resp.Content)
	if err != nil {
		return Decision{}, &ClassificationError{Outcome: OutcomeError, Err: err}
	}
	d.DecidedBy = DecidedByPrimary
	d.Duration = time.Since(start)
	return d, nil
}

// primaryResponse accepts both the current schema and the legacy
// routing_decision/primary_tool/search_provider keys.
type primaryResponse struct {
	RouteType string `json:"route_type"`
	Targets   []struct {
		Capability string         `json:"capability"`
		Params     map[string]any `json:"params"`
		DependsOn  string         `json:"depends_on"`
	} `json:"targets"`
	Confidence *float64 `json:"confidence"`
	Reasoning  string   `json:"reasoning"`

	RoutingDecision string  `json:"routing_decision"`
	PrimaryTool     *string `json:"primary_tool"`
	SearchProvider  *string `json:"search_provider"`
}

func (p *Primary) parse(content string) (Decision, error) {
	var raw primaryResponse
	if err := json.Unmarshal([]byte(stripFences(content)), &raw); err != nil {
		return Decision{}, fmt.Errorf("parse decision: %w", err)
	}

	name := strings.ToLower(strings.TrimSpace(raw.RouteType))
	if name == "" {
		name = strings.ToLower(strings.TrimSpace(raw.RoutingDecision))
	}
	route := RouteType(name)
	if alias, ok := routeAliases[name]; ok {
		route = alias
	}
	if !route.IsValid() {
		return Decision{}, fmt.Errorf("unknown route type %q", name)
	}

	if raw.Confidence == nil {
		return Decision{}, errors.New("missing confidence")
	}
	if c := *raw.Confidence; c < 0 || c > 1 {
		return Decision{}, fmt.Errorf("confidence %v outside [0,1]", c)
	}

	d := Decision{
		Route:      route,
		Confidence: *raw.Confidence,
		Reasoning:  strings.TrimSpace(raw.Reasoning),
	}
	for _, t := range raw.Targets {
		d.Targets = append(d.Targets, Target{
			CapabilityID: strings.TrimSpace(t.Capability),
			Params:       capability.Params(t.Params),
			DependsOn:    strings.TrimSpace(t.DependsOn),
		})
	}
	if len(d.Targets) == 0 {
		d.Targets = p.legacyTargets(route, raw)
	}

	if err := p.validate(d); err != nil {
		return Decision{}, err
	}
	return d, nil
}

// legacyTargets converts primary_tool and search_provider into targets.
func (p *Primary) legacyTargets(route RouteType, raw primaryResponse) []Target {
	var targets []Target
	if raw.PrimaryTool != nil && *raw.PrimaryTool != "" && route != RouteSearchOnly {
		targets = append(targets, Target{CapabilityID: *raw.PrimaryTool})
	}
	if raw.SearchProvider != nil && *raw.SearchProvider != "" && (route == RouteSearchOnly || route == RouteCombined) {
		targets = append(targets, Target{CapabilityID: p.searchID(*raw.SearchProvider)})
	}
	return targets
}

// searchID resolves a short provider name like "brave" to its capability id.
func (p *Primary) searchID(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if _, err := p.registry.Lookup(name); err == nil {
		return name
	}
	if _, err := p.registry.Lookup(name + "_search"); err == nil {
		return name + "_search"
	}
	return name
}

func (p *Primary) validate(d Decision) error {
	if d.Route.UsesTools() && len(d.Targets) == 0 {
		return fmt.Errorf("%s decision has no targets", d.Route)
	}
	if d.Route == RouteModelKnowledge && len(d.Targets) > 0 {
		return fmt.Errorf("model_knowledge decision names %d targets", len(d.Targets))
	}
	if d.Route != RouteCombined && len(d.Targets) > 1 {
		return fmt.Errorf("%s decision names %d targets", d.Route, len(d.Targets))
	}

	seen := make(map[string]bool, len(d.Targets))
	for _, t := range d.Targets {
		desc, err := p.registry.Lookup(t.CapabilityID)
		if err != nil {
			return &ConfigurationError{CapabilityID: t.CapabilityID, Err: err}
		}
		if seen[t.CapabilityID] {
			return fmt.Errorf("capability %s targeted twice", t.CapabilityID)
		}
		seen[t.CapabilityID] = true

		switch d.Route {
		case RouteToolDirect, RouteToolWithSearch:
			if desc.Kind != capability.KindTool {
				return fmt.Errorf("%s cannot target search capability %s", d.Route, t.CapabilityID)
			}
		case RouteSearchOnly:
			if desc.Kind != capability.KindSearch {
				return fmt.Errorf("search_only cannot target tool %s", t.CapabilityID)
			}
		}
	}

	return checkDependencies(d.Targets)
}

// checkDependencies rejects unknown or cyclic depends_on references.
func checkDependencies(targets []Target) error {
	deps := make(map[string]string, len(targets))
	for _, t := range targets {
		deps[t.CapabilityID] = t.DependsOn
	}
	for _, t := range targets {
		if t.DependsOn == "" {
			continue
		}
		if _, ok := deps[t.DependsOn]; !ok {
			return fmt.Errorf("%s depends on %s, which is not a target", t.CapabilityID, t.DependsOn)
		}
		visited := map[string]bool{t.CapabilityID: true}
		for next := t.DependsOn; next != ""; next = deps[next] {
			if visited[next] {
				return fmt.Errorf("dependency cycle through %s", t.CapabilityID)
			}
			visited[next] = true
		}
	}
	return nil
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func (p *Primary) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString(`You are the query router of a personal assistant. Decide how the user's question is best answered and reply with a JSON object only.

Routes:
- tool_direct: call exactly one tool and answer from its output.
- tool_with_search: call one tool; web search is used if the tool comes back empty.
- search_only: current events, prices, opening hours, anything that changes. Targets are optional.
- model_knowledge: history, science, math, writing, conversation. No targets.
- combined: several capabilities; a target may depend on another and receives its output.

Rules:
- Personal capabilities (the user's own devices) beat global ones when the question is about "home", "here" or "my".
- Fictional or historical questions use model_knowledge even if they mention weather.
- Use only capability ids from the catalogue. Fill params from the question and the user context.
- confidence is a number between 0 and 1: 0.9 for obvious matches, 0.5 when unsure.

Capabilities:
`)
	for _, d := range p.registry.List() {
		fmt.Fprintf(&sb, "- %s (%s, %s): %s\n", d.ID, d.Kind, d.Scope, d.Description)
		for _, ps := range d.Params {
			req := "optional"
			if ps.Required {
				req = "required"
			}
			fmt.Fprintf(&sb, "    %s %s, %s", ps.Name, ps.Type, req)
			if ps.Description != "" {
				fmt.Fprintf(&sb, ": %s", ps.Description)
			}
			sb.WriteString("\n")
		}
	}
	sb.WriteString(`
Reply format:
{"route_type": "...", "targets": [{"capability": "...", "params": {...}, "depends_on": ""}], "confidence": 0.0, "reasoning": "..."}`)
	return sb.String()
}

func primaryUserPrompt(in Input) string {
	var sb strings.Builder
	if conv := in.Conversation; conv != nil {
		if conv.Topic.Established {
			fmt.Fprintf(&sb, "Conversation topic: %s\n", conv.Topic.Label)
		}
		if turns := conv.Last(primaryHistoryTurns); len(turns) > 0 {
			sb.WriteString("Recent conversation:\n")
			for _, t := range turns {
				fmt.Fprintf(&sb, "%s: %s\n", t.Role, clip(t.Content, 300))
			}
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Question:\n")
	sb.WriteString(in.Query.Text)
	return sb.String()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
