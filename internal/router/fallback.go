package router

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
)

// Score contributions and route thresholds of the fallback classifier.
const (
	triggerScore = 0.3
	keywordScore = 0.2

	personalBoost   = 0.2
	placeBoost      = 0.2
	locationBoost   = 0.1
	knowledgeCut    = 0.6
	highToolScore   = 0.8
	mediumToolScore = 0.4
	lowToolScore    = 0.2

	searchConfidence     = 0.7
	knowledgeConfidence  = 0.6
	incompleteConfidence = 0.3
	emergencyConfidence  = 0.3
)

// Built-in markers, matched against the normalized query.
var (
	// temporalMarkers flag questions that need current information.
	temporalMarkers = compileAll(
		`\b(latest|recent|current|today|now|this week|this month)\b`,
		`\b(stock price|market|news|events)\b`,
		`\b(what.*happened|breaking|update)\b`,
		`\b(store hours|phone number|address)\b`,
		`\b(open|closed|available)\b.*\b(now|today)\b`,
		`\b(when.*will|upcoming|scheduled|next)\b`,
		`\b(forecast|prediction|estimate)\b.*\b(next|future)\b`,
	)

	// personalMarkers boost personal-scoped capabilities.
	personalMarkers = compileAll(`\b(my|home|our|backyard|outside|here)\b`)

	// placeMarkers boost global-scoped capabilities for "weather in X" shapes.
	placeMarkers = compileAll(
		`\bweather\b.*\bin\b`,
		`\bforecast\b.*\bfor\b`,
		`\b(temperature|rain|snow)\b.*\bin\b`,
	)

	// knowledgeMarkers mark questions about a topic rather than a reading.
	knowledgeMarkers = compileAll(
		`\b(history|historical|invented|definition|define)\b`,
		`\b(explain|what causes|why (is|are|do|does))\b`,
		`\bhow (do|does)\b.*\bwork\b`,
	)

	whitespace = regexp.MustCompile(`\s+`)
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

func matchAny(res []*regexp.Regexp, s string) (string, bool) {
	for _, re := range res {
		if m := re.FindString(s); m != "" {
			return m, true
		}
	}
	return "", false
}

// normalize lower-cases text and collapses whitespace.
func normalize(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(strings.ToLower(s), " "))
}

// compiledPattern holds a pre-compiled trigger with its weight.
type compiledPattern struct {
	regex  *regexp.Regexp
	weight float64
}

type scoredCapability struct {
	desc     capability.Descriptor
	order    int
	patterns []compiledPattern
	keywords []string
}

// Candidate is one capability scored by the fallback classifier.
type Candidate struct {
	CapabilityID string           `json:"capability"`
	Scope        capability.Scope `json:"scope"`
	Score        float64          `json:"score"`
	Matches      []string         `json:"matches,omitempty"`
}

// Fallback is the deterministic classifier. It never fails: every input
// yields exactly one decision.
type Fallback struct {
	tools     []scoredCapability
	hasSearch bool
}

// NewFallback compiles the triggers of every tool in reg. The registry
// should be sealed; later registrations are not seen.
func NewFallback(reg *capability.Registry) (*Fallback, error) {
	f := &Fallback{hasSearch: len(reg.ListKind(capability.KindSearch)) > 0}
	for i, d := range reg.ListKind(capability.KindTool) {
		sc := scoredCapability{desc: d, order: i}
		for _, t := range d.Triggers {
			re, err := regexp.Compile(t.Pattern)
			if err != nil {
				return nil, fmt.Errorf("capability %s: trigger %q: %w", d.ID, t.Pattern, err)
			}
			weight := t.Weight
			if weight <= 0 {
				weight = 1
			}
			sc.patterns = append(sc.patterns, compiledPattern{regex: re, weight: weight})
		}
		for _, k := range d.Keywords {
			if k = normalize(k); k != "" {
				sc.keywords = append(sc.keywords, k)
			}
		}
		f.tools = append(f.tools, sc)
	}
	return f, nil
}

// text is what the patterns see: the user's words plus the optimizer's
// rewrite when it differs, so neither can hide a marker.
func (f *Fallback) text(in Input) string {
	original := normalize(in.Original())
	question := normalize(in.Question())
	switch {
	case original == "":
		return question
	case question == "" || question == original:
		return original
	}
	return original + " " + question
}

// Candidates scores every tool against the query, most specific first.
// Tools without any match are omitted.
func (f *Fallback) Candidates(in Input) []Candidate {
	text := f.text(in)
	located := extractLocation(in.Original()) != "" || extractLocation(in.Question()) != ""
	_, personal := matchAny(personalMarkers, text)
	_, place := matchAny(placeMarkers, text)
	_, knowledge := matchAny(knowledgeMarkers, text)

	type ranked struct {
		Candidate
		rank, order int
	}
	var out []ranked
	for _, sc := range f.tools {
		var score float64
		var matches []string
		for _, p := range sc.patterns {
			if m := p.regex.FindString(text); m != "" {
				score += triggerScore * p.weight
				matches = append(matches, m)
			}
		}
		for _, k := range sc.keywords {
			if strings.Contains(text, k) {
				score += keywordScore
				matches = append(matches, k)
			}
		}
		if score == 0 {
			continue
		}

		switch sc.desc.Scope {
		case capability.ScopePersonal:
			if personal {
				score += personalBoost
			}
		case capability.ScopeGlobal:
			if place {
				score += placeBoost
			}
			if _, ok := sc.desc.Param("location"); ok && located {
				score += locationBoost
			}
		}
		if knowledge {
			score -= knowledgeCut
		}

		out = append(out, ranked{
			Candidate: Candidate{
				CapabilityID: sc.desc.ID,
				Scope:        sc.desc.Scope,
				Score:        clamp(score),
				Matches:      matches,
			},
			rank:  sc.desc.Scope.Rank(),
			order: sc.order,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].rank != out[j].rank {
			return out[i].rank < out[j].rank
		}
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].order < out[j].order
	})

	candidates := make([]Candidate, len(out))
	for i, r := range out {
		candidates[i] = r.Candidate
	}
	return candidates
}

// NeedsSearch reports whether the query asks for current information, and
// the marker that said so.
func (f *Fallback) NeedsSearch(in Input) (bool, string) {
	m, ok := matchAny(temporalMarkers, f.text(in))
	return ok, m
}

// Classify returns a decision for in. It never panics; an internal failure
// yields a low-confidence model_knowledge decision.
func (f *Fallback) Classify(in Input) (d Decision) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("fallback classifier failed")
			d = Decision{
				Route:      RouteModelKnowledge,
				Confidence: emergencyConfidence,
				Reasoning:  fmt.Sprintf("emergency fallback after internal failure: %v", r),
			}
		}
		d.DecidedBy = DecidedByFallback
		d.Duration = time.Since(start)
	}()

	return f.classify(in)
}

func (f *Fallback) classify(in Input) Decision {
	needsSearch, marker := f.NeedsSearch(in)
	searchable := needsSearch && f.hasSearch

	// A global tool that matched but lacks a parameter the query never
	// named still owns the query unless a complete match exists.
	var incomplete *Decision
	for _, c := range f.Candidates(in) {
		if c.Score < lowToolScore {
			continue
		}
		desc := f.descriptor(c.CapabilityID)
		params, missing, ok := buildParams(desc, in)
		if !ok {
			continue
		}
		target := Target{CapabilityID: c.CapabilityID, Params: params}
		reason := fmt.Sprintf("%s scope %s matched %q (score %.2f)", c.Scope, c.CapabilityID, strings.Join(c.Matches, ", "), c.Score)

		if len(missing) > 0 {
			if incomplete == nil && c.Scope == capability.ScopeGlobal && (c.Score >= mediumToolScore || !searchable) {
				incomplete = &Decision{
					Route:      RouteToolDirect,
					Targets:    []Target{target},
					Confidence: incompleteConfidence,
					Reasoning:  fmt.Sprintf("%s, but %s not given", reason, strings.Join(missing, ", ")),
				}
			}
			continue
		}

		switch {
		case c.Score >= highToolScore:
			return Decision{Route: RouteToolDirect, Targets: []Target{target}, Confidence: c.Score, Reasoning: "high tool confidence: " + reason}
		case c.Score >= mediumToolScore && searchable:
			return Decision{Route: RouteToolWithSearch, Targets: []Target{target}, Confidence: c.Score, Reasoning: fmt.Sprintf("medium tool confidence, current information needed (%q): %s", marker, reason)}
		case c.Score >= mediumToolScore:
			return Decision{Route: RouteToolDirect, Targets: []Target{target}, Confidence: c.Score, Reasoning: "medium tool confidence: " + reason}
		case searchable:
			return Decision{Route: RouteSearchOnly, Confidence: searchConfidence, Reasoning: fmt.Sprintf("current information needed (%q), weak tool match: %s", marker, reason)}
		default:
			return Decision{Route: RouteToolDirect, Targets: []Target{target}, Confidence: c.Score, Reasoning: "low tool confidence: " + reason}
		}
	}

	if incomplete != nil {
		return *incomplete
	}
	if searchable {
		return Decision{Route: RouteSearchOnly, Confidence: searchConfidence, Reasoning: fmt.Sprintf("current information needed (%q)", marker)}
	}
	return Decision{Route: RouteModelKnowledge, Confidence: knowledgeConfidence, Reasoning: "no usable capability matched"}
}

func (f *Fallback) descriptor(id string) capability.Descriptor {
	for _, sc := range f.tools {
		if sc.desc.ID == id {
			return sc.desc
		}
	}
	return capability.Descriptor{ID: id}
}

// clamp bounds v to [0,1] and rounds to two decimals so threshold
// comparisons are not at the mercy of float addition.
func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return math.Round(v*100) / 100
}
