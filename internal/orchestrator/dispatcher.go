// Package orchestrator executes routing decisions: it invokes capabilities
// concurrently under per-call and total time budgets and assembles the
// SynthesisContext handed to generation. Capability failures never reach
// the caller; they degrade the context instead.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
	"github.com/dkilleen4417/ai-chat-mp/internal/config"
	"github.com/dkilleen4417/ai-chat-mp/internal/conversation"
	"github.com/dkilleen4417/ai-chat-mp/internal/optimizer"
	"github.com/dkilleen4417/ai-chat-mp/internal/router"
	"github.com/dkilleen4417/ai-chat-mp/internal/trace"
)

// UpstreamParam carries a dependency's output into a dependent target.
const UpstreamParam = "upstream"

// Defaults used when Config leaves a field zero.
const (
	DefaultPerCallTimeout    = 8 * time.Second
	DefaultTotalBudget       = 15 * time.Second
	DefaultSearchBudgetChars = 6000
)

// Config bounds the external work of one query.
type Config struct {
	PerCallTimeout    time.Duration
	TotalBudget       time.Duration
	SearchPriority    []string
	SearchBudgetChars int
}

// ConfigFrom extracts dispatcher settings from the router configuration.
func ConfigFrom(rc config.RouterConfig) Config {
	return Config{
		PerCallTimeout:    rc.PerCallTimeout(),
		TotalBudget:       rc.TotalExternalBudget(),
		SearchPriority:    rc.SearchProviderPriority,
		SearchBudgetChars: rc.SearchBudgetChars,
	}
}

// Dispatcher executes decisions against a sealed capability registry.
type Dispatcher struct {
	registry *capability.Registry
	cfg      Config
}

// New creates a dispatcher.
func New(reg *capability.Registry, cfg Config) *Dispatcher {
	if cfg.PerCallTimeout <= 0 {
		cfg.PerCallTimeout = DefaultPerCallTimeout
	}
	if cfg.TotalBudget <= 0 {
		cfg.TotalBudget = DefaultTotalBudget
	}
	if cfg.SearchBudgetChars <= 0 {
		cfg.SearchBudgetChars = DefaultSearchBudgetChars
	}
	return &Dispatcher{registry: reg, cfg: cfg}
}

// SearchProviders returns the search capability ids to fan out to, in
// priority order. Unknown ids are ignored; an empty priority list means
// every registered search capability in registration order.
func (d *Dispatcher) SearchProviders() []string {
	var ids []string
	if len(d.cfg.SearchPriority) == 0 {
		for _, desc := range d.registry.ListKind(capability.KindSearch) {
			ids = append(ids, desc.ID)
		}
		return ids
	}

	seen := make(map[string]bool)
	for _, id := range d.cfg.SearchPriority {
		desc, err := d.registry.Lookup(id)
		if err != nil || desc.Kind != capability.KindSearch || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// execution is the mutable state of one Execute call.
type execution struct {
	d        *Dispatcher
	tr       *trace.Trace
	question string
	deadline time.Time

	mu    sync.Mutex
	synth *SynthesisContext
}

// Execute runs dec and returns the context for generation. It never
// returns nil and never fails: every capability error is recorded in the
// result and in tr.
func (d *Dispatcher) Execute(ctx context.Context, dec router.Decision, q optimizer.OptimizedQuery, conv *conversation.Context, tr *trace.Trace) *SynthesisContext {
	start := time.Now()
	ex := &execution{
		d:        d,
		tr:       tr,
		question: router.Input{Query: q}.Question(),
		deadline: start.Add(d.cfg.TotalBudget),
		synth: &SynthesisContext{
			Query:        q.Text,
			Route:        dec.Route,
			Conversation: conv,
		},
	}

	switch dec.Route {
	case router.RouteToolDirect:
		ex.toolDirect(ctx, dec.Targets)
	case router.RouteToolWithSearch:
		ex.toolWithSearch(ctx, dec.Targets)
	case router.RouteSearchOnly:
		ex.searchOnly(ctx)
	case router.RouteCombined:
		ex.combined(ctx, dec.Targets)
	case router.RouteModelKnowledge:
	default:
		ex.synth.degrade(fmt.Sprintf("unknown route %q", dec.Route))
	}

	s := ex.finish()
	s.Duration = time.Since(start)

	tr.Record(trace.Event{
		Stage:    trace.StageDispatch,
		Name:     string(dec.Route),
		Duration: s.Duration,
		Attrs: map[string]any{
			"tools":    len(s.Tools),
			"search":   len(s.Search),
			"failures": len(s.Failures),
			"omitted":  s.Omitted,
			"degraded": s.Degraded,
		},
	})
	if s.Degraded {
		log.Debug().Str("route", string(dec.Route)).Strs("reasons", s.Reasons).Msg("dispatch degraded")
	}
	return s
}

// toolDirect invokes every target concurrently.
func (ex *execution) toolDirect(ctx context.Context, targets []router.Target) {
	for _, r := range ex.callAll(ctx, targets) {
		ex.addTool(r)
	}
}

// toolWithSearch invokes the tool and fans out to search when it fails or
// returns nothing useful.
func (ex *execution) toolWithSearch(ctx context.Context, targets []router.Target) {
	ok := false
	for _, r := range ex.callAll(ctx, targets) {
		ok = ex.addTool(r) || ok
	}
	if !ok {
		ex.searchFanOut(ctx, nil)
	}
}

func (ex *execution) searchOnly(ctx context.Context) {
	ex.searchFanOut(ctx, nil)
}

// combined runs targets in dependency waves. A dependent target runs after
// its dependency and receives the dependency's output as "upstream". When
// a tool comes back empty or fails and no search target succeeded, one
// supplemental search fan-out runs before synthesis.
func (ex *execution) combined(ctx context.Context, targets []router.Target) {
	done := make(map[string]Result, len(targets))
	pending := append([]router.Target(nil), targets...)
	var searches []Result
	toolMissed := false
	called := make(map[string]bool)

	for len(pending) > 0 {
		var wave, next []router.Target
		for _, t := range pending {
			if t.DependsOn == "" {
				wave = append(wave, t)
				continue
			}
			dep, finished := done[t.DependsOn]
			switch {
			case !finished:
				next = append(next, t)
			case !dep.OK():
				ex.fail(Result{
					CapabilityID: t.CapabilityID,
					Kind:         ex.kindOf(t.CapabilityID),
					Err:          fmt.Errorf("dependency %s produced no output", t.DependsOn),
				})
				done[t.CapabilityID] = Result{CapabilityID: t.CapabilityID}
			default:
				t.Params = withParam(t.Params, UpstreamParam, dep.Output)
				wave = append(wave, t)
			}
		}
		if len(wave) == 0 {
			if len(next) > 0 {
				ex.synth.degrade(fmt.Sprintf("unresolvable dependencies: %s", strings.Join(ids(next), ", ")))
			}
			break
		}

		for _, r := range ex.callAll(ctx, wave) {
			done[r.CapabilityID] = r
			called[r.CapabilityID] = true
			if r.Kind == capability.KindSearch {
				r.Score = Relevance(ex.question, r)
				searches = append(searches, r)
				continue
			}
			if !ex.addTool(r) {
				toolMissed = true
			}
		}
		pending = next
	}

	searchOK := false
	for _, r := range searches {
		if r.OK() && r.Score > 0 {
			searchOK = true
		}
	}
	if toolMissed && !searchOK {
		ex.record(trace.Event{Stage: trace.StageDispatch, Name: "supplemental_search"})
		searches = append(searches, ex.fanOut(ctx, called)...)
	}
	ex.merge(searches)
}

// addTool files a tool result and reports whether it was usable.
func (ex *execution) addTool(r Result) bool {
	if r.Err == nil && !ex.sufficient(r) {
		r.Err = capability.NewError(capability.ErrEmpty, r.CapabilityID, "no usable output", nil)
	}
	if r.Err != nil {
		ex.fail(r)
		return false
	}
	ex.mu.Lock()
	ex.synth.Tools = append(ex.synth.Tools, r)
	ex.mu.Unlock()
	return true
}

func (ex *execution) sufficient(r Result) bool {
	adapter, err := ex.d.registry.Adapter(r.CapabilityID)
	if err != nil {
		return false
	}
	return capability.Sufficient(adapter, r.Output)
}

func (ex *execution) fail(r Result) {
	ex.mu.Lock()
	ex.synth.Failures = append(ex.synth.Failures, r)
	ex.mu.Unlock()
}

// searchFanOut queries every search provider and merges the results.
func (ex *execution) searchFanOut(ctx context.Context, skip map[string]bool) {
	ex.merge(ex.fanOut(ctx, skip))
}

// fanOut calls every search provider not in skip concurrently. A failing
// provider cancels nothing.
func (ex *execution) fanOut(ctx context.Context, skip map[string]bool) []Result {
	var targets []router.Target
	for _, id := range ex.d.SearchProviders() {
		if skip[id] {
			continue
		}
		targets = append(targets, router.Target{
			CapabilityID: id,
			Params:       capability.Params{"query": ex.question},
		})
	}
	if len(targets) == 0 {
		ex.mu.Lock()
		ex.synth.Reasons = append(ex.synth.Reasons, "no search providers available")
		ex.mu.Unlock()
		return nil
	}

	results := ex.callAll(ctx, targets)
	for i := range results {
		results[i].priority = i
		results[i].Score = Relevance(ex.question, results[i])
	}
	return results
}

// merge orders search results by relevance, ties by priority, and keeps
// as many as fit the character budget, truncating the last one included.
func (ex *execution) merge(results []Result) {
	var usable []Result
	for _, r := range results {
		if !r.OK() || r.Score <= 0 {
			if r.Err == nil {
				r.Err = capability.NewError(capability.ErrEmpty, r.CapabilityID, "no relevant results", nil)
			}
			ex.fail(r)
			continue
		}
		usable = append(usable, r)
	}
	sort.SliceStable(usable, func(i, j int) bool {
		if usable[i].Score != usable[j].Score {
			return usable[i].Score > usable[j].Score
		}
		return usable[i].priority < usable[j].priority
	})

	budget := ex.d.cfg.SearchBudgetChars
	var kept []Result
	for _, r := range usable {
		if budget <= 0 {
			break
		}
		if len(r.Output) > budget {
			r.Output = truncate(r.Output, budget)
			r.Truncated = true
		}
		budget -= len(r.Output)
		kept = append(kept, r)
	}

	ex.mu.Lock()
	ex.synth.Search = append(ex.synth.Search, kept...)
	ex.mu.Unlock()
}

// callAll runs targets concurrently and returns their results in target
// order. Goroutines never return errors, so one failure cancels nothing.
func (ex *execution) callAll(ctx context.Context, targets []router.Target) []Result {
	results := make([]Result, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		g.Go(func() error {
			results[i] = ex.call(gctx, t)
			return nil
		})
	}
	_ = g.Wait()

	var started []Result
	for _, r := range results {
		if r.CapabilityID != "" {
			started = append(started, r)
		}
	}
	return started
}

type invocation struct {
	output string
	err    error
}

// call invokes one capability. The adapter runs in its own goroutine; the
// dispatcher stops waiting at the per-call deadline whether or not the
// adapter honours cancellation. A call that cannot start within the total
// budget is recorded as omitted and yields a zero Result.
func (ex *execution) call(ctx context.Context, t router.Target) (r Result) {
	remaining := time.Until(ex.deadline)
	if remaining <= 0 {
		ex.omit(t.CapabilityID)
		return Result{}
	}
	timeout := min(ex.d.cfg.PerCallTimeout, remaining)

	r = Result{CapabilityID: t.CapabilityID, Kind: ex.kindOf(t.CapabilityID)}
	start := time.Now()
	defer func() {
		r.Duration = time.Since(start)
		ex.record(trace.Event{
			Stage:    trace.StageCapability,
			Name:     t.CapabilityID,
			Duration: r.Duration,
			Input:    describeParams(t.Params),
			Output:   r.Output,
			Err:      r.Error(),
		})
	}()

	desc, err := ex.d.registry.Lookup(t.CapabilityID)
	if err != nil {
		r.Err = err
		return r
	}
	adapter, err := ex.d.registry.Adapter(t.CapabilityID)
	if err != nil {
		r.Err = err
		return r
	}
	params, err := desc.ValidateParams(t.Params)
	if err != nil {
		r.Err = err
		return r
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan invocation, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- invocation{err: capability.NewError(capability.ErrUpstream, t.CapabilityID, fmt.Sprintf("adapter panic: %v", p), nil)}
			}
		}()
		out, err := adapter.Invoke(callCtx, params)
		ch <- invocation{output: out, err: err}
	}()

	select {
	case inv := <-ch:
		r.Output, r.Err = inv.output, inv.err
	case <-callCtx.Done():
		r.Err = capability.NewError(capability.ErrTimeout, t.CapabilityID, fmt.Sprintf("no answer within %s", timeout), callCtx.Err())
	}
	return r
}

func (ex *execution) kindOf(id string) capability.Kind {
	desc, err := ex.d.registry.Lookup(id)
	if err != nil {
		return ""
	}
	return desc.Kind
}

func (ex *execution) omit(id string) {
	ex.mu.Lock()
	ex.synth.Omitted = append(ex.synth.Omitted, id)
	ex.mu.Unlock()
	ex.record(trace.Event{Stage: trace.StageCapability, Name: id, Err: "omitted: total external budget exhausted"})
}

func (ex *execution) record(ev trace.Event) {
	ex.tr.Record(ev)
}

// finish computes the degraded flag and returns the context.
func (ex *execution) finish() *SynthesisContext {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	s := ex.synth

	for _, f := range s.Failures {
		s.Reasons = append(s.Reasons, f.Error())
	}
	if len(s.Omitted) > 0 {
		s.degrade(fmt.Sprintf("total external budget exhausted, omitted %s", strings.Join(s.Omitted, ", ")))
	}

	// A provider that answered with nothing is not a failure of the
	// fan-out; one that errored or timed out is.
	toolFailed, searchFailed := false, false
	for _, f := range s.Failures {
		switch {
		case f.Kind == capability.KindTool:
			toolFailed = true
		case capability.KindOf(f.Err) != capability.ErrEmpty:
			searchFailed = true
		}
	}
	switch {
	case s.Route != router.RouteModelKnowledge && !s.HasData():
		s.degrade("no tool or search data available")
	case toolFailed && len(s.Search) == 0, searchFailed:
		s.Degraded = true
	}
	return s
}

func withParam(p capability.Params, key string, value any) capability.Params {
	out := make(capability.Params, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	out[key] = value
	return out
}

func ids(targets []router.Target) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = t.CapabilityID
	}
	return out
}

func describeParams(p capability.Params) string {
	if len(p) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, p[k])
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	const marker = "\n...[truncated]"
	if n <= len(marker) {
		return s[:runeStart(s, n)]
	}
	return s[:runeStart(s, n-len(marker))] + marker
}

// runeStart moves n back to the start of the rune it falls in, n < len(s).
func runeStart(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
