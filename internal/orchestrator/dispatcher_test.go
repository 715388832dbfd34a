package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
	"github.com/dkilleen4417/ai-chat-mp/internal/capability/search"
	"github.com/dkilleen4417/ai-chat-mp/internal/capability/weather"
	"github.com/dkilleen4417/ai-chat-mp/internal/enhancer"
	"github.com/dkilleen4417/ai-chat-mp/internal/optimizer"
	"github.com/dkilleen4417/ai-chat-mp/internal/router"
	"github.com/dkilleen4417/ai-chat-mp/internal/trace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// fake is a scriptable adapter that counts its calls.
type fake struct {
	calls atomic.Int32
	fn    func(ctx context.Context, p capability.Params) (string, error)
}

func (f *fake) Invoke(ctx context.Context, p capability.Params) (string, error) {
	f.calls.Add(1)
	return f.fn(ctx, p)
}

func returns(out string) *fake {
	return &fake{fn: func(context.Context, capability.Params) (string, error) { return out, nil }}
}

func fails(err error) *fake {
	return &fake{fn: func(context.Context, capability.Params) (string, error) { return "", err }}
}

// blocksUntilDone honours cancellation.
func blocksUntilDone() *fake {
	return &fake{fn: func(ctx context.Context, _ capability.Params) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
}

func results(id, q string, n int, body string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results from %s for %q:\n", id, q)
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&sb, "%d. Result %d\n   https://example.com/%d\n   %s\n", i, i, i, body)
	}
	return strings.TrimRight(sb.String(), "\n")
}

type fixture struct {
	reg      *capability.Registry
	forecast *fake
	brave    *fake
	serper   *fake
	tavily   *fake
}

func newFixture(t *testing.T, forecast, brave, serper, tavily *fake) *fixture {
	t.Helper()
	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(weather.ForecastDescriptor(), forecast))
	require.NoError(t, reg.Register(search.Descriptor(search.BraveID, "Brave"), brave))
	require.NoError(t, reg.Register(search.Descriptor(search.SerperID, "Serper"), serper))
	require.NoError(t, reg.Register(search.Descriptor(search.TavilyID, "Tavily"), tavily))
	reg.Seal()
	return &fixture{reg: reg, forecast: forecast, brave: brave, serper: serper, tavily: tavily}
}

func query(text string) optimizer.OptimizedQuery {
	return optimizer.Passthrough(enhancer.Enhance(text, nil), optimizer.ReasonNoModel)
}

func forecastTarget() router.Target {
	return router.Target{CapabilityID: weather.ForecastID, Params: capability.Params{"location": "Tokyo"}}
}

var upstreamDown = capability.NewError(capability.ErrUpstream, "x", "503", nil)

func TestExecute_ModelKnowledge(t *testing.T) {
	f := newFixture(t, returns("x"), returns("x"), returns("x"), returns("x"))

	s := New(f.reg, Config{}).Execute(context.Background(),
		router.Decision{Route: router.RouteModelKnowledge}, query("capital of Peru"), nil, nil)

	assert.False(t, s.Degraded)
	assert.False(t, s.HasData())
	assert.Empty(t, s.Render())
	assert.Zero(t, f.forecast.calls.Load()+f.brave.calls.Load())
}

func TestExecute_ToolDirect(t *testing.T) {
	forecast := &fake{fn: func(_ context.Context, p capability.Params) (string, error) {
		return fmt.Sprintf("Weather for %s: 72°F, %d days", p.String("location"), p.Int("days", 0)), nil
	}}
	f := newFixture(t, forecast, returns("x"), returns("x"), returns("x"))
	tr := trace.New("q")

	s := New(f.reg, Config{}).Execute(context.Background(), router.Decision{
		Route:   router.RouteToolDirect,
		Targets: []router.Target{forecastTarget()},
	}, query("weather in Tokyo"), nil, tr)

	require.Len(t, s.Tools, 1)
	assert.Equal(t, "Weather for Tokyo: 72°F, 3 days", s.Tools[0].Output, "defaults are applied")
	assert.False(t, s.Degraded)
	assert.Zero(t, f.brave.calls.Load(), "tool_direct never searches")
	assert.Contains(t, s.Render(), "[weather_forecast]")

	var stages []trace.Stage
	for _, ev := range tr.Events() {
		stages = append(stages, ev.Stage)
	}
	assert.Equal(t, []trace.Stage{trace.StageCapability, trace.StageDispatch}, stages)
}

func TestExecute_ToolDirectFailures(t *testing.T) {
	tests := map[string]*fake{
		"upstream error": fails(upstreamDown),
		"empty output":   returns("   "),
		"panic": {fn: func(context.Context, capability.Params) (string, error) {
			panic("nil map")
		}},
	}

	for name, adapter := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, adapter, returns("x"), returns("x"), returns("x"))

			s := New(f.reg, Config{}).Execute(context.Background(), router.Decision{
				Route:   router.RouteToolDirect,
				Targets: []router.Target{forecastTarget()},
			}, query("weather in Tokyo"), nil, nil)

			assert.True(t, s.Degraded)
			assert.Empty(t, s.Tools)
			require.Len(t, s.Failures, 1)
			assert.NotEmpty(t, s.Reasons)
		})
	}
}

func TestExecute_InvalidParams(t *testing.T) {
	f := newFixture(t, returns("x"), returns("x"), returns("x"), returns("x"))

	s := New(f.reg, Config{}).Execute(context.Background(), router.Decision{
		Route:   router.RouteToolDirect,
		Targets: []router.Target{{CapabilityID: weather.ForecastID}},
	}, query("weather"), nil, nil)

	require.Len(t, s.Failures, 1)
	assert.Equal(t, capability.ErrInvalidParams, capability.KindOf(s.Failures[0].Err))
	assert.Zero(t, f.forecast.calls.Load())
}

func TestExecute_PerCallTimeoutWithoutCooperation(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	stubborn := &fake{fn: func(context.Context, capability.Params) (string, error) {
		<-release
		return "too late", nil
	}}
	f := newFixture(t, stubborn, returns("x"), returns("x"), returns("x"))

	start := time.Now()
	s := New(f.reg, Config{PerCallTimeout: 50 * time.Millisecond}).Execute(context.Background(), router.Decision{
		Route:   router.RouteToolDirect,
		Targets: []router.Target{forecastTarget()},
	}, query("weather in Tokyo"), nil, nil)

	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, s.Failures, 1)
	assert.Equal(t, capability.ErrTimeout, capability.KindOf(s.Failures[0].Err))
	assert.True(t, s.Degraded)
}

func TestExecute_SearchOnly(t *testing.T) {
	q := "tokyo weather"
	slow := &fake{fn: func(ctx context.Context, _ capability.Params) (string, error) {
		select {
		case <-time.After(30 * time.Millisecond):
			return results(search.SerperID, q, 2, "tokyo travel"), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
	f := newFixture(t,
		returns("x"),
		returns(results(search.BraveID, q, 5, "tokyo weather today sunny")),
		slow,
		fails(upstreamDown),
	)

	s := New(f.reg, Config{}).Execute(context.Background(),
		router.Decision{Route: router.RouteSearchOnly}, query(q), nil, nil)

	assert.True(t, s.Degraded, "a provider error degrades the context")
	require.Len(t, s.Search, 2, "a failing provider cancels nothing")
	assert.Equal(t, search.BraveID, s.Search[0].CapabilityID)
	assert.Equal(t, search.SerperID, s.Search[1].CapabilityID)
	assert.Greater(t, s.Search[0].Score, s.Search[1].Score)
	require.Len(t, s.Failures, 1)
	assert.Equal(t, search.TavilyID, s.Failures[0].CapabilityID)
	assert.Contains(t, s.Reasons, s.Failures[0].Error())
	assert.Contains(t, s.Render(), "relevance")
}

func TestExecute_AllSearchFails(t *testing.T) {
	f := newFixture(t, returns("x"), fails(upstreamDown), returns(search.NoResults), blocksUntilDone())

	s := New(f.reg, Config{PerCallTimeout: 30 * time.Millisecond}).Execute(context.Background(),
		router.Decision{Route: router.RouteSearchOnly}, query("latest news"), nil, nil)

	assert.True(t, s.Degraded)
	assert.False(t, s.HasData())
	assert.Empty(t, s.Render())
	assert.Len(t, s.Failures, 3)
}

func TestExecute_TwoOfThreeSearchFail(t *testing.T) {
	q := "tokyo weather"
	f := newFixture(t,
		returns("x"),
		fails(upstreamDown),
		returns(results(search.SerperID, q, 3, "tokyo weather forecast")),
		fails(capability.NewError(capability.ErrTimeout, search.TavilyID, "deadline", nil)),
	)

	s := New(f.reg, Config{}).Execute(context.Background(),
		router.Decision{Route: router.RouteSearchOnly}, query(q), nil, nil)

	assert.True(t, s.Degraded)
	require.Len(t, s.Search, 1, "the surviving provider's results are kept")
	assert.Equal(t, search.SerperID, s.Search[0].CapabilityID)
	assert.Contains(t, s.Render(), "tokyo weather forecast")

	var failed []string
	for _, r := range s.Failures {
		failed = append(failed, r.CapabilityID)
	}
	assert.ElementsMatch(t, []string{search.BraveID, search.TavilyID}, failed)
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("東京の天気は晴れです。", 40)

	for _, n := range []int{5, 16, 100, 301} {
		out := truncate(s, n)
		assert.True(t, utf8.ValidString(out), "budget %d", n)
		assert.LessOrEqual(t, len(out), n)
	}
	assert.True(t, strings.HasSuffix(truncate(s, 301), "...[truncated]"))
	assert.Equal(t, "abc", truncate("abc", 10))
}

func TestExecute_SearchBudget(t *testing.T) {
	q := "tokyo weather"
	f := newFixture(t,
		returns("x"),
		returns(results(search.BraveID, q, 5, "tokyo weather today sunny")),
		returns(results(search.SerperID, q, 2, "tokyo travel")),
		returns(search.NoResults),
	)

	s := New(f.reg, Config{SearchBudgetChars: 150}).Execute(context.Background(),
		router.Decision{Route: router.RouteSearchOnly}, query(q), nil, nil)

	require.Len(t, s.Search, 1)
	assert.True(t, s.Search[0].Truncated)
	assert.Len(t, s.Search[0].Output, 150)
	assert.True(t, strings.HasSuffix(s.Search[0].Output, "...[truncated]"))
}

func TestSearchProviders(t *testing.T) {
	f := newFixture(t, returns("x"), returns("x"), returns("x"), returns("x"))

	assert.Equal(t,
		[]string{search.BraveID, search.SerperID, search.TavilyID},
		New(f.reg, Config{}).SearchProviders())

	assert.Equal(t,
		[]string{search.SerperID, search.BraveID},
		New(f.reg, Config{SearchPriority: []string{search.SerperID, "bing_search", weather.ForecastID, search.BraveID, search.SerperID}}).SearchProviders())
}

func TestExecute_ToolWithSearch(t *testing.T) {
	q := "current temperature in Paris"

	t.Run("tool answers", func(t *testing.T) {
		f := newFixture(t, returns("Weather for Paris: 64°F"), returns("x"), returns("x"), returns("x"))

		s := New(f.reg, Config{}).Execute(context.Background(), router.Decision{
			Route:   router.RouteToolWithSearch,
			Targets: []router.Target{forecastTarget()},
		}, query(q), nil, nil)

		require.Len(t, s.Tools, 1)
		assert.Zero(t, f.brave.calls.Load()+f.serper.calls.Load()+f.tavily.calls.Load())
	})

	t.Run("tool fails, search rescues", func(t *testing.T) {
		f := newFixture(t,
			fails(upstreamDown),
			returns(results(search.BraveID, q, 3, "paris temperature current")),
			returns(search.NoResults),
			returns(search.NoResults),
		)

		s := New(f.reg, Config{}).Execute(context.Background(), router.Decision{
			Route:   router.RouteToolWithSearch,
			Targets: []router.Target{forecastTarget()},
		}, query(q), nil, nil)

		assert.Empty(t, s.Tools)
		require.Len(t, s.Search, 1)
		assert.False(t, s.Degraded)
		assert.Equal(t, int32(1), f.brave.calls.Load())
	})
}

func TestExecute_CombinedSupplementalSearch(t *testing.T) {
	q := "weather in Tokyo and what to pack"
	f := newFixture(t,
		returns(""),
		returns(results(search.BraveID, q, 4, "tokyo weather packing list")),
		returns(search.NoResults),
		returns(search.NoResults),
	)
	tr := trace.New(q)

	s := New(f.reg, Config{}).Execute(context.Background(), router.Decision{
		Route:   router.RouteCombined,
		Targets: []router.Target{forecastTarget()},
	}, query(q), nil, tr)

	assert.Equal(t, int32(1), f.brave.calls.Load(), "empty tool output triggers a search")
	require.Len(t, s.Search, 1)
	assert.Empty(t, s.Tools)
	assert.False(t, s.Degraded)

	var names []string
	for _, ev := range tr.Events() {
		names = append(names, ev.Name)
	}
	assert.Contains(t, names, "supplemental_search")
}

func TestExecute_CombinedDependency(t *testing.T) {
	q := "weather in Tokyo and local events"
	var upstream atomic.Value
	brave := &fake{fn: func(_ context.Context, p capability.Params) (string, error) {
		upstream.Store(p.String(UpstreamParam))
		return results(search.BraveID, q, 2, "tokyo events this weekend"), nil
	}}
	f := newFixture(t, returns("Weather for Tokyo: 20°C"), brave, returns("x"), returns("x"))

	s := New(f.reg, Config{}).Execute(context.Background(), router.Decision{
		Route: router.RouteCombined,
		Targets: []router.Target{
			{CapabilityID: search.BraveID, Params: capability.Params{"query": "events in Tokyo"}, DependsOn: weather.ForecastID},
			forecastTarget(),
		},
	}, query(q), nil, nil)

	assert.Equal(t, "Weather for Tokyo: 20°C", upstream.Load())
	require.Len(t, s.Tools, 1)
	require.Len(t, s.Search, 1)
	assert.Zero(t, f.serper.calls.Load(), "no supplemental search when the tool succeeded")
	assert.False(t, s.Degraded)
}

func TestExecute_CombinedFailedDependency(t *testing.T) {
	f := newFixture(t, fails(upstreamDown), returns("x"), returns(search.NoResults), returns(search.NoResults))

	s := New(f.reg, Config{SearchPriority: []string{search.SerperID}}).Execute(context.Background(), router.Decision{
		Route: router.RouteCombined,
		Targets: []router.Target{
			forecastTarget(),
			{CapabilityID: search.BraveID, Params: capability.Params{"query": "q"}, DependsOn: weather.ForecastID},
		},
	}, query("q"), nil, nil)

	assert.Zero(t, f.brave.calls.Load(), "dependents of a failed call are skipped")
	assert.True(t, s.Degraded)
}

func TestExecute_TotalBudget(t *testing.T) {
	f := newFixture(t, blocksUntilDone(), returns("x"), returns("x"), returns("x"))

	start := time.Now()
	s := New(f.reg, Config{
		PerCallTimeout: time.Second,
		TotalBudget:    60 * time.Millisecond,
		SearchPriority: []string{search.BraveID, search.SerperID},
	}).Execute(context.Background(), router.Decision{
		Route:   router.RouteToolWithSearch,
		Targets: []router.Target{forecastTarget()},
	}, query("weather in Tokyo"), nil, nil)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.ElementsMatch(t, []string{search.BraveID, search.SerperID}, s.Omitted)
	assert.Zero(t, f.brave.calls.Load()+f.serper.calls.Load())
	assert.True(t, s.Degraded)
}

func TestExecute_ParentCancelled(t *testing.T) {
	f := newFixture(t, blocksUntilDone(), returns("x"), returns("x"), returns("x"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(f.reg, Config{}).Execute(ctx, router.Decision{
		Route:   router.RouteToolDirect,
		Targets: []router.Target{forecastTarget()},
	}, query("weather in Tokyo"), nil, nil)

	assert.True(t, s.Degraded)
	require.Len(t, s.Failures, 1)
	assert.True(t, errors.Is(s.Failures[0].Err, context.Canceled))
}

func TestRelevance(t *testing.T) {
	q := "weather in tokyo"

	assert.Zero(t, Relevance(q, Result{Err: upstreamDown, Output: "x"}))
	assert.Zero(t, Relevance(q, Result{Output: "  "}))
	assert.Zero(t, Relevance(q, Result{Output: search.NoResults}))

	full := "Search results from brave_search for \"weather in tokyo\":\nAnswer: Sunny, 22°C in Tokyo\n" +
		results("x", q, 5, "tokyo weather")[len("Search results from x for \"weather in tokyo\":\n"):]
	assert.Equal(t, 10.0, Relevance(q, Result{Output: full}))

	onTopic := Relevance(q, Result{Output: results("x", q, 2, "tokyo weather")})
	offTopic := Relevance(q, Result{Output: results("x", q, 2, "osaka trains")})
	assert.Greater(t, onTopic, offTopic, "the echoed query in the header does not count")

	for _, out := range []string{"", "x", full, strings.Repeat("1. a\n   https://a\n", 50)} {
		s := Relevance(q, Result{Output: out})
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 10.0)
	}
}
