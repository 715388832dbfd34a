package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
	"github.com/dkilleen4417/ai-chat-mp/internal/config"
)

func TestBrave(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "brave-key", r.Header.Get("X-Subscription-Token"))
		assert.Equal(t, "mars rover", r.URL.Query().Get("q"))
		assert.Equal(t, "3", r.URL.Query().Get("count"))
		w.Write([]byte(`{"web":{"results":[
			{"title":"Perseverance <strong>update</strong>","url":"https://nasa.gov/p","description":"The rover drilled a new core."},
			{"title":"","url":"https://empty.example","description":""}
		]}}`))
	}))
	defer server.Close()

	p := NewBrave("brave-key", WithEndpoint(server.URL))
	out, err := p.Invoke(context.Background(), capability.Params{"query": "mars rover", "num_results": 3})
	require.NoError(t, err)

	assert.Contains(t, out, `Search results from brave_search for "mars rover"`)
	assert.Contains(t, out, "1. Perseverance update")
	assert.Contains(t, out, "https://nasa.gov/p")
	assert.NotContains(t, out, "2.", "blank results are dropped")
	assert.True(t, p.Sufficient(out))
}

func TestSerper(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "serper-key", r.Header.Get("X-API-KEY"))
		var req serperRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "capital of peru", req.Q)
		assert.Equal(t, 5, req.Num)
		w.Write([]byte(`{"answerBox":{"answer":"Lima"},"organic":[{"title":"Lima","link":"https://en.wikipedia.org/wiki/Lima","snippet":"Lima is the capital of Peru."}]}`))
	}))
	defer server.Close()

	p := NewSerper("serper-key", WithEndpoint(server.URL))
	out, err := p.Invoke(context.Background(), capability.Params{"query": "capital of peru"})
	require.NoError(t, err)
	assert.Contains(t, out, "Answer: Lima")
	assert.Contains(t, out, "Lima is the capital of Peru.")
}

func TestTavily(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tavilyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tavily-key", req.APIKey)
		assert.Equal(t, 10, req.MaxResults, "num_results is clamped")
		assert.True(t, req.IncludeAnswer)
		w.Write([]byte(`{"answer":"","results":[{"title":"Safe <script>alert(1)</script>title","url":"https://x.example","content":"click javascript:run() now","score":0.9}]}`))
	}))
	defer server.Close()

	p := NewTavily("tavily-key", WithEndpoint(server.URL))
	out, err := p.Invoke(context.Background(), capability.Params{"query": "anything", "num_results": 50})
	require.NoError(t, err)
	assert.Contains(t, out, "Safe title")
	assert.NotContains(t, out, "<script>")
	assert.NotContains(t, out, "javascript:")
}

func TestProvider_NoResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"web":{"results":[]}}`))
	}))
	defer server.Close()

	p := NewBrave("k", WithEndpoint(server.URL))
	out, err := p.Invoke(context.Background(), capability.Params{"query": "zzqx"})
	require.NoError(t, err)
	assert.Equal(t, NoResults, out)
	assert.False(t, p.Sufficient(out))
	assert.False(t, capability.Sufficient(p, out))
}

func TestProvider_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   capability.ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, capability.ErrRateLimited},
		{"bad key", http.StatusUnauthorized, capability.ErrNotConfigured},
		{"server error", http.StatusBadGateway, capability.ErrUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			p := NewSerper("k", WithEndpoint(server.URL))
			_, err := p.Invoke(context.Background(), capability.Params{"query": "q"})
			require.Error(t, err)
			assert.Equal(t, tt.want, capability.KindOf(err))
		})
	}

	t.Run("missing key", func(t *testing.T) {
		_, err := NewTavily("").Invoke(context.Background(), capability.Params{"query": "q"})
		assert.Equal(t, capability.ErrNotConfigured, capability.KindOf(err))
	})

	t.Run("empty query", func(t *testing.T) {
		_, err := NewTavily("k").Invoke(context.Background(), capability.Params{"query": "  "})
		assert.Equal(t, capability.ErrInvalidParams, capability.KindOf(err))
	})

	t.Run("deadline", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer server.Close()
		defer close(release)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := NewBrave("k", WithEndpoint(server.URL)).Invoke(ctx, capability.Params{"query": "q"})
		require.Error(t, err)
		assert.Equal(t, capability.ErrTimeout, capability.KindOf(err))
	})
}

func TestCache(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"web":{"results":[{"title":"t","url":"u","description":"d"}]}}`))
	}))
	defer server.Close()

	cache := NewCache(8, time.Minute)
	p := NewBrave("k", WithEndpoint(server.URL), WithCache(cache))

	first, err := p.Invoke(context.Background(), capability.Params{"query": "Same  Query"})
	require.NoError(t, err)
	second, err := p.Invoke(context.Background(), capability.Params{"query": "same query"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, cache.Len())
	assert.Contains(t, second, "1. t")
	assert.Contains(t, first, "1. t")

	assert.Nil(t, NewCache(0, time.Minute))
	var none *Cache
	assert.Equal(t, 0, none.Len())
}

func TestRegister(t *testing.T) {
	t.Setenv("BRAVE_API_KEY", "")
	t.Setenv("SERPER_API_KEY", "from-env")
	t.Setenv("TAVILY_API_KEY", "")

	cfg := config.Default().Capabilities
	cfg.Brave.APIKey = "configured"
	cfg.Tavily.Enabled = false

	reg := capability.NewRegistry()
	ids, err := Register(reg, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{BraveID, SerperID}, ids)

	d, err := reg.Lookup(SerperID)
	require.NoError(t, err)
	assert.Equal(t, capability.KindSearch, d.Kind)
	assert.Equal(t, capability.ScopeGeneric, d.Scope)
	_, ok := d.Param("query")
	assert.True(t, ok)
}
