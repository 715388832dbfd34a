package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkilleen4417/ai-chat-mp/internal/config"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ANTHROPIC
// ═══════════════════════════════════════════════════════════════════════════════

func TestAnthropicChat_JSONPrefill(t *testing.T) {
	var got anthropicChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Write([]byte(`{"model":"claude","stop_reason":"end_turn",
			"content":[{"type":"text","text":"\"route_type\":\"search_only\"}"}],
			"usage":{"input_tokens":10,"output_tokens":5}}`))
	}))
	defer server.Close()

	provider := NewAnthropicProvider(&ProviderConfig{Endpoint: server.URL, APIKey: "sk-ant"})
	resp, err := provider.Chat(context.Background(), &ChatRequest{
		SystemPrompt: "route",
		Messages:     []Message{{Role: RoleUser, Content: "news today"}},
		JSONMode:     true,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"route_type":"search_only"}`, resp.Content)
	assert.Equal(t, 15, resp.TokensUsed)
	assert.Contains(t, got.System, "single JSON object")
	require.Len(t, got.Messages, 2)
	assert.Equal(t, RoleAssistant, got.Messages[1].Role)
}

func TestAnthropicChat_NoKey(t *testing.T) {
	provider := NewAnthropicProvider(nil)
	assert.False(t, provider.Available())
	_, err := provider.Chat(context.Background(), &ChatRequest{})
	assert.Error(t, err)
}

// ═══════════════════════════════════════════════════════════════════════════════
// OPENAI
// ═══════════════════════════════════════════════════════════════════════════════

func TestOpenAIChat(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","object":"chat.completion","model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(&ProviderConfig{Endpoint: server.URL, APIKey: "sk-test"})
	resp, err := provider.Chat(context.Background(), &ChatRequest{
		Model:        "gpt-4o-mini",
		SystemPrompt: "be brief",
		Messages:     []Message{{Role: RoleUser, Content: "hi"}},
		JSONMode:     true,
	})
	require.NoError(t, err)

	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 5, resp.TokensUsed)
	assert.Equal(t, "stop", resp.FinishReason)

	format, ok := got["response_format"].(map[string]any)
	require.True(t, ok, "json mode must set response_format")
	assert.Equal(t, "json_object", format["type"])
	msgs := got["messages"].([]any)
	assert.Len(t, msgs, 2)
}

// ═══════════════════════════════════════════════════════════════════════════════
// METRICS + CATALOG
// ═══════════════════════════════════════════════════════════════════════════════

func TestMetricsProvider(t *testing.T) {
	calls := 0
	mock := &MockProvider{
		ProviderName: "openai",
		ChatFunc: func(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
			calls++
			if calls == 2 {
				return nil, errors.New("upstream")
			}
			return &ChatResponse{Content: "ok", PromptTokens: 1_000_000, CompletionTokens: 0, TokensUsed: 1_000_000}, nil
		},
	}
	m := NewMetricsProvider(mock)

	_, err := m.Chat(context.Background(), &ChatRequest{Model: "gpt-4o-mini"})
	require.NoError(t, err)
	_, err = m.Chat(context.Background(), &ChatRequest{Model: "gpt-4o-mini"})
	require.Error(t, err)

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Calls)
	assert.Equal(t, int64(1), snap.Errors)
	assert.InDelta(t, 0.5, snap.ErrorRate, 1e-9)
	assert.InDelta(t, CostRates["openai"].InputPerMillion, snap.EstimatedCost, 1e-9)
	assert.Equal(t, int64(2), snap.Models["gpt-4o-mini"].Calls)

	m.Reset()
	assert.Zero(t, m.Snapshot().Calls)
}

func TestNewCatalog(t *testing.T) {
	cfg := config.Default().LLM

	cat, err := NewCatalog(cfg)
	require.NoError(t, err)

	b, err := cat.Resolve("gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "openai", b.Provider.Name())
	assert.True(t, b.Capabilities.JSONMode)
	assert.Equal(t, "gpt-4o-mini", b.Model)

	b, err = cat.Resolve("groq-llama")
	require.NoError(t, err)
	assert.Equal(t, "groq", b.Provider.Name())

	_, err = cat.Resolve("nope")
	assert.ErrorIs(t, err, ErrUnknownModel)

	assert.Len(t, cat.ModelIDs(), len(cfg.Models))
	assert.Equal(t, 5, cat.Metrics().Summary().ProviderCount)
}

func TestNewCatalog_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LLMConfig
	}{
		{
			name: "missing provider config",
			cfg: config.LLMConfig{
				Models: []config.ModelConfig{{ID: "a", Provider: "ollama"}},
			},
		},
		{
			name: "unknown provider",
			cfg: config.LLMConfig{
				Providers: map[string]config.ProviderConfig{"mistral": {}},
				Models:    []config.ModelConfig{{ID: "a", Provider: "mistral"}},
			},
		},
		{
			name: "duplicate id",
			cfg: config.LLMConfig{
				Providers: map[string]config.ProviderConfig{"ollama": {}},
				Models: []config.ModelConfig{
					{ID: "a", Provider: "ollama"},
					{ID: "a", Provider: "ollama"},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestBackendRequest(t *testing.T) {
	b := Backend{ModelID: "fast", Model: "llama3.2", Temperature: 0.2, MaxTokens: 256}
	req := b.Request("sys", []Message{{Role: RoleUser, Content: "q"}})

	assert.Equal(t, "llama3.2", req.Model)
	assert.Equal(t, 0.2, req.Temperature)
	assert.Equal(t, 256, req.MaxTokens)
	assert.Equal(t, "sys", req.SystemPrompt)
}
