package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
	"github.com/dkilleen4417/ai-chat-mp/internal/conversation"
	"github.com/dkilleen4417/ai-chat-mp/internal/enhancer"
	"github.com/dkilleen4417/ai-chat-mp/internal/llm"
	"github.com/dkilleen4417/ai-chat-mp/internal/orchestrator"
	"github.com/dkilleen4417/ai-chat-mp/internal/router"
)

func newGenerator(p llm.Provider) *Generator {
	return New(llm.NewStaticCatalog(llm.Backend{
		ModelID:     "gen",
		Model:       "test-model",
		Provider:    p,
		Temperature: 0.7,
		MaxTokens:   1024,
	}))
}

func conversationWith(n int) *conversation.Context {
	c := conversation.New("c1")
	for i := 0; i < n; i++ {
		role := conversation.RoleUser
		if i%2 == 1 {
			role = conversation.RoleAssistant
		}
		c.Turns = append(c.Turns, conversation.Turn{Role: role, Content: fmt.Sprintf("turn %d", i)})
	}
	return c
}

func TestGenerate(t *testing.T) {
	mock := llm.NewMockProvider("  It is 74°F in Catonsville.  ")
	synth := &orchestrator.SynthesisContext{
		Query: "what's the weather at home",
		Route: router.RouteToolDirect,
		Tools: []orchestrator.Result{{CapabilityID: "home_weather", Kind: capability.KindTool, Output: "Temperature: 74°F"}},
	}

	resp, err := newGenerator(mock).Generate(context.Background(), conversationWith(4), synth, ModelConfig{ModelID: "gen"})
	require.NoError(t, err)

	assert.Equal(t, "It is 74°F in Catonsville.", resp.Content)
	assert.Equal(t, "gen", resp.ModelID)
	assert.Equal(t, "mock", resp.Provider)

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, 0.7, req.Temperature)
	assert.Contains(t, req.SystemPrompt, DefaultSystemPrompt)
	assert.Contains(t, req.SystemPrompt, "EXACT values")
	assert.Contains(t, req.SystemPrompt, "personal context")

	require.Len(t, req.Messages, 5)
	assert.Equal(t, llm.RoleAssistant, req.Messages[1].Role)
	last := req.Messages[4]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.True(t, strings.HasPrefix(last.Content, "Here are the tool and search results"))
	assert.Contains(t, last.Content, "[home_weather]\nTemperature: 74°F")
	assert.True(t, strings.HasSuffix(last.Content, "what's the weather at home"))
}

func TestGenerate_Overrides(t *testing.T) {
	mock := llm.NewMockProvider("ok")

	_, err := newGenerator(mock).Generate(context.Background(), conversationWith(30),
		&orchestrator.SynthesisContext{Query: "hi"},
		ModelConfig{ModelID: "gen", SystemPrompt: "Be terse.", HistoryTurns: 2, Temperature: 0.2, MaxTokens: 50})
	require.NoError(t, err)

	req := mock.Requests()[0]
	assert.True(t, strings.HasPrefix(req.SystemPrompt, "Be terse."))
	assert.Equal(t, 0.2, req.Temperature)
	assert.Equal(t, 50, req.MaxTokens)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "turn 28", req.Messages[0].Content)
	assert.Equal(t, "hi", req.Messages[2].Content, "no results block without data")
}

func TestGenerate_Failures(t *testing.T) {
	backendDown := errors.New("connection refused")

	tests := []struct {
		name    string
		model   string
		chat    func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
		delay   time.Duration
		wantErr error
	}{
		{
			name:    "unknown model",
			model:   "missing",
			wantErr: llm.ErrUnknownModel,
		},
		{
			name:  "backend error",
			model: "gen",
			chat: func(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
				return nil, backendDown
			},
			wantErr: backendDown,
		},
		{
			name:  "empty answer",
			model: "gen",
			chat: func(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
				return &llm.ChatResponse{Content: "\n"}, nil
			},
			wantErr: errEmptyResponse,
		},
		{
			name:    "deadline",
			model:   "gen",
			delay:   time.Second,
			wantErr: context.DeadlineExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := llm.NewMockProvider("unused")
			if tt.chat != nil {
				mock.ChatFunc = tt.chat
			}
			mock.Delay = tt.delay

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			resp, err := newGenerator(mock).Generate(ctx, nil, &orchestrator.SynthesisContext{Query: "q"}, ModelConfig{ModelID: tt.model})
			assert.Nil(t, resp)

			var gerr *GenerationError
			require.ErrorAs(t, err, &gerr)
			assert.Equal(t, FailureMessage, err.Error())
			assert.Equal(t, tt.model, gerr.ModelID)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Contains(t, gerr.Detail(), tt.model)
		})
	}
}

func TestSystemPrompt_Unavailable(t *testing.T) {
	degraded := &orchestrator.SynthesisContext{Route: router.RouteToolDirect, Degraded: true}
	assert.Contains(t, SystemPrompt("", degraded), "could not be retrieved")

	withData := &orchestrator.SynthesisContext{
		Degraded: true,
		Search:   []orchestrator.Result{{CapabilityID: "brave_search", Output: "1. x", Score: 5}},
	}
	assert.NotContains(t, SystemPrompt("", withData), "could not be retrieved")
	assert.NotContains(t, SystemPrompt("", nil), "could not be retrieved")
}

func TestMessages_NilInputs(t *testing.T) {
	msgs := Messages(nil, nil, 0)
	require.Len(t, msgs, 1)
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
	assert.Empty(t, msgs[0].Content)
}

func TestMessages_DropsHistoryForOffTopicQuestion(t *testing.T) {
	conv := conversationWith(20)
	conv.Topic = conversation.TopicState{Established: true, Label: "telescope", Confidence: 0.5}

	msgs := Messages(conv, &orchestrator.SynthesisContext{Query: "What's the weather in Paris?"}, 6)
	require.Len(t, msgs, 1)
	assert.Equal(t, "What's the weather in Paris?", msgs[0].Content)

	msgs = Messages(conv, &orchestrator.SynthesisContext{Query: "Tell me more about that"}, 6)
	require.Len(t, msgs, 7)
	assert.Equal(t, "turn 14", msgs[0].Content)
}

func TestMessages_IgnoresInjectedContextWhenPickingHistory(t *testing.T) {
	conv := conversationWith(20)
	conv.Topic = conversation.TopicState{Established: true, Label: "telescope", Confidence: 0.5}

	q := "How do I clean it?\n\n" + enhancer.Marker + " weather station: ST-1"
	msgs := Messages(conv, &orchestrator.SynthesisContext{Query: q}, 6)
	require.Len(t, msgs, 7)
	assert.Equal(t, q, msgs[6].Content)
}
