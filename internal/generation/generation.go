// Package generation produces the final answer from a SynthesisContext.
// Capability results are injected as plain text so every backend sees the
// same prompt regardless of its native tool support.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkilleen4417/ai-chat-mp/internal/conversation"
	"github.com/dkilleen4417/ai-chat-mp/internal/enhancer"
	"github.com/dkilleen4417/ai-chat-mp/internal/llm"
	"github.com/dkilleen4417/ai-chat-mp/internal/orchestrator"
)

// FailureMessage is the user-facing text of every GenerationError.
const FailureMessage = "Sorry, I couldn't generate a response right now. Please try again."

// DefaultSystemPrompt is used when ModelConfig.SystemPrompt is empty.
const DefaultSystemPrompt = "You are a helpful AI assistant with access to live weather data and web search."

const (
	userContextInstruction = "Remember to use the user's personal context (location, weather station, preferences) when relevant to their queries."

	exactValuesInstruction = `CRITICAL: When using tool or search results, you MUST use the EXACT values they contain. Do not approximate, round, or generate similar values. If a tool returns "74°F", you must state "74°F" exactly. This is especially important for weather data, prices, measurements, and other precise information.`

	unavailableInstruction = "Live data for this question could not be retrieved. Say so briefly instead of guessing current values."

	resultsPreamble = "Here are the tool and search results to help you answer:"

	defaultHistoryTurns = 10
)

var errEmptyResponse = errors.New("empty response")

// GenerationError is returned when no answer could be produced. Its text is
// safe to show to the user; the cause is available through Unwrap.
type GenerationError struct {
	ModelID string
	Err     error
}

func (e *GenerationError) Error() string {
	return FailureMessage
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Detail describes the underlying failure for logs.
func (e *GenerationError) Detail() string {
	if e.Err == nil {
		return fmt.Sprintf("model %s: unknown failure", e.ModelID)
	}
	return fmt.Sprintf("model %s: %v", e.ModelID, e.Err)
}

// ModelConfig selects the generation model and shapes the request.
type ModelConfig struct {
	ModelID      string
	SystemPrompt string

	// HistoryTurns is how many previous turns are sent; zero means ten.
	HistoryTurns int

	// Temperature and MaxTokens override the catalogue defaults when set.
	Temperature float64
	MaxTokens   int
}

// Usage reports token counts for one generation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a generated answer.
type Response struct {
	Content      string        `json:"content"`
	ModelID      string        `json:"model_id"`
	Provider     string        `json:"provider"`
	Usage        Usage         `json:"usage"`
	Duration     time.Duration `json:"duration"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

// Generator resolves backends from a model catalogue.
type Generator struct {
	catalog *llm.Catalog
}

// New creates a generator.
func New(catalog *llm.Catalog) *Generator {
	return &Generator{catalog: catalog}
}

// Generate answers the query in synth using the model mc names. Every
// failure is a *GenerationError.
func (g *Generator) Generate(ctx context.Context, conv *conversation.Context, synth *orchestrator.SynthesisContext, mc ModelConfig) (*Response, error) {
	backend, err := g.catalog.Resolve(mc.ModelID)
	if err != nil {
		return nil, &GenerationError{ModelID: mc.ModelID, Err: err}
	}

	req := backend.Request(SystemPrompt(mc.SystemPrompt, synth), Messages(conv, synth, mc.HistoryTurns))
	if mc.Temperature > 0 {
		req.Temperature = mc.Temperature
	}
	if mc.MaxTokens > 0 {
		req.MaxTokens = mc.MaxTokens
	}

	start := time.Now()
	resp, err := backend.Provider.Chat(ctx, req)
	if err == nil && strings.TrimSpace(resp.Content) == "" {
		err = errEmptyResponse
	}
	if err != nil {
		gerr := &GenerationError{ModelID: mc.ModelID, Err: err}
		log.Warn().Str("model", mc.ModelID).Str("provider", backend.Provider.Name()).Msg(gerr.Detail())
		return nil, gerr
	}

	return &Response{
		Content:  strings.TrimSpace(resp.Content),
		ModelID:  mc.ModelID,
		Provider: backend.Provider.Name(),
		Usage: Usage{
			InputTokens:  resp.PromptTokens,
			OutputTokens: resp.CompletionTokens,
		},
		Duration:     time.Since(start),
		FinishReason: resp.FinishReason,
	}, nil
}

// SystemPrompt builds the system prompt: the base prompt, the user-context
// and exact-values instructions, and a note when live data was wanted but
// none arrived.
func SystemPrompt(base string, synth *orchestrator.SynthesisContext) string {
	if strings.TrimSpace(base) == "" {
		base = DefaultSystemPrompt
	}
	parts := []string{strings.TrimSpace(base), userContextInstruction, exactValuesInstruction}
	if synth != nil && synth.Degraded && !synth.HasData() {
		parts = append(parts, unavailableInstruction)
	}
	return strings.Join(parts, "\n\n")
}

// Messages returns the relevant history of conv followed by the current
// query, with capability results prepended to the query.
func Messages(conv *conversation.Context, synth *orchestrator.SynthesisContext, historyTurns int) []llm.Message {
	if historyTurns <= 0 {
		historyTurns = defaultHistoryTurns
	}

	var query string
	if synth != nil {
		query = synth.Query
	}

	question, _, _ := strings.Cut(query, "\n\n"+enhancer.Marker)
	history, why := conversation.Window(conv, question, historyTurns)
	log.Debug().Int("turns", len(history)).Msg(why)

	var msgs []llm.Message
	for _, t := range history {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		role := llm.RoleUser
		if t.Role == conversation.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}

	if block := synth.Render(); block != "" {
		query = resultsPreamble + "\n\n" + block + "\n\n" + query
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: query})
}
