package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements the Provider interface using the OpenAI Chat
// Completions API.
type OpenAIProvider struct {
	config *ProviderConfig
	client *openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider. A custom endpoint makes it
// usable with any OpenAI-compatible server.
func NewOpenAIProvider(cfg *ProviderConfig) *OpenAIProvider {
	return NewCompatibleProvider("openai", cfg)
}

// NewCompatibleProvider creates a provider for an OpenAI-compatible API such
// as Groq or OpenRouter. name selects the default endpoint and labels metrics.
func NewCompatibleProvider(name string, cfg *ProviderConfig) *OpenAIProvider {
	cfg = withDefaults(cfg, name)

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = cfg.Endpoint
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAIProvider{
		config: cfg,
		client: openai.NewClientWithConfig(clientCfg),
	}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return p.config.Name
}

// Available checks if the API key is configured.
func (p *OpenAIProvider) Available() bool {
	return p.config.APIKey != ""
}

// Chat sends a chat completion request.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if p.config.APIKey == "" {
		return nil, fmt.Errorf("%s API key not configured", p.config.Name)
	}

	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.config.Temperature
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	apiReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: float32(temperature),
	}
	if req.JSONMode {
		apiReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, fmt.Errorf("%s chat completion: %w", p.config.Name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", p.config.Name)
	}

	return &ChatResponse{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TokensUsed:       resp.Usage.TotalTokens,
		Duration:         time.Since(start),
		FinishReason:     string(resp.Choices[0].FinishReason),
	}, nil
}
