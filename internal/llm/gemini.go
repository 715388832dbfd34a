package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/genai"
)

// GeminiProvider implements the Provider interface for Google Gemini using
// the genai SDK. The client is created lazily on first use.
type GeminiProvider struct {
	config *ProviderConfig

	once      sync.Once
	client    *genai.Client
	clientErr error
}

// NewGeminiProvider creates a new Gemini provider.
func NewGeminiProvider(cfg *ProviderConfig) *GeminiProvider {
	return &GeminiProvider{config: withDefaults(cfg, "gemini")}
}

// Name returns the provider identifier.
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Available checks if the API key is configured.
func (p *GeminiProvider) Available() bool {
	return p.config.APIKey != ""
}

func (p *GeminiProvider) getClient(ctx context.Context) (*genai.Client, error) {
	p.once.Do(func() {
		clientCfg := &genai.ClientConfig{
			APIKey:  p.config.APIKey,
			Backend: genai.BackendGeminiAPI,
		}
		if p.config.Endpoint != "" {
			clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: p.config.Endpoint}
		}
		p.client, p.clientErr = genai.NewClient(ctx, clientCfg)
	})
	return p.client, p.clientErr
}

// Chat sends a GenerateContent request to Gemini.
func (p *GeminiProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if p.config.APIKey == "" {
		return nil, fmt.Errorf("gemini API key not configured")
	}

	client, err := p.getClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
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

	// Gemini uses "user" and "model" roles.
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if msg.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}

	genCfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(temperature)),
		MaxOutputTokens: int32(maxTokens),
	}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.JSONMode {
		genCfg.ResponseMIMEType = "application/json"
	}

	resp, err := client.Models.GenerateContent(ctx, model, contents, genCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}

	out := &ChatResponse{
		Content:  resp.Text(),
		Model:    model,
		Duration: time.Since(start),
	}
	if resp.UsageMetadata != nil {
		out.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		out.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	if len(resp.Candidates) > 0 {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	return out, nil
}
