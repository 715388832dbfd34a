package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Response header timeouts. A cold model load happens before the first
// header arrives, so these are far longer than a warm call needs; callers
// bound the whole exchange with their context.
const (
	localHeaderTimeout  = 120 * time.Second
	remoteHeaderTimeout = 300 * time.Second
)

// isRemoteEndpoint checks if the Ollama endpoint is a remote server (not localhost).
func isRemoteEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1", "host.docker.internal":
		return false
	}
	return true
}

// OllamaProvider implements the Provider interface for Ollama.
type OllamaProvider struct {
	config *ProviderConfig
	client *http.Client
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(cfg *ProviderConfig) *OllamaProvider {
	cfg = withDefaults(cfg, "ollama")

	headerTimeout := localHeaderTimeout
	if isRemoteEndpoint(cfg.Endpoint) {
		headerTimeout = remoteHeaderTimeout
	}

	return &OllamaProvider{
		config: cfg,
		client: &http.Client{
			// No Client.Timeout: the request context carries the stage budget.
			Transport: &http.Transport{
				ResponseHeaderTimeout: headerTimeout,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
			},
		},
	}
}

// Name returns the provider identifier.
func (p *OllamaProvider) Name() string {
	return "ollama"
}

// Available checks if Ollama is running and has at least one model.
func (p *OllamaProvider) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.Endpoint+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false
	}
	return len(tags.Models) > 0
}

// Chat sends a non-streaming chat request to Ollama.
func (p *OllamaProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	ollamaReq := ollamaChatRequest{
		Model:  req.Model,
		Stream: false,
	}
	if ollamaReq.Model == "" {
		ollamaReq.Model = p.config.Model
	}
	if req.JSONMode {
		ollamaReq.Format = "json"
	}

	if req.SystemPrompt != "" {
		ollamaReq.Messages = append(ollamaReq.Messages, ollamaMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		ollamaReq.Messages = append(ollamaReq.Messages, ollamaMessage{Role: msg.Role, Content: msg.Content})
	}

	ollamaReq.Options.Temperature = req.Temperature
	if ollamaReq.Options.Temperature == 0 {
		ollamaReq.Options.Temperature = p.config.Temperature
	}
	ollamaReq.Options.NumPredict = req.MaxTokens
	if ollamaReq.Options.NumPredict == 0 {
		ollamaReq.Options.NumPredict = p.config.MaxTokens
	}

	body, err := json.Marshal(ollamaReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var ollamaResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &ChatResponse{
		Content:          ollamaResp.Message.Content,
		Model:            ollamaResp.Model,
		PromptTokens:     ollamaResp.PromptEvalCount,
		CompletionTokens: ollamaResp.EvalCount,
		TokensUsed:       ollamaResp.PromptEvalCount + ollamaResp.EvalCount,
		Duration:         time.Since(start),
		FinishReason:     ollamaResp.DoneReason,
	}, nil
}

// Ollama API types
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}
