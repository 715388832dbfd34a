// Package llm provides generation backends for the router.
// Supports Ollama (local), OpenAI and compatible APIs, Anthropic, and Google Gemini behind a
// single Provider interface, plus a startup-time model catalogue.
package llm

import (
	"context"
	"io"
	"net/http"
	"time"
)

// MaxErrorBodySize limits how much of an error response body is read (1MB).
const MaxErrorBodySize = 1 * 1024 * 1024

// readLimitedBody reads up to maxBytes from r.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// Provider defines the interface for LLM backends.
type Provider interface {
	// Chat sends a message and returns the response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Name returns the provider identifier.
	Name() string

	// Available returns true if the provider is configured and reachable.
	Available() bool
}

// ChatRequest represents a chat completion request.
type ChatRequest struct {
	// Model to use (provider-specific).
	Model string `json:"model"`

	// SystemPrompt sets the AI's behavior.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Messages in the conversation.
	Messages []Message `json:"messages"`

	// MaxTokens limits response length.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `json:"temperature,omitempty"`

	// JSONMode asks the backend for a single JSON object.
	JSONMode bool `json:"json_mode,omitempty"`
}

// Message represents a conversation message.
type Message struct {
	Role    string `json:"role"` // "user", "assistant"
	Content string `json:"content"`
}

// Roles used in Message.Role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatResponse contains the LLM's response.
type ChatResponse struct {
	Content          string        `json:"content"`
	Model            string        `json:"model"`
	TokensUsed       int           `json:"tokens_used,omitempty"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Duration         time.Duration `json:"duration"`
	FinishReason     string        `json:"finish_reason,omitempty"`
}

// ProviderConfig contains configuration for an LLM provider.
type ProviderConfig struct {
	// Name identifies the provider (ollama, openai, anthropic, gemini).
	Name string

	// Endpoint is the API base URL.
	Endpoint string

	// APIKey for authentication.
	APIKey string

	// Model is the default model to use.
	Model string

	// MaxTokens default for responses.
	MaxTokens int

	// Temperature default.
	Temperature float64

	// Timeout for API calls.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults for a provider.
func DefaultConfig(name string) *ProviderConfig {
	switch name {
	case "ollama":
		return &ProviderConfig{
			Name:        "ollama",
			Endpoint:    "http://127.0.0.1:11434",
			Model:       "llama3.2",
			MaxTokens:   2048,
			Temperature: 0.7,
			Timeout:     2 * time.Minute,
		}
	case "openai":
		return &ProviderConfig{
			Name:        "openai",
			Endpoint:    "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   2048,
			Temperature: 0.7,
			Timeout:     time.Minute,
		}
	case "anthropic":
		return &ProviderConfig{
			Name:        "anthropic",
			Endpoint:    "https://api.anthropic.com",
			Model:       "claude-3-5-haiku-20241022",
			MaxTokens:   2048,
			Temperature: 0.7,
			Timeout:     time.Minute,
		}
	case "groq":
		return &ProviderConfig{
			Name:        "groq",
			Endpoint:    "https://api.groq.com/openai/v1",
			Model:       "llama-3.1-8b-instant",
			MaxTokens:   2048,
			Temperature: 0.7,
			Timeout:     30 * time.Second,
		}
	case "openrouter":
		return &ProviderConfig{
			Name:        "openrouter",
			Endpoint:    "https://openrouter.ai/api/v1",
			Model:       "meta-llama/llama-3.1-8b-instruct",
			MaxTokens:   2048,
			Temperature: 0.7,
			Timeout:     time.Minute,
		}
	case "gemini":
		return &ProviderConfig{
			Name:        "gemini",
			Model:       "gemini-2.0-flash",
			MaxTokens:   2048,
			Temperature: 0.7,
			Timeout:     time.Minute,
		}
	default:
		return &ProviderConfig{
			Name:        name,
			MaxTokens:   2048,
			Temperature: 0.7,
			Timeout:     time.Minute,
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// BASE PROVIDER (shared by HTTP-based providers)
// ═══════════════════════════════════════════════════════════════════════════════

type baseProvider struct {
	config *ProviderConfig
	client *http.Client
}

// newBaseProvider applies defaults for providerName to cfg.
func newBaseProvider(cfg *ProviderConfig, providerName string) baseProvider {
	cfg = withDefaults(cfg, providerName)
	return baseProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func withDefaults(cfg *ProviderConfig, providerName string) *ProviderConfig {
	defaults := DefaultConfig(providerName)
	if cfg == nil {
		return defaults
	}

	merged := *cfg
	if merged.Endpoint == "" {
		merged.Endpoint = defaults.Endpoint
	}
	if merged.Model == "" {
		merged.Model = defaults.Model
	}
	if merged.Timeout == 0 {
		merged.Timeout = defaults.Timeout
	}
	if merged.MaxTokens == 0 {
		merged.MaxTokens = defaults.MaxTokens
	}
	if merged.Temperature == 0 {
		merged.Temperature = defaults.Temperature
	}
	merged.Name = providerName
	return &merged
}

// Name returns the provider identifier.
func (b *baseProvider) Name() string {
	return b.config.Name
}

// Available checks if the API key is configured.
func (b *baseProvider) Available() bool {
	return b.config.APIKey != ""
}

// jsonInstruction is appended to the system prompt for backends without a
// native JSON response mode.
const jsonInstruction = "\n\nRespond with a single JSON object and nothing else."
