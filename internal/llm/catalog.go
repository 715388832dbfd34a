package llm

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dkilleen4417/ai-chat-mp/internal/config"
)

// ErrUnknownModel is returned when a model id is not in the catalogue.
var ErrUnknownModel = errors.New("unknown model id")

// Capabilities describes what a backend can do for a model.
type Capabilities struct {
	JSONMode    bool `json:"json_mode"`
	NativeTools bool `json:"native_tools"`
}

// Backend is a resolved catalogue entry: the provider plus the request
// defaults for one model id.
type Backend struct {
	ModelID      string
	Model        string
	Provider     Provider
	Capabilities Capabilities
	Temperature  float64
	MaxTokens    int
}

// Request builds a ChatRequest carrying this model's defaults.
func (b Backend) Request(system string, messages []Message) *ChatRequest {
	return &ChatRequest{
		Model:        b.Model,
		SystemPrompt: system,
		Messages:     messages,
		MaxTokens:    b.MaxTokens,
		Temperature:  b.Temperature,
	}
}

// Catalog maps model ids to backends. It is built once at startup and is
// read-only afterwards.
type Catalog struct {
	backends map[string]Backend
	metrics  *MetricsRegistry
}

// providerFactory builds a provider by backend name.
type providerFactory func(cfg *ProviderConfig) Provider

var factories = map[string]providerFactory{
	"ollama":    func(cfg *ProviderConfig) Provider { return NewOllamaProvider(cfg) },
	"openai":    func(cfg *ProviderConfig) Provider { return NewOpenAIProvider(cfg) },
	"anthropic": func(cfg *ProviderConfig) Provider { return NewAnthropicProvider(cfg) },
	"gemini":    func(cfg *ProviderConfig) Provider { return NewGeminiProvider(cfg) },

	"groq":       func(cfg *ProviderConfig) Provider { return NewCompatibleProvider("groq", cfg) },
	"openrouter": func(cfg *ProviderConfig) Provider { return NewCompatibleProvider("openrouter", cfg) },
}

// apiKeyEnv lists the conventional environment variable per backend.
var apiKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",

	"groq":       "GROQ_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// NewCatalog builds a catalogue from configuration. Every provider is wrapped
// with a MetricsProvider, and providers are shared between models.
func NewCatalog(cfg config.LLMConfig) (*Catalog, error) {
	c := &Catalog{
		backends: make(map[string]Backend, len(cfg.Models)),
		metrics:  NewMetricsRegistry(),
	}

	providers := make(map[string]Provider)
	for _, m := range cfg.Models {
		if _, dup := c.backends[m.ID]; dup {
			return nil, fmt.Errorf("duplicate model id '%s'", m.ID)
		}

		provider, ok := providers[m.Provider]
		if !ok {
			pc, exists := cfg.Providers[m.Provider]
			if !exists {
				return nil, fmt.Errorf("model '%s': provider '%s' not found in configuration", m.ID, m.Provider)
			}
			factory, known := factories[m.Provider]
			if !known {
				return nil, fmt.Errorf("model '%s': unknown provider: %s", m.ID, m.Provider)
			}

			apiKey := pc.APIKey
			if apiKey == "" {
				apiKey = os.Getenv(apiKeyEnv[m.Provider])
			}
			wrapped := NewMetricsProvider(factory(&ProviderConfig{
				Name:     m.Provider,
				Endpoint: pc.Endpoint,
				APIKey:   apiKey,
				Timeout:  time.Duration(pc.TimeoutSec) * time.Second,
			}))
			c.metrics.Register(wrapped)
			provider = wrapped
			providers[m.Provider] = provider
		}

		c.backends[m.ID] = Backend{
			ModelID:  m.ID,
			Model:    m.Model,
			Provider: provider,
			Capabilities: Capabilities{
				JSONMode:    m.JSONMode,
				NativeTools: m.NativeTools,
			},
			Temperature: m.Temperature,
			MaxTokens:   m.MaxTokens,
		}
	}

	return c, nil
}

// NewStaticCatalog builds a catalogue from already constructed backends.
func NewStaticCatalog(backends ...Backend) *Catalog {
	c := &Catalog{
		backends: make(map[string]Backend, len(backends)),
		metrics:  NewMetricsRegistry(),
	}
	for _, b := range backends {
		c.backends[b.ModelID] = b
	}
	return c
}

// Resolve returns the backend for a model id.
func (c *Catalog) Resolve(modelID string) (Backend, error) {
	b, ok := c.backends[modelID]
	if !ok {
		return Backend{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return b, nil
}

// ModelIDs returns all catalogue ids in sorted order.
func (c *Catalog) ModelIDs() []string {
	ids := make([]string, 0, len(c.backends))
	for id := range c.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Metrics returns the registry tracking every provider in the catalogue.
func (c *Catalog) Metrics() *MetricsRegistry {
	return c.metrics
}
