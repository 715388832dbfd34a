package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration for the query router.
// It is loaded from ~/.aichat/config.yaml and can be overridden by environment variables.
type Config struct {
	Router       RouterConfig       `mapstructure:"router" yaml:"router"`
	LLM          LLMConfig          `mapstructure:"llm" yaml:"llm"`
	Capabilities CapabilitiesConfig `mapstructure:"capabilities" yaml:"capabilities"`
	Storage      StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry" yaml:"telemetry"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
}

// RouterConfig controls the routing pipeline: which models make decisions,
// how long each stage may take and how search results are budgeted.
type RouterConfig struct {
	// DecisionModelID is the model used by the primary classifier.
	DecisionModelID string `mapstructure:"decision_model_id" yaml:"decision_model_id"`
	// EnhancementModelID is the model used by the query optimizer.
	EnhancementModelID string `mapstructure:"enhancement_model_id" yaml:"enhancement_model_id"`
	// GenerationModelID is the model used for the final answer.
	GenerationModelID string `mapstructure:"generation_model_id" yaml:"generation_model_id"`

	// ConfidenceThreshold below which the primary decision is discarded.
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`

	PrimaryClassifyTimeoutMs int `mapstructure:"primary_classify_timeout_ms" yaml:"primary_classify_timeout_ms"`
	OptimizeTimeoutMs        int `mapstructure:"optimize_timeout_ms" yaml:"optimize_timeout_ms"`
	PerCallTimeoutMs         int `mapstructure:"per_call_timeout_ms" yaml:"per_call_timeout_ms"`
	TotalExternalBudgetMs    int `mapstructure:"total_external_budget_ms" yaml:"total_external_budget_ms"`

	// SearchProviderPriority orders search capability ids. Empty means every
	// registered search capability in registration order.
	SearchProviderPriority []string `mapstructure:"search_provider_priority" yaml:"search_provider_priority"`
	// SearchBudgetChars caps the merged search text handed to generation.
	SearchBudgetChars int `mapstructure:"search_budget_chars" yaml:"search_budget_chars"`

	// HistoryTurns is how many recent turns are shown to the classifier and generator.
	HistoryTurns int `mapstructure:"history_turns" yaml:"history_turns"`
}

// PrimaryClassifyTimeout returns the primary classifier budget.
func (r RouterConfig) PrimaryClassifyTimeout() time.Duration {
	return time.Duration(r.PrimaryClassifyTimeoutMs) * time.Millisecond
}

// OptimizeTimeout returns the optimizer budget.
func (r RouterConfig) OptimizeTimeout() time.Duration {
	return time.Duration(r.OptimizeTimeoutMs) * time.Millisecond
}

// PerCallTimeout returns the per-capability call budget.
func (r RouterConfig) PerCallTimeout() time.Duration {
	return time.Duration(r.PerCallTimeoutMs) * time.Millisecond
}

// TotalExternalBudget returns the budget across all capability calls of one query.
func (r RouterConfig) TotalExternalBudget() time.Duration {
	return time.Duration(r.TotalExternalBudgetMs) * time.Millisecond
}

// LLMConfig contains configuration for generation backends and the model catalogue.
type LLMConfig struct {
	// Providers maps backend names (ollama, openai, anthropic, gemini, groq, openrouter) to their connection settings.
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	// Models is the startup catalogue of model ids.
	Models []ModelConfig `mapstructure:"models" yaml:"models"`
}

// ProviderConfig contains connection settings for a backend.
type ProviderConfig struct {
	// Endpoint is the API base URL (required for ollama, optional elsewhere)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	// APIKey is the authentication key; falls back to the provider's standard env var
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// TimeoutSec bounds a single HTTP exchange with the backend
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec,omitempty"`
}

// ModelConfig describes one entry of the model catalogue.
type ModelConfig struct {
	// ID is the identifier used by router settings (e.g. "gemini-flash").
	ID string `mapstructure:"id" yaml:"id"`
	// Provider names the backend serving this model.
	Provider string `mapstructure:"provider" yaml:"provider"`
	// Model is the backend's own model name.
	Model       string  `mapstructure:"model" yaml:"model"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	// JSONMode reports the backend can be asked for a strict JSON object.
	JSONMode bool `mapstructure:"json_mode" yaml:"json_mode"`
	// NativeTools reports native tool calling support. Routing never depends on it.
	NativeTools bool `mapstructure:"native_tools" yaml:"native_tools"`
}

// CapabilitiesConfig configures the external capability adapters.
type CapabilitiesConfig struct {
	OpenWeather CapabilityConfig `mapstructure:"openweather" yaml:"openweather"`
	WeatherFlow CapabilityConfig `mapstructure:"weatherflow" yaml:"weatherflow"`
	Brave       CapabilityConfig `mapstructure:"brave" yaml:"brave"`
	Serper      CapabilityConfig `mapstructure:"serper" yaml:"serper"`
	Tavily      CapabilityConfig `mapstructure:"tavily" yaml:"tavily"`
	What3Words  CapabilityConfig `mapstructure:"what3words" yaml:"what3words"`

	// GeocoderEndpoint is the Nominatim instance that turns addresses into
	// coordinates for What3Words.
	GeocoderEndpoint string `mapstructure:"geocoder_endpoint" yaml:"geocoder_endpoint"`

	// SearchCacheSize is the number of cached search responses shared by all providers.
	SearchCacheSize int `mapstructure:"search_cache_size" yaml:"search_cache_size"`
	// SearchCacheTTLSec expires cached search responses.
	SearchCacheTTLSec int `mapstructure:"search_cache_ttl_sec" yaml:"search_cache_ttl_sec"`
}

// CapabilityConfig contains settings for one capability adapter.
type CapabilityConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst     int     `mapstructure:"burst" yaml:"burst"`
}

// StorageConfig selects conversation/profile/trace persistence.
type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `mapstructure:"driver" yaml:"driver"`
	// DBPath is the SQLite database file.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format is "console" or "json"
	Format string `mapstructure:"format" yaml:"format"`
	// File additionally writes logs to this path when set
	File string `mapstructure:"file" yaml:"file,omitempty"`
}

// TelemetryConfig controls where debug traces go.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// BufferSize bounds queued traces; traces beyond it are dropped.
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
	// Persist stores traces in the database.
	Persist bool `mapstructure:"persist" yaml:"persist"`
	// LogEvents writes every trace event at debug level.
	LogEvents bool `mapstructure:"log_events" yaml:"log_events"`
}

// ServerConfig contains HTTP API settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	// DefaultUserID is used when a request does not name a user.
	DefaultUserID string `mapstructure:"default_user_id" yaml:"default_user_id"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".aichat")

	return &Config{
		Router: RouterConfig{
			DecisionModelID:          "llama3",
			EnhancementModelID:       "llama3",
			GenerationModelID:        "llama3",
			ConfidenceThreshold:      0.5,
			PrimaryClassifyTimeoutMs: 3000,
			OptimizeTimeoutMs:        2000,
			PerCallTimeoutMs:         8000,
			TotalExternalBudgetMs:    15000,
			SearchProviderPriority:   []string{"brave_search", "serper_search", "tavily_search"},
			SearchBudgetChars:        6000,
			HistoryTurns:             6,
		},
		LLM: LLMConfig{
			Providers: map[string]ProviderConfig{
				"ollama": {
					Endpoint:   "http://127.0.0.1:11434",
					TimeoutSec: 120,
				},
				"openai":     {TimeoutSec: 60},
				"anthropic":  {TimeoutSec: 60},
				"gemini":     {TimeoutSec: 60},
				"groq":       {TimeoutSec: 30},
				"openrouter": {TimeoutSec: 60},
			},
			Models: []ModelConfig{
				{ID: "llama3", Provider: "ollama", Model: "llama3.2", Temperature: 0.7, MaxTokens: 2048, JSONMode: true},
				{ID: "gpt-4o-mini", Provider: "openai", Model: "gpt-4o-mini", Temperature: 0.7, MaxTokens: 2048, JSONMode: true, NativeTools: true},
				{ID: "claude-haiku", Provider: "anthropic", Model: "claude-3-5-haiku-20241022", Temperature: 0.7, MaxTokens: 2048, NativeTools: true},
				{ID: "gemini-flash", Provider: "gemini", Model: "gemini-2.0-flash", Temperature: 0.7, MaxTokens: 2048, JSONMode: true, NativeTools: true},
				{ID: "groq-llama", Provider: "groq", Model: "llama-3.1-8b-instant", Temperature: 0.3, MaxTokens: 1024, JSONMode: true},
			},
		},
		Capabilities: CapabilitiesConfig{
			OpenWeather:       CapabilityConfig{Enabled: true, Endpoint: "https://api.openweathermap.org", RateLimit: 1, Burst: 5},
			WeatherFlow:       CapabilityConfig{Enabled: true, Endpoint: "https://swd.weatherflow.com/swd/rest", RateLimit: 1, Burst: 5},
			Brave:             CapabilityConfig{Enabled: true, Endpoint: "https://api.search.brave.com/res/v1/web/search", RateLimit: 1, Burst: 2},
			Serper:            CapabilityConfig{Enabled: true, Endpoint: "https://google.serper.dev/search", RateLimit: 5, Burst: 5},
			Tavily:            CapabilityConfig{Enabled: true, Endpoint: "https://api.tavily.com/search", RateLimit: 2, Burst: 4},
			What3Words:        CapabilityConfig{Enabled: true, Endpoint: "https://api.what3words.com/v3", RateLimit: 1, Burst: 1},
			GeocoderEndpoint:  "https://nominatim.openstreetmap.org",
			SearchCacheSize:   256,
			SearchCacheTTLSec: 900,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			DBPath: filepath.Join(dataDir, "aichat.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			Enabled:    true,
			BufferSize: 64,
			Persist:    true,
		},
		Server: ServerConfig{
			Addr:          "127.0.0.1:8742",
			DefaultUserID: "default",
		},
	}
}

// DefaultPath returns ~/.aichat/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".aichat", "config.yaml"), nil
}

// Load reads configuration from the default location and merges with
// environment variables. If no config file exists, it creates one with default values.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: AICHAT_ROUTER_CONFIDENCE_THRESHOLD=0.6
	v.SetEnvPrefix("AICHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Storage.DBPath = expandPath(cfg.Storage.DBPath)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	return &cfg, nil
}

// SaveToPath writes the configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// Model returns the catalogue entry for id.
func (c *Config) Model(id string) (ModelConfig, bool) {
	for _, m := range c.LLM.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	r := c.Router
	if r.ConfidenceThreshold < 0 || r.ConfidenceThreshold > 1 {
		return fmt.Errorf("router.confidence_threshold must be between 0 and 1, got %v", r.ConfidenceThreshold)
	}
	timeouts := map[string]int{
		"primary_classify_timeout_ms": r.PrimaryClassifyTimeoutMs,
		"optimize_timeout_ms":         r.OptimizeTimeoutMs,
		"per_call_timeout_ms":         r.PerCallTimeoutMs,
		"total_external_budget_ms":    r.TotalExternalBudgetMs,
	}
	for _, name := range []string{"primary_classify_timeout_ms", "optimize_timeout_ms", "per_call_timeout_ms", "total_external_budget_ms"} {
		if timeouts[name] <= 0 {
			return fmt.Errorf("router.%s must be positive", name)
		}
	}
	if r.SearchBudgetChars <= 0 {
		return fmt.Errorf("router.search_budget_chars must be positive")
	}
	if r.HistoryTurns < 0 {
		return fmt.Errorf("router.history_turns cannot be negative")
	}

	seen := make(map[string]bool, len(c.LLM.Models))
	for _, m := range c.LLM.Models {
		if m.ID == "" {
			return fmt.Errorf("llm.models entry with empty id")
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate model id '%s'", m.ID)
		}
		seen[m.ID] = true
		if _, ok := c.LLM.Providers[m.Provider]; !ok {
			return fmt.Errorf("model '%s' uses provider '%s' which is not configured", m.ID, m.Provider)
		}
	}

	// The optimizer and classifier may be left empty to disable them; generation may not.
	if r.GenerationModelID == "" {
		return fmt.Errorf("router.generation_model_id cannot be empty")
	}
	for key, id := range map[string]string{
		"decision_model_id":    r.DecisionModelID,
		"enhancement_model_id": r.EnhancementModelID,
		"generation_model_id":  r.GenerationModelID,
	} {
		if id != "" && !seen[id] {
			return fmt.Errorf("router.%s '%s' not found in llm.models", key, id)
		}
	}

	if c.Storage.Driver != "sqlite" && c.Storage.Driver != "memory" {
		return fmt.Errorf("invalid storage driver '%s', must be 'sqlite' or 'memory'", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path cannot be empty for sqlite")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format '%s', must be 'console' or 'json'", c.Logging.Format)
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
