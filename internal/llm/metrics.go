package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COST RATES (per million tokens)
// ═══════════════════════════════════════════════════════════════════════════════

// ProviderCostRates defines cost per million tokens for each provider.
type ProviderCostRates struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// CostRates maps provider names to their token costs (USD per million tokens).
var CostRates = map[string]ProviderCostRates{
	"ollama":     {0.0, 0.0},
	"openai":     {0.15, 0.60}, // gpt-4o-mini
	"anthropic":  {0.80, 4.00}, // Claude 3.5 Haiku
	"gemini":     {0.10, 0.40}, // Gemini 2.0 Flash
	"groq":       {0.05, 0.08}, // Llama 3.1 8B Instant
	"openrouter": {0.05, 0.05}, // Llama 3.1 8B Instruct
}

// GetCostRate returns the cost rate for a provider.
func GetCostRate(provider string) ProviderCostRates {
	if rate, ok := CostRates[provider]; ok {
		return rate
	}
	return ProviderCostRates{1.0, 2.0}
}

// IsLocalProvider returns true if the provider runs locally (free).
func IsLocalProvider(provider string) bool {
	return provider == "ollama"
}

// MetricsProvider wraps an LLM provider with timing and usage collection.
type MetricsProvider struct {
	provider Provider
	name     string

	totalCalls        int64
	totalErrors       int64
	totalInputTokens  int64
	totalOutputTokens int64

	mu               sync.RWMutex
	totalLatency     time.Duration
	maxLatency       time.Duration
	modelStats       map[string]*ModelMetrics
	estimatedCostUSD float64
}

// ModelMetrics tracks per-model usage.
type ModelMetrics struct {
	Calls         int64   `json:"calls"`
	Errors        int64   `json:"errors"`
	AvgLatencyMs  int64   `json:"avg_latency_ms"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	EstimatedCost float64 `json:"cost_usd"`

	totalLatency time.Duration
}

// Snapshot is a point-in-time copy of a provider's metrics.
type Snapshot struct {
	Provider      string                  `json:"provider"`
	IsLocal       bool                    `json:"is_local"`
	Calls         int64                   `json:"total_calls"`
	Errors        int64                   `json:"total_errors"`
	ErrorRate     float64                 `json:"error_rate"`
	InputTokens   int64                   `json:"input_tokens"`
	OutputTokens  int64                   `json:"output_tokens"`
	EstimatedCost float64                 `json:"estimated_cost"`
	AvgLatencyMs  int64                   `json:"avg_latency_ms"`
	MaxLatencyMs  int64                   `json:"max_latency_ms"`
	Models        map[string]ModelMetrics `json:"models"`
}

// NewMetricsProvider wraps a provider with metrics collection.
func NewMetricsProvider(provider Provider) *MetricsProvider {
	return &MetricsProvider{
		provider:   provider,
		name:       provider.Name(),
		modelStats: make(map[string]*ModelMetrics),
	}
}

// Chat implements Provider with metrics.
func (m *MetricsProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	resp, err := m.provider.Chat(ctx, req)
	latency := time.Since(start)

	atomic.AddInt64(&m.totalCalls, 1)
	if err != nil {
		atomic.AddInt64(&m.totalErrors, 1)
	}

	var cost float64
	if resp != nil {
		atomic.AddInt64(&m.totalInputTokens, int64(resp.PromptTokens))
		atomic.AddInt64(&m.totalOutputTokens, int64(resp.CompletionTokens))
		rates := GetCostRate(m.name)
		cost = float64(resp.PromptTokens)/1_000_000.0*rates.InputPerMillion +
			float64(resp.CompletionTokens)/1_000_000.0*rates.OutputPerMillion
	}

	m.mu.Lock()
	m.totalLatency += latency
	if latency > m.maxLatency {
		m.maxLatency = latency
	}
	stats, ok := m.modelStats[req.Model]
	if !ok {
		stats = &ModelMetrics{}
		m.modelStats[req.Model] = stats
	}
	stats.Calls++
	stats.totalLatency += latency
	if err != nil {
		stats.Errors++
	}
	if resp != nil {
		stats.InputTokens += int64(resp.PromptTokens)
		stats.OutputTokens += int64(resp.CompletionTokens)
		stats.EstimatedCost += cost
		m.estimatedCostUSD += cost
	}
	m.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Str("provider", m.name).Str("model", req.Model).
			Dur("latency", latency).Msg("llm call failed")
	} else {
		log.Debug().Str("provider", m.name).Str("model", req.Model).
			Dur("latency", latency).Int("tokens", resp.TokensUsed).Float64("cost_usd", cost).
			Msg("llm call completed")
	}

	return resp, err
}

// Name implements Provider.
func (m *MetricsProvider) Name() string {
	return m.name
}

// Available implements Provider.
func (m *MetricsProvider) Available() bool {
	return m.provider.Available()
}

// Snapshot returns current metrics.
func (m *MetricsProvider) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	calls := atomic.LoadInt64(&m.totalCalls)
	errs := atomic.LoadInt64(&m.totalErrors)

	s := Snapshot{
		Provider:      m.name,
		IsLocal:       IsLocalProvider(m.name),
		Calls:         calls,
		Errors:        errs,
		InputTokens:   atomic.LoadInt64(&m.totalInputTokens),
		OutputTokens:  atomic.LoadInt64(&m.totalOutputTokens),
		EstimatedCost: m.estimatedCostUSD,
		MaxLatencyMs:  m.maxLatency.Milliseconds(),
		Models:        make(map[string]ModelMetrics, len(m.modelStats)),
	}
	if calls > 0 {
		s.ErrorRate = float64(errs) / float64(calls)
		s.AvgLatencyMs = (m.totalLatency / time.Duration(calls)).Milliseconds()
	}
	for model, stats := range m.modelStats {
		copied := *stats
		if stats.Calls > 0 {
			copied.AvgLatencyMs = (stats.totalLatency / time.Duration(stats.Calls)).Milliseconds()
		}
		s.Models[model] = copied
	}
	return s
}

// Reset clears all metrics.
func (m *MetricsProvider) Reset() {
	atomic.StoreInt64(&m.totalCalls, 0)
	atomic.StoreInt64(&m.totalErrors, 0)
	atomic.StoreInt64(&m.totalInputTokens, 0)
	atomic.StoreInt64(&m.totalOutputTokens, 0)

	m.mu.Lock()
	m.totalLatency = 0
	m.maxLatency = 0
	m.modelStats = make(map[string]*ModelMetrics)
	m.estimatedCostUSD = 0
	m.mu.Unlock()
}

// Unwrap returns the underlying provider.
func (m *MetricsProvider) Unwrap() Provider {
	return m.provider
}
