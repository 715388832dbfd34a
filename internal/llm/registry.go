package llm

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MetricsRegistry tracks MetricsProvider instances for aggregated reporting.
// One registry is owned by each Catalog.
type MetricsRegistry struct {
	mu        sync.RWMutex
	providers map[string]*MetricsProvider
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{providers: make(map[string]*MetricsProvider)}
}

// Register adds a MetricsProvider to the registry.
func (r *MetricsRegistry) Register(provider *MetricsProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider.Name()] = provider
}

// Get retrieves a specific provider's MetricsProvider.
func (r *MetricsRegistry) Get(name string) *MetricsProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// Snapshots returns metrics from all registered providers, keyed by provider name.
func (r *MetricsRegistry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]Snapshot, len(r.providers))
	for name, provider := range r.providers {
		result[name] = provider.Snapshot()
	}
	return result
}

// Summary holds aggregated usage across providers.
type Summary struct {
	TotalCalls       int64   `json:"total_calls"`
	TotalErrors      int64   `json:"total_errors"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	LocalCalls       int64   `json:"local_calls"`
	CloudCalls       int64   `json:"cloud_calls"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	ProviderCount    int     `json:"provider_count"`
}

// Summary returns a high-level summary across all providers.
func (r *MetricsRegistry) Summary() Summary {
	snaps := r.Snapshots()

	s := Summary{ProviderCount: len(snaps)}
	for _, snap := range snaps {
		s.TotalCalls += snap.Calls
		s.TotalErrors += snap.Errors
		s.InputTokens += snap.InputTokens
		s.OutputTokens += snap.OutputTokens
		s.EstimatedCostUSD += snap.EstimatedCost
		if snap.IsLocal {
			s.LocalCalls += snap.Calls
		} else {
			s.CloudCalls += snap.Calls
		}
	}
	return s
}

// Reset clears metrics across all providers.
func (r *MetricsRegistry) Reset() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, provider := range r.providers {
		provider.Reset()
	}
}

// FormatSummary returns a human-readable usage summary.
func (r *MetricsRegistry) FormatSummary() string {
	summary := r.Summary()
	if summary.TotalCalls == 0 {
		return "No LLM calls recorded this session."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Total Calls:    %d (%d local, %d cloud)\n", summary.TotalCalls, summary.LocalCalls, summary.CloudCalls)
	fmt.Fprintf(&sb, "Total Tokens:   %d (in: %d, out: %d)\n",
		summary.InputTokens+summary.OutputTokens, summary.InputTokens, summary.OutputTokens)
	if summary.EstimatedCostUSD > 0 {
		fmt.Fprintf(&sb, "Estimated Cost: $%.4f\n", summary.EstimatedCostUSD)
	} else {
		sb.WriteString("Estimated Cost: $0.00 (all local inference)\n")
	}

	snaps := r.Snapshots()
	names := make([]string, 0, len(snaps))
	for name := range snaps {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ps := snaps[name]
		if ps.Calls == 0 {
			continue
		}
		locality := "cloud"
		if ps.IsLocal {
			locality = "local"
		}
		fmt.Fprintf(&sb, "  %-12s %d calls, %d errors, avg %dms, $%.4f (%s)\n",
			name+":", ps.Calls, ps.Errors, ps.AvgLatencyMs, ps.EstimatedCost, locality)
	}

	return sb.String()
}
