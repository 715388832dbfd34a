package search

import (
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
	"github.com/dkilleen4417/ai-chat-mp/internal/config"
)

// Descriptor returns the registry descriptor for a search provider id.
func Descriptor(id, description string) capability.Descriptor {
	return capability.Descriptor{
		ID:          id,
		Description: description,
		Kind:        capability.KindSearch,
		Scope:       capability.ScopeGeneric,
		Params: []capability.ParamSpec{
			{Name: "query", Type: capability.ParamString, Required: true, Description: "search terms"},
			{Name: "num_results", Type: capability.ParamInteger, Default: defaultNumResults, Description: "number of results (1-10)"},
		},
		Keywords: []string{"search", "look up", "google", "find online"},
	}
}

var apiKeyEnv = map[string]string{
	BraveID:  "BRAVE_API_KEY",
	SerperID: "SERPER_API_KEY",
	TavilyID: "TAVILY_API_KEY",
}

// Register adds every enabled search provider with an API key to reg. All
// providers share one response cache. It returns the registered ids.
func Register(reg *capability.Registry, cfg config.CapabilitiesConfig, client *http.Client) ([]string, error) {
	cache := NewCache(cfg.SearchCacheSize, time.Duration(cfg.SearchCacheTTLSec)*time.Second)

	providers := []struct {
		id          string
		description string
		cfg         config.CapabilityConfig
		build       func(string, ...Option) *Provider
	}{
		{BraveID, "Brave web search: independent index, good for recent news and general facts", cfg.Brave, NewBrave},
		{SerperID, "Serper Google search: answer boxes and organic Google results", cfg.Serper, NewSerper},
		{TavilyID, "Tavily search: summarized answer plus sources, good for research questions", cfg.Tavily, NewTavily},
	}

	var ids []string
	for _, p := range providers {
		if !p.cfg.Enabled {
			continue
		}
		key := p.cfg.APIKey
		if key == "" {
			key = os.Getenv(apiKeyEnv[p.id])
		}
		if key == "" {
			log.Info().Str("capability", p.id).Msgf("search provider skipped: set %s to enable", apiKeyEnv[p.id])
			continue
		}

		provider := p.build(key, WithEndpoint(p.cfg.Endpoint), WithHTTPClient(client), WithCache(cache))
		adapter := capability.Limit(p.id, provider, p.cfg.RateLimit, p.cfg.Burst)
		if err := reg.Register(Descriptor(p.id, p.description), adapter); err != nil {
			return ids, err
		}
		ids = append(ids, p.id)
	}
	return ids, nil
}
