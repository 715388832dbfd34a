package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// TavilyID is the capability id of the Tavily search provider.
const TavilyID = "tavily_search"

const tavilyEndpoint = "https://api.tavily.com/search"

// tavilyRequest is the body of a Tavily Search API call.
type tavilyRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth"` // "basic" or "advanced"
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

type tavilyResponse struct {
	Answer  string `json:"answer"`
	Query   string `json:"query"`
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// NewTavily creates the Tavily search capability.
func NewTavily(apiKey string, opts ...Option) *Provider {
	return newProvider(TavilyID, apiKey, tavilyEndpoint, fetchTavily, opts)
}

func fetchTavily(ctx context.Context, p *Provider, query string, n int) (*Response, error) {
	body, err := json.Marshal(tavilyRequest{
		APIKey:        p.apiKey,
		Query:         query,
		SearchDepth:   "basic",
		MaxResults:    n,
		IncludeAnswer: true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var tr tavilyResponse
	if err := p.doJSON(req, &tr); err != nil {
		return nil, err
	}

	resp := &Response{Answer: tr.Answer}
	for _, r := range tr.Results {
		resp.Results = append(resp.Results, Result{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return resp, nil
}
