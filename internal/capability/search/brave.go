package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// BraveID is the capability id of the Brave web search provider.
const BraveID = "brave_search"

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// NewBrave creates the Brave search capability.
func NewBrave(apiKey string, opts ...Option) *Provider {
	return newProvider(BraveID, apiKey, braveEndpoint, fetchBrave, opts)
}

func fetchBrave(ctx context.Context, p *Provider, query string, n int) (*Response, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(n))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Subscription-Token", p.apiKey)

	var br braveResponse
	if err := p.doJSON(req, &br); err != nil {
		return nil, err
	}

	resp := &Response{}
	for _, r := range br.Web.Results {
		resp.Results = append(resp.Results, Result{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return resp, nil
}
