package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// SerperID is the capability id of the Serper (Google) search provider.
const SerperID = "serper_search"

const serperEndpoint = "https://google.serper.dev/search"

type serperRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num"`
}

type serperResponse struct {
	AnswerBox *struct {
		Answer  string `json:"answer"`
		Snippet string `json:"snippet"`
	} `json:"answerBox"`
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

// NewSerper creates the Serper search capability.
func NewSerper(apiKey string, opts ...Option) *Provider {
	return newProvider(SerperID, apiKey, serperEndpoint, fetchSerper, opts)
}

func fetchSerper(ctx context.Context, p *Provider, query string, n int) (*Response, error) {
	body, err := json.Marshal(serperRequest{Q: query, Num: n})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", p.apiKey)

	var sr serperResponse
	if err := p.doJSON(req, &sr); err != nil {
		return nil, err
	}

	resp := &Response{}
	if sr.AnswerBox != nil {
		resp.Answer = sr.AnswerBox.Answer
		if resp.Answer == "" {
			resp.Answer = sr.AnswerBox.Snippet
		}
	}
	for _, r := range sr.Organic {
		resp.Results = append(resp.Results, Result{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	if len(resp.Results) > n {
		resp.Results = resp.Results[:n]
	}
	return resp, nil
}
