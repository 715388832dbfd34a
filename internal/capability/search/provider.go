// Package search implements the web-search capabilities: Brave, Serper and
// Tavily. All three share one response cache and one output format so the
// dispatcher can score and merge them interchangeably.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
)

// NoResults is the output of a search that matched nothing. It is a
// successful invocation but never sufficient.
const NoResults = "No results found."

const (
	defaultNumResults = 5
	maxNumResults     = 10
	maxQueryLength    = 500
	maxSnippetLength  = 500
	maxErrorBody      = 4096
)

// Result is one search hit.
type Result struct {
	Title   string
	URL     string
	Snippet string
}

// Response is a provider-neutral search response.
type Response struct {
	Answer  string
	Results []Result
}

// fetchFunc performs one provider API call.
type fetchFunc func(ctx context.Context, p *Provider, query string, n int) (*Response, error)

// Provider is a search capability backed by one HTTP search API.
type Provider struct {
	id         string
	apiKey     string
	endpoint   string
	httpClient *http.Client
	cache      *Cache
	fetch      fetchFunc
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// WithEndpoint overrides the API endpoint.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		if endpoint != "" {
			p.endpoint = endpoint
		}
	}
}

// WithCache shares a response cache between providers.
func WithCache(c *Cache) Option {
	return func(p *Provider) {
		p.cache = c
	}
}

func newProvider(id, apiKey, endpoint string, fetch fetchFunc, opts []Option) *Provider {
	p := &Provider{
		id:         id,
		apiKey:     apiKey,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		fetch:      fetch,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ID returns the capability id.
func (p *Provider) ID() string { return p.id }

// Invoke runs the search. Params: query (required), num_results (1-10).
func (p *Provider) Invoke(ctx context.Context, params capability.Params) (string, error) {
	query := strings.TrimSpace(params.String("query"))
	if query == "" {
		return "", capability.NewError(capability.ErrInvalidParams, p.id, "search query cannot be empty", nil)
	}
	if len(query) > maxQueryLength {
		return "", capability.NewError(capability.ErrInvalidParams, p.id,
			fmt.Sprintf("search query too long (max %d characters)", maxQueryLength), nil)
	}
	if p.apiKey == "" {
		return "", capability.NewError(capability.ErrNotConfigured, p.id, "api key not configured", nil)
	}

	n := params.Int("num_results", defaultNumResults)
	if n < 1 {
		n = 1
	} else if n > maxNumResults {
		n = maxNumResults
	}

	if resp, ok := p.cache.get(p.id, query, n); ok {
		log.Debug().Str("capability", p.id).Str("query", query).Msg("search cache hit")
		return format(p.id, query, resp), nil
	}

	start := time.Now()
	resp, err := p.fetch(ctx, p, query, n)
	if err != nil {
		return "", p.classify(ctx, err)
	}

	sanitizeResponse(resp)
	p.cache.add(p.id, query, n, resp)

	log.Debug().Str("capability", p.id).Int("results", len(resp.Results)).
		Dur("duration", time.Since(start)).Msg("search complete")

	return format(p.id, query, resp), nil
}

// Sufficient reports whether the output contains any hit.
func (p *Provider) Sufficient(output string) bool {
	return strings.TrimSpace(output) != NoResults
}

func (p *Provider) classify(ctx context.Context, err error) error {
	var ce *capability.Error
	if errors.As(err, &ce) {
		return ce
	}
	if ctx.Err() != nil {
		return capability.NewError(capability.ErrTimeout, p.id, "request aborted", ctx.Err())
	}
	return capability.NewError(capability.ErrUpstream, p.id, "request failed", err)
}

// doJSON sends req and decodes a 200 response into out. Non-200 responses
// map onto capability error kinds.
func (p *Provider) doJSON(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := fmt.Sprintf("api returned status %d", resp.StatusCode)
		kind := capability.ErrUpstream
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			kind = capability.ErrRateLimited
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = capability.ErrNotConfigured
		}
		return capability.NewError(kind, p.id, msg, errors.New(strings.TrimSpace(string(body))))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ===========================================================================
// FORMATTING
// ===========================================================================

// format renders a response as numbered plain text. Results are passive
// data for the generation prompt, never instructions.
func format(id, query string, resp *Response) string {
	if resp == nil || (len(resp.Results) == 0 && resp.Answer == "") {
		return NoResults
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results from %s for %q:\n", id, query)
	if resp.Answer != "" {
		fmt.Fprintf(&sb, "Answer: %s\n", resp.Answer)
	}
	for i, r := range resp.Results {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, r.Title)
		if r.URL != "" {
			fmt.Fprintf(&sb, "   %s\n", r.URL)
		}
		if r.Snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", truncate(r.Snippet, maxSnippetLength))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// ===========================================================================
// SANITIZATION
// ===========================================================================

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)\bon\w+\s*=`),
	regexp.MustCompile(`(?i)data:\s*text/html`),
	regexp.MustCompile(`\x00`),
	regexp.MustCompile(`(?i)<iframe[^>]*>`),
	regexp.MustCompile(`(?i)<object[^>]*>`),
	regexp.MustCompile(`(?i)<embed[^>]*>`),
	regexp.MustCompile(`</?(?:strong|b|em|i)>`),
}

var whitespace = regexp.MustCompile(`\s+`)

func sanitizeResponse(resp *Response) {
	resp.Answer = sanitizeText(resp.Answer)
	kept := resp.Results[:0]
	for _, r := range resp.Results {
		r.Title = sanitizeText(r.Title)
		r.Snippet = sanitizeText(r.Snippet)
		// URLs are kept verbatim; rewriting would break them.
		if r.Title == "" && r.Snippet == "" {
			continue
		}
		kept = append(kept, r)
	}
	resp.Results = kept
}

func sanitizeText(text string) string {
	for _, re := range dangerousPatterns {
		text = re.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}
