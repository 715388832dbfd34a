// Package geo implements location capabilities. What3Words turns a street
// address into the three-word address of its 3m square: the address is
// geocoded with Nominatim and the coordinates converted by the What3Words API.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
)

// What3WordsID is the capability id of the address converter.
const What3WordsID = "what3words_address"

const (
	what3WordsEndpoint = "https://api.what3words.com/v3"
	nominatimEndpoint  = "https://nominatim.openstreetmap.org"
	userAgent          = "aichat/1.0 (query router)"
	maxErrorBody       = 4096
)

// What3WordsDescriptor describes the address converter.
func What3WordsDescriptor() capability.Descriptor {
	return capability.Descriptor{
		ID:          What3WordsID,
		Description: "Convert a street address or landmark to its What3Words address (three words naming a precise 3m square), for precise location sharing",
		Kind:        capability.KindTool,
		Scope:       capability.ScopeGlobal,
		Params: []capability.ParamSpec{
			{Name: "address", Type: capability.ParamString, Required: true, Description: `street address or landmark, e.g. "317 N Beaumont Ave, Catonsville, MD"`},
		},
		Triggers: []capability.Trigger{
			{Pattern: `\b(what ?3 ?words|w3w)\b`, Weight: 1.0},
			{Pattern: `\b(what ?3 ?words|w3w)\b.*\b(address|for|of)\b`, Weight: 1.0},
			{Pattern: `\b(three|3)[- ]word address(es)?\b`, Weight: 1.0},
		},
		Keywords: []string{"what3words", "w3w", "three word"},
	}
}

// Option configures What3Words.
type Option func(*What3Words)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(w *What3Words) {
		if c != nil {
			w.http = c
		}
	}
}

// WithEndpoint overrides the What3Words API base URL.
func WithEndpoint(endpoint string) Option {
	return func(w *What3Words) {
		if endpoint != "" {
			w.endpoint = strings.TrimRight(endpoint, "/")
		}
	}
}

// WithGeocoder overrides the Nominatim base URL.
func WithGeocoder(endpoint string) Option {
	return func(w *What3Words) {
		if endpoint != "" {
			w.geocoder = strings.TrimRight(endpoint, "/")
		}
	}
}

// What3Words is the address-to-three-words capability.
type What3Words struct {
	apiKey   string
	endpoint string
	geocoder string
	http     *http.Client
}

// NewWhat3Words creates the capability.
func NewWhat3Words(apiKey string, opts ...Option) *What3Words {
	w := &What3Words{
		apiKey:   apiKey,
		endpoint: what3WordsEndpoint,
		geocoder: nominatimEndpoint,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type place struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

type w3wResponse struct {
	Words        string `json:"words"`
	Map          string `json:"map"`
	NearestPlace string `json:"nearestPlace"`
	Error        struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Invoke converts params "address".
func (w *What3Words) Invoke(ctx context.Context, params capability.Params) (string, error) {
	if w.apiKey == "" {
		return "", capability.NewError(capability.ErrNotConfigured, What3WordsID, "What3Words API key not configured", nil)
	}
	address := strings.TrimSpace(params.String("address"))
	if address == "" {
		return "", capability.NewError(capability.ErrInvalidParams, What3WordsID, "address is required", nil)
	}

	lat, lon, err := w.geocode(ctx, address)
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("coordinates", fmt.Sprintf("%.6f,%.6f", lat, lon))
	q.Set("key", w.apiKey)
	q.Set("format", "json")

	var resp w3wResponse
	status, err := w.get(ctx, w.endpoint+"/convert-to-3wa?"+q.Encode(), &resp)
	switch {
	case status == http.StatusPaymentRequired:
		// Over quota the coordinates are still worth returning.
		log.Warn().Str("capability", What3WordsID).Msg("what3words quota exceeded")
		return fmt.Sprintf("Location of %s\nCoordinates: %.4f, %.4f\nWhat3Words quota exceeded; the address is shown at https://map.what3words.com/%.6f,%.6f",
			address, lat, lon, lat, lon), nil
	case err != nil:
		return "", err
	case resp.Words == "":
		return "", capability.NewError(capability.ErrEmpty, What3WordsID, fmt.Sprintf("no three-word address for %.4f, %.4f", lat, lon), nil)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "What3Words address for %s: ///%s\n", address, resp.Words)
	fmt.Fprintf(&sb, "Coordinates: %.4f, %.4f", lat, lon)
	if resp.NearestPlace != "" {
		fmt.Fprintf(&sb, "\nNearest place: %s", resp.NearestPlace)
	}
	if resp.Map != "" {
		fmt.Fprintf(&sb, "\nMap: %s", resp.Map)
	}
	return sb.String(), nil
}

// Sufficient requires a three-word address or at least the coordinates.
func (w *What3Words) Sufficient(output string) bool {
	return strings.Contains(output, "///") || strings.Contains(output, "Coordinates:")
}

func (w *What3Words) geocode(ctx context.Context, address string) (float64, float64, error) {
	q := url.Values{}
	q.Set("q", address)
	q.Set("format", "json")
	q.Set("limit", "1")

	var places []place
	if _, err := w.get(ctx, w.geocoder+"/search?"+q.Encode(), &places); err != nil {
		return 0, 0, err
	}
	if len(places) == 0 {
		return 0, 0, capability.NewError(capability.ErrInvalidParams, What3WordsID, "address not found: "+address, nil)
	}

	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return 0, 0, capability.NewError(capability.ErrUpstream, What3WordsID, "bad latitude from geocoder", err)
	}
	lon, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return 0, 0, capability.NewError(capability.ErrUpstream, What3WordsID, "bad longitude from geocoder", err)
	}
	return lat, lon, nil
}

// get fetches url and decodes a 200 response into out. The status code is
// returned with any error so callers can special-case it.
func (w *What3Words) get(ctx context.Context, url string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, capability.NewError(capability.ErrUpstream, What3WordsID, "create request", err)
	}
	req.Header.Set("Accept", "application/json")
	// Nominatim's usage policy requires an identifying agent.
	req.Header.Set("User-Agent", userAgent)

	resp, err := w.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, capability.NewError(capability.ErrTimeout, What3WordsID, "request aborted", ctx.Err())
		}
		return 0, capability.NewError(capability.ErrUpstream, What3WordsID, "api call failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		kind := capability.ErrUpstream
		switch resp.StatusCode {
		case http.StatusBadRequest:
			kind = capability.ErrInvalidParams
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = capability.ErrNotConfigured
		case http.StatusPaymentRequired, http.StatusTooManyRequests:
			kind = capability.ErrRateLimited
		}
		return resp.StatusCode, capability.NewError(kind, What3WordsID, fmt.Sprintf("api returned status %d", resp.StatusCode),
			errors.New(strings.TrimSpace(string(body))))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, capability.NewError(capability.ErrUpstream, What3WordsID, "decode response", err)
	}
	return resp.StatusCode, nil
}
