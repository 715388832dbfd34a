// Package weather implements the weather capabilities: a location forecast
// backed by OpenWeatherMap and a personal weather station reading backed by
// WeatherFlow Tempest.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
)

// Unit systems accepted by the "units" parameter.
const (
	Imperial = "imperial"
	Metric   = "metric"
)

const maxErrorBody = 4096

// temperatureReading matches a formatted temperature such as "72°F".
var temperatureReading = regexp.MustCompile(`-?\d+(\.\d+)?°[FC]`)

// hasTemperature reports whether output contains at least one temperature.
// A weather answer without one does not answer the question.
func hasTemperature(output string) bool {
	return temperatureReading.MatchString(output)
}

// normalizeUnits maps free-form profile values onto Imperial or Metric.
func normalizeUnits(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "metric", "celsius", "c", "si":
		return Metric
	default:
		return Imperial
	}
}

func tempSymbol(units string) string {
	if units == Metric {
		return "°C"
	}
	return "°F"
}

func speedUnit(units string) string {
	if units == Metric {
		return "m/s"
	}
	return "mph"
}

// Option configures a weather capability.
type Option func(*client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithEndpoint overrides the API base URL.
func WithEndpoint(endpoint string) Option {
	return func(cl *client) {
		if endpoint != "" {
			cl.endpoint = strings.TrimRight(endpoint, "/")
		}
	}
}

// client holds the HTTP plumbing shared by both capabilities.
type client struct {
	id       string
	endpoint string
	http     *http.Client
}

func newClient(id, endpoint string, opts []Option) client {
	c := client{
		id:       id,
		endpoint: endpoint,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// getJSON fetches url and decodes a 200 response into out.
func (c *client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return capability.NewError(capability.ErrUpstream, c.id, "create request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return capability.NewError(capability.ErrTimeout, c.id, "request aborted", ctx.Err())
		}
		return capability.NewError(capability.ErrUpstream, c.id, "api call failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		kind := capability.ErrUpstream
		switch resp.StatusCode {
		case http.StatusNotFound:
			kind = capability.ErrInvalidParams
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = capability.ErrNotConfigured
		case http.StatusTooManyRequests:
			kind = capability.ErrRateLimited
		}
		return capability.NewError(kind, c.id, fmt.Sprintf("api returned status %d", resp.StatusCode),
			errors.New(strings.TrimSpace(string(body))))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return capability.NewError(capability.ErrUpstream, c.id, "decode response", err)
	}
	return nil
}

var compassPoints = []string{"N", "NNE", "NE", "ENE", "E", "ESE", "SE", "SSE",
	"S", "SSW", "SW", "WSW", "W", "WNW", "NW", "NNW"}

func compass(degrees float64) string {
	return compassPoints[int(math.Round(degrees/22.5))%16]
}

func hasRain(condition string) bool {
	c := strings.ToLower(condition)
	return strings.Contains(c, "rain") || strings.Contains(c, "shower") || strings.Contains(c, "drizzle")
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
