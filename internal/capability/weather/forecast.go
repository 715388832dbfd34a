package weather

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
)

// ForecastID is the capability id of the location forecast.
const ForecastID = "weather_forecast"

const (
	openWeatherEndpoint = "https://api.openweathermap.org"
	maxForecastDays     = 5
	slotsPerDay         = 8 // 3-hour intervals
)

// ForecastDescriptor describes the location forecast capability.
func ForecastDescriptor() capability.Descriptor {
	return capability.Descriptor{
		ID:          ForecastID,
		Description: "Current conditions and a multi-day forecast for any city or place worldwide",
		Kind:        capability.KindTool,
		Scope:       capability.ScopeGlobal,
		Params: []capability.ParamSpec{
			{Name: "location", Type: capability.ParamString, Required: true, Description: `city and region, e.g. "London,UK" or "Catonsville, Maryland"`},
			{Name: "days", Type: capability.ParamInteger, Default: 3, Description: "forecast days (1-5)"},
			{Name: "units", Type: capability.ParamString, Default: Imperial, Description: "imperial or metric"},
		},
		Triggers: []capability.Trigger{
			{Pattern: `\b(weather|forecast)\b`, Weight: 1.0},
			{Pattern: `\b(temperature|rain|snow|sunny|humid(ity)?|windy?)\b`, Weight: 0.7},
			{Pattern: `\bwill it (rain|snow)\b`, Weight: 1.0},
		},
		Keywords: []string{"weather", "forecast", "umbrella", "degrees"},
	}
}

type owmCurrent struct {
	Coord struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coord"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Dt   int64  `json:"dt"`
	Name string `json:"name"`
	Sys  struct {
		Country string `json:"country"`
	} `json:"sys"`
}

type owmForecast struct {
	List []struct {
		DtTxt string `json:"dt_txt"`
		Main  struct {
			Temp float64 `json:"temp"`
		} `json:"main"`
		Weather []struct {
			Description string `json:"description"`
		} `json:"weather"`
	} `json:"list"`
}

// Forecast is the OpenWeatherMap location forecast capability.
type Forecast struct {
	client
	apiKey string
}

// NewForecast creates the forecast capability.
func NewForecast(apiKey string, opts ...Option) *Forecast {
	return &Forecast{
		client: newClient(ForecastID, openWeatherEndpoint, opts),
		apiKey: apiKey,
	}
}

// Invoke fetches current conditions and a daily forecast for params
// "location", "days" and "units".
func (f *Forecast) Invoke(ctx context.Context, params capability.Params) (string, error) {
	if f.apiKey == "" {
		return "", capability.NewError(capability.ErrNotConfigured, ForecastID, "OpenWeatherMap API key not configured", nil)
	}
	location := strings.TrimSpace(params.String("location"))
	if location == "" {
		return "", capability.NewError(capability.ErrInvalidParams, ForecastID, "location is required", nil)
	}
	days := params.Int("days", 3)
	if days < 1 {
		days = 1
	} else if days > maxForecastDays {
		days = maxForecastDays
	}
	units := normalizeUnits(params.String("units"))

	current, err := f.current(ctx, location, units)
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%.4f", current.Coord.Lat))
	q.Set("lon", fmt.Sprintf("%.4f", current.Coord.Lon))
	q.Set("appid", f.apiKey)
	q.Set("units", units)

	var fc owmForecast
	if err := f.getJSON(ctx, f.endpoint+"/data/2.5/forecast?"+q.Encode(), &fc); err != nil {
		return "", err
	}

	return formatForecast(current, &fc, days, units), nil
}

// current looks up current conditions. A bare US "City,ST" often fails, so
// a ",US" suffix is tried once when the first lookup finds nothing.
func (f *Forecast) current(ctx context.Context, location, units string) (*owmCurrent, error) {
	candidates := []string{location}
	if !strings.HasSuffix(strings.ToUpper(location), ",US") {
		candidates = append(candidates, location+",US")
	}

	var lastErr error
	for _, loc := range candidates {
		q := url.Values{}
		q.Set("q", loc)
		q.Set("appid", f.apiKey)
		q.Set("units", units)

		var cur owmCurrent
		err := f.getJSON(ctx, f.endpoint+"/data/2.5/weather?"+q.Encode(), &cur)
		if err == nil {
			return &cur, nil
		}
		lastErr = err
		if capability.KindOf(err) != capability.ErrInvalidParams {
			break
		}
		log.Debug().Str("capability", ForecastID).Str("location", loc).Msg("location not found, retrying")
	}
	return nil, lastErr
}

// Sufficient requires at least one temperature reading.
func (f *Forecast) Sufficient(output string) bool {
	return hasTemperature(output)
}

func formatForecast(cur *owmCurrent, fc *owmForecast, days int, units string) string {
	deg := tempSymbol(units)

	var sb strings.Builder
	name := cur.Name
	if cur.Sys.Country != "" {
		name += ", " + cur.Sys.Country
	}
	fmt.Fprintf(&sb, "Weather for %s:\n", name)
	if cur.Dt > 0 {
		fmt.Fprintf(&sb, "Observed: %s\n", time.Unix(cur.Dt, 0).UTC().Format("2006-01-02 15:04 MST"))
	}
	fmt.Fprintf(&sb, "Current: %d%s (feels like %d%s)\n",
		round(cur.Main.Temp), deg, round(cur.Main.FeelsLike), deg)
	desc := "Unknown"
	if len(cur.Weather) > 0 {
		desc = titleCase(cur.Weather[0].Description)
	}
	fmt.Fprintf(&sb, "%s, Humidity: %d%%, Wind: %d %s\n", desc, cur.Main.Humidity, round(cur.Wind.Speed), speedUnit(units))

	type daily struct {
		date       string
		high, low  float64
		conditions map[string]int
		order      []string
	}
	var order []*daily
	byDate := map[string]*daily{}

	limit := days * slotsPerDay
	for i, item := range fc.List {
		if i >= limit {
			break
		}
		date, _, _ := strings.Cut(item.DtTxt, " ")
		d, ok := byDate[date]
		if !ok {
			if len(order) == days {
				break
			}
			d = &daily{date: date, high: math.Inf(-1), low: math.Inf(1), conditions: map[string]int{}}
			byDate[date] = d
			order = append(order, d)
		}
		d.high = math.Max(d.high, item.Main.Temp)
		d.low = math.Min(d.low, item.Main.Temp)
		if len(item.Weather) > 0 {
			c := item.Weather[0].Description
			if d.conditions[c] == 0 {
				d.order = append(d.order, c)
			}
			d.conditions[c]++
		}
	}

	if len(order) > 0 {
		sb.WriteString("\nForecast:\n")
	}
	for _, d := range order {
		// Most common condition; first seen wins ties.
		common, best := "", 0
		for _, c := range d.order {
			if d.conditions[c] > best {
				common, best = c, d.conditions[c]
			}
		}
		day := d.date
		if t, err := time.Parse("2006-01-02", d.date); err == nil {
			day = t.Weekday().String()
		}
		line := fmt.Sprintf("%s: %d%s/%d%s, %s", day, round(d.high), deg, round(d.low), deg, titleCase(common))
		if hasRain(common) {
			line += " (bring an umbrella)"
		}
		sb.WriteString(line + "\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}

func round(v float64) int {
	return int(math.Round(v))
}
