package weather

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
)

// StationID is the capability id of the personal weather station reading.
const StationID = "home_weather"

// StationFact is the profile fact a station query depends on.
const StationFact = "weather_station"

const (
	weatherFlowEndpoint = "https://swd.weatherflow.com/swd/rest"
	stationForecastDays = 5
)

// StationDescriptor describes the personal weather station capability.
func StationDescriptor() capability.Descriptor {
	return capability.Descriptor{
		ID:          StationID,
		Description: "Live readings from the user's own WeatherFlow Tempest station: home weather, my station, PWS",
		Kind:        capability.KindTool,
		Scope:       capability.ScopePersonal,
		Params: []capability.ParamSpec{
			{Name: "station_id", Type: capability.ParamString, Required: true, Description: "the user's station id (from their profile)"},
			{Name: "include_forecast", Type: capability.ParamBoolean, Default: true, Description: "append the station's daily forecast"},
			{Name: "units", Type: capability.ParamString, Default: Imperial, Description: "imperial or metric"},
		},
		Requires: []string{StationFact},
		Triggers: []capability.Trigger{
			{Pattern: `\b(home|my|personal)\b.*\b(weather|temperature|station)\b`, Weight: 1.0},
			{Pattern: `\b(weather|temperature|rain|wind|humidity)\b.*\b(at home|outside|backyard)\b`, Weight: 1.0},
			{Pattern: `\bpws\b`, Weight: 1.0},
		},
		Keywords: []string{"home weather", "my station", "weather station", "tempest"},
	}
}

type wfObservation struct {
	Timestamp           int64    `json:"timestamp"`
	AirTemperature      *float64 `json:"air_temperature"`
	RelativeHumidity    *float64 `json:"relative_humidity"`
	WindAvg             *float64 `json:"wind_avg"`
	WindGust            *float64 `json:"wind_gust"`
	WindDirection       *float64 `json:"wind_direction"`
	BarometricPressure  *float64 `json:"barometric_pressure"`
	StationPressure     *float64 `json:"station_pressure"`
	UV                  *float64 `json:"uv"`
	PrecipAccumLocalDay *float64 `json:"precip_accum_local_day"`
}

type wfObservations struct {
	StationName string          `json:"station_name"`
	Obs         []wfObservation `json:"obs"`
}

type wfForecast struct {
	Forecast struct {
		Daily []struct {
			DayStartLocal     int64   `json:"day_start_local"`
			AirTempHigh       float64 `json:"air_temp_high"`
			AirTempLow        float64 `json:"air_temp_low"`
			Conditions        string  `json:"conditions"`
			PrecipProbability int     `json:"precip_probability"`
		} `json:"daily"`
	} `json:"forecast"`
}

// Station is the WeatherFlow personal station capability.
type Station struct {
	client
	token string
}

// NewStation creates the station capability.
func NewStation(token string, opts ...Option) *Station {
	return &Station{
		client: newClient(StationID, weatherFlowEndpoint, opts),
		token:  token,
	}
}

// Invoke reads the latest observation of params "station_id". When
// "include_forecast" is set the station forecast is appended; a forecast
// failure only adds a note.
func (s *Station) Invoke(ctx context.Context, params capability.Params) (string, error) {
	if s.token == "" {
		return "", capability.NewError(capability.ErrNotConfigured, StationID, "WeatherFlow access token not configured", nil)
	}
	stationID := strings.TrimSpace(params.String("station_id"))
	if stationID == "" {
		return "", capability.NewError(capability.ErrInvalidParams, StationID, "station_id is required", nil)
	}
	units := normalizeUnits(params.String("units"))
	includeForecast := true
	if _, ok := params["include_forecast"]; ok {
		includeForecast = params.Bool("include_forecast")
	}

	q := url.Values{}
	q.Set("token", s.token)

	var obs wfObservations
	if err := s.getJSON(ctx, s.endpoint+"/observations/station/"+url.PathEscape(stationID)+"?"+q.Encode(), &obs); err != nil {
		return "", err
	}
	if len(obs.Obs) == 0 {
		return "", capability.NewError(capability.ErrEmpty, StationID, "no recent observations from station "+stationID, nil)
	}

	var sb strings.Builder
	formatObservation(&sb, stationID, obs.StationName, obs.Obs[0], units)

	if includeForecast {
		q.Set("station_id", stationID)
		if units == Metric {
			q.Set("units_temp", "c")
		} else {
			q.Set("units_temp", "f")
		}
		var fc wfForecast
		if err := s.getJSON(ctx, s.endpoint+"/better_forecast?"+q.Encode(), &fc); err != nil {
			log.Warn().Err(err).Str("capability", StationID).Msg("station forecast unavailable")
			sb.WriteString("\n(Forecast unavailable)")
		} else if len(fc.Forecast.Daily) > 0 {
			deg := tempSymbol(units)
			sb.WriteString("\n\nForecast:")
			for i, d := range fc.Forecast.Daily {
				if i == stationForecastDays {
					break
				}
				day := time.Unix(d.DayStartLocal, 0).UTC().Weekday().String()
				fmt.Fprintf(&sb, "\n%s: %d%s/%d%s, %s", day, round(d.AirTempHigh), deg, round(d.AirTempLow), deg, d.Conditions)
				if d.PrecipProbability > 30 {
					fmt.Fprintf(&sb, " (%d%% chance of rain)", d.PrecipProbability)
				}
			}
		}
	}

	return sb.String(), nil
}

// Sufficient requires at least one temperature reading.
func (s *Station) Sufficient(output string) bool {
	return hasTemperature(output)
}

// formatObservation writes one Tempest observation. The API reports metric
// values (°C, m/s, mb, mm) regardless of account settings.
func formatObservation(sb *strings.Builder, stationID, name string, o wfObservation, units string) {
	title := "Home Weather Station"
	if name != "" {
		title += " " + name
	}
	if o.Timestamp > 0 {
		fmt.Fprintf(sb, "%s (as of %s):\n", title, time.Unix(o.Timestamp, 0).UTC().Format("2006-01-02 15:04 MST"))
	} else {
		fmt.Fprintf(sb, "%s:\n", title)
	}
	fmt.Fprintf(sb, "Station ID: %s\n", stationID)

	if o.AirTemperature != nil {
		c := *o.AirTemperature
		if units == Metric {
			fmt.Fprintf(sb, "Temperature: %.1f°C\n", c)
		} else {
			fmt.Fprintf(sb, "Temperature: %d°F (%.1f°C)\n", round(c*9/5+32), c)
		}
	} else {
		sb.WriteString("Temperature: not available\n")
	}

	if o.RelativeHumidity != nil {
		fmt.Fprintf(sb, "Humidity: %d%%\n", round(*o.RelativeHumidity))
	}

	if o.WindAvg != nil {
		avg := convertSpeed(*o.WindAvg, units)
		dir := "variable"
		if o.WindDirection != nil && *o.WindDirection > 0 {
			dir = "from " + compass(*o.WindDirection)
		}
		fmt.Fprintf(sb, "Wind: %.1f %s %s\n", avg, speedUnit(units), dir)
		if o.WindGust != nil && *o.WindGust > *o.WindAvg {
			fmt.Fprintf(sb, "Wind Gusts: %.1f %s\n", convertSpeed(*o.WindGust, units), speedUnit(units))
		}
	}

	pressure := o.BarometricPressure
	if pressure == nil {
		pressure = o.StationPressure
	}
	if pressure != nil {
		fmt.Fprintf(sb, "Pressure: %.1f mb (%.2f inHg)\n", *pressure, *pressure*0.02953)
	}

	if o.UV != nil {
		fmt.Fprintf(sb, "UV Index: %.1f (%s)\n", *o.UV, uvBand(*o.UV))
	}

	if o.PrecipAccumLocalDay != nil && *o.PrecipAccumLocalDay > 0 {
		if units == Metric {
			fmt.Fprintf(sb, "Rain today: %.1f mm\n", *o.PrecipAccumLocalDay)
		} else {
			fmt.Fprintf(sb, "Rain today: %.2f in\n", *o.PrecipAccumLocalDay/25.4)
		}
	}

	trimmed := strings.TrimRight(sb.String(), "\n")
	sb.Reset()
	sb.WriteString(trimmed)
}

func convertSpeed(ms float64, units string) float64 {
	if units == Metric {
		return ms
	}
	return ms * 2.23694
}

func uvBand(uv float64) string {
	switch {
	case uv <= 2:
		return "Low"
	case uv <= 5:
		return "Moderate"
	case uv <= 7:
		return "High"
	case uv <= 10:
		return "Very High"
	default:
		return "Extreme"
	}
}
