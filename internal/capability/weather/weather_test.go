package weather

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
	"github.com/dkilleen4417/ai-chat-mp/internal/config"
)

const owmCurrentJSON = `{
	"coord": {"lat": 39.27, "lon": -76.73},
	"weather": [{"description": "scattered clouds"}],
	"main": {"temp": 71.6, "feels_like": 70.2, "humidity": 48},
	"wind": {"speed": 6.4},
	"dt": 1714996800,
	"name": "Catonsville",
	"sys": {"country": "US"}
}`

const owmForecastJSON = `{"list": [
	{"dt_txt": "2024-05-06 12:00:00", "main": {"temp": 70.2}, "weather": [{"description": "clear sky"}]},
	{"dt_txt": "2024-05-06 15:00:00", "main": {"temp": 75.1}, "weather": [{"description": "clear sky"}]},
	{"dt_txt": "2024-05-07 12:00:00", "main": {"temp": 60.0}, "weather": [{"description": "light rain"}]},
	{"dt_txt": "2024-05-08 12:00:00", "main": {"temp": 50.0}, "weather": [{"description": "mist"}]}
]}`

func owmServer(t *testing.T, known string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/data/2.5/weather", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "owm-key", r.URL.Query().Get("appid"))
		if r.URL.Query().Get("q") != known {
			http.Error(w, `{"cod":"404","message":"city not found"}`, http.StatusNotFound)
			return
		}
		w.Write([]byte(owmCurrentJSON))
	})
	mux.HandleFunc("/data/2.5/forecast", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "39.2700", r.URL.Query().Get("lat"))
		assert.Equal(t, "imperial", r.URL.Query().Get("units"))
		w.Write([]byte(owmForecastJSON))
	})
	return httptest.NewServer(mux)
}

func TestForecast(t *testing.T) {
	server := owmServer(t, "Catonsville, Maryland")
	defer server.Close()

	f := NewForecast("owm-key", WithEndpoint(server.URL))
	out, err := f.Invoke(context.Background(), capability.Params{"location": "Catonsville, Maryland", "days": 2})
	require.NoError(t, err)

	assert.Contains(t, out, "Weather for Catonsville, US:")
	assert.Contains(t, out, "Current: 72°F (feels like 70°F)")
	assert.Contains(t, out, "Scattered Clouds, Humidity: 48%, Wind: 6 mph")
	assert.Contains(t, out, "Monday: 75°F/70°F, Clear Sky")
	assert.Contains(t, out, "Tuesday: 60°F/60°F, Light Rain (bring an umbrella)")
	assert.NotContains(t, out, "Wednesday", "only the requested days")
	assert.True(t, f.Sufficient(out))
}

func TestForecast_RetriesWithCountry(t *testing.T) {
	server := owmServer(t, "Catonsville,MD,US")
	defer server.Close()

	out, err := NewForecast("owm-key", WithEndpoint(server.URL)).
		Invoke(context.Background(), capability.Params{"location": "Catonsville,MD"})
	require.NoError(t, err)
	assert.Contains(t, out, "Catonsville")
}

func TestForecast_Errors(t *testing.T) {
	server := owmServer(t, "Somewhere")
	defer server.Close()

	t.Run("unknown location", func(t *testing.T) {
		_, err := NewForecast("owm-key", WithEndpoint(server.URL)).
			Invoke(context.Background(), capability.Params{"location": "Atlantis"})
		require.Error(t, err)
		assert.Equal(t, capability.ErrInvalidParams, capability.KindOf(err))
	})

	t.Run("no key", func(t *testing.T) {
		_, err := NewForecast("").Invoke(context.Background(), capability.Params{"location": "Paris"})
		assert.Equal(t, capability.ErrNotConfigured, capability.KindOf(err))
	})

	t.Run("no location", func(t *testing.T) {
		_, err := NewForecast("owm-key", WithEndpoint(server.URL)).Invoke(context.Background(), capability.Params{})
		assert.Equal(t, capability.ErrInvalidParams, capability.KindOf(err))
	})
}

const wfObsJSON = `{"station_name": "Backyard", "obs": [{
	"timestamp": 1714996800,
	"air_temperature": 20.0,
	"relative_humidity": 55,
	"wind_avg": 2.0,
	"wind_gust": 4.0,
	"wind_direction": 180,
	"barometric_pressure": 1013.2,
	"uv": 6.1,
	"precip_accum_local_day": 2.54
}]}`

const wfForecastJSON = `{"forecast": {"daily": [
	{"day_start_local": 1714957200, "air_temp_high": 74.4, "air_temp_low": 55.2, "conditions": "Rain Likely", "precip_probability": 70}
]}}`

func TestStation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/observations/station/12345", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "wf-token", r.URL.Query().Get("token"))
		w.Write([]byte(wfObsJSON))
	})
	mux.HandleFunc("/better_forecast", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "12345", r.URL.Query().Get("station_id"))
		assert.Equal(t, "f", r.URL.Query().Get("units_temp"))
		w.Write([]byte(wfForecastJSON))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s := NewStation("wf-token", WithEndpoint(server.URL))
	out, err := s.Invoke(context.Background(), capability.Params{"station_id": "12345"})
	require.NoError(t, err)

	assert.Contains(t, out, "Home Weather Station Backyard")
	assert.Contains(t, out, "Temperature: 68°F (20.0°C)")
	assert.Contains(t, out, "Humidity: 55%")
	assert.Contains(t, out, "Wind: 4.5 mph from S")
	assert.Contains(t, out, "Wind Gusts: 8.9 mph")
	assert.Contains(t, out, "UV Index: 6.1 (High)")
	assert.Contains(t, out, "Rain today: 0.10 in")
	assert.Contains(t, out, "Monday: 74°F/55°F, Rain Likely (70% chance of rain)")
	assert.True(t, s.Sufficient(out))
}

func TestStation_ForecastFailureIsNotFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/observations/station/1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(wfObsJSON))
	})
	mux.HandleFunc("/better_forecast", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	out, err := NewStation("t", WithEndpoint(server.URL)).
		Invoke(context.Background(), capability.Params{"station_id": "1", "units": "metric"})
	require.NoError(t, err)
	assert.Contains(t, out, "Temperature: 20.0°C")
	assert.Contains(t, out, "Wind: 2.0 m/s from S")
	assert.Contains(t, out, "(Forecast unavailable)")
}

func TestStation_NoObservations(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"obs": []}`))
	}))
	defer server.Close()

	s := NewStation("t", WithEndpoint(server.URL))
	_, err := s.Invoke(context.Background(), capability.Params{"station_id": "1", "include_forecast": false})
	require.Error(t, err)
	assert.Equal(t, capability.ErrEmpty, capability.KindOf(err))

	assert.False(t, s.Sufficient("Temperature: not available"))
}

func TestNormalizeUnits(t *testing.T) {
	assert.Equal(t, Metric, normalizeUnits("Celsius"))
	assert.Equal(t, Metric, normalizeUnits("metric"))
	assert.Equal(t, Imperial, normalizeUnits(""))
	assert.Equal(t, Imperial, normalizeUnits("imperial"))
}

func TestRegister(t *testing.T) {
	t.Setenv("OPENWEATHER_API_KEY", "env-key")
	t.Setenv("WEATHERFLOW_ACCESS_TOKEN", "")

	reg := capability.NewRegistry()
	ids, err := Register(reg, config.Default().Capabilities, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{ForecastID}, ids)

	cfg := config.Default().Capabilities
	cfg.OpenWeather.Enabled = false
	cfg.WeatherFlow.APIKey = "token"
	reg = capability.NewRegistry()
	ids, err = Register(reg, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{StationID}, ids)

	d, err := reg.Lookup(StationID)
	require.NoError(t, err)
	assert.Equal(t, capability.ScopePersonal, d.Scope)
	assert.Equal(t, []string{StationFact}, d.Requires)
}
