package weather

import (
	"net/http"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
	"github.com/dkilleen4417/ai-chat-mp/internal/config"
)

// Register adds the enabled weather capabilities that have credentials.
// Keys fall back to OPENWEATHER_API_KEY and WEATHERFLOW_ACCESS_TOKEN.
func Register(reg *capability.Registry, cfg config.CapabilitiesConfig, client *http.Client) ([]string, error) {
	var ids []string

	if cfg.OpenWeather.Enabled {
		key := firstNonEmpty(cfg.OpenWeather.APIKey, os.Getenv("OPENWEATHER_API_KEY"))
		if key == "" {
			log.Info().Str("capability", ForecastID).Msg("weather forecast skipped: set OPENWEATHER_API_KEY to enable")
		} else {
			f := NewForecast(key, WithEndpoint(cfg.OpenWeather.Endpoint), WithHTTPClient(client))
			a := capability.Limit(ForecastID, f, cfg.OpenWeather.RateLimit, cfg.OpenWeather.Burst)
			if err := reg.Register(ForecastDescriptor(), a); err != nil {
				return ids, err
			}
			ids = append(ids, ForecastID)
		}
	}

	if cfg.WeatherFlow.Enabled {
		token := firstNonEmpty(cfg.WeatherFlow.APIKey, os.Getenv("WEATHERFLOW_ACCESS_TOKEN"))
		if token == "" {
			log.Info().Str("capability", StationID).Msg("home weather skipped: set WEATHERFLOW_ACCESS_TOKEN to enable")
		} else {
			s := NewStation(token, WithEndpoint(cfg.WeatherFlow.Endpoint), WithHTTPClient(client))
			a := capability.Limit(StationID, s, cfg.WeatherFlow.RateLimit, cfg.WeatherFlow.Burst)
			if err := reg.Register(StationDescriptor(), a); err != nil {
				return ids, err
			}
			ids = append(ids, StationID)
		}
	}

	return ids, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
