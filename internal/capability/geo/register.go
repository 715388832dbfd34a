package geo

import (
	"net/http"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
	"github.com/dkilleen4417/ai-chat-mp/internal/config"
)

// Register adds What3Words when it is enabled and has a key. The key falls
// back to WHAT3WORDS_API_KEY.
func Register(reg *capability.Registry, cfg config.CapabilitiesConfig, client *http.Client) ([]string, error) {
	if !cfg.What3Words.Enabled {
		return nil, nil
	}
	key := cfg.What3Words.APIKey
	if key == "" {
		key = os.Getenv("WHAT3WORDS_API_KEY")
	}
	if key == "" {
		log.Info().Str("capability", What3WordsID).Msg("what3words skipped: set WHAT3WORDS_API_KEY to enable")
		return nil, nil
	}

	w := NewWhat3Words(key,
		WithEndpoint(cfg.What3Words.Endpoint),
		WithGeocoder(cfg.GeocoderEndpoint),
		WithHTTPClient(client),
	)
	a := capability.Limit(What3WordsID, w, cfg.What3Words.RateLimit, cfg.What3Words.Burst)
	if err := reg.Register(What3WordsDescriptor(), a); err != nil {
		return nil, err
	}
	return []string{What3WordsID}, nil
}
