package router

import (
	"slices"
	"strings"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability"
	"github.com/dkilleen4417/ai-chat-mp/internal/profile"
)

// factParams maps capability parameter names to the profile fact that can
// supply them.
var factParams = map[string]string{
	"location":   profile.FieldLocation,
	"station_id": profile.FieldWeatherStation,
	"units":      profile.FieldUnits,
	"timezone":   profile.FieldTimezone,
	"address":    profile.FieldAddress,
}

// locationStop ends a location phrase.
var locationStop = map[string]bool{
	"in": true, "for": true, "at": true, "on": true, "this": true, "next": true,
	"today": true, "tomorrow": true, "tonight": true, "now": true, "right": true,
	"week": true, "weekend": true, "during": true, "over": true, "please": true,
	"and": true, "or": true, "with": true, "will": true, "is": true, "be": true,
	"like": true, "me": true, "my": true, "home": true, "us": true, "you": true,
	"it": true, "a": true, "an": true,
}

const (
	maxLocationWords = 5
	maxAddressWords  = 8
)

// extractLocation finds a place named after "in" or "for", e.g. "weather
// in Paris tomorrow" yields "Paris". It returns "" when no candidate looks
// like a place.
func extractLocation(text string) string {
	return extractPhrase(text, maxLocationWords, isLetter, "in", "for")
}

// extractAddress finds a street address or landmark named after "for" or
// "of". Unlike a location it may start with a house number.
func extractAddress(text string) string {
	return extractPhrase(text, maxAddressWords, isAlnum, "for", "of")
}

func extractPhrase(text string, maxWords int, first func(byte) bool, preps ...string) string {
	words := strings.Fields(text)
	for i, w := range words {
		lw := strings.ToLower(strings.Trim(w, "?!.,;:\"'"))
		if !slices.Contains(preps, lw) {
			continue
		}

		var phrase []string
		for _, raw := range words[i+1:] {
			word := strings.Trim(raw, "?!.;:\"'")
			if word == "" || locationStop[strings.ToLower(strings.Trim(word, ","))] {
				break
			}
			phrase = append(phrase, word)
			if len(phrase) == maxWords || strings.ContainsAny(raw, "?!;") {
				break
			}
		}

		candidate := strings.Trim(strings.Join(phrase, " "), " ,")
		if candidate == "" || !first(candidate[0]) {
			continue
		}
		return candidate
	}
	return ""
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isAlnum(b byte) bool {
	return isLetter(b) || (b >= '0' && b <= '9')
}

// buildParams fills d's parameters from the query and the injected profile
// facts. It returns the required parameters it could not supply, and false
// when a required fact was not injected.
func buildParams(d capability.Descriptor, in Input) (capability.Params, []string, bool) {
	for _, fact := range d.Requires {
		if _, ok := in.Fact(fact); !ok {
			return nil, nil, false
		}
	}

	params := capability.Params{}
	var missing []string
	for _, spec := range d.Params {
		if v := paramValue(spec.Name, in); v != "" {
			params[spec.Name] = v
		} else if spec.Required {
			missing = append(missing, spec.Name)
		}
	}
	return params, missing, true
}

// complete adds params the classifier left out but the query or profile
// can supply. Values already present are kept.
func complete(d capability.Descriptor, t Target, in Input) Target {
	params := make(capability.Params, len(t.Params)+len(d.Params))
	for k, v := range t.Params {
		params[k] = v
	}
	for _, spec := range d.Params {
		if v, ok := params[spec.Name]; ok && v != nil && v != "" {
			continue
		}
		if v := paramValue(spec.Name, in); v != "" {
			params[spec.Name] = v
		}
	}
	t.Params = params
	return t
}

func paramValue(name string, in Input) string {
	switch name {
	case "query":
		return strings.TrimSpace(in.Question())
	case "location":
		if loc := extractLocation(in.Original()); loc != "" {
			return loc
		}
		if loc := extractLocation(in.Question()); loc != "" {
			return loc
		}
	case "address":
		if addr := extractAddress(in.Original()); addr != "" {
			return addr
		}
	}
	if field, ok := factParams[name]; ok {
		if v, ok := in.Fact(field); ok {
			return v
		}
	}
	return ""
}
