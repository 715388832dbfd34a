// Package enhancer appends the user's shareable profile facts to a query so
// that downstream classification and tools can resolve "home", "here" and
// unit preferences.
package enhancer

import (
	"strings"

	"github.com/dkilleen4417/ai-chat-mp/internal/profile"
)

// Marker introduces the injected block.
const Marker = "[User context]"

// Fragment is one injected fact.
type Fragment struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// EnhancedQuery is a query with profile facts appended. Text always starts
// with Original.
type EnhancedQuery struct {
	Original  string     `json:"original"`
	Text      string     `json:"text"`
	Fragments []Fragment `json:"fragments,omitempty"`
	Injected  []string   `json:"injected,omitempty"`
	// Degraded is set when no profile was available.
	Degraded bool `json:"degraded"`
}

// Fact returns the injected value of field.
func (q EnhancedQuery) Fact(field string) (string, bool) {
	for _, f := range q.Fragments {
		if f.Field == field {
			return f.Value, true
		}
	}
	return "", false
}

// HasFacts reports whether every named field was injected.
func (q EnhancedQuery) HasFacts(fields ...string) bool {
	for _, f := range fields {
		if _, ok := q.Fact(f); !ok {
			return false
		}
	}
	return true
}

var labels = map[string]string{
	profile.FieldName:           "name",
	profile.FieldLocation:       "location",
	profile.FieldTimezone:       "timezone",
	profile.FieldUnits:          "units",
	profile.FieldWeatherStation: "weather station",
	profile.FieldAddress:        "address",
	profile.FieldW3W:            "what3words",
}

// Enhance appends shareable, non-empty profile facts to text in the fixed
// order of profile.InjectionOrder. It is deterministic: the same input
// always yields byte-identical output. A nil profile leaves text unchanged
// and marks the result degraded.
func Enhance(text string, p *profile.Profile) EnhancedQuery {
	eq := EnhancedQuery{Original: text, Text: text}
	if p == nil {
		eq.Degraded = true
		return eq
	}

	var parts []string
	for _, name := range profile.InjectionOrder {
		f, _ := p.Field(name)
		if !f.Usable() {
			continue
		}
		value := strings.TrimSpace(f.Value)
		eq.Fragments = append(eq.Fragments, Fragment{Field: name, Value: value})
		eq.Injected = append(eq.Injected, name)
		parts = append(parts, labels[name]+": "+value)
	}

	if len(parts) > 0 {
		eq.Text = text + "\n\n" + Marker + " " + strings.Join(parts, "; ")
	}
	return eq
}
