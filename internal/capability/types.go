// Package capability defines the catalogue of external capabilities the
// router can invoke (tools and search providers) and the contract every
// adapter implements.
package capability

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Kind distinguishes tools from search providers.
type Kind string

const (
	KindTool   Kind = "tool"
	KindSearch Kind = "search"
)

// Scope orders capabilities by specificity when the fallback classifier
// has to pick one: personal beats global beats generic.
type Scope string

const (
	ScopePersonal Scope = "personal" // needs user-specific facts (e.g. a home weather station)
	ScopeGlobal   Scope = "global"   // location-parameterised, works for anyone
	ScopeGeneric  Scope = "generic"  // general web search
)

// Rank returns the specificity rank of a scope; lower is more specific.
func (s Scope) Rank() int {
	switch s {
	case ScopePersonal:
		return 0
	case ScopeGlobal:
		return 1
	default:
		return 2
	}
}

// ParamType is the declared type of a capability parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamBoolean ParamType = "boolean"
)

// ParamSpec declares one parameter of a capability.
type ParamSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
	Default     any       `json:"default,omitempty"`
}

// Trigger is a weighted regular expression the fallback classifier matches
// against the normalized query.
type Trigger struct {
	Pattern string  `json:"pattern"`
	Weight  float64 `json:"weight"`
}

// Descriptor describes a registered capability.
type Descriptor struct {
	ID          string      `json:"id"`
	Description string      `json:"description"`
	Kind        Kind        `json:"kind"`
	Scope       Scope       `json:"scope"`
	Params      []ParamSpec `json:"params"`

	// Requires lists profile facts that must have been injected for this
	// capability to be usable (e.g. "weather_station").
	Requires []string `json:"requires,omitempty"`

	// Triggers and Keywords feed the deterministic fallback classifier.
	Triggers []Trigger `json:"triggers,omitempty"`
	Keywords []string  `json:"keywords,omitempty"`
}

// Param returns the spec for name.
func (d Descriptor) Param(name string) (ParamSpec, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// ValidateParams checks params against the schema. It returns a normalized
// copy with defaults applied and numeric strings coerced. Parameters the
// schema does not declare are passed through untouched.
func (d Descriptor) ValidateParams(params Params) (Params, error) {
	out := make(Params, len(params)+len(d.Params))
	for k, v := range params {
		out[k] = v
	}

	for _, spec := range d.Params {
		v, present := out[spec.Name]
		if !present || v == nil || v == "" {
			if spec.Required {
				return nil, NewError(ErrInvalidParams, d.ID, fmt.Sprintf("missing required parameter %q", spec.Name), nil)
			}
			if spec.Default != nil {
				out[spec.Name] = spec.Default
			} else {
				delete(out, spec.Name)
			}
			continue
		}

		coerced, err := coerce(spec.Type, v)
		if err != nil {
			return nil, NewError(ErrInvalidParams, d.ID, fmt.Sprintf("parameter %q: %v", spec.Name, err), nil)
		}
		out[spec.Name] = coerced
	}

	return out, nil
}

func coerce(t ParamType, v any) (any, error) {
	switch t {
	case ParamInteger:
		switch n := v.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case float64:
			if n != float64(int(n)) {
				return nil, fmt.Errorf("expected integer, got %v", n)
			}
			return int(n), nil
		case string:
			i, err := strconv.Atoi(strings.TrimSpace(n))
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %q", n)
			}
			return i, nil
		}
		return nil, fmt.Errorf("expected integer, got %T", v)
	case ParamBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", b)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("expected boolean, got %T", v)
	default:
		switch s := v.(type) {
		case string:
			return s, nil
		case fmt.Stringer:
			return s.String(), nil
		case float64, int, bool:
			return fmt.Sprint(s), nil
		}
		return nil, fmt.Errorf("expected string, got %T", v)
	}
}

// Params are the arguments of one capability invocation.
type Params map[string]any

// String returns the string value of key, or "".
func (p Params) String(key string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	return ""
}

// Int returns the integer value of key, or def.
func (p Params) Int(key string, def int) int {
	switch n := p[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return def
}

// Bool returns the boolean value of key, or false.
func (p Params) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// Adapter invokes an external capability. Implementations must honour ctx
// cancellation; retry and rate-limit policy lives here, never in the router.
type Adapter interface {
	Invoke(ctx context.Context, params Params) (string, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, params Params) (string, error)

// Invoke calls f.
func (f AdapterFunc) Invoke(ctx context.Context, params Params) (string, error) {
	return f(ctx, params)
}

// SufficiencyChecker is implemented by adapters that can tell whether a
// successful output actually answers anything.
type SufficiencyChecker interface {
	Sufficient(output string) bool
}

// Sufficient reports whether output from adapter a is usable. Empty output
// is never sufficient.
func Sufficient(a Adapter, output string) bool {
	if strings.TrimSpace(output) == "" {
		return false
	}
	if sc, ok := a.(SufficiencyChecker); ok {
		return sc.Sufficient(output)
	}
	return true
}
