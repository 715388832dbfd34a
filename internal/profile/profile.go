// Package profile holds the user facts the router may inject into a query.
// Every fact carries its own sharing flag; nothing is injected unless the
// user allowed it.
package profile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no profile exists for a user.
var ErrNotFound = errors.New("profile not found")

// Names of injectable facts, in the order they are injected.
const (
	FieldName           = "name"
	FieldLocation       = "location"
	FieldTimezone       = "timezone"
	FieldUnits          = "units"
	FieldWeatherStation = "weather_station"
	FieldAddress        = "address"
	FieldW3W            = "w3w"
)

// InjectionOrder is the fixed order in which facts are injected.
var InjectionOrder = []string{FieldName, FieldLocation, FieldTimezone, FieldUnits, FieldWeatherStation, FieldAddress, FieldW3W}

// Field is one profile fact and whether it may leave the profile.
type Field struct {
	Value     string `json:"value" yaml:"value"`
	Shareable bool   `json:"shareable" yaml:"shareable"`
}

// Usable reports whether the field may be injected.
func (f Field) Usable() bool {
	return f.Shareable && strings.TrimSpace(f.Value) != ""
}

// Profile is a user's stored facts.
type Profile struct {
	UserID         string `json:"user_id" yaml:"user_id"`
	Name           Field  `json:"name" yaml:"name"`
	Location       Field  `json:"location" yaml:"location"`
	Timezone       Field  `json:"timezone" yaml:"timezone"`
	Units          Field  `json:"units" yaml:"units"`
	WeatherStation Field  `json:"weather_station" yaml:"weather_station"`
	// Address is a street address, e.g. "317 N Beaumont Ave, Catonsville, MD".
	Address Field `json:"address" yaml:"address"`
	// W3W is the What3Words address of home, without the leading slashes.
	W3W Field `json:"w3w" yaml:"w3w"`
	// StationProvider names the station vendor (e.g. "weatherflow"). It is
	// routing metadata and never injected.
	StationProvider string `json:"station_provider,omitempty" yaml:"station_provider,omitempty"`
}

// Field returns the named injectable fact.
func (p *Profile) Field(name string) (Field, bool) {
	switch name {
	case FieldName:
		return p.Name, true
	case FieldLocation:
		return p.Location, true
	case FieldTimezone:
		return p.Timezone, true
	case FieldUnits:
		return p.Units, true
	case FieldWeatherStation:
		return p.WeatherStation, true
	case FieldAddress:
		return p.Address, true
	case FieldW3W:
		return p.W3W, true
	}
	return Field{}, false
}

// Validate checks a profile before it is stored.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.UserID) == "" {
		return fmt.Errorf("user_id is required")
	}
	switch strings.ToLower(p.Units.Value) {
	case "", "imperial", "metric":
	default:
		return fmt.Errorf("units must be imperial or metric, got %q", p.Units.Value)
	}
	if w := strings.TrimPrefix(p.W3W.Value, "///"); w != "" && strings.Count(w, ".") != 2 {
		return fmt.Errorf("w3w must be three words separated by dots, got %q", p.W3W.Value)
	}
	return nil
}

// Store reads and writes profiles. Get returns ErrNotFound for unknown users.
type Store interface {
	Get(ctx context.Context, userID string) (*Profile, error)
	Put(ctx context.Context, p *Profile) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]Profile)}
}

// Get returns a copy of the stored profile.
func (s *MemoryStore) Get(_ context.Context, userID string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	return &p, nil
}

// Put stores a copy of p.
func (s *MemoryStore) Put(_ context.Context, p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.profiles[p.UserID] = *p
	s.mu.Unlock()
	return nil
}

// LoadFile reads a profile from a YAML file.
func LoadFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
