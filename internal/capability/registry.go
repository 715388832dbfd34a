package capability

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
)

// ErrSealed is returned when registering after the registry was sealed.
var ErrSealed = errors.New("registry is sealed")

type entry struct {
	desc    Descriptor
	adapter Adapter
}

// Registry is the catalogue of invocable capabilities. It is populated at
// startup, sealed, and then only read.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	sealed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a capability. Ids are unique; trigger patterns must compile.
func (r *Registry) Register(desc Descriptor, adapter Adapter) error {
	if desc.ID == "" {
		return fmt.Errorf("capability id cannot be empty")
	}
	if adapter == nil {
		return fmt.Errorf("capability %s: adapter cannot be nil", desc.ID)
	}
	switch desc.Kind {
	case KindTool, KindSearch:
	default:
		return fmt.Errorf("capability %s: invalid kind %q", desc.ID, desc.Kind)
	}
	switch desc.Scope {
	case ScopePersonal, ScopeGlobal, ScopeGeneric:
	default:
		return fmt.Errorf("capability %s: invalid scope %q", desc.ID, desc.Scope)
	}
	for _, t := range desc.Triggers {
		if _, err := regexp.Compile(t.Pattern); err != nil {
			return fmt.Errorf("capability %s: trigger %q: %w", desc.ID, t.Pattern, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("register %s: %w", desc.ID, ErrSealed)
	}
	if _, exists := r.entries[desc.ID]; exists {
		return fmt.Errorf("capability %s already registered", desc.ID)
	}

	r.entries[desc.ID] = &entry{desc: desc, adapter: adapter}
	r.order = append(r.order, desc.ID)
	return nil
}

// Seal freezes the registry. Registration afterwards fails.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Lookup returns the descriptor for id.
func (r *Registry) Lookup(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.desc, nil
}

// Adapter returns the adapter for id.
func (r *Registry) Adapter(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.adapter, nil
}

// List returns every descriptor in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].desc)
	}
	return out
}

// ListKind returns descriptors of one kind in registration order.
func (r *Registry) ListKind(kind Kind) []Descriptor {
	var out []Descriptor
	for _, d := range r.List() {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
