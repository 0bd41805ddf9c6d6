package capability

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrDuplicateCapability is returned by Register when the name is taken.
	ErrDuplicateCapability = errors.New("capability: duplicate capability")
	// ErrRegistryFrozen is returned by Register once dispatch has started.
	ErrRegistryFrozen = errors.New("capability: registry frozen")
	// ErrNotFound is returned by Lookup for unregistered names.
	ErrNotFound = errors.New("capability: not found")
)

// Descriptor is the discovery-facing view of a registered capability.
type Descriptor struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	InputSchema  Schema `json:"inputSchema"`
	OutputSchema Schema `json:"outputSchema"`
}

// Registry maps capability names to handlers and schemas. Registration
// happens during startup; Freeze is called when the dispatch engine starts
// accepting requests, after which Register fails with ErrRegistryFrozen.
type Registry struct {
	mu     sync.RWMutex
	caps   map[string]*Capability
	order  []string
	frozen atomic.Bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]*Capability)}
}

// Register adds a capability. Names are unique; registering after Freeze is
// rejected.
func (r *Registry) Register(c Capability) error {
	if c.Name == "" {
		return fmt.Errorf("capability: empty name")
	}
	if c.Handler == nil {
		return fmt.Errorf("capability: %s: nil handler", c.Name)
	}
	if r.frozen.Load() {
		return fmt.Errorf("%w: %s", ErrRegistryFrozen, c.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[c.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, c.Name)
	}
	cp := c
	r.caps[c.Name] = &cp
	r.order = append(r.order, c.Name)
	return nil
}

// Lookup resolves a capability by name.
func (r *Registry) Lookup(name string) (*Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return c, nil
}

// List returns descriptors for all registered capabilities in registration
// order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		c := r.caps[name]
		out = append(out, Descriptor{
			Name:         c.Name,
			Description:  c.Description,
			InputSchema:  c.InputSchema,
			OutputSchema: c.OutputSchema,
		})
	}
	return out
}

// Freeze marks the registry immutable. Called by the dispatch engine before
// it accepts its first request. Idempotent.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Frozen reports whether the registry has been frozen.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}
