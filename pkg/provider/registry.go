package provider

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotRegistered is returned by [Registry.Create] when no factory has been
// registered under the requested adapter name.
var ErrNotRegistered = errors.New("provider: adapter not registered")

// Factory constructs an [Adapter] from the opaque configuration block found
// under providers.<name> in the config file. The core never interprets the
// options map.
type Factory func(options map[string]any) (Adapter, error)

// Registry maps adapter names to their factories. It is safe for concurrent
// use. Registration normally happens during init wiring in cmd/ariadne;
// lookups happen once per call at provider resolution.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty, ready-to-use registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds factory under name. Subsequent calls with the same name
// overwrite the previous registration.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create builds the adapter registered under name with its options block.
// Returns [ErrNotRegistered] when the name is unknown.
func (r *Registry) Create(name string, options map[string]any) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	a, err := factory(options)
	if err != nil {
		return nil, fmt.Errorf("provider: create %q: %w", name, err)
	}
	return a, nil
}

// Names returns the registered adapter names, for validation messages.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	return names
}
