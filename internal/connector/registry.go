package connector

import (
	"fmt"
	"sort"
	"sync"

	"docsync/internal/syncerr"
)

// Factory builds a connector from a pairing's source configuration.
type Factory func(config map[string]any) (Connector, error)

// Registry maps source names to factories. It is built at process start and injected.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return syncerr.Newf(syncerr.KindConfig, "source connector %s already registered", name)
	}
	r.factories[name] = f
	return nil
}

// MustRegister is Register for process wiring, panicking on duplicates.
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Create instantiates the connector registered under name.
func (r *Registry) Create(name string, config map[string]any) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, syncerr.Newf(syncerr.KindConfig, "source connector %s not registered", name)
	}
	c, err := f(config)
	if err != nil {
		if syncerr.KindOf(err) != "" {
			return nil, fmt.Errorf("create source connector %s: %w", name, err)
		}
		return nil, syncerr.Wrap(err, syncerr.KindConfig, fmt.Sprintf("create source connector %s", name))
	}
	return c, nil
}

// Names lists registered sources.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
