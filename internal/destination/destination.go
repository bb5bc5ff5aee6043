// Package destination defines the delivery contract, the registration table of
// adapters, and the Gateway that retries chunks on the engine's behalf.
package destination

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"docsync/internal/connector"
	"docsync/internal/syncerr"
)

// Destination accepts documents. Both methods return an error on unrecoverable failure.
type Destination interface {
	Send(ctx context.Context, doc connector.Document) error
	HealthCheck(ctx context.Context) error
}

// BatchSender is implemented by destinations with a bulk entry point.
type BatchSender interface {
	SendBatch(ctx context.Context, docs []connector.Document) error
}

// Factory builds a destination from its stored configuration.
type Factory func(ctx context.Context, config map[string]any) (Destination, error)

// Registry maps destination types to factories. It is built at process start and injected.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under typ.
func (r *Registry) Register(typ string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typ]; exists {
		return syncerr.Newf(syncerr.KindConfig, "destination %s already registered", typ)
	}
	r.factories[typ] = f
	return nil
}

// MustRegister is Register for process wiring, panicking on duplicates.
func (r *Registry) MustRegister(typ string, f Factory) {
	if err := r.Register(typ, f); err != nil {
		panic(err)
	}
}

// Create instantiates the destination registered under typ.
func (r *Registry) Create(ctx context.Context, typ string, config map[string]any) (Destination, error) {
	r.mu.RLock()
	f, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, syncerr.Newf(syncerr.KindConfig, "destination %s not registered", typ)
	}
	d, err := f(ctx, config)
	if err != nil {
		if syncerr.KindOf(err) != "" {
			return nil, fmt.Errorf("create destination %s: %w", typ, err)
		}
		return nil, syncerr.Wrap(err, syncerr.KindConfig, fmt.Sprintf("create destination %s", typ))
	}
	return d, nil
}

// Types lists registered destination types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Close releases d if it holds resources.
func Close(d Destination) error {
	if c, ok := d.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func str(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
