package taskqueue

import (
	"fmt"
	"strings"
	"sync"
)

// Factory builds a Queue from a backend DSN.
type Factory func(dsn string) (Queue, error)

// Registry maps backend schemes to factories. It is constructed once at
// startup and passed by reference; there is deliberately no package-level
// instance.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in memory backend.
func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}}
	r.Register("memory", func(dsn string) (Queue, error) {
		return NewMemory(), nil
	})
	return r
}

// Register adds a factory for a scheme. Later registrations replace earlier
// ones, so applications can override the built-ins.
func (r *Registry) Register(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[scheme] = factory
}

// Open builds a Queue from a "scheme://rest" DSN.
func (r *Registry) Open(dsn string) (Queue, error) {
	scheme, rest, found := strings.Cut(dsn, "://")
	if !found {
		return nil, fmt.Errorf("task queue DSN %q has no scheme", dsn)
	}

	r.mu.RLock()
	factory, ok := r.factories[normalizeScheme(scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no task queue backend registered for scheme %q", scheme)
	}
	return factory(rest)
}

// Schemes returns the registered schemes, for diagnostics.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make([]string, 0, len(r.factories))
	for s := range r.factories {
		schemes = append(schemes, s)
	}
	return schemes
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
