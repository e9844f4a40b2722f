package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a Backend. The app supplies the config in the closure.
type Factory func() (Backend, error)

// Registry maps a backend name (the BACKEND setting) to its factory.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("backend name is empty")
	}
	if f == nil {
		return fmt.Errorf("nil factory for backend %s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("backend already registered: %s", name)
	}
	r.factories[name] = f
	return nil
}

func (r *Registry) Open(name string) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (registered: %v)", name, r.Names())
	}
	return f()
}

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
