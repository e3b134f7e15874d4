package automator

import (
	"sort"
	"sync"
)

// Factory creates a fresh strategy instance. Instances hold per-run state
// (for example a media workspace) and are never shared between runs.
type Factory func() Strategy

// Registry maps strategy ids to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under id, replacing any previous one.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// New creates a strategy instance, or returns false when id is unknown.
func (r *Registry) New(id string) (Strategy, bool) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return f(), true
}

// IDs lists the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
