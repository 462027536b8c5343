package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps task types to the engine that handles them.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]Engine),
	}
}

// Register adds an engine for the given task type.
func (r *Registry) Register(taskType string, e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[taskType] = e
}

// Resolve returns the engine registered for the given task type.
func (r *Registry) Resolve(taskType string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.engines[taskType]
	if !ok {
		return nil, fmt.Errorf("no engine registered for task type %q", taskType)
	}
	return e, nil
}

// Types returns the registered task types, sorted for stable API responses.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.engines))
	for t := range r.engines {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
