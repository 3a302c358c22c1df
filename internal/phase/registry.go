package phase

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps phase ids to executors. Populated at startup, read-only
// afterward: a workflow referencing an unregistered id fails at workflow
// load, never at execution.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{}}
}

func (r *Registry) Register(e Executor) error {
	if e == nil {
		return fmt.Errorf("nil executor")
	}
	id := e.ID()
	if id == "" {
		return fmt.Errorf("executor ID() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[id]; exists {
		return fmt.Errorf("executor already registered for phase_id=%s", id)
	}
	r.executors[id] = e
	return nil
}

func (r *Registry) Get(id string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[id]
	return e, ok
}

func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.executors))
	for id := range r.executors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
