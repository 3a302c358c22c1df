package workflow

import (
	"fmt"
	"sort"
	"sync"
)

// ExecutorIndex is the slice of the phase registry the workflow registry
// needs: existence checks at load time.
type ExecutorIndex interface {
	Has(phaseID string) bool
}

// Registry holds every workflow the process can run. Registration happens at
// boot and the registry is sealed before serving; a workflow referencing an
// unregistered executor or carrying a malformed DAG is rejected here, not at
// execution time.
type Registry struct {
	mu        sync.RWMutex
	executors ExecutorIndex
	byName    map[string]*Workflow
	sealed    bool
}

func NewRegistry(executors ExecutorIndex) *Registry {
	return &Registry{executors: executors, byName: map[string]*Workflow{}}
}

func (r *Registry) Register(w *Workflow) error {
	if w == nil || w.Name == "" {
		return fmt.Errorf("workflow missing name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("workflow registry is sealed")
	}
	if _, exists := r.byName[w.Name]; exists {
		return fmt.Errorf("workflow %q already registered", w.Name)
	}
	if len(w.Phases) == 0 {
		return fmt.Errorf("workflow %q has no phases", w.Name)
	}
	if w.Phases[0].PerUnit {
		return fmt.Errorf("workflow %q: first phase %q must be global (validation phase)", w.Name, w.Phases[0].ID)
	}
	if errs := w.Graph().Validate(); len(errs) > 0 {
		return fmt.Errorf("workflow %q: %v", w.Name, errs[0])
	}
	for _, p := range w.Phases {
		if !r.executors.Has(p.Executor) {
			return fmt.Errorf("workflow %q: phase %q references unregistered executor %q", w.Name, p.ID, p.Executor)
		}
	}
	if w.MaxActivationSlots <= 0 {
		w.MaxActivationSlots = DefaultMaxActivationSlots
	}
	r.byName[w.Name] = w
	return nil
}

// Seal makes the registry read-only. Called once wiring is complete.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

func (r *Registry) Get(name string) (*Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byName[name]
	return w, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
