package workflow

import (
	"testing"
)

func diamond() []Node {
	return []Node{
		{ID: "validate"},
		{ID: "left", DependsOn: []string{"validate"}},
		{ID: "right", DependsOn: []string{"validate"}},
		{ID: "join", DependsOn: []string{"left", "right"}},
	}
}

func TestValidateAcceptsDiamond(t *testing.T) {
	if errs := NewGraph(diamond()).Validate(); len(errs) != 0 {
		t.Fatalf("diamond should validate, got %v", errs)
	}
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	g := NewGraph([]Node{{ID: "a"}, {ID: "a"}})
	if errs := g.Validate(); len(errs) == 0 {
		t.Fatalf("duplicate ids should fail validation")
	}
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	g := NewGraph([]Node{{ID: "a", DependsOn: []string{"ghost"}}})
	if errs := g.Validate(); len(errs) == 0 {
		t.Fatalf("unknown dependency should fail validation")
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	g := NewGraph([]Node{
		{ID: "a", DependsOn: []string{"c"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	})
	if errs := g.Validate(); len(errs) == 0 {
		t.Fatalf("cycle should fail validation")
	}
}

func TestValidateRejectsEmptyID(t *testing.T) {
	g := NewGraph([]Node{{ID: "  "}})
	if errs := g.Validate(); len(errs) == 0 {
		t.Fatalf("blank id should fail validation")
	}
}

func TestLevelsGroupByDepth(t *testing.T) {
	levels := NewGraph(diamond()).Levels()
	if len(levels) != 3 {
		t.Fatalf("expected 3 levels, got %d: %v", len(levels), levels)
	}
	if len(levels[0]) != 1 || levels[0][0] != "validate" {
		t.Fatalf("level 0 should be [validate], got %v", levels[0])
	}
	if len(levels[1]) != 2 || levels[1][0] != "left" || levels[1][1] != "right" {
		t.Fatalf("level 1 should be [left right] sorted, got %v", levels[1])
	}
	if len(levels[2]) != 1 || levels[2][0] != "join" {
		t.Fatalf("level 2 should be [join], got %v", levels[2])
	}
}

func TestReadyRespectsDependencies(t *testing.T) {
	g := NewGraph(diamond())

	ready := g.Ready(map[string]bool{})
	if len(ready) != 1 || ready[0] != "validate" {
		t.Fatalf("only validate should be ready initially, got %v", ready)
	}

	ready = g.Ready(map[string]bool{"validate": true})
	if len(ready) != 2 || ready[0] != "left" || ready[1] != "right" {
		t.Fatalf("left and right should be ready after validate, got %v", ready)
	}

	ready = g.Ready(map[string]bool{"validate": true, "left": true})
	if len(ready) != 1 || ready[0] != "right" {
		t.Fatalf("join must wait for both branches, got %v", ready)
	}

	ready = g.Ready(map[string]bool{"validate": true, "left": true, "right": true})
	if len(ready) != 1 || ready[0] != "join" {
		t.Fatalf("join should be ready once both branches settled, got %v", ready)
	}

	ready = g.Ready(map[string]bool{"validate": true, "left": true, "right": true, "join": true})
	if len(ready) != 0 {
		t.Fatalf("nothing should be ready when everything is satisfied, got %v", ready)
	}
}

// Every phase a Ready call returns must have all dependencies satisfied and
// not be satisfied itself, whatever the satisfied set looks like.
func TestReadyProperty(t *testing.T) {
	nodes := []Node{
		{ID: "v"},
		{ID: "a", DependsOn: []string{"v"}},
		{ID: "b", DependsOn: []string{"v"}},
		{ID: "c", DependsOn: []string{"a", "b"}},
		{ID: "d", DependsOn: []string{"b"}},
		{ID: "e", DependsOn: []string{"c", "d"}},
	}
	g := NewGraph(nodes)
	byID := map[string]Node{}
	for _, n := range nodes {
		byID[n.ID] = n
	}

	ids := []string{"v", "a", "b", "c", "d", "e"}
	for mask := 0; mask < 1<<len(ids); mask++ {
		satisfied := map[string]bool{}
		for i, id := range ids {
			if mask&(1<<i) != 0 {
				satisfied[id] = true
			}
		}
		for _, id := range g.Ready(satisfied) {
			if satisfied[id] {
				t.Fatalf("satisfied phase %q returned as ready (mask %d)", id, mask)
			}
			for _, dep := range byID[id].DependsOn {
				if !satisfied[dep] {
					t.Fatalf("phase %q ready with unsatisfied dep %q (mask %d)", id, dep, mask)
				}
			}
		}
	}
}

func TestEdgesSorted(t *testing.T) {
	edges := NewGraph(diamond()).Edges()
	if len(edges) != 4 {
		t.Fatalf("expected 4 edges, got %d", len(edges))
	}
	for i := 1; i < len(edges); i++ {
		prev, cur := edges[i-1], edges[i]
		if prev[0] > cur[0] || (prev[0] == cur[0] && prev[1] > cur[1]) {
			t.Fatalf("edges not sorted: %v", edges)
		}
	}
}

func TestRegistryRejectsBadWorkflows(t *testing.T) {
	reg := NewRegistry(executorIndexFunc(func(string) bool { return true }))

	err := reg.Register(&Workflow{Name: "w", Phases: []PhaseDef{
		{ID: "first", Executor: "x", PerUnit: true},
	}})
	if err == nil {
		t.Fatalf("per-unit first phase should be rejected")
	}

	err = reg.Register(&Workflow{Name: "w2", Phases: []PhaseDef{
		{ID: "a", Executor: "x", DependsOn: []string{"missing"}},
	}})
	if err == nil {
		t.Fatalf("unknown dependency should be rejected")
	}

	missing := NewRegistry(executorIndexFunc(func(string) bool { return false }))
	err = missing.Register(&Workflow{Name: "w3", Phases: []PhaseDef{
		{ID: "a", Executor: "nope"},
	}})
	if err == nil {
		t.Fatalf("unregistered executor should be rejected")
	}
}

func TestRegistrySealAndDefaults(t *testing.T) {
	reg := NewRegistry(executorIndexFunc(func(string) bool { return true }))
	wf := &Workflow{Name: "w", Phases: []PhaseDef{{ID: "a", Executor: "x"}}}
	if err := reg.Register(wf); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if wf.MaxActivationSlots != DefaultMaxActivationSlots {
		t.Fatalf("expected default slot limit %d, got %d", DefaultMaxActivationSlots, wf.MaxActivationSlots)
	}
	reg.Seal()
	err := reg.Register(&Workflow{Name: "w2", Phases: []PhaseDef{{ID: "a", Executor: "x"}}})
	if err == nil {
		t.Fatalf("sealed registry should reject registration")
	}
	if _, ok := reg.Get("w"); !ok {
		t.Fatalf("registered workflow should be readable after seal")
	}
}

type executorIndexFunc func(string) bool

func (f executorIndexFunc) Has(id string) bool { return f(id) }
