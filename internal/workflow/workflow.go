package workflow

import (
	"github.com/dwellfi/provision-brain/internal/domain"
)

// OutputLookup lets a skip predicate inspect outputs already produced by the
// running job.
type OutputLookup interface {
	Global(phaseID string) (map[string]any, bool)
	Unit(phaseID string) (map[string]any, bool)
}

// PhaseDef is one step of a workflow. Per-unit phases fan out over the job's
// units; global ones run once.
type PhaseDef struct {
	ID          string
	Name        string
	Description string

	// Executor names the registered phase implementation.
	Executor string

	DependsOn []string
	PerUnit   bool
	Critical  bool

	// SkipIf is evaluated against the merged options and known outputs just
	// before the phase would be scheduled.
	SkipIf func(options map[string]any, outputs OutputLookup) bool

	// Inputs and Outputs are wiring hints; the executor contract is the
	// source of truth.
	Inputs  []string
	Outputs []string

	// APICallsPerUnit is a UI/validation hint: a number or "dynamic".
	APICallsPerUnit string

	ActivationSlot domain.ActivationSlot
}

const DefaultMaxActivationSlots = 12

// Workflow is an immutable, code-defined composition of phases. The first
// phase is global and conventionally named "validate".
type Workflow struct {
	Name        string
	Description string
	Phases      []PhaseDef

	RequiresConfirmation bool
	MaxActivationSlots   int
	DefaultOptions       map[string]any
}

func (w *Workflow) Phase(id string) (PhaseDef, bool) {
	for _, p := range w.Phases {
		if p.ID == id {
			return p, true
		}
	}
	return PhaseDef{}, false
}

func (w *Workflow) Graph() *Graph {
	return NewGraph(NodesOf(w.Phases))
}

// HoldsSlotsAcrossPhases reports whether some phase returns activation slots
// acquired by an earlier one. Such workflows cap the unit count per job at
// MaxActivationSlots, since the scheduler's phase barrier cannot pipeline
// slot turnover between phases.
func (w *Workflow) HoldsSlotsAcrossPhases() bool {
	for _, p := range w.Phases {
		if p.ActivationSlot == domain.SlotRelease {
			return true
		}
	}
	return false
}

// Snapshot freezes the phase definitions into their serializable form for
// the job record.
func (w *Workflow) Snapshot() []domain.PhaseSnapshot {
	out := make([]domain.PhaseSnapshot, 0, len(w.Phases))
	for _, p := range w.Phases {
		deps := make([]string, len(p.DependsOn))
		copy(deps, p.DependsOn)
		out = append(out, domain.PhaseSnapshot{
			ID:              p.ID,
			Name:            p.Name,
			Description:     p.Description,
			Executor:        p.Executor,
			DependsOn:       deps,
			PerUnit:         p.PerUnit,
			Critical:        p.Critical,
			Inputs:          append([]string(nil), p.Inputs...),
			Outputs:         append([]string(nil), p.Outputs...),
			APICallsPerUnit: p.APICallsPerUnit,
			ActivationSlot:  p.ActivationSlot,
		})
	}
	return out
}

// MergedOptions layers request options over the workflow defaults.
func (w *Workflow) MergedOptions(requested map[string]any) map[string]any {
	merged := map[string]any{}
	for k, v := range w.DefaultOptions {
		merged[k] = v
	}
	for k, v := range requested {
		merged[k] = v
	}
	return merged
}
