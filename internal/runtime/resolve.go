package runtime

import (
	"github.com/dwellfi/provision-brain/internal/domain"
	"github.com/dwellfi/provision-brain/internal/phase"
)

// ContractIndex resolves an executor's contract by phase id. The phase
// registry satisfies it.
type ContractIndex interface {
	Get(phaseID string) (phase.Executor, bool)
}

// ResolveInputs builds the input map one task sees. Sources are consulted in
// precedence order, highest first:
//
//	1. upstream phase outputs (per-unit outputs aggregated when a global
//	   phase consumes a per-unit dependency)
//	2. the unit's validated plan
//	3. the unit's raw input config
//	4. merged job options
//	5. job built-ins (job_id, unit_id, unit_number, tenant_id, venue_id,
//	   controller_id)
//
// unit is nil for global phases. The resolved map is validated against the
// executor contract before the task runs.
func ResolveInputs(job *domain.JobV2, def domain.PhaseSnapshot, contract phase.Contract, unit *domain.UnitMapping, contracts ContractIndex) (phase.Inputs, error) {
	upstream := upstreamOutputs(job, def, unit, contracts)

	builtins := map[string]any{
		"job_id":        job.ID.String(),
		"tenant_id":     job.TenantID,
		"venue_id":      job.VenueID,
		"controller_id": job.ControllerID,
	}
	if unit != nil {
		builtins["unit_id"] = unit.UnitID
		builtins["unit_number"] = unit.UnitNumber
	}

	in := phase.Inputs{}
	for _, f := range contract.Inputs {
		if v, ok := lookup(upstream, f.Name); ok {
			in[f.Name] = v
			continue
		}
		if unit != nil {
			if v, ok := lookup(unit.Plan, f.Name); ok {
				in[f.Name] = v
				continue
			}
			if v, ok := lookup(unit.InputConfig, f.Name); ok {
				in[f.Name] = v
				continue
			}
		}
		if v, ok := lookup(job.Options, f.Name); ok {
			in[f.Name] = v
			continue
		}
		if v, ok := lookup(builtins, f.Name); ok && v != "" {
			in[f.Name] = v
		}
	}

	if err := contract.ValidateInputs(in); err != nil {
		return nil, err
	}
	return in, nil
}

func lookup(m map[string]any, name string) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// upstreamOutputs merges the outputs of the phase's direct dependencies.
// Three shapes occur: global dep feeding anyone (its output map as stored),
// per-unit dep feeding a per-unit phase (the same unit's outputs), and
// per-unit dep feeding a global phase (outputs folded across units by the
// upstream contract's aggregation rules).
func upstreamOutputs(job *domain.JobV2, def domain.PhaseSnapshot, unit *domain.UnitMapping, contracts ContractIndex) map[string]any {
	merged := map[string]any{}
	for _, depID := range def.DependsOn {
		dep, ok := job.Phase(depID)
		if !ok {
			continue
		}
		var src map[string]any
		switch {
		case !dep.PerUnit:
			src = job.GlobalPhaseOutputs[depID]
		case unit != nil:
			src = unit.PhaseOutputs[depID]
		default:
			src = aggregateAcrossUnits(job, dep, contracts)
		}
		for k, v := range src {
			merged[k] = v
		}
	}
	return merged
}

func aggregateAcrossUnits(job *domain.JobV2, dep domain.PhaseSnapshot, contracts ContractIndex) map[string]any {
	exec, ok := contracts.Get(dep.Executor)
	if !ok {
		return nil
	}
	perUnit := map[string]map[string]any{}
	for unitID, um := range job.UnitMappings {
		if out, ok := um.PhaseOutputs[dep.ID]; ok {
			perUnit[unitID] = out
		}
	}
	if len(perUnit) == 0 {
		return nil
	}
	return phase.AggregateOutputs(exec.Contract(), perUnit)
}
