package runtime

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/dwellfi/provision-brain/internal/domain"
	"github.com/dwellfi/provision-brain/internal/phase"
)

type contractStub struct {
	id       string
	contract phase.Contract
}

func (s contractStub) ID() string         { return s.id }
func (s contractStub) Contract() phase.Contract { return s.contract }
func (s contractStub) Execute(phase.Runtime, phase.Inputs) (map[string]any, error) {
	return nil, nil
}

type contractIndex map[string]phase.Executor

func (c contractIndex) Get(id string) (phase.Executor, bool) {
	e, ok := c[id]
	return e, ok
}

func precedenceJob() (*domain.JobV2, *domain.UnitMapping) {
	job := &domain.JobV2{
		ID:           uuid.New(),
		TenantID:     "t1",
		VenueID:      "v1",
		ControllerID: "ctrl-1",
		PhaseDefinitions: []domain.PhaseSnapshot{
			{ID: "validate", Executor: "validate"},
			{ID: "build", Executor: "build", DependsOn: []string{"validate"}, PerUnit: true},
		},
		GlobalPhaseOutputs: map[string]map[string]any{
			"validate": {"ssid_name": "from-upstream"},
		},
		Options: map[string]any{"ssid_name": "from-options"},
	}
	unit := &domain.UnitMapping{
		UnitID:      "u1",
		UnitNumber:  "101",
		Plan:        map[string]any{"ssid_name": "from-plan"},
		InputConfig: map[string]any{"ssid_name": "from-config"},
	}
	job.UnitMappings = map[string]*domain.UnitMapping{"u1": unit}
	return job, unit
}

func TestResolveInputsPrecedence(t *testing.T) {
	job, unit := precedenceJob()
	def, _ := job.Phase("build")
	contract := phase.Contract{Inputs: []phase.Field{{Name: "ssid_name", Kind: phase.KindString}}}

	resolve := func() string {
		t.Helper()
		in, err := ResolveInputs(job, def, contract, unit, contractIndex{})
		if err != nil {
			t.Fatalf("resolve failed: %v", err)
		}
		return in["ssid_name"].(string)
	}

	if got := resolve(); got != "from-upstream" {
		t.Fatalf("upstream outputs should win, got %q", got)
	}
	delete(job.GlobalPhaseOutputs, "validate")
	if got := resolve(); got != "from-plan" {
		t.Fatalf("plan should win over input config, got %q", got)
	}
	unit.Plan = nil
	if got := resolve(); got != "from-config" {
		t.Fatalf("input config should win over options, got %q", got)
	}
	unit.InputConfig = nil
	if got := resolve(); got != "from-options" {
		t.Fatalf("options should be the last named source, got %q", got)
	}
}

func TestResolveInputsBuiltins(t *testing.T) {
	job, unit := precedenceJob()
	def, _ := job.Phase("build")
	contract := phase.Contract{Inputs: []phase.Field{
		{Name: "job_id", Kind: phase.KindString},
		{Name: "unit_id", Kind: phase.KindString},
		{Name: "unit_number", Kind: phase.KindString},
		{Name: "controller_id", Kind: phase.KindString},
	}}

	in, err := ResolveInputs(job, def, contract, unit, contractIndex{})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if in["job_id"] != job.ID.String() || in["unit_id"] != "u1" || in["unit_number"] != "101" || in["controller_id"] != "ctrl-1" {
		t.Fatalf("builtins mismatch: %v", in)
	}
}

func TestResolveInputsMissingRequired(t *testing.T) {
	job, unit := precedenceJob()
	def, _ := job.Phase("build")
	contract := phase.Contract{Inputs: []phase.Field{{Name: "nowhere", Kind: phase.KindString}}}

	_, err := ResolveInputs(job, def, contract, unit, contractIndex{})
	if err == nil {
		t.Fatalf("unresolvable required input should fail")
	}
	var pe *domain.PhaseError
	if !errors.As(err, &pe) || pe.Category != domain.SetupError {
		t.Fatalf("expected SETUP_ERROR, got %v", err)
	}
}

func TestResolveInputsPerUnitUpstreamForSameUnit(t *testing.T) {
	job, unit := precedenceJob()
	job.PhaseDefinitions = append(job.PhaseDefinitions,
		domain.PhaseSnapshot{ID: "activate", Executor: "activate", DependsOn: []string{"build"}, PerUnit: true})
	unit.PhaseOutputs = map[string]map[string]any{"build": {"ssid_id": "ssid-u1"}}
	other := &domain.UnitMapping{
		UnitID:       "u2",
		UnitNumber:   "102",
		PhaseOutputs: map[string]map[string]any{"build": {"ssid_id": "ssid-u2"}},
	}
	job.UnitMappings["u2"] = other

	def, _ := job.Phase("activate")
	contract := phase.Contract{Inputs: []phase.Field{{Name: "ssid_id", Kind: phase.KindString}}}

	in, err := ResolveInputs(job, def, contract, unit, contractIndex{})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if in["ssid_id"] != "ssid-u1" {
		t.Fatalf("per-unit task must see its own unit's upstream outputs, got %v", in["ssid_id"])
	}
}

// A global phase downstream of a per-unit phase sees that phase's outputs
// folded across units by the upstream contract's aggregation rules.
func TestResolveInputsAggregatesForGlobalPhase(t *testing.T) {
	job, unit := precedenceJob()
	job.PhaseDefinitions = append(job.PhaseDefinitions,
		domain.PhaseSnapshot{ID: "summarize", Executor: "summarize", DependsOn: []string{"build"}})
	unit.PhaseOutputs = map[string]map[string]any{
		"build": {"ssid_id": "ssid-u1", "credential_count": 2},
	}
	job.UnitMappings["u2"] = &domain.UnitMapping{
		UnitID:     "u2",
		UnitNumber: "102",
		PhaseOutputs: map[string]map[string]any{
			"build": {"ssid_id": "ssid-u2", "credential_count": 3},
		},
	}

	contracts := contractIndex{
		"build": contractStub{id: "build", contract: phase.Contract{Outputs: []phase.Field{
			{Name: "ssid_id", Kind: phase.KindString},
			{Name: "credential_count", Kind: phase.KindInt, Aggregate: phase.AggSum},
		}}},
	}
	def, _ := job.Phase("summarize")
	contract := phase.Contract{Inputs: []phase.Field{
		{Name: "ssid_id", Kind: phase.KindList},
		{Name: "credential_count", Kind: phase.KindFloat},
	}}

	in, err := ResolveInputs(job, def, contract, nil, contracts)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	ids := in["ssid_id"].([]any)
	if len(ids) != 2 || ids[0] != "ssid-u1" || ids[1] != "ssid-u2" {
		t.Fatalf("aggregated ids should list units in sorted order, got %v", ids)
	}
	if got := in["credential_count"].(float64); got != 5 {
		t.Fatalf("summed count expected 5, got %v", got)
	}
}
