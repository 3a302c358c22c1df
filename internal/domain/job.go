package domain

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobPending              JobStatus = "PENDING"
	JobValidating           JobStatus = "VALIDATING"
	JobAwaitingConfirmation JobStatus = "AWAITING_CONFIRMATION"
	JobRunning              JobStatus = "RUNNING"
	JobCompleted            JobStatus = "COMPLETED"
	JobFailed               JobStatus = "FAILED"
	JobCancelled            JobStatus = "CANCELLED"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

type PhaseStatus string

const (
	PhasePending   PhaseStatus = "PENDING"
	PhaseRunning   PhaseStatus = "RUNNING"
	PhaseCompleted PhaseStatus = "COMPLETED"
	PhaseFailed    PhaseStatus = "FAILED"
	PhaseSkipped   PhaseStatus = "SKIPPED"
)

func (s PhaseStatus) Terminal() bool {
	return s == PhaseCompleted || s == PhaseFailed || s == PhaseSkipped
}

// ActivationSlot marks a phase's participation in the workflow-scoped
// activation throttle. An "acquire" phase takes a slot before executing and
// holds it; a "release" phase returns one after executing.
type ActivationSlot string

const (
	SlotNone    ActivationSlot = ""
	SlotAcquire ActivationSlot = "acquire"
	SlotRelease ActivationSlot = "release"
)

// PhaseSnapshot is the serializable shape of a phase definition, frozen onto
// the job at admission so a redeploy cannot change a running job's graph.
// Predicates (skip_if) are not serializable; the scheduler re-binds them from
// the live workflow by phase id when the workflow still defines the phase.
type PhaseSnapshot struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Executor        string         `json:"executor"`
	DependsOn       []string       `json:"depends_on,omitempty"`
	PerUnit         bool           `json:"per_unit"`
	Critical        bool           `json:"critical"`
	Inputs          []string       `json:"inputs,omitempty"`
	Outputs         []string       `json:"outputs,omitempty"`
	APICallsPerUnit string         `json:"api_calls_per_unit,omitempty"`
	ActivationSlot  ActivationSlot `json:"activation_slot,omitempty"`
}

// UnitInput is one unit as submitted by the caller.
type UnitInput struct {
	UnitID     string         `json:"unit_id,omitempty"`
	UnitNumber string         `json:"unit_number"`
	Config     map[string]any `json:"config,omitempty"`
}

// JobRequest is the original start request, retained on the job for resume.
type JobRequest struct {
	Units   []UnitInput    `json:"units"`
	Options map[string]any `json:"options,omitempty"`
}

type UnitMapping struct {
	UnitID       string                    `json:"unit_id"`
	UnitNumber   string                    `json:"unit_number"`
	Status       PhaseStatus               `json:"status"`
	Plan         map[string]any            `json:"plan,omitempty"`
	InputConfig  map[string]any            `json:"input_config,omitempty"`
	PhaseStatus  map[string]PhaseStatus    `json:"phase_status"`
	PhaseOutputs map[string]map[string]any `json:"phase_outputs,omitempty"`
	Error        string                    `json:"error,omitempty"`
}

type CreatedResource struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type JobError struct {
	PhaseID   string    `json:"phase_id"`
	UnitID    string    `json:"unit_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ValidationResult is what phase 0 reports before the confirmation gate.
type ValidationResult struct {
	Valid              bool     `json:"valid"`
	TotalUnits         int      `json:"total_units"`
	WillCreate         int      `json:"will_create"`
	WillReuse          int      `json:"will_reuse"`
	ExistingResourceID string   `json:"existing_resource_id,omitempty"`
	EstimatedAPICalls  int      `json:"estimated_api_calls"`
	Actions            []string `json:"actions,omitempty"`
	Errors             []string `json:"errors,omitempty"`
	Notes              []string `json:"notes,omitempty"`
}

// JobV2 is the live execution record persisted in the state store.
type JobV2 struct {
	ID           uuid.UUID `json:"id"`
	WorkflowName string    `json:"workflow_name"`
	UserID       string    `json:"user_id,omitempty"`

	ControllerID string `json:"controller_id"`
	VenueID      string `json:"venue_id,omitempty"`
	TenantID     string `json:"tenant_id,omitempty"`

	Status          JobStatus `json:"status"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
	Owner           string    `json:"owner,omitempty"`

	PhaseDefinitions   []PhaseSnapshot              `json:"phase_definitions"`
	GlobalPhaseStatus  map[string]PhaseStatus       `json:"global_phase_status"`
	GlobalPhaseOutputs map[string]map[string]any    `json:"global_phase_outputs"`
	UnitMappings       map[string]*UnitMapping      `json:"unit_mappings"`
	Options            map[string]any               `json:"options,omitempty"`
	InputData          *JobRequest                  `json:"input_data,omitempty"`
	CreatedResources   map[string][]CreatedResource `json:"created_resources,omitempty"`
	Errors             []JobError                   `json:"errors,omitempty"`
	Validation         *ValidationResult            `json:"validation,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ParentJobID string   `json:"parent_job_id,omitempty"`
	ChildJobIDs []string `json:"child_job_ids,omitempty"`
}

// Phase returns the snapshot for a phase id, if the job carries it.
func (j *JobV2) Phase(id string) (PhaseSnapshot, bool) {
	for _, p := range j.PhaseDefinitions {
		if p.ID == id {
			return p, true
		}
	}
	return PhaseSnapshot{}, false
}

// AppendError records a failure on the job. Callers hold the job through an
// atomic update when persistence matters.
func (j *JobV2) AppendError(phaseID, unitID, msg string) {
	j.Errors = append(j.Errors, JobError{
		PhaseID:   phaseID,
		UnitID:    unitID,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
}

// TrackResource appends to the created-resource ledger. Append-only while the
// job is non-terminal.
func (j *JobV2) TrackResource(resourceType string, rec CreatedResource) {
	if j.CreatedResources == nil {
		j.CreatedResources = map[string][]CreatedResource{}
	}
	j.CreatedResources[resourceType] = append(j.CreatedResources[resourceType], rec)
}
