package phase

import (
	"context"

	"github.com/google/uuid"

	"github.com/dwellfi/provision-brain/internal/controller"
	"github.com/dwellfi/provision-brain/internal/domain"
	"github.com/dwellfi/provision-brain/internal/events"
)

// Runtime is the capability set the executor runtime hands a phase instance.
// Executors are plain types with no ancestry; everything they may do to the
// outside world goes through this interface.
type Runtime interface {
	// Context carries cancellation and the per-job deadline. Executors must
	// pass it to every blocking call.
	Context() context.Context

	// Emit publishes a message event on the job's channel.
	Emit(level events.Level, msg string, details map[string]any)

	// FireAndWait registers an asynchronous controller operation with the
	// activity tracker and suspends until it resolves.
	FireAndWait(requestID string) (domain.ActivityResult, error)

	// ParallelMap runs fn over items with bounded concurrency, capturing
	// per-item errors instead of cancelling the batch.
	ParallelMap(items []any, fn func(ctx context.Context, item any) error, maxConcurrent int) (succeeded int, failures []error)

	// TrackResource appends to the job's created-resource ledger atomically.
	TrackResource(resourceType string, rec domain.CreatedResource) error

	// RetryTransient retries op with factor-2 backoff, at most 4 attempts,
	// while controller.IsTransient reports the error retryable.
	RetryTransient(op func() error) error

	Remote() controller.Client
	JobID() uuid.UUID
	PhaseID() string
	UnitID() string
	UnitNumber() string
	TenantID() string
	VenueID() string
	Options() map[string]any
}

// Executor is one registered phase implementation. Execute runs once per
// unit for per-unit phases and once per job for global ones.
type Executor interface {
	ID() string
	Contract() Contract
	Execute(rt Runtime, in Inputs) (map[string]any, error)
}

// Validator is an optional side-effect-free pre-flight an executor can
// expose alongside Execute. The dry-run endpoint uses it to answer "what
// would this job do" without admitting a job.
type Validator interface {
	Validate(rt Runtime, in Inputs) (domain.ValidationResult, error)
}

// Reserved output keys a validation phase uses to hand results back to the
// scheduler: per-unit plans (unit id -> plan map) are copied onto the unit
// mappings, and the validation summary gates the confirmation step.
const (
	PlansOutputKey      = "plans"
	ValidationOutputKey = "validation"
)
