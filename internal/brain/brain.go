package brain

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dwellfi/provision-brain/internal/controller"
	"github.com/dwellfi/provision-brain/internal/domain"
	"github.com/dwellfi/provision-brain/internal/events"
	"github.com/dwellfi/provision-brain/internal/phase"
	"github.com/dwellfi/provision-brain/internal/platform/logger"
	"github.com/dwellfi/provision-brain/internal/runtime"
	"github.com/dwellfi/provision-brain/internal/store"
	"github.com/dwellfi/provision-brain/internal/tracker"
	"github.com/dwellfi/provision-brain/internal/workflow"
)

// Config carries the scheduler limits. Zero values fall back to defaults.
type Config struct {
	// MaxPhaseConcurrency caps how many unit tasks of one phase run at once.
	MaxPhaseConcurrency int

	// JobDeadline bounds the whole RUNNING stage of a job.
	JobDeadline time.Duration

	// OwnerTTL is the lease duration; renewal runs at a third of it.
	OwnerTTL time.Duration

	// ActivityDeadline overrides the tracker default per fired activity.
	ActivityDeadline time.Duration
}

const (
	DefaultMaxPhaseConcurrency = 10
	DefaultJobDeadline         = time.Hour
	DefaultOwnerTTL            = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxPhaseConcurrency <= 0 {
		c.MaxPhaseConcurrency = DefaultMaxPhaseConcurrency
	}
	if c.JobDeadline <= 0 {
		c.JobDeadline = DefaultJobDeadline
	}
	if c.OwnerTTL <= 0 {
		c.OwnerTTL = DefaultOwnerTTL
	}
	return c
}

// Brain admits, schedules and finalizes workflow jobs. One Brain per process;
// jobs are exclusive per worker via the owner lease.
type Brain struct {
	store     *store.Store
	tracker   *tracker.Tracker
	pub       *events.Publisher
	workflows *workflow.Registry
	phases    *phase.Registry
	resolver  controller.Resolver
	log       *logger.Logger
	cfg       Config
	workerID  string

	mu      sync.Mutex
	running map[string]bool // job ids this process is advancing

	wg sync.WaitGroup
}

func New(st *store.Store, tr *tracker.Tracker, pub *events.Publisher, wfs *workflow.Registry, phases *phase.Registry, resolver controller.Resolver, log *logger.Logger, cfg Config) *Brain {
	return &Brain{
		store:     st,
		tracker:   tr,
		pub:       pub,
		workflows: wfs,
		phases:    phases,
		resolver:  resolver,
		log:       log.With("component", "Brain"),
		cfg:       cfg.withDefaults(),
		workerID:  "brain-" + uuid.NewString()[:8],
		running:   map[string]bool{},
	}
}

// WorkerID identifies this process in owner leases.
func (b *Brain) WorkerID() string { return b.workerID }

// Wait blocks until every job this process is advancing has settled. Used by
// graceful shutdown and tests.
func (b *Brain) Wait() { b.wg.Wait() }

// StartRequest is the admission payload.
type StartRequest struct {
	WorkflowName string
	ControllerID string
	VenueID      string
	TenantID     string
	UserID       string
	Units        []domain.UnitInput
	Options      map[string]any
}

// StartJob admits a job: snapshots the workflow onto the record, persists it,
// and kicks off validation in the background. The returned job is in
// VALIDATING; callers follow progress on the event stream.
func (b *Brain) StartJob(ctx context.Context, req StartRequest) (*domain.JobV2, error) {
	wf, ok := b.workflows.Get(req.WorkflowName)
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", req.WorkflowName)
	}
	if req.ControllerID == "" {
		return nil, fmt.Errorf("controller_id is required")
	}
	if _, err := b.resolver.Client(req.ControllerID); err != nil {
		return nil, fmt.Errorf("controller %q: %w", req.ControllerID, err)
	}

	units, err := buildUnitMappings(req.Units, wf)
	if err != nil {
		return nil, err
	}
	if wf.HoldsSlotsAcrossPhases() && len(units) > wf.MaxActivationSlots {
		return nil, fmt.Errorf("workflow %q holds activation slots across phases: at most %d units per job, got %d",
			wf.Name, wf.MaxActivationSlots, len(units))
	}

	job := &domain.JobV2{
		ID:                 uuid.New(),
		WorkflowName:       wf.Name,
		UserID:             req.UserID,
		ControllerID:       req.ControllerID,
		VenueID:            req.VenueID,
		TenantID:           req.TenantID,
		Status:             domain.JobValidating,
		PhaseDefinitions:   wf.Snapshot(),
		GlobalPhaseStatus:  map[string]domain.PhaseStatus{},
		GlobalPhaseOutputs: map[string]map[string]any{},
		UnitMappings:       units,
		Options:            wf.MergedOptions(req.Options),
		InputData:          &domain.JobRequest{Units: req.Units, Options: req.Options},
		CreatedAt:          time.Now().UTC(),
	}
	for _, p := range job.PhaseDefinitions {
		if !p.PerUnit {
			job.GlobalPhaseStatus[p.ID] = domain.PhasePending
		}
	}
	// Global phases see the unit roster through the options map.
	job.Options["units"] = unitRoster(units)

	if err := b.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	b.pub.JobStarted(ctx, job)
	b.log.Info("Job admitted", "job_id", job.ID.String(), "workflow", wf.Name, "units", len(units))

	b.spawn(job.ID.String(), func(runCtx context.Context) {
		b.validate(runCtx, job.ID.String(), wf)
	})
	return job, nil
}

// DryRun answers "what would this job do" without admitting one. The request
// passes the same admission checks as StartJob, then phase 0's
// side-effect-free Validate hook runs against a transient record that is
// never persisted.
func (b *Brain) DryRun(ctx context.Context, req StartRequest) (*domain.ValidationResult, error) {
	wf, ok := b.workflows.Get(req.WorkflowName)
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", req.WorkflowName)
	}
	if req.ControllerID == "" {
		return nil, fmt.Errorf("controller_id is required")
	}
	client, err := b.resolver.Client(req.ControllerID)
	if err != nil {
		return nil, fmt.Errorf("controller %q: %w", req.ControllerID, err)
	}
	units, err := buildUnitMappings(req.Units, wf)
	if err != nil {
		return nil, err
	}
	if wf.HoldsSlotsAcrossPhases() && len(units) > wf.MaxActivationSlots {
		return nil, fmt.Errorf("workflow %q holds activation slots across phases: at most %d units per job, got %d",
			wf.Name, wf.MaxActivationSlots, len(units))
	}

	job := &domain.JobV2{
		ID:                 uuid.New(),
		WorkflowName:       wf.Name,
		ControllerID:       req.ControllerID,
		VenueID:            req.VenueID,
		TenantID:           req.TenantID,
		Status:             domain.JobValidating,
		PhaseDefinitions:   wf.Snapshot(),
		GlobalPhaseStatus:  map[string]domain.PhaseStatus{},
		GlobalPhaseOutputs: map[string]map[string]any{},
		UnitMappings:       units,
		Options:            wf.MergedOptions(req.Options),
		CreatedAt:          time.Now().UTC(),
	}
	job.Options["units"] = unitRoster(units)

	def := job.PhaseDefinitions[0]
	exec, ok := b.phases.Get(def.Executor)
	if !ok {
		return nil, fmt.Errorf("executor %q not registered", def.Executor)
	}
	validator, ok := exec.(phase.Validator)
	if !ok {
		return nil, fmt.Errorf("workflow %q does not support dry runs", wf.Name)
	}

	rt := runtime.NewContext(ctx, b.store, b.tracker, b.pub, client, b.log, runtime.Params{
		JobID:        job.ID,
		PhaseID:      def.ID,
		TenantID:     job.TenantID,
		VenueID:      job.VenueID,
		ControllerID: job.ControllerID,
		Options:      job.Options,
	})
	in, err := runtime.ResolveInputs(job, def, exec.Contract(), nil, b.phases)
	if err != nil {
		return nil, err
	}
	res, err := validator.Validate(rt, in)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// buildUnitMappings derives unit ids and initializes per-phase status maps.
// A missing unit_id falls back to the normalized unit_number; duplicates are
// rejected at admission.
func buildUnitMappings(inputs []domain.UnitInput, wf *workflow.Workflow) (map[string]*domain.UnitMapping, error) {
	units := make(map[string]*domain.UnitMapping, len(inputs))
	for _, in := range inputs {
		id := strings.TrimSpace(in.UnitID)
		if id == "" {
			id = normalizeUnitID(in.UnitNumber)
		}
		if id == "" {
			return nil, fmt.Errorf("unit with empty unit_id and unit_number")
		}
		if _, dup := units[id]; dup {
			return nil, fmt.Errorf("duplicate unit id %q", id)
		}
		um := &domain.UnitMapping{
			UnitID:      id,
			UnitNumber:  in.UnitNumber,
			Status:      domain.PhasePending,
			InputConfig: in.Config,
			PhaseStatus: map[string]domain.PhaseStatus{},
		}
		for _, p := range wf.Phases {
			if p.PerUnit {
				um.PhaseStatus[p.ID] = domain.PhasePending
			}
		}
		units[id] = um
	}
	return units, nil
}

func unitRoster(units map[string]*domain.UnitMapping) []any {
	ids := make([]string, 0, len(units))
	for id := range units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	roster := make([]any, 0, len(ids))
	for _, id := range ids {
		roster = append(roster, map[string]any{
			"unit_id":     id,
			"unit_number": units[id].UnitNumber,
		})
	}
	return roster
}

func normalizeUnitID(unitNumber string) string {
	s := strings.ToLower(strings.TrimSpace(unitNumber))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ' || r == '/':
			return '-'
		default:
			return -1
		}
	}, s)
}

// Confirm moves an AWAITING_CONFIRMATION job into RUNNING and starts the
// scheduler loop for it.
func (b *Brain) Confirm(ctx context.Context, jobID string) (*domain.JobV2, error) {
	job, err := b.store.UpdateJob(ctx, jobID, func(j *domain.JobV2) error {
		if j.Status != domain.JobAwaitingConfirmation {
			return domain.ErrNotConfirmable
		}
		if j.CancelRequested {
			return domain.ErrJobTerminal
		}
		now := time.Now().UTC()
		j.Status = domain.JobRunning
		j.StartedAt = &now
		j.Owner = b.workerID
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.pub.Message(ctx, jobID, events.LevelInfo, "confirmed, execution starting", nil)
	b.spawn(jobID, func(runCtx context.Context) {
		b.run(runCtx, jobID)
	})
	return job, nil
}

// Cancel requests termination. Pre-running jobs settle to CANCELLED here;
// running jobs carry the flag and the scheduler loop finalizes after
// in-flight tasks drain. Idempotent for already-cancelled jobs.
func (b *Brain) Cancel(ctx context.Context, jobID string) (*domain.JobV2, error) {
	var settled bool
	job, err := b.store.UpdateJob(ctx, jobID, func(j *domain.JobV2) error {
		if j.Status.Terminal() {
			return domain.ErrJobTerminal
		}
		j.CancelRequested = true
		switch j.Status {
		case domain.JobPending, domain.JobAwaitingConfirmation:
			now := time.Now().UTC()
			j.Status = domain.JobCancelled
			j.CompletedAt = &now
			settled = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Wake suspended executors; their activities resolve as cancelled within
	// one poll interval.
	b.tracker.CancelJob(ctx, jobID)
	if settled {
		b.tracker.Forget(ctx, jobID)
		b.pub.JobTerminal(ctx, job)
	}
	return job, nil
}

// Resume adopts jobs left RUNNING or VALIDATING by a dead worker. Jobs whose
// lease another live worker holds are skipped. Called at startup and by the
// periodic sweep.
func (b *Brain) Resume(ctx context.Context) (int, error) {
	adopted := 0
	for _, status := range []domain.JobStatus{domain.JobRunning, domain.JobValidating} {
		jobs, err := b.store.ListJobs(ctx, store.JobFilter{Status: status})
		if err != nil {
			return adopted, err
		}
		for _, job := range jobs {
			jobID := job.ID.String()
			if b.isRunning(jobID) {
				continue
			}
			ok, err := b.store.AcquireOwner(ctx, jobID, b.workerID, b.cfg.OwnerTTL)
			if err != nil {
				return adopted, err
			}
			if !ok {
				continue
			}
			if _, err := b.store.UpdateJob(ctx, jobID, func(j *domain.JobV2) error {
				j.Owner = b.workerID
				return nil
			}); err != nil {
				b.log.Warn("Failed to stamp owner on resumed job", "job_id", jobID, "error", err)
			}
			adopted++
			b.log.Info("Resuming job", "job_id", jobID, "status", string(job.Status))
			if job.Status == domain.JobValidating {
				wf, ok := b.workflows.Get(job.WorkflowName)
				if !ok {
					b.failJob(ctx, jobID, domain.SetupError, fmt.Sprintf("workflow %q no longer registered", job.WorkflowName))
					continue
				}
				b.spawn(jobID, func(runCtx context.Context) { b.validate(runCtx, jobID, wf) })
			} else {
				b.spawn(jobID, func(runCtx context.Context) { b.run(runCtx, jobID) })
			}
		}
	}
	return adopted, nil
}

func (b *Brain) isRunning(jobID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running[jobID]
}

// spawn runs fn in a tracked goroutine, at most one per job id.
func (b *Brain) spawn(jobID string, fn func(ctx context.Context)) {
	b.mu.Lock()
	if b.running[jobID] {
		b.mu.Unlock()
		return
	}
	b.running[jobID] = true
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			b.mu.Lock()
			delete(b.running, jobID)
			b.mu.Unlock()
		}()
		fn(context.Background())
	}()
}

// failJob finalizes a job as FAILED outside the run loop (admission and
// validation errors).
func (b *Brain) failJob(ctx context.Context, jobID string, cat domain.ErrorCategory, msg string) {
	job, err := b.store.UpdateJob(ctx, jobID, func(j *domain.JobV2) error {
		if j.Status.Terminal() {
			return domain.ErrJobTerminal
		}
		now := time.Now().UTC()
		j.Status = domain.JobFailed
		j.CompletedAt = &now
		j.AppendError("", "", fmt.Sprintf("%s: %s", cat, msg))
		return nil
	})
	if err != nil {
		if err != domain.ErrJobTerminal {
			b.log.Error("Failed to finalize job as failed", "job_id", jobID, "error", err)
		}
		return
	}
	b.tracker.Forget(ctx, jobID)
	_ = b.store.ReleaseOwner(ctx, jobID, b.workerID)
	b.pub.JobTerminal(ctx, job)
}
