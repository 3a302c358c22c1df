package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dwellfi/provision-brain/internal/controller"
	"github.com/dwellfi/provision-brain/internal/domain"
	"github.com/dwellfi/provision-brain/internal/events"
	"github.com/dwellfi/provision-brain/internal/phase"
	"github.com/dwellfi/provision-brain/internal/runtime"
	"github.com/dwellfi/provision-brain/internal/workflow"
)

// validate runs phase 0, stores the validation summary and per-unit plans,
// and either parks the job at the confirmation gate or rolls straight into
// the scheduler loop.
func (b *Brain) validate(ctx context.Context, jobID string, wf *workflow.Workflow) {
	job, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		b.log.Error("Cannot load job for validation", "job_id", jobID, "error", err)
		return
	}
	if job.Status.Terminal() {
		return
	}
	if job.CancelRequested {
		b.finalize(ctx, jobID, domain.JobCancelled)
		return
	}

	def := job.PhaseDefinitions[0]
	exec, ok := b.phases.Get(def.Executor)
	if !ok {
		b.failJob(ctx, jobID, domain.SetupError, fmt.Sprintf("executor %q not registered", def.Executor))
		return
	}
	client, err := b.resolver.Client(job.ControllerID)
	if err != nil {
		b.failJob(ctx, jobID, domain.SetupError, err.Error())
		return
	}

	if _, err := b.store.UpdateJob(ctx, jobID, func(j *domain.JobV2) error {
		j.GlobalPhaseStatus[def.ID] = domain.PhaseRunning
		return nil
	}); err != nil {
		b.log.Error("Cannot mark validation running", "job_id", jobID, "error", err)
		return
	}
	b.pub.PhaseStarted(ctx, jobID, def.ID)

	rt := runtime.NewContext(ctx, b.store, b.tracker, b.pub, client, b.log, runtime.Params{
		JobID:            job.ID,
		PhaseID:          def.ID,
		TenantID:         job.TenantID,
		VenueID:          job.VenueID,
		ControllerID:     job.ControllerID,
		Options:          job.Options,
		ActivityDeadline: b.cfg.ActivityDeadline,
	})
	in, err := runtime.ResolveInputs(job, def, exec.Contract(), nil, b.phases)
	if err == nil {
		var out map[string]any
		out, err = runtime.SafeExecute(exec, rt, in)
		if err == nil {
			err = b.acceptValidation(ctx, jobID, def, out)
		}
	}
	if err != nil {
		cat := domain.CategoryOf(err)
		if cat == domain.InternalError {
			cat = domain.ValidationError
		}
		_, _ = b.store.UpdateJob(ctx, jobID, func(j *domain.JobV2) error {
			j.GlobalPhaseStatus[def.ID] = domain.PhaseFailed
			return nil
		})
		b.pub.PhaseCompleted(ctx, jobID, def.ID, domain.PhaseFailed)
		b.failJob(ctx, jobID, cat, err.Error())
		return
	}
	b.pub.PhaseCompleted(ctx, jobID, def.ID, domain.PhaseCompleted)

	if wf.RequiresConfirmation {
		job, err := b.store.UpdateJob(ctx, jobID, func(j *domain.JobV2) error {
			if j.CancelRequested {
				return domain.ErrJobTerminal
			}
			j.Status = domain.JobAwaitingConfirmation
			return nil
		})
		if err != nil {
			b.finalize(ctx, jobID, domain.JobCancelled)
			return
		}
		b.pub.Message(ctx, jobID, events.LevelInfo, "validation passed, awaiting confirmation", map[string]any{
			"validation": job.Validation,
		})
		return
	}

	if _, err = b.store.UpdateJob(ctx, jobID, func(j *domain.JobV2) error {
		if j.CancelRequested {
			return domain.ErrJobTerminal
		}
		now := time.Now().UTC()
		j.Status = domain.JobRunning
		j.StartedAt = &now
		j.Owner = b.workerID
		return nil
	}); err != nil {
		b.finalize(ctx, jobID, domain.JobCancelled)
		return
	}
	b.run(ctx, jobID)
}

// acceptValidation stores phase-0 results on the job: the summary gates the
// confirmation step and per-unit plans become the units' resolved configs.
// An explicitly invalid result fails the job.
func (b *Brain) acceptValidation(ctx context.Context, jobID string, def domain.PhaseSnapshot, out map[string]any) error {
	result := validationFrom(out)
	plans := plansFrom(out)

	_, err := b.store.UpdateJob(ctx, jobID, func(j *domain.JobV2) error {
		outputs := map[string]any{}
		for k, v := range out {
			if k == phase.PlansOutputKey || k == phase.ValidationOutputKey {
				continue
			}
			outputs[k] = v
		}
		if j.GlobalPhaseOutputs == nil {
			j.GlobalPhaseOutputs = map[string]map[string]any{}
		}
		j.GlobalPhaseOutputs[def.ID] = outputs
		j.GlobalPhaseStatus[def.ID] = domain.PhaseCompleted
		j.Validation = result
		for unitID, plan := range plans {
			if um, ok := j.UnitMappings[unitID]; ok {
				um.Plan = plan
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if result != nil && !result.Valid {
		msg := "validation rejected the request"
		if len(result.Errors) > 0 {
			msg = result.Errors[0]
		}
		return domain.NewPhaseError(domain.ValidationError, "%s", msg)
	}
	return nil
}

func validationFrom(out map[string]any) *domain.ValidationResult {
	v, ok := out[phase.ValidationOutputKey]
	if !ok || v == nil {
		return nil
	}
	switch r := v.(type) {
	case domain.ValidationResult:
		return &r
	case *domain.ValidationResult:
		return r
	default:
		// Came through a JSON boundary.
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var res domain.ValidationResult
		if err := json.Unmarshal(b, &res); err != nil {
			return nil
		}
		return &res
	}
}

func plansFrom(out map[string]any) map[string]map[string]any {
	v, ok := out[phase.PlansOutputKey]
	if !ok || v == nil {
		return nil
	}
	switch p := v.(type) {
	case map[string]map[string]any:
		return p
	case map[string]any:
		plans := map[string]map[string]any{}
		for unitID, raw := range p {
			if m, ok := raw.(map[string]any); ok {
				plans[unitID] = m
			}
		}
		return plans
	}
	return nil
}

// run is the scheduler loop: recompute the ready set, fan out phases, wait
// for completions, finalize. It re-reads the job every round so cancel
// requests and concurrent updates are honored.
func (b *Brain) run(ctx context.Context, jobID string) {
	job, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		b.log.Error("Cannot load job for run", "job_id", jobID, "error", err)
		return
	}
	if job.Status != domain.JobRunning {
		return
	}

	deadline := time.Now().Add(b.cfg.JobDeadline)
	if job.StartedAt != nil {
		deadline = job.StartedAt.Add(b.cfg.JobDeadline)
	}
	runCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	go b.renewOwner(runCtx, jobID)

	wf, _ := b.workflows.Get(job.WorkflowName)
	maxSlots := workflow.DefaultMaxActivationSlots
	if wf != nil && wf.MaxActivationSlots > 0 {
		maxSlots = wf.MaxActivationSlots
	}
	slots := newSlotPool(maxSlots, heldSlots(job), hasReleasePhase(job))
	graph := workflow.NewGraph(workflow.NodesOfSnapshots(job.PhaseDefinitions))

	done := make(chan string, len(job.PhaseDefinitions))
	inflight := map[string]bool{}

	for {
		job, err = b.store.GetJob(ctx, jobID)
		if err != nil {
			b.log.Error("Scheduler lost the job record", "job_id", jobID, "error", err)
			return
		}
		if job.Status.Terminal() {
			return
		}

		if job.CancelRequested {
			if len(inflight) == 0 {
				b.finalize(ctx, jobID, domain.JobCancelled)
				return
			}
		} else {
			skipped := false
			for _, pid := range graph.Ready(satisfiedSet(job)) {
				if inflight[pid] {
					continue
				}
				def, _ := job.Phase(pid)
				if b.shouldSkip(wf, def, job) {
					b.markSkipped(ctx, jobID, def)
					skipped = true
					continue
				}
				if criticalAborted(job) {
					// A critical global phase failed; launch nothing new.
					break
				}
				inflight[pid] = true
				go func(d domain.PhaseSnapshot) {
					b.runPhase(runCtx, jobID, d, slots)
					done <- d.ID
				}(def)
			}
			if skipped {
				// Skipping satisfied dependencies; recompute immediately.
				continue
			}
		}

		if len(inflight) == 0 {
			status := domain.JobCompleted
			if anyFailed(job) {
				status = domain.JobFailed
			}
			b.finalize(ctx, jobID, status)
			return
		}

		select {
		case pid := <-done:
			delete(inflight, pid)
		case <-time.After(time.Second):
			// Re-read for cancel requests while phases are long-running.
		case <-runCtx.Done():
			b.log.Warn("Job deadline exceeded", "job_id", jobID)
			for len(inflight) > 0 {
				pid := <-done
				delete(inflight, pid)
			}
			_, _ = b.store.UpdateJob(ctx, jobID, func(j *domain.JobV2) error {
				j.AppendError("", "", "job deadline exceeded")
				return nil
			})
			b.finalize(ctx, jobID, domain.JobFailed)
			return
		}
	}
}

func (b *Brain) renewOwner(ctx context.Context, jobID string) {
	ticker := time.NewTicker(b.cfg.OwnerTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := b.store.RenewOwner(ctx, jobID, b.workerID, b.cfg.OwnerTTL)
			if err != nil {
				b.log.Warn("Owner renewal failed", "job_id", jobID, "error", err)
			} else if !ok {
				b.log.Warn("Lost job lease", "job_id", jobID)
			}
		}
	}
}

// satisfiedSet marks each phase whose global status is terminal. Per-unit
// phases flip terminal once every unit's task has settled, so downstream
// phases see a consistent barrier.
func satisfiedSet(job *domain.JobV2) map[string]bool {
	satisfied := map[string]bool{}
	for id, st := range job.GlobalPhaseStatus {
		if st.Terminal() {
			satisfied[id] = true
		}
	}
	return satisfied
}

// criticalAborted reports a failed critical global phase: nothing further may
// launch and the job fails once in-flight work drains.
func criticalAborted(job *domain.JobV2) bool {
	for _, def := range job.PhaseDefinitions {
		if def.Critical && !def.PerUnit && job.GlobalPhaseStatus[def.ID] == domain.PhaseFailed {
			return true
		}
	}
	return false
}

func anyFailed(job *domain.JobV2) bool {
	if criticalAborted(job) {
		return true
	}
	for _, um := range job.UnitMappings {
		if um.Status == domain.PhaseFailed {
			return true
		}
	}
	for _, def := range job.PhaseDefinitions {
		if def.Critical && job.GlobalPhaseStatus[def.ID] == domain.PhaseFailed {
			return true
		}
	}
	return false
}

// shouldSkip re-binds the live workflow's predicate by phase id. A phase the
// current build no longer defines keeps running from its snapshot, just
// without a skip predicate.
func (b *Brain) shouldSkip(wf *workflow.Workflow, def domain.PhaseSnapshot, job *domain.JobV2) bool {
	if wf == nil {
		return false
	}
	live, ok := wf.Phase(def.ID)
	if !ok || live.SkipIf == nil {
		return false
	}
	return live.SkipIf(job.Options, &outputLookup{job: job, contracts: b.phases})
}

type outputLookup struct {
	job       *domain.JobV2
	contracts runtime.ContractIndex
}

func (l *outputLookup) Global(phaseID string) (map[string]any, bool) {
	out, ok := l.job.GlobalPhaseOutputs[phaseID]
	return out, ok
}

// Unit returns a per-unit phase's outputs folded across units by the
// upstream contract's aggregation rules.
func (l *outputLookup) Unit(phaseID string) (map[string]any, bool) {
	def, ok := l.job.Phase(phaseID)
	if !ok || !def.PerUnit {
		return nil, false
	}
	exec, ok := l.contracts.Get(def.Executor)
	if !ok {
		return nil, false
	}
	perUnit := map[string]map[string]any{}
	for unitID, um := range l.job.UnitMappings {
		if out, ok := um.PhaseOutputs[def.ID]; ok {
			perUnit[unitID] = out
		}
	}
	if len(perUnit) == 0 {
		return nil, false
	}
	return phase.AggregateOutputs(exec.Contract(), perUnit), true
}

func (b *Brain) markSkipped(ctx context.Context, jobID string, def domain.PhaseSnapshot) {
	_, err := b.store.UpdateJob(ctx, jobID, func(j *domain.JobV2) error {
		j.GlobalPhaseStatus[def.ID] = domain.PhaseSkipped
		if def.PerUnit {
			for _, um := range j.UnitMappings {
				um.PhaseStatus[def.ID] = domain.PhaseSkipped
			}
		}
		return nil
	})
	if err != nil {
		b.log.Error("Cannot mark phase skipped", "job_id", jobID, "phase_id", def.ID, "error", err)
		return
	}
	b.pub.PhaseCompleted(ctx, jobID, def.ID, domain.PhaseSkipped)
}

// runPhase executes one phase to a terminal global status. Global phases run
// a single task; per-unit phases fan out over eligible units under the
// phase concurrency cap.
func (b *Brain) runPhase(ctx context.Context, jobID string, def domain.PhaseSnapshot, slots *slotPool) {
	exec, ok := b.phases.Get(def.Executor)
	if !ok {
		b.settlePhase(ctx, jobID, def, domain.PhaseFailed, fmt.Sprintf("executor %q not registered", def.Executor))
		return
	}
	job, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		b.log.Error("Cannot load job for phase", "job_id", jobID, "phase_id", def.ID, "error", err)
		return
	}
	client, err := b.resolver.Client(job.ControllerID)
	if err != nil {
		b.settlePhase(ctx, jobID, def, domain.PhaseFailed, err.Error())
		return
	}

	if _, err := b.store.UpdateJob(ctx, jobID, func(j *domain.JobV2) error {
		if j.Status.Terminal() {
			return domain.ErrJobTerminal
		}
		j.GlobalPhaseStatus[def.ID] = domain.PhaseRunning
		return nil
	}); err != nil {
		return
	}
	b.pub.PhaseStarted(ctx, jobID, def.ID)

	if !def.PerUnit {
		b.runGlobalPhase(ctx, jobID, def, exec, client, slots)
		return
	}
	b.runPerUnitPhase(ctx, jobID, def, exec, client, slots)
}

func (b *Brain) runGlobalPhase(ctx context.Context, jobID string, def domain.PhaseSnapshot, exec phase.Executor, remote controller.Client, slots *slotPool) {
	job, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}

	acquired := false
	if def.ActivationSlot == domain.SlotAcquire {
		if err := slots.acquire(ctx); err != nil {
			b.settlePhase(ctx, jobID, def, domain.PhaseFailed, "cancelled while waiting for activation slot")
			return
		}
		acquired = true
	}

	rt := runtime.NewContext(ctx, b.store, b.tracker, b.pub, remote, b.log, runtime.Params{
		JobID:            job.ID,
		PhaseID:          def.ID,
		TenantID:         job.TenantID,
		VenueID:          job.VenueID,
		ControllerID:     job.ControllerID,
		Options:          job.Options,
		ActivityDeadline: b.cfg.ActivityDeadline,
	})
	var out map[string]any
	in, err := runtime.ResolveInputs(job, def, exec.Contract(), nil, b.phases)
	if err == nil {
		out, err = runtime.SafeExecute(exec, rt, in)
	}
	if err != nil {
		if acquired {
			// The failed task left nothing in flight on the controller.
			slots.release()
		}
		b.settlePhaseOutputs(ctx, jobID, def, domain.PhaseFailed, nil, err.Error())
		return
	}
	if def.ActivationSlot == domain.SlotRelease || (acquired && !slots.pairedRelease) {
		slots.release()
	}
	b.settlePhaseOutputs(ctx, jobID, def, domain.PhaseCompleted, out, "")
}

func (b *Brain) runPerUnitPhase(ctx context.Context, jobID string, def domain.PhaseSnapshot, exec phase.Executor, remote controller.Client, slots *slotPool) {
	job, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}

	unitIDs := make([]string, 0, len(job.UnitMappings))
	for id := range job.UnitMappings {
		unitIDs = append(unitIDs, id)
	}
	sort.Strings(unitIDs)

	sem := semaphore.NewWeighted(int64(b.phaseConcurrency(job)))
	doneCh := make(chan struct{}, len(unitIDs))
	launched := 0

	for _, unitID := range unitIDs {
		um := job.UnitMappings[unitID]
		switch {
		case um.PhaseStatus[def.ID].Terminal():
			// Already settled on a previous run of this job.
			continue
		case um.Status == domain.PhaseFailed:
			// Unit abandoned by an earlier critical failure.
			b.markUnitTask(ctx, jobID, def.ID, unitID, domain.PhaseSkipped, "", nil)
			continue
		case !unitDepsMet(job, def, um):
			b.markUnitTask(ctx, jobID, def.ID, unitID, domain.PhaseSkipped, "", nil)
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			b.markUnitTask(ctx, jobID, def.ID, unitID, domain.PhaseFailed, "cancelled", nil)
			continue
		}
		launched++
		go func(unitID string) {
			defer sem.Release(1)
			defer func() { doneCh <- struct{}{} }()
			b.runUnitTask(ctx, jobID, def, exec, remote, slots, unitID)
		}(unitID)
	}
	for i := 0; i < launched; i++ {
		<-doneCh
	}

	final, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	status := phaseStatusFromUnits(final, def.ID)
	b.settlePhase(ctx, jobID, def, status, "")
}

// phaseConcurrency reads the per-job override of the unit fan-out cap.
func (b *Brain) phaseConcurrency(job *domain.JobV2) int {
	if v, ok := job.Options["phase_concurrency"]; ok {
		switch n := v.(type) {
		case int:
			if n > 0 {
				return n
			}
		case float64:
			if n > 0 {
				return int(n)
			}
		}
	}
	return b.cfg.MaxPhaseConcurrency
}

// unitDepsMet checks the unit-local view of the phase's per-unit
// dependencies. Global dependencies were already satisfied at the ready-set
// level.
func unitDepsMet(job *domain.JobV2, def domain.PhaseSnapshot, um *domain.UnitMapping) bool {
	for _, depID := range def.DependsOn {
		dep, ok := job.Phase(depID)
		if !ok || !dep.PerUnit {
			continue
		}
		switch um.PhaseStatus[depID] {
		case domain.PhaseCompleted, domain.PhaseSkipped:
		default:
			return false
		}
	}
	return true
}

func (b *Brain) runUnitTask(ctx context.Context, jobID string, def domain.PhaseSnapshot, exec phase.Executor, remote controller.Client, slots *slotPool, unitID string) {
	taskID := def.ID + ":" + unitID
	b.pub.TaskStarted(ctx, jobID, def.ID, unitID, taskID)

	job, err := b.store.UpdateJob(ctx, jobID, func(j *domain.JobV2) error {
		if j.Status.Terminal() {
			return domain.ErrJobTerminal
		}
		if um, ok := j.UnitMappings[unitID]; ok {
			um.PhaseStatus[def.ID] = domain.PhaseRunning
			um.Status = domain.PhaseRunning
		}
		return nil
	})
	if err != nil {
		return
	}
	um := job.UnitMappings[unitID]

	acquired := false
	if def.ActivationSlot == domain.SlotAcquire {
		if err := slots.acquire(ctx); err != nil {
			b.markUnitTask(ctx, jobID, def.ID, unitID, domain.PhaseFailed, "cancelled while waiting for activation slot", nil)
			b.pub.TaskCompleted(ctx, jobID, def.ID, unitID, taskID, domain.PhaseFailed, "cancelled")
			return
		}
		acquired = true
	}

	rt := runtime.NewContext(ctx, b.store, b.tracker, b.pub, remote, b.log, runtime.Params{
		JobID:            job.ID,
		PhaseID:          def.ID,
		UnitID:           unitID,
		UnitNumber:       um.UnitNumber,
		TenantID:         job.TenantID,
		VenueID:          job.VenueID,
		ControllerID:     job.ControllerID,
		Options:          job.Options,
		ActivityDeadline: b.cfg.ActivityDeadline,
	})

	var out map[string]any
	in, err := runtime.ResolveInputs(job, def, exec.Contract(), um, b.phases)
	if err == nil {
		out, err = runtime.SafeExecute(exec, rt, in)
	}
	if err != nil {
		if acquired {
			// The failed task left nothing in flight on the controller.
			slots.release()
		}
		msg := err.Error()
		b.markUnitTask(ctx, jobID, def.ID, unitID, domain.PhaseFailed, msg, nil)
		if def.Critical {
			b.abandonUnit(ctx, jobID, unitID, msg)
		}
		b.pub.TaskCompleted(ctx, jobID, def.ID, unitID, taskID, domain.PhaseFailed, msg)
		return
	}
	if def.ActivationSlot == domain.SlotRelease || (acquired && !slots.pairedRelease) {
		slots.release()
	}
	b.markUnitTask(ctx, jobID, def.ID, unitID, domain.PhaseCompleted, "", out)
	b.pub.TaskCompleted(ctx, jobID, def.ID, unitID, taskID, domain.PhaseCompleted, "")
	b.publishProgress(ctx, jobID)
}

// markUnitTask persists one unit task's terminal status and outputs. Writes
// against an already terminal job are dropped.
func (b *Brain) markUnitTask(ctx context.Context, jobID, phaseID, unitID string, status domain.PhaseStatus, errMsg string, out map[string]any) {
	_, err := b.store.UpdateJob(ctx, jobID, func(j *domain.JobV2) error {
		if j.Status.Terminal() {
			return domain.ErrJobTerminal
		}
		um, ok := j.UnitMappings[unitID]
		if !ok {
			return nil
		}
		um.PhaseStatus[phaseID] = status
		if status == domain.PhaseCompleted && out != nil {
			if um.PhaseOutputs == nil {
				um.PhaseOutputs = map[string]map[string]any{}
			}
			um.PhaseOutputs[phaseID] = out
		}
		if errMsg != "" {
			j.AppendError(phaseID, unitID, errMsg)
		}
		return nil
	})
	if err != nil && err != domain.ErrJobTerminal {
		b.log.Error("Cannot persist unit task result", "job_id", jobID, "phase_id", phaseID, "unit_id", unitID, "error", err)
	}
}

// abandonUnit stops scheduling downstream per-unit work for a unit after a
// critical failure. Other units keep going.
func (b *Brain) abandonUnit(ctx context.Context, jobID, unitID, msg string) {
	_, _ = b.store.UpdateJob(ctx, jobID, func(j *domain.JobV2) error {
		if j.Status.Terminal() {
			return domain.ErrJobTerminal
		}
		if um, ok := j.UnitMappings[unitID]; ok {
			um.Status = domain.PhaseFailed
			um.Error = msg
		}
		return nil
	})
}

// phaseStatusFromUnits folds the per-unit task statuses into the phase's
// global status: any failure wins, all-skipped stays skipped, otherwise
// completed.
func phaseStatusFromUnits(job *domain.JobV2, phaseID string) domain.PhaseStatus {
	anyCompleted := false
	for _, um := range job.UnitMappings {
		switch um.PhaseStatus[phaseID] {
		case domain.PhaseFailed:
			return domain.PhaseFailed
		case domain.PhaseCompleted:
			anyCompleted = true
		}
	}
	if anyCompleted {
		return domain.PhaseCompleted
	}
	return domain.PhaseSkipped
}

func (b *Brain) settlePhase(ctx context.Context, jobID string, def domain.PhaseSnapshot, status domain.PhaseStatus, errMsg string) {
	b.settlePhaseOutputs(ctx, jobID, def, status, nil, errMsg)
}

func (b *Brain) settlePhaseOutputs(ctx context.Context, jobID string, def domain.PhaseSnapshot, status domain.PhaseStatus, out map[string]any, errMsg string) {
	_, err := b.store.UpdateJob(ctx, jobID, func(j *domain.JobV2) error {
		if j.Status.Terminal() {
			return domain.ErrJobTerminal
		}
		j.GlobalPhaseStatus[def.ID] = status
		if out != nil {
			if j.GlobalPhaseOutputs == nil {
				j.GlobalPhaseOutputs = map[string]map[string]any{}
			}
			j.GlobalPhaseOutputs[def.ID] = out
		}
		if errMsg != "" {
			j.AppendError(def.ID, "", errMsg)
		}
		return nil
	})
	if err != nil && err != domain.ErrJobTerminal {
		b.log.Error("Cannot settle phase", "job_id", jobID, "phase_id", def.ID, "error", err)
	}
	b.pub.PhaseCompleted(ctx, jobID, def.ID, status)
}

// publishProgress counts completed per-unit tasks against the total fan-out.
func (b *Brain) publishProgress(ctx context.Context, jobID string) {
	job, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	perUnitPhases := 0
	for _, def := range job.PhaseDefinitions {
		if def.PerUnit {
			perUnitPhases++
		}
	}
	total := perUnitPhases * len(job.UnitMappings)
	completed := 0
	for _, um := range job.UnitMappings {
		for _, st := range um.PhaseStatus {
			if st == domain.PhaseCompleted {
				completed++
			}
		}
	}
	b.pub.Progress(ctx, jobID, completed, total, "")
}

// finalize moves the job to a terminal status exactly once, settles unit
// roll-up statuses, drops activity refs and releases the lease. The terminal
// event publishes only on the transition, never on a repeat call.
func (b *Brain) finalize(ctx context.Context, jobID string, status domain.JobStatus) {
	job, err := b.store.UpdateJob(ctx, jobID, func(j *domain.JobV2) error {
		if j.Status.Terminal() {
			return domain.ErrJobTerminal
		}
		now := time.Now().UTC()
		j.Status = status
		j.CompletedAt = &now
		for _, um := range j.UnitMappings {
			if um.Status == domain.PhaseFailed {
				continue
			}
			um.Status = unitRollup(j, um, status)
		}
		return nil
	})
	if err != nil {
		if err != domain.ErrJobTerminal {
			b.log.Error("Cannot finalize job", "job_id", jobID, "error", err)
		}
		return
	}
	b.tracker.Forget(ctx, jobID)
	_ = b.store.ReleaseOwner(ctx, jobID, b.workerID)
	b.pub.JobTerminal(ctx, job)
	b.log.Info("Job finalized", "job_id", jobID, "status", string(status))
}

// unitRollup settles a unit's final status. Only critical phase failures sink
// the unit; a non-critical failure leaves it COMPLETED with the error
// recorded on the job.
func unitRollup(job *domain.JobV2, um *domain.UnitMapping, jobStatus domain.JobStatus) domain.PhaseStatus {
	if jobStatus == domain.JobCancelled {
		return domain.PhaseSkipped
	}
	for _, def := range job.PhaseDefinitions {
		if def.PerUnit && def.Critical && um.PhaseStatus[def.ID] == domain.PhaseFailed {
			return domain.PhaseFailed
		}
	}
	return domain.PhaseCompleted
}

// hasReleasePhase reports whether the job's snapshot declares a slot-release
// phase. Without one, acquire-marked tasks return their slot on completion.
func hasReleasePhase(job *domain.JobV2) bool {
	for _, def := range job.PhaseDefinitions {
		if def.ActivationSlot == domain.SlotRelease {
			return true
		}
	}
	return false
}

// heldSlots reconstructs how many activation slots a resumed job already
// holds: completed acquire tasks minus completed release tasks. Acquire-only
// workflows hold nothing between tasks.
func heldSlots(job *domain.JobV2) int {
	if !hasReleasePhase(job) {
		return 0
	}
	held := 0
	for _, def := range job.PhaseDefinitions {
		switch def.ActivationSlot {
		case domain.SlotAcquire:
			held += completedCount(job, def)
		case domain.SlotRelease:
			held -= completedCount(job, def)
		}
	}
	if held < 0 {
		held = 0
	}
	return held
}

func completedCount(job *domain.JobV2, def domain.PhaseSnapshot) int {
	if !def.PerUnit {
		if job.GlobalPhaseStatus[def.ID] == domain.PhaseCompleted {
			return 1
		}
		return 0
	}
	n := 0
	for _, um := range job.UnitMappings {
		if um.PhaseStatus[def.ID] == domain.PhaseCompleted {
			n++
		}
	}
	return n
}
