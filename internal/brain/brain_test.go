package brain

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dwellfi/provision-brain/internal/controller"
	"github.com/dwellfi/provision-brain/internal/controller/fake"
	"github.com/dwellfi/provision-brain/internal/domain"
	"github.com/dwellfi/provision-brain/internal/events"
	"github.com/dwellfi/provision-brain/internal/phase"
	"github.com/dwellfi/provision-brain/internal/platform/logger"
	"github.com/dwellfi/provision-brain/internal/store"
	"github.com/dwellfi/provision-brain/internal/tracker"
	"github.com/dwellfi/provision-brain/internal/workflow"
)

type execFunc struct {
	id       string
	contract phase.Contract
	fn       func(rt phase.Runtime, in phase.Inputs) (map[string]any, error)
}

func (e execFunc) ID() string               { return e.id }
func (e execFunc) Contract() phase.Contract { return e.contract }
func (e execFunc) Execute(rt phase.Runtime, in phase.Inputs) (map[string]any, error) {
	return e.fn(rt, in)
}

// okValidate plans one ssid name per unit and reports the request valid.
func okValidate(id string) execFunc {
	return execFunc{id: id, fn: func(rt phase.Runtime, _ phase.Inputs) (map[string]any, error) {
		roster, _ := rt.Options()["units"].([]any)
		plans := map[string]map[string]any{}
		for _, item := range roster {
			m, _ := item.(map[string]any)
			unitID, _ := m["unit_id"].(string)
			number, _ := m["unit_number"].(string)
			plans[unitID] = map[string]any{"ssid_name": "Unit " + number}
		}
		return map[string]any{
			phase.PlansOutputKey:      plans,
			phase.ValidationOutputKey: domain.ValidationResult{Valid: true, TotalUnits: len(roster)},
		}, nil
	}}
}

func noop(id string) execFunc {
	return execFunc{id: id, fn: func(phase.Runtime, phase.Inputs) (map[string]any, error) {
		return map[string]any{}, nil
	}}
}

// validatingExec adds the dry-run hook to execFunc.
type validatingExec struct{ execFunc }

func (e validatingExec) Validate(rt phase.Runtime, in phase.Inputs) (domain.ValidationResult, error) {
	out, err := e.Execute(rt, in)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	res, _ := out[phase.ValidationOutputKey].(domain.ValidationResult)
	return res, nil
}

// sinkRecorder keeps the event types published through the store so tests can
// assert on the stream without racing a subscription.
type sinkRecorder struct {
	*store.Store
	mu    sync.Mutex
	types []events.Type
}

func (s *sinkRecorder) PublishEvent(ctx context.Context, channel string, payload []byte) error {
	var ev events.Event
	if err := json.Unmarshal(payload, &ev); err == nil {
		s.mu.Lock()
		s.types = append(s.types, ev.Type)
		s.mu.Unlock()
	}
	return s.Store.PublishEvent(ctx, channel, payload)
}

func (s *sinkRecorder) recorded() []events.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Type(nil), s.types...)
}

type harness struct {
	brain   *Brain
	store   *store.Store
	fake    *fake.Fake
	tracker *tracker.Tracker
	sink    *sinkRecorder
}

func newHarness(t *testing.T, wf *workflow.Workflow, execs ...phase.Executor) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	st := store.New(rdb, logger.NewNop())

	f := fake.New("ctrl-1")
	resolver := controller.NewMapResolver()
	resolver.Add(f)

	phases := phase.NewRegistry()
	for _, e := range execs {
		if err := phases.Register(e); err != nil {
			t.Fatalf("register executor: %v", err)
		}
	}
	workflows := workflow.NewRegistry(phases)
	if err := workflows.Register(wf); err != nil {
		t.Fatalf("register workflow: %v", err)
	}
	workflows.Seal()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	tr := tracker.New(st, resolver, logger.NewNop(), tracker.WithPollInterval(5*time.Millisecond))
	tr.Start(ctx)

	sink := &sinkRecorder{Store: st}
	pub := events.NewPublisher(sink, logger.NewNop())
	b := New(st, tr, pub, workflows, phases, resolver, logger.NewNop(), Config{})
	return &harness{brain: b, store: st, fake: f, tracker: tr, sink: sink}
}

func startReq(units ...string) StartRequest {
	var in []domain.UnitInput
	for _, u := range units {
		in = append(in, domain.UnitInput{UnitNumber: u})
	}
	return StartRequest{
		WorkflowName: "wf",
		ControllerID: "ctrl-1",
		VenueID:      "v1",
		TenantID:     "t1",
		Units:        in,
	}
}

func getJob(t *testing.T, st *store.Store, id uuid.UUID) *domain.JobV2 {
	t.Helper()
	job, err := st.GetJob(context.Background(), id.String())
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}

// Dry runs answer the validation summary without creating anything: no job
// record, no events on any channel.
func TestDryRunLeavesNoJobBehind(t *testing.T) {
	wf := &workflow.Workflow{Name: "wf", RequiresConfirmation: true, Phases: []workflow.PhaseDef{
		{ID: "validate", Name: "Validate", Executor: "validate", Critical: true},
		{ID: "do", Name: "Do", Executor: "do", DependsOn: []string{"validate"}, PerUnit: true},
	}}
	h := newHarness(t, wf, validatingExec{okValidate("validate")}, noop("do"))
	ctx := context.Background()

	res, err := h.brain.DryRun(ctx, startReq("101", "102"))
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if !res.Valid || res.TotalUnits != 2 {
		t.Fatalf("summary wrong: %+v", res)
	}

	jobs, err := h.store.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("dry run must not persist a job, found %d", len(jobs))
	}
	if got := h.sink.recorded(); len(got) != 0 {
		t.Fatalf("dry run must not publish lifecycle events, got %v", got)
	}
}

// A workflow whose validation executor exposes no dry-run hook is rejected
// up front instead of running Execute with its side effects.
func TestDryRunRequiresValidationHook(t *testing.T) {
	wf := &workflow.Workflow{Name: "wf", Phases: []workflow.PhaseDef{
		{ID: "a", Name: "A", Executor: "a"},
	}}
	h := newHarness(t, wf, noop("a"))
	if _, err := h.brain.DryRun(context.Background(), startReq("101")); err == nil {
		t.Fatalf("dry run without a validation hook should fail")
	}
}

// Zero units: global phases still run and the job completes.
func TestGlobalOnlyWorkflowCompletes(t *testing.T) {
	wf := &workflow.Workflow{Name: "wf", Phases: []workflow.PhaseDef{
		{ID: "a", Name: "A", Executor: "a"},
		{ID: "b", Name: "B", Executor: "b", DependsOn: []string{"a"}, Critical: true},
	}}
	h := newHarness(t, wf, noop("a"), noop("b"))

	job, err := h.brain.StartJob(context.Background(), startReq())
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	h.brain.Wait()

	got := getJob(t, h.store, job.ID)
	if got.Status != domain.JobCompleted {
		t.Fatalf("expected COMPLETED, got %s (errors %v)", got.Status, got.Errors)
	}
	if got.GlobalPhaseStatus["a"] != domain.PhaseCompleted || got.GlobalPhaseStatus["b"] != domain.PhaseCompleted {
		t.Fatalf("phase statuses: %v", got.GlobalPhaseStatus)
	}
}

// Full lifecycle: validation plans, confirmation gate, per-unit fan-out with
// async controller activities, and per-unit outputs aggregated into a global
// downstream phase.
func TestConfirmedFanOutLifecycle(t *testing.T) {
	doExec := execFunc{
		id: "do",
		contract: phase.Contract{
			Inputs:  []phase.Field{{Name: "ssid_name", Kind: phase.KindString}},
			Outputs: []phase.Field{{Name: "ssid_id", Kind: phase.KindString}},
		},
		fn: func(rt phase.Runtime, in phase.Inputs) (map[string]any, error) {
			m, err := rt.Remote().SSIDs().Create(rt.Context(), rt.VenueID(), controller.SSIDSpec{
				Name: in["ssid_name"].(string),
			})
			if err != nil {
				return nil, err
			}
			if _, err := rt.FireAndWait(m.RequestID); err != nil {
				return nil, err
			}
			return map[string]any{"ssid_id": m.ResourceID}, nil
		},
	}
	sumExec := execFunc{
		id: "summarize",
		contract: phase.Contract{
			Inputs:  []phase.Field{{Name: "ssid_id", Kind: phase.KindList}},
			Outputs: []phase.Field{{Name: "total", Kind: phase.KindInt}},
		},
		fn: func(_ phase.Runtime, in phase.Inputs) (map[string]any, error) {
			ids := in["ssid_id"].([]any)
			return map[string]any{"total": len(ids)}, nil
		},
	}
	wf := &workflow.Workflow{Name: "wf", RequiresConfirmation: true, Phases: []workflow.PhaseDef{
		{ID: "validate", Name: "Validate", Executor: "validate", Critical: true},
		{ID: "do", Name: "Do", Executor: "do", DependsOn: []string{"validate"}, PerUnit: true, Critical: true},
		{ID: "summarize", Name: "Summarize", Executor: "summarize", DependsOn: []string{"do"}},
	}}
	h := newHarness(t, wf, okValidate("validate"), doExec, sumExec)
	ctx := context.Background()

	job, err := h.brain.StartJob(ctx, startReq("101", "102", "103"))
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	h.brain.Wait()

	gated := getJob(t, h.store, job.ID)
	if gated.Status != domain.JobAwaitingConfirmation {
		t.Fatalf("expected AWAITING_CONFIRMATION, got %s (errors %v)", gated.Status, gated.Errors)
	}
	if gated.Validation == nil || !gated.Validation.Valid || gated.Validation.TotalUnits != 3 {
		t.Fatalf("validation summary wrong: %+v", gated.Validation)
	}
	if gated.UnitMappings["102"].Plan["ssid_name"] != "Unit 102" {
		t.Fatalf("plan not copied onto unit: %+v", gated.UnitMappings["102"])
	}

	if _, err := h.brain.Confirm(ctx, job.ID.String()); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	h.brain.Wait()

	got := getJob(t, h.store, job.ID)
	if got.Status != domain.JobCompleted {
		t.Fatalf("expected COMPLETED, got %s (errors %v)", got.Status, got.Errors)
	}
	for id, um := range got.UnitMappings {
		if um.Status != domain.PhaseCompleted {
			t.Fatalf("unit %s status %s", id, um.Status)
		}
		if um.PhaseOutputs["do"]["ssid_id"] == "" {
			t.Fatalf("unit %s missing ssid output", id)
		}
	}
	// Numbers come back as float64 from the store.
	if total := got.GlobalPhaseOutputs["summarize"]["total"].(float64); total != 3 {
		t.Fatalf("aggregation fed the global phase %v ids, want 3", total)
	}
}

func TestValidationFailureFailsJob(t *testing.T) {
	bad := execFunc{id: "validate", fn: func(phase.Runtime, phase.Inputs) (map[string]any, error) {
		return map[string]any{
			phase.ValidationOutputKey: domain.ValidationResult{Valid: false, Errors: []string{"vlan conflict"}},
		}, nil
	}}
	wf := &workflow.Workflow{Name: "wf", RequiresConfirmation: true, Phases: []workflow.PhaseDef{
		{ID: "validate", Name: "Validate", Executor: "validate", Critical: true},
		{ID: "do", Name: "Do", Executor: "do", DependsOn: []string{"validate"}, PerUnit: true},
	}}
	h := newHarness(t, wf, bad, noop("do"))

	job, err := h.brain.StartJob(context.Background(), startReq("101"))
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	h.brain.Wait()

	got := getJob(t, h.store, job.ID)
	if got.Status != domain.JobFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if len(got.Errors) == 0 || !containsMessage(got.Errors, "vlan conflict") {
		t.Fatalf("validation error not recorded: %v", got.Errors)
	}
	if got.GlobalPhaseStatus["do"] == domain.PhaseCompleted {
		t.Fatalf("downstream phase must not run after failed validation")
	}
}

func containsMessage(errs []domain.JobError, substr string) bool {
	for _, e := range errs {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

// A critical per-unit failure abandons only that unit; the others finish and
// the job ends FAILED.
func TestCriticalUnitFailureIsolation(t *testing.T) {
	do := execFunc{id: "do", fn: func(rt phase.Runtime, _ phase.Inputs) (map[string]any, error) {
		if rt.UnitID() == "102" {
			return nil, domain.NewPhaseError(domain.RemoteError, "vlan rejected")
		}
		return map[string]any{}, nil
	}}
	finishRan := recordingExec("finish")
	wf := &workflow.Workflow{Name: "wf", Phases: []workflow.PhaseDef{
		{ID: "validate", Name: "Validate", Executor: "validate", Critical: true},
		{ID: "do", Name: "Do", Executor: "do", DependsOn: []string{"validate"}, PerUnit: true, Critical: true},
		{ID: "finish", Name: "Finish", Executor: "finish", DependsOn: []string{"do"}, PerUnit: true},
	}}
	h := newHarness(t, wf, okValidate("validate"), do, finishRan.exec)

	job, err := h.brain.StartJob(context.Background(), startReq("101", "102", "103"))
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	h.brain.Wait()

	got := getJob(t, h.store, job.ID)
	if got.Status != domain.JobFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	bad := got.UnitMappings["102"]
	if bad.Status != domain.PhaseFailed || bad.PhaseStatus["do"] != domain.PhaseFailed {
		t.Fatalf("failed unit state: %+v", bad)
	}
	if bad.PhaseStatus["finish"] != domain.PhaseSkipped {
		t.Fatalf("downstream work for an abandoned unit should be SKIPPED, got %s", bad.PhaseStatus["finish"])
	}
	for _, id := range []string{"101", "103"} {
		um := got.UnitMappings[id]
		if um.Status != domain.PhaseCompleted || um.PhaseStatus["finish"] != domain.PhaseCompleted {
			t.Fatalf("healthy unit %s should complete: %+v", id, um)
		}
	}
	if got.GlobalPhaseStatus["do"] != domain.PhaseFailed {
		t.Fatalf("phase with a failed unit is FAILED globally, got %s", got.GlobalPhaseStatus["do"])
	}
	if units := finishRan.units(); len(units) != 2 {
		t.Fatalf("finish should run only for healthy units, ran for %v", units)
	}
	if len(got.Errors) == 0 {
		t.Fatalf("failure must be recorded on the job")
	}
}

// A non-critical failure is recorded but the unit and the job still complete.
func TestNonCriticalFailureCompletes(t *testing.T) {
	optional := execFunc{id: "optional", fn: func(phase.Runtime, phase.Inputs) (map[string]any, error) {
		return nil, domain.NewPhaseError(domain.RemoteError, "portal unreachable")
	}}
	wf := &workflow.Workflow{Name: "wf", Phases: []workflow.PhaseDef{
		{ID: "validate", Name: "Validate", Executor: "validate", Critical: true},
		{ID: "required", Name: "Required", Executor: "required", DependsOn: []string{"validate"}, PerUnit: true, Critical: true},
		{ID: "optional", Name: "Optional", Executor: "optional", DependsOn: []string{"required"}, PerUnit: true},
	}}
	h := newHarness(t, wf, okValidate("validate"), noop("required"), optional)

	job, err := h.brain.StartJob(context.Background(), startReq("101"))
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	h.brain.Wait()

	got := getJob(t, h.store, job.ID)
	if got.Status != domain.JobCompleted {
		t.Fatalf("non-critical failure should not fail the job, got %s (%v)", got.Status, got.Errors)
	}
	um := got.UnitMappings["101"]
	if um.PhaseStatus["required"] != domain.PhaseCompleted || um.PhaseStatus["optional"] != domain.PhaseFailed {
		t.Fatalf("phase statuses: %v", um.PhaseStatus)
	}
	if um.Status != domain.PhaseCompleted {
		t.Fatalf("unit should complete despite the optional failure, got %s", um.Status)
	}
	if len(got.Errors) != 1 {
		t.Fatalf("expected exactly one recorded error, got %v", got.Errors)
	}
}

func TestSkipPredicateSatisfiesDependents(t *testing.T) {
	wf := &workflow.Workflow{Name: "wf", Phases: []workflow.PhaseDef{
		{ID: "validate", Name: "Validate", Executor: "validate", Critical: true},
		{ID: "mid", Name: "Mid", Executor: "mid", DependsOn: []string{"validate"},
			SkipIf: func(options map[string]any, _ workflow.OutputLookup) bool {
				skip, _ := options["skip_mid"].(bool)
				return skip
			}},
		{ID: "tail", Name: "Tail", Executor: "tail", DependsOn: []string{"mid"}},
	}}
	h := newHarness(t, wf, okValidate("validate"), noop("mid"), noop("tail"))

	req := startReq("101")
	req.Options = map[string]any{"skip_mid": true}
	job, err := h.brain.StartJob(context.Background(), req)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	h.brain.Wait()

	got := getJob(t, h.store, job.ID)
	if got.Status != domain.JobCompleted {
		t.Fatalf("expected COMPLETED, got %s (%v)", got.Status, got.Errors)
	}
	if got.GlobalPhaseStatus["mid"] != domain.PhaseSkipped {
		t.Fatalf("mid should be SKIPPED, got %s", got.GlobalPhaseStatus["mid"])
	}
	if got.GlobalPhaseStatus["tail"] != domain.PhaseCompleted {
		t.Fatalf("a skipped dependency still satisfies dependents, tail is %s", got.GlobalPhaseStatus["tail"])
	}
}

// Admission publishes job_started before any validation-phase event, and the
// stream carries it exactly once over the whole lifecycle.
func TestJobStartedPublishedAtAdmission(t *testing.T) {
	wf := &workflow.Workflow{Name: "wf", RequiresConfirmation: true, Phases: []workflow.PhaseDef{
		{ID: "validate", Name: "Validate", Executor: "validate", Critical: true},
		{ID: "do", Name: "Do", Executor: "do", DependsOn: []string{"validate"}, PerUnit: true},
	}}
	h := newHarness(t, wf, okValidate("validate"), noop("do"))
	ctx := context.Background()

	job, err := h.brain.StartJob(ctx, startReq("101"))
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	h.brain.Wait()

	types := h.sink.recorded()
	if len(types) == 0 || types[0] != events.TypeJobStarted {
		t.Fatalf("first event should be job_started, got %v", types)
	}

	if _, err := h.brain.Confirm(ctx, job.ID.String()); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	h.brain.Wait()

	started := 0
	for _, typ := range h.sink.recorded() {
		if typ == events.TypeJobStarted {
			started++
		}
	}
	if started != 1 {
		t.Fatalf("expected exactly one job_started, got %d", started)
	}
}

func TestCancelAtConfirmationGate(t *testing.T) {
	wf := &workflow.Workflow{Name: "wf", RequiresConfirmation: true, Phases: []workflow.PhaseDef{
		{ID: "validate", Name: "Validate", Executor: "validate", Critical: true},
		{ID: "do", Name: "Do", Executor: "do", DependsOn: []string{"validate"}, PerUnit: true},
	}}
	h := newHarness(t, wf, okValidate("validate"), noop("do"))
	ctx := context.Background()

	job, err := h.brain.StartJob(ctx, startReq("101"))
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	h.brain.Wait()

	if _, err := h.brain.Cancel(ctx, job.ID.String()); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	got := getJob(t, h.store, job.ID)
	if got.Status != domain.JobCancelled {
		t.Fatalf("gated job should settle to CANCELLED, got %s", got.Status)
	}
	if _, err := h.brain.Confirm(ctx, job.ID.String()); !errors.Is(err, domain.ErrNotConfirmable) {
		t.Fatalf("confirming a cancelled job should report ErrNotConfirmable, got %v", err)
	}
	if _, err := h.brain.Cancel(ctx, job.ID.String()); !errors.Is(err, domain.ErrJobTerminal) {
		t.Fatalf("second cancel should report ErrJobTerminal, got %v", err)
	}
}

// Cancelling mid-run wakes executors suspended on controller activities and
// the job drains to CANCELLED.
func TestCancelDuringRun(t *testing.T) {
	hang := execFunc{id: "hang", fn: func(rt phase.Runtime, _ phase.Inputs) (map[string]any, error) {
		m, err := rt.Remote().SSIDs().Create(rt.Context(), rt.VenueID(), controller.SSIDSpec{Name: "Unit " + rt.UnitNumber()})
		if err != nil {
			return nil, err
		}
		if _, err := rt.FireAndWait(m.RequestID); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	}}
	wf := &workflow.Workflow{Name: "wf", Phases: []workflow.PhaseDef{
		{ID: "validate", Name: "Validate", Executor: "validate", Critical: true},
		{ID: "hang", Name: "Hang", Executor: "hang", DependsOn: []string{"validate"}, PerUnit: true},
	}}
	h := newHarness(t, wf, okValidate("validate"), hang)
	h.fake.AutoResolveAfter(-1) // activities never resolve on their own
	ctx := context.Background()

	job, err := h.brain.StartJob(ctx, startReq("101"))
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for h.tracker.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("task never suspended on an activity")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := h.brain.Cancel(ctx, job.ID.String()); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	h.brain.Wait()

	got := getJob(t, h.store, job.ID)
	if got.Status != domain.JobCancelled {
		t.Fatalf("expected CANCELLED, got %s (%v)", got.Status, got.Errors)
	}
	if got.CompletedAt == nil {
		t.Fatalf("terminal job should carry completed_at")
	}
}

// Spec'd throttle behavior: with K activation slots, at no instant are more
// than K units inside an acquire-marked phase; an acquire-only workflow
// turns slots over between tasks.
func TestActivationSlotThrottling(t *testing.T) {
	var active, peak int32
	slow := execFunc{id: "activate", fn: func(phase.Runtime, phase.Inputs) (map[string]any, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return map[string]any{}, nil
	}}
	wf := &workflow.Workflow{Name: "wf", MaxActivationSlots: 2, Phases: []workflow.PhaseDef{
		{ID: "validate", Name: "Validate", Executor: "validate", Critical: true},
		{ID: "activate", Name: "Activate", Executor: "activate", DependsOn: []string{"validate"},
			PerUnit: true, Critical: true, ActivationSlot: domain.SlotAcquire},
	}}
	h := newHarness(t, wf, okValidate("validate"), slow)

	started := time.Now()
	job, err := h.brain.StartJob(context.Background(), startReq("101", "102", "103", "104", "105"))
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	h.brain.Wait()
	elapsed := time.Since(started)

	got := getJob(t, h.store, job.ID)
	if got.Status != domain.JobCompleted {
		t.Fatalf("expected COMPLETED, got %s (%v)", got.Status, got.Errors)
	}
	if p := atomic.LoadInt32(&peak); p != 2 {
		t.Fatalf("observed %d concurrent activations, want exactly 2", p)
	}
	// 5 tasks over 2 slots is at least 3 sequential rounds.
	if elapsed < 140*time.Millisecond {
		t.Fatalf("5 units over 2 slots finished too fast: %v", elapsed)
	}
}

// Paired acquire/release phases hold slots across the phase barrier, so the
// unit count is capped at admission and a compliant job completes.
func TestPairedSlotsAcrossPhases(t *testing.T) {
	wf := &workflow.Workflow{Name: "wf", MaxActivationSlots: 2, Phases: []workflow.PhaseDef{
		{ID: "validate", Name: "Validate", Executor: "validate", Critical: true},
		{ID: "activate", Name: "Activate", Executor: "activate", DependsOn: []string{"validate"},
			PerUnit: true, Critical: true, ActivationSlot: domain.SlotAcquire},
		{ID: "verify", Name: "Verify", Executor: "verify", DependsOn: []string{"activate"},
			PerUnit: true, ActivationSlot: domain.SlotRelease},
	}}
	h := newHarness(t, wf, okValidate("validate"), noop("activate"), noop("verify"))
	ctx := context.Background()

	if _, err := h.brain.StartJob(ctx, startReq("101", "102", "103")); err == nil {
		t.Fatalf("more units than slots must be rejected at admission")
	}

	job, err := h.brain.StartJob(ctx, startReq("101", "102"))
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	h.brain.Wait()
	got := getJob(t, h.store, job.ID)
	if got.Status != domain.JobCompleted {
		t.Fatalf("expected COMPLETED, got %s (%v)", got.Status, got.Errors)
	}
}

type recorder struct {
	exec execFunc
	mu   sync.Mutex
	ran  []string
}

func recordingExec(id string) *recorder {
	r := &recorder{}
	r.exec = execFunc{id: id, fn: func(rt phase.Runtime, _ phase.Inputs) (map[string]any, error) {
		r.mu.Lock()
		r.ran = append(r.ran, rt.UnitID())
		r.mu.Unlock()
		return map[string]any{"ssid_id": "new-" + rt.UnitID()}, nil
	}}
	return r
}

func (r *recorder) units() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.ran...)
	sort.Strings(out)
	return out
}

// Resume picks up a RUNNING job left by a dead worker and never re-runs unit
// tasks that already completed.
func TestResumeSkipsCompletedTasks(t *testing.T) {
	rec := recordingExec("do")
	wf := &workflow.Workflow{Name: "wf", Phases: []workflow.PhaseDef{
		{ID: "validate", Name: "Validate", Executor: "validate", Critical: true},
		{ID: "do", Name: "Do", Executor: "do", DependsOn: []string{"validate"}, PerUnit: true, Critical: true},
	}}
	h := newHarness(t, wf, okValidate("validate"), rec.exec)
	ctx := context.Background()

	now := time.Now().UTC()
	job := &domain.JobV2{
		ID:                uuid.New(),
		WorkflowName:      "wf",
		ControllerID:      "ctrl-1",
		VenueID:           "v1",
		Status:            domain.JobRunning,
		Owner:             "brain-deadbeef",
		PhaseDefinitions:  wf.Snapshot(),
		GlobalPhaseStatus: map[string]domain.PhaseStatus{"validate": domain.PhaseCompleted},
		Options:           map[string]any{},
		UnitMappings:      map[string]*domain.UnitMapping{},
		CreatedAt:         now,
		StartedAt:         &now,
	}
	for i, id := range []string{"u1", "u2", "u3", "u4", "u5"} {
		um := &domain.UnitMapping{
			UnitID:      id,
			UnitNumber:  id,
			Status:      domain.PhaseRunning,
			PhaseStatus: map[string]domain.PhaseStatus{"do": domain.PhasePending},
		}
		if i < 3 {
			um.PhaseStatus["do"] = domain.PhaseCompleted
			um.PhaseOutputs = map[string]map[string]any{"do": {"ssid_id": "pre-" + id}}
		}
		job.UnitMappings[id] = um
	}
	if err := h.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	adopted, err := h.brain.Resume(ctx)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if adopted != 1 {
		t.Fatalf("expected to adopt 1 job, got %d", adopted)
	}
	h.brain.Wait()

	got := getJob(t, h.store, job.ID)
	if got.Status != domain.JobCompleted {
		t.Fatalf("expected COMPLETED, got %s (%v)", got.Status, got.Errors)
	}
	if ran := rec.units(); len(ran) != 2 || ran[0] != "u4" || ran[1] != "u5" {
		t.Fatalf("only the unfinished units should run, ran %v", ran)
	}
	if got.UnitMappings["u1"].PhaseOutputs["do"]["ssid_id"] != "pre-u1" {
		t.Fatalf("completed outputs must survive resume: %v", got.UnitMappings["u1"].PhaseOutputs)
	}
	if got.UnitMappings["u5"].PhaseOutputs["do"]["ssid_id"] != "new-u5" {
		t.Fatalf("resumed unit output missing: %v", got.UnitMappings["u5"].PhaseOutputs)
	}
}

// The event stream carries per-task events, monotonic progress, and exactly
// one terminal event.
func TestEventStream(t *testing.T) {
	wf := &workflow.Workflow{Name: "wf", RequiresConfirmation: true, Phases: []workflow.PhaseDef{
		{ID: "validate", Name: "Validate", Executor: "validate", Critical: true},
		{ID: "do", Name: "Do", Executor: "do", DependsOn: []string{"validate"}, PerUnit: true, Critical: true},
	}}
	h := newHarness(t, wf, okValidate("validate"), noop("do"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job, err := h.brain.StartJob(ctx, startReq("101", "102", "103"))
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	h.brain.Wait()

	// The confirmation gate holds the job, so attaching here guarantees the
	// subscription sees every run-stage event including the terminal one.
	sub, err := h.store.Subscribe(ctx, store.EventsChannel(job.ID.String()))
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	if _, err := h.brain.Confirm(ctx, job.ID.String()); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	var evs []events.Event
	terminal := 0
collect:
	for {
		select {
		case payload, ok := <-sub.C():
			if !ok {
				break collect
			}
			var ev events.Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				t.Fatalf("bad event payload %q: %v", payload, err)
			}
			evs = append(evs, ev)
			if ev.Type.Terminal() {
				terminal++
				// Linger briefly to catch an (incorrect) duplicate.
				select {
				case payload := <-sub.C():
					var extra events.Event
					_ = json.Unmarshal(payload, &extra)
					if extra.Type.Terminal() {
						terminal++
					}
				case <-time.After(100 * time.Millisecond):
				}
				break collect
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for terminal event, saw %d events", len(evs))
		}
	}

	if terminal != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", terminal)
	}
	tasks := 0
	maxCompleted := -1.0
	for _, ev := range evs {
		switch ev.Type {
		case events.TypeTaskCompleted:
			tasks++
		case events.TypeProgress:
			if n, ok := ev.Data["completed_work"].(float64); ok && n > maxCompleted {
				maxCompleted = n
			}
		}
	}
	if tasks != 3 {
		t.Fatalf("expected a task_completed per unit, got %d", tasks)
	}
	if maxCompleted != 3 {
		t.Fatalf("progress should reach 3 completed units, got %v", maxCompleted)
	}
}
