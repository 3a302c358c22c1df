package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/dwellfi/provision-brain/internal/controller"
	"github.com/dwellfi/provision-brain/internal/domain"
	"github.com/dwellfi/provision-brain/internal/platform/logger"
)

const (
	// DefaultPollInterval paces the bulk status sweep.
	DefaultPollInterval = 3 * time.Second

	// DefaultActivityDeadline bounds how long a single controller operation
	// may stay pending before it resolves as TIMEOUT.
	DefaultActivityDeadline = 3 * time.Minute

	// maxBulk is the largest request-id batch sent in one status call.
	maxBulk = 100
)

// Refs is the persistence slice the tracker needs from the state store.
type Refs interface {
	PutActivity(ctx context.Context, ref *domain.ActivityRef) error
	DeleteActivity(ctx context.Context, requestID string) error
	ListAllActivities(ctx context.Context) ([]*domain.ActivityRef, error)
	PurgeJobActivities(ctx context.Context, jobID string) error
}

// Tracker multiplexes many outstanding controller operations onto one bulk
// poll per controller per tick. Executors never poll themselves; they
// Register a request id and Wait.
type Tracker struct {
	refs     Refs
	resolver controller.Resolver
	log      *logger.Logger

	interval time.Duration
	deadline time.Duration

	mu       sync.Mutex
	pending  map[string]*domain.ActivityRef        // request id -> pending ref
	resolved map[string]domain.ActivityResult      // request id -> final result
	byJob    map[string]map[string]bool            // job id -> request ids (pending or resolved)
	waiters  map[string][]chan domain.ActivityResult
	inFlight map[string]bool // controller id -> bulk poll outstanding
}

// Option tweaks tracker timing, mainly for tests.
type Option func(*Tracker)

func WithPollInterval(d time.Duration) Option    { return func(t *Tracker) { t.interval = d } }
func WithActivityDeadline(d time.Duration) Option { return func(t *Tracker) { t.deadline = d } }

func New(refs Refs, resolver controller.Resolver, log *logger.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		refs:     refs,
		resolver: resolver,
		log:      log.With("component", "ActivityTracker"),
		interval: DefaultPollInterval,
		deadline: DefaultActivityDeadline,
		pending:  map[string]*domain.ActivityRef{},
		resolved: map[string]domain.ActivityResult{},
		byJob:    map[string]map[string]bool{},
		waiters:  map[string][]chan domain.ActivityResult{},
		inFlight: map[string]bool{},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Start runs the poll loop until ctx is cancelled.
func (t *Tracker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.tick(ctx)
			}
		}
	}()
}

// Register adopts a new outstanding operation. StartedAt/Deadline/Status are
// filled in when the caller left them zero, and the ref is persisted before
// it joins the poll set so a crash cannot lose it.
func (t *Tracker) Register(ctx context.Context, ref *domain.ActivityRef) error {
	now := time.Now().UTC()
	if ref.StartedAt.IsZero() {
		ref.StartedAt = now
	}
	if ref.Deadline.IsZero() {
		ref.Deadline = ref.StartedAt.Add(t.deadline)
	}
	if ref.Status == "" {
		ref.Status = domain.ActivityPending
	}
	if err := t.refs.PutActivity(ctx, ref); err != nil {
		return err
	}
	t.mu.Lock()
	t.pending[ref.RequestID] = ref
	t.indexLocked(ref.JobID, ref.RequestID)
	t.mu.Unlock()
	return nil
}

// Wait blocks until the request id resolves or ctx is done. Waiters arriving
// after resolution get the stored result immediately; every concurrent waiter
// on the same id receives the same result.
func (t *Tracker) Wait(ctx context.Context, requestID string) (domain.ActivityResult, error) {
	t.mu.Lock()
	if res, ok := t.resolved[requestID]; ok {
		t.mu.Unlock()
		return res, nil
	}
	if _, ok := t.pending[requestID]; !ok {
		t.mu.Unlock()
		return domain.ActivityResult{}, domain.ErrActivityNotFound
	}
	ch := make(chan domain.ActivityResult, 1)
	t.waiters[requestID] = append(t.waiters[requestID], ch)
	t.mu.Unlock()

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return domain.ActivityResult{}, ctx.Err()
	}
}

// WaitBatch waits on several ids and returns the results in request order.
// The first context error aborts the batch.
func (t *Tracker) WaitBatch(ctx context.Context, requestIDs []string) ([]domain.ActivityResult, error) {
	out := make([]domain.ActivityResult, 0, len(requestIDs))
	for _, id := range requestIDs {
		res, err := t.Wait(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// CancelJob resolves every pending activity of a job as FAILED/cancelled so
// suspended executors wake within one poll interval of the cancel request,
// without waiting for the controller.
func (t *Tracker) CancelJob(ctx context.Context, jobID string) {
	t.mu.Lock()
	var cancel []*domain.ActivityRef
	for id := range t.byJob[jobID] {
		if ref, ok := t.pending[id]; ok {
			cancel = append(cancel, ref)
		}
	}
	t.mu.Unlock()
	for _, ref := range cancel {
		t.resolve(ctx, ref, domain.ActivityFailed, domain.CancelledReason)
	}
}

// Forget drops a job's resolved results and persisted refs once the job is
// terminal.
func (t *Tracker) Forget(ctx context.Context, jobID string) {
	t.mu.Lock()
	for id := range t.byJob[jobID] {
		delete(t.pending, id)
		delete(t.resolved, id)
		delete(t.waiters, id)
	}
	delete(t.byJob, jobID)
	t.mu.Unlock()
	if err := t.refs.PurgeJobActivities(ctx, jobID); err != nil {
		t.log.Warn("Failed to purge job activities", "job_id", jobID, "error", err)
	}
}

// Recover re-adopts refs that survived a process restart. Called once at
// startup before the poll loop starts.
func (t *Tracker) Recover(ctx context.Context) error {
	refs, err := t.refs.ListAllActivities(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ref := range refs {
		if ref.Status != domain.ActivityPending {
			t.resolved[ref.RequestID] = domain.ActivityResult{
				RequestID: ref.RequestID,
				Status:    ref.Status,
				Error:     ref.Error,
			}
		} else {
			t.pending[ref.RequestID] = ref
		}
		t.indexLocked(ref.JobID, ref.RequestID)
	}
	if len(refs) > 0 {
		t.log.Info("Recovered activity refs", "count", len(refs))
	}
	return nil
}

// Pending reports the number of unresolved refs. Exposed for the health
// endpoint and tests.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) indexLocked(jobID, requestID string) {
	set := t.byJob[jobID]
	if set == nil {
		set = map[string]bool{}
		t.byJob[jobID] = set
	}
	set[requestID] = true
}

// tick times out overdue refs, then launches at most one bulk poll per
// controller. A controller whose previous poll has not returned is skipped
// this round.
func (t *Tracker) tick(ctx context.Context) {
	now := time.Now().UTC()

	t.mu.Lock()
	var overdue []*domain.ActivityRef
	byController := map[string][]string{}
	for id, ref := range t.pending {
		if now.After(ref.Deadline) {
			overdue = append(overdue, ref)
			continue
		}
		byController[ref.ControllerID] = append(byController[ref.ControllerID], id)
	}
	polls := map[string][]string{}
	for cid, ids := range byController {
		if t.inFlight[cid] {
			continue
		}
		t.inFlight[cid] = true
		if len(ids) > maxBulk {
			ids = ids[:maxBulk]
		}
		polls[cid] = ids
	}
	t.mu.Unlock()

	for _, ref := range overdue {
		t.resolve(ctx, ref, domain.ActivityTimeout, "activity deadline exceeded")
	}
	for cid, ids := range polls {
		go t.poll(ctx, cid, ids)
	}
}

func (t *Tracker) poll(ctx context.Context, controllerID string, ids []string) {
	defer func() {
		t.mu.Lock()
		delete(t.inFlight, controllerID)
		t.mu.Unlock()
	}()

	client, err := t.resolver.Client(controllerID)
	if err != nil {
		t.log.Warn("No client for controller, skipping poll", "controller_id", controllerID, "error", err)
		return
	}
	outcomes, err := client.Activities().BulkStatus(ctx, ids)
	if err != nil {
		// Transient poll failures just wait for the next tick.
		t.log.Warn("Bulk status poll failed", "controller_id", controllerID, "error", err)
		return
	}
	for id, outcome := range outcomes {
		if outcome.Status == domain.ActivityPending {
			continue
		}
		t.mu.Lock()
		ref, ok := t.pending[id]
		t.mu.Unlock()
		if !ok {
			continue
		}
		t.resolve(ctx, ref, outcome.Status, outcome.Error)
	}
}

// resolve finalizes a ref exactly once: every waiter gets the same result,
// later waiters find it in the resolved map, and the persisted copy reflects
// the outcome for crash recovery.
func (t *Tracker) resolve(ctx context.Context, ref *domain.ActivityRef, status domain.ActivityStatus, errMsg string) {
	t.mu.Lock()
	if _, stillPending := t.pending[ref.RequestID]; !stillPending {
		t.mu.Unlock()
		return
	}
	delete(t.pending, ref.RequestID)
	res := domain.ActivityResult{RequestID: ref.RequestID, Status: status, Error: errMsg}
	t.resolved[ref.RequestID] = res
	chs := t.waiters[ref.RequestID]
	delete(t.waiters, ref.RequestID)
	t.mu.Unlock()

	ref.Status = status
	ref.Error = errMsg
	if err := t.refs.PutActivity(ctx, ref); err != nil {
		t.log.Warn("Failed to persist resolved activity", "request_id", ref.RequestID, "error", err)
	}
	for _, ch := range chs {
		ch <- res
	}
}
