package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/dwellfi/provision-brain/internal/controller"
	"github.com/dwellfi/provision-brain/internal/domain"
	"github.com/dwellfi/provision-brain/internal/events"
	"github.com/dwellfi/provision-brain/internal/phase"
	"github.com/dwellfi/provision-brain/internal/platform/logger"
)

const (
	retryAttempts   = 4
	retryBaseDelay  = 500 * time.Millisecond
	defaultParallel = 8
)

// Waiter is the tracker surface an executing phase needs.
type Waiter interface {
	Register(ctx context.Context, ref *domain.ActivityRef) error
	Wait(ctx context.Context, requestID string) (domain.ActivityResult, error)
}

// JobUpdater is the store surface needed for resource tracking.
type JobUpdater interface {
	UpdateJob(ctx context.Context, jobID string, mutate func(*domain.JobV2) error) (*domain.JobV2, error)
}

// Context is the concrete capability set handed to a phase instance. One is
// built per (phase, unit) task; global phases get one with empty unit fields.
type Context struct {
	ctx     context.Context
	store   JobUpdater
	tracker Waiter
	pub     *events.Publisher
	remote  controller.Client
	log     *logger.Logger

	jobID        uuid.UUID
	phaseID      string
	unitID       string
	unitNumber   string
	tenantID     string
	venueID      string
	controllerID string
	options      map[string]any

	activityDeadline time.Duration
}

// Params collects the identity of one task.
type Params struct {
	JobID        uuid.UUID
	PhaseID      string
	UnitID       string
	UnitNumber   string
	TenantID     string
	VenueID      string
	ControllerID string
	Options      map[string]any

	// ActivityDeadline overrides the tracker default when positive.
	ActivityDeadline time.Duration
}

func NewContext(ctx context.Context, store JobUpdater, tracker Waiter, pub *events.Publisher, remote controller.Client, log *logger.Logger, p Params) *Context {
	return &Context{
		ctx:              ctx,
		store:            store,
		tracker:          tracker,
		pub:              pub,
		remote:           remote,
		log:              log.With("job_id", p.JobID.String(), "phase_id", p.PhaseID),
		jobID:            p.JobID,
		phaseID:          p.PhaseID,
		unitID:           p.UnitID,
		unitNumber:       p.UnitNumber,
		tenantID:         p.TenantID,
		venueID:          p.VenueID,
		controllerID:     p.ControllerID,
		options:          p.Options,
		activityDeadline: p.ActivityDeadline,
	}
}

var _ phase.Runtime = (*Context)(nil)

func (c *Context) Context() context.Context { return c.ctx }

func (c *Context) Emit(level events.Level, msg string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["phase_id"] = c.phaseID
	if c.unitID != "" {
		details["unit_id"] = c.unitID
	}
	c.pub.Message(c.ctx, c.jobID.String(), level, msg, details)
}

// FireAndWait registers the controller request id with the tracker and
// suspends until it resolves. The resolution maps onto the error taxonomy:
// timeouts become ACTIVITY_TIMEOUT, tracker-forced cancellations become
// CANCELLED, everything else REMOTE_ERROR.
func (c *Context) FireAndWait(requestID string) (domain.ActivityResult, error) {
	ref := &domain.ActivityRef{
		RequestID:    requestID,
		JobID:        c.jobID.String(),
		UnitID:       c.unitID,
		PhaseID:      c.phaseID,
		ControllerID: c.controllerID,
	}
	if c.activityDeadline > 0 {
		now := time.Now().UTC()
		ref.StartedAt = now
		ref.Deadline = now.Add(c.activityDeadline)
	}
	if err := c.tracker.Register(c.ctx, ref); err != nil {
		return domain.ActivityResult{}, domain.WrapPhaseError(domain.InternalError, err)
	}
	res, err := c.tracker.Wait(c.ctx, requestID)
	if err != nil {
		if c.ctx.Err() != nil {
			return domain.ActivityResult{}, domain.WrapPhaseError(domain.Cancelled, c.ctx.Err())
		}
		return domain.ActivityResult{}, domain.WrapPhaseError(domain.InternalError, err)
	}
	switch res.Status {
	case domain.ActivitySuccess:
		return res, nil
	case domain.ActivityTimeout:
		return res, domain.NewPhaseError(domain.ActivityTimeoutError, "activity %s timed out", requestID)
	default:
		if res.Error == domain.CancelledReason {
			return res, domain.NewPhaseError(domain.Cancelled, "activity %s cancelled", requestID)
		}
		return res, domain.NewPhaseError(domain.RemoteError, "activity %s failed: %s", requestID, res.Error)
	}
}

// ParallelMap fans fn over items with bounded concurrency. Per-item failures
// are collected, not fatal; the caller decides what a partial batch means.
func (c *Context) ParallelMap(items []any, fn func(ctx context.Context, item any) error, maxConcurrent int) (int, []error) {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultParallel
	}
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		failures  []error
	)
	for i, item := range items {
		if err := sem.Acquire(c.ctx, 1); err != nil {
			mu.Lock()
			failures = append(failures, domain.WrapPhaseError(domain.Cancelled, err))
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(idx int, it any) {
			defer wg.Done()
			defer sem.Release(1)
			if err := fn(c.ctx, it); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Errorf("item %d: %w", idx, err))
				mu.Unlock()
				return
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
		}(i, item)
	}
	wg.Wait()
	return succeeded, failures
}

// TrackResource appends to the job's created-resource ledger through the
// store's atomic update, so concurrent tasks never lose entries.
func (c *Context) TrackResource(resourceType string, rec domain.CreatedResource) error {
	_, err := c.store.UpdateJob(c.ctx, c.jobID.String(), func(job *domain.JobV2) error {
		job.TrackResource(resourceType, rec)
		return nil
	})
	return err
}

// RetryTransient retries op with factor-2 backoff while the failure is
// transient, at most retryAttempts attempts total.
func (c *Context) RetryTransient(op func() error) error {
	delay := retryBaseDelay
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = op()
		if err == nil || !controller.IsTransient(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		select {
		case <-c.ctx.Done():
			return domain.WrapPhaseError(domain.Cancelled, c.ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return domain.WrapPhaseError(domain.TransientError, err)
}

func (c *Context) Remote() controller.Client { return c.remote }
func (c *Context) JobID() uuid.UUID          { return c.jobID }
func (c *Context) PhaseID() string           { return c.phaseID }
func (c *Context) UnitID() string            { return c.unitID }
func (c *Context) UnitNumber() string        { return c.unitNumber }
func (c *Context) TenantID() string          { return c.tenantID }
func (c *Context) VenueID() string           { return c.venueID }
func (c *Context) Options() map[string]any   { return c.options }
