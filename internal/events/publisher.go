package events

import (
	"context"
	"encoding/json"

	"github.com/dwellfi/provision-brain/internal/domain"
	"github.com/dwellfi/provision-brain/internal/platform/logger"
	"github.com/dwellfi/provision-brain/internal/store"
)

// Sink is the broadcast half of the state store.
type Sink interface {
	PublishEvent(ctx context.Context, channel string, payload []byte) error
}

// Publisher serializes progress, message, phase and job events onto a
// per-job channel. Publish failures are logged and swallowed; the scheduler
// must never die because nobody is listening.
type Publisher struct {
	sink Sink
	log  *logger.Logger
}

func NewPublisher(sink Sink, log *logger.Logger) *Publisher {
	return &Publisher{sink: sink, log: log.With("component", "EventPublisher")}
}

func (p *Publisher) publish(ctx context.Context, jobID string, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("Dropping unserializable event", "job_id", jobID, "type", ev.Type, "error", err)
		return
	}
	if err := p.sink.PublishEvent(ctx, store.EventsChannel(jobID), b); err != nil {
		p.log.Warn("Event publish failed", "job_id", jobID, "type", ev.Type, "error", err)
	}
}

func (p *Publisher) JobStarted(ctx context.Context, job *domain.JobV2) {
	p.publish(ctx, job.ID.String(), New(TypeJobStarted, map[string]any{
		"job_id":   job.ID.String(),
		"workflow": job.WorkflowName,
		"units":    len(job.UnitMappings),
	}))
}

func (p *Publisher) JobTerminal(ctx context.Context, job *domain.JobV2) {
	var t Type
	switch job.Status {
	case domain.JobCompleted:
		t = TypeJobCompleted
	case domain.JobCancelled:
		t = TypeJobCancelled
	default:
		t = TypeJobFailed
	}
	data := map[string]any{
		"job_id": job.ID.String(),
		"status": string(job.Status),
	}
	if len(job.Errors) > 0 {
		data["errors"] = job.Errors
	}
	p.publish(ctx, job.ID.String(), New(t, data))
}

func (p *Publisher) PhaseStarted(ctx context.Context, jobID, phaseID string) {
	p.publish(ctx, jobID, New(TypePhaseStarted, map[string]any{"phase_id": phaseID}))
}

func (p *Publisher) PhaseCompleted(ctx context.Context, jobID, phaseID string, status domain.PhaseStatus) {
	p.publish(ctx, jobID, New(TypePhaseCompleted, map[string]any{
		"phase_id": phaseID,
		"status":   string(status),
	}))
}

func (p *Publisher) TaskStarted(ctx context.Context, jobID, phaseID, unitID, taskID string) {
	p.publish(ctx, jobID, New(TypeTaskStarted, map[string]any{
		"phase_id": phaseID,
		"unit_id":  unitID,
		"task_id":  taskID,
	}))
}

func (p *Publisher) TaskCompleted(ctx context.Context, jobID, phaseID, unitID, taskID string, status domain.PhaseStatus, errMsg string) {
	data := map[string]any{
		"phase_id": phaseID,
		"unit_id":  unitID,
		"task_id":  taskID,
		"status":   string(status),
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	p.publish(ctx, jobID, New(TypeTaskCompleted, data))
}

func (p *Publisher) Progress(ctx context.Context, jobID string, completed, total int, msg string) {
	p.publish(ctx, jobID, New(TypeProgress, map[string]any{
		"completed_work": completed,
		"total_work":     total,
		"message":        msg,
	}))
}

func (p *Publisher) Message(ctx context.Context, jobID string, level Level, msg string, details map[string]any) {
	data := map[string]any{
		"level":   string(level),
		"message": msg,
	}
	if len(details) > 0 {
		data["details"] = details
	}
	p.publish(ctx, jobID, New(TypeMessage, data))
}
