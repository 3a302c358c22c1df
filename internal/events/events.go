package events

import (
	"time"
)

type Type string

const (
	TypeJobStarted     Type = "job_started"
	TypeJobCompleted   Type = "job_completed"
	TypeJobFailed      Type = "job_failed"
	TypeJobCancelled   Type = "job_cancelled"
	TypePhaseStarted   Type = "phase_started"
	TypePhaseCompleted Type = "phase_completed"
	TypeTaskStarted    Type = "task_started"
	TypeTaskCompleted  Type = "task_completed"
	TypeProgress       Type = "progress"
	TypeMessage        Type = "message"
)

// Level classifies message events for display.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// Event is the only record type on a job's event channel.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

func New(t Type, data map[string]any) Event {
	return Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
}

// Terminal reports whether the event type ends a job's stream.
func (t Type) Terminal() bool {
	switch t {
	case TypeJobCompleted, TypeJobFailed, TypeJobCancelled:
		return true
	}
	return false
}
