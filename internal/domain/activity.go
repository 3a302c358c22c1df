package domain

import "time"

type ActivityStatus string

const (
	ActivityPending ActivityStatus = "PENDING"
	ActivitySuccess ActivityStatus = "SUCCESS"
	ActivityFailed  ActivityStatus = "FAILED"
	ActivityTimeout ActivityStatus = "TIMEOUT"
)

// ActivityRef is one outstanding asynchronous operation on the external
// controller, keyed by the opaque request id the controller issued.
type ActivityRef struct {
	RequestID    string         `json:"request_id"`
	JobID        string         `json:"job_id"`
	UnitID       string         `json:"unit_id,omitempty"`
	PhaseID      string         `json:"phase_id"`
	ControllerID string         `json:"controller_id"`
	StartedAt    time.Time      `json:"started_at"`
	Deadline     time.Time      `json:"deadline"`
	Status       ActivityStatus `json:"status"`
	Error        string         `json:"error,omitempty"`
}

// ActivityResult is the resolution delivered to every waiter on a request id.
type ActivityResult struct {
	RequestID string         `json:"request_id"`
	Status    ActivityStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
}

// CancelledReason is the error text placed on activities resolved because
// their job was cancelled. Waiters translate it to a CANCELLED phase error.
const CancelledReason = "cancelled"
