package runtime

import (
	"github.com/dwellfi/provision-brain/internal/domain"
	"github.com/dwellfi/provision-brain/internal/phase"
)

// SafeExecute runs an executor and converts panics into INTERNAL_ERROR phase
// errors. A panicking phase must never take the scheduler down with it.
func SafeExecute(exec phase.Executor, rt phase.Runtime, in phase.Inputs) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = domain.NewPhaseError(domain.InternalError, "phase %s panicked: %v", exec.ID(), r)
		}
	}()
	return exec.Execute(rt, in)
}
