package controller

import (
	"errors"
	"fmt"
)

// AlreadyExistsError reports an idempotent create conflict. Phases treat it
// as success and reuse the existing resource id.
type AlreadyExistsError struct {
	ID string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("resource already exists (id=%s)", e.ID)
}

// NotFoundError reports a missing resource. During deletes it is treated as
// success.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resource not found: %s", e.Resource)
}

// RemoteAPIError is a non-2xx answer from the controller.
type RemoteAPIError struct {
	Status  int
	Message string
}

func (e *RemoteAPIError) Error() string {
	return fmt.Sprintf("controller error %d: %s", e.Status, e.Message)
}

func IsAlreadyExists(err error) (string, bool) {
	var ae *AlreadyExistsError
	if errors.As(err, &ae) {
		return ae.ID, true
	}
	return "", false
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTransient reports whether a remote failure is worth retrying: 5xx and
// rate limiting. Connection-level errors are classified by the transport
// adapters before they get here.
func IsTransient(err error) bool {
	var re *RemoteAPIError
	if errors.As(err, &re) {
		return re.Status >= 500 || re.Status == 429
	}
	return false
}
