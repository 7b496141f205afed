package actions

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateRequest: an unfinished record with the same identity exists.
	ErrDuplicateRequest = errors.New("actions: already requested")
	// ErrAlreadyRunning: the record for this identity has already started.
	ErrAlreadyRunning = errors.New("actions: already running")
	// ErrNotFound: no binding for the action name.
	ErrNotFound = errors.New("actions: action not found")
	// ErrNotAnAction: the name is bound to something that cannot be performed.
	ErrNotAnAction = errors.New("actions: binding is not an action")
	// ErrNoRecord: no unfinished record matches.
	ErrNoRecord = errors.New("actions: no unfinished record")
	// ErrInvalid: missing work or action name.
	ErrInvalid = errors.New("actions: invalid argument")
)

// ServiceError carries the operation and identity around one of the
// sentinels above. Action implementation errors are returned unwrapped.
type ServiceError struct {
	Op     string
	WorkID string
	Action string
	Err    error
}

func (e *ServiceError) Error() string {
	if e.WorkID == "" {
		return fmt.Sprintf("%s %q: %v", e.Op, e.Action, e.Err)
	}
	return fmt.Sprintf("%s %q for work %q: %v", e.Op, e.Action, e.WorkID, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// IsServiceError reports whether err came from the coordinator itself
// rather than from an action implementation.
func IsServiceError(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}
