package collab

import (
	"errors"
	"fmt"
)

// errors.go provides the error kinds for the collab package
//
// expected outcomes (lock conflicts, denied permissions, expired sessions)
// are returned as these sentinel kinds and checked with errors.Is.
// only ErrInternal wraps unexpected store/bus failures.

var (
	// no verified identity on the connection or request
	ErrUnauthorized = errors.New("unauthorized")
	// verified identity, insufficient role
	ErrPermissionDenied = errors.New("permission denied")
	// authorization source unreachable. fails closed, distinct from denied
	ErrPermissionUnavailable = errors.New("permission unavailable")
	// heartbeat timeout or leave raced with the call
	ErrSessionExpired = errors.New("session expired")
	// overlapping lock or locked element
	ErrLockConflict = errors.New("lock conflict")
	// unknown document, session, lock, or operation id
	ErrNotFound = errors.New("not found")
	// unexpected failure in the shared store or bus
	ErrInternal = errors.New("internal error")
)

func internalError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInternal, err)
}

// wire-stable kind string for an error, used by the gateway and the api
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrPermissionUnavailable):
		return "permission_unavailable"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrLockConflict):
		return "lock_conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
