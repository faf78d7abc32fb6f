package session

import (
	"errors"
	"fmt"

	"github.com/MrWong99/chatterhouse/pkg/audio"
)

var (
	// ErrIllegalTransition is matched by every [*TransitionError].
	ErrIllegalTransition = errors.New("session: illegal transition")

	// ErrPermissionDenied is reported when broadcasting cannot start because
	// the capture device is unavailable or unauthorized. It is the same
	// value as [audio.ErrPermissionDenied].
	ErrPermissionDenied = audio.ErrPermissionDenied
)

// TransitionError reports a command that is not legal in the current role.
// The role is left unchanged.
type TransitionError struct {
	Op   string
	From Role
}

// Error implements error.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("session: %s not allowed while %s", e.Op, e.From)
}

// Is makes errors.Is(err, ErrIllegalTransition) true.
func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// result maps a command error to a metric label.
func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	default:
		return "error"
	}
}
