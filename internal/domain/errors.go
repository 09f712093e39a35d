package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned when a referenced task id does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned when an intent is incompatible with
	// the task's current status. The task is left untouched.
	ErrInvalidTransition = errors.New("invalid task transition")
)

// ValidationError rejects a malformed add payload before any engine call.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task source: %s", e.Reason)
}
