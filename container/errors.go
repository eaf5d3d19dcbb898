package container

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNoSuchContainer is returned when operating on a container that was
	// never created or has already been removed.
	ErrNoSuchContainer = errors.New("no such container")

	// ErrImageNotFound is returned when the requested image does not exist.
	ErrImageNotFound = errors.New("image not found")

	// ErrInvalidState is returned when an operation is not valid from the
	// container's current state.
	ErrInvalidState = errors.New("invalid state transition")
)

// A RuntimeError is a container lifecycle violation or a failure reported by
// the host runtime.
type RuntimeError struct {
	Op  string
	ID  string
	Err error
}

func (e *RuntimeError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("container %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("container %s %s: %v", e.Op, e.ID, e.Err)
}

// Unwrap returns the underlying error.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsRuntimeError returns whether err is (or wraps) a RuntimeError.
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return errors.As(err, &runtimeErr)
}

func newRuntimeError(op, id string, err error) error {
	return &RuntimeError{Op: op, ID: id, Err: err}
}

func invalidState(op, id string, state State) error {
	return newRuntimeError(op, id, errors.Wrapf(ErrInvalidState, "cannot %s from %s", op, state))
}
