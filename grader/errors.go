package grader

import (
	"errors"
	"fmt"
)

// GradingError is returned when a grading container did not produce a usable
// report.
type GradingError struct {
	// Missing is set when the report file does not exist, as opposed to
	// existing but not being parseable.
	Missing bool
	Path    string
	Err     error
}

func (e *GradingError) Error() string {
	if e.Missing {
		return fmt.Sprintf("grading: no report at %s", e.Path)
	}
	return fmt.Sprintf("grading: invalid report at %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *GradingError) Unwrap() error {
	return e.Err
}

// IOError is returned when the workspace or the archives cannot be accessed.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *IOError) Unwrap() error {
	return e.Err
}

// IsGradingError returns whether err is (or wraps) a GradingError.
func IsGradingError(err error) bool {
	var gradingErr *GradingError
	return errors.As(err, &gradingErr)
}

// IsIOError returns whether err is (or wraps) an IOError.
func IsIOError(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}
