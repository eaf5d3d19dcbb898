package container

import (
	"context"
	"io"
	"syscall"
)

// A Driver binds the container lifecycle to a concrete host mechanism. The
// Container type owns the state machine; drivers only perform the operations.
type Driver interface {
	// Name is used for logging.
	Name() string

	// Isolated returns whether volumes are visible at their Target path from
	// inside the container. Non-isolated drivers expose them at Source.
	Isolated() bool

	// Create allocates a container and returns the driver-specific identifier.
	Create(ctx context.Context, name string, opts *Options, env []string) (string, error)

	// Start begins one run of the container, streaming its combined output
	// into output.
	Start(ctx context.Context, id string, output io.Writer) (Execution, error)

	Pause(ctx context.Context, id string) error
	Unpause(ctx context.Context, id string) error

	// Inspect asks the host for the state of the container. It is used to
	// recover exit codes when an Execution cannot provide them.
	Inspect(ctx context.Context, id string) (*DriverStatus, error)

	// Remove releases every host resource held by the container.
	Remove(ctx context.Context, id string) error
}

// An Execution is a single run of a container.
type Execution interface {
	// Wait blocks until the run is over and returns its exit code. Processes
	// terminated by a signal report 128+signal.
	Wait() (int, error)

	// Signal delivers sig to the container. Signalling an execution that has
	// already finished is not an error.
	Signal(ctx context.Context, sig syscall.Signal) error
}

// DriverStatus is the host's view of a container.
type DriverStatus struct {
	Running  bool
	Paused   bool
	ExitCode int
}
