package container

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// A ProcessDriver runs the "image" as a plain executable on the host, in its
// own process group. It provides no isolation and is meant for development
// hosts and tests. Volumes are not remapped: the program sees them at their
// Source path.
type ProcessDriver struct {
	mu        sync.Mutex
	processes map[string]*processEntry
}

type processEntry struct {
	path    string
	args    []string
	env     []string
	dir     string
	current *processExecution
}

var _ Driver = &ProcessDriver{}

// NewProcessDriver returns a new ProcessDriver.
func NewProcessDriver() *ProcessDriver {
	return &ProcessDriver{
		processes: make(map[string]*processEntry),
	}
}

// Name returns "process".
func (d *ProcessDriver) Name() string {
	return "process"
}

// Isolated returns false.
func (d *ProcessDriver) Isolated() bool {
	return false
}

func (d *ProcessDriver) lookup(id string) (*processEntry, error) {
	entry, ok := d.processes[id]
	if !ok {
		return nil, ErrNoSuchContainer
	}
	return entry, nil
}

// Create resolves the executable and checks that all volume sources exist.
func (d *ProcessDriver) Create(ctx context.Context, name string, opts *Options, env []string) (string, error) {
	path, err := exec.LookPath(opts.Image)
	if err != nil {
		return "", errors.Wrapf(ErrImageNotFound, "%s: %v", opts.Image, err)
	}
	for _, volume := range opts.Volumes {
		if _, err := os.Stat(volume.Source); err != nil {
			return "", errors.Wrapf(err, "volume %s", volume.Source)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.processes[name]; ok {
		return "", errors.Errorf("container %s already exists", name)
	}
	d.processes[name] = &processEntry{
		path: path,
		args: append([]string(nil), opts.Command...),
		env:  append(os.Environ(), env...),
		dir:  opts.WorkingDir,
	}
	return name, nil
}

// Start spawns the process.
func (d *ProcessDriver) Start(ctx context.Context, id string, output io.Writer) (Execution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, err := d.lookup(id)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(entry.path, entry.args...)
	cmd.Env = entry.env
	cmd.Dir = entry.dir
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Orphaned grandchildren could otherwise keep the output pipes open
	// forever.
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "spawn")
	}
	execution := &processExecution{cmd: cmd}
	entry.current = execution
	return execution, nil
}

// current returns the latest run of the container, read under the lock since
// Start replaces it.
func (d *ProcessDriver) current(id string) (*processExecution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, err := d.lookup(id)
	if err != nil {
		return nil, err
	}
	return entry.current, nil
}

func (d *ProcessDriver) signal(id string, sig syscall.Signal) error {
	execution, err := d.current(id)
	if err != nil {
		return err
	}
	if execution == nil {
		return errors.New("not running")
	}
	return execution.Signal(context.Background(), sig)
}

// Pause stops the process group.
func (d *ProcessDriver) Pause(ctx context.Context, id string) error {
	return d.signal(id, syscall.SIGSTOP)
}

// Unpause continues the process group.
func (d *ProcessDriver) Unpause(ctx context.Context, id string) error {
	return d.signal(id, syscall.SIGCONT)
}

// Inspect reports the state of the latest run.
func (d *ProcessDriver) Inspect(ctx context.Context, id string) (*DriverStatus, error) {
	execution, err := d.current(id)
	if err != nil {
		return nil, err
	}
	if execution == nil {
		return &DriverStatus{}, nil
	}
	return execution.status(), nil
}

// Remove kills any leftover process and forgets the container.
func (d *ProcessDriver) Remove(ctx context.Context, id string) error {
	d.mu.Lock()
	entry, err := d.lookup(id)
	var execution *processExecution
	if err == nil {
		execution = entry.current
		delete(d.processes, id)
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if execution != nil {
		execution.Signal(ctx, syscall.SIGKILL)
	}
	return nil
}

type processExecution struct {
	cmd *exec.Cmd

	mu       sync.Mutex
	done     bool
	exitCode int
}

func (e *processExecution) Wait() (int, error) {
	err := e.cmd.Wait()
	state := e.cmd.ProcessState
	if state == nil {
		return -1, errors.Wrap(err, "wait")
	}
	exitCode := state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		exitCode = 128 + int(ws.Signal())
	}
	e.mu.Lock()
	e.done = true
	e.exitCode = exitCode
	e.mu.Unlock()
	return exitCode, nil
}

func (e *processExecution) Signal(ctx context.Context, sig syscall.Signal) error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done || e.cmd.Process == nil {
		return nil
	}
	// Signal the whole group so that shells do not shield their children.
	err := syscall.Kill(-e.cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func (e *processExecution) status() *DriverStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &DriverStatus{
		Running:  !e.done,
		ExitCode: e.exitCode,
	}
}
