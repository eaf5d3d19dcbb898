// Package container manages the lifecycle of the isolated processes that
// grade student submissions.
package container

import (
	"context"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
)

// DefaultGracePeriod is the time allowed between the graceful termination
// signal and the forceful kill.
const DefaultGracePeriod = 10 * time.Second

// State is a state of the container lifecycle:
//
//	uncreated -> created -> running <-> paused -> exited -> removed
//
// An exited container may be started again.
type State int

const (
	StateUncreated State = iota
	StateCreated
	StateRunning
	StatePaused
	StateExited
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateUncreated:
		return "uncreated"
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateExited:
		return "exited"
	case StateRemoved:
		return "removed"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Volume is a host directory made available inside the container.
type Volume struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Options describe the container to create.
type Options struct {
	// Name is an optional human-readable name. A unique one is generated when
	// empty.
	Name       string
	Image      string
	Command    []string
	Env        map[string]string
	EnvFile    string
	Volumes    []Volume
	WorkingDir string
}

// environment merges the env file with the explicit variables, the latter
// taking precedence.
func (opts *Options) environment() ([]string, error) {
	merged := make(map[string]string)
	if opts.EnvFile != "" {
		fromFile, err := ParseEnvFile(opts.EnvFile)
		if err != nil {
			return nil, err
		}
		for k, v := range fromFile {
			merged[k] = v
		}
	}
	for k, v := range opts.Env {
		merged[k] = v
	}
	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env, nil
}

// Status is a snapshot of a container.
type Status struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Image      string    `json:"image"`
	State      State     `json:"state"`
	ExitCode   int       `json:"exitCode"`
	TimedOut   bool      `json:"timedOut"`
	Runs       int       `json:"runs"`
	CreatedAt  time.Time `json:"createdAt"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// RuntimeOptions tune the behavior of the containers created by a Runtime.
type RuntimeOptions struct {
	GracePeriod time.Duration
	PageSize    int
	MaxLogSize  int
}

// A Runtime creates Containers on top of a Driver and keeps track of the
// ones that have not been removed yet.
type Runtime struct {
	driver Driver
	log    log15.Logger
	opts   RuntimeOptions

	mu         sync.Mutex
	containers map[string]*Container
}

// NewRuntime returns a Runtime that uses driver.
func NewRuntime(driver Driver, log log15.Logger, opts RuntimeOptions) *Runtime {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Runtime{
		driver:     driver,
		log:        log.New("driver", driver.Name()),
		opts:       opts,
		containers: make(map[string]*Container),
	}
}

// Driver returns the underlying Driver.
func (r *Runtime) Driver() Driver {
	return r.driver
}

// Create allocates a container. It fails with a RuntimeError if the image
// does not exist or the host rejects the options.
func (r *Runtime) Create(ctx context.Context, opts *Options) (*Container, error) {
	name := opts.Name
	if name == "" {
		name = "autotest-" + uuid.NewString()
	}
	env, err := opts.environment()
	if err != nil {
		return nil, newRuntimeError("create", name, err)
	}
	id, err := r.driver.Create(ctx, name, opts, env)
	if err != nil {
		return nil, newRuntimeError("create", name, err)
	}

	c := &Container{
		runtime: r,
		log:     r.log.New("container", name),
		output:  NewPagedBuffer(r.opts.PageSize, r.opts.MaxLogSize),
		state:   StateCreated,
		status: Status{
			ID:        id,
			Name:      name,
			Image:     opts.Image,
			CreatedAt: time.Now(),
		},
	}
	r.mu.Lock()
	r.containers[id] = c
	r.mu.Unlock()
	c.log.Debug("container created", "id", id, "image", opts.Image)
	return c, nil
}

// Ps returns the status of every container that has not been removed.
func (r *Runtime) Ps() []Status {
	r.mu.Lock()
	containers := make([]*Container, 0, len(r.containers))
	for _, c := range r.containers {
		containers = append(containers, c)
	}
	r.mu.Unlock()

	result := make([]Status, 0, len(containers))
	for _, c := range containers {
		c.mu.Lock()
		status := c.status
		status.State = c.state
		c.mu.Unlock()
		result = append(result, status)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (r *Runtime) forget(id string) {
	r.mu.Lock()
	delete(r.containers, id)
	r.mu.Unlock()
}

// activeRun tracks a single Start() of a container.
type activeRun struct {
	execution Execution
	finished  chan struct{}
	exitCode  int
	err       error
}

// A Container is a handle to a container owned by the Runtime that created
// it. It must be removed once it is no longer needed.
type Container struct {
	runtime *Runtime
	log     log15.Logger
	output  *PagedBuffer

	mu     sync.Mutex
	state  State
	run    *activeRun
	status Status
}

// ID returns the driver-assigned identifier.
func (c *Container) ID() string {
	return c.status.ID
}

// Name returns the container name.
func (c *Container) Name() string {
	return c.status.Name
}

// checkExists must be called with c.mu held.
func (c *Container) checkExists(op string) error {
	if c.state == StateUncreated || c.state == StateRemoved {
		return newRuntimeError(op, c.status.Name, ErrNoSuchContainer)
	}
	return nil
}

// Start runs the container and blocks until it exits or timeout elapses. On
// timeout the container gets a graceful termination signal and, if it is
// still alive after the grace period, a forceful kill. A non-positive timeout
// waits indefinitely. The returned exit code is the program's own or 128+signal
// when it was terminated by a signal.
func (c *Container) Start(ctx context.Context, timeout time.Duration) (int, error) {
	c.mu.Lock()
	if err := c.checkExists("start"); err != nil {
		c.mu.Unlock()
		return -1, err
	}
	if c.state != StateCreated && c.state != StateExited {
		state := c.state
		c.mu.Unlock()
		return -1, invalidState("start", c.status.Name, state)
	}
	execution, err := c.runtime.driver.Start(ctx, c.status.ID, c.output)
	if err != nil {
		c.mu.Unlock()
		return -1, newRuntimeError("start", c.status.Name, err)
	}
	run := &activeRun{
		execution: execution,
		finished:  make(chan struct{}),
	}
	c.run = run
	c.state = StateRunning
	c.status.Runs++
	c.status.TimedOut = false
	c.status.StartedAt = time.Now()
	c.mu.Unlock()

	c.log.Debug("container started", "timeout", timeout)

	go func() {
		run.exitCode, run.err = execution.Wait()
		close(run.finished)
	}()

	timedOut := false
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		select {
		case <-run.finished:
			timer.Stop()
		case <-timer.C:
			timedOut = true
			c.log.Warn("time limit exceeded", "timeout", timeout)
			c.terminate(ctx, run)
		}
	} else {
		<-run.finished
	}

	exitCode := run.exitCode
	if run.err != nil {
		c.log.Warn("execution did not report an exit code", "err", run.err)
		status, err := c.runtime.driver.Inspect(ctx, c.status.ID)
		if err != nil {
			exitCode = -1
		} else {
			exitCode = status.ExitCode
		}
	}

	c.mu.Lock()
	c.state = StateExited
	c.run = nil
	c.status.ExitCode = exitCode
	c.status.TimedOut = timedOut
	c.status.FinishedAt = time.Now()
	c.mu.Unlock()

	c.log.Debug("container exited", "exitCode", exitCode, "timedOut", timedOut)
	return exitCode, nil
}

// terminate sends the graceful termination signal and escalates to a kill if
// the run does not finish within the grace period. It returns once the run is
// over.
func (c *Container) terminate(ctx context.Context, run *activeRun) {
	c.mu.Lock()
	if c.state == StatePaused {
		if err := c.runtime.driver.Unpause(ctx, c.status.ID); err != nil {
			c.log.Error("failed to unpause before termination", "err", err)
		} else {
			c.state = StateRunning
		}
	}
	c.mu.Unlock()

	if err := run.execution.Signal(ctx, syscall.SIGTERM); err != nil {
		c.log.Error("failed to deliver SIGTERM", "err", err)
	}
	grace := time.NewTimer(c.runtime.opts.GracePeriod)
	defer grace.Stop()
	select {
	case <-run.finished:
		return
	case <-grace.C:
	}

	c.log.Warn("grace period elapsed, killing", "gracePeriod", c.runtime.opts.GracePeriod)
	if err := run.execution.Signal(ctx, syscall.SIGKILL); err != nil {
		c.log.Error("failed to deliver SIGKILL", "err", err)
	}
	<-run.finished
}

// activeRunFor returns the current run if the container is running or
// paused.
func (c *Container) activeRunFor(op string) (*activeRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkExists(op); err != nil {
		return nil, err
	}
	if (c.state != StateRunning && c.state != StatePaused) || c.run == nil {
		return nil, invalidState(op, c.status.Name, c.state)
	}
	return c.run, nil
}

// Stop terminates a running or paused container gracefully, escalating to a
// kill after the grace period. The exit code is reported by the pending
// Start.
func (c *Container) Stop(ctx context.Context) error {
	run, err := c.activeRunFor("stop")
	if err != nil {
		return err
	}
	c.terminate(ctx, run)
	return nil
}

// Kill forcefully terminates a running or paused container.
func (c *Container) Kill(ctx context.Context) error {
	run, err := c.activeRunFor("kill")
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.state == StatePaused {
		if err := c.runtime.driver.Unpause(ctx, c.status.ID); err != nil {
			c.mu.Unlock()
			return newRuntimeError("kill", c.status.Name, err)
		}
		c.state = StateRunning
	}
	c.mu.Unlock()
	if err := run.execution.Signal(ctx, syscall.SIGKILL); err != nil {
		return newRuntimeError("kill", c.status.Name, err)
	}
	<-run.finished
	return nil
}

// Pause freezes a running container.
func (c *Container) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkExists("pause"); err != nil {
		return err
	}
	if c.state != StateRunning {
		return invalidState("pause", c.status.Name, c.state)
	}
	if err := c.runtime.driver.Pause(ctx, c.status.ID); err != nil {
		return newRuntimeError("pause", c.status.Name, err)
	}
	c.state = StatePaused
	return nil
}

// Unpause resumes a paused container.
func (c *Container) Unpause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkExists("unpause"); err != nil {
		return err
	}
	if c.state != StatePaused {
		return invalidState("unpause", c.status.Name, c.state)
	}
	if err := c.runtime.driver.Unpause(ctx, c.status.ID); err != nil {
		return newRuntimeError("unpause", c.status.Name, err)
	}
	c.state = StateRunning
	return nil
}

// Logs returns the output captured across all runs of the container. A
// positive tailLines limits the result to that many trailing lines.
func (c *Container) Logs(tailLines int) (string, error) {
	c.mu.Lock()
	err := c.checkExists("logs")
	c.mu.Unlock()
	if err != nil {
		return "", err
	}
	return c.output.Tail(tailLines), nil
}

// Inspect returns a snapshot of the container.
func (c *Container) Inspect() (*Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkExists("inspect"); err != nil {
		return nil, err
	}
	status := c.status
	status.State = c.state
	return &status, nil
}

// Remove releases all host resources held by the container. Every operation
// after Remove fails with ErrNoSuchContainer.
func (c *Container) Remove(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkExists("remove"); err != nil {
		return err
	}
	if c.state != StateCreated && c.state != StateExited {
		return invalidState("remove", c.status.Name, c.state)
	}
	if err := c.runtime.driver.Remove(ctx, c.status.ID); err != nil {
		return newRuntimeError("remove", c.status.Name, errors.Wrap(err, c.runtime.driver.Name()))
	}
	c.state = StateRemoved
	c.runtime.forget(c.status.ID)
	c.log.Debug("container removed")
	return nil
}
