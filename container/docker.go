package container

import (
	"context"
	"io"
	"strconv"
	"sync"
	"syscall"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	docker "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"
)

// A DockerDriver runs containers through the Docker Engine API.
type DockerDriver struct {
	client *docker.Client
}

var _ Driver = &DockerDriver{}

// NewDockerDriver returns a DockerDriver configured from the standard
// environment variables (DOCKER_HOST and friends).
func NewDockerDriver() (*DockerDriver, error) {
	client, err := docker.NewClientWithOpts(docker.FromEnv, docker.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "docker client")
	}
	return &DockerDriver{client: client}, nil
}

// Name returns "docker".
func (d *DockerDriver) Name() string {
	return "docker"
}

// Isolated returns true.
func (d *DockerDriver) Isolated() bool {
	return true
}

// Close releases the underlying client.
func (d *DockerDriver) Close() error {
	return d.client.Close()
}

// Create checks that the image exists locally and creates the container.
func (d *DockerDriver) Create(ctx context.Context, name string, opts *Options, env []string) (string, error) {
	if _, _, err := d.client.ImageInspectWithRaw(ctx, opts.Image); err != nil {
		if errdefs.IsNotFound(err) {
			return "", errors.Wrap(ErrImageNotFound, opts.Image)
		}
		return "", errors.Wrapf(err, "inspect image %s", opts.Image)
	}

	mounts := make([]mount.Mount, 0, len(opts.Volumes))
	for _, volume := range opts.Volumes {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   volume.Source,
			Target:   volume.Target,
			ReadOnly: volume.ReadOnly,
		})
	}
	config := &container.Config{
		Image:        opts.Image,
		Cmd:          opts.Command,
		Env:          env,
		WorkingDir:   opts.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	}
	hostConfig := &container.HostConfig{
		Mounts:     mounts,
		AutoRemove: false,
	}
	res, err := d.client.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return "", errors.Wrapf(err, "create %s", name)
	}
	return res.ID, nil
}

// Start attaches to the container output and starts it.
func (d *DockerDriver) Start(ctx context.Context, id string, output io.Writer) (Execution, error) {
	attached, err := d.client.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "attach")
	}

	// The wait must be registered before the container starts, otherwise a
	// very short run could exit before we start waiting for it.
	waitC, errC := d.client.ContainerWait(context.Background(), id, container.WaitConditionNextExit)

	copied := make(chan struct{})
	go func() {
		defer close(copied)
		stdcopy.StdCopy(output, output, attached.Reader)
	}()

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		attached.Close()
		<-copied
		return nil, errors.Wrap(err, "start")
	}

	return &dockerExecution{
		driver: d,
		id:     id,
		waitC:  waitC,
		errC:   errC,
		copied: copied,
		closer: attached.Close,
	}, nil
}

// Pause freezes the container.
func (d *DockerDriver) Pause(ctx context.Context, id string) error {
	return errors.Wrap(d.client.ContainerPause(ctx, id), "pause")
}

// Unpause resumes the container.
func (d *DockerDriver) Unpause(ctx context.Context, id string) error {
	return errors.Wrap(d.client.ContainerUnpause(ctx, id), "unpause")
}

// Inspect asks the engine for the container state.
func (d *DockerDriver) Inspect(ctx context.Context, id string) (*DriverStatus, error) {
	info, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrNoSuchContainer
		}
		return nil, errors.Wrap(err, "inspect")
	}
	if info.State == nil {
		return &DriverStatus{}, nil
	}
	return &DriverStatus{
		Running:  info.State.Running,
		Paused:   info.State.Paused,
		ExitCode: info.State.ExitCode,
	}, nil
}

// Remove force-removes the container and its anonymous volumes.
func (d *DockerDriver) Remove(ctx context.Context, id string) error {
	err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if errdefs.IsNotFound(err) {
		return ErrNoSuchContainer
	}
	return errors.Wrap(err, "remove")
}

var signalNames = map[syscall.Signal]string{
	syscall.SIGTERM: "SIGTERM",
	syscall.SIGKILL: "SIGKILL",
	syscall.SIGINT:  "SIGINT",
	syscall.SIGSTOP: "SIGSTOP",
	syscall.SIGCONT: "SIGCONT",
}

type dockerExecution struct {
	driver *DockerDriver
	id     string
	waitC  <-chan container.WaitResponse
	errC   <-chan error
	copied chan struct{}
	closer func()

	once     sync.Once
	mu       sync.Mutex
	finished bool
}

func (e *dockerExecution) Wait() (int, error) {
	defer e.once.Do(e.closer)

	var exitCode int
	var err error
	select {
	case res := <-e.waitC:
		exitCode = int(res.StatusCode)
		if res.Error != nil {
			err = errors.New(res.Error.Message)
		}
	case waitErr := <-e.errC:
		exitCode = -1
		err = errors.Wrap(waitErr, "wait")
	}
	// The attach stream ends when the container exits, so this only waits for
	// the last buffered bytes.
	<-e.copied

	e.mu.Lock()
	e.finished = true
	e.mu.Unlock()
	return exitCode, err
}

func (e *dockerExecution) Signal(ctx context.Context, sig syscall.Signal) error {
	e.mu.Lock()
	finished := e.finished
	e.mu.Unlock()
	if finished {
		return nil
	}
	name, ok := signalNames[sig]
	if !ok {
		name = strconv.Itoa(int(sig))
	}
	err := e.driver.client.ContainerKill(ctx, e.id, name)
	if err != nil && errdefs.IsConflict(err) {
		// The container is no longer running.
		return nil
	}
	return errors.Wrap(err, "kill")
}
