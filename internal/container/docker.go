package container

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Mount is a bind mount into the container.
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// dockerAPI is the part of the Engine API client the driver uses.
type dockerAPI interface {
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
}

// DockerDriver runs each command in a fresh container removed on exit.
type DockerDriver struct {
	Image       string
	Container   string
	Network     string
	Hostname    string
	Workdir     string
	Devices     []string
	Mounts      []Mount
	Interactive bool
	TTY         bool
	Executor    Executor
	Logger      zerolog.Logger

	api     dockerAPI
	started bool
}

// NewDockerDriver names the container after the job so leftovers can be
// traced back to it.
func NewDockerDriver(image, jobID string, executor Executor) *DockerDriver {
	return &DockerDriver{
		Image:     image,
		Container: fmt.Sprintf("lava-docker-%s-%s", jobID, uuid.NewString()[:8]),
		Executor:  executor,
		Logger:    zerolog.Nop(),
	}
}

func (d *DockerDriver) Name() string { return "docker" }

// Command builds the docker run command line for argv.
func (d *DockerDriver) Command(argv ...string) []string {
	cmd := []string{"docker", "run", "--rm", "--init"}
	if d.Interactive {
		cmd = append(cmd, "--interactive")
	}
	if d.TTY {
		cmd = append(cmd, "--tty")
	}
	cmd = append(cmd, "--name="+d.Container)
	if d.Network != "" {
		cmd = append(cmd, "--network="+d.Network)
	}
	if d.Hostname != "" {
		cmd = append(cmd, "--hostname="+d.Hostname)
	}
	if d.Workdir != "" {
		cmd = append(cmd, "--workdir="+d.Workdir)
	}
	for _, dev := range d.Devices {
		cmd = append(cmd, "--device="+dev)
	}
	for _, m := range d.Mounts {
		opt := []string{"type=bind", "source=" + m.Source, "destination=" + m.Destination}
		if m.ReadOnly {
			opt = append(opt, "readonly=true")
		}
		cmd = append(cmd, "--mount="+strings.Join(opt, ","))
	}
	cmd = append(cmd, d.Image)
	return append(cmd, argv...)
}

func (d *DockerDriver) Run(ctx context.Context, argv ...string) (string, error) {
	d.RemoveStale(ctx)
	d.started = true
	return d.Executor.Run(ctx, d.Command(argv...))
}

// Pull fetches the image unless it is local.
func (d *DockerDriver) Pull(ctx context.Context) error {
	_, err := d.Executor.Run(ctx, []string{"docker", "pull", d.Image})
	return err
}

// Started marks the container as possibly running, for callers that
// spawn the command line themselves.
func (d *DockerDriver) Started() {
	d.started = true
}

// RemoveStale frees the container name when an earlier command used it.
// A killed docker client leaves its --rm container running, which would
// make the next run fail on the name.
func (d *DockerDriver) RemoveStale(ctx context.Context) {
	if !d.started {
		return
	}
	if err := d.Cleanup(ctx); err != nil {
		d.Logger.Warn().Err(err).Str("container", d.Container).Msg("stale container not removed")
	}
}

// Cleanup force removes the container through the Engine API, falling
// back to the docker command line when the daemon socket is unusable.
func (d *DockerDriver) Cleanup(ctx context.Context) error {
	if !d.started {
		return nil
	}
	api := d.api
	if api == nil {
		c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			d.Logger.Warn().Err(err).Msg("docker client unavailable, removing with the command line")
			return d.removeWithCLI(ctx)
		}
		defer c.Close()
		api = c
	}
	err := api.ContainerRemove(ctx, d.Container, types.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("err removing container %s: %w", d.Container, err)
	}
	d.started = false
	return nil
}

func (d *DockerDriver) removeWithCLI(ctx context.Context) error {
	out, err := d.Executor.Run(ctx, []string{"docker", "rm", "--force", d.Container})
	if err != nil && !strings.Contains(out, "No such container") {
		return err
	}
	d.started = false
	return nil
}
