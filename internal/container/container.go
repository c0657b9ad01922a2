// Package container runs device tools on the host, inside an lxc
// container or in a throwaway docker container.
package container

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"
)

// Driver wraps the command lines of device tools.
type Driver interface {
	Name() string
	// Command returns argv as it must be executed on the host.
	Command(argv ...string) []string
	Run(ctx context.Context, argv ...string) (string, error)
	// Cleanup releases whatever the driver started. It runs even when
	// Run failed.
	Cleanup(ctx context.Context) error
}

// Executor runs a host command line.
type Executor interface {
	Run(ctx context.Context, argv []string) (string, error)
}

// HostExecutor runs commands with os/exec and returns combined output.
type HostExecutor struct {
	Logger zerolog.Logger
}

func (e HostExecutor) Run(ctx context.Context, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command line")
	}
	e.Logger.Debug().Str("command", shellescape.QuoteCommand(argv)).Msg("running host command")
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf(
			"err running '%s': %w (output: %s)",
			shellescape.QuoteCommand(argv),
			err,
			strings.TrimSpace(out.String()),
		)
	}
	return out.String(), nil
}

// NullDriver runs commands directly on the host.
type NullDriver struct {
	Executor Executor
}

func NewNullDriver(executor Executor) *NullDriver {
	return &NullDriver{Executor: executor}
}

func (d *NullDriver) Name() string { return "null" }

func (d *NullDriver) Command(argv ...string) []string {
	return argv
}

func (d *NullDriver) Run(ctx context.Context, argv ...string) (string, error) {
	return d.Executor.Run(ctx, d.Command(argv...))
}

func (d *NullDriver) Cleanup(context.Context) error {
	return nil
}

// LxcDriver runs commands inside an existing lxc container.
type LxcDriver struct {
	Container string
	Executor  Executor
}

func NewLxcDriver(name string, executor Executor) *LxcDriver {
	return &LxcDriver{Container: name, Executor: executor}
}

func (d *LxcDriver) Name() string { return "lxc" }

func (d *LxcDriver) Prefix() []string {
	return []string{"lxc-attach", "-n", d.Container, "--"}
}

func (d *LxcDriver) Command(argv ...string) []string {
	return append(d.Prefix(), argv...)
}

func (d *LxcDriver) Run(ctx context.Context, argv ...string) (string, error) {
	return d.Executor.Run(ctx, d.Command(argv...))
}

// Cleanup leaves the container alone: its lifetime belongs to the lxc
// deploy and boot actions.
func (d *LxcDriver) Cleanup(context.Context) error {
	return nil
}

// ForImage returns a docker driver when image is set and runs on the
// host otherwise.
func ForImage(image, jobID string, executor Executor, logger zerolog.Logger) Driver {
	if image == "" {
		return NewNullDriver(executor)
	}
	d := NewDockerDriver(image, jobID, executor)
	d.Logger = logger
	return d
}
