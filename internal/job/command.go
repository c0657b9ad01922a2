package job

import (
	"context"
	"strings"
	"time"

	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/connection"
	"github.com/haatos/simple-lava/internal/device"
	"github.com/haatos/simple-lava/internal/strategy"
)

// CommandAction runs a named user command of the device dictionary on
// the dispatcher host and its undo command at cleanup.
type CommandAction struct {
	*action.BaseAction
	ran bool
}

func NewCommandAction() *CommandAction {
	return &CommandAction{BaseAction: action.NewBaseAction(
		"user-command",
		"run a device user command",
		"execute user command",
	)}
}

func (a *CommandAction) command() (device.UserCommand, bool) {
	dev := a.Job().Device
	if dev == nil {
		return device.UserCommand{}, false
	}
	cmd, ok := dev.Commands.Users[a.Parameters().String("name")]
	return cmd, ok
}

func (a *CommandAction) Validate() error {
	name := a.Parameters().String("name")
	if name == "" {
		a.AddError("%s: command name is required", a.Name())
	} else if cmd, ok := a.command(); !ok || cmd.Do == "" {
		a.AddError("%s: unknown user command %q", a.Name(), name)
	}
	return a.BaseAction.Validate()
}

func (a *CommandAction) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	cmd, _ := a.command()
	out, err := a.Job().Executor.Run(ctx, []string{"/bin/sh", "-c", cmd.Do})
	a.ran = true
	if err != nil {
		return conn, action.NewInfrastructureError("%s: %q failed: %v", a.Name(), cmd.Do, err)
	}
	if out = strings.TrimSpace(out); out != "" {
		a.Logger.Info().Str("command", cmd.Do).Msg(out)
	}
	return conn, nil
}

func (a *CommandAction) Cleanup(ctx context.Context, conn connection.Connection) error {
	cmd, ok := a.command()
	if !a.ran || !ok || cmd.Undo == "" {
		return nil
	}
	if _, err := a.Job().Executor.Run(ctx, []string{"/bin/sh", "-c", cmd.Undo}); err != nil {
		return action.NewInfrastructureError("%s: %q failed: %v", a.Name(), cmd.Undo, err)
	}
	return nil
}

func registerCommand(r *strategy.Registry) {
	r.MustRegister(strategy.SectionCommand, strategy.Strategy{
		Name:     "user-command",
		Priority: 1,
		Accepts: func(_ *device.Device, params action.Parameters) (bool, string) {
			if !params.Has("name") {
				return false, "'name' not in the command parameters"
			}
			return true, ""
		},
		New: func(action.Parameters) action.Action {
			return NewCommandAction()
		},
	})
}
