// Package boot implements the boot strategies: bringing the device up
// and handing the test actions a shell connection.
package boot

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"

	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/connection"
	"github.com/haatos/simple-lava/internal/device"
)

const (
	// RebootFailedKey is the flag ResetDevice sets when the device could
	// not be rebooted gently.
	RebootFailedKey = "reboot-failed"
	// TriggerPromptTimeout fires when no shell prompt showed up.
	TriggerPromptTimeout = "prompt-timeout"
)

// hostCommand runs a device dictionary command line in a shell on the
// dispatcher host.
func hostCommand(ctx context.Context, b *action.BaseAction, cmd string) error {
	out, err := b.Job().Executor.Run(ctx, []string{"/bin/sh", "-c", cmd})
	if err != nil {
		return err
	}
	if out = strings.TrimSpace(out); out != "" {
		b.Logger.Debug().Str("command", cmd).Msg(out)
	}
	return nil
}

func runCommands(ctx context.Context, b *action.BaseAction, cmds device.CommandList) error {
	for _, cmd := range cmds {
		if err := hostCommand(ctx, b, cmd); err != nil {
			return err
		}
	}
	return nil
}

// ConnectDevice opens the primary console of the device with the
// connect command of the device dictionary.
type ConnectDevice struct {
	*action.BaseAction
	// Menu opens a menu session instead of a shell session.
	Menu bool
}

func NewConnectDevice() *ConnectDevice {
	return &ConnectDevice{BaseAction: action.NewBaseAction(
		"connect-device",
		"use the configured command to connect serial to the device",
		"run connection command",
	)}
}

func (a *ConnectDevice) Validate() error {
	dev := a.Job().Device
	if dev == nil {
		a.AddError("%s: no device dictionary", a.Name())
	} else if cmd, _ := dev.ConnectCommand(); cmd == "" {
		a.AddError("%s: unable to connect to the device, no connect command", a.Name())
	}
	return a.BaseAction.Validate()
}

func (a *ConnectDevice) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	ns := a.NamespaceState()
	if ns.Connection != nil && ns.Connection.Connected() {
		a.Logger.Debug().Str("connection", ns.Connection.Name()).Msg("already connected")
		return ns.Connection, nil
	}
	dev := a.Job().Device
	cmd, tags := dev.ConnectCommand()
	transport, err := a.Job().Spawn([]string{"/bin/sh", "-c", cmd}, nil)
	if err != nil {
		return conn, action.NewInfrastructureError("%s: %v", a.Name(), err)
	}
	opts := []connection.Option{
		connection.WithLogger(a.Logger),
		connection.WithTags(tags...),
		connection.WithTimeout(a.ConnectionTimeout.Duration),
	}
	var next connection.Connection
	if a.Menu {
		next = connection.NewMenuSession(dev.Hostname, transport, opts...)
	} else {
		next = connection.NewShellSession(dev.Hostname, transport, opts...)
	}
	if err := next.SetPromptStr(dev.Prompts()...); err != nil {
		return conn, action.NewJobError("%s: %v", a.Name(), err)
	}
	ns.Connection = next
	a.Data["connection"] = cmd
	a.Logger.Info().Str("command", cmd).Msg("connected to device")
	return next, nil
}

// ResetDevice reboots the device with the soft reboot commands. When
// there are none, or they fail, it leaves the power cycle to the
// pdu-reboot adjuvant.
type ResetDevice struct {
	*action.BaseAction
}

func NewResetDevice() *ResetDevice {
	return &ResetDevice{BaseAction: action.NewBaseAction(
		"reset-device",
		"reboot or power-cycle the device",
		"reboot the device",
	)}
}

func (a *ResetDevice) Validate() error {
	if a.Job().Device == nil {
		a.AddError("%s: no device dictionary", a.Name())
	}
	return a.BaseAction.Validate()
}

func (a *ResetDevice) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	dev := a.Job().Device
	if err := runCommands(ctx, a.BaseAction, dev.Commands.PrePower); err != nil {
		return conn, action.NewInfrastructureError("%s: pre power command failed: %v", a.Name(), err)
	}
	if len(dev.Commands.SoftReboot) == 0 {
		a.SetFlag(RebootFailedKey, true)
		return conn, nil
	}
	if err := runCommands(ctx, a.BaseAction, dev.Commands.SoftReboot); err != nil {
		a.Logger.Warn().Err(err).Msg("soft reboot failed")
		a.SetFlag(RebootFailedKey, true)
	}
	return conn, nil
}

// PowerCycle hard resets the device, falling back to power off and on.
type PowerCycle struct {
	*action.BaseAction
}

func NewPowerCycle() *PowerCycle {
	return &PowerCycle{BaseAction: action.NewBaseAction(
		"pdu-reboot",
		"issue commands to a PDU to power cycle a device",
		"hard reboot using PDU",
	)}
}

func (a *PowerCycle) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	dev := a.Job().Device
	if dev == nil {
		return conn, action.NewJobError("%s: no device dictionary", a.Name())
	}
	cmds := dev.Commands
	if len(cmds.HardReset) > 0 {
		if err := runCommands(ctx, a.BaseAction, cmds.HardReset); err != nil {
			return conn, action.NewInfrastructureError("%s: hard reset failed: %v", a.Name(), err)
		}
		return conn, nil
	}
	if len(cmds.PowerOff) == 0 && len(cmds.PowerOn) == 0 {
		a.Logger.Warn().Msg("device has no power control commands")
		return conn, nil
	}
	if err := runCommands(ctx, a.BaseAction, cmds.PowerOff); err != nil {
		return conn, action.NewInfrastructureError("%s: power off failed: %v", a.Name(), err)
	}
	if err := runCommands(ctx, a.BaseAction, cmds.PowerOn); err != nil {
		return conn, action.NewInfrastructureError("%s: power on failed: %v", a.Name(), err)
	}
	return conn, nil
}

// NewPDUReboot wraps PowerCycle in the adjuvant that only runs after a
// failed soft reboot.
func NewPDUReboot() *action.AdjuvantAction {
	return action.NewAdjuvantAction(
		"pdu-reboot-adjuvant",
		"power cycle the device when a soft reboot failed",
		"hard reboot when needed",
		RebootFailedKey,
		func(p *action.Pipeline, params action.Parameters) {
			p.Add(NewPowerCycle(), params)
		},
	)
}

// PowerOff runs the power off commands. It is a finalize step so it runs
// whatever happened to the job.
type PowerOff struct {
	*action.BaseAction
}

func NewPowerOff() *PowerOff {
	return &PowerOff{BaseAction: action.NewBaseAction(
		"power-off",
		"discontinue power to device",
		"send power_off command",
	)}
}

func (a *PowerOff) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	dev := a.Job().Device
	if dev == nil || len(dev.Commands.PowerOff) == 0 {
		return conn, nil
	}
	if err := runCommands(ctx, a.BaseAction, dev.Commands.PowerOff); err != nil {
		return conn, action.NewInfrastructureError("%s: %v", a.Name(), err)
	}
	return conn, nil
}

// AutoLogin answers the login and password prompts of the stanza.
type AutoLogin struct {
	*action.BaseAction
}

func NewAutoLogin() *AutoLogin {
	return &AutoLogin{BaseAction: action.NewBaseAction(
		"auto-login-action",
		"automatically login after boot using job parameters and checking for messages",
		"auto login",
	)}
}

func (a *AutoLogin) Validate() error {
	login := a.Parameters().Map("auto_login")
	if login.String("login_prompt") == "" {
		a.AddError("%s: login_prompt is required", a.Name())
	}
	if login.String("username") == "" {
		a.AddError("%s: username is required", a.Name())
	}
	if login.Has("password_prompt") != login.Has("password") {
		a.AddError("%s: password_prompt and password go together", a.Name())
	}
	return a.BaseAction.Validate()
}

func (a *AutoLogin) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	if conn == nil {
		return conn, action.NewJobError("%s: no connection available", a.Name())
	}
	login := a.Parameters().Map("auto_login")
	timeout := action.RemainingTime(a.Timeout.Duration, maxEndTime)
	steps := [][2]string{{login.String("login_prompt"), login.String("username")}}
	if login.Has("password_prompt") {
		steps = append(steps, [2]string{login.String("password_prompt"), login.String("password")})
	}
	for _, step := range steps {
		if _, err := conn.Expect(ctx, []*regexp.Regexp{connection.Quote(step[0])}, timeout); err != nil {
			return conn, action.NewJobError("%s: waiting for %q: %v", a.Name(), step[0], err)
		}
		if err := conn.Sendline(ctx, step[1], a.CharacterDelay); err != nil {
			return conn, action.NewConnectionClosedError("%s: %v", a.Name(), err)
		}
	}
	for _, cmd := range login.Strings("login_commands") {
		if err := conn.Sendline(ctx, cmd, a.CharacterDelay); err != nil {
			return conn, action.NewConnectionClosedError("%s: %v", a.Name(), err)
		}
	}
	return conn, nil
}

// ExpectShellSession waits for the shell prompt of the stanza or of the
// device dictionary.
type ExpectShellSession struct {
	*action.BaseAction
}

func NewExpectShellSession() *ExpectShellSession {
	return &ExpectShellSession{BaseAction: action.NewBaseAction(
		"expect-shell-connection",
		"wait for a shell",
		"expect a shell prompt",
	)}
}

func (a *ExpectShellSession) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	if conn == nil {
		return conn, action.NewJobError("%s: no connection available", a.Name())
	}
	prompts := a.Parameters().Strings("prompts")
	if len(prompts) == 0 && a.Job().Device != nil {
		prompts = a.Job().Device.Prompts()
	}
	if err := conn.SetPromptStr(prompts...); err != nil {
		return conn, action.NewJobError("%s: %v", a.Name(), err)
	}
	if _, err := a.Wait(ctx, conn, maxEndTime); err != nil {
		a.Trigger(TriggerPromptTimeout)
		return conn, err
	}
	a.Logger.Debug().Strs("prompts", prompts).Msg("shell prompt matched")
	return conn, nil
}

// ExportDeviceEnvironment exports the device and stanza environment in
// the shell and keeps it in the namespace for the overlay.
type ExportDeviceEnvironment struct {
	*action.BaseAction
}

func NewExportDeviceEnvironment() *ExportDeviceEnvironment {
	return &ExportDeviceEnvironment{BaseAction: action.NewBaseAction(
		"export-device-env",
		"export device environment variables",
		"exports environment variables",
	)}
}

func (a *ExportDeviceEnvironment) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	env := make(map[string]string)
	if dev := a.Job().Device; dev != nil {
		for k, v := range dev.Environment {
			env[k] = v
		}
	}
	stanza := a.Parameters().Map("environment")
	for k := range stanza {
		env[k] = stanza.String(k)
	}
	if len(env) == 0 {
		return conn, nil
	}
	if conn == nil {
		return conn, action.NewJobError("%s: no connection available", a.Name())
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ns := a.NamespaceState()
	for _, k := range keys {
		ns.Environment[k] = env[k]
		if err := conn.Sendline(ctx, "export "+k+"="+shellescape.Quote(env[k]), a.CharacterDelay); err != nil {
			return conn, action.NewConnectionClosedError("%s: %v", a.Name(), err)
		}
		if _, err := a.Wait(ctx, conn, maxEndTime); err != nil {
			return conn, err
		}
	}
	return conn, nil
}

// NewPromptDiagnostic pokes the console after a prompt timeout and logs
// whatever the device prints.
func NewPromptDiagnostic() *action.DiagnosticAction {
	return action.NewDiagnosticAction(
		"prompt-diagnostic",
		TriggerPromptTimeout,
		func(ctx context.Context, conn connection.Connection, d *action.DiagnosticAction) error {
			if conn == nil || !conn.Connected() {
				return nil
			}
			if err := conn.Sendline(ctx, conn.CheckChar(), 0); err != nil {
				return err
			}
			_, err := conn.Listen(ctx, 2*time.Second)
			return err
		},
	)
}
