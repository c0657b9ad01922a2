package boot

import (
	"context"
	"path"
	"time"

	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/connection"
	"github.com/haatos/simple-lava/internal/container"
	"github.com/haatos/simple-lava/internal/deploy"
)

// DefaultShell is started in containers and over adb.
const DefaultShell = "/bin/sh"

// spawnShell opens a shell session over a spawned command and makes it
// the connection of the namespace.
func spawnShell(b *action.BaseAction, argv []string, name string, tags ...string) (connection.Connection, error) {
	transport, err := b.Job().Spawn(argv, nil)
	if err != nil {
		return nil, action.NewInfrastructureError("%s: %v", b.Name(), err)
	}
	conn := connection.NewShellSession(
		name,
		transport,
		connection.WithLogger(b.Logger),
		connection.WithTags(tags...),
		connection.WithTimeout(b.ConnectionTimeout.Duration),
	)
	b.NamespaceState().Connection = conn
	return conn, nil
}

// ConnectSSH opens an interactive shell on the device over SSH.
type ConnectSSH struct {
	*action.BaseAction
}

func NewConnectSSH() *ConnectSSH {
	return &ConnectSSH{BaseAction: action.NewBaseAction(
		"login-ssh",
		"connect to the device using ssh",
		"ssh connection",
	)}
}

func (a *ConnectSSH) Validate() error {
	dev := a.Job().Device
	if dev == nil || (dev.SSH.Host == "" && a.Parameters().String("host") == "") {
		a.AddError("%s: no ssh host in the device dictionary or the boot parameters", a.Name())
	}
	return a.BaseAction.Validate()
}

func (a *ConnectSSH) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	client, err := connection.NewDeviceSSHClient(a.Job().Device.SSH, a.Parameters().String("host"))
	if err != nil {
		return conn, action.NewJobError("%s: %v", a.Name(), err)
	}
	shell, err := client.Shell(ctx)
	if err != nil {
		_ = client.Close()
		return conn, action.NewInfrastructureError("%s: %v", a.Name(), err)
	}
	next := connection.NewShellSession(
		client.Host(),
		shell,
		connection.WithLogger(a.Logger),
		connection.WithTags("ssh"),
		connection.WithTimeout(a.ConnectionTimeout.Duration),
	)
	a.NamespaceState().Connection = next
	a.Data["host"] = client.Host()
	return next, nil
}

// CallDocker starts the deployed image with the overlay bind mounted
// and attaches to a shell in it.
type CallDocker struct {
	*action.BaseAction
	driver *container.DockerDriver
}

func NewCallDocker() *CallDocker {
	return &CallDocker{BaseAction: action.NewBaseAction(
		"docker-run",
		"call docker run on the image",
		"call docker run",
	)}
}

// Command is the docker command line of the container shell.
func (a *CallDocker) Command() []string {
	ns := a.NamespaceState()
	image := a.Parameters().String("image")
	if v, ok := ns.Get(deploy.DockerImageKey); ok {
		image = v.(string)
	}
	a.driver = container.NewDockerDriver(image, a.Job().ID, a.Job().Executor)
	a.driver.Logger = a.Logger
	a.driver.Interactive = true
	a.driver.TTY = true
	a.driver.Hostname = a.Parameters().String("hostname")
	if ns.OverlayDir != "" {
		a.driver.Mounts = append(a.driver.Mounts, container.Mount{
			Source:      ns.OverlayDir,
			Destination: ns.TestDir,
		})
	}
	return a.driver.Command(a.Parameters().StringOr("shell", DefaultShell))
}

func (a *CallDocker) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	argv := a.Command()
	next, err := spawnShell(a.BaseAction, argv, a.driver.Container, "docker")
	if err != nil {
		return conn, err
	}
	a.driver.Started()
	a.Data["container"] = a.driver.Container
	return next, nil
}

func (a *CallDocker) Cleanup(ctx context.Context, conn connection.Connection) error {
	if a.driver == nil {
		return nil
	}
	return a.driver.Cleanup(ctx)
}

// ConnectLxc attaches to the container created by the lxc deploy.
type ConnectLxc struct {
	*action.BaseAction
}

func NewConnectLxc() *ConnectLxc {
	return &ConnectLxc{BaseAction: action.NewBaseAction(
		"connect-lxc",
		"connect to the lxc container",
		"run connection command",
	)}
}

func (a *ConnectLxc) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	v, ok := a.NamespaceState().Get(deploy.LxcContainerKey)
	if !ok {
		return conn, action.NewJobError("%s: no lxc container was deployed in namespace %s", a.Name(), a.Namespace())
	}
	d := container.NewLxcDriver(v.(string), a.Job().Executor)
	argv := d.Command(a.Parameters().StringOr("shell", DefaultShell))
	return spawnShell(a.BaseAction, argv, d.Container, "lxc")
}

// FastbootReboot boots the flashed images and waits for adb.
type FastbootReboot struct {
	*action.BaseAction
	driver container.Driver
}

func NewFastbootReboot() *FastbootReboot {
	return &FastbootReboot{BaseAction: action.NewBaseAction(
		"fastboot-reboot",
		"reboot the device out of fastboot",
		"fastboot reboot",
	)}
}

func (a *FastbootReboot) Validate() error {
	dev := a.Job().Device
	if dev == nil || dev.FastbootSerial == "" || dev.ADBSerial == "" {
		a.AddError("%s: device needs adb and fastboot serial numbers", a.Name())
	}
	return a.BaseAction.Validate()
}

func (a *FastbootReboot) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	dev := a.Job().Device
	a.driver = deploy.ToolDriver(a.BaseAction)
	if _, err := a.driver.Run(ctx, "fastboot", "-s", dev.FastbootSerial, "reboot"); err != nil {
		return conn, action.NewInfrastructureError("%s: %v", a.Name(), err)
	}
	if _, err := a.driver.Run(ctx, "adb", "-s", dev.ADBSerial, "wait-for-device"); err != nil {
		return conn, action.NewInfrastructureError("%s: device did not come back: %v", a.Name(), err)
	}
	ns := a.NamespaceState()
	if ns.OverlayDir != "" {
		dest := path.Dir(ns.TestDir)
		if _, err := a.driver.Run(ctx, "adb", "-s", dev.ADBSerial, "push", ns.OverlayDir, dest); err != nil {
			return conn, action.NewInfrastructureError("%s: err pushing the overlay: %v", a.Name(), err)
		}
	}
	return conn, nil
}

func (a *FastbootReboot) Cleanup(ctx context.Context, conn connection.Connection) error {
	if a.driver == nil {
		return nil
	}
	return a.driver.Cleanup(ctx)
}

// ConnectAdb opens "adb shell" on the device.
type ConnectAdb struct {
	*action.BaseAction
	driver container.Driver
}

func NewConnectAdb() *ConnectAdb {
	return &ConnectAdb{BaseAction: action.NewBaseAction(
		"connect-adb",
		"connect to the device with adb shell",
		"run adb shell",
	)}
}

func (a *ConnectAdb) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	serial := a.Job().Device.ADBSerial
	a.driver = deploy.ToolDriver(a.BaseAction)
	if dd, ok := a.driver.(*container.DockerDriver); ok {
		dd.Interactive = true
		dd.TTY = true
		dd.RemoveStale(ctx)
		dd.Started()
	}
	argv := a.driver.Command("adb", "-s", serial, "shell")
	return spawnShell(a.BaseAction, argv, serial, "adb")
}

func (a *ConnectAdb) Cleanup(ctx context.Context, conn connection.Connection) error {
	if a.driver == nil {
		return nil
	}
	return a.driver.Cleanup(ctx)
}

// UefiMenuSelector walks the firmware menu by item text and hands the
// console over to a shell session.
type UefiMenuSelector struct {
	*action.BaseAction
}

func NewUefiMenuSelector() *UefiMenuSelector {
	return &UefiMenuSelector{BaseAction: action.NewBaseAction(
		"uefi-menu-selector",
		"select specified uefi menu items",
		"select options in the uefi menu",
	)}
}

// items returns the menu items for the stanza commands.
func (a *UefiMenuSelector) items() ([]string, action.Parameters) {
	dev := a.Job().Device
	if dev == nil {
		return nil, nil
	}
	method := action.Parameters(dev.BootMethod("uefi-menu"))
	commands := method.Map(a.Parameters().String("commands"))
	return commands.Strings("items"), method.Map("parameters")
}

func (a *UefiMenuSelector) Validate() error {
	if items, _ := a.items(); len(items) == 0 {
		a.AddError("%s: no menu items for commands %q", a.Name(), a.Parameters().String("commands"))
	}
	return a.BaseAction.Validate()
}

func (a *UefiMenuSelector) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	menu, ok := conn.(*connection.MenuSession)
	if !ok {
		return conn, action.NewDefectError("%s: connection is not a menu session", a.Name())
	}
	items, params := a.items()
	markup := params.Strings("item_markup")
	if len(markup) != 2 {
		markup = []string{"[", "]"}
	}
	timeout := action.RemainingTime(a.ConnectionTimeout.Duration, maxEndTime)
	for _, item := range items {
		selector, err := menu.Select(ctx, connection.MenuItemPattern(markup[0], markup[1], item), timeout)
		if err != nil {
			return conn, action.NewJobError("%s: menu item %q: %v", a.Name(), item, err)
		}
		a.Logger.Debug().Str("item", item).Str("selector", selector).Msg("menu item selected")
	}
	shell := menu.Shell()
	a.NamespaceState().Connection = shell
	return shell, nil
}
