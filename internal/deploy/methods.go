package deploy

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"

	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/connection"
	"github.com/haatos/simple-lava/internal/container"
)

// Keys of the namespace data shared with the boot actions.
var (
	DockerImageKey  = action.Key{Action: "deploy-docker", Label: "image", Key: "name"}
	LxcContainerKey = action.Key{Action: "deploy-lxc", Label: "lxc", Key: "name"}
)

const lxcRootfs = "/var/lib/lxc/%s/rootfs"

// ScpOverlayAction uploads the compressed overlay over SFTP and unpacks
// it in the root of the device.
type ScpOverlayAction struct {
	*action.BaseAction
}

func NewScpOverlayAction() *ScpOverlayAction {
	return &ScpOverlayAction{BaseAction: action.NewBaseAction(
		"scp-overlay",
		"copy the overlay to the device over ssh",
		"copy overlay to device",
	)}
}

func (a *ScpOverlayAction) Validate() error {
	dev := a.Job().Device
	if dev == nil || (dev.SSH.Host == "" && a.Parameters().String("host") == "") {
		a.AddError("%s: no ssh host in the device dictionary or the deploy parameters", a.Name())
	}
	return a.BaseAction.Validate()
}

func (a *ScpOverlayAction) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	ns := a.NamespaceState()
	if ns.OverlayTarball == "" {
		return conn, action.NewDefectError("%s: overlay was not compressed", a.Name())
	}
	client, err := connection.NewDeviceSSHClient(a.Job().Device.SSH, a.Parameters().String("host"))
	if err != nil {
		return conn, action.NewJobError("%v", err)
	}
	defer client.Close()

	remote := path.Join("/tmp", filepath.Base(ns.OverlayTarball))
	if err := a.upload(ctx, client, ns.OverlayTarball, remote); err != nil {
		return conn, err
	}
	cmd := shellescape.QuoteCommand([]string{"tar", "-C", "/", "-xzf", remote}) +
		" && " + shellescape.QuoteCommand([]string{"rm", "-f", remote})
	_, stderr, err := client.RunCommand(ctx, cmd, action.RemainingTime(a.Timeout.Duration, maxEndTime))
	if err != nil {
		return conn, action.NewInfrastructureError("err unpacking overlay on %s: %v (%s)", client.Host(), err, strings.TrimSpace(stderr))
	}
	a.Data["remote"] = remote
	a.Logger.Info().Str("host", client.Host()).Str("overlay", remote).Msg("overlay unpacked")
	return conn, nil
}

func (a *ScpOverlayAction) upload(ctx context.Context, client *connection.SSHClient, local, remote string) error {
	sc, err := client.SFTP(ctx)
	if err != nil {
		return action.NewInfrastructureError("err opening sftp to %s: %v", client.Host(), err)
	}
	defer sc.Close()

	src, err := os.Open(local)
	if err != nil {
		return action.NewInfrastructureError("err opening %s: %v", local, err)
	}
	defer src.Close()
	dst, err := sc.Create(remote)
	if err != nil {
		return action.NewInfrastructureError("err creating %s on %s: %v", remote, client.Host(), err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return action.NewInfrastructureError("err uploading overlay: %v", err)
	}
	return nil
}

// DockerPullAction makes the image of the stanza available locally.
type DockerPullAction struct {
	*action.BaseAction
}

func NewDockerPullAction() *DockerPullAction {
	return &DockerPullAction{BaseAction: action.NewBaseAction(
		"deploy-docker",
		"deploy a docker image",
		"deploy docker",
	)}
}

// image reads "image" as a name or as a {name, local} mapping.
func (a *DockerPullAction) image() (string, bool) {
	params := a.Parameters()
	if m := params.Map("image"); m != nil {
		return m.String("name"), m.Bool("local")
	}
	return params.String("image"), false
}

func (a *DockerPullAction) Validate() error {
	if name, _ := a.image(); name == "" {
		a.AddError("%s: no docker image given", a.Name())
	}
	return a.BaseAction.Validate()
}

func (a *DockerPullAction) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	name, local := a.image()
	exec := a.Job().Executor
	if local {
		if _, err := exec.Run(ctx, []string{"docker", "image", "inspect", name}); err != nil {
			return conn, action.NewJobError("local docker image %s not found: %v", name, err)
		}
	} else {
		d := container.NewDockerDriver(name, a.Job().ID, exec)
		if err := d.Pull(ctx); err != nil {
			return conn, action.NewInfrastructureError("err pulling %s: %v", name, err)
		}
	}
	a.NamespaceState().Set(DockerImageKey, name)
	a.Data["image"] = name
	return conn, nil
}

// LxcCreateAction creates and starts the lxc container of the stanza.
// The container is destroyed on cleanup unless persist is set.
type LxcCreateAction struct {
	*action.BaseAction
	created string
}

func NewLxcCreateAction() *LxcCreateAction {
	return &LxcCreateAction{BaseAction: action.NewBaseAction(
		"lxc-create-action",
		"create lxc container",
		"create lxc",
	)}
}

func (a *LxcCreateAction) Validate() error {
	if a.Parameters().String("name") == "" {
		a.AddError("%s: lxc container name is missing", a.Name())
	}
	return a.BaseAction.Validate()
}

// CreateCommand is the lxc-create command line for the stanza.
func (a *LxcCreateAction) CreateCommand() []string {
	params := a.Parameters()
	cmd := []string{
		"lxc-create", "-q",
		"-t", params.StringOr("template", "download"),
		"-n", params.String("name"),
		"--",
	}
	for _, opt := range []string{"dist", "release", "arch"} {
		if v := params.String(opt); v != "" {
			cmd = append(cmd, "--"+opt, v)
		}
	}
	return cmd
}

func (a *LxcCreateAction) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	name := a.Parameters().String("name")
	exec := a.Job().Executor
	if _, err := exec.Run(ctx, a.CreateCommand()); err != nil {
		return conn, action.NewInfrastructureError("err creating lxc %s: %v", name, err)
	}
	a.created = name
	if _, err := exec.Run(ctx, []string{"lxc-start", "-n", name, "-d"}); err != nil {
		return conn, action.NewInfrastructureError("err starting lxc %s: %v", name, err)
	}
	a.NamespaceState().Set(LxcContainerKey, name)
	a.Data["container"] = name
	return conn, nil
}

func (a *LxcCreateAction) Cleanup(ctx context.Context, conn connection.Connection) error {
	if a.created == "" || a.Parameters().Bool("persist") {
		return nil
	}
	name := a.created
	exec := a.Job().Executor
	if _, err := exec.Run(ctx, []string{"lxc-stop", "-k", "-n", name}); err != nil {
		a.Logger.Warn().Err(err).Msg("err stopping lxc")
	}
	if _, err := exec.Run(ctx, []string{"lxc-destroy", "-f", "-n", name}); err != nil {
		return action.NewInfrastructureError("err destroying lxc %s: %v", name, err)
	}
	a.created = ""
	return nil
}

// LxcApplyOverlayAction unpacks the overlay into the container rootfs.
type LxcApplyOverlayAction struct {
	*action.BaseAction
}

func NewLxcApplyOverlayAction() *LxcApplyOverlayAction {
	return &LxcApplyOverlayAction{BaseAction: action.NewBaseAction(
		"apply-lxc-overlay",
		"apply the overlay to the container",
		"apply overlay on the container",
	)}
}

func (a *LxcApplyOverlayAction) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	ns := a.NamespaceState()
	v, ok := ns.Get(LxcContainerKey)
	if !ok || ns.OverlayTarball == "" {
		return conn, action.NewDefectError("%s: container or overlay missing", a.Name())
	}
	rootfs := fmt.Sprintf(lxcRootfs, v)
	if _, err := a.Job().Executor.Run(ctx, []string{"tar", "-C", rootfs, "-xzf", ns.OverlayTarball}); err != nil {
		return conn, action.NewInfrastructureError("err unpacking overlay into %s: %v", rootfs, err)
	}
	return conn, nil
}

// EnterFastbootAction reboots an android device into its bootloader.
type EnterFastbootAction struct {
	*action.BaseAction
	driver container.Driver
}

func NewEnterFastbootAction() *EnterFastbootAction {
	return &EnterFastbootAction{BaseAction: action.NewBaseAction(
		"enter-fastboot-action",
		"enter fastboot bootloader",
		"enter fastboot",
	)}
}

func (a *EnterFastbootAction) Validate() error {
	if dev := a.Job().Device; dev == nil || dev.ADBSerial == "" {
		a.AddError("%s: device has no adb serial number", a.Name())
	}
	return a.BaseAction.Validate()
}

func (a *EnterFastbootAction) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	a.driver = ToolDriver(a.BaseAction)
	serial := a.Job().Device.ADBSerial
	if _, err := a.driver.Run(ctx, "adb", "-s", serial, "wait-for-device"); err != nil {
		return conn, action.NewInfrastructureError("err waiting for %s: %v", serial, err)
	}
	if _, err := a.driver.Run(ctx, "adb", "-s", serial, "reboot", "bootloader"); err != nil {
		return conn, action.NewInfrastructureError("err rebooting %s into the bootloader: %v", serial, err)
	}
	return conn, nil
}

func (a *EnterFastbootAction) Cleanup(ctx context.Context, conn connection.Connection) error {
	if a.driver == nil {
		return nil
	}
	return a.driver.Cleanup(ctx)
}

// FastbootFlashAction flashes every downloaded image to the partition
// of the same name.
type FastbootFlashAction struct {
	*action.BaseAction
	driver container.Driver
}

func NewFastbootFlashAction() *FastbootFlashAction {
	return &FastbootFlashAction{BaseAction: action.NewBaseAction(
		"fastboot-flash-action",
		"flash images with fastboot",
		"fastboot flash",
	)}
}

func (a *FastbootFlashAction) Validate() error {
	if dev := a.Job().Device; dev == nil || dev.FastbootSerial == "" {
		a.AddError("%s: device has no fastboot serial number", a.Name())
	}
	if len(a.Parameters().Map("images")) == 0 {
		a.AddError("%s: no images to flash", a.Name())
	}
	return a.BaseAction.Validate()
}

// flashOrder follows the device flash_order and then the remaining
// images by name.
func (a *FastbootFlashAction) flashOrder() []string {
	images := a.Parameters().Map("images")
	var order []string
	seen := make(map[string]bool)
	if dev := a.Job().Device; dev != nil {
		method := action.Parameters(dev.DeployMethod("fastboot"))
		for _, name := range method.Strings("flash_order") {
			if images.Has(name) && !seen[name] {
				order = append(order, name)
				seen[name] = true
			}
		}
	}
	var rest []string
	for name := range images {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

// FlashCommand is the fastboot command line for one partition.
func (a *FastbootFlashAction) FlashCommand(partition, image string) []string {
	dev := a.Job().Device
	cmd := []string{"fastboot", "-s", dev.FastbootSerial}
	cmd = append(cmd, dev.FastbootOptions...)
	return append(cmd, "flash", partition, image)
}

func (a *FastbootFlashAction) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	ns := a.NamespaceState()
	a.driver = ToolDriver(a.BaseAction)
	for _, partition := range a.flashOrder() {
		image, ok := ns.Downloads[partition]
		if !ok {
			return conn, action.NewDefectError("%s: image %s was not downloaded", a.Name(), partition)
		}
		start := time.Now()
		if _, err := a.driver.Run(ctx, a.FlashCommand(partition, image)...); err != nil {
			return conn, action.NewInfrastructureError("err flashing %s: %v", partition, err)
		}
		a.Logger.Info().
			Str("partition", partition).
			Str("duration", action.FormatDuration(time.Since(start))).
			Msg("flashed")
	}
	return conn, nil
}

func (a *FastbootFlashAction) Cleanup(ctx context.Context, conn connection.Connection) error {
	if a.driver == nil {
		return nil
	}
	return a.driver.Cleanup(ctx)
}

// ToolDriver runs adb and fastboot inside the docker image of the
// stanza when one is given.
func ToolDriver(b *action.BaseAction) container.Driver {
	job := b.Job()
	docker := b.Parameters().Map("docker")
	d := container.ForImage(docker.String("image"), job.ID, job.Executor, b.Logger)
	if dd, ok := d.(*container.DockerDriver); ok {
		dd.Devices = docker.Strings("devices")
		dd.Network = "host"
	}
	return d
}
