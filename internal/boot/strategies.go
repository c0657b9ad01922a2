package boot

import (
	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/device"
	"github.com/haatos/simple-lava/internal/strategy"
)

// Register adds the boot strategies to r.
func Register(r *strategy.Registry) {
	r.MustRegister(strategy.SectionBoot, strategy.Strategy{
		Name:     "minimal",
		Priority: 1,
		Accepts:  acceptsMethod("minimal"),
		New:      bootRetry("minimal-boot", "connect and reset the device", minimalPipeline),
	})
	r.MustRegister(strategy.SectionBoot, strategy.Strategy{
		Name:     "ssh",
		Priority: 2,
		Accepts:  acceptsMethod("ssh"),
		New:      bootRetry("login-ssh-boot", "connect to the device over ssh", sshPipeline),
	})
	r.MustRegister(strategy.SectionBoot, strategy.Strategy{
		Name:     "docker",
		Priority: 3,
		Accepts:  acceptsMethod("docker"),
		New:      bootRetry("boot-docker", "start a shell in the docker image", dockerPipeline),
	})
	r.MustRegister(strategy.SectionBoot, strategy.Strategy{
		Name:     "lxc",
		Priority: 4,
		Accepts:  acceptsMethod("lxc"),
		New:      bootRetry("boot-lxc", "attach to the lxc container", lxcPipeline),
	})
	r.MustRegister(strategy.SectionBoot, strategy.Strategy{
		Name:          "fastboot",
		Priority:      5,
		Compatibility: 1,
		Accepts:       acceptsMethod("fastboot"),
		New:           bootRetry("boot-fastboot", "boot the flashed images and open adb shell", fastbootPipeline),
	})
	r.MustRegister(strategy.SectionBoot, strategy.Strategy{
		Name:     "uefi-menu",
		Priority: 6,
		Accepts:  acceptsMethod("uefi-menu"),
		New:      bootRetry("uefi-menu-action", "interrupt and drive the uefi menu", uefiMenuPipeline),
	})
}

func acceptsMethod(method string) func(*device.Device, action.Parameters) (bool, string) {
	return func(dev *device.Device, params action.Parameters) (bool, string) {
		if params.String("method") != method {
			return false, "'method' is not " + method
		}
		if dev == nil || !dev.HasBootMethod(method) {
			return false, "device does not support boot method " + method
		}
		return true, ""
	}
}

func bootRetry(name, description string, build action.BuildFunc) func(action.Parameters) action.Action {
	return func(action.Parameters) action.Action {
		return action.NewRetryAction(name, description, "boot with retry", build)
	}
}

// shellSteps wait for the shell and prepare it for the test actions.
func shellSteps(p *action.Pipeline, params action.Parameters) {
	if params.Has("auto_login") {
		p.Add(NewAutoLogin(), params)
	}
	p.Add(NewExpectShellSession(), params)
	p.Add(NewExportDeviceEnvironment(), params)
}

// resetSteps reboot the device unless the stanza sets reset to false.
func resetSteps(p *action.Pipeline, params action.Parameters) {
	if params.Has("reset") && !params.Bool("reset") {
		return
	}
	p.Add(NewResetDevice(), params)
	p.Add(NewPDUReboot(), params)
}

func minimalPipeline(p *action.Pipeline, params action.Parameters) {
	p.Add(NewConnectDevice(), params)
	resetSteps(p, params)
	shellSteps(p, params)
	p.Add(NewTransferOverlay(), params)
}

func sshPipeline(p *action.Pipeline, params action.Parameters) {
	p.Add(NewConnectSSH(), params)
	shellSteps(p, params)
}

func dockerPipeline(p *action.Pipeline, params action.Parameters) {
	p.Add(NewCallDocker(), params)
	shellSteps(p, params)
}

func lxcPipeline(p *action.Pipeline, params action.Parameters) {
	p.Add(NewConnectLxc(), params)
	shellSteps(p, params)
}

func fastbootPipeline(p *action.Pipeline, params action.Parameters) {
	p.Add(NewFastbootReboot(), params)
	p.Add(NewConnectAdb(), params)
	shellSteps(p, params)
}

func uefiMenuPipeline(p *action.Pipeline, params action.Parameters) {
	connect := NewConnectDevice()
	connect.Menu = true
	p.Add(connect, params)
	resetSteps(p, params)
	p.Add(NewUefiMenuSelector(), params)
	shellSteps(p, params)
	p.Add(NewTransferOverlay(), params)
}
