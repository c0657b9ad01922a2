package deploy

import (
	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/device"
	"github.com/haatos/simple-lava/internal/strategy"
)

// Register adds the deploy strategies to r.
func Register(r *strategy.Registry) {
	r.MustRegister(strategy.SectionDeploy, strategy.Strategy{
		Name:     "null",
		Priority: 1,
		Accepts:  acceptsTo("null", false),
		New:      deployRetry("null-deploy", "deploy nothing but the test overlay", nullPipeline),
	})
	r.MustRegister(strategy.SectionDeploy, strategy.Strategy{
		Name:     "overlay",
		Priority: 2,
		Accepts:  acceptsTo("overlay", false),
		New:      deployRetry("overlay-deploy", "prepare and compress the test overlay", overlayPipeline),
	})
	r.MustRegister(strategy.SectionDeploy, strategy.Strategy{
		Name:     "ssh",
		Priority: 3,
		Accepts:  acceptsTo("ssh", true),
		New:      deployRetry("scp-deploy", "copy the test overlay to the device over ssh", sshPipeline),
	})
	r.MustRegister(strategy.SectionDeploy, strategy.Strategy{
		Name:     "docker",
		Priority: 4,
		Accepts:  acceptsTo("docker", true),
		New:      deployRetry("docker-deploy", "prepare a docker image and the test overlay", dockerPipeline),
	})
	r.MustRegister(strategy.SectionDeploy, strategy.Strategy{
		Name:     "lxc",
		Priority: 5,
		Accepts:  acceptsTo("lxc", true),
		New:      deployRetry("lxc-deploy", "create an lxc container and apply the test overlay", lxcPipeline),
	})
	r.MustRegister(strategy.SectionDeploy, strategy.Strategy{
		Name:          "fastboot",
		Priority:      6,
		Compatibility: 1,
		Accepts:       acceptsTo("fastboot", true),
		New:           deployRetry("fastboot-deploy", "download and flash images with fastboot", fastbootPipeline),
	})
}

func acceptsTo(to string, needsDevice bool) func(*device.Device, action.Parameters) (bool, string) {
	return func(dev *device.Device, params action.Parameters) (bool, string) {
		if params.String("to") != to {
			return false, "'to' is not " + to
		}
		if needsDevice && (dev == nil || !dev.HasDeployMethod(to)) {
			return false, "device does not support deploy to " + to
		}
		return true, ""
	}
}

func deployRetry(name, description string, build action.BuildFunc) func(action.Parameters) action.Action {
	return func(action.Parameters) action.Action {
		return action.NewRetryAction(name, description, "deploy with retry", build)
	}
}

func nullPipeline(p *action.Pipeline, params action.Parameters) {
	p.Add(NewOverlayAction(), params)
}

func overlayPipeline(p *action.Pipeline, params action.Parameters) {
	p.Add(NewOverlayAction(), params)
	p.Add(NewCompressOverlayAction(), params)
}

func sshPipeline(p *action.Pipeline, params action.Parameters) {
	p.Add(NewOverlayAction(), params)
	p.Add(NewCompressOverlayAction(), params)
	p.Add(NewScpOverlayAction(), params)
}

func dockerPipeline(p *action.Pipeline, params action.Parameters) {
	p.Add(NewDockerPullAction(), params)
	p.Add(NewOverlayAction(), params)
}

func lxcPipeline(p *action.Pipeline, params action.Parameters) {
	p.Add(NewLxcCreateAction(), params)
	p.Add(NewOverlayAction(), params)
	p.Add(NewCompressOverlayAction(), params)
	p.Add(NewLxcApplyOverlayAction(), params)
}

func fastbootPipeline(p *action.Pipeline, params action.Parameters) {
	p.Add(NewDownloadAction("images"), params)
	p.Add(NewOverlayAction(), params)
	p.Add(NewCompressOverlayAction(), params)
	p.Add(NewEnterFastbootAction(), params)
	p.Add(NewFastbootFlashAction(), params)
}
