package testshell

import (
	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/device"
	"github.com/haatos/simple-lava/internal/strategy"
)

// Register adds the test strategies to r.
func Register(r *strategy.Registry) {
	r.MustRegister(strategy.SectionTest, strategy.Strategy{
		Name:     "lava-test-shell",
		Priority: 1,
		Accepts:  requires("definitions"),
		New: func(action.Parameters) action.Action {
			return NewTestShellRetry()
		},
	})
	r.MustRegister(strategy.SectionTest, strategy.Strategy{
		Name:     "lava-test-monitor",
		Priority: 2,
		Accepts:  requires("monitors"),
		New: func(action.Parameters) action.Action {
			return NewTestMonitorRetry()
		},
	})
	r.MustRegister(strategy.SectionTest, strategy.Strategy{
		Name:          "lava-test-interactive",
		Priority:      3,
		Compatibility: 1,
		Accepts:       requires("interactive"),
		New: func(action.Parameters) action.Action {
			return NewTestInteractiveRetry()
		},
	})
}

func requires(key string) func(*device.Device, action.Parameters) (bool, string) {
	return func(_ *device.Device, params action.Parameters) (bool, string) {
		if !params.Has(key) {
			return false, "'" + key + "' not in the test parameters"
		}
		return true, ""
	}
}
