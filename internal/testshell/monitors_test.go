package testshell

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/connection"
	"github.com/haatos/simple-lava/internal/strategy"
	"github.com/haatos/simple-lava/testutil"
)

func TestTestMonitorAction_Run(t *testing.T) {
	t.Run("success - matches between start and end are recorded", func(t *testing.T) {
		// arrange
		job := action.NewJob("1", nil, action.Parameters{}, zerolog.Nop())
		a := NewTestMonitorAction()
		job.Pipeline().Add(a, action.Parameters{
			"monitors": []any{map[string]any{
				"name":      "kselftest",
				"start":     "BOOT TEST START",
				"end":       "BOOT TEST END",
				"pattern":   `(?P<test_case_id>\w+): (?P<result>\w+)`,
				"fixupdict": map[string]any{"PASS": "pass", "FAIL": "fail"},
			}},
		})
		require.NoError(t, job.Validate())
		tr := testutil.NewScriptedTransport("booting\nBOOT TEST START\nalpha: PASS\nbeta: FAIL\nBOOT TEST END\n")
		conn := connection.NewSimpleSession("serial", tr)
		defer conn.Finalise()

		// act
		_, err := a.Run(context.Background(), conn, time.Now().Add(time.Second))

		// assert
		require.NoError(t, err)
		results := job.Results()
		require.Len(t, results, 2)
		assert.Equal(t, "kselftest", results[0].Definition)
		assert.Equal(t, "alpha", results[0].Case)
		assert.Equal(t, "pass", results[0].Result)
		assert.Equal(t, "fail", results[1].Result)
	})

	t.Run("fail - invalid monitor definition", func(t *testing.T) {
		// arrange
		job := action.NewJob("1", nil, action.Parameters{}, zerolog.Nop())
		job.Pipeline().Add(NewTestMonitorAction(), action.Parameters{
			"monitors": []any{map[string]any{"name": "broken", "start": "a"}},
		})

		// act
		err := job.Validate()

		// assert
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "needs name, start and end")
	})
}

func TestTestInteractiveAction_Run(t *testing.T) {
	newInteractive := func(t *testing.T, script []any) (*action.Job, *TestInteractiveAction) {
		job := action.NewJob("1", nil, action.Parameters{}, zerolog.Nop())
		a := NewTestInteractiveAction()
		job.Pipeline().Add(a, action.Parameters{
			"interactive": []any{map[string]any{
				"name":    "uboot",
				"prompts": []any{"=> "},
				"script":  script,
			}},
		})
		require.NoError(t, job.Validate())
		return job, a
	}

	t.Run("success - named steps are recorded", func(t *testing.T) {
		// arrange
		job, a := newInteractive(t, []any{
			map[string]any{
				"command":   "dhcp",
				"name":      "dhcp",
				"successes": []any{map[string]any{"message": "DHCP client bound"}},
			},
			map[string]any{
				"command":   "ping 10.0.0.1",
				"name":      "ping",
				"successes": []any{map[string]any{"message": "host 10.0.0.1 is alive"}},
				"failures":  []any{map[string]any{"message": "ping failed"}},
			},
		})
		tr := testutil.NewScriptedTransport("")
		tr.Respond(`^dhcp$`, "DHCP client bound to address 10.0.0.2\n=> ")
		tr.Respond(`^ping`, "ping failed; host 10.0.0.1 is not alive\n=> ")
		conn := testutil.NewShell(tr)
		defer conn.Finalise()

		// act
		_, err := a.Run(context.Background(), conn, time.Now().Add(time.Second))

		// assert
		require.NoError(t, err)
		results := job.Results()
		require.Len(t, results, 2)
		assert.Equal(t, "pass", results[0].Result)
		assert.Equal(t, "ping", results[1].Case)
		assert.Equal(t, "fail", results[1].Result)
	})

	t.Run("fail - failure with an exception aborts", func(t *testing.T) {
		// arrange
		_, a := newInteractive(t, []any{
			map[string]any{
				"command": "tftp",
				"failures": []any{map[string]any{
					"message":   "TFTP error",
					"exception": "InfrastructureError",
					"error":     "tftp server unreachable",
				}},
			},
		})
		tr := testutil.NewScriptedTransport("")
		tr.Respond(`^tftp$`, "TFTP error: timeout\n=> ")
		conn := testutil.NewShell(tr)
		defer conn.Finalise()

		// act
		_, err := a.Run(context.Background(), conn, time.Now().Add(time.Second))

		// assert
		assert.Equal(t, action.KindInfrastructure, action.KindOf(err))
		assert.EqualError(t, err, "tftp server unreachable")
	})
}

func TestRegister(t *testing.T) {
	t.Run("success - test strategy follows the stanza keys", func(t *testing.T) {
		// arrange
		r := strategy.NewRegistry()
		Register(r)

		// act
		shell, err1 := r.Select(strategy.SectionTest, nil, action.Parameters{"definitions": []any{}})
		monitor, err2 := r.Select(strategy.SectionTest, nil, action.Parameters{"monitors": []any{}})
		_, err3 := r.Select(strategy.SectionTest, nil, action.Parameters{})

		// assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.Equal(t, "lava-test-shell", shell.Name)
		assert.Equal(t, "lava-test-monitor", monitor.Name)
		assert.Equal(t, action.KindJob, action.KindOf(err3))
	})
}
