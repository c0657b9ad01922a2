package deploy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/device"
	"github.com/haatos/simple-lava/internal/util"
	"github.com/haatos/simple-lava/testutil"
)

func newDeployJob(t *testing.T, dev *device.Device, definitions ...any) *action.Job {
	t.Helper()
	params := action.Parameters{
		"job_name": "overlay test",
		"actions": []any{
			map[string]any{"deploy": map[string]any{"to": "null"}},
			map[string]any{"test": map[string]any{"definitions": definitions}},
		},
	}
	job := action.NewJob("17", dev, params, zerolog.Nop())
	job.TmpDir = t.TempDir()
	return job
}

func inlineDefinition(name string) map[string]any {
	return map[string]any{
		"from": "inline",
		"name": name,
		"path": "inline/" + name + ".yaml",
		"repository": map[string]any{
			"metadata": map[string]any{"name": name, "format": "Lava-Test Test Definition 1.0"},
			"params":   map[string]any{"LOOPS": 2},
			"run":      map[string]any{"steps": []any{"lava-test-case uname --shell uname -a"}},
			"parse": map[string]any{
				"pattern":   `(?P<test_case_id>\w+): (?P<result>\w+)`,
				"fixupdict": map[string]any{"PASS": "pass"},
			},
		},
	}
}

func runOverlay(t *testing.T, job *action.Job) *OverlayAction {
	t.Helper()
	a := NewOverlayAction()
	job.Pipeline().Add(a, action.Parameters{"to": "null"})
	_, err := a.Run(context.Background(), nil, time.Time{})
	require.NoError(t, err)
	return a
}

func TestOverlayAction_Run(t *testing.T) {
	t.Run("success - inline definition is registered and written", func(t *testing.T) {
		// arrange
		job := newDeployJob(t, nil, inlineDefinition("smoke"))

		// act
		a := runOverlay(t, job)

		// assert
		ns := job.Namespace(action.DefaultNamespace)
		require.Len(t, ns.Definitions, 1)
		td := ns.Definitions[0]
		assert.Equal(t, "0_smoke", td.RunName())
		assert.Equal(t, 0, td.Stage)
		assert.Equal(t, "inline", td.Repository)
		assert.Equal(t, "pass", td.Fixup["PASS"])
		assert.NotEmpty(t, td.Pattern)
		assert.Equal(t, "/lava-17", ns.TestDir)
		assert.Equal(t, "/lava-17", a.DeviceDir())

		conf, err := os.ReadFile(filepath.Join(ns.OverlayDir, "0", RunnerConf))
		require.NoError(t, err)
		assert.Equal(t, "/lava-17/0/tests/0_smoke\n", string(conf))

		script, err := os.ReadFile(filepath.Join(ns.OverlayDir, "0", "tests", "0_smoke", "run.sh"))
		require.NoError(t, err)
		assert.Contains(t, string(script), "LOOPS=2\n")
		assert.Contains(t, string(script), "export TESTRUN_ID=0_smoke\n")
		assert.Contains(t, string(script), `echo "<LAVA_SIGNAL_STARTRUN $TESTRUN_ID $UUID>"`)
		assert.Contains(t, string(script), "lava-test-case uname --shell uname -a\n")
		assert.Contains(t, string(script), `echo "<LAVA_SIGNAL_ENDRUN $TESTRUN_ID $UUID>"`)

		uuid, err := os.ReadFile(filepath.Join(ns.OverlayDir, "0", "tests", "0_smoke", "uuid"))
		require.NoError(t, err)
		assert.Equal(t, td.UUID+"\n", string(uuid))
	})

	t.Run("success - helper scripts without multinode helpers", func(t *testing.T) {
		// arrange
		job := newDeployJob(t, nil, inlineDefinition("smoke"))

		// act
		runOverlay(t, job)

		// assert
		bin := filepath.Join(job.Namespace(action.DefaultNamespace).OverlayDir, "bin")
		for _, name := range []string{"lava-test-runner", "lava-test-case", "lava-test-set", "lava-test-raise"} {
			ok, err := util.PathExists(filepath.Join(bin, name))
			require.NoError(t, err)
			assert.True(t, ok, name)
		}
		ok, err := util.PathExists(filepath.Join(bin, "lava-sync"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("success - definitions are indexed in job order", func(t *testing.T) {
		// arrange
		job := newDeployJob(t, nil, inlineDefinition("smoke"), inlineDefinition("ltp"))

		// act
		runOverlay(t, job)

		// assert
		ns := job.Namespace(action.DefaultNamespace)
		require.Len(t, ns.Definitions, 2)
		assert.Equal(t, "0_smoke", ns.Definitions[0].RunName())
		assert.Equal(t, "1_ltp", ns.Definitions[1].RunName())
		assert.NotEqual(t, ns.Definitions[0].UUID, ns.Definitions[1].UUID)
	})

	t.Run("success - git definition records the commit", func(t *testing.T) {
		// arrange
		exec := new(testutil.MockExecutor)
		exec.On("Run", mock.Anything, mock.MatchedBy(func(argv []string) bool {
			return len(argv) > 1 && argv[1] == "clone"
		})).Run(func(args mock.Arguments) {
			argv := args.Get(1).([]string)
			dir := argv[len(argv)-1]
			body := "metadata:\n  name: smoke\nrun:\n  steps:\n    - echo hello\n"
			require.NoError(t, util.WriteFile(filepath.Join(dir, "smoke", "smoke.yaml"), []byte(body), 0o644))
		}).Return("", nil)
		exec.On("Run", mock.Anything, mock.MatchedBy(func(argv []string) bool {
			return len(argv) > 3 && argv[3] == "checkout"
		})).Return("", nil)
		exec.On("Run", mock.Anything, mock.MatchedBy(func(argv []string) bool {
			return len(argv) > 3 && argv[3] == "rev-parse"
		})).Return("4f2a9c1\n", nil)
		job := newDeployJob(t, nil, map[string]any{
			"repository": "https://git.example.com/tests.git",
			"path":       "smoke/smoke.yaml",
			"revision":   "v1.0",
		})
		job.Executor = exec

		// act
		runOverlay(t, job)

		// assert
		td := job.Namespace(action.DefaultNamespace).Definitions[0]
		assert.Equal(t, "0_smoke", td.RunName())
		assert.Equal(t, "4f2a9c1", td.CommitID)
		assert.Equal(t, "v1.0", td.Revision)
		assert.Equal(t, "https://git.example.com/tests.git", td.Repository)
		exec.AssertCalled(t, "Run", mock.Anything, []string{
			"git", "clone", "--quiet", "https://git.example.com/tests.git",
			filepath.Join(job.Namespace(action.DefaultNamespace).OverlayDir, "0", "tests", "0_smoke"),
		})
	})

	t.Run("fail - definition without run steps", func(t *testing.T) {
		// arrange
		def := inlineDefinition("smoke")
		def["repository"] = map[string]any{"metadata": map[string]any{"name": "smoke"}}
		job := newDeployJob(t, nil, def)
		a := NewOverlayAction()
		job.Pipeline().Add(a, action.Parameters{"to": "null"})

		// act
		_, err := a.Run(context.Background(), nil, time.Time{})

		// assert
		assert.Equal(t, action.KindJob, action.KindOf(err))
	})
}

func TestOverlayAction_Validate(t *testing.T) {
	t.Run("fail - git definition without a path", func(t *testing.T) {
		// arrange
		job := newDeployJob(t, nil, map[string]any{"repository": "https://git.example.com/tests.git"})
		a := NewOverlayAction()
		job.Pipeline().Add(a, action.Parameters{"to": "null"})

		// act
		err := a.Validate()

		// assert
		assert.NoError(t, err)
		require.Len(t, a.Errors(), 1)
		assert.Contains(t, a.Errors()[0], "has no path")
	})
}

func TestCompressOverlayAction_Run(t *testing.T) {
	t.Run("success - overlay is packed into the job tmp dir", func(t *testing.T) {
		// arrange
		job := newDeployJob(t, nil, inlineDefinition("smoke"))
		runOverlay(t, job)
		a := NewCompressOverlayAction()
		job.Pipeline().Add(a, action.Parameters{"to": "overlay"})

		// act
		_, err := a.Run(context.Background(), nil, time.Time{})

		// assert
		require.NoError(t, err)
		ns := job.Namespace(action.DefaultNamespace)
		assert.Equal(t, job.TmpDir, filepath.Dir(ns.OverlayTarball))
		ok, err := util.PathExists(ns.OverlayTarball)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestRunScript(t *testing.T) {
	t.Run("success - install failure is reported to the runner", func(t *testing.T) {
		// arrange
		file := &TestDefinitionFile{}
		file.Install.Steps = []string{"apt-get install -y stress"}
		file.Run.Steps = []string{"stress --cpu 1"}

		// act
		script := runScript("0_stress", "/lava-1/0/tests/0_stress", file, action.Parameters{"DURATION": "10"})

		// assert
		assert.Contains(t, script, "###test parameters from job submission###\nDURATION=10\n######\n")
		assert.Contains(t, script, `echo "<LAVA_TEST_RUNNER INSTALL_FAIL>"`)
		assert.Contains(t, script, "cd /lava-1/0/tests/0_stress\n")
	})
}
