package deploy

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/testshell"
	"github.com/haatos/simple-lava/testutil"
)

// execRunScript renders run.sh for steps into a scratch test dir and runs
// it with sh, the helper scripts on PATH.
func execRunScript(t *testing.T, steps ...string) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	helper, err := scripts.ReadFile("scripts/lava-test-case")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(bin, "lava-test-case"), helper, 0o755))
	testDir := filepath.Join(dir, "0_x")
	require.NoError(t, os.MkdirAll(testDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(testDir, "uuid"), []byte("UUID1\n"), 0o644))
	file := &TestDefinitionFile{}
	file.Run.Steps = steps
	script := filepath.Join(testDir, "run.sh")
	require.NoError(t, os.WriteFile(script, []byte(runScript("0_x", testDir, file, nil)), 0o755))

	cmd := exec.Command(sh, script)
	cmd.Env = append(os.Environ(), "PATH="+bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
	return string(out)
}

func TestRunScript_Execution(t *testing.T) {
	t.Run("success - run signals are printed once", func(t *testing.T) {
		// act
		out := execRunScript(t, "true")

		// assert
		assert.Equal(t, 1, strings.Count(out, "<LAVA_SIGNAL_STARTRUN 0_x UUID1>"), out)
		assert.Equal(t, 1, strings.Count(out, "<LAVA_SIGNAL_ENDRUN 0_x UUID1>"), out)
		assert.Contains(t, out, "+ true")
	})

	t.Run("success - test shell records the cases of the run once", func(t *testing.T) {
		// arrange
		out := execRunScript(t, "true", "lava-test-case t1 --result pass")
		job := action.NewJob("1", nil, action.Parameters{"job_name": "run script"}, zerolog.Nop())
		job.Namespace(action.DefaultNamespace).TestDir = "/lava-1"
		a := testshell.NewTestShellAction()
		job.Pipeline().Add(a, action.Parameters{
			"definitions": []any{map[string]any{"name": "x", "path": "x.yaml"}},
		})
		require.NoError(t, job.Validate())
		tr := testutil.NewScriptedTransport("")
		tr.Respond(`lava-test-runner`, out+"<LAVA_TEST_RUNNER EXIT>\n")

		// act
		_, err := a.Run(context.Background(), testutil.NewShell(tr), time.Now().Add(5*time.Second))

		// assert
		require.NoError(t, err)
		results := job.Results()
		require.Len(t, results, 2)
		assert.Equal(t, "0_x", results[0].Definition)
		assert.Equal(t, "t1", results[0].Case)
		assert.Equal(t, action.ResultPass, results[0].Result)
		assert.Equal(t, "lava", results[1].Definition)
		assert.Equal(t, "0_x", results[1].Case)
		assert.Equal(t, action.ResultPass, results[1].Result)
	})
}
