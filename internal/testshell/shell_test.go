package testshell

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/connection"
	"github.com/haatos/simple-lava/testutil"
)

type fakeDirector struct {
	mock.Mock
}

func (d *fakeDirector) Name() string                             { return "fake" }
func (d *fakeDirector) Setup(context.Context, *action.Job) error { return nil }
func (d *fakeDirector) Finalise(context.Context) error           { return nil }

func (d *fakeDirector) Signal(
	ctx context.Context,
	conn connection.Connection,
	name string,
	params []string,
) (bool, error) {
	args := d.Called(name, params)
	return args.Bool(0), args.Error(1)
}

type caseFailure struct {
	id string
}

func (e caseFailure) Error() string  { return "protocol timed out" }
func (e caseFailure) CaseID() string { return e.id }

func newShellJob(t *testing.T, defs ...*action.TestDefinition) (*action.Job, *TestShellAction) {
	t.Helper()
	return newLoggedShellJob(t, zerolog.Nop(), defs...)
}

func newLoggedShellJob(
	t *testing.T,
	logger zerolog.Logger,
	defs ...*action.TestDefinition,
) (*action.Job, *TestShellAction) {
	t.Helper()
	job := action.NewJob("1", nil, action.Parameters{"job_name": "shell"}, logger)
	ns := job.Namespace(action.DefaultNamespace)
	ns.TestDir = "/lava-1"
	for _, td := range defs {
		ns.AddDefinition(td)
	}
	a := NewTestShellAction()
	job.Pipeline().Add(a, action.Parameters{
		"definitions": []any{map[string]any{"name": "x", "path": "x.yaml"}},
	})
	require.NoError(t, job.Validate())
	return job, a
}

// runShell answers the test runner command with output and runs a.
func runShell(a *TestShellAction, output string, timeout time.Duration) (*testutil.ScriptedTransport, error) {
	tr := testutil.NewScriptedTransport("")
	tr.Respond(`lava-test-runner`, output)
	conn := testutil.NewShell(tr)
	_, err := a.Run(context.Background(), conn, time.Now().Add(timeout))
	return tr, err
}

func lines(l ...string) string {
	out := ""
	for _, s := range l {
		out += s + "\n"
	}
	return out
}

func TestTestShellAction_Run(t *testing.T) {
	t.Run("success - runner is started for the stage", func(t *testing.T) {
		// arrange
		_, a := newShellJob(t)

		// act
		tr, err := runShell(a, lines("<LAVA_TEST_RUNNER EXIT>"), time.Second)

		// assert
		require.NoError(t, err)
		assert.Equal(t, []string{
			"ls -l /lava-1/",
			"export SHELL=/bin/sh",
			"/lava-1/bin/lava-test-runner /lava-1/0",
		}, tr.Lines())
	})

	t.Run("success - TESTCASE yields one record", func(t *testing.T) {
		// arrange
		job, a := newShellJob(t)

		// act
		_, err := runShell(a, lines(
			"<LAVA_SIGNAL_STARTRUN 0_x UUID1>",
			"<LAVA_SIGNAL_TESTCASE TEST_CASE_ID=foo RESULT=pass MEASUREMENT=12.5 UNITS=ms>",
			"<LAVA_SIGNAL_ENDRUN 0_x UUID1>",
			"<LAVA_TEST_RUNNER EXIT>",
		), time.Second)

		// assert
		require.NoError(t, err)
		results := job.Results()
		require.Len(t, results, 2)
		assert.Equal(t, "0_x", results[0].Definition)
		assert.Equal(t, "foo", results[0].Case)
		assert.Equal(t, "pass", results[0].Result)
		require.NotNil(t, results[0].Measurement)
		assert.Equal(t, 12.5, *results[0].Measurement)
		assert.Equal(t, "ms", results[0].Units)
		assert.Equal(t, "lava", results[1].Definition)
		assert.Equal(t, "0_x", results[1].Case)
	})

	t.Run("success - STARTRUN directly followed by ENDRUN emits one summary", func(t *testing.T) {
		// arrange
		job, a := newShellJob(t, &action.TestDefinition{
			Name:       "x",
			UUID:       "UUID1",
			Repository: "https://git.example.com/tests.git",
			Path:       "x.yaml",
			CommitID:   "abc123",
		})

		// act
		_, err := runShell(a, lines(
			"<LAVA_SIGNAL_STARTRUN 0_x UUID1>",
			"<LAVA_SIGNAL_ENDRUN 0_x UUID1>",
			"<LAVA_TEST_RUNNER EXIT>",
		), time.Second)

		// assert
		require.NoError(t, err)
		results := job.Results()
		require.Len(t, results, 1)
		assert.Equal(t, action.Result{
			Definition: "lava",
			Case:       "0_x",
			Result:     "pass",
			Level:      "1",
			Namespace:  action.DefaultNamespace,
			UUID:       "UUID1",
			Duration:   results[0].Duration,
			Repository: "https://git.example.com/tests.git",
			Path:       "x.yaml",
			CommitID:   "abc123",
		}, results[0])
	})

	t.Run("success - fixup normalises pattern results", func(t *testing.T) {
		// arrange
		job, a := newShellJob(t, &action.TestDefinition{
			Name:    "smoke",
			Pattern: `(?P<test_case_id>\S+): (?P<result>[A-Z]+)$`,
			Fixup:   map[string]string{"PASS": "pass"},
		})

		// act
		_, err := runShell(a, lines(
			"<LAVA_SIGNAL_STARTRUN 0_smoke UUID1>",
			"linux/uname: PASS",
			"<LAVA_SIGNAL_ENDRUN 0_smoke UUID1>",
			"<LAVA_TEST_RUNNER EXIT>",
		), time.Second)

		// assert
		require.NoError(t, err)
		results := job.Results()
		require.Len(t, results, 2)
		assert.Equal(t, "linux_uname", results[0].Case)
		assert.Equal(t, "pass", results[0].Result)
	})

	t.Run("success - test case id with whitespace is skipped", func(t *testing.T) {
		// arrange
		job, a := newShellJob(t, &action.TestDefinition{
			Name:    "x",
			Pattern: `(?P<test_case_id>.+): (?P<result>pass|fail)$`,
		})

		// act
		_, err := runShell(a, lines(
			"<LAVA_SIGNAL_STARTRUN 0_x UUID1>",
			"my test: pass",
			"<LAVA_SIGNAL_ENDRUN 0_x UUID1>",
			"<LAVA_TEST_RUNNER EXIT>",
		), time.Second)

		// assert
		require.NoError(t, err)
		results := job.Results()
		require.Len(t, results, 1)
		assert.Equal(t, "0_x", results[0].Case)
	})

	t.Run("success - cases inside a test set are tagged", func(t *testing.T) {
		// arrange
		job, a := newShellJob(t)

		// act
		_, err := runShell(a, lines(
			"<LAVA_SIGNAL_STARTRUN 0_x UUID1>",
			"<LAVA_SIGNAL_TESTSET START boot>",
			"<LAVA_SIGNAL_TESTCASE TEST_CASE_ID=a RESULT=pass>",
			"<LAVA_SIGNAL_TESTSET STOP>",
			"<LAVA_SIGNAL_TESTCASE TEST_CASE_ID=a RESULT=fail>",
			"<LAVA_SIGNAL_ENDRUN 0_x UUID1>",
			"<LAVA_TEST_RUNNER EXIT>",
		), time.Second)

		// assert
		require.NoError(t, err)
		results := job.Results()
		require.Len(t, results, 3)
		assert.Equal(t, "boot", results[0].Set)
		assert.Equal(t, "", results[1].Set)
		assert.Equal(t, "fail", results[1].Result)
	})

	t.Run("success - TESTCASE without result is logged and skipped", func(t *testing.T) {
		// arrange
		job, a := newShellJob(t)

		// act
		_, err := runShell(a, lines(
			"<LAVA_SIGNAL_STARTRUN 0_x UUID1>",
			"<LAVA_SIGNAL_TESTCASE TEST_CASE_ID=a>",
			"<LAVA_SIGNAL_ENDRUN 0_x UUID1>",
			"<LAVA_TEST_RUNNER EXIT>",
		), time.Second)

		// assert
		require.NoError(t, err)
		assert.Len(t, job.Results(), 1)
	})

	t.Run("fail - EOF inside a run records the run as failed", func(t *testing.T) {
		// arrange
		job, a := newShellJob(t)
		tr := testutil.NewScriptedTransport("")
		tr.Respond(`lava-test-runner`, lines("<LAVA_SIGNAL_STARTRUN 0_x UUID1>"))
		conn := testutil.NewShell(tr)
		go func() {
			time.Sleep(200 * time.Millisecond)
			_ = tr.Close()
		}()

		// act
		_, err := a.Run(context.Background(), conn, time.Now().Add(5*time.Second))

		// assert
		assert.Equal(t, action.KindConnectionClosed, action.KindOf(err))
		results := job.Results()
		require.Len(t, results, 1)
		assert.Equal(t, "0_x", results[0].Case)
		assert.Equal(t, "fail", results[0].Result)
	})

	t.Run("fail - TESTCASE before STARTRUN", func(t *testing.T) {
		// arrange
		job, a := newShellJob(t)

		// act
		_, err := runShell(a, lines("<LAVA_SIGNAL_TESTCASE TEST_CASE_ID=a RESULT=pass>"), time.Second)

		// assert
		assert.Equal(t, action.KindTest, action.KindOf(err))
		assert.Empty(t, job.Results())
	})

	t.Run("fail - duplicate test case id", func(t *testing.T) {
		// arrange
		job, a := newShellJob(t)

		// act
		_, err := runShell(a, lines(
			"<LAVA_SIGNAL_STARTRUN 0_x UUID1>",
			"<LAVA_SIGNAL_TESTCASE TEST_CASE_ID=a RESULT=pass>",
			"<LAVA_SIGNAL_TESTCASE TEST_CASE_ID=a RESULT=pass>",
		), time.Second)

		// assert
		assert.Equal(t, action.KindJob, action.KindOf(err))
		require.Len(t, job.Results(), 2)
		assert.Equal(t, "fail", job.Results()[1].Result)
	})

	t.Run("fail - measurement must be a number", func(t *testing.T) {
		// arrange
		_, a := newShellJob(t)

		// act
		_, err := runShell(a, lines(
			"<LAVA_SIGNAL_STARTRUN 0_x UUID1>",
			"<LAVA_SIGNAL_TESTCASE TEST_CASE_ID=a RESULT=pass MEASUREMENT=fast>",
		), time.Second)

		// assert
		assert.Equal(t, action.KindTest, action.KindOf(err))
		assert.Contains(t, err.Error(), "invalid measurement")
	})

	t.Run("fail - TESTRAISE aborts the test shell", func(t *testing.T) {
		// arrange
		_, a := newShellJob(t)

		// act
		_, err := runShell(a, lines(
			"<LAVA_SIGNAL_STARTRUN 0_x UUID1>",
			"<LAVA_SIGNAL_TESTRAISE disk full>",
			"<LAVA_TEST_RUNNER EXIT>",
		), time.Second)

		// assert
		assert.Equal(t, action.KindTest, action.KindOf(err))
		assert.Contains(t, err.Error(), "disk full")
	})

	t.Run("fail - TESTREFERENCE needs three parameters", func(t *testing.T) {
		// arrange
		_, a := newShellJob(t)

		// act
		_, err := runShell(a, lines("<LAVA_SIGNAL_TESTREFERENCE case pass>"), time.Second)

		// assert
		assert.Equal(t, action.KindTest, action.KindOf(err))
	})

	t.Run("fail - install failure", func(t *testing.T) {
		// arrange
		job, a := newShellJob(t)

		// act
		_, err := runShell(a, lines("<LAVA_TEST_RUNNER INSTALL_FAIL>"), time.Second)

		// assert
		assert.Equal(t, action.KindTest, action.KindOf(err))
		require.Len(t, job.Results(), 1)
		assert.Equal(t, "stage_0", job.Results()[0].Case)
	})

	t.Run("fail - runner never exits", func(t *testing.T) {
		// arrange
		_, a := newShellJob(t)

		// act
		_, err := runShell(a, lines("still running"), 100*time.Millisecond)

		// assert
		assert.Equal(t, action.KindTimeout, action.KindOf(err))
	})
}

func TestTestShellAction_Directors(t *testing.T) {
	t.Run("success - multinode signals go to the director", func(t *testing.T) {
		// arrange
		job, a := newShellJob(t)
		director := new(fakeDirector)
		director.On("Signal", "LAVA_SYNC", []string{"ready"}).Return(true, nil)
		director.On("Signal", mock.Anything, mock.Anything).Return(false, nil)
		job.Protocols = append(job.Protocols, director)

		// act
		_, err := runShell(a, lines(
			"<LAVA_MULTI_NODE> <LAVA_SYNC ready>",
			"<LAVA_TEST_RUNNER EXIT>",
		), time.Second)

		// assert
		require.NoError(t, err)
		director.AssertCalled(t, "Signal", "LAVA_SYNC", []string{"ready"})
	})

	t.Run("success - protocol case failure is recorded and the shell continues", func(t *testing.T) {
		// arrange
		job, a := newShellJob(t)
		director := new(fakeDirector)
		director.On("Signal", "LAVA_SEND", []string{"msg1"}).Return(false, caseFailure{id: "multinode-msg1"})
		director.On("Signal", mock.Anything, mock.Anything).Return(false, nil)
		job.Protocols = append(job.Protocols, director)

		// act
		_, err := runShell(a, lines(
			"<LAVA_SIGNAL_STARTRUN 0_x UUID1>",
			"<LAVA_MULTI_NODE> <LAVA_SEND msg1>",
			"<LAVA_SIGNAL_ENDRUN 0_x UUID1>",
			"<LAVA_TEST_RUNNER EXIT>",
		), time.Second)

		// assert
		require.NoError(t, err)
		results := job.Results()
		require.Len(t, results, 2)
		assert.Equal(t, "multinode-msg1", results[0].Case)
		assert.Equal(t, "fail", results[0].Result)
	})

	t.Run("success - reporting signals are not forwarded", func(t *testing.T) {
		// arrange
		job, a := newShellJob(t)
		director := new(fakeDirector)
		director.On("Signal", mock.Anything, mock.Anything).Return(false, nil)
		job.Protocols = append(job.Protocols, director)

		// act
		_, err := runShell(a, lines(
			"<LAVA_SIGNAL_STARTRUN 0_x UUID1>",
			"<LAVA_SIGNAL_TESTCASE TEST_CASE_ID=a RESULT=pass>",
			"<LAVA_SIGNAL_ENDRUN 0_x UUID1>",
			"<LAVA_TEST_RUNNER EXIT>",
		), time.Second)

		// assert
		require.NoError(t, err)
		director.AssertNotCalled(t, "Signal", "TESTCASE", mock.Anything)
		director.AssertCalled(t, "Signal", "STARTRUN", []string{"0_x", "UUID1"})
	})
}

// feedbackConn is the console of another namespace. Only the methods
// the test shell uses on feedback connections are implemented.
type feedbackConn struct {
	connection.Connection
	listens atomic.Int32
}

func (c *feedbackConn) Name() string    { return "target-console" }
func (c *feedbackConn) Connected() bool { return true }

func (c *feedbackConn) Listen(context.Context, time.Duration) (int, error) {
	c.listens.Add(1)
	return 0, nil
}

func TestTestShellAction_Signals(t *testing.T) {
	cases := []struct {
		name     string
		signals  []string
		listens  int32
		logged   string
		forwards []string
	}{
		{
			name:    "TESTFEEDBACK reads the named namespace",
			signals: []string{"<LAVA_SIGNAL_TESTFEEDBACK target>"},
			listens: 1,
		},
		{
			name:    "TESTFEEDBACK for an unknown namespace is logged",
			signals: []string{"<LAVA_SIGNAL_TESTFEEDBACK host>"},
			logged:  "feedback requested for an unknown namespace",
		},
		{
			name:     "STARTTC and ENDTC are markers",
			signals:  []string{"<LAVA_SIGNAL_STARTTC boot>", "<LAVA_SIGNAL_ENDTC boot>"},
			logged:   "test case marker",
			forwards: []string{"STARTTC", "ENDTC"},
		},
		{
			name:     "TESTEVENT is logged",
			signals:  []string{"<LAVA_SIGNAL_TESTEVENT kernel panic seen>"},
			logged:   "kernel panic seen",
			forwards: []string{"TESTEVENT"},
		},
	}
	for _, c := range cases {
		t.Run("success - "+c.name, func(t *testing.T) {
			// arrange
			var logs bytes.Buffer
			job, a := newLoggedShellJob(t, zerolog.New(&logs))
			target := &feedbackConn{}
			job.Namespace("target").Connection = target
			director := new(fakeDirector)
			director.On("Signal", mock.Anything, mock.Anything).Return(false, nil)
			job.Protocols = append(job.Protocols, director)
			output := []string{"<LAVA_SIGNAL_STARTRUN 0_x UUID1>"}
			output = append(output, c.signals...)
			output = append(output, "<LAVA_SIGNAL_ENDRUN 0_x UUID1>", "<LAVA_TEST_RUNNER EXIT>")

			// act
			_, err := runShell(a, lines(output...), time.Second)

			// assert
			require.NoError(t, err)
			results := job.Results()
			require.Len(t, results, 1)
			assert.Equal(t, "0_x", results[0].Case)
			assert.Equal(t, c.listens, target.listens.Load())
			if c.logged != "" {
				assert.Contains(t, logs.String(), c.logged)
			}
			for _, name := range c.forwards {
				director.AssertCalled(t, "Signal", name, mock.Anything)
			}
		})
	}

	t.Run("success - feedback connections are drained while the runner is quiet", func(t *testing.T) {
		// arrange
		job, a := newShellJob(t)
		job.FeedbackPoll = 20 * time.Millisecond
		target := &feedbackConn{}
		job.Namespace("target").Connection = target
		tr := testutil.NewScriptedTransport("")
		tr.Respond(`lava-test-runner`, lines("<LAVA_SIGNAL_STARTRUN 0_x UUID1>"))
		go func() {
			time.Sleep(200 * time.Millisecond)
			tr.Emit(lines("<LAVA_SIGNAL_ENDRUN 0_x UUID1>", "<LAVA_TEST_RUNNER EXIT>"))
		}()

		// act
		_, err := a.Run(context.Background(), testutil.NewShell(tr), time.Now().Add(5*time.Second))

		// assert
		require.NoError(t, err)
		assert.GreaterOrEqual(t, target.listens.Load(), int32(2))
		require.Len(t, job.Results(), 1)
		assert.Equal(t, action.ResultPass, job.Results()[0].Result)
	})

	t.Run("fail - TESTFEEDBACK without a namespace", func(t *testing.T) {
		// arrange
		_, a := newShellJob(t)

		// act
		_, err := runShell(a, lines(
			"<LAVA_SIGNAL_STARTRUN 0_x UUID1>",
			"<LAVA_SIGNAL_TESTFEEDBACK a b>",
		), time.Second)

		// assert
		assert.Equal(t, action.KindTest, action.KindOf(err))
		assert.ErrorContains(t, err, "malformed TESTFEEDBACK")
	})
}

func TestParseKeyValues(t *testing.T) {
	t.Run("success - keys are lowercased", func(t *testing.T) {
		// act
		kv, err := ParseKeyValues([]string{"TEST_CASE_ID=foo", "Result=pass"})

		// assert
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"test_case_id": "foo", "result": "pass"}, kv)
	})

	t.Run("fail - token without separator", func(t *testing.T) {
		// act
		_, err := ParseKeyValues([]string{"foo"})

		// assert
		assert.Error(t, err)
	})
}

func TestPatternFixup(t *testing.T) {
	t.Run("success - mapped and lowercased results", func(t *testing.T) {
		// arrange
		pf, err := NewPatternFixup(&action.TestDefinition{
			Name:    "x",
			Pattern: `(?P<test_case_id>\w+) (?P<result>\w+)`,
			Fixup:   map[string]string{"OK": "pass", "BAD": "fail"},
		})
		require.NoError(t, err)

		// act & assert
		for raw, want := range map[string]string{"OK": "pass", "BAD": "fail", "SKIP": "skip"} {
			assert.Equal(t, want, pf.Result(raw), fmt.Sprintf("raw %s", raw))
		}
	})

	t.Run("fail - pattern without result group", func(t *testing.T) {
		// act
		_, err := NewPatternFixup(&action.TestDefinition{Name: "x", Pattern: `(?P<test_case_id>\w+)`})

		// assert
		assert.Error(t, err)
	})
}
