// Package testshell runs the test definitions of a test stanza on the
// device shell and turns the signals printed by lava-test-runner into
// result records.
package testshell

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/connection"
)

const (
	DefaultShell        = "/bin/sh"
	DefaultPollInterval = time.Second
	FeedbackTimeout     = time.Second
)

// SignalDirector handles signals layered on the test shell channel by a
// job protocol. It reports whether it handled the signal.
type SignalDirector interface {
	Signal(ctx context.Context, conn connection.Connection, name string, params []string) (bool, error)
}

// CaseFailure is returned by a director when a protocol step failed in a
// way that is recorded as a failed test case instead of aborting.
type CaseFailure interface {
	error
	CaseID() string
}

// TestShellAction starts lava-test-runner for one stage of the overlay
// and interprets its output until the runner exits.
type TestShellAction struct {
	*action.BaseAction
	Shell        string
	PollInterval time.Duration
	stage        int
}

func NewTestShellAction() *TestShellAction {
	return &TestShellAction{
		BaseAction: action.NewBaseAction(
			"lava-test-shell",
			"Executing lava-test-runner",
			"Lava Test Shell",
		),
		Shell:        DefaultShell,
		PollInterval: DefaultPollInterval,
	}
}

// NewTestShellRetry wraps the test shell for failure_retry and repeat.
func NewTestShellRetry() *action.RetryAction {
	return action.NewRetryAction(
		"lava-test-retry",
		"Retry wrapper for lava-test-shell",
		"Retry support for Lava Test Shell",
		func(p *action.Pipeline, params action.Parameters) {
			p.Add(NewTestShellAction(), params)
		},
	)
}

func (a *TestShellAction) Stage() int {
	return a.stage
}

func (a *TestShellAction) Populate(params action.Parameters) {
	a.stage = params.Int("stage", 0)
	a.Shell = params.StringOr("shell", a.Shell)
	if block := params.Map("timeout"); block != nil {
		if d, err := action.ParseTimeout(block); err == nil {
			a.Timeout.Duration = d
		}
	}
}

func (a *TestShellAction) Validate() error {
	if len(a.Parameters().List("definitions")) == 0 {
		a.AddError("%s: no test definitions", a.Name())
	}
	if a.stage < 0 {
		a.AddError("%s: invalid stage %d", a.Name(), a.stage)
	}
	return a.BaseAction.Validate()
}

func (a *TestShellAction) pollInterval() time.Duration {
	if j := a.Job(); j != nil && j.FeedbackPoll > 0 {
		return j.FeedbackPoll
	}
	return a.PollInterval
}

func (a *TestShellAction) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	if conn == nil {
		return nil, action.NewJobError("%s: no connection to run tests on", a.Name())
	}
	ns := a.NamespaceState()
	if ns.TestDir == "" {
		return conn, action.NewJobError("%s: no test overlay deployed in namespace %s", a.Name(), ns.Name)
	}
	if err := a.startRunner(ctx, conn, ns.TestDir, maxEndTime); err != nil {
		return conn, err
	}

	r := newShellRun(a, conn, ns)
	err := r.loop(ctx, maxEndTime)
	if cerr := r.closeRun(); cerr != nil && err == nil {
		err = cerr
	}
	a.Data["results"] = r.records
	return conn, err
}

func (a *TestShellAction) startRunner(
	ctx context.Context,
	conn connection.Connection,
	dir string,
	maxEndTime time.Time,
) error {
	dir = strings.TrimSuffix(dir, "/")
	for _, cmd := range []string{
		fmt.Sprintf("ls -l %s/", dir),
		"export SHELL=" + a.Shell,
	} {
		if err := conn.Sendline(ctx, cmd, a.CharacterDelay); err != nil {
			return action.NewConnectionClosedError("%s: err sending %q: %v", a.Name(), cmd, err)
		}
		if len(conn.PromptStr()) == 0 {
			continue
		}
		if _, err := a.Wait(ctx, conn, maxEndTime); err != nil {
			return err
		}
	}
	runner := fmt.Sprintf("%s/bin/lava-test-runner %s/%d", dir, dir, a.stage)
	a.Logger.Info().Str("command", runner).Msg("starting test runner")
	if err := conn.Sendline(ctx, runner, a.CharacterDelay); err != nil {
		return action.NewConnectionClosedError("%s: err starting test runner: %v", a.Name(), err)
	}
	return nil
}

type testRun struct {
	def   *action.TestDefinition
	name  string
	uuid  string
	start time.Time
	cases map[string]bool
}

// shellRun is the state of one invocation of the test runner.
type shellRun struct {
	a         *TestShellAction
	conn      connection.Connection
	ns        *action.NamespaceState
	directors []SignalDirector
	current   *testRun
	fixup     *PatternFixup
	testset   string
	records   int
}

type signalHandler func(r *shellRun, ctx context.Context, params []string) error

var signalHandlers = map[Signal]signalHandler{
	SignalStartRun:      (*shellRun).startRun,
	SignalEndRun:        (*shellRun).endRun,
	SignalStartTC:       (*shellRun).marker,
	SignalEndTC:         (*shellRun).marker,
	SignalTestCase:      (*shellRun).testCase,
	SignalTestFeedback:  (*shellRun).testFeedback,
	SignalTestReference: (*shellRun).testReference,
	SignalTestSet:       (*shellRun).testSet,
	SignalTestRaise:     (*shellRun).testRaise,
	SignalTestEvent:     (*shellRun).testEvent,
}

func newShellRun(a *TestShellAction, conn connection.Connection, ns *action.NamespaceState) *shellRun {
	r := &shellRun{a: a, conn: conn, ns: ns}
	for _, p := range a.Job().Protocols {
		if d, ok := p.(SignalDirector); ok {
			r.directors = append(r.directors, d)
		}
	}
	return r
}

func (r *shellRun) patterns() ([]*regexp.Regexp, []int) {
	patterns := []*regexp.Regexp{exitPattern, errorPattern, signalPattern}
	kinds := []int{patternExit, patternError, patternSignal}
	if len(r.directors) > 0 {
		patterns = append(patterns, multinodePattern)
		kinds = append(kinds, patternMultinode)
	}
	if r.fixup != nil && r.fixup.Pattern != nil {
		patterns = append(patterns, r.fixup.Pattern)
		kinds = append(kinds, patternResult)
	}
	return patterns, kinds
}

func (r *shellRun) loop(ctx context.Context, maxEndTime time.Time) error {
	deadline := maxEndTime
	if deadline.IsZero() {
		deadline = time.Now().Add(r.a.Timeout.Duration)
	}
	for {
		if !time.Now().Before(deadline) {
			return action.NewTimeoutError("%s timed out after %s", r.a.Name(), r.a.Timeout.Duration)
		}
		feedback := r.feedbackConnections()
		timeout := time.Until(deadline)
		if poll := r.a.pollInterval(); len(feedback) > 0 && poll < timeout {
			timeout = poll
		}
		patterns, kinds := r.patterns()
		m, err := r.conn.Expect(ctx, patterns, timeout)
		if err != nil {
			switch action.KindOf(err) {
			case action.KindConnectionClosed:
				r.testset = ""
				return action.NewConnectionClosedError("%s: connection closed: %v", r.a.Name(), err)
			case action.KindTimeout:
				if ctx.Err() != nil || !time.Now().Before(deadline) {
					return action.NewTimeoutError("%s timed out after %s", r.a.Name(), r.a.Timeout.Duration)
				}
				r.drain(ctx, feedback)
				continue
			}
			return err
		}
		done, err := r.dispatch(ctx, kinds[m.Index], m)
		if err != nil || done {
			return err
		}
	}
}

func (r *shellRun) dispatch(ctx context.Context, kind int, m *connection.Match) (bool, error) {
	switch kind {
	case patternExit:
		r.a.Logger.Info().Msg("ok: lava_test_shell seems to have completed")
		return true, nil
	case patternError:
		return false, r.installFailed()
	case patternSignal:
		return false, r.signal(ctx, m.Groups[1], strings.Fields(m.Groups[2]))
	case patternMultinode:
		return false, r.forward(ctx, "LAVA_"+m.Groups[1], strings.Fields(m.Groups[2]))
	case patternResult:
		return false, r.testCaseResult(m)
	}
	return false, action.NewDefectError("%s: unexpected pattern kind %d", r.a.Name(), kind)
}

func (r *shellRun) installFailed() error {
	detected := time.Now()
	r.a.Logger.Error().Int("stage", r.a.stage).Msg("lava-test-runner failed to install test definitions")
	if err := r.record(action.Result{
		Definition: "lava",
		Case:       fmt.Sprintf("stage_%d", r.a.stage),
		Result:     action.ResultFail,
		Duration:   action.FormatDuration(time.Since(detected)),
	}); err != nil {
		return err
	}
	return action.NewTestError("%s: test definitions of stage %d failed to install", r.a.Name(), r.a.stage)
}

func (r *shellRun) signal(ctx context.Context, name string, params []string) error {
	sig := ParseSignal(name)
	if handle, ok := signalHandlers[sig]; ok {
		r.a.Logger.Debug().Str("signal", sig.String()).Strs("params", params).Msg("received signal")
		if err := handle(r, ctx, params); err != nil {
			return err
		}
	}
	if sig.Reporting() {
		return nil
	}
	return r.forward(ctx, name, params)
}

// forward hands the signal to the protocol directors of the job.
func (r *shellRun) forward(ctx context.Context, name string, params []string) error {
	for _, d := range r.directors {
		handled, err := d.Signal(ctx, r.conn, name, params)
		if err != nil {
			var cf CaseFailure
			if errors.As(err, &cf) {
				r.a.Logger.Error().Err(err).Str("case", cf.CaseID()).Msg("protocol step failed")
				return r.record(action.Result{
					Definition: r.definitionName(),
					Case:       cf.CaseID(),
					Result:     action.ResultFail,
					Set:        r.testset,
				})
			}
			return err
		}
		if handled {
			return nil
		}
	}
	if ParseSignal(name) == SignalUnknown {
		r.a.Logger.Warn().Str("signal", name).Msg("unhandled signal")
	}
	return nil
}

func (r *shellRun) record(res action.Result) error {
	r.records++
	return r.a.Record(res)
}

func (r *shellRun) definitionName() string {
	if r.current == nil {
		return "lava"
	}
	return r.current.name
}

func (r *shellRun) lookup(name, uuid string) *action.TestDefinition {
	for _, td := range r.ns.Definitions {
		if td.UUID != "" && td.UUID == uuid {
			return td
		}
	}
	return r.ns.Definition(name)
}

func (r *shellRun) startRun(_ context.Context, params []string) error {
	if len(params) != 2 {
		return malformed(SignalStartRun, params)
	}
	if r.current != nil {
		if err := r.closeRun(); err != nil {
			return err
		}
	}
	name, uuid := params[0], params[1]
	r.current = &testRun{
		def:   r.lookup(name, uuid),
		name:  name,
		uuid:  uuid,
		start: time.Now(),
		cases: make(map[string]bool),
	}
	r.fixup = nil
	if td := r.current.def; td != nil {
		pf, err := NewPatternFixup(td)
		if err != nil {
			r.a.Logger.Error().Err(err).Msg("parse pattern disabled")
		} else {
			r.fixup = pf
		}
	}
	r.a.Logger.Info().Str("definition", name).Str("uuid", uuid).Msgf("starting test lava.%s", name)
	return nil
}

func (r *shellRun) endRun(_ context.Context, params []string) error {
	if len(params) != 2 {
		return malformed(SignalEndRun, params)
	}
	cur := r.current
	if cur == nil {
		r.a.Logger.Warn().Str("definition", params[0]).Msg("ENDRUN without STARTRUN")
		return nil
	}
	r.current = nil
	r.fixup = nil
	res := action.Result{
		Definition: "lava",
		Case:       cur.name,
		UUID:       cur.uuid,
		Result:     action.ResultPass,
		Duration:   action.FormatDuration(time.Since(cur.start)),
	}
	if td := cur.def; td != nil {
		res.Repository = td.Repository
		res.Path = td.Path
		res.Revision = td.Revision
		res.CommitID = td.CommitID
	}
	r.a.Logger.Info().Str("definition", cur.name).Msgf("ending use of test pattern lava.%s", cur.name)
	return r.record(res)
}

// closeRun records a run the runner never ended as failed.
func (r *shellRun) closeRun() error {
	cur := r.current
	if cur == nil {
		return nil
	}
	r.current = nil
	r.fixup = nil
	r.a.Logger.Error().Str("definition", cur.name).Msg("test run did not finish")
	return r.record(action.Result{
		Definition: "lava",
		Case:       cur.name,
		UUID:       cur.uuid,
		Result:     action.ResultFail,
		Duration:   action.FormatDuration(time.Since(cur.start)),
	})
}

func (r *shellRun) marker(_ context.Context, params []string) error {
	r.a.Logger.Info().Strs("params", params).Msg("test case marker")
	return nil
}

func (r *shellRun) testCase(_ context.Context, params []string) error {
	if r.current == nil {
		return action.NewTestError("TESTCASE before STARTRUN: test uuid is undefined")
	}
	fields, err := ParseKeyValues(params)
	if err != nil {
		r.a.Logger.Error().Err(err).Msg("invalid TESTCASE signal")
		return nil
	}
	id, result := fields["test_case_id"], fields["result"]
	if id == "" || result == "" {
		r.a.Logger.Error().Strs("params", params).Msg("TESTCASE needs TEST_CASE_ID and RESULT")
		return nil
	}
	return r.recordCase(id, result, fields["measurement"], fields["units"])
}

// testCaseResult handles a line matched by the parse pattern of the
// running definition.
func (r *shellRun) testCaseResult(m *connection.Match) error {
	id := strings.ReplaceAll(m.Group("test_case_id"), "/", "_")
	if id == "" || strings.ContainsAny(id, " \t") {
		r.a.Logger.Error().Str("test_case_id", id).Msg("test case id must be a non-empty word")
		return nil
	}
	return r.recordCase(id, m.Group("result"), m.Group("measurement"), m.Group("units"))
}

func (r *shellRun) recordCase(id, result, measurement, units string) error {
	result = r.fixup.Result(result)
	if !action.ValidResult(result) {
		r.a.Logger.Error().Str("case", id).Str("result", result).Msg("invalid test result")
		return nil
	}
	res := action.Result{
		Definition: r.current.name,
		Case:       id,
		Result:     result,
		Units:      units,
		Set:        r.testset,
	}
	if measurement != "" {
		f, err := strconv.ParseFloat(measurement, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return action.NewTestError("invalid measurement %q for test case %s", measurement, id)
		}
		res.Measurement = &f
	}
	key := r.testset + "/" + id
	if r.current.cases[key] {
		return action.NewJobError("duplicate test_case_id %s in %s", id, r.current.name)
	}
	r.current.cases[key] = true
	return r.record(res)
}

func (r *shellRun) testFeedback(ctx context.Context, params []string) error {
	if len(params) != 1 {
		return malformed(SignalTestFeedback, params)
	}
	name := params[0]
	job := r.a.Job()
	if !job.HasNamespace(name) {
		r.a.Logger.Error().Str("feedback", name).Msg("feedback requested for an unknown namespace")
		return nil
	}
	conn := job.Namespace(name).Connection
	if conn == nil {
		r.a.Logger.Warn().Str("feedback", name).Msg("namespace has no connection")
		return nil
	}
	if _, err := conn.Listen(ctx, FeedbackTimeout); err != nil {
		r.a.Logger.Debug().Err(err).Str("feedback", name).Msg("feedback not available")
	}
	return nil
}

func (r *shellRun) testReference(_ context.Context, params []string) error {
	if len(params) != 3 {
		return action.NewTestError("TESTREFERENCE needs 3 parameters, got %d", len(params))
	}
	result := r.fixup.Result(params[1])
	if !action.ValidResult(result) {
		return action.NewTestError("invalid TESTREFERENCE result %q", params[1])
	}
	return r.record(action.Result{
		Definition: r.definitionName(),
		Case:       params[0],
		Result:     result,
		Reference:  params[2],
		Set:        r.testset,
	})
}

func (r *shellRun) testSet(_ context.Context, params []string) error {
	switch {
	case len(params) == 2 && strings.EqualFold(params[0], "START"):
		r.testset = params[1]
	case len(params) == 1 && strings.EqualFold(params[0], "STOP"):
		r.testset = ""
	default:
		return malformed(SignalTestSet, params)
	}
	return nil
}

func (r *shellRun) testRaise(_ context.Context, params []string) error {
	return action.NewTestError("%s raised by the test: %s", r.definitionName(), strings.Join(params, " "))
}

func (r *shellRun) testEvent(_ context.Context, params []string) error {
	r.a.Logger.Info().Str("event", strings.Join(params, " ")).Msg("test event")
	return nil
}

func (r *shellRun) feedbackConnections() []connection.Connection {
	job := r.a.Job()
	var out []connection.Connection
	for _, name := range job.Namespaces() {
		if name == r.ns.Name {
			continue
		}
		conn := job.Namespace(name).Connection
		if conn == nil || conn == r.conn || !conn.Connected() {
			continue
		}
		out = append(out, conn)
	}
	return out
}

func (r *shellRun) drain(ctx context.Context, conns []connection.Connection) {
	for _, conn := range conns {
		if _, err := conn.Listen(ctx, FeedbackTimeout); err != nil {
			r.a.Logger.Debug().Err(err).Str("feedback", conn.Name()).Msg("feedback drain failed")
		}
	}
}

func malformed(sig Signal, params []string) error {
	return action.NewTestError("malformed %s signal: %q", sig, strings.Join(params, " "))
}
