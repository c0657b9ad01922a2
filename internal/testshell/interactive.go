package testshell

import (
	"context"
	"regexp"
	"time"

	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/connection"
)

type interactiveFailure struct {
	message   string
	exception string
	err       string
}

type interactiveStep struct {
	name      string
	command   string
	successes []string
	failures  []interactiveFailure
}

type interactiveScript struct {
	name    string
	prompts []string
	steps   []interactiveStep
}

// TestInteractiveAction drives a prompt that is not a POSIX shell, such
// as a bootloader console, with a script of commands and expected
// messages.
type TestInteractiveAction struct {
	*action.BaseAction
	scripts []interactiveScript
}

func NewTestInteractiveAction() *TestInteractiveAction {
	return &TestInteractiveAction{
		BaseAction: action.NewBaseAction(
			"lava-test-interactive",
			"Executing interactive tests",
			"Lava Test Interactive",
		),
	}
}

func NewTestInteractiveRetry() *action.RetryAction {
	return action.NewRetryAction(
		"lava-test-interactive-retry",
		"Retry wrapper for lava-test-interactive",
		"Retry support for Lava Test Interactive",
		func(p *action.Pipeline, params action.Parameters) {
			p.Add(NewTestInteractiveAction(), params)
		},
	)
}

func (a *TestInteractiveAction) Populate(params action.Parameters) {
	if block := params.Map("timeout"); block != nil {
		if d, err := action.ParseTimeout(block); err == nil {
			a.Timeout.Duration = d
		}
	}
	for i, item := range params.List("interactive") {
		block, ok := action.ToParameters(item)
		if !ok {
			a.AddError("interactive block %d is not a mapping", i)
			continue
		}
		script := interactiveScript{name: block.String("name"), prompts: block.Strings("prompts")}
		if script.name == "" {
			a.AddError("interactive block %d has no name", i)
		}
		if len(script.prompts) == 0 {
			a.AddError("interactive %s: no prompts", script.name)
		}
		for _, raw := range block.List("script") {
			s, ok := action.ToParameters(raw)
			if !ok {
				a.AddError("interactive %s: script step is not a mapping", script.name)
				continue
			}
			step := interactiveStep{name: s.String("name"), command: s.String("command")}
			for _, m := range s.List("successes") {
				if mp, ok := action.ToParameters(m); ok {
					step.successes = append(step.successes, mp.String("message"))
				}
			}
			for _, m := range s.List("failures") {
				if mp, ok := action.ToParameters(m); ok {
					step.failures = append(step.failures, interactiveFailure{
						message:   mp.String("message"),
						exception: mp.String("exception"),
						err:       mp.String("error"),
					})
				}
			}
			script.steps = append(script.steps, step)
		}
		a.scripts = append(a.scripts, script)
	}
}

func (a *TestInteractiveAction) Validate() error {
	if len(a.Parameters().List("interactive")) == 0 {
		a.AddError("%s: no interactive scripts", a.Name())
	}
	for _, s := range a.scripts {
		for _, p := range s.prompts {
			if _, err := regexp.Compile(p); err != nil {
				a.AddError("interactive %s: invalid prompt %q", s.name, p)
			}
		}
	}
	return a.BaseAction.Validate()
}

func (a *TestInteractiveAction) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	if conn == nil {
		return nil, action.NewJobError("%s: no connection available", a.Name())
	}
	for _, script := range a.scripts {
		if err := a.runScript(ctx, conn, script, maxEndTime); err != nil {
			return conn, err
		}
	}
	return conn, nil
}

func (a *TestInteractiveAction) runScript(
	ctx context.Context,
	conn connection.Connection,
	script interactiveScript,
	maxEndTime time.Time,
) error {
	prompts, err := connection.CompilePatterns(script.prompts...)
	if err != nil {
		return action.NewJobError("interactive %s: %v", script.name, err)
	}
	for _, step := range script.steps {
		if step.command != "" {
			if err := conn.Sendline(ctx, step.command, a.CharacterDelay); err != nil {
				return action.NewConnectionClosedError("%s: err sending %q: %v", a.Name(), step.command, err)
			}
		}
		result, err := a.runStep(ctx, conn, step, prompts, maxEndTime)
		if err != nil {
			return err
		}
		if step.name == "" {
			continue
		}
		if err := a.Record(action.Result{
			Definition: script.name,
			Case:       step.name,
			Result:     result,
		}); err != nil {
			return err
		}
	}
	return nil
}

// runStep waits for a success or failure message, then for the prompt.
func (a *TestInteractiveAction) runStep(
	ctx context.Context,
	conn connection.Connection,
	step interactiveStep,
	prompts []*regexp.Regexp,
	maxEndTime time.Time,
) (string, error) {
	timeout := action.RemainingTime(a.ConnectionTimeout.Duration, maxEndTime)
	result := action.ResultPass
	if len(step.successes)+len(step.failures) > 0 {
		var patterns []*regexp.Regexp
		for _, s := range step.successes {
			patterns = append(patterns, connection.Quote(s))
		}
		for _, f := range step.failures {
			patterns = append(patterns, connection.Quote(f.message))
		}
		m, err := conn.Expect(ctx, patterns, timeout)
		if err != nil {
			return "", a.connError(err)
		}
		if m.Index >= len(step.successes) {
			f := step.failures[m.Index-len(step.successes)]
			if f.exception != "" {
				return "", failureError(f)
			}
			result = action.ResultFail
		}
	}
	if _, err := conn.Expect(ctx, prompts, timeout); err != nil {
		return "", a.connError(err)
	}
	return result, nil
}

func failureError(f interactiveFailure) error {
	msg := f.err
	if msg == "" {
		msg = f.message
	}
	switch f.exception {
	case "InfrastructureError":
		return action.NewInfrastructureError("%s", msg)
	case "JobError":
		return action.NewJobError("%s", msg)
	}
	return action.NewTestError("%s", msg)
}

func (a *TestInteractiveAction) connError(err error) error {
	switch action.KindOf(err) {
	case action.KindTimeout:
		return action.NewTimeoutError("%s timed out: %v", a.Name(), err)
	case action.KindConnectionClosed:
		return action.NewConnectionClosedError("%s: connection closed: %v", a.Name(), err)
	}
	return err
}
