package testshell

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/connection"
)

type monitor struct {
	name    string
	start   string
	end     string
	pattern *regexp.Regexp
	fixup   *PatternFixup
}

// TestMonitorAction watches the boot output of a device that has no
// shell. Each monitor waits for its start string, then records every
// pattern match until its end string.
type TestMonitorAction struct {
	*action.BaseAction
	monitors []monitor
}

func NewTestMonitorAction() *TestMonitorAction {
	return &TestMonitorAction{
		BaseAction: action.NewBaseAction(
			"lava-test-monitor",
			"Executing monitors on the boot output",
			"Lava Test Monitor",
		),
	}
}

func NewTestMonitorRetry() *action.RetryAction {
	return action.NewRetryAction(
		"lava-test-monitor-retry",
		"Retry wrapper for lava-test-monitor",
		"Retry support for Lava Test Monitoring",
		func(p *action.Pipeline, params action.Parameters) {
			p.Add(NewTestMonitorAction(), params)
		},
	)
}

func (a *TestMonitorAction) Populate(params action.Parameters) {
	if block := params.Map("timeout"); block != nil {
		if d, err := action.ParseTimeout(block); err == nil {
			a.Timeout.Duration = d
		}
	}
	for i, item := range params.List("monitors") {
		m, ok := action.ToParameters(item)
		if !ok {
			a.AddError("monitor %d is not a mapping", i)
			continue
		}
		mon := monitor{
			name:  m.String("name"),
			start: m.String("start"),
			end:   m.String("end"),
		}
		if mon.name == "" || mon.start == "" || mon.end == "" {
			a.AddError("monitor %d needs name, start and end", i)
			continue
		}
		re, err := regexp.Compile(m.String("pattern"))
		if err != nil || m.String("pattern") == "" {
			a.AddError("monitor %s: invalid pattern %q", mon.name, m.String("pattern"))
			continue
		}
		mon.pattern = re
		mon.fixup = &PatternFixup{Pattern: re, Fixup: toStringMap(m.Map("fixupdict"))}
		a.monitors = append(a.monitors, mon)
	}
}

func (a *TestMonitorAction) Validate() error {
	if len(a.Parameters().List("monitors")) == 0 {
		a.AddError("%s: no monitors", a.Name())
	}
	return a.BaseAction.Validate()
}

func (a *TestMonitorAction) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	if conn == nil {
		return nil, action.NewJobError("%s: no connection to monitor", a.Name())
	}
	for _, mon := range a.monitors {
		if err := a.watch(ctx, conn, mon, maxEndTime); err != nil {
			return conn, err
		}
	}
	return conn, nil
}

func (a *TestMonitorAction) watch(
	ctx context.Context,
	conn connection.Connection,
	mon monitor,
	maxEndTime time.Time,
) error {
	timeout := action.RemainingTime(a.Timeout.Duration, maxEndTime)
	if _, err := conn.Expect(ctx, []*regexp.Regexp{connection.Quote(mon.start)}, timeout); err != nil {
		if action.KindOf(err) == action.KindTimeout {
			a.Logger.Warn().Str("monitor", mon.name).Msg("start string not found, skipping monitor")
			return nil
		}
		return a.connError(err)
	}
	a.Logger.Info().Str("monitor", mon.name).Msg("monitor started")
	patterns := []*regexp.Regexp{connection.Quote(mon.end), mon.pattern}
	for {
		m, err := conn.Expect(ctx, patterns, action.RemainingTime(a.Timeout.Duration, maxEndTime))
		if err != nil {
			return a.connError(err)
		}
		if m.Index == 0 {
			a.Logger.Info().Str("monitor", mon.name).Msg("monitor ended")
			return nil
		}
		id := strings.ReplaceAll(m.Group("test_case_id"), "/", "_")
		if id == "" || strings.ContainsAny(id, " \t") {
			a.Logger.Error().Str("test_case_id", id).Msg("test case id must be a non-empty word")
			continue
		}
		res := action.Result{
			Definition: mon.name,
			Case:       id,
			Result:     mon.fixup.Result(m.Group("result")),
			Units:      m.Group("units"),
		}
		if !action.ValidResult(res.Result) {
			a.Logger.Error().Str("case", id).Str("result", res.Result).Msg("invalid test result")
			continue
		}
		if s := m.Group("measurement"); s != "" {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return action.NewTestError("invalid measurement %q for test case %s", s, id)
			}
			res.Measurement = &f
		}
		if err := a.Record(res); err != nil {
			return err
		}
	}
}

func (a *TestMonitorAction) connError(err error) error {
	switch action.KindOf(err) {
	case action.KindTimeout:
		return action.NewTimeoutError("%s timed out after %s: %v", a.Name(), a.Timeout.Duration, err)
	case action.KindConnectionClosed:
		return action.NewConnectionClosedError("%s: connection closed: %v", a.Name(), err)
	}
	return err
}

func toStringMap(p action.Parameters) map[string]string {
	if len(p) == 0 {
		return nil
	}
	out := make(map[string]string, len(p))
	for k := range p {
		out[k] = p.String(k)
	}
	return out
}
