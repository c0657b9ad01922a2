package action

import (
	"context"
	"time"

	"github.com/haatos/simple-lava/internal/connection"
)

// DiagnosticFunc gathers extra information about a failure. Its error is
// only logged.
type DiagnosticFunc func(ctx context.Context, conn connection.Connection, d *DiagnosticAction) error

// DiagnosticAction is registered on the job with a trigger name and runs
// after a failed job whose actions fired that trigger.
type DiagnosticAction struct {
	*BaseAction
	trigger string
	fn      DiagnosticFunc
}

func NewDiagnosticAction(name, trigger string, fn DiagnosticFunc) *DiagnosticAction {
	return &DiagnosticAction{
		BaseAction: NewBaseAction(name, "diagnostic action", "run diagnostics on "+trigger),
		trigger:    trigger,
		fn:         fn,
	}
}

func (d *DiagnosticAction) Trigger() string {
	return d.trigger
}

func (d *DiagnosticAction) Run(
	ctx context.Context,
	conn connection.Connection,
	_ time.Time,
) (connection.Connection, error) {
	d.Logger.Info().Str("trigger", d.trigger).Msg("running diagnostic")
	if d.fn == nil {
		return conn, nil
	}
	return conn, d.fn(ctx, conn, d)
}
