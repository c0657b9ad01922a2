package action

import (
	"context"
	"time"

	"github.com/haatos/simple-lava/internal/connection"
)

// FinalizeAction is the last action of every root pipeline. It runs the
// power off steps, finalises every connection and sets the job status.
// When an earlier action failed it runs from Cleanup instead.
type FinalizeAction struct {
	*BaseAction
	steps []Action
	ran   bool
}

func NewFinalizeAction(steps ...Action) *FinalizeAction {
	b := NewBaseAction("finalize", "finish the process and cleanup", "finalize the job")
	b.Timeout.Duration = 5 * time.Minute
	return &FinalizeAction{BaseAction: b, steps: steps}
}

func (f *FinalizeAction) Populate(params Parameters) {
	if len(f.steps) == 0 {
		return
	}
	p := f.NewInternalPipeline()
	for _, s := range f.steps {
		p.Add(s, params)
	}
}

func (f *FinalizeAction) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	if f.ran {
		return conn, nil
	}
	f.ran = true
	if f.pipeline != nil {
		for _, s := range f.pipeline.actions {
			if _, err := s.Run(ctx, conn, maxEndTime); err != nil {
				s.Base().Logger.Error().Err(err).Msg("finalize step failed")
			}
		}
	}
	f.finalise(conn)
	f.job.conclude()
	f.Logger.Info().Str("status", string(f.job.status)).Msg("job status")
	return nil, nil
}

func (f *FinalizeAction) Cleanup(ctx context.Context, conn connection.Connection) error {
	if f.ran {
		return nil
	}
	_, err := f.Run(ctx, conn, time.Time{})
	return err
}

func (f *FinalizeAction) finalise(conn connection.Connection) {
	seen := make(map[connection.Connection]bool)
	closeConn := func(c connection.Connection) {
		if c == nil || seen[c] {
			return
		}
		seen[c] = true
		if err := c.Finalise(); err != nil {
			f.Logger.Warn().Err(err).Str("connection", c.Name()).Msg("err finalising connection")
		}
	}
	closeConn(conn)
	for _, name := range f.job.Namespaces() {
		closeConn(f.job.Namespace(name).Connection)
	}
}
