package action

import (
	"context"
	"fmt"
	"time"

	"github.com/haatos/simple-lava/internal/connection"
)

// BuildFunc adds the children of a composite action to its internal
// pipeline.
type BuildFunc func(p *Pipeline, params Parameters)

// RetryAction runs its internal pipeline again when it fails with a
// retryable error. With repeat set it runs the pipeline exactly
// MaxRetries times instead.
type RetryAction struct {
	*BaseAction
	build   BuildFunc
	repeat  bool
	retries int
	valid   bool
}

func NewRetryAction(name, description, summary string, build BuildFunc) *RetryAction {
	b := NewBaseAction(name, description, summary)
	b.RequirePipeline()
	return &RetryAction{BaseAction: b, build: build, valid: true}
}

func (r *RetryAction) Populate(params Parameters) {
	switch {
	case params.Has("repeat"):
		r.repeat = true
		r.MaxRetries = params.Int("repeat", 1)
	case params.Has("failure_retry"):
		r.MaxRetries = params.Int("failure_retry", 1)
	}
	if n := params.Int("failure_retry_interval", 0); n > 0 {
		r.Sleep = time.Duration(n) * time.Second
	}
	p := r.NewInternalPipeline()
	if r.build != nil {
		r.build(p, params.Without("failure_retry", "repeat"))
	}
}

func (r *RetryAction) Validate() error {
	if r.MaxRetries < 1 {
		r.AddError("%s: invalid number of retries: %d", r.name, r.MaxRetries)
	}
	return r.BaseAction.Validate()
}

// Retries reports the failed attempts of the last run.
func (r *RetryAction) Retries() int {
	return r.retries
}

// Repeated reports whether every repeat iteration passed.
func (r *RetryAction) Repeated() bool {
	return r.valid
}

func (r *RetryAction) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	if r.pipeline == nil {
		return conn, NewDefectError("%s (%s) has no internal pipeline", r.name, r.level)
	}
	if r.repeat {
		return r.runRepeat(ctx, conn, maxEndTime)
	}
	r.retries = 0
	for {
		next, err := r.pipeline.Run(ctx, conn, maxEndTime)
		if next != nil {
			conn = next
		}
		if err == nil {
			if r.retries > 0 {
				r.Logger.Info().Msgf("%s succeeded after %d failed attempts", r.name, r.retries)
			}
			return conn, nil
		}
		if !Retryable(err) {
			return conn, err
		}
		r.retries++
		msg := fmt.Sprintf("%s failed: %d of %d attempts. '%s'", r.name, r.retries, r.MaxRetries, err)
		r.Logger.Error().Msg(msg)
		r.cleanupAttempt(ctx, conn)
		if r.retries >= r.MaxRetries {
			r.AddError("%s", msg)
			return conn, Annotate(err, "%s", msg)
		}
		if !maxEndTime.IsZero() && time.Now().After(maxEndTime) {
			return conn, NewTimeoutError("%s: no time left to retry after %d attempts: %v", r.name, r.retries, err)
		}
		if werr := r.sleep(ctx); werr != nil {
			return conn, Annotate(err, "%s", msg)
		}
	}
}

func (r *RetryAction) runRepeat(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	r.valid = true
	failed := 0
	var lastErr error
	for i := 1; i <= r.MaxRetries; i++ {
		r.Logger.Info().Msgf("%s: repeat %d of %d", r.name, i, r.MaxRetries)
		next, err := r.pipeline.Run(ctx, conn, maxEndTime)
		if next != nil {
			conn = next
		}
		if err != nil {
			if !Retryable(err) {
				return conn, err
			}
			failed++
			lastErr = err
			r.valid = false
			r.Logger.Error().Err(err).Msgf("%s: repeat %d of %d failed", r.name, i, r.MaxRetries)
		}
		if i < r.MaxRetries {
			r.cleanupAttempt(ctx, conn)
		}
	}
	if failed > 0 {
		return conn, NewJobError("%s: %d of %d repeats failed: %v", r.name, failed, r.MaxRetries, lastErr)
	}
	return conn, nil
}

// cleanupAttempt uses a context detached from the attempt deadline so a
// timed out attempt can still be cleaned up.
func (r *RetryAction) cleanupAttempt(ctx context.Context, conn connection.Connection) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), CleanupTimeout)
	defer cancel()
	if err := r.pipeline.Cleanup(cctx, conn); err != nil {
		r.Logger.Error().Err(err).Msg("err cleaning up failed attempt")
	}
}

func (r *RetryAction) sleep(ctx context.Context) error {
	if r.Sleep <= 0 {
		return nil
	}
	t := time.NewTimer(r.Sleep)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
