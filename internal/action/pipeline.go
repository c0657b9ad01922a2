package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haatos/simple-lava/internal/connection"
	"github.com/haatos/simple-lava/internal/metrics"
)

// Pipeline is an ordered list of sibling actions sharing a parent.
type Pipeline struct {
	job     *Job
	parent  Action
	actions []Action
}

func newPipeline(job *Job, parent Action) *Pipeline {
	return &Pipeline{job: job, parent: parent}
}

func (p *Pipeline) Actions() []Action {
	return p.actions
}

func (p *Pipeline) Parent() Action {
	return p.parent
}

func (p *Pipeline) Len() int {
	return len(p.actions)
}

// Add appends a to the pipeline: it assigns the dotted level, hands the
// action a private copy of params, applies timeout overrides from the
// stanza and the job, then lets the action populate its own pipeline.
func (p *Pipeline) Add(a Action, params Parameters) {
	b := a.Base()
	b.self = a
	b.job = p.job
	index := len(p.actions) + 1
	if p.parent == nil {
		b.level = fmt.Sprintf("%d", index)
	} else {
		b.level = fmt.Sprintf("%s.%d", p.parent.Base().level, index)
		b.section = p.parent.Base().section
	}
	b.parameters = params.Copy()
	if s := b.parameters.String("section"); s != "" {
		b.section = s
	}

	p.job.applyTimeouts(b)
	// the stanza timeout bounds the top-level action only
	if block := b.parameters.Map("timeout"); block != nil && p.parent == nil {
		if d, err := ParseTimeout(block); err == nil {
			b.Timeout.Duration = d
		} else {
			b.AddError("%s: %v", b.name, err)
		}
		b.Timeout.Skip = block.Bool("skip")
	}
	if n := b.parameters.Int("character_delay", 0); n > 0 {
		b.CharacterDelay = time.Duration(n) * time.Millisecond
	}

	b.Logger = p.job.Logger.With().
		Str("action", b.name).
		Str("level", b.level).
		Str("namespace", b.parameters.Namespace()).
		Logger()

	p.actions = append(p.actions, a)
	if pop, ok := a.(Populator); ok {
		pop.Populate(b.parameters)
	}
}

// Validate validates every action in order. Only defects abort; other
// problems are accumulated on the actions.
func (p *Pipeline) Validate() error {
	for _, a := range p.actions {
		b := a.Base()
		if err := b.transition(eventValidate); err != nil {
			return err
		}
		if err := a.Validate(); err != nil {
			if IsDefect(err) {
				return err
			}
			b.AddError("%v", err)
		}
	}
	return nil
}

// Errors collects the errors of the whole tree in level order.
func (p *Pipeline) Errors() []string {
	var errs []string
	for _, a := range p.actions {
		b := a.Base()
		errs = append(errs, b.errors...)
		if b.pipeline != nil {
			errs = append(errs, b.pipeline.Errors()...)
		}
	}
	return errs
}

// Walk visits every action of the tree depth first.
func (p *Pipeline) Walk(fn func(a Action)) {
	for _, a := range p.actions {
		fn(a)
		if pl := a.Base().pipeline; pl != nil {
			pl.Walk(fn)
		}
	}
}

// Run executes the actions strictly in order. Each child gets a deadline
// bounded by its own timeout and by maxEndTime.
func (p *Pipeline) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	for _, a := range p.actions {
		if err := ctx.Err(); errors.Is(err, context.Canceled) {
			return conn, err
		}
		next, err := p.runAction(ctx, a, conn, maxEndTime)
		if next != nil {
			conn = next
		}
		if err == nil {
			continue
		}
		b := a.Base()
		if KindOf(err) == KindTimeout && b.Timeout.Skip {
			b.Logger.Warn().Err(err).Msg("timeout skipped, continuing with the next action")
			continue
		}
		return conn, err
	}
	return conn, nil
}

func (p *Pipeline) runAction(
	ctx context.Context,
	a Action,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	b := a.Base()
	if err := b.transition(eventRun); err != nil {
		return conn, err
	}
	start := time.Now()
	deadline := b.Timeout.Deadline(start, maxEndTime)
	actx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	b.Logger.Info().
		Str("timeout", b.Timeout.Duration.String()).
		Msgf("start: %s %s (timeout %s)", b.level, b.name, b.Timeout.Duration)
	next, err := a.Run(actx, conn, deadline)
	duration := time.Since(start)

	if err == nil && actx.Err() == context.DeadlineExceeded && time.Now().After(deadline) {
		err = NewTimeoutError("%s timed out after %s", b.name, b.Timeout.Duration)
	}
	var classified *Error
	if err != nil && KindOf(err) == KindTimeout && !errors.As(err, &classified) {
		err = Annotate(err, "%s (%s) timed out after %s: %v", b.name, b.level, b.Timeout.Duration, err)
	}

	b.Data["duration"] = FormatDuration(duration)
	b.Data["level"] = b.level
	b.Data["namespace"] = b.Namespace()
	outcome := "done"
	if err != nil {
		outcome = string(KindOf(err))
		if terr := b.transition(eventFail); terr != nil {
			return next, terr
		}
		b.Logger.Error().
			Err(err).
			Str("kind", outcome).
			Str("duration", FormatDuration(duration)).
			Msgf("%s failed", b.name)
	} else {
		if terr := b.transition(eventFinish); terr != nil {
			return next, terr
		}
		b.Logger.Info().
			Str("duration", FormatDuration(duration)).
			Interface("results", b.Data).
			Msgf("%s duration: %s", b.name, FormatDuration(duration))
	}
	metrics.ActionDuration.WithLabelValues(b.name, outcome).Observe(duration.Seconds())
	return next, err
}

// Cleanup runs the cleanup of every action in list order, so that a
// trailing FinalizeAction closes the connections last. All actions are
// cleaned up even when some fail; the errors are joined.
func (p *Pipeline) Cleanup(ctx context.Context, conn connection.Connection) error {
	var errs []error
	for _, a := range p.actions {
		if err := a.Cleanup(ctx, conn); err != nil {
			a.Base().Logger.Error().Err(err).Msg("cleanup failed")
			errs = append(errs, fmt.Errorf("err cleaning up %s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Description summarises one action of the tree for display.
type Description struct {
	Level       string        `json:"level" yaml:"level"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description" yaml:"description"`
	Summary     string        `json:"summary" yaml:"summary"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
}

// Describe flattens the tree in level order.
func (p *Pipeline) Describe() []Description {
	var out []Description
	p.Walk(func(a Action) {
		b := a.Base()
		out = append(out, Description{
			Level:       b.level,
			Name:        b.name,
			Description: b.description,
			Summary:     b.summary,
			Timeout:     b.Timeout.Duration,
		})
	})
	return out
}
