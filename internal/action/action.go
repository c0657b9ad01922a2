// Package action implements the dispatcher pipeline engine: the tree of
// actions compiled from a job definition, its validation and execution,
// the retry and adjuvant wrappers and the per-namespace job state.
package action

import (
	"context"
	"fmt"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/haatos/simple-lava/internal/connection"
)

// Action is one node of the pipeline tree.
//
// Run receives the connection returned by the previous sibling and
// returns the connection for the next one. maxEndTime is the absolute
// deadline inherited from every ancestor.
type Action interface {
	Name() string
	Description() string
	Summary() string
	Base() *BaseAction
	Validate() error
	Run(ctx context.Context, conn connection.Connection, maxEndTime time.Time) (connection.Connection, error)
	Cleanup(ctx context.Context, conn connection.Connection) error
}

// Populator is implemented by actions that build an internal pipeline
// once they have been added to a pipeline.
type Populator interface {
	Populate(params Parameters)
}

// BaseAction carries the state shared by every action. Concrete actions
// embed *BaseAction and override Validate, Run or Cleanup.
type BaseAction struct {
	name        string
	description string
	summary     string
	level       string
	section     string
	parameters  Parameters
	errors      []string
	pipeline    *Pipeline
	job         *Job
	self        Action
	lifecycle   *fsm.FSM
	// composite actions only orchestrate and must own a pipeline
	requiresPipeline bool

	Timeout           *Timeout
	ConnectionTimeout *Timeout
	MaxRetries        int
	Sleep             time.Duration
	CharacterDelay    time.Duration
	Logger            zerolog.Logger
	// Data is the structured record of the last run, logged at the end
	// of the action.
	Data map[string]any
}

func NewBaseAction(name, description, summary string) *BaseAction {
	return &BaseAction{
		name:              name,
		description:       description,
		summary:           summary,
		parameters:        Parameters{},
		lifecycle:         newLifecycle(),
		Timeout:           NewTimeout(name, DefaultActionTimeout),
		ConnectionTimeout: NewTimeout(name, DefaultConnectionTimeout),
		MaxRetries:        1,
		Sleep:             time.Second,
		Logger:            zerolog.Nop(),
		Data:              make(map[string]any),
	}
}

func (b *BaseAction) Base() *BaseAction      { return b }
func (b *BaseAction) Name() string           { return b.name }
func (b *BaseAction) Description() string    { return b.description }
func (b *BaseAction) Summary() string        { return b.summary }
func (b *BaseAction) Level() string          { return b.level }
func (b *BaseAction) Section() string        { return b.section }
func (b *BaseAction) Job() *Job              { return b.job }
func (b *BaseAction) Parameters() Parameters { return b.parameters }

// Self returns the concrete action wrapping this base.
func (b *BaseAction) Self() Action { return b.self }

func (b *BaseAction) Errors() []string {
	return b.errors
}

// AddError records a validation or run problem without aborting.
func (b *BaseAction) AddError(format string, args ...any) {
	b.errors = append(b.errors, fmt.Sprintf(format, args...))
}

func (b *BaseAction) Valid() bool {
	return len(b.errors) == 0
}

func (b *BaseAction) Namespace() string {
	return b.parameters.Namespace()
}

// NamespaceState returns the state of the namespace named in the action
// parameters.
func (b *BaseAction) NamespaceState() *NamespaceState {
	return b.job.Namespace(b.Namespace())
}

func (b *BaseAction) InternalPipeline() *Pipeline {
	return b.pipeline
}

// NewInternalPipeline creates the child pipeline of a composite action.
// It must be called from Populate, once the action belongs to a job.
func (b *BaseAction) NewInternalPipeline() *Pipeline {
	b.requiresPipeline = true
	b.pipeline = newPipeline(b.job, b.self)
	return b.pipeline
}

// RequirePipeline marks the action as composite so validation fails when
// no internal pipeline was built.
func (b *BaseAction) RequirePipeline() {
	b.requiresPipeline = true
}

func (b *BaseAction) Validate() error {
	if b.name == "" {
		return NewDefectError("action at level %s has no name", b.level)
	}
	if b.job == nil {
		return NewDefectError("action %s was never added to a pipeline", b.name)
	}
	if b.requiresPipeline && b.pipeline == nil {
		return NewDefectError("action %s (%s) requires an internal pipeline", b.name, b.level)
	}
	if b.Timeout == nil || b.Timeout.Duration <= 0 {
		b.AddError("%s: invalid timeout", b.name)
	}
	if b.pipeline != nil {
		return b.pipeline.Validate()
	}
	return nil
}

// Run delegates to the internal pipeline, threading the connection
// through the children.
func (b *BaseAction) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	if b.pipeline == nil {
		if b.requiresPipeline {
			return conn, NewDefectError("action %s (%s) requires an internal pipeline", b.name, b.level)
		}
		return conn, nil
	}
	return b.pipeline.Run(ctx, conn, maxEndTime)
}

func (b *BaseAction) Cleanup(ctx context.Context, conn connection.Connection) error {
	if b.pipeline == nil {
		return nil
	}
	return b.pipeline.Cleanup(ctx, conn)
}

// Record emits a result record tagged with the level and namespace of
// the action.
func (b *BaseAction) Record(r Result) error {
	if r.Level == "" {
		r.Level = b.level
	}
	if r.Namespace == "" {
		r.Namespace = b.Namespace()
	}
	return b.job.Record(r)
}

// Trigger fires a diagnostic trigger for the job.
func (b *BaseAction) Trigger(name string) {
	b.job.Trigger(name)
}

// SetFlag sets a shared flag for adjuvant actions in this namespace.
func (b *BaseAction) SetFlag(key string, value bool) {
	b.NamespaceState().Flags[key] = value
}

func (b *BaseAction) Flag(key string) bool {
	return b.NamespaceState().Flags[key]
}

// RemainingTime bounds a timeout by the absolute deadline.
func RemainingTime(timeout time.Duration, maxEndTime time.Time) time.Duration {
	if maxEndTime.IsZero() {
		return timeout
	}
	left := time.Until(maxEndTime)
	if left < timeout {
		if left < 0 {
			return 0
		}
		return left
	}
	return timeout
}

// Wait sets the prompts on the connection and waits for one of them
// within the connection timeout of the action.
func (b *BaseAction) Wait(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (*connection.Match, error) {
	if conn == nil {
		return nil, NewJobError("%s: no connection available", b.name)
	}
	timeout := RemainingTime(b.ConnectionTimeout.Duration, maxEndTime)
	m, err := conn.Wait(ctx, timeout)
	if err != nil {
		return nil, b.connectionError(err)
	}
	return m, nil
}

func (b *BaseAction) connectionError(err error) error {
	switch KindOf(err) {
	case KindTimeout:
		return NewTimeoutError("%s timed out after %s: %v", b.name, b.ConnectionTimeout.Duration, err)
	case KindConnectionClosed:
		return NewConnectionClosedError("%s: connection closed: %v", b.name, err)
	}
	return err
}
