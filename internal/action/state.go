package action

import (
	"context"

	"github.com/looplab/fsm"
)

const (
	StateCreated   = "created"
	StateValidated = "validated"
	StateRunning   = "running"
	StateDone      = "done"
	StateFailed    = "failed"

	eventValidate = "validate"
	eventRun      = "run"
	eventFinish   = "finish"
	eventFail     = "fail"
)

// newLifecycle builds the per-action state machine. Done and failed
// actions may run again when a RetryAction repeats their pipeline.
func newLifecycle() *fsm.FSM {
	return fsm.NewFSM(
		StateCreated,
		fsm.Events{
			{Name: eventValidate, Src: []string{StateCreated}, Dst: StateValidated},
			{Name: eventRun, Src: []string{StateValidated, StateDone, StateFailed}, Dst: StateRunning},
			{Name: eventFinish, Src: []string{StateRunning}, Dst: StateDone},
			{Name: eventFail, Src: []string{StateRunning}, Dst: StateFailed},
		},
		fsm.Callbacks{},
	)
}

// transition ignores the caller's context: a timed out action must still
// be able to move to the failed state.
func (b *BaseAction) transition(event string) error {
	if err := b.lifecycle.Event(context.Background(), event); err != nil {
		return NewDefectError("action %s (%s): cannot %s from state %s: %v",
			b.name, b.level, event, b.lifecycle.Current(), err)
	}
	return nil
}

// Lifecycle returns the lifecycle state of the action.
func (b *BaseAction) Lifecycle() string {
	return b.lifecycle.Current()
}
