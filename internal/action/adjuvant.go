package action

import (
	"context"
	"time"

	"github.com/haatos/simple-lava/internal/connection"
)

// AdjuvantAction runs its internal pipeline only when an earlier action
// of the namespace set the flag named Key, then clears the flag.
type AdjuvantAction struct {
	*BaseAction
	Key   string
	build BuildFunc
	ran   bool
}

func NewAdjuvantAction(name, description, summary, key string, build BuildFunc) *AdjuvantAction {
	return &AdjuvantAction{
		BaseAction: NewBaseAction(name, description, summary),
		Key:        key,
		build:      build,
	}
}

func (a *AdjuvantAction) Populate(params Parameters) {
	p := a.NewInternalPipeline()
	if a.build != nil {
		a.build(p, params)
	}
}

func (a *AdjuvantAction) Validate() error {
	if a.Key == "" {
		return NewDefectError("adjuvant %s has no key", a.name)
	}
	return a.BaseAction.Validate()
}

// Ran reports whether the last run needed the adjuvant.
func (a *AdjuvantAction) Ran() bool {
	return a.ran
}

func (a *AdjuvantAction) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	a.ran = false
	if !a.Flag(a.Key) {
		a.Logger.Debug().Msgf("skipping adjuvant %s", a.Key)
		return conn, nil
	}
	a.Logger.Warn().Msgf("adjuvant %s required", a.name)
	a.ran = true
	next, err := a.BaseAction.Run(ctx, conn, maxEndTime)
	if err == nil {
		a.SetFlag(a.Key, false)
	}
	return next, err
}
