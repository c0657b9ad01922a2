package store

import (
	"context"

	"github.com/haatos/simple-lava/internal/action"
)

type ResultStore interface {
	CreateResult(context.Context, string, action.Result) error
	ListJobResults(context.Context, string) ([]action.Result, error)
}
