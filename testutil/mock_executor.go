package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Run(ctx context.Context, argv []string) (string, error) {
	args := m.Called(ctx, argv)
	return args.String(0), args.Error(1)
}

// RecordingExecutor succeeds for every command and keeps the command
// lines.
type RecordingExecutor struct {
	Calls  [][]string
	Output map[string]string
}

func (e *RecordingExecutor) Run(_ context.Context, argv []string) (string, error) {
	e.Calls = append(e.Calls, argv)
	if len(argv) > 0 && e.Output != nil {
		return e.Output[argv[0]], nil
	}
	return "", nil
}
