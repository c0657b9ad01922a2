package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/testutil"
)

func newCommandJob(t *testing.T, name string) (*action.Job, *CommandAction, *testutil.MockExecutor) {
	t.Helper()
	job := action.NewJob("7", newBoard(), action.Parameters{}, zerolog.Nop())
	exec := new(testutil.MockExecutor)
	job.Executor = exec
	a := NewCommandAction()
	job.Pipeline().Add(a, action.Parameters{"name": name})
	return job, a, exec
}

func TestCommandAction(t *testing.T) {
	t.Run("success - do runs and undo runs at cleanup", func(t *testing.T) {
		// arrange
		job, _, exec := newCommandJob(t, "relay")
		exec.On("Run", mock.Anything, []string{"/bin/sh", "-c", "relay --on 3"}).Return("relay 3 on\n", nil)
		exec.On("Run", mock.Anything, []string{"/bin/sh", "-c", "relay --off 3"}).Return("", nil)
		require.NoError(t, job.Validate())

		// act
		_, err := job.Pipeline().Run(context.Background(), nil, time.Now().Add(time.Minute))
		cerr := job.Pipeline().Cleanup(context.Background(), nil)

		// assert
		assert.NoError(t, err)
		assert.NoError(t, cerr)
		exec.AssertExpectations(t)
	})

	t.Run("success - undo skipped when do never ran", func(t *testing.T) {
		// arrange
		_, a, exec := newCommandJob(t, "relay")

		// act
		err := a.Cleanup(context.Background(), nil)

		// assert
		assert.NoError(t, err)
		exec.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
	})

	t.Run("fail - failing command is an infrastructure error", func(t *testing.T) {
		// arrange
		job, _, exec := newCommandJob(t, "relay")
		exec.On("Run", mock.Anything, []string{"/bin/sh", "-c", "relay --on 3"}).Return("", errors.New("exit status 1"))
		require.NoError(t, job.Validate())

		// act
		_, err := job.Pipeline().Run(context.Background(), nil, time.Now().Add(time.Minute))

		// assert
		assert.Equal(t, action.KindInfrastructure, action.KindOf(err))
		assert.ErrorContains(t, err, `"relay --on 3" failed`)
	})

	t.Run("fail - unknown user command", func(t *testing.T) {
		// arrange
		job, _, _ := newCommandJob(t, "fan")

		// act
		err := job.Validate()

		// assert
		assert.ErrorContains(t, err, `unknown user command "fan"`)
	})
}
