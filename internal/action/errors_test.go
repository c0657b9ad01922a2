package action

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/haatos/simple-lava/internal/connection"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"classified", NewTestError("bad"), KindTest},
		{"wrapped classified", fmt.Errorf("err booting: %w", NewJobError("bad")), KindJob},
		{"connection closed", fmt.Errorf("err reading: %w", connection.ErrClosed), KindConnectionClosed},
		{"connection timeout", connection.ErrTimeout, KindTimeout},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"canceled", context.Canceled, KindCanceled},
		{"unclassified", errors.New("exit status 1"), KindInfrastructure},
	}
	for _, c := range cases {
		t.Run("success - "+c.name, func(t *testing.T) {
			// act
			kind := KindOf(c.err)

			// assert
			assert.Equal(t, c.want, kind)
		})
	}
}

func TestRetryable(t *testing.T) {
	t.Run("success - only recoverable kinds are retryable", func(t *testing.T) {
		// assert
		assert.True(t, Retryable(NewInfrastructureError("x")))
		assert.True(t, Retryable(NewJobError("x")))
		assert.True(t, Retryable(NewTestError("x")))
		assert.True(t, Retryable(NewTimeoutError("x")))
		assert.False(t, Retryable(NewDefectError("x")))
		assert.False(t, Retryable(NewConnectionClosedError("x")))
		assert.False(t, Retryable(context.Canceled))
	})
}

func TestAnnotate(t *testing.T) {
	t.Run("success - kind and cause are kept", func(t *testing.T) {
		// arrange
		cause := NewTestError("no result")

		// act
		err := Annotate(cause, "test failed: %v", cause)

		// assert
		assert.Equal(t, KindTest, KindOf(err))
		assert.Equal(t, "test failed: no result", err.Error())
		assert.True(t, errors.Is(err, cause))
	})
}
