package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogging_New(t *testing.T) {
	t.Run("success - json lines when not a terminal", func(t *testing.T) {
		// arrange
		var buf bytes.Buffer
		logger := New(&buf, false)

		// act
		logger.Info().Str("job", "42").Msg("job started")
		logger.Debug().Msg("hidden")

		// assert
		assert.Contains(t, buf.String(), `"job":"42"`)
		assert.Contains(t, buf.String(), `"message":"job started"`)
		assert.NotContains(t, buf.String(), "hidden")
	})

	t.Run("success - verbose enables debug", func(t *testing.T) {
		// arrange
		var buf bytes.Buffer
		logger := New(&buf, true)

		// act
		logger.Debug().Msg("sendline")

		// assert
		assert.Contains(t, buf.String(), `"level":"debug"`)
	})
}
