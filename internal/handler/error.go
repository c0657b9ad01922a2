package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/haatos/simple-lava/internal/service"
)

// ErrorHandler replies with a JSON error body and logs the internal
// cause of the error.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var he *echo.HTTPError
		if !errors.As(err, &he) {
			he = echo.NewHTTPError(http.StatusInternalServerError, "something went terribly wrong").
				WithInternal(err)
		}
		event := logger.Warn()
		if he.Code >= http.StatusInternalServerError {
			event = logger.Error()
		}
		event.
			Str("path", c.Request().URL.Path).
			Int("status", he.Code).
			AnErr("internal", he.Internal).
			Msg("handler error")
		if err := c.JSON(he.Code, map[string]any{"message": he.Message}); err != nil {
			logger.Error().Err(err).Msg("err returning json")
		}
	}
}

func newError(err error, status int, message string) error {
	e := echo.NewHTTPError(status, message)
	if err != nil {
		e = e.WithInternal(err)
	}
	return e
}

func isInvalidRequestError(err error) bool {
	var invalid *service.ErrInvalidRequest
	return errors.As(err, &invalid)
}
