// Package httpclient builds the retrying HTTP clients used to reach the
// coordinator and image servers.
package httpclient

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

type Options struct {
	// Timeout of a single attempt, zero for none.
	Timeout  time.Duration
	RetryMax int
	WaitMin  time.Duration
	WaitMax  time.Duration
	// RetryStatus also retries 429 and 5xx replies. Connection errors are
	// always retried.
	RetryStatus bool
}

// ForTimeout spreads the retries of an operation over its timeout.
func ForTimeout(timeout time.Duration) Options {
	waitMin := clamp(timeout/50, 50*time.Millisecond, time.Second)
	return Options{
		Timeout:  timeout,
		RetryMax: 5,
		WaitMin:  waitMin,
		WaitMax:  clamp(timeout/5, waitMin, 30*time.Second),
	}
}

func New(logger zerolog.Logger, opts Options) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.HTTPClient.Timeout = opts.Timeout
	c.RetryMax = opts.RetryMax
	if opts.WaitMin > 0 {
		c.RetryWaitMin = opts.WaitMin
	}
	if opts.WaitMax > 0 {
		c.RetryWaitMax = opts.WaitMax
	}
	c.Logger = &retryLogger{logger: logger.With().Str("component", "http").Logger()}
	c.CheckRetry = checkRetry(opts.RetryStatus)
	// the caller sees the last reply instead of a generic "giving up" error
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return c
}

func checkRetry(retryStatus bool) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil || retryStatus {
			return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		}
		return false, nil
	}
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// retryLogger adapts zerolog to retryablehttp.LeveledLogger.
type retryLogger struct {
	logger zerolog.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...any) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Info().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...any) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}
