package action

import (
	"context"
	"errors"
	"fmt"

	"github.com/haatos/simple-lava/internal/connection"
)

type ErrorKind string

const (
	KindDefect           ErrorKind = "defect"
	KindInfrastructure   ErrorKind = "infrastructure"
	KindJob              ErrorKind = "job"
	KindTest             ErrorKind = "test"
	KindConnectionClosed ErrorKind = "connection-closed"
	KindTimeout          ErrorKind = "timeout"
	KindCanceled         ErrorKind = "canceled"
)

// Error is the classified error raised by actions. The kind decides
// whether a RetryAction may intercept it.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	e := &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
	for _, arg := range args {
		if err, ok := arg.(error); ok {
			e.Err = err
			break
		}
	}
	return e
}

// NewDefectError reports a bug in the pipeline definition itself.
func NewDefectError(format string, args ...any) *Error {
	return newError(KindDefect, format, args...)
}

func NewInfrastructureError(format string, args ...any) *Error {
	return newError(KindInfrastructure, format, args...)
}

func NewJobError(format string, args ...any) *Error {
	return newError(KindJob, format, args...)
}

func NewTestError(format string, args ...any) *Error {
	return newError(KindTest, format, args...)
}

func NewConnectionClosedError(format string, args ...any) *Error {
	return newError(KindConnectionClosed, format, args...)
}

func NewTimeoutError(format string, args ...any) *Error {
	return newError(KindTimeout, format, args...)
}

// KindOf classifies err. Errors raised by tools and transports without
// an explicit kind are infrastructure errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, connection.ErrClosed):
		return KindConnectionClosed
	case errors.Is(err, connection.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindInfrastructure
}

func IsDefect(err error) bool {
	return KindOf(err) == KindDefect
}

// Retryable reports whether a RetryAction may run its pipeline again
// after err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindInfrastructure, KindJob, KindTest, KindTimeout:
		return true
	}
	return false
}

// Annotate keeps the kind of err while replacing its message.
func Annotate(err error, format string, args ...any) error {
	return &Error{
		Kind:    KindOf(err),
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}
