// Package connection provides the interactive sessions the dispatcher
// drives: a process or SSH channel whose output is matched against
// prompt patterns and whose input is paced per character.
package connection

import (
	"context"
	"errors"
	"regexp"
	"time"
)

var (
	// ErrTimeout is returned by Expect when no pattern matched in time.
	ErrTimeout = errors.New("connection timed out")
	// ErrClosed is returned once the other end has gone away.
	ErrClosed = errors.New("connection closed")
)

// Match is the result of a successful Expect.
type Match struct {
	// Index of the pattern that matched.
	Index int
	// Groups holds the whole match followed by the submatches.
	Groups []string
	Named  map[string]string
	// Before is the output consumed ahead of the match.
	Before string
}

// Group returns the named submatch or "".
func (m *Match) Group(name string) string {
	return m.Named[name]
}

// Connection is one live interactive session owned by the running action.
type Connection interface {
	Name() string
	Tags() []string
	Send(ctx context.Context, text string, delay time.Duration) error
	Sendline(ctx context.Context, line string, delay time.Duration) error
	Sendcontrol(ctx context.Context, char byte) error
	Expect(ctx context.Context, patterns []*regexp.Regexp, timeout time.Duration) (*Match, error)
	// Wait waits for one of the prompts, poking the session first where
	// the session kind allows it.
	Wait(ctx context.Context, timeout time.Duration) (*Match, error)
	PromptStr() []*regexp.Regexp
	SetPromptStr(patterns ...string) error
	Timeout() time.Duration
	CheckChar() string
	// Listen drains pending output for at most timeout and returns the
	// number of bytes read.
	Listen(ctx context.Context, timeout time.Duration) (int, error)
	Connected() bool
	// Finalise closes the session. It is safe to call more than once.
	Finalise() error
}

// CompilePatterns compiles prompt strings.
func CompilePatterns(patterns ...string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// Quote returns a pattern matching s literally.
func Quote(s string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(s))
}
