package connection

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"time"
)

// ShellSession is a session with a shell on the other end. Wait sends
// the check character so a stale prompt is printed again.
type ShellSession struct {
	*Session
}

func NewShellSession(name string, transport io.ReadWriteCloser, opts ...Option) *ShellSession {
	return &ShellSession{Session: newSession(name, transport, opts...)}
}

func (s *ShellSession) Wait(ctx context.Context, timeout time.Duration) (*Match, error) {
	if err := s.Sendline(ctx, s.checkChar, 0); err != nil {
		return nil, err
	}
	return s.Expect(ctx, s.prompts, timeout)
}

// SimpleSession only waits for the prompt, it never writes on its own.
type SimpleSession struct {
	*Session
}

func NewSimpleSession(name string, transport io.ReadWriteCloser, opts ...Option) *SimpleSession {
	return &SimpleSession{Session: newSession(name, transport, opts...)}
}

func (s *SimpleSession) Wait(ctx context.Context, timeout time.Duration) (*Match, error) {
	return s.Expect(ctx, s.prompts, timeout)
}

// MenuSession drives firmware menus. Blank lines would select menu
// items, so it never sends one, and lines end with a carriage return.
type MenuSession struct {
	*Session
}

func NewMenuSession(name string, transport io.ReadWriteCloser, opts ...Option) *MenuSession {
	opts = append([]Option{WithLineSeparator("\r")}, opts...)
	return &MenuSession{Session: newSession(name, transport, opts...)}
}

func (s *MenuSession) Wait(ctx context.Context, timeout time.Duration) (*Match, error) {
	return s.Expect(ctx, s.prompts, timeout)
}

// Select waits for the menu line matching item and sends the selector
// captured by the first group of item.
func (s *MenuSession) Select(ctx context.Context, item *regexp.Regexp, timeout time.Duration) (string, error) {
	m, err := s.Expect(ctx, []*regexp.Regexp{item}, timeout)
	if err != nil {
		return "", err
	}
	if len(m.Groups) < 2 {
		return "", fmt.Errorf("menu item pattern %q has no selector group", item)
	}
	selector := m.Groups[1]
	return selector, s.Sendline(ctx, selector, 0)
}

// MenuItemPattern matches a menu line such as "[3] UEFI Shell" where
// open and close are the markup around the selector.
func MenuItemPattern(open, close, item string) *regexp.Regexp {
	return regexp.MustCompile(
		regexp.QuoteMeta(open) + `(\w+)` + regexp.QuoteMeta(close) + `\s*` + regexp.QuoteMeta(item),
	)
}

// Shell hands the transport over to a shell session once the menus are
// done. The menu session must not be used afterwards.
func (s *MenuSession) Shell() *ShellSession {
	s.lineSep = "\n"
	return &ShellSession{Session: s.Session}
}
