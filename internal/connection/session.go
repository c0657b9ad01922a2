package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultCheckChar = "#"
	readChunk        = 4096
	// DefaultMaxBuffer is how much unmatched output a session keeps.
	DefaultMaxBuffer = 64 << 10
)

// Session is the common core of every session kind: a reader goroutine
// fills a buffer that Expect scans.
type Session struct {
	name      string
	tags      []string
	transport io.ReadWriteCloser
	logger    zerolog.Logger

	prompts   []*regexp.Regexp
	timeout   time.Duration
	checkChar string
	lineSep   string

	mu        sync.Mutex
	buf       bytes.Buffer
	maxBuffer int
	readErr   error
	notify    chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

func WithTags(tags ...string) Option {
	return func(s *Session) {
		s.tags = append(s.tags, tags...)
	}
}

func WithPrompts(prompts ...*regexp.Regexp) Option {
	return func(s *Session) {
		s.prompts = prompts
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.timeout = d
	}
}

func WithCheckChar(c string) Option {
	return func(s *Session) {
		s.checkChar = c
	}
}

// WithMaxBuffer bounds the unmatched output kept for Expect. Older
// output is dropped first.
func WithMaxBuffer(n int) Option {
	return func(s *Session) {
		s.maxBuffer = n
	}
}

func WithLineSeparator(sep string) Option {
	return func(s *Session) {
		s.lineSep = sep
	}
}

func newSession(name string, transport io.ReadWriteCloser, opts ...Option) *Session {
	s := &Session{
		name:      name,
		transport: transport,
		logger:    zerolog.Nop(),
		timeout:   DefaultTimeout,
		checkChar: DefaultCheckChar,
		lineSep:   "\n",
		maxBuffer: DefaultMaxBuffer,
		notify:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.read()
	return s
}

func (s *Session) read() {
	chunk := make([]byte, readChunk)
	for {
		n, err := s.transport.Read(chunk)
		s.mu.Lock()
		if n > 0 {
			s.buf.Write(chunk[:n])
			if over := s.buf.Len() - s.maxBuffer; s.maxBuffer > 0 && over > 0 {
				s.buf.Next(over)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.readErr = ErrClosed
			} else {
				s.readErr = fmt.Errorf("%w: %w", ErrClosed, err)
			}
		}
		s.mu.Unlock()
		s.wake()
		if err != nil {
			return
		}
	}
}

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Session) Name() string                { return s.name }
func (s *Session) Tags() []string              { return s.tags }
func (s *Session) PromptStr() []*regexp.Regexp { return s.prompts }
func (s *Session) Timeout() time.Duration      { return s.timeout }
func (s *Session) CheckChar() string           { return s.checkChar }

func (s *Session) SetPromptStr(patterns ...string) error {
	prompts, err := CompilePatterns(patterns...)
	if err != nil {
		return fmt.Errorf("err compiling prompts: %w", err)
	}
	s.prompts = prompts
	return nil
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr == nil
}

// Send writes text. A positive delay paces the write one character at a
// time, which slow serial consoles need.
func (s *Session) Send(ctx context.Context, text string, delay time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.logger.Debug().Str("connection", s.name).Str("send", text).Msg("sending")
	if delay <= 0 {
		if _, err := io.WriteString(s.transport, text); err != nil {
			return fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return nil
	}
	limiter := rate.NewLimiter(rate.Every(delay), 1)
	for i := 0; i < len(text); i++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := s.transport.Write([]byte{text[i]}); err != nil {
			return fmt.Errorf("%w: %w", ErrClosed, err)
		}
	}
	return nil
}

func (s *Session) Sendline(ctx context.Context, line string, delay time.Duration) error {
	return s.Send(ctx, line+s.lineSep, delay)
}

// Sendcontrol sends the control character for char, e.g. 'c' for ^C.
func (s *Session) Sendcontrol(ctx context.Context, char byte) error {
	c := byte(unicode.ToLower(rune(char)))
	if c < 'a' || c > 'z' {
		return fmt.Errorf("invalid control character %q", char)
	}
	return s.Send(ctx, string([]byte{c - 'a' + 1}), 0)
}

// Expect scans the output for the patterns. The match starting earliest
// in the output wins; on a tie the lower index wins.
func (s *Session) Expect(
	ctx context.Context,
	patterns []*regexp.Regexp,
	timeout time.Duration,
) (*Match, error) {
	if len(patterns) == 0 {
		return nil, errors.New("no patterns to expect")
	}
	if timeout <= 0 {
		timeout = s.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		m, err := s.scan(patterns)
		if m != nil || err != nil {
			return m, err
		}
		select {
		case <-s.notify:
		case <-timer.C:
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
			}
			return nil, ctx.Err()
		}
	}
}

func (s *Session) scan(patterns []*regexp.Regexp) (*Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.buf.String()
	best := -1
	var loc []int
	for i, re := range patterns {
		l := re.FindStringSubmatchIndex(data)
		if l == nil {
			continue
		}
		if best < 0 || l[0] < loc[0] {
			best, loc = i, l
		}
	}
	if best < 0 {
		if s.readErr != nil {
			return nil, s.readErr
		}
		return nil, nil
	}
	m := &Match{
		Index:  best,
		Before: data[:loc[0]],
		Named:  make(map[string]string),
	}
	re := patterns[best]
	names := re.SubexpNames()
	for g := 0; 2*g < len(loc); g++ {
		var text string
		if loc[2*g] >= 0 {
			text = data[loc[2*g]:loc[2*g+1]]
		}
		m.Groups = append(m.Groups, text)
		if g > 0 && names[g] != "" {
			m.Named[names[g]] = text
		}
	}
	s.buf.Next(loc[1])
	s.logger.Debug().Str("connection", s.name).Str("target", data[:loc[1]]).Msg("matched")
	return m, nil
}

// Listen waits up to timeout for output and logs whatever arrived.
func (s *Session) Listen(ctx context.Context, timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.notify:
	case <-timer.C:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	s.mu.Lock()
	data := s.buf.String()
	s.buf.Reset()
	readErr := s.readErr
	s.mu.Unlock()
	if data != "" {
		s.logger.Info().Str("feedback", s.name).Msg(data)
	}
	if len(data) == 0 && readErr != nil {
		return 0, readErr
	}
	return len(data), nil
}

func (s *Session) Finalise() error {
	s.closeOnce.Do(func() {
		s.logger.Debug().Str("connection", s.name).Msg("finalising connection")
		s.closeErr = s.transport.Close()
	})
	return s.closeErr
}
