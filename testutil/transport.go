package testutil

import (
	"bytes"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/haatos/simple-lava/internal/connection"
)

type response struct {
	match  *regexp.Regexp
	output string
	used   bool
}

// ScriptedTransport plays a device: it emits scripted output and answers
// lines sent to it with canned responses.
type ScriptedTransport struct {
	mu        sync.Mutex
	pending   []byte
	data      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	sent      bytes.Buffer
	partial   string
	responses []*response
}

func NewScriptedTransport(initial string) *ScriptedTransport {
	t := &ScriptedTransport{
		data:   make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	if initial != "" {
		t.data <- []byte(initial)
	}
	return t
}

// Respond emits output once, the first time a sent line matches pattern.
func (t *ScriptedTransport) Respond(pattern, output string) *ScriptedTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responses = append(t.responses, &response{match: regexp.MustCompile(pattern), output: output})
	return t
}

func (t *ScriptedTransport) Emit(output string) {
	select {
	case t.data <- []byte(output):
	case <-t.closed:
	}
}

func (t *ScriptedTransport) Read(b []byte) (int, error) {
	t.mu.Lock()
	if len(t.pending) > 0 {
		n := copy(b, t.pending)
		t.pending = t.pending[n:]
		t.mu.Unlock()
		return n, nil
	}
	t.mu.Unlock()
	select {
	case d := <-t.data:
		n := copy(b, d)
		if n < len(d) {
			t.mu.Lock()
			t.pending = append(t.pending, d[n:]...)
			t.mu.Unlock()
		}
		return n, nil
	case <-t.closed:
		return 0, io.EOF
	}
}

func (t *ScriptedTransport) Write(b []byte) (int, error) {
	select {
	case <-t.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent.Write(b)
	t.partial += string(b)
	for {
		i := strings.IndexAny(t.partial, "\r\n")
		if i < 0 {
			break
		}
		line := t.partial[:i]
		t.partial = t.partial[i+1:]
		for _, r := range t.responses {
			if r.used || !r.match.MatchString(line) {
				continue
			}
			r.used = true
			t.data <- []byte(r.output)
			break
		}
	}
	return len(b), nil
}

func (t *ScriptedTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// Sent returns everything written to the device.
func (t *ScriptedTransport) Sent() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent.String()
}

// Lines returns the sent lines.
func (t *ScriptedTransport) Lines() []string {
	return strings.FieldsFunc(t.Sent(), func(r rune) bool { return r == '\n' || r == '\r' })
}

// NewShell returns a shell session over t with the given prompts.
func NewShell(t *ScriptedTransport, prompts ...string) *connection.ShellSession {
	s := connection.NewShellSession("scripted", t)
	if len(prompts) > 0 {
		if err := s.SetPromptStr(prompts...); err != nil {
			panic(err)
		}
	}
	return s
}
