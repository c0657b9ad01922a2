package connection

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"al.essio.dev/pkg/shellescape"
	"github.com/creack/pty"
)

// Process is a command running under a pseudo terminal, the transport for
// serial relays, adb shell, lxc-attach and docker run -it.
type Process struct {
	cmd  *exec.Cmd
	pty  *os.File
	once sync.Once
	err  error
}

// Spawn starts argv under a pty. The process outlives the action that
// spawned it, so it is not bound to a context.
func Spawn(argv []string, env []string) (*Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command line")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 200})
	if err != nil {
		return nil, fmt.Errorf("err spawning %s: %w", shellescape.QuoteCommand(argv), err)
	}
	return &Process{cmd: cmd, pty: f}, nil
}

func (p *Process) Read(b []byte) (int, error) {
	n, err := p.pty.Read(b)
	// reading a pty whose child exited reports EIO
	if errors.Is(err, syscall.EIO) {
		err = ErrClosed
	}
	return n, err
}

func (p *Process) Write(b []byte) (int, error) {
	return p.pty.Write(b)
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Close kills the process and releases the pty.
func (p *Process) Close() error {
	p.once.Do(func() {
		if p.cmd.ProcessState == nil {
			_ = p.cmd.Process.Kill()
		}
		p.err = p.pty.Close()
		_ = p.cmd.Wait()
	})
	return p.err
}

// SpawnFunc starts the transport of a console for argv.
type SpawnFunc func(argv []string, env []string) (io.ReadWriteCloser, error)

// SpawnProcess is the SpawnFunc running argv under a pty.
func SpawnProcess(argv []string, env []string) (io.ReadWriteCloser, error) {
	p, err := Spawn(argv, env)
	if err != nil {
		return nil, err
	}
	return p, nil
}
