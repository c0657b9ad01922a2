package connection

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/haatos/simple-lava/internal/device"
)

// SSHClient holds one SSH connection to a device. Shell sessions and
// remote commands are multiplexed over it.
type SSHClient struct {
	host       string
	username   string
	privateKey []byte
	password   string
	timeout    time.Duration

	client *ssh.Client
	mu     sync.Mutex
}

func NewSSHClient(host string, port int, username string, privateKey []byte, password string) *SSHClient {
	if port == 0 {
		port = 22
	}
	return &SSHClient{
		host:       net.JoinHostPort(host, strconv.Itoa(port)),
		username:   username,
		privateKey: privateKey,
		password:   password,
		timeout:    10 * time.Second,
	}
}

// NewDeviceSSHClient builds a client from the ssh block of the device
// dictionary. host overrides the dictionary host when set.
func NewDeviceSSHClient(cfg device.SSH, host string) (*SSHClient, error) {
	if host == "" {
		host = cfg.Host
	}
	if host == "" {
		return nil, fmt.Errorf("no ssh host configured")
	}
	var key []byte
	if cfg.IdentityFile != "" {
		b, err := os.ReadFile(cfg.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("err reading identity file: %w", err)
		}
		key = b
	}
	user := cfg.User
	if user == "" {
		user = "root"
	}
	return NewSSHClient(host, cfg.Port, user, key, cfg.Password), nil
}

func (s *SSHClient) Host() string {
	return s.host
}

func (s *SSHClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// Connect dials the device unless already connected.
func (s *SSHClient) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return nil
	}

	auth, err := s.getAuth()
	if err != nil {
		return err
	}
	config := s.getConfig(auth)

	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.host)
	if err != nil {
		return fmt.Errorf("err dialing %s: %w", s.host, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, s.host, config)
	if err != nil {
		conn.Close()
		return fmt.Errorf("err opening ssh connection to %s: %w", s.host, err)
	}
	s.client = ssh.NewClient(c, chans, reqs)
	return nil
}

func (s *SSHClient) getAuth() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(s.privateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(s.privateKey)
		if err != nil {
			return nil, fmt.Errorf("err parsing private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if s.password != "" {
		methods = append(methods, ssh.Password(s.password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no ssh credentials for %s", s.host)
	}
	return methods, nil
}

func (s *SSHClient) getConfig(auth []ssh.AuthMethod) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            s.username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.timeout,
	}
}

// RunCommand runs command in its own session and returns its output.
// On cancellation the remote command is interrupted.
func (s *SSHClient) RunCommand(
	ctx context.Context,
	command string,
	timeout time.Duration,
) (string, string, error) {
	if err := s.Connect(ctx); err != nil {
		return "", "", err
	}
	sess, err := s.client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("err creating new session: %w", err)
	}
	defer sess.Close()
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	sess.Stdout = stdout
	sess.Stderr = stderr

	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- sess.Run(command)
	}()

	select {
	case <-ctxTimeout.Done():
		_ = sess.Signal(ssh.SIGINT)
		return stdout.String(), stderr.String(), fmt.Errorf(
			"%w: command '%s' after %d seconds",
			ErrTimeout,
			command,
			int(timeout.Seconds()),
		)
	case err := <-doneCh:
		if err != nil {
			return stdout.String(), stderr.String(), fmt.Errorf("err running '%s': %w", command, err)
		}
		return stdout.String(), stderr.String(), nil
	}
}

// SFTP opens an SFTP client over the connection.
func (s *SSHClient) SFTP(ctx context.Context) (*sftp.Client, error) {
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return sftp.NewClient(s.client)
}

// Shell opens an interactive shell with a pty and returns it as a
// transport for a ShellSession.
func (s *SSHClient) Shell(ctx context.Context) (*SSHShell, error) {
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("err creating new session: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 115200,
		ssh.TTY_OP_OSPEED: 115200,
	}
	if err := sess.RequestPty("xterm", 24, 200, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("err requesting pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("err getting stdin pipe: %w", err)
	}
	// stdout and stderr share one pipe so neither stream waits on the other
	output, w := io.Pipe()
	sess.Stdout = w
	sess.Stderr = w
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("err starting ssh shell: %w", err)
	}
	go func() {
		_ = sess.Wait()
		_ = w.Close()
	}()
	return &SSHShell{
		session: sess,
		stdin:   stdin,
		output:  output,
		client:  s,
	}, nil
}

// SSHShell is an interactive SSH shell channel.
type SSHShell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	output  *io.PipeReader
	client  *SSHClient
	once    sync.Once
	err     error
}

func (t *SSHShell) Read(b []byte) (int, error) {
	return t.output.Read(b)
}

func (t *SSHShell) Write(b []byte) (int, error) {
	return t.stdin.Write(b)
}

// Close ends the shell and the underlying connection.
func (t *SSHShell) Close() error {
	t.once.Do(func() {
		_ = t.stdin.Close()
		_ = t.session.Close()
		_ = t.output.Close()
		t.err = t.client.Close()
	})
	return t.err
}
