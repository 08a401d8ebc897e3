package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Config describes how to reach a remote host.
type Config struct {
	User            string
	Address         string
	Signer          ssh.Signer
	HostKeyCallback ssh.HostKeyCallback
	Timeout         time.Duration

	// HostKeyAlgorithms restricts negotiation to the key types already
	// trusted for the host. Empty means the library defaults.
	HostKeyAlgorithms []string
}

// Client is an authenticated SSH connection. Every Exec, Run or Upload opens
// its own session on the shared connection.
type Client struct {
	inner   *ssh.Client
	address string
	logger  *slog.Logger
}

// Dial connects and authenticates to the remote host.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.User) == "" {
		return nil, fmt.Errorf("ssh user cannot be empty")
	}
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, fmt.Errorf("ssh address cannot be empty")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("ssh signer not configured")
	}
	if cfg.HostKeyCallback == nil {
		return nil, fmt.Errorf("host key callback not configured")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Address, err)
	}
	clientCfg := &ssh.ClientConfig{
		User:              cfg.User,
		Auth:              []ssh.AuthMethod{ssh.PublicKeys(cfg.Signer)},
		HostKeyCallback:   cfg.HostKeyCallback,
		HostKeyAlgorithms: cfg.HostKeyAlgorithms,
		Timeout:           timeout,
	}
	// The handshake itself has no context; bound it with a deadline.
	_ = conn.SetDeadline(time.Now().Add(timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, cfg.Address, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", cfg.Address, err)
	}
	_ = conn.SetDeadline(time.Time{})
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		inner:   ssh.NewClient(sshConn, chans, reqs),
		address: cfg.Address,
		logger:  logger,
	}, nil
}

// Close terminates the connection.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Exec runs a single command in a new session. A non-zero exit status is
// reported through Result.ExitCode, not as an error.
func (c *Client) Exec(ctx context.Context, command string, stdin io.Reader) (Result, error) {
	if c == nil || c.inner == nil {
		return Result{}, fmt.Errorf("ssh client not connected")
	}
	session, err := c.inner.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr lockedBuffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	if err := session.Start(command); err != nil {
		return Result{}, fmt.Errorf("start remote command: %w", err)
	}
	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		return Result{Stdout: stdout.String(), Stderr: stderr.String()}, fmt.Errorf("remote command interrupted: %w", ctx.Err())
	case err := <-done:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			res.ExitCode = -1
			return res, nil
		}
		return res, fmt.Errorf("remote command: %w", err)
	}
}

// lockedBuffer collects session output. The session's copy goroutines may
// still be writing when an interrupted Exec reads it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Run executes a script as one bash program in one session and returns the
// first failing step as a *StepError.
func (c *Client) Run(ctx context.Context, script Script) (Result, error) {
	c.logger.Debug("running remote script", "script", script.Name, "steps", len(script.Steps), "host", c.address)
	raw, err := c.Exec(ctx, "bash -s", strings.NewReader(script.Render()))
	if err != nil {
		return raw, fmt.Errorf("%s: %w", script.Name, err)
	}
	res, err := script.Interpret(raw.Stdout, raw.Stderr, raw.ExitCode)
	for _, name := range res.Skipped {
		c.logger.Info("step already satisfied", "script", script.Name, "step", name)
	}
	for _, name := range res.Warnings {
		c.logger.Warn("best-effort step failed", "script", script.Name, "step", name)
	}
	if out := strings.TrimSpace(res.Stdout); out != "" {
		c.logger.Debug("remote script output", "script", script.Name, "output", out)
	}
	return res, err
}

// Upload extracts a tar stream into dir on the remote host.
func (c *Client) Upload(ctx context.Context, dir string, archive io.Reader) error {
	res, err := c.Exec(ctx, "tar -xf - -C "+Quote(dir), archive)
	if err != nil {
		return fmt.Errorf("upload to %s: %w", dir, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("upload to %s: tar exited with %d: %s", dir, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// DialUnix opens a stream to a unix socket on the remote host, such as the
// Docker daemon socket.
func (c *Client) DialUnix(path string) (net.Conn, error) {
	if c == nil || c.inner == nil {
		return nil, fmt.Errorf("ssh client not connected")
	}
	conn, err := c.inner.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("forward %s: %w", path, err)
	}
	return conn, nil
}
