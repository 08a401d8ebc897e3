package preflight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/splax/vmdeploy/internal/remote"
	"github.com/splax/vmdeploy/internal/request"
	"github.com/splax/vmdeploy/pkg/config"
)

var (
	// ErrKeyNotFound reports a key path that does not name a regular file.
	ErrKeyNotFound = errors.New("ssh key not found")
	// ErrInvalidKey reports a key file that could not be parsed or decrypted.
	ErrInvalidKey = errors.New("ssh key unusable")
	// ErrUnreachable reports a host that refused key authentication or could
	// not be reached.
	ErrUnreachable = errors.New("ssh connection failed")
)

type prober interface {
	Exec(ctx context.Context, command string, stdin io.Reader) (remote.Result, error)
	Close() error
}

// Checker verifies that the operator can reach the target host before any
// remote work starts.
type Checker struct {
	knownHosts string
	sshPort    int
	timeout    time.Duration
	passphrase remote.PassphraseFunc
	logger     *slog.Logger

	register func(ctx context.Context, path, address string, timeout time.Duration) (bool, error)
	dial     func(ctx context.Context, cfg remote.Config, logger *slog.Logger) (prober, error)
}

// New builds a Checker. passphrase is consulted only for encrypted keys.
func New(cfg config.DeployerConfig, passphrase remote.PassphraseFunc, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	knownHosts := cfg.KnownHostsPath
	if expanded, err := config.ExpandHome(knownHosts); err == nil {
		knownHosts = expanded
	}
	return &Checker{
		knownHosts: knownHosts,
		sshPort:    cfg.SSHPort,
		timeout:    cfg.SSHConnectTimeout,
		passphrase: passphrase,
		logger:     logger,
		register:   remote.RegisterHost,
		dial: func(ctx context.Context, cfg remote.Config, logger *slog.Logger) (prober, error) {
			client, err := remote.Dial(ctx, cfg, logger)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
	}
}

// Run performs the checks in order and returns a connection config that later
// stages dial with. Host key registration and permission tightening are best
// effort; everything else is fatal.
func (c *Checker) Run(ctx context.Context, req request.Request) (remote.Config, error) {
	info, err := os.Stat(req.KeyPath)
	if err != nil || !info.Mode().IsRegular() {
		return remote.Config{}, fmt.Errorf("%s: %w", req.KeyPath, ErrKeyNotFound)
	}

	address := req.SSHAddress(c.sshPort)
	added, err := c.register(ctx, c.knownHosts, address, c.timeout)
	switch {
	case err != nil:
		c.logger.Warn("host key registration failed", "host", address, "error", err)
	case added:
		c.logger.Info("host key registered", "host", address, "known_hosts", c.knownHosts)
	default:
		c.logger.Debug("host already known", "host", address)
	}

	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		c.logger.Warn("ssh key permissions too open, tightening", "path", req.KeyPath, "mode", fmt.Sprintf("%#o", perm))
		if err := os.Chmod(req.KeyPath, 0o600); err != nil {
			c.logger.Warn("tighten ssh key permissions failed", "path", req.KeyPath, "error", err)
		}
	}

	signer, err := remote.LoadSigner(req.KeyPath, c.passphrase)
	if err != nil {
		return remote.Config{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	callback, err := remote.HostKeyCallback(c.knownHosts)
	if err != nil {
		return remote.Config{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	algorithms, err := remote.HostKeyAlgorithms(c.knownHosts, address)
	if err != nil {
		c.logger.Warn("known host key types unavailable", "host", address, "error", err)
	}
	cfg := remote.Config{
		User:              req.User,
		Address:           address,
		Signer:            signer,
		HostKeyCallback:   callback,
		HostKeyAlgorithms: algorithms,
		Timeout:           c.timeout,
	}
	if err := c.probe(ctx, cfg); err != nil {
		return remote.Config{}, err
	}
	c.logger.Info("ssh authentication verified", "user", req.User, "host", address)
	return cfg, nil
}

func (c *Checker) probe(ctx context.Context, cfg remote.Config) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	client, err := c.dial(ctx, cfg, c.logger)
	if err != nil {
		return fmt.Errorf("%w: %s@%s: %v", ErrUnreachable, cfg.User, cfg.Address, err)
	}
	defer client.Close()
	res, err := client.Exec(ctx, "true", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: probe command exited with %d: %s", ErrUnreachable, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
