package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/splax/vmdeploy/internal/deploy"
	"github.com/splax/vmdeploy/internal/remote"
	"github.com/splax/vmdeploy/internal/source"
	"github.com/splax/vmdeploy/pkg/config"
)

// ErrUnhealthy reports a failed post-deployment check.
var ErrUnhealthy = errors.New("health check failed")

// Runner executes a remote script on one session.
type Runner interface {
	Run(ctx context.Context, script remote.Script) (remote.Result, error)
}

// ContainerChecker verifies a named container is in the running list.
type ContainerChecker interface {
	EnsureRunning(ctx context.Context, name string) error
}

// Validator runs the remote and local checks after a deploy.
type Validator struct {
	runner     Runner
	containers ContainerChecker
	cfg        config.DeployerConfig
	client     *http.Client
	logger     *slog.Logger
}

// New returns a Validator. containers is consulted for Dockerfile deploys.
func New(runner Runner, containers ContainerChecker, cfg config.DeployerConfig, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Validator{
		runner:     runner,
		containers: containers,
		cfg:        cfg,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Script returns the remote checks. The container check is part of the
// batch only for compose deploys.
func (v *Validator) Script(kind source.Kind, project string, port int) remote.Script {
	steps := []remote.Step{
		{Name: "docker active", Command: "systemctl is-active --quiet docker"},
	}
	if kind == source.KindCompose {
		steps = append(steps, remote.Step{
			Name: "container running",
			Command: deploy.ComposeRunningCommand(project, v.cfg.ContainerName),
		})
	}
	steps = append(steps, remote.Step{
		Name:    "application responds",
		Command: "curl -fsS -o /dev/null --max-time " + strconv.Itoa(curlMaxTime(v.client.Timeout)) + " " + remote.Quote("http://localhost:"+strconv.Itoa(port)),
	})
	return remote.Script{Name: "health check", Steps: steps}
}

// curlMaxTime converts a probe timeout to whole seconds for curl, rounding up
// because curl reads 0 as no limit.
func curlMaxTime(timeout time.Duration) int {
	secs := int(math.Ceil(timeout.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Check runs every check and fails on the first one that does not pass.
func (v *Validator) Check(ctx context.Context, host string, port int, desc source.Descriptor) error {
	if desc.Kind == source.KindDockerfile {
		if v.containers == nil {
			return fmt.Errorf("%w: docker engine not configured", ErrUnhealthy)
		}
		if err := v.containers.EnsureRunning(ctx, v.cfg.ContainerName); err != nil {
			return fmt.Errorf("%w: %v", ErrUnhealthy, err)
		}
	}
	project := deploy.ComposeProject(desc.Project, v.cfg.StagingDir)
	if _, err := v.runner.Run(ctx, v.Script(desc.Kind, project, port)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}
	v.logger.Info("remote checks passed", "port", port)

	if err := v.Reachable(ctx, host); err != nil {
		return err
	}
	v.logger.Info("application reachable through proxy", "host", host)
	return nil
}

// Reachable requests http://host/ and accepts any 2xx or 3xx answer.
// Redirects are not followed.
func (v *Validator) Reachable(ctx context.Context, host string) error {
	target := "http://" + hostForURL(host) + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %v", ErrUnhealthy, target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("%w: GET %s returned %d", ErrUnhealthy, target, resp.StatusCode)
	}
	return nil
}

func hostForURL(host string) string {
	if h, p, err := net.SplitHostPort(host); err == nil {
		return net.JoinHostPort(h, p)
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "[" + host + "]"
	}
	return host
}
