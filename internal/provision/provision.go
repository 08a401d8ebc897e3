package provision

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/vmdeploy/internal/remote"
)

// Runner executes a remote script on one session.
type Runner interface {
	Run(ctx context.Context, script remote.Script) (remote.Result, error)
}

const aptEnv = "DEBIAN_FRONTEND=noninteractive"

// Script returns the provisioning batch for user. Every install step is
// guarded by an absence probe so re-running it is safe.
func Script(user string) remote.Script {
	return remote.Script{
		Name: "provision",
		Steps: []remote.Step{
			{
				Name:    "update packages",
				Command: "sudo " + aptEnv + " apt-get update -y\nsudo " + aptEnv + " apt-get upgrade -y",
			},
			{
				Name:    "install docker",
				Command: "sudo " + aptEnv + " apt-get install -y docker.io",
				Unless:  "command -v docker >/dev/null 2>&1",
			},
			{
				Name: "install compose",
				Command: "sudo " + aptEnv + " apt-get install -y docker-compose-v2 || " +
					"sudo " + aptEnv + " apt-get install -y docker-compose-plugin || " +
					"sudo " + aptEnv + " apt-get install -y docker-compose",
				Unless: "docker compose version >/dev/null 2>&1 || docker-compose version >/dev/null 2>&1",
			},
			{
				Name:    "install nginx",
				Command: "sudo " + aptEnv + " apt-get install -y nginx curl",
			},
			{
				Name:    "enable services",
				Command: "sudo systemctl enable --now docker\nsudo systemctl enable --now nginx",
			},
			{
				Name:    "grant docker access",
				Command: "sudo usermod -aG docker " + remote.Quote(user),
				Unless:  "id -nG " + remote.Quote(user) + " | tr ' ' '\\n' | grep -qx docker",
			},
			{
				Name:    "remove default site",
				Command: "sudo rm -f /etc/nginx/sites-enabled/default",
			},
			{
				Name:       "report versions",
				Command:    "docker --version\n(docker compose version || docker-compose version)\nnginx -v 2>&1",
				BestEffort: true,
			},
		},
	}
}

// Provisioner prepares a host with Docker, Compose and Nginx.
type Provisioner struct {
	runner  Runner
	timeout time.Duration
	logger  *slog.Logger
}

// New returns a Provisioner. A zero timeout leaves the batch unbounded.
func New(runner Runner, timeout time.Duration, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Provisioner{runner: runner, timeout: timeout, logger: logger}
}

// Run executes the provisioning batch for user.
func (p *Provisioner) Run(ctx context.Context, user string) error {
	if strings.TrimSpace(user) == "" {
		return fmt.Errorf("ssh user cannot be empty")
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	res, err := p.runner.Run(ctx, Script(user))
	if err != nil {
		return fmt.Errorf("provision host: %w", err)
	}
	p.logger.Info("host provisioned", "skipped", res.Skipped, "warnings", len(res.Warnings))
	return nil
}
