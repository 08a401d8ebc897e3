package cleanup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/splax/vmdeploy/internal/remote"
	"github.com/splax/vmdeploy/pkg/config"
)

// Runner executes a remote script on one session.
type Runner interface {
	Run(ctx context.Context, script remote.Script) (remote.Result, error)
}

// Operator tears a deployment down.
type Operator struct {
	runner  Runner
	cfg     config.DeployerConfig
	timeout time.Duration
	logger  *slog.Logger
}

// New returns an Operator.
func New(runner Runner, cfg config.DeployerConfig, logger *slog.Logger) *Operator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Operator{runner: runner, cfg: cfg, timeout: cfg.RemoteTimeout, logger: logger}
}

// Script returns the teardown batch. Every step is best effort so the batch
// completes on a host that was never deployed to, or was already cleaned.
func (o *Operator) Script() remote.Script {
	dir := remote.Quote(o.cfg.StagingDir)
	return remote.Script{Name: "cleanup", Steps: []remote.Step{
		{
			Name: "compose down",
			Command: "if [ -d " + dir + " ]; then cd " + dir + " && " +
				"if docker compose version >/dev/null 2>&1; then docker compose down --remove-orphans; " +
				"elif command -v docker-compose >/dev/null 2>&1; then docker-compose down --remove-orphans; fi; fi",
			BestEffort: true,
		},
		{Name: "remove container", Command: "docker rm -f " + remote.Quote(o.cfg.ContainerName) + " >/dev/null 2>&1", BestEffort: true},
		{Name: "prune docker", Command: "docker system prune -af", BestEffort: true},
		{Name: "remove staging dir", Command: "sudo rm -rf " + dir, BestEffort: true},
		{Name: "restart nginx", Command: "sudo systemctl restart nginx", BestEffort: true},
	}}
}

// Run executes the teardown. Individual step failures are logged as
// warnings; only a batch that cannot run at all is an error.
func (o *Operator) Run(ctx context.Context) error {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	res, err := o.runner.Run(ctx, o.Script())
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	o.logger.Info("cleanup completed", "staging_dir", o.cfg.StagingDir, "container", o.cfg.ContainerName, "warnings", len(res.Warnings))
	return nil
}
