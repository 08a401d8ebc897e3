package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/pkg/archive"
	"github.com/docker/go-connections/nat"

	"github.com/splax/vmdeploy/internal/docker"
	"github.com/splax/vmdeploy/internal/remote"
	"github.com/splax/vmdeploy/internal/source"
	"github.com/splax/vmdeploy/pkg/config"
)

// ErrNotRunning reports that the expected container was absent after the
// settle delay.
var ErrNotRunning = errors.New("application container is not running")

// Runner executes remote batches and file uploads.
type Runner interface {
	Run(ctx context.Context, script remote.Script) (remote.Result, error)
	Upload(ctx context.Context, dir string, archive io.Reader) error
}

// Engine is the subset of the Docker API used for single-container deploys.
type Engine interface {
	BuildImage(ctx context.Context, dir, dockerfile, tag string, onOutput docker.BuildOutputCallback) error
	RemoveContainer(ctx context.Context, name string) error
	RunContainer(ctx context.Context, name, image string, ports nat.PortMap) (docker.ContainerInfo, error)
	EnsureRunning(ctx context.Context, name string) error
}

// Deployer ships a working tree to the staging directory and starts it.
type Deployer struct {
	runner Runner
	engine Engine
	cfg    config.DeployerConfig
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New returns a Deployer. engine is only used for Dockerfile deploys.
func New(runner Runner, engine Engine, cfg config.DeployerConfig, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Deployer{runner: runner, engine: engine, cfg: cfg, logger: logger, sleep: sleepContext}
}

// ResetStaging deletes and recreates the staging directory owned by user.
func (d *Deployer) ResetStaging(ctx context.Context, user string) error {
	dir := remote.Quote(d.cfg.StagingDir)
	script := remote.Script{Name: "reset staging", Steps: []remote.Step{
		{Name: "remove staging dir", Command: "sudo rm -rf " + dir},
		{Name: "create staging dir", Command: "sudo mkdir -p " + dir},
		{Name: "own staging dir", Command: "sudo chown " + remote.Quote(user+":") + " " + dir},
	}}
	if _, err := d.runRemote(ctx, script); err != nil {
		return fmt.Errorf("reset staging dir: %w", err)
	}
	d.logger.Info("staging directory ready", "dir", d.cfg.StagingDir)
	return nil
}

// Transfer streams dir, without its .git metadata, into the staging
// directory over one session.
func (d *Deployer) Transfer(ctx context.Context, dir string) error {
	stream, err := archive.TarWithOptions(dir, &archive.TarOptions{ExcludePatterns: []string{".git"}})
	if err != nil {
		return fmt.Errorf("archive working tree: %w", err)
	}
	defer stream.Close()
	if d.cfg.RemoteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.RemoteTimeout)
		defer cancel()
	}
	if err := d.runner.Upload(ctx, d.cfg.StagingDir, stream); err != nil {
		return fmt.Errorf("transfer files: %w", err)
	}
	d.logger.Info("application files transferred", "from", dir, "to", d.cfg.StagingDir)
	return nil
}

// Start launches the application according to its descriptor, waits for the
// settle delay and verifies the container is running.
func (d *Deployer) Start(ctx context.Context, src source.Source, port int) error {
	switch src.Descriptor.Kind {
	case source.KindCompose:
		return d.startCompose(ctx, src.Descriptor)
	case source.KindDockerfile:
		return d.startContainer(ctx, src, port)
	default:
		return fmt.Errorf("start application: %w", source.ErrNoDescriptor)
	}
}

func (d *Deployer) startCompose(ctx context.Context, desc source.Descriptor) error {
	dir := remote.Quote(d.cfg.StagingDir)
	file := remote.Quote(desc.File)
	script := remote.Script{Name: "compose up", Steps: []remote.Step{{
		Name: "compose up",
		Command: "cd " + dir + "\n" +
			"if docker compose version >/dev/null 2>&1; then docker compose -f " + file + " up -d --build; " +
			"else docker-compose -f " + file + " up -d --build; fi",
	}}}
	if _, err := d.runRemote(ctx, script); err != nil {
		return fmt.Errorf("start compose stack: %w", err)
	}
	d.logger.Info("compose stack started", "file", desc.File, "services", desc.Services)

	if err := d.settle(ctx); err != nil {
		return err
	}
	project := ComposeProject(desc.Project, d.cfg.StagingDir)
	res, err := d.runRemote(ctx, remote.Script{Name: "list containers", Steps: []remote.Step{
		{Name: "docker ps", Command: listContainersCommand},
	}})
	if err != nil {
		return fmt.Errorf("list running containers: %w", err)
	}
	if name, ok := matchComposeContainer(res.Stdout, project, d.cfg.ContainerName); ok {
		d.logger.Info("container running", "name", name, "project", project)
		return nil
	}
	return fmt.Errorf("compose project %s: %w", project, ErrNotRunning)
}

// listContainersCommand prints one running container per line: its name and
// the compose project label, empty for containers outside compose.
const listContainersCommand = `docker ps --format '{{.Names}} {{.Label "com.docker.compose.project"}}'`

// matchComposeContainer finds a container labelled with project, or named
// exactly container, in listContainersCommand output.
func matchComposeContainer(listing, project, container string) (string, bool) {
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if project != "" && len(fields) > 1 && fields[1] == project {
			return fields[0], true
		}
		if fields[0] == container {
			return fields[0], true
		}
	}
	return "", false
}

// ComposeRunningCommand is the shell form of matchComposeContainer: it exits 0
// only when such a container is running.
func ComposeRunningCommand(project, container string) string {
	return listContainersCommand + " | awk -v p=" + remote.Quote(project) + " -v c=" + remote.Quote(container) +
		` '(p != "" && $2 == p) || $1 == c { found = 1 } END { exit !found }'`
}

func (d *Deployer) startContainer(ctx context.Context, src source.Source, port int) error {
	if d.engine == nil {
		return fmt.Errorf("docker engine not configured")
	}
	image := d.cfg.ImageName
	aggregator := newBuildLogAggregator(func(line string) {
		d.logger.Debug("docker build output", "image", image, "line", line)
	})

	buildCtx := ctx
	if d.cfg.BuildTimeout > 0 {
		var cancel context.CancelFunc
		buildCtx, cancel = context.WithTimeout(ctx, d.cfg.BuildTimeout)
		defer cancel()
	}
	d.logger.Info("building image", "image", image, "dockerfile", src.Descriptor.File)
	if err := d.engine.BuildImage(buildCtx, src.Dir, src.Descriptor.File, image, aggregator.Add); err != nil {
		aggregator.Flush()
		if tail := aggregator.Snapshot(40); len(tail) > 0 {
			d.logger.Error("docker build tail", "image", image, "lines", tail)
		}
		return fmt.Errorf("build image %s: %w", image, err)
	}
	aggregator.Flush()
	d.logger.Info("docker image built", "image", image)

	name := d.cfg.ContainerName
	if err := d.engine.RemoveContainer(ctx, name); err != nil {
		return fmt.Errorf("replace container %s: %w", name, err)
	}
	info, err := d.engine.RunContainer(ctx, name, image, docker.PublishPort(port))
	if err != nil {
		return fmt.Errorf("run container %s: %w", name, err)
	}
	d.logger.Info("container started", "name", name, "id", shortID(info.ID), "port", port, "published", info.PublishedPorts())

	if err := d.settle(ctx); err != nil {
		return err
	}
	if err := d.engine.EnsureRunning(ctx, name); err != nil {
		if errors.Is(err, docker.ErrNotRunning) {
			return fmt.Errorf("container %s: %w", name, ErrNotRunning)
		}
		return fmt.Errorf("verify container %s: %w", name, err)
	}
	d.logger.Info("container running", "name", name)
	return nil
}

func (d *Deployer) settle(ctx context.Context) error {
	if d.cfg.SettleDelay <= 0 {
		return nil
	}
	d.logger.Info("waiting for container to settle", "delay", d.cfg.SettleDelay)
	return d.sleep(ctx, d.cfg.SettleDelay)
}

func (d *Deployer) runRemote(ctx context.Context, script remote.Script) (remote.Result, error) {
	if d.cfg.RemoteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.RemoteTimeout)
		defer cancel()
	}
	return d.runner.Run(ctx, script)
}

// ComposeProject returns the project name compose derives for a file in
// stagingDir unless declared explicitly.
func ComposeProject(declared, stagingDir string) string {
	name := strings.TrimSpace(declared)
	if name == "" {
		name = path.Base(strings.TrimRight(stagingDir, "/"))
	}
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
