package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/splax/vmdeploy/internal/cleanup"
	"github.com/splax/vmdeploy/internal/deploy"
	"github.com/splax/vmdeploy/internal/docker"
	"github.com/splax/vmdeploy/internal/health"
	"github.com/splax/vmdeploy/internal/metrics"
	"github.com/splax/vmdeploy/internal/provision"
	"github.com/splax/vmdeploy/internal/proxy"
	"github.com/splax/vmdeploy/internal/remote"
	"github.com/splax/vmdeploy/internal/request"
	"github.com/splax/vmdeploy/internal/source"
	"github.com/splax/vmdeploy/pkg/config"
)

// Stage names, also used as metric labels.
const (
	StagePreflight = "preflight"
	StageFetch     = "fetch"
	StageProvision = "provision"
	StageDeploy    = "deploy"
	StageProxy     = "proxy"
	StageHealth    = "health"
	StageCleanup   = "cleanup"
)

// Preflight verifies a request can reach its host.
type Preflight interface {
	Run(ctx context.Context, req request.Request) (remote.Config, error)
}

// Fetcher brings the local working tree up to date.
type Fetcher interface {
	Fetch(ctx context.Context, req request.Request) (source.Source, error)
}

// Session is one authenticated connection to the remote host.
type Session interface {
	Run(ctx context.Context, script remote.Script) (remote.Result, error)
	Upload(ctx context.Context, dir string, archive io.Reader) error
	DialUnix(path string) (net.Conn, error)
	Close() error
}

// Engine is the Docker API reached through a Session.
type Engine interface {
	deploy.Engine
	Close() error
}

// Connector opens a Session.
type Connector func(ctx context.Context, cfg remote.Config) (Session, error)

// EngineFactory builds an Engine tunnelled through sess and checks the daemon
// answers.
type EngineFactory func(ctx context.Context, sess Session) (Engine, error)

// Deps wires the pipeline to its collaborators.
type Deps struct {
	Preflight Preflight
	Fetcher   Fetcher
	Connect   Connector
	Engine    EngineFactory
}

// Pipeline runs the deployment stages strictly in order and stops at the
// first failure.
type Pipeline struct {
	cfg         config.DeployerConfig
	deps        Deps
	logger      *slog.Logger
	metrics     *metrics.Recorder
	metricsFile string
}

// New returns a Pipeline. recorder may be nil; metricsFile may be empty.
func New(cfg config.DeployerConfig, deps Deps, logger *slog.Logger, recorder *metrics.Recorder, metricsFile string) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: logger, metrics: recorder, metricsFile: metricsFile}
}

// SSHConnector dials sessions with remote.Dial.
func SSHConnector(logger *slog.Logger) Connector {
	return func(ctx context.Context, cfg remote.Config) (Session, error) {
		client, err := remote.Dial(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// DockerEngine tunnels the Docker API to socket through the session.
func DockerEngine(socket string) EngineFactory {
	return func(ctx context.Context, sess Session) (Engine, error) {
		cli, err := docker.NewTunneled(socket, sess.DialUnix)
		if err != nil {
			return nil, err
		}
		if err := cli.Ping(ctx); err != nil {
			cli.Close()
			return nil, fmt.Errorf("docker daemon at %s: %w", socket, err)
		}
		return cli, nil
	}
}

// Run deploys req.
func (p *Pipeline) Run(ctx context.Context, req request.Request) (err error) {
	p.logger.Info("deployment started", "repo", req.RepoURL, "branch", req.Branch, "host", req.Host, "port", req.Port)
	defer func() { p.finish(err) }()

	var connCfg remote.Config
	if err := p.stage(StagePreflight, func() error {
		var runErr error
		connCfg, runErr = p.deps.Preflight.Run(ctx, req)
		return classify(runErr, classifyPreflight)
	}); err != nil {
		return err
	}

	var src source.Source
	if err := p.stage(StageFetch, func() error {
		var runErr error
		src, runErr = p.deps.Fetcher.Fetch(ctx, req)
		return classify(runErr, classifyFetch)
	}); err != nil {
		return err
	}

	if err := p.stage(StageProvision, func() error {
		sess, connErr := p.connect(ctx, connCfg)
		if connErr != nil {
			return connErr
		}
		defer sess.Close()
		return classify(provision.New(sess, p.cfg.RemoteTimeout, p.logger).Run(ctx, req.User), remoteKind)
	}); err != nil {
		return err
	}

	var (
		sess   Session
		engine Engine
	)
	defer func() {
		if engine != nil {
			engine.Close()
		}
		if sess != nil {
			sess.Close()
		}
	}()

	if err := p.stage(StageDeploy, func() error {
		// A fresh login picks up the docker group membership granted while
		// provisioning.
		var connErr error
		sess, connErr = p.connect(ctx, connCfg)
		if connErr != nil {
			return connErr
		}
		if src.Descriptor.Kind == source.KindDockerfile {
			eng, engErr := p.deps.Engine(ctx, sess)
			if engErr != nil {
				return classify(engErr, connectivityKind)
			}
			engine = eng
		}
		d := deploy.New(sess, engineOrNil(engine), p.cfg, p.logger)
		if err := d.ResetStaging(ctx, req.User); err != nil {
			return classify(err, remoteKind)
		}
		if err := d.Transfer(ctx, src.Dir); err != nil {
			return classify(err, remoteKind)
		}
		return classify(d.Start(ctx, src, req.Port), remoteKind)
	}); err != nil {
		return err
	}

	if err := p.stage(StageProxy, func() error {
		c := proxy.New(sess, p.cfg.NginxSitePath, p.cfg.NginxEnabledPath, p.cfg.RemoteTimeout, p.logger)
		return classify(c.Apply(ctx, req.Port), classifyProxy)
	}); err != nil {
		return err
	}

	if err := p.stage(StageHealth, func() error {
		var checker health.ContainerChecker
		if engine != nil {
			checker = engine
		}
		v := health.New(sess, checker, p.cfg, p.logger)
		return classify(v.Check(ctx, req.Host, req.Port, src.Descriptor), validationKind)
	}); err != nil {
		return err
	}

	p.logger.Info("deployment completed", "url", "http://"+req.Host+"/", "commit", src.Commit)
	return nil
}

// Cleanup tears down the deployment on the host of req. Only req's
// connection fields are used.
func (p *Pipeline) Cleanup(ctx context.Context, req request.Request) (err error) {
	p.logger.Info("cleanup started", "host", req.Host)
	defer func() { p.finish(err) }()

	var connCfg remote.Config
	if err := p.stage(StagePreflight, func() error {
		var runErr error
		connCfg, runErr = p.deps.Preflight.Run(ctx, req)
		return classify(runErr, classifyPreflight)
	}); err != nil {
		return err
	}
	return p.stage(StageCleanup, func() error {
		sess, connErr := p.connect(ctx, connCfg)
		if connErr != nil {
			return connErr
		}
		defer sess.Close()
		return classify(cleanup.New(sess, p.cfg, p.logger).Run(ctx), connectivityKind)
	})
}

func (p *Pipeline) connect(ctx context.Context, cfg remote.Config) (Session, error) {
	sess, err := p.deps.Connect(ctx, cfg)
	if err != nil {
		return nil, &StageError{Kind: KindConnectivity, Err: fmt.Errorf("connect %s@%s: %w", cfg.User, cfg.Address, err)}
	}
	return sess, nil
}

// stage runs fn under a stage name, logging and recording its outcome.
func (p *Pipeline) stage(name string, fn func() error) error {
	log := p.logger.With("stage", name)
	log.Info("stage started")
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	p.metrics.ObserveStage(name, elapsed, err)
	if err != nil {
		var stageErr *StageError
		if !errors.As(err, &stageErr) {
			stageErr = &StageError{Kind: KindRemoteExecution, Err: err}
		}
		stageErr.Stage = name
		log.Error("stage failed", "kind", stageErr.Kind, "error", stageErr.Err)
		return stageErr
	}
	log.Info("stage completed", "elapsed", elapsed.Round(time.Millisecond))
	return nil
}

func (p *Pipeline) finish(err error) {
	p.metrics.RunFinished(err)
	if err := p.metrics.WriteTextfile(p.metricsFile); err != nil {
		p.logger.Warn("metrics textfile not written", "path", p.metricsFile, "error", err)
	}
}

func classify(err error, kind func(error) Kind) error {
	if err == nil {
		return nil
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return err
	}
	return &StageError{Kind: kind(err), Err: err}
}

func remoteKind(err error) Kind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindConnectivity
	}
	return KindRemoteExecution
}

func connectivityKind(error) Kind { return KindConnectivity }

func validationKind(error) Kind { return KindValidation }

func engineOrNil(engine Engine) deploy.Engine {
	if engine == nil {
		return nil
	}
	return engine
}
