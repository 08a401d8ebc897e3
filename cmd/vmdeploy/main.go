package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/splax/vmdeploy/internal/metrics"
	"github.com/splax/vmdeploy/internal/pipeline"
	"github.com/splax/vmdeploy/internal/preflight"
	"github.com/splax/vmdeploy/internal/request"
	"github.com/splax/vmdeploy/internal/source"
	"github.com/splax/vmdeploy/internal/workspace"
	"github.com/splax/vmdeploy/pkg/config"
	"github.com/splax/vmdeploy/pkg/logger"
)

var buildVersion = "dev"

type options struct {
	repo        string
	branch      string
	user        string
	host        string
	key         string
	port        int
	profile     string
	logDir      string
	metricsFile string
	verbose     bool
	cleanup     bool
}

// errLogged marks an error that has already been written to the session log.
type errLogged struct{ err error }

func (e errLogged) Error() string { return e.err.Error() }
func (e errLogged) Unwrap() error { return e.err }

func main() {
	cmd := newRootCmd(os.Stdin, os.Stdout, os.Stderr)
	if err := cmd.Execute(); err != nil {
		var logged errLogged
		if !errors.As(err, &logged) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "vmdeploy",
		Short:         "Deploy a containerized web application to a remote VM",
		Long:          "Clone a repository, provision Docker, Compose and Nginx on a remote host over SSH, start the application and put it behind a reverse proxy.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, in, out, errOut)
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.Flags()
	flags.BoolVar(&opts.cleanup, "cleanup", false, "Tear down the deployment instead of deploying")
	flags.StringVar(&opts.repo, "repo", "", "Repository URL")
	flags.StringVar(&opts.branch, "branch", "", "Branch to deploy (default from DEPLOY_DEFAULT_BRANCH or main)")
	flags.StringVar(&opts.user, "user", "", "SSH username")
	flags.StringVar(&opts.host, "host", "", "Server IP address or hostname")
	flags.StringVar(&opts.key, "key", "", "Path to the SSH private key")
	flags.IntVar(&opts.port, "port", 0, "Application port inside the container")
	flags.StringVar(&opts.profile, "profile", "", "Connection profile path (default <config dir>/vmdeploy/profile.yaml)")
	flags.StringVar(&opts.logDir, "log-dir", "", "Directory for the session log (default from DEPLOY_LOG_DIR)")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "Write stage metrics in Prometheus textfile format to this path")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log remote command output")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(buildVersion))
		},
	})
	return root
}

func run(parent context.Context, opts *options, in io.Reader, out, errOut io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg := config.LoadDeployerConfig()
	if opts.logDir != "" {
		cfg.LogDir = opts.logDir
	}
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	prefix := "deploy"
	if opts.cleanup {
		prefix = "cleanup"
	}
	log, session, err := logger.NewSession("vmdeploy", cfg.LogDir, prefix, time.Now(), level, errOut)
	if err != nil {
		return err
	}
	defer session.Close()
	log = log.With("run_id", uuid.NewString())
	log.Info("session log opened", "path", session.Path, "version", buildVersion)

	fail := func(msg string, err error) error {
		attrs := []any{"error", err}
		if kind, ok := pipeline.KindOf(err); ok {
			attrs = append(attrs, "kind", kind)
		}
		log.Error(msg, attrs...)
		return errLogged{err: err}
	}

	profile := opts.profile
	if profile == "" {
		if profile, err = profilePath(); err != nil {
			log.Warn("connection profile disabled", "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := request.NewCollector(in, out, cfg.DefaultBranch)
	flagged := request.Prefill{
		RepoURL: opts.repo,
		Branch:  opts.branch,
		User:    opts.user,
		Host:    opts.host,
		KeyPath: opts.key,
		Port:    opts.port,
	}

	ws, err := workspace.New(cfg.Workdir)
	if err != nil {
		return fail("workspace unavailable", err)
	}
	passphrase := func() ([]byte, error) {
		secret, err := collector.Secret("SSH key passphrase")
		if err != nil {
			return nil, err
		}
		return []byte(secret.Reveal()), nil
	}
	p := pipeline.New(cfg, pipeline.Deps{
		Preflight: preflight.New(cfg, passphrase, log),
		Fetcher:   source.NewFetcher(ws, cfg.GitTimeout, log),
		Connect:   pipeline.SSHConnector(log),
		Engine:    pipeline.DockerEngine(cfg.DockerSocket),
	}, log, metrics.NewRecorder(), opts.metricsFile)

	if opts.cleanup {
		saved := connectionProfile{}
		if profile != "" {
			if saved, err = loadProfile(profile); err != nil {
				log.Warn("connection profile unreadable", "path", profile, "error", err)
			}
		}
		req, err := collector.Connection(cleanupPrefill(flagged, saved))
		if err != nil {
			return fail("invalid input", err)
		}
		if err := p.Cleanup(ctx, req); err != nil {
			return fail("cleanup failed", err)
		}
		return nil
	}

	req, err := collector.Collect(flagged)
	if err != nil {
		return fail("invalid input", err)
	}
	if err := p.Run(ctx, req); err != nil {
		return fail("deployment failed", err)
	}
	if profile != "" {
		if err := saveProfile(profile, profileFromRequest(req)); err != nil {
			log.Warn("connection profile not saved", "path", profile, "error", err)
		}
	}
	return nil
}
