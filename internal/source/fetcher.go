package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/splax/vmdeploy/internal/git"
	"github.com/splax/vmdeploy/internal/request"
	"github.com/splax/vmdeploy/internal/workspace"
)

// Source is a local working tree ready to be shipped.
type Source struct {
	Dir        string
	Commit     string
	Updated    bool
	Descriptor Descriptor
}

// Fetcher clones or updates the repository of a request under a workspace.
type Fetcher struct {
	ws      *workspace.Manager
	timeout time.Duration
	logger  *slog.Logger

	clone  func(ctx context.Context, authURL, plainURL, branch, dest string) error
	update func(ctx context.Context, authURL, branch, dir string) error
	head   func(ctx context.Context, dir string) (string, error)
}

// NewFetcher returns a Fetcher that shells out to git.
func NewFetcher(ws *workspace.Manager, timeout time.Duration, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Fetcher{
		ws:      ws,
		timeout: timeout,
		logger:  logger,
		clone:   git.Clone,
		update:  git.Update,
		head:    git.Head,
	}
}

// Fetch brings the local checkout of req.RepoURL to req.Branch and verifies it
// carries a build descriptor. Errors never contain the access token.
func (f *Fetcher) Fetch(ctx context.Context, req request.Request) (Source, error) {
	name := git.RepoName(req.RepoURL)
	dir, exists, err := f.ws.Checkout(name)
	if err != nil {
		return Source{}, err
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	authURL := git.AuthURL(req.RepoURL, req.Token.Reveal())
	if exists {
		f.logger.Info("updating existing checkout", "dir", dir, "branch", req.Branch)
		if err := f.update(ctx, authURL, req.Branch, dir); err != nil {
			return Source{}, scrubbed(ctx, req.Token, err)
		}
	} else {
		f.logger.Info("cloning repository", "repo", git.PlainURL(req.RepoURL), "branch", req.Branch, "dir", dir)
		if err := f.clone(ctx, authURL, git.PlainURL(req.RepoURL), req.Branch, dir); err != nil {
			if cleanupErr := f.ws.Cleanup(dir); cleanupErr != nil {
				f.logger.Warn("remove partial checkout failed", "dir", dir, "error", cleanupErr)
			}
			return Source{}, scrubbed(ctx, req.Token, err)
		}
	}

	src := Source{Dir: dir, Updated: exists}
	if commit, err := f.head(ctx, dir); err == nil {
		src.Commit = commit
	} else {
		f.logger.Warn("resolve checkout commit failed", "dir", dir, "error", err)
	}

	desc, err := DetectDescriptor(dir)
	if err != nil {
		return Source{}, err
	}
	src.Descriptor = desc
	f.logger.Info("build descriptor detected", "kind", desc.Kind, "file", desc.File, "services", desc.Services, "commit", src.Commit)
	return src, nil
}

// scrubbed rebuilds err with the token removed from its text. A cancelled or
// expired ctx stays matchable with errors.Is.
func scrubbed(ctx context.Context, token request.Secret, err error) error {
	msg := token.Scrub(err.Error())
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", msg, ctxErr)
	}
	return errors.New(msg)
}
