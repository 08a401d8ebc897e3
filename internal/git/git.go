package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strings"
)

// RepoName returns the last path segment of a repository URL without its
// ".git" suffix.
func RepoName(repoURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(repoURL), "/")
	name := path.Base(trimmed)
	if i := strings.LastIndex(name, ":"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, ".git")
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// AuthURL embeds token as the userinfo of an https URL. Any existing scheme or
// userinfo on repoURL is discarded.
func AuthURL(repoURL, token string) string {
	rest := strings.TrimSpace(repoURL)
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if at := strings.Index(rest, "@"); at >= 0 {
		if slash := strings.Index(rest, "/"); slash < 0 || at < slash {
			rest = rest[at+1:]
		}
	}
	if token == "" {
		return "https://" + rest
	}
	return "https://" + token + "@" + rest
}

// PlainURL is AuthURL without credentials.
func PlainURL(repoURL string) string {
	return AuthURL(repoURL, "")
}

// Clone clones branch of the repository into dest, which must not exist yet.
// The stored origin is reset to plainURL so credentials in authURL are not
// persisted.
func Clone(ctx context.Context, authURL, plainURL, branch, dest string) error {
	if authURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	if branch == "" {
		return fmt.Errorf("branch cannot be empty")
	}
	if _, err := run(ctx, "", "clone", "--branch", branch, authURL, dest); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	if plainURL != "" {
		if _, err := run(ctx, dest, "remote", "set-url", "origin", plainURL); err != nil {
			return fmt.Errorf("git remote set-url failed: %w", err)
		}
	}
	return nil
}

// Update fetches branch from authURL and moves the local branch of the
// existing clone in dir to it.
func Update(ctx context.Context, authURL, branch, dir string) error {
	if authURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if branch == "" {
		return fmt.Errorf("branch cannot be empty")
	}
	if _, err := run(ctx, dir, "fetch", authURL, branch); err != nil {
		return fmt.Errorf("git fetch failed: %w", err)
	}
	if _, err := run(ctx, dir, "checkout", "-B", branch, "FETCH_HEAD"); err != nil {
		return fmt.Errorf("git checkout failed: %w", err)
	}
	return nil
}

// Head returns the commit checked out in dir.
func Head(ctx context.Context, dir string) (string, error) {
	out, err := run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// OutputError carries the combined output of a failed git invocation.
type OutputError struct {
	Err    error
	Output string
}

func (e *OutputError) Error() string {
	if e.Output == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Output)
}

func (e *OutputError) Unwrap() error { return e.Err }

func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), &OutputError{Err: err, Output: strings.TrimSpace(string(output))}
	}
	return string(output), nil
}
