package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotRepository reports a checkout directory that exists but is not a git
// working tree.
var ErrNotRepository = errors.New("directory exists but is not a git repository")

// Manager owns local checkouts under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Checkout resolves the directory for a repository name and reports whether
// an existing clone can be updated in place.
func (m *Manager) Checkout(name string) (string, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", false, fmt.Errorf("invalid checkout name %q", name)
	}
	dir := filepath.Join(m.root, name)
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return dir, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("stat checkout: %w", err)
	}
	if !info.IsDir() {
		return "", false, fmt.Errorf("%s: %w", dir, ErrNotRepository)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return "", false, fmt.Errorf("%s: %w", dir, ErrNotRepository)
	}
	return dir, true, nil
}

// Cleanup removes a checkout directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	// Ensure we only remove directories within the configured root.
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}
