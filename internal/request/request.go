package request

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	ErrMissingField = errors.New("required value is empty")
	ErrInvalidPort  = errors.New("application port must be a number between 1 and 65535")
	ErrInvalidRepo  = errors.New("repository URL must be an http(s) or scheme-less host/path URL")
)

// Request is the immutable set of parameters for one deployment.
type Request struct {
	RepoURL string
	Token   Secret
	Branch  string
	User    string
	Host    string
	KeyPath string
	Port    int
}

// Validate checks that every field is present and well formed.
func (r Request) Validate() error {
	fields := []struct {
		name  string
		value string
	}{
		{"repository URL", r.RepoURL},
		{"access token", r.Token.Reveal()},
		{"branch", r.Branch},
		{"SSH username", r.User},
		{"server address", r.Host},
		{"SSH key path", r.KeyPath},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%s: %w", f.name, ErrMissingField)
		}
	}
	if err := validateRepoURL(r.RepoURL); err != nil {
		return err
	}
	if r.Port < 1 || r.Port > 65535 {
		return ErrInvalidPort
	}
	return nil
}

// SSHAddress joins the host with the SSH port.
func (r Request) SSHAddress(sshPort int) string {
	return net.JoinHostPort(r.Host, strconv.Itoa(sshPort))
}

// ParsePort converts prompt input into a port number.
func ParsePort(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("application port: %w", ErrMissingField)
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port < 1 || port > 65535 {
		return 0, ErrInvalidPort
	}
	return port, nil
}

func validateRepoURL(raw string) error {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if strings.ContainsAny(lower, " \t\n") {
		return ErrInvalidRepo
	}
	if i := strings.Index(lower, "://"); i >= 0 {
		scheme := lower[:i]
		if scheme != "https" && scheme != "http" {
			return ErrInvalidRepo
		}
		lower = lower[i+3:]
	}
	if !strings.Contains(lower, "/") {
		return ErrInvalidRepo
	}
	return nil
}
