package request

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func validRequest() Request {
	return Request{
		RepoURL: "https://github.com/x/y.git",
		Token:   NewSecret("ghp_secret"),
		Branch:  "main",
		User:    "ubuntu",
		Host:    "1.2.3.4",
		KeyPath: "/home/ubuntu/.ssh/k.pem",
		Port:    8000,
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *Request)
		wantErr error
	}{
		{"valid", func(r *Request) {}, nil},
		{"empty repo", func(r *Request) { r.RepoURL = "" }, ErrMissingField},
		{"empty token", func(r *Request) { r.Token = NewSecret("  ") }, ErrMissingField},
		{"empty branch", func(r *Request) { r.Branch = "" }, ErrMissingField},
		{"empty user", func(r *Request) { r.User = "" }, ErrMissingField},
		{"empty host", func(r *Request) { r.Host = " " }, ErrMissingField},
		{"empty key", func(r *Request) { r.KeyPath = "" }, ErrMissingField},
		{"zero port", func(r *Request) { r.Port = 0 }, ErrInvalidPort},
		{"port too high", func(r *Request) { r.Port = 70000 }, ErrInvalidPort},
		{"ssh scheme", func(r *Request) { r.RepoURL = "ssh://git@github.com/x/y.git" }, ErrInvalidRepo},
		{"scheme-less", func(r *Request) { r.RepoURL = "github.com/x/y.git" }, nil},
		{"no path", func(r *Request) { r.RepoURL = "https://github.com" }, ErrInvalidRepo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest()
			tt.mutate(&r)
			err := r.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr error
	}{
		{"8000", 8000, nil},
		{" 80 ", 80, nil},
		{"", 0, ErrMissingField},
		{"http", 0, ErrInvalidPort},
		{"0", 0, ErrInvalidPort},
		{"65536", 0, ErrInvalidPort},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParsePort(tt.raw)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ParsePort(%q) error = %v, want %v", tt.raw, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("ParsePort(%q) = %d, want %d", tt.raw, got, tt.want)
			}
		})
	}
}

func TestSSHAddress(t *testing.T) {
	r := validRequest()
	if got := r.SSHAddress(22); got != "1.2.3.4:22" {
		t.Fatalf("SSHAddress = %q", got)
	}
	r.Host = "::1"
	if got := r.SSHAddress(2222); got != "[::1]:2222" {
		t.Fatalf("SSHAddress = %q", got)
	}
}

func TestSecretNeverFormats(t *testing.T) {
	s := NewSecret("ghp_supersecret")
	r := validRequest()
	r.Token = s

	outputs := []string{
		s.String(),
		fmt.Sprintf("%v", s),
		fmt.Sprintf("%+v", r),
		fmt.Sprintf("%#v", s),
	}
	for _, out := range outputs {
		if strings.Contains(out, "ghp_supersecret") {
			t.Fatalf("secret leaked in %q", out)
		}
	}

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	log.Info("collected", "token", s, "request", r)
	if strings.Contains(buf.String(), "ghp_supersecret") {
		t.Fatalf("secret leaked into log: %s", buf.String())
	}
	if s.Reveal() != "ghp_supersecret" {
		t.Fatalf("Reveal returned %q", s.Reveal())
	}
}

func TestSecretScrub(t *testing.T) {
	s := NewSecret("tok123")
	got := s.Scrub("fatal: could not read from https://tok123@github.com/x/y.git")
	if strings.Contains(got, "tok123") {
		t.Fatalf("scrub left token: %q", got)
	}
	if NewSecret("").Scrub("unchanged") != "unchanged" {
		t.Fatalf("empty secret should not alter text")
	}
}

func TestCollectorCollect(t *testing.T) {
	input := strings.Join([]string{
		"https://github.com/x/y.git",
		"ghp_token",
		"",
		"ubuntu",
		"1.2.3.4",
		"/keys/k.pem",
		"8000",
	}, "\n") + "\n"
	var out bytes.Buffer
	c := NewCollector(strings.NewReader(input), &out, "main")

	req, err := c.Collect(Prefill{})
	if err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	if req.Branch != "main" {
		t.Errorf("Branch = %q, want default main", req.Branch)
	}
	if req.Token.Reveal() != "ghp_token" {
		t.Errorf("token not captured")
	}
	if req.Port != 8000 || req.Host != "1.2.3.4" || req.User != "ubuntu" || req.KeyPath != "/keys/k.pem" {
		t.Errorf("unexpected request %+v", req)
	}
	if strings.Contains(out.String(), "ghp_token") {
		t.Fatalf("token echoed to prompt output: %q", out.String())
	}
	if !strings.Contains(out.String(), "Branch [main]: ") {
		t.Fatalf("expected default branch hint in prompts, got %q", out.String())
	}
}

func TestCollectorFailsOnEmptyField(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		field string
	}{
		{"repo", []string{""}, "repository url"},
		{"token", []string{"https://github.com/x/y.git", ""}, "access token"},
		{"user", []string{"https://github.com/x/y.git", "tok", "dev", ""}, "ssh username"},
		{"host", []string{"https://github.com/x/y.git", "tok", "dev", "ubuntu", ""}, "server ip address"},
		{"key", []string{"https://github.com/x/y.git", "tok", "dev", "ubuntu", "1.2.3.4", ""}, "ssh key path"},
		{"port", []string{"https://github.com/x/y.git", "tok", "dev", "ubuntu", "1.2.3.4", "/k", ""}, "application port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := strings.Join(tt.lines, "\n") + "\n"
			c := NewCollector(strings.NewReader(input), &bytes.Buffer{}, "main")
			_, err := c.Collect(Prefill{})
			if !errors.Is(err, ErrMissingField) {
				t.Fatalf("Collect error = %v, want ErrMissingField", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Fatalf("error %q does not name field %q", err, tt.field)
			}
		})
	}
}

func TestCollectorPrefillSkipsPrompts(t *testing.T) {
	var out bytes.Buffer
	c := NewCollector(strings.NewReader("tok\n"), &out, "main")
	req, err := c.Collect(Prefill{
		RepoURL: "https://github.com/x/y.git",
		Branch:  "release",
		User:    "ubuntu",
		Host:    "1.2.3.4",
		KeyPath: "/k.pem",
		Port:    9000,
	})
	if err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	if req.Branch != "release" || req.Port != 9000 {
		t.Fatalf("prefill ignored: %+v", req)
	}
	if strings.Contains(out.String(), "Repository URL") {
		t.Fatalf("prefilled prompt was asked: %q", out.String())
	}
}

func TestCollectorConnection(t *testing.T) {
	c := NewCollector(strings.NewReader("1.2.3.4\n/k.pem\n"), &bytes.Buffer{}, "main")
	req, err := c.Connection(Prefill{User: "ubuntu"})
	if err != nil {
		t.Fatalf("Connection error: %v", err)
	}
	if req.User != "ubuntu" || req.Host != "1.2.3.4" || req.KeyPath != "/k.pem" {
		t.Fatalf("unexpected connection %+v", req)
	}
}
