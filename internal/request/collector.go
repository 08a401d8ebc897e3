package request

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/splax/vmdeploy/pkg/config"
)

// Prefill carries values supplied on the command line. Non-empty values are
// used as-is and their prompts are skipped.
type Prefill struct {
	RepoURL string
	Branch  string
	User    string
	Host    string
	KeyPath string
	Port    int
}

// Collector gathers deployment parameters interactively.
type Collector struct {
	in            *bufio.Reader
	out           io.Writer
	readSecret    func() (string, error)
	defaultBranch string
}

// NewCollector reads answers from in and writes prompts to out. When in is a
// terminal, secrets are read without echo.
func NewCollector(in io.Reader, out io.Writer, defaultBranch string) *Collector {
	c := &Collector{
		in:            bufio.NewReader(in),
		out:           out,
		defaultBranch: defaultBranch,
	}
	c.readSecret = c.readLine
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		c.readSecret = func() (string, error) {
			bytes, err := term.ReadPassword(fd)
			fmt.Fprint(c.out, "\n")
			if err != nil {
				return "", err
			}
			return string(bytes), nil
		}
	}
	return c
}

// Collect prompts for the seven deployment parameters in order and fails on
// the first one left empty.
func (c *Collector) Collect(pre Prefill) (Request, error) {
	var req Request
	var err error

	if req.RepoURL, err = c.ask("Repository URL", pre.RepoURL, ""); err != nil {
		return Request{}, err
	}
	token, err := c.Secret("Personal access token")
	if err != nil {
		return Request{}, err
	}
	if token.IsZero() {
		return Request{}, fmt.Errorf("access token: %w", ErrMissingField)
	}
	req.Token = token
	if req.Branch, err = c.ask("Branch", pre.Branch, c.defaultBranch); err != nil {
		return Request{}, err
	}
	if req.User, err = c.ask("SSH username", pre.User, ""); err != nil {
		return Request{}, err
	}
	if req.Host, err = c.ask("Server IP address", pre.Host, ""); err != nil {
		return Request{}, err
	}
	keyPath, err := c.ask("SSH key path", pre.KeyPath, "")
	if err != nil {
		return Request{}, err
	}
	if req.KeyPath, err = config.ExpandHome(keyPath); err != nil {
		return Request{}, fmt.Errorf("expand key path: %w", err)
	}

	prefilledPort := ""
	if pre.Port > 0 {
		prefilledPort = strconv.Itoa(pre.Port)
	}
	rawPort, err := c.ask("Application port", prefilledPort, "")
	if err != nil {
		return Request{}, err
	}
	if req.Port, err = ParsePort(rawPort); err != nil {
		return Request{}, err
	}

	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Connection prompts only for what cleanup needs: user, host and key path.
func (c *Collector) Connection(pre Prefill) (Request, error) {
	var req Request
	var err error
	if req.User, err = c.ask("SSH username", pre.User, ""); err != nil {
		return Request{}, err
	}
	if req.Host, err = c.ask("Server IP address", pre.Host, ""); err != nil {
		return Request{}, err
	}
	keyPath, err := c.ask("SSH key path", pre.KeyPath, "")
	if err != nil {
		return Request{}, err
	}
	if req.KeyPath, err = config.ExpandHome(keyPath); err != nil {
		return Request{}, fmt.Errorf("expand key path: %w", err)
	}
	req.Port = pre.Port
	return req, nil
}

// Secret prompts for a value without echoing it.
func (c *Collector) Secret(label string) (Secret, error) {
	fmt.Fprintf(c.out, "%s: ", label)
	value, err := c.readSecret()
	if err != nil {
		return Secret{}, fmt.Errorf("read %s: %w", strings.ToLower(label), err)
	}
	return NewSecret(strings.TrimSpace(value)), nil
}

func (c *Collector) ask(label, prefilled, fallback string) (string, error) {
	if v := strings.TrimSpace(prefilled); v != "" {
		return v, nil
	}
	if fallback != "" {
		fmt.Fprintf(c.out, "%s [%s]: ", label, fallback)
	} else {
		fmt.Fprintf(c.out, "%s: ", label)
	}
	value, err := c.readLine()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", strings.ToLower(label), err)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		value = fallback
	}
	if value == "" {
		return "", fmt.Errorf("%s: %w", strings.ToLower(label), ErrMissingField)
	}
	return value, nil
}

func (c *Collector) readLine() (string, error) {
	line, err := c.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
