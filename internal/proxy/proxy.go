package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/splax/vmdeploy/internal/remote"
)

// ErrInvalidConfig reports a site that failed the nginx syntax check. The
// running configuration is left untouched.
var ErrInvalidConfig = errors.New("nginx configuration test failed")

// Runner executes a remote script on one session.
type Runner interface {
	Run(ctx context.Context, script remote.Script) (remote.Result, error)
}

// Site parameterises the reverse proxy configuration.
type Site struct {
	ListenPort   int
	UpstreamPort int
}

var siteTemplate = template.Must(template.New("site").Parse(`server {
    listen {{ .ListenPort }};
    listen [::]:{{ .ListenPort }};
    server_name _;

    location / {
        proxy_pass http://127.0.0.1:{{ .UpstreamPort }};
        proxy_http_version 1.1;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
    }
}
`))

// RenderSite renders the nginx server block forwarding port 80 to port.
func RenderSite(port int) (string, error) {
	if port < 1 || port > 65535 {
		return "", fmt.Errorf("upstream port %d out of range", port)
	}
	var buf bytes.Buffer
	if err := siteTemplate.Execute(&buf, Site{ListenPort: 80, UpstreamPort: port}); err != nil {
		return "", fmt.Errorf("render nginx site: %w", err)
	}
	return buf.String(), nil
}

// Configurator installs and activates the proxy site.
type Configurator struct {
	runner      Runner
	sitePath    string
	enabledPath string
	timeout     time.Duration
	logger      *slog.Logger
}

// New returns a Configurator writing to sitePath and linking enabledPath.
func New(runner Runner, sitePath, enabledPath string, timeout time.Duration, logger *slog.Logger) *Configurator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Configurator{runner: runner, sitePath: sitePath, enabledPath: enabledPath, timeout: timeout, logger: logger}
}

const (
	stepSyntaxCheck = "check nginx syntax"
	siteDelimiter   = "VMDEPLOY_NGINX_SITE"
)

// Script returns the batch that writes, links, checks and reloads the site.
// The reload step is only reached when the syntax check passes.
func (c *Configurator) Script(site string) remote.Script {
	return remote.Script{Name: "configure proxy", Steps: []remote.Step{
		{
			Name:    "write site",
			Command: "sudo tee " + remote.Quote(c.sitePath) + " >/dev/null <<'" + siteDelimiter + "'\n" + strings.TrimRight(site, "\n") + "\n" + siteDelimiter,
		},
		{
			Name:    "enable site",
			Command: "sudo ln -sf " + remote.Quote(c.sitePath) + " " + remote.Quote(c.enabledPath),
		},
		{
			Name:    stepSyntaxCheck,
			Command: "sudo nginx -t",
		},
		{
			Name:    "reload nginx",
			Command: "sudo systemctl reload nginx",
		},
	}}
}

// Apply renders the site for port and activates it.
func (c *Configurator) Apply(ctx context.Context, port int) error {
	site, err := RenderSite(port)
	if err != nil {
		return err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if _, err := c.runner.Run(ctx, c.Script(site)); err != nil {
		var stepErr *remote.StepError
		if errors.As(err, &stepErr) && stepErr.Step == stepSyntaxCheck {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, stepErr.Output)
		}
		return fmt.Errorf("configure proxy: %w", err)
	}
	c.logger.Info("reverse proxy configured", "site", c.sitePath, "upstream_port", port)
	return nil
}
