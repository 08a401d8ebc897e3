package docker

import (
	"context"
	"fmt"
	"net"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
)

// UnixDialer opens a stream to a unix socket on the remote host.
type UnixDialer func(path string) (net.Conn, error)

// Client wraps the Docker SDK client.
type Client struct {
	inner *client.Client
}

// NewTunneled creates a client whose every connection is a stream to socket
// opened through dial, typically an SSH channel to the remote daemon.
func NewTunneled(socket string, dial UnixDialer) (*Client, error) {
	if socket == "" {
		return nil, fmt.Errorf("docker socket path cannot be empty")
	}
	if dial == nil {
		return nil, fmt.Errorf("docker socket dialer not configured")
	}
	return newClient(
		client.WithHost("unix://"+socket),
		client.WithDialContext(func(ctx context.Context, _, _ string) (net.Conn, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return dial(socket)
		}),
		client.WithAPIVersionNegotiation(),
	)
}

func newClient(opts ...client.Opt) (*Client, error) {
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	var ping types.Ping
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
