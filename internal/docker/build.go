package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/go-connections/nat"
	"github.com/moby/patternmatcher/ignorefile"
)

// ContainerInfo captures minimal runtime details about a started container.
type ContainerInfo struct {
	ID          string
	PortBinding nat.PortMap
}

// PublishedPorts renders the bindings the daemon reported, such as
// "0.0.0.0:8000->8000/tcp", in a stable order.
func (i ContainerInfo) PublishedPorts() []string {
	var out []string
	for port, bindings := range i.PortBinding {
		for _, b := range bindings {
			if strings.TrimSpace(b.HostPort) == "" {
				continue
			}
			out = append(out, fmt.Sprintf("%s:%s->%s", b.HostIP, b.HostPort, port))
		}
	}
	sort.Strings(out)
	return out
}

// BuildOutputCallback is invoked with incremental build messages.
type BuildOutputCallback func(string)

// BuildImage creates a Docker image from dir using its Dockerfile. The build
// context honours .dockerignore and never includes .git.
func (c *Client) BuildImage(ctx context.Context, dir, dockerfile, tag string, onOutput BuildOutputCallback) error {
	if c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if dir == "" {
		return fmt.Errorf("build directory cannot be empty")
	}
	if tag == "" {
		return fmt.Errorf("image tag cannot be empty")
	}
	excludes, err := ContextExcludes(dir)
	if err != nil {
		return err
	}
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{ExcludePatterns: excludes})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  dockerfile,
		Remove:      true,
		ForceRemove: true,
	}
	resp, err := c.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()
	decoder := json.NewDecoder(resp.Body)
	for {
		var msg imageBuildMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decode build output: %w", err)
		}

		if errMsg := msg.errorMessage(); errMsg != "" {
			return fmt.Errorf("docker image build: %s", errMsg)
		}

		line := msg.render()
		if line != "" && onOutput != nil {
			onOutput(line)
		}
	}
	return nil
}

// ContextExcludes returns the patterns left out of a build context rooted at
// dir: the entries of its .dockerignore plus .git.
func ContextExcludes(dir string) ([]string, error) {
	excludes := []string{".git"}
	f, err := os.Open(filepath.Join(dir, ".dockerignore"))
	if errors.Is(err, os.ErrNotExist) {
		return excludes, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open .dockerignore: %w", err)
	}
	defer f.Close()
	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read .dockerignore: %w", err)
	}
	return append(excludes, patterns...), nil
}

// RemoveContainer removes an existing container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// RunningNames lists the names of running containers without their leading
// slash.
func (c *Client) RunningNames(ctx context.Context) ([]string, error) {
	list, err := c.inner.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("status", "running")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	names := make([]string, 0, len(list))
	for _, item := range list {
		for _, name := range item.Names {
			names = append(names, strings.TrimPrefix(name, "/"))
		}
	}
	return names, nil
}

// EnsureRunning returns ErrNotRunning unless a container named exactly name
// is running.
func (c *Client) EnsureRunning(ctx context.Context, name string) error {
	names, err := c.RunningNames(ctx)
	if err != nil {
		return err
	}
	for _, running := range names {
		if running == name {
			return nil
		}
	}
	return fmt.Errorf("%s: %w", name, ErrNotRunning)
}

type imageBuildMessage struct {
	Stream         string                 `json:"stream"`
	Status         string                 `json:"status"`
	ID             string                 `json:"id"`
	Progress       string                 `json:"progress"`
	ProgressDetail progressDetail         `json:"progressDetail"`
	Error          string                 `json:"error"`
	ErrorDetail    imageBuildErrorDetail  `json:"errorDetail"`
	Aux            map[string]interface{} `json:"aux"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type imageBuildErrorDetail struct {
	Message string `json:"message"`
}

func (m imageBuildMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	if strings.TrimSpace(m.ErrorDetail.Message) != "" {
		return strings.TrimSpace(m.ErrorDetail.Message)
	}
	return ""
}

func (m imageBuildMessage) render() string {
	if m.Stream != "" {
		return m.Stream
	}
	if m.Status != "" {
		parts := make([]string, 0, 4)
		if strings.TrimSpace(m.ID) != "" {
			parts = append(parts, strings.TrimSpace(m.ID))
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		progress := strings.TrimSpace(m.Progress)
		if progress == "" && (m.ProgressDetail.Current > 0 || m.ProgressDetail.Total > 0) {
			if m.ProgressDetail.Total > 0 {
				progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
			} else {
				progress = fmt.Sprintf("%d", m.ProgressDetail.Current)
			}
		}
		if progress != "" {
			parts = append(parts, progress)
		}
		return strings.TrimSpace(strings.Join(parts, " "))
	}
	if len(m.Aux) > 0 {
		if id, ok := m.Aux["ID"]; ok {
			return fmt.Sprintf("image id: %v", id)
		}
	}
	return ""
}

// PublishPort maps the same TCP port on the host and in the container.
func PublishPort(port int) nat.PortMap {
	p := nat.Port(fmt.Sprintf("%d/tcp", port))
	return nat.PortMap{p: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", port)}}}
}

// RunContainer creates and starts a detached container that restarts
// automatically and publishes ports.
func (c *Client) RunContainer(ctx context.Context, name, image string, ports nat.PortMap) (ContainerInfo, error) {
	if strings.TrimSpace(name) == "" {
		return ContainerInfo{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(image) == "" {
		return ContainerInfo{}, fmt.Errorf("image name cannot be empty")
	}

	config := &container.Config{
		Image:        image,
		ExposedPorts: nat.PortSet{},
	}
	for p := range ports {
		config.ExposedPorts[p] = struct{}{}
	}

	hostCfg := &container.HostConfig{
		PortBindings: ports,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyAlways,
		},
	}

	r, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, name)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container create: %w", err)
	}

	if err := c.inner.ContainerStart(ctx, r.ID, container.StartOptions{}); err != nil {
		return ContainerInfo{}, fmt.Errorf("container start: %w", err)
	}

	var inspect types.ContainerJSON
	for attempt := 0; attempt < 10; attempt++ {
		inspect, err = c.inner.ContainerInspect(ctx, r.ID)
		if err != nil {
			return ContainerInfo{}, fmt.Errorf("container inspect: %w", err)
		}
		if hasHostPort(inspect.NetworkSettings) {
			break
		}
		if attempt == 9 {
			break
		}
		select {
		case <-ctx.Done():
			return ContainerInfo{}, fmt.Errorf("wait for host port: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}

	portsBinding := nat.PortMap{}
	if inspect.NetworkSettings != nil && inspect.NetworkSettings.Ports != nil {
		portsBinding = inspect.NetworkSettings.Ports
	}

	return ContainerInfo{ID: r.ID, PortBinding: portsBinding}, nil
}

func hasHostPort(settings *types.NetworkSettings) bool {
	if settings == nil || settings.Ports == nil {
		return false
	}
	for _, bindings := range settings.Ports {
		for _, binding := range bindings {
			if strings.TrimSpace(binding.HostPort) != "" {
				return true
			}
		}
	}
	return false
}
