package deploy

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/splax/vmdeploy/internal/docker"
	"github.com/splax/vmdeploy/internal/remote"
	"github.com/splax/vmdeploy/internal/source"
	"github.com/splax/vmdeploy/pkg/config"
)

type fakeRunner struct {
	scripts  []remote.Script
	results  map[string]remote.Result
	failOn   string
	uploaded []string
	upDir    string
}

func (f *fakeRunner) Run(_ context.Context, script remote.Script) (remote.Result, error) {
	f.scripts = append(f.scripts, script)
	if script.Name == f.failOn {
		return remote.Result{ExitCode: 1}, &remote.StepError{Script: script.Name, Step: script.Steps[0].Name, ExitCode: 1}
	}
	return f.results[script.Name], nil
}

func (f *fakeRunner) Upload(_ context.Context, dir string, archive io.Reader) error {
	f.upDir = dir
	tr := tar.NewReader(archive)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		f.uploaded = append(f.uploaded, hdr.Name)
	}
}

type fakeEngine struct {
	calls      []string
	buildErr   error
	notRunning bool
	ports      nat.PortMap
}

func (f *fakeEngine) BuildImage(_ context.Context, dir, dockerfile, tag string, onOutput docker.BuildOutputCallback) error {
	f.calls = append(f.calls, "build "+tag+" "+dockerfile)
	onOutput("Step 1/2 : FROM python:3.12")
	onOutput("Step 1/2 : FROM python:3.12")
	return f.buildErr
}

func (f *fakeEngine) RemoveContainer(_ context.Context, name string) error {
	f.calls = append(f.calls, "remove "+name)
	return nil
}

func (f *fakeEngine) RunContainer(_ context.Context, name, image string, ports nat.PortMap) (docker.ContainerInfo, error) {
	f.calls = append(f.calls, "run "+name+" "+image)
	f.ports = ports
	return docker.ContainerInfo{ID: "0123456789abcdef", PortBinding: ports}, nil
}

func (f *fakeEngine) EnsureRunning(_ context.Context, name string) error {
	f.calls = append(f.calls, "verify "+name)
	if f.notRunning {
		return docker.ErrNotRunning
	}
	return nil
}

func testConfig() config.DeployerConfig {
	return config.DeployerConfig{
		StagingDir:    "/opt/fastapi-app",
		ImageName:     "fastapi-app",
		ContainerName: "fastapi-container",
		SettleDelay:   10 * time.Second,
	}
}

func newTestDeployer(runner *fakeRunner, engine Engine) (*Deployer, *[]time.Duration) {
	d := New(runner, engine, testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	var slept []time.Duration
	d.sleep = func(_ context.Context, delay time.Duration) error {
		slept = append(slept, delay)
		return nil
	}
	return d, &slept
}

func TestResetStaging(t *testing.T) {
	runner := &fakeRunner{}
	d, _ := newTestDeployer(runner, nil)
	if err := d.ResetStaging(context.Background(), "deploy"); err != nil {
		t.Fatalf("ResetStaging: %v", err)
	}
	if len(runner.scripts) != 1 {
		t.Fatalf("expected one batch, got %d", len(runner.scripts))
	}
	rendered := runner.scripts[0].Render()
	rm := strings.Index(rendered, "rm -rf '/opt/fastapi-app'")
	mk := strings.Index(rendered, "mkdir -p '/opt/fastapi-app'")
	own := strings.Index(rendered, "chown 'deploy:' '/opt/fastapi-app'")
	if rm < 0 || mk < rm || own < mk {
		t.Fatalf("unexpected reset script:\n%s", rendered)
	}
}

func TestTransferSkipsGitMetadata(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"Dockerfile", "main.py", filepath.Join("app", "routes.py"), filepath.Join(".git", "config")} {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	runner := &fakeRunner{}
	d, _ := newTestDeployer(runner, nil)
	if err := d.Transfer(context.Background(), dir); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if runner.upDir != "/opt/fastapi-app" {
		t.Fatalf("uploaded to %q", runner.upDir)
	}
	for _, name := range runner.uploaded {
		if strings.HasPrefix(name, ".git") {
			t.Fatalf("git metadata uploaded: %v", runner.uploaded)
		}
	}
	sort.Strings(runner.uploaded)
	joined := strings.Join(runner.uploaded, ",")
	if !strings.Contains(joined, "Dockerfile") || !strings.Contains(joined, "app/routes.py") {
		t.Fatalf("unexpected archive entries: %v", runner.uploaded)
	}
}

func TestStartDockerfileReplacesContainer(t *testing.T) {
	engine := &fakeEngine{}
	d, slept := newTestDeployer(&fakeRunner{}, engine)
	src := source.Source{Dir: "/tmp/api", Descriptor: source.Descriptor{Kind: source.KindDockerfile, File: "Dockerfile"}}
	if err := d.Start(context.Background(), src, 8000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	want := []string{
		"build fastapi-app Dockerfile",
		"remove fastapi-container",
		"run fastapi-container fastapi-app",
		"verify fastapi-container",
	}
	if strings.Join(engine.calls, "|") != strings.Join(want, "|") {
		t.Fatalf("calls = %v", engine.calls)
	}
	if _, ok := engine.ports[nat.Port("8000/tcp")]; !ok {
		t.Fatalf("port 8000 not published: %v", engine.ports)
	}
	if len(*slept) != 1 || (*slept)[0] != 10*time.Second {
		t.Fatalf("expected one settle delay, got %v", *slept)
	}
}

func TestStartDockerfileLogsPublishedPorts(t *testing.T) {
	var logs bytes.Buffer
	d := New(&fakeRunner{}, &fakeEngine{}, testConfig(), slog.New(slog.NewTextHandler(&logs, nil)))
	d.sleep = func(context.Context, time.Duration) error { return nil }
	src := source.Source{Dir: "/tmp/api", Descriptor: source.Descriptor{Kind: source.KindDockerfile, File: "Dockerfile"}}
	if err := d.Start(context.Background(), src, 8000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !strings.Contains(logs.String(), "published=[0.0.0.0:8000->8000/tcp]") {
		t.Fatalf("container start record missing published ports:\n%s", logs.String())
	}
}

func TestStartDockerfileBuildFailure(t *testing.T) {
	engine := &fakeEngine{buildErr: errors.New("failed to solve")}
	d, _ := newTestDeployer(&fakeRunner{}, engine)
	src := source.Source{Dir: "/tmp/api", Descriptor: source.Descriptor{Kind: source.KindDockerfile, File: "Dockerfile"}}
	if err := d.Start(context.Background(), src, 8000); err == nil {
		t.Fatalf("expected build failure")
	}
	if len(engine.calls) != 1 {
		t.Fatalf("nothing should run after a failed build: %v", engine.calls)
	}
}

func TestStartDockerfileNotRunning(t *testing.T) {
	engine := &fakeEngine{notRunning: true}
	d, _ := newTestDeployer(&fakeRunner{}, engine)
	src := source.Source{Descriptor: source.Descriptor{Kind: source.KindDockerfile, File: "Dockerfile"}}
	if err := d.Start(context.Background(), src, 8000); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestStartCompose(t *testing.T) {
	runner := &fakeRunner{results: map[string]remote.Result{
		"list containers": {Stdout: "postgres\nfastapi-app-web-1 fastapi-app\n"},
	}}
	engine := &fakeEngine{}
	d, _ := newTestDeployer(runner, engine)
	src := source.Source{Descriptor: source.Descriptor{Kind: source.KindCompose, File: "docker-compose.yml", Services: []string{"web"}}}
	if err := d.Start(context.Background(), src, 8000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(engine.calls) != 0 {
		t.Fatalf("compose deploy must not use the engine: %v", engine.calls)
	}
	if len(runner.scripts) != 2 || runner.scripts[0].Name != "compose up" {
		t.Fatalf("unexpected scripts %v", runner.scripts)
	}
	if !strings.Contains(runner.scripts[0].Render(), "up -d --build") {
		t.Fatalf("compose not started detached with rebuild")
	}
	if !strings.Contains(runner.scripts[1].Render(), "com.docker.compose.project") {
		t.Fatalf("running check should read the compose project label")
	}
}

func TestMatchComposeContainer(t *testing.T) {
	tests := []struct {
		name    string
		listing string
		project string
		want    string
		ok      bool
	}{
		{name: "labelled", listing: "db\nweb-1 fastapi-app\n", project: "fastapi-app", want: "web-1", ok: true},
		{name: "exact container name", listing: "fastapi-container\n", project: "fastapi-app", want: "fastapi-container", ok: true},
		{name: "name containing project", listing: "fastapi-app-old other\n", project: "fastapi-app", ok: false},
		{name: "name containing container", listing: "fastapi-container-2\n", project: "x", ok: false},
		{name: "empty project", listing: "db\ncache other\n", project: "", ok: false},
		{name: "empty listing", listing: "", project: "fastapi-app", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := matchComposeContainer(tt.listing, tt.project, "fastapi-container")
			if ok != tt.ok || got != tt.want {
				t.Fatalf("matchComposeContainer = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestComposeRunningCommand(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	if _, err := exec.LookPath("awk"); err != nil {
		t.Skip("awk not available")
	}
	tests := []struct {
		name    string
		listing string
		project string
		ok      bool
	}{
		{name: "labelled", listing: "db\nweb-1 fastapi-app", project: "fastapi-app", ok: true},
		{name: "exact container name", listing: "fastapi-container", project: "", ok: true},
		{name: "name containing project", listing: "fastapi-app-old other", project: "fastapi-app", ok: false},
		{name: "empty project", listing: "db\ncache other", project: "", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bin := t.TempDir()
			stub := "#!/bin/sh\nprintf '%s\\n' " + remote.Quote(tt.listing) + "\n"
			if err := os.WriteFile(filepath.Join(bin, "docker"), []byte(stub), 0o755); err != nil {
				t.Fatalf("write stub: %v", err)
			}
			cmd := exec.Command("bash", "-c", ComposeRunningCommand(tt.project, "fastapi-container"))
			cmd.Env = append(os.Environ(), "PATH="+bin+":"+os.Getenv("PATH"))
			err := cmd.Run()
			if (err == nil) != tt.ok {
				t.Fatalf("command succeeded=%v, want %v (%v)", err == nil, tt.ok, err)
			}
		})
	}
}

func TestStartComposeNotRunning(t *testing.T) {
	runner := &fakeRunner{results: map[string]remote.Result{"list containers": {Stdout: "postgres\n"}}}
	d, _ := newTestDeployer(runner, nil)
	src := source.Source{Descriptor: source.Descriptor{Kind: source.KindCompose, File: "compose.yml"}}
	if err := d.Start(context.Background(), src, 8000); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestStartComposeFailure(t *testing.T) {
	runner := &fakeRunner{failOn: "compose up"}
	d, slept := newTestDeployer(runner, nil)
	src := source.Source{Descriptor: source.Descriptor{Kind: source.KindCompose, File: "compose.yml"}}
	err := d.Start(context.Background(), src, 8000)
	var stepErr *remote.StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected step error, got %v", err)
	}
	if len(*slept) != 0 {
		t.Fatalf("settle delay should not run after failure")
	}
}

func TestComposeProject(t *testing.T) {
	tests := []struct {
		declared, staging, want string
	}{
		{"", "/opt/fastapi-app", "fastapi-app"},
		{"", "/opt/FastAPI.App/", "fastapiapp"},
		{"Shop", "/opt/fastapi-app", "shop"},
	}
	for _, tt := range tests {
		if got := ComposeProject(tt.declared, tt.staging); got != tt.want {
			t.Fatalf("ComposeProject(%q, %q) = %q, want %q", tt.declared, tt.staging, got, tt.want)
		}
	}
}

func TestBuildLogAggregatorCollapsesRepeats(t *testing.T) {
	var emitted []string
	agg := newBuildLogAggregator(func(line string) { emitted = append(emitted, line) })
	agg.Add("a")
	agg.Add("a")
	agg.Add("a")
	agg.Add("b")
	agg.Flush()
	want := []string{"a", "a (repeated 2 more times)", "b"}
	if strings.Join(emitted, "|") != strings.Join(want, "|") {
		t.Fatalf("emitted = %v", emitted)
	}
	if tail := agg.Snapshot(2); len(tail) != 2 || tail[1] != "b" {
		t.Fatalf("snapshot = %v", tail)
	}
}

func TestSleepContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
