package source

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoDescriptor reports a working tree with nothing the deployer can start.
var ErrNoDescriptor = errors.New("no container build descriptor found (expected a compose file or Dockerfile)")

// Kind identifies how the application is started on the remote host.
type Kind int

const (
	KindDockerfile Kind = iota + 1
	KindCompose
)

func (k Kind) String() string {
	switch k {
	case KindCompose:
		return "compose"
	case KindDockerfile:
		return "dockerfile"
	default:
		return "unknown"
	}
}

// Descriptor describes the build file found at the root of a working tree.
type Descriptor struct {
	Kind Kind
	File string
	// Project is the compose project name declared in the file, if any.
	Project  string
	Services []string
}

var (
	composeFiles    = []string{"docker-compose.yml", "docker-compose.yaml", "compose.yml", "compose.yaml"}
	dockerfileNames = []string{"Dockerfile", "dockerfile"}
)

type composeFile struct {
	Name     string               `yaml:"name"`
	Services map[string]yaml.Node `yaml:"services"`
}

// DetectDescriptor inspects the root of dir. A compose file wins over a
// Dockerfile when it parses and declares at least one service.
func DetectDescriptor(dir string) (Descriptor, error) {
	for _, name := range composeFiles {
		path := filepath.Join(dir, name)
		data, err := readRegular(path)
		if err != nil {
			return Descriptor{}, err
		}
		if data == nil {
			continue
		}
		var parsed composeFile
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Descriptor{}, fmt.Errorf("parse %s: %w", name, err)
		}
		if len(parsed.Services) == 0 {
			continue
		}
		services := make([]string, 0, len(parsed.Services))
		for svc := range parsed.Services {
			services = append(services, svc)
		}
		sort.Strings(services)
		return Descriptor{
			Kind:     KindCompose,
			File:     name,
			Project:  strings.TrimSpace(parsed.Name),
			Services: services,
		}, nil
	}
	for _, name := range dockerfileNames {
		info, err := os.Stat(filepath.Join(dir, name))
		if err == nil && !info.IsDir() {
			return Descriptor{Kind: KindDockerfile, File: name}, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return Descriptor{}, fmt.Errorf("check dockerfile: %w", err)
		}
	}
	return Descriptor{}, ErrNoDescriptor
}

func readRegular(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", filepath.Base(path), err)
	}
	if info.IsDir() {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return data, nil
}
