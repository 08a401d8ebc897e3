package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/splax/vmdeploy/internal/request"
)

// connectionProfile remembers where the last successful deploy went so that
// cleanup can run without re-entering it. It never holds the access token.
type connectionProfile struct {
	User    string `yaml:"user"`
	Host    string `yaml:"host"`
	KeyPath string `yaml:"key_path"`
	Port    int    `yaml:"port,omitempty"`
}

func profileFromRequest(req request.Request) connectionProfile {
	return connectionProfile{User: req.User, Host: req.Host, KeyPath: req.KeyPath, Port: req.Port}
}

func loadProfile(path string) (connectionProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return connectionProfile{}, nil
		}
		return connectionProfile{}, err
	}
	var p connectionProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return connectionProfile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return p, nil
}

func saveProfile(path string, p connectionProfile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

func profilePath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "vmdeploy", "profile.yaml"), nil
}

// cleanupPrefill layers flags over the saved profile; prompts fill the rest.
func cleanupPrefill(flags request.Prefill, saved connectionProfile) request.Prefill {
	pre := flags
	if pre.User == "" {
		pre.User = saved.User
	}
	if pre.Host == "" {
		pre.Host = saved.Host
	}
	if pre.KeyPath == "" {
		pre.KeyPath = saved.KeyPath
	}
	if pre.Port == 0 {
		pre.Port = saved.Port
	}
	return pre
}
