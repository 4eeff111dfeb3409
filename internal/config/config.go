// Package config loads the YAML-driven configuration both daemons share,
// modeled on gollum's core/config.go: a flat document of named sections
// parsed with gopkg.in/yaml.v2, unmarshalled directly into typed structs
// rather than gollum's dynamic plugin-config-reader (this module's set of
// components is fixed at compile time, so the extra indirection gollum
// needs for arbitrary third-party plugins isn't earned here).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// ListenerConfig describes one transport.Listener to open.
type ListenerConfig struct {
	Network    string `yaml:"network"`
	Address    string `yaml:"address"`
	Service    string `yaml:"service,omitempty"`
	Privileged bool   `yaml:"privileged,omitempty"`
}

// ConnectionConfig configures the nsxpcd connection-engine daemon.
type ConnectionConfig struct {
	Listener              ListenerConfig `yaml:"listener"`
	DefaultTimeoutSeconds int            `yaml:"default_timeout_seconds"`
}

// DefaultTimeout returns the configured timeout as a time.Duration, or
// zero (unbounded, per spec.md §5) when unset.
func (c ConnectionConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSeconds) * time.Second
}

// MetricsConfig configures the shared Prometheus bridge (internal/metrics).
type MetricsConfig struct {
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

// FileCoordinationConfig configures the FileCoordination arbiter daemon.
type FileCoordinationConfig struct {
	Listener                ListenerConfig `yaml:"listener"`
	PathPolicyFile          string         `yaml:"path_policy_file,omitempty"`
	PresenterTimeoutSeconds int            `yaml:"presenter_timeout_seconds"`
	RedisPresenceAddress    string         `yaml:"redis_presence_address,omitempty"`
}

// PresenterTimeout returns the configured presenter round-trip timeout, or
// a 30s default when unset.
func (c FileCoordinationConfig) PresenterTimeout() time.Duration {
	if c.PresenterTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.PresenterTimeoutSeconds) * time.Second
}

// Config is the top-level document loaded from a daemon's YAML file.
type Config struct {
	LogLevel         string                 `yaml:"log_level"`
	Metrics          MetricsConfig          `yaml:"metrics"`
	Connection       ConnectionConfig       `yaml:"connection"`
	FileCoordination FileCoordinationConfig `yaml:"filecoordination"`
}

// Load reads and parses a YAML configuration document, mirroring
// core/config.go's ReadConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &c, nil
}
