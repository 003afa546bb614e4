// Package config loads and validates VoidSync's process configuration.
// Every key enumerated in the spec's "Configuration (enumerated)" table
// has a field here; defaults match the spec exactly.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level process configuration, loaded from a YAML file
// over the defaults. No environment variable is read.
type Config struct {
	// WorkspaceRoot is the authoritative production tree.
	WorkspaceRoot string `yaml:"workspaceRoot"`

	// SandboxRoot mirrors WorkspaceRoot subpaths touched by in-flight
	// approvals.
	SandboxRoot string `yaml:"sandboxRoot"`

	// StorePath is the bbolt database file backing the Store.
	StorePath string `yaml:"storePath"`

	// ListenAddr is the HTTP+WS listen address, e.g. ":8080".
	ListenAddr string `yaml:"listenAddr"`

	// PushPath is the websocket push-channel path.
	PushPath string `yaml:"pushPath"`

	// MaxFileSize is the largest proposed content size accepted, in bytes.
	MaxFileSize int64 `yaml:"maxFileSize"`

	// RateLimitWindow is the rate limiter's sliding/fixed window size.
	RateLimitWindow time.Duration `yaml:"rateLimitWindow"`

	// RateLimitMax is the number of requests admitted per window.
	RateLimitMax int `yaml:"rateLimitMax"`

	// DiffContextLines is the number of context lines in generated diffs.
	DiffContextLines int `yaml:"diffContextLines"`

	// KeepAliveInterval is loaded and defaulted here, but the push channel
	// does not read it: its keep-alive probe period is a fixed 30s.
	KeepAliveInterval time.Duration `yaml:"keepAliveInterval"`

	// PluginTimeout bounds a single plugin-pipeline stage run, i.e. all the
	// plugins of one stage together.
	PluginTimeout time.Duration `yaml:"pluginTimeout"`

	// SubmitTimeout is the deadline put on a submit() call's context. Only
	// the plugin-pipeline stage run observes it; store and filesystem
	// steps run to completion regardless.
	SubmitTimeout time.Duration `yaml:"submitTimeout"`

	// ApproveTimeout is the deadline put on an approve() call's context,
	// observed in the same way as SubmitTimeout.
	ApproveTimeout time.Duration `yaml:"approveTimeout"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"logLevel"`

	// DebugLogging enables verbose logging regardless of LogLevel.
	DebugLogging bool `yaml:"debugLogging"`
}

// Default returns the spec's documented defaults.
func Default() Config {
	return Config{
		WorkspaceRoot:     "./project",
		SandboxRoot:       "./sandbox",
		StorePath:         "./voidsync.db",
		ListenAddr:        ":8080",
		PushPath:          "/ws",
		MaxFileSize:       5 * 1024 * 1024,
		RateLimitWindow:   60 * time.Minute,
		RateLimitMax:      1000,
		DiffContextLines:  3,
		KeepAliveInterval: 30 * time.Second,
		PluginTimeout:     5 * time.Second,
		SubmitTimeout:     30 * time.Second,
		ApproveTimeout:    60 * time.Second,
		LogLevel:          "info",
	}
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error; defaults are used as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// IsValid checks that the configuration is internally consistent.
func (c *Config) IsValid() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("config: workspaceRoot is required")
	}
	if c.SandboxRoot == "" {
		return fmt.Errorf("config: sandboxRoot is required")
	}
	if c.RateLimitMax <= 0 {
		return fmt.Errorf("config: rateLimitMax must be positive, got %d", c.RateLimitMax)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("config: rateLimitWindow must be positive, got %s", c.RateLimitWindow)
	}
	if c.DiffContextLines < 0 {
		return fmt.Errorf("config: diffContextLines must be >= 0, got %d", c.DiffContextLines)
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("config: maxFileSize must be positive, got %d", c.MaxFileSize)
	}
	if c.SubmitTimeout <= 0 {
		return fmt.Errorf("config: submitTimeout must be positive, got %s", c.SubmitTimeout)
	}
	if c.ApproveTimeout <= 0 {
		return fmt.Errorf("config: approveTimeout must be positive, got %s", c.ApproveTimeout)
	}
	if c.PluginTimeout <= 0 {
		return fmt.Errorf("config: pluginTimeout must be positive, got %s", c.PluginTimeout)
	}
	return nil
}

// Clone shallow-copies the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
