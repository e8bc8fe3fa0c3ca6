// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Tessera servers.
//
// Configuration is loaded from a single YAML file specified by:
//   - TESSERA_CONFIG environment variable, or
//   - --config flag passed to the command
//
// When neither is set, the built-in defaults are used. The config file
// may contain environment-specific sections (development, staging,
// production) that override base values when the environment matches.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for a Tessera transactor.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// ListenAddr is the host:port the websocket/RPC server binds.
	ListenAddr string `yaml:"listen_addr"`

	// AccountsURL is the base URL of the account/workspace info
	// service.
	AccountsURL string `yaml:"accounts_url"`

	// Region is this server's region identifier, matched against
	// workspace endpoint regions to decide local vs proxied pipelines.
	Region string `yaml:"region"`

	// ModelVersion, when non-empty, gates admission: clients attached
	// to workspaces on a different model version receive an
	// upgrade-required response instead of a session.
	ModelVersion string `yaml:"model_version"`

	// EnableCompression permits clients to negotiate payload
	// compression in the hello handshake.
	EnableCompression bool `yaml:"enable_compression"`

	// Timeouts configures session liveness windows.
	Timeouts Timeouts `yaml:"timeouts"`

	// RateLimit configures the per-account request limiter.
	RateLimit RateLimit `yaml:"rate_limit"`

	// Per-environment overrides, applied after the base config.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Timeouts configures the session manager's liveness windows.
type Timeouts struct {
	// Ping is the idle interval after which the server pings a quiet
	// session. Default 10s.
	Ping time.Duration `yaml:"ping"`

	// Reconnect is the grace window after a socket drop during which
	// a client may reattach with the same session ID without a
	// presence-offline transition. Default 30s.
	Reconnect time.Duration `yaml:"reconnect"`
}

// RateLimit configures request limiting per account.
type RateLimit struct {
	// PerSecond is the sustained requests-per-second budget for one
	// account. Zero disables limiting.
	PerSecond float64 `yaml:"per_second"`

	// Burst is the instantaneous burst allowance.
	Burst int `yaml:"burst"`
}

// Overrides contains the subset of fields that may vary per
// environment.
type Overrides struct {
	ListenAddr        *string `yaml:"listen_addr,omitempty"`
	AccountsURL       *string `yaml:"accounts_url,omitempty"`
	ModelVersion      *string `yaml:"model_version,omitempty"`
	EnableCompression *bool   `yaml:"enable_compression,omitempty"`
}

// Default returns the built-in configuration used when no file is
// given (dev servers and tests).
func Default() *Config {
	return &Config{
		Environment: Development,
		ListenAddr:  "localhost:3333",
		AccountsURL: "http://localhost:3000",
		Timeouts: Timeouts{
			Ping:      10 * time.Second,
			Reconnect: 30 * time.Second,
		},
		RateLimit: RateLimit{PerSecond: 50, Burst: 200},
	}
}

// Load reads and validates configuration. If path is empty, the
// TESSERA_CONFIG environment variable is consulted; if that is also
// empty, Default() is returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("TESSERA_CONFIG")
	}
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// applyOverrides merges the section matching the active environment
// into the base values.
func (c *Config) applyOverrides() {
	var o *Overrides
	switch c.Environment {
	case Development:
		o = c.Development
	case Staging:
		o = c.Staging
	case Production:
		o = c.Production
	}
	if o == nil {
		return
	}
	if o.ListenAddr != nil {
		c.ListenAddr = *o.ListenAddr
	}
	if o.AccountsURL != nil {
		c.AccountsURL = *o.AccountsURL
	}
	if o.ModelVersion != nil {
		c.ModelVersion = *o.ModelVersion
	}
	if o.EnableCompression != nil {
		c.EnableCompression = *o.EnableCompression
	}
}

// Validate checks that required fields are present and sensible.
func (c *Config) Validate() error {
	switch c.Environment {
	case Development, Staging, Production:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.AccountsURL == "" {
		return fmt.Errorf("accounts_url is required")
	}
	if c.Timeouts.Ping <= 0 {
		return fmt.Errorf("timeouts.ping must be positive")
	}
	if c.Timeouts.Reconnect <= 0 {
		return fmt.Errorf("timeouts.reconnect must be positive")
	}
	if c.RateLimit.PerSecond < 0 {
		return fmt.Errorf("rate_limit.per_second must not be negative")
	}
	return nil
}
