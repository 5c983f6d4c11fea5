// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the keylease
// daemon and CLI.
//
// Configuration is loaded from a single file specified by:
//   - KEYLEASE_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
// The only expansion performed is ${HOME} and similar path variables
// for portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keylease/keylease/lib/identity"
)

// Config is the master configuration for keylease.
type Config struct {
	// Listen is the TCP address the daemon accepts peer connections
	// on.
	Listen string `yaml:"listen"`

	// StateDir holds the daemon's persistent state: the sealed
	// identity key and the SQLite database.
	StateDir string `yaml:"state_dir"`

	// Database is the path to the SQLite database file. Defaults to
	// keylease.db inside StateDir.
	Database string `yaml:"database"`

	// AdminKeys are the 52-character public keys allowed to call the
	// daemon's admin protocols (permit, approve, deny, revoke, usage).
	// The daemon's own identity is always allowed.
	AdminKeys []string `yaml:"admin_keys"`

	// Lease configures the verifier-side validation policy.
	Lease LeaseConfig `yaml:"lease"`

	// Log configures daemon logging.
	Log LogConfig `yaml:"log"`
}

// LeaseConfig configures lease validation and lifecycle enforcement.
type LeaseConfig struct {
	// MaxDuration caps the lifetime of any lease this daemon accepts
	// or issues. Duration string, e.g. "24h".
	MaxDuration string `yaml:"max_duration"`

	// SkewTolerance is how far in the future a token's issuance time
	// may sit before rejection. Duration string, e.g. "2m".
	SkewTolerance string `yaml:"skew_tolerance"`

	// AllowUnscoped accepts tokens carrying no scope.
	AllowUnscoped bool `yaml:"allow_unscoped"`

	// RevocationSweep is how often open connections are re-checked
	// against the revocation registry and force-closed if their
	// lease was revoked. Duration string, e.g. "5s".
	RevocationSweep string `yaml:"revocation_sweep"`

	// UsageFlush is how often in-memory usage counters are flushed
	// to the database. Duration string, e.g. "30s".
	UsageFlush string `yaml:"usage_flush"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json". The daemon defaults to json, the
	// CLI to text.
	Format string `yaml:"format"`
}

// Default returns the default configuration, used as a base before
// loading the config file.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultState := filepath.Join(homeDir, ".local", "share", "keylease")

	return &Config{
		Listen:   "127.0.0.1:7411",
		StateDir: defaultState,
		Lease: LeaseConfig{
			MaxDuration:     "24h",
			SkewTolerance:   "2m",
			RevocationSweep: "5s",
			UsageFlush:      "30s",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from the KEYLEASE_CONFIG environment
// variable. There are no fallbacks: if it is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("KEYLEASE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("KEYLEASE_CONFIG environment variable not set; " +
			"set it to the path of your keylease.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging
// over the defaults. Environment variables do not override config
// values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	if cfg.Database == "" {
		cfg.Database = filepath.Join(cfg.StateDir, "keylease.db")
	}
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.StateDir = expandVars(c.StateDir, vars)
	c.Database = expandVars(c.Database, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("listen is required"))
	}
	if c.StateDir == "" {
		errs = append(errs, fmt.Errorf("state_dir is required"))
	}

	durations := []struct {
		name  string
		value string
	}{
		{"lease.max_duration", c.Lease.MaxDuration},
		{"lease.skew_tolerance", c.Lease.SkewTolerance},
		{"lease.revocation_sweep", c.Lease.RevocationSweep},
		{"lease.usage_flush", c.Lease.UsageFlush},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}

	for _, key := range c.AdminKeys {
		if _, err := identity.ParsePublicKey(key); err != nil {
			errs = append(errs, fmt.Errorf("admin_keys: %w", err))
		}
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn, or error"))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// MaxDuration returns the parsed lease.max_duration. Call Validate
// first; an unparseable value falls back to the default.
func (c *Config) MaxDuration() time.Duration {
	return c.duration(c.Lease.MaxDuration, 24*time.Hour)
}

// SkewTolerance returns the parsed lease.skew_tolerance.
func (c *Config) SkewTolerance() time.Duration {
	return c.duration(c.Lease.SkewTolerance, 2*time.Minute)
}

// RevocationSweep returns the parsed lease.revocation_sweep.
func (c *Config) RevocationSweep() time.Duration {
	return c.duration(c.Lease.RevocationSweep, 5*time.Second)
}

// UsageFlush returns the parsed lease.usage_flush.
func (c *Config) UsageFlush() time.Duration {
	return c.duration(c.Lease.UsageFlush, 30*time.Second)
}

func (c *Config) duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// EnsurePaths creates the state directory if it does not exist.
func (c *Config) EnsurePaths() error {
	if c.StateDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.StateDir, 0700); err != nil {
		return fmt.Errorf("creating %s: %w", c.StateDir, err)
	}
	return nil
}
