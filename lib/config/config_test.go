// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keylease.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
listen: "0.0.0.0:9000"
state_dir: /tmp/keylease-test
lease:
  max_duration: 12h
  skew_tolerance: 1m
  allow_unscoped: true
  revocation_sweep: 10s
log:
  level: debug
  format: text
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.MaxDuration() != 12*time.Hour {
		t.Errorf("MaxDuration = %v, want 12h", cfg.MaxDuration())
	}
	if cfg.SkewTolerance() != time.Minute {
		t.Errorf("SkewTolerance = %v, want 1m", cfg.SkewTolerance())
	}
	if !cfg.Lease.AllowUnscoped {
		t.Error("AllowUnscoped = false")
	}
	if cfg.RevocationSweep() != 10*time.Second {
		t.Errorf("RevocationSweep = %v, want 10s", cfg.RevocationSweep())
	}
	// Unset fields keep their defaults.
	if cfg.UsageFlush() != 30*time.Second {
		t.Errorf("UsageFlush = %v, want default 30s", cfg.UsageFlush())
	}
	// Database defaults relative to the state dir.
	if cfg.Database != "/tmp/keylease-test/keylease.db" {
		t.Errorf("Database = %q", cfg.Database)
	}
}

func TestDefaultsValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := writeConfig(t, `
listen: ""
lease:
  max_duration: not-a-duration
log:
  level: loud
  format: xml
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate accepted a broken config")
	}
}

func TestLoadRequiresEnv(t *testing.T) {
	t.Setenv("KEYLEASE_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load succeeded without KEYLEASE_CONFIG")
	}

	path := writeConfig(t, "listen: \"127.0.0.1:7000\"\n")
	t.Setenv("KEYLEASE_CONFIG", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:7000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
}

func TestHomeExpansion(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	path := writeConfig(t, "state_dir: ${HOME}/keylease\n")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.StateDir != "/home/tester/keylease" {
		t.Errorf("StateDir = %q", cfg.StateDir)
	}
}
