// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/keylease/keylease/lib/codec"
	"github.com/keylease/keylease/lib/config"
	"github.com/keylease/keylease/lib/identity"
	"github.com/keylease/keylease/lib/lease"
	"github.com/keylease/keylease/peer"
	"github.com/keylease/keylease/transport"
)

// operatorKeyFile is the passphrase-sealed operator key inside the
// state directory.
const operatorKeyFile = "operator-key.age"

const dialTimeout = 15 * time.Second

// addConfigFlag registers the shared --config flag and returns the
// destination.
func addConfigFlag(flags *pflag.FlagSet) *string {
	return flags.String("config", "", "path to keylease.yaml (default: $KEYLEASE_CONFIG)")
}

// loadConfig loads from the --config path when given, otherwise from
// KEYLEASE_CONFIG.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// promptPassphrase reads a passphrase without echo. KEYLEASE_PASSPHRASE
// overrides the prompt for scripted use.
func promptPassphrase(prompt string) (string, error) {
	if pass := os.Getenv("KEYLEASE_PASSPHRASE"); pass != "" {
		return pass, nil
	}
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	passphrase, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(passphrase), nil
}

// loadOperatorIdentity unseals the operator key from the state
// directory.
func loadOperatorIdentity(cfg *config.Config) (*identity.Identity, error) {
	path := filepath.Join(cfg.StateDir, operatorKeyFile)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no operator key at %s; run 'keylease identity init' first", path)
	}
	passphrase, err := promptPassphrase("Passphrase for " + path)
	if err != nil {
		return nil, err
	}
	return identity.ReadSealed(path, passphrase)
}

// dialDaemon opens a leaseless authenticated connection to the daemon
// at the configured listen address.
func dialDaemon(ctx context.Context, cfg *config.Config, id *identity.Identity) (*peer.Conn, error) {
	return peer.Connect(ctx, peer.ConnectConfig{
		Identity: id,
		Dialer:   &transport.TCPDialer{Timeout: dialTimeout},
		Address:  cfg.Listen,
		Name:     "keylease-cli",
		Version:  version,
	})
}

// version is stamped by the build; "dev" otherwise.
var version = "dev"

// writeToken writes a lease token to path as base64 of its canonical
// encoding, 0600.
func writeToken(path string, token *lease.Token) error {
	encoded, err := codec.Marshal(token)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	text := base64.StdEncoding.EncodeToString(encoded) + "\n"
	if err := os.WriteFile(path, []byte(text), 0600); err != nil {
		return fmt.Errorf("writing token: %w", err)
	}
	return nil
}

// readToken loads a token written by writeToken.
func readToken(path string) (*lease.Token, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading token: %w", err)
	}
	encoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(text)))
	if err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	var token lease.Token
	if err := codec.Unmarshal(encoded, &token); err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	return &token, nil
}

// callContext returns the context for one CLI call against the daemon.
func callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
