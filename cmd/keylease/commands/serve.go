// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/keylease/keylease/cmd/keylease/cli"
	"github.com/keylease/keylease/lib/clock"
	"github.com/keylease/keylease/lib/config"
	"github.com/keylease/keylease/lib/identity"
	"github.com/keylease/keylease/lib/lease"
	"github.com/keylease/keylease/lib/leasedb"
	"github.com/keylease/keylease/lib/transfer"
	"github.com/keylease/keylease/peer"
	"github.com/keylease/keylease/transport"
)

func newServeCommand() *cli.Command {
	var configPath *string
	flags := func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
		configPath = addConfigFlag(flagSet)
		return flagSet
	}
	return &cli.Command{
		Name:    "serve",
		Summary: "run the grantor daemon",
		Description: "Serve accepts authenticated peer connections on the configured\n" +
			"listen address, issues leases to permitted grantee keys, and\n" +
			"enforces revocation against open connections.",
		Flags: flags,
		Run: func(args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}
}

func runDaemon(cfg *config.Config) error {
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	clk := clock.Real()

	id, generated, err := identity.LoadOrGenerate(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("daemon identity: %w", err)
	}
	if generated {
		logger.Info("generated daemon identity", "public_key", id.PublicKey())
	}

	store, err := leasedb.Open(leasedb.Config{
		Path:   cfg.Database,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelLoad()

	permissions := lease.NewPermissionTable()
	stored, err := store.LoadPermissions(loadCtx)
	if err != nil {
		return fmt.Errorf("loading permissions: %w", err)
	}
	for _, permission := range stored {
		permissions.Upsert(permission)
	}

	registry := lease.NewRegistry()
	revoked, err := store.LoadRevocations(loadCtx)
	if err != nil {
		return fmt.Errorf("loading revocations: %w", err)
	}
	registry.Restore(revoked)

	issuer := lease.NewIssuer(id, permissions, clk)
	pending, err := store.LoadRequests(loadCtx, lease.RequestPending)
	if err != nil {
		return fmt.Errorf("loading pending requests: %w", err)
	}
	issuer.Restore(pending)

	usage := lease.NewUsageLog()
	validator := lease.NewValidator(lease.Policy{
		MaxDuration:   cfg.MaxDuration(),
		SkewTolerance: cfg.SkewTolerance(),
		AllowUnscoped: cfg.Lease.AllowUnscoped,
	}, registry, clk)

	// The daemon's own key is always an admin, so a fresh install can
	// be administered before any config is written.
	adminKeys := []identity.PublicKey{id.PublicKey()}
	for _, key := range cfg.AdminKeys {
		parsed, err := identity.ParsePublicKey(key)
		if err != nil {
			return fmt.Errorf("admin_keys: %w", err)
		}
		adminKeys = append(adminKeys, parsed)
	}

	tcp, err := transport.NewTCPListener(cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}

	listener, err := peer.NewListener(peer.ListenerConfig{
		Identity:      id,
		Transport:     tcp,
		Validator:     validator,
		Registry:      registry,
		Usage:         usage,
		SweepInterval: cfg.RevocationSweep(),
		Clock:         clk,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	d := newDaemon(issuer, registry, usage, store, clk, logger, adminKeys)
	if err := d.register(listener); err != nil {
		return err
	}
	inbox := filepath.Join(cfg.StateDir, "inbox")
	if err := os.MkdirAll(inbox, 0700); err != nil {
		return fmt.Errorf("creating inbox: %w", err)
	}
	receiver := transfer.Receiver(inbox, logger)
	receiver.RequiresLease = true
	if err := listener.Register(receiver); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go flushUsageLoop(ctx, d, cfg.UsageFlush())

	logger.Info("keylease daemon listening",
		"address", listener.Address(),
		"public_key", id.PublicKey(),
		"version", version,
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- listener.Serve() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("accept loop failed", "error", err)
		}
	}

	if err := listener.Close(); err != nil {
		logger.Warn("closing listener", "error", err)
	}

	// Final flush so counters observed since the last tick survive.
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFlush()
	d.flushUsage(flushCtx)
	return nil
}

// flushUsageLoop flushes the in-memory usage counters to the store on
// the configured interval until ctx is cancelled.
func flushUsageLoop(ctx context.Context, d *daemon, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.flushUsage(ctx)
		}
	}
}

// newLogger builds the daemon logger per the log config.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	options := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}
