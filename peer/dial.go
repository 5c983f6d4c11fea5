// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keylease/keylease/lib/clock"
	"github.com/keylease/keylease/lib/identity"
	"github.com/keylease/keylease/lib/lease"
	"github.com/keylease/keylease/transport"
	"github.com/keylease/keylease/wire"
)

// ConnectConfig holds the parameters for dialing a peer.
type ConnectConfig struct {
	// Identity is the device key pair whose possession is proven
	// during the handshake.
	Identity *identity.Identity

	// Dialer opens the underlying byte connection.
	Dialer transport.Dialer

	// Address is the transport address to dial.
	Address string

	// Lease is the token presented during the handshake. Nil dials
	// leaselessly; the server decides whether that is acceptable.
	Lease *lease.Token

	// Name identifies the client in the server's logs.
	Name string

	// Version is the client software version.
	Version string

	// Handlers are the protocols this side serves for calls and
	// streams the server initiates. Usually nil.
	Handlers []Protocol

	// HandshakeTimeout bounds the whole handshake. Default 10s.
	HandshakeTimeout time.Duration

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to discard.
	Logger *slog.Logger
}

// Connect dials the address, proves possession of the identity key,
// presents the lease, and returns the open connection.
func Connect(ctx context.Context, cfg ConnectConfig) (*Conn, error) {
	if cfg.Identity == nil {
		return nil, errors.New("peer: Identity is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("peer: Dialer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	handlers := newHandlerTable()
	for _, protocol := range cfg.Handlers {
		if err := handlers.register(protocol); err != nil {
			return nil, err
		}
	}

	raw, err := cfg.Dialer.DialContext(ctx, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("peer: dialing %s: %w", cfg.Address, err)
	}
	if err := raw.SetDeadline(time.Now().Add(cfg.HandshakeTimeout)); err != nil {
		raw.Close()
		return nil, fmt.Errorf("peer: setting handshake deadline: %w", err)
	}

	// Challenge first: the server's nonce makes the possession
	// signature unreplayable.
	frame, err := wire.ReadFrame(raw)
	if err != nil {
		raw.Close()
		if isTimeout(err) {
			return nil, ErrHandshakeTimeout
		}
		return nil, fmt.Errorf("peer: reading challenge: %w", err)
	}
	if frame.Type != wire.FrameTypeChallenge {
		raw.Close()
		return nil, fmt.Errorf("peer: expected challenge frame, got %#x", frame.Type)
	}
	var challenge wire.Challenge
	if err := wire.DecodePayload(frame, &challenge); err != nil {
		raw.Close()
		return nil, fmt.Errorf("peer: decoding challenge: %w", err)
	}

	hello := wire.ClientHello{
		Name:       cfg.Name,
		Version:    cfg.Version,
		PublicKey:  cfg.Identity.PublicKey(),
		Lease:      cfg.Lease,
		Possession: cfg.Identity.Sign(wire.PossessionPayload(challenge.Nonce)),
	}
	if err := wire.WriteMessage(raw, wire.FrameTypeHello, hello); err != nil {
		raw.Close()
		return nil, fmt.Errorf("peer: sending hello: %w", err)
	}

	frame, err = wire.ReadFrame(raw)
	if err != nil {
		raw.Close()
		if isTimeout(err) {
			return nil, ErrHandshakeTimeout
		}
		return nil, fmt.Errorf("peer: reading welcome: %w", err)
	}
	if frame.Type != wire.FrameTypeWelcome {
		raw.Close()
		return nil, fmt.Errorf("peer: expected welcome frame, got %#x", frame.Type)
	}
	var welcome wire.Welcome
	if err := wire.DecodePayload(frame, &welcome); err != nil {
		raw.Close()
		return nil, fmt.Errorf("peer: decoding welcome: %w", err)
	}
	if !welcome.Accepted {
		raw.Close()
		return nil, fmt.Errorf("%w: %s", reasonError(welcome.Reason), welcome.Reason)
	}
	if err := raw.SetDeadline(time.Time{}); err != nil {
		raw.Close()
		return nil, fmt.Errorf("peer: clearing handshake deadline: %w", err)
	}

	var leaseData *lease.Data
	if cfg.Lease != nil {
		data, err := cfg.Lease.VerifiedContent()
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("peer: verifying own lease: %w", err)
		}
		leaseData = &data
	}

	conn := newConn(connConfig{
		transport:    raw,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		localKey:     cfg.Identity.PublicKey(),
		leaseToken:   cfg.Lease,
		leaseData:    leaseData,
		handlers:     handlers,
		validator:    nil,
		usage:        nil,
		streamParity: 1,
	})
	conn.start()
	return conn, nil
}
