// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the byte transports the peer protocol
// runs over: TCP for real deployments, an in-memory pair for tests.
// The peer layer only sees net.Conn; everything above framing is
// transport-agnostic.
package transport

import (
	"context"
	"net"
)

// Listener accepts inbound transport connections.
type Listener interface {
	// Accept blocks until the next inbound connection arrives or the
	// listener is closed.
	Accept() (net.Conn, error)

	// Address returns the address peers dial to reach this listener.
	// The format is transport-specific (e.g., "192.168.1.10:7411"
	// for TCP).
	Address() string

	// Close shuts down the listener. Blocked Accept calls return an
	// error.
	Close() error
}

// Dialer opens outbound transport connections.
type Dialer interface {
	// DialContext opens a connection to the given transport address.
	// The address format matches what the peer's Listener.Address()
	// returns.
	DialContext(ctx context.Context, address string) (net.Conn, error)
}
