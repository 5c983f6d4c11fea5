// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

// Package peer implements authenticated, multiplexed connections
// between devices. A connection is established with a
// challenge-response handshake that proves possession of the client's
// device key and validates the lease token it presents; once open, a
// single framed transport stream carries any number of concurrent
// correlated calls and independent byte sub-streams.
//
// The server side is Listener: it accepts transport connections, runs
// the handshake, dispatches inbound requests to registered Protocol
// handlers, and periodically force-closes connections whose lease has
// been revoked. The client side is Connect.
//
// Lease expiry gates a connection rather than closing it: in-flight
// operations finish, new calls and streams fail with ErrExpired, and
// RefreshLease lifts the gate with a fresh token over the built-in
// refresh protocol.
package peer
