// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"errors"
	"fmt"
)

// Connection-level errors. Each is terminal for its connection only;
// sibling connections are unaffected.
var (
	// ErrUnauthorized means the handshake was rejected: bad
	// possession proof, invalid lease signature, or a predicate
	// denied the peer.
	ErrUnauthorized = errors.New("peer: unauthorized")

	// ErrExpired means the lease's expiry passed. During a handshake
	// the connection is rejected; on an open connection new calls and
	// streams fail locally until a refreshed token is supplied.
	ErrExpired = errors.New("peer: lease expired")

	// ErrRevoked means the lease is in the revocation registry.
	ErrRevoked = errors.New("peer: lease revoked")

	// ErrHandshakeTimeout means the peer did not complete the
	// handshake in time.
	ErrHandshakeTimeout = errors.New("peer: handshake timeout")
)

// Call-level errors.
var (
	// ErrTimeout means the caller's deadline expired before the
	// response arrived. The connection stays open; a late response is
	// discarded on arrival.
	ErrTimeout = errors.New("peer: call timeout")

	// ErrConnectionClosed means the connection closed with the call
	// still pending.
	ErrConnectionClosed = errors.New("peer: connection closed")

	// ErrProtocolMismatch means the remote side has no handler for
	// the requested protocol.
	ErrProtocolMismatch = errors.New("peer: protocol mismatch")

	// ErrStreamClosed means a write or read on a stream whose
	// direction is already closed.
	ErrStreamClosed = errors.New("peer: stream closed")
)

// AppError is an application-level failure reported by the remote
// handler. The code is stable and machine-readable; handlers choose
// their own codes.
type AppError struct {
	Code    string
	Message string
}

func (e *AppError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("peer: application error %s", e.Code)
	}
	return fmt.Sprintf("peer: application error %s: %s", e.Code, e.Message)
}

// Error codes carried in wire error bodies for failures the dispatch
// layer itself produces.
const (
	errorCodeProtocolMismatch = "protocol-mismatch"
	errorCodeUnauthorized     = "unauthorized"
	errorCodeInternal         = "internal"
)
