// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"github.com/keylease/keylease/lib/codec"
	"github.com/keylease/keylease/lib/identity"
	"github.com/keylease/keylease/lib/lease"
)

// PossessionContext is the domain-separation prefix signed together
// with the server's nonce during the handshake. Signing context||nonce
// rather than the bare nonce keeps a handshake signature from being
// replayed as a signature over some other protocol's bytes.
const PossessionContext = "keylease/possession/v1"

// PossessionPayload returns the bytes the client signs to prove it
// holds the private half of its device key.
func PossessionPayload(nonce []byte) []byte {
	payload := make([]byte, 0, len(PossessionContext)+len(nonce))
	payload = append(payload, PossessionContext...)
	return append(payload, nonce...)
}

// Challenge is the server's opening handshake frame.
type Challenge struct {
	// Nonce is random per connection; the client signs it for the
	// possession proof.
	Nonce []byte `cbor:"1,keyasint"`
}

// ClientHello is the client's handshake frame.
type ClientHello struct {
	// Name and Version identify the client software, for logs only.
	Name    string `cbor:"1,keyasint"`
	Version string `cbor:"2,keyasint"`

	// PublicKey is the client's device key.
	PublicKey identity.PublicKey `cbor:"3,keyasint"`

	// Lease is the presented token, if any. A connection without one
	// is accepted only for protocols that require no lease.
	Lease *lease.Token `cbor:"4,keyasint,omitempty"`

	// Possession is the signature over PossessionPayload(nonce) under
	// PublicKey, proving control of the device's private key
	// independently of the lease's embedded device key.
	Possession []byte `cbor:"5,keyasint"`
}

// Welcome is the server's handshake verdict.
type Welcome struct {
	Accepted bool `cbor:"1,keyasint"`

	// Reason is set on rejection: "unauthorized", "expired",
	// "revoked".
	Reason string `cbor:"2,keyasint,omitempty"`
}

// Call is a correlated request frame.
type Call struct {
	// ID is the correlation ID, unique among the sender's in-flight
	// calls on this connection.
	ID uint64 `cbor:"1,keyasint"`

	// Protocol selects the registered handler.
	Protocol string `cbor:"2,keyasint"`

	// Payload is the CBOR-encoded request.
	Payload codec.RawMessage `cbor:"3,keyasint"`
}

// Response is the reply to a Call.
type Response struct {
	// ID echoes the call's correlation ID.
	ID uint64 `cbor:"1,keyasint"`

	// OK distinguishes a result payload from an error payload.
	OK bool `cbor:"2,keyasint"`

	// Payload is the CBOR-encoded result when OK, or an ErrorBody
	// otherwise.
	Payload codec.RawMessage `cbor:"3,keyasint"`
}

// ErrorBody is the payload of a failed Response.
type ErrorBody struct {
	// Code is a stable machine-readable identifier:
	// "protocol-mismatch", "unauthorized", "internal", or an
	// application-defined code.
	Code string `cbor:"1,keyasint"`

	// Message is human-readable detail.
	Message string `cbor:"2,keyasint,omitempty"`
}

// StreamOpen opens an independent sub-stream.
type StreamOpen struct {
	// ID is the stream ID, unique among the opener's streams on this
	// connection. Client-opened streams use odd IDs, server-opened
	// even, so the two sides never collide.
	ID uint64 `cbor:"1,keyasint"`

	// Protocol selects the registered handler.
	Protocol string `cbor:"2,keyasint"`

	// Initial is the CBOR-encoded open payload.
	Initial codec.RawMessage `cbor:"3,keyasint,omitempty"`
}

// StreamData carries one chunk on an open sub-stream.
type StreamData struct {
	ID    uint64 `cbor:"1,keyasint"`
	Chunk []byte `cbor:"2,keyasint"`
}

// StreamClose half-closes the sender's direction of a sub-stream.
// Each side sends its own close; the stream is fully closed when both
// have.
type StreamClose struct {
	ID uint64 `cbor:"1,keyasint"`
}
