// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/zeebo/blake3"

	"github.com/keylease/keylease/lib/identity"
	"github.com/keylease/keylease/lib/signed"
)

// Data is the signed payload of a lease token.
type Data struct {
	// IdentityKey is the grantor — the identity whose authority the
	// lease delegates. The token's envelope must be signed by this
	// key, never by the device.
	IdentityKey identity.PublicKey `cbor:"1,keyasint"`

	// DeviceKey is the grantee device the authority is delegated to.
	// Presenting the token requires proving possession of this key's
	// private half, so a stolen token alone is useless.
	DeviceKey identity.PublicKey `cbor:"2,keyasint"`

	// IssuedAt is the issuance time, Unix seconds.
	IssuedAt int64 `cbor:"3,keyasint"`

	// ExpiresAt is the last Unix second at which the token is still
	// valid; validation fails once now exceeds it.
	ExpiresAt int64 `cbor:"4,keyasint"`

	// Scope constrains what operations the lease authorizes (e.g.,
	// "deploy:staging"). Empty means unscoped; verifiers accept
	// unscoped tokens only by explicit policy.
	Scope string `cbor:"5,keyasint,omitempty"`
}

// Token is a lease: Data signed by the grantor.
type Token = signed.Envelope[Data]

// idLength is the rendered length of a lease ID: 16 bytes of BLAKE3
// output, hex-encoded.
const idLength = 32

// ID returns the stable lease identifier, derived from the device key
// and issuance time. Stable across re-validation and across processes,
// so the revocation registry and the usage log key on it.
func (d Data) ID() string {
	hasher := blake3.New()
	hasher.Write(d.DeviceKey[:])
	var issued [8]byte
	binary.BigEndian.PutUint64(issued[:], uint64(d.IssuedAt))
	hasher.Write(issued[:])
	return hex.EncodeToString(hasher.Sum(nil)[:idLength/2])
}

// IssuedTime returns IssuedAt as a time.Time.
func (d Data) IssuedTime() time.Time { return time.Unix(d.IssuedAt, 0) }

// ExpiryTime returns ExpiresAt as a time.Time.
func (d Data) ExpiryTime() time.Time { return time.Unix(d.ExpiresAt, 0) }

// Duration returns the token's lifetime.
func (d Data) Duration() time.Duration {
	return time.Duration(d.ExpiresAt-d.IssuedAt) * time.Second
}
