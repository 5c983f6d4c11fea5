// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
)

// encodedKeyLength is the length of a public key's text form: 32 bytes
// at 5 bits per character, no padding.
const encodedKeyLength = 52

// keyEncoding is lowercase RFC 4648 base32 without padding. Lowercase
// keeps identifiers shell- and URL-friendly; no padding keeps them a
// fixed 52 characters.
var keyEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// ErrBadPublicKey is returned when parsing a malformed public key
// string.
var ErrBadPublicKey = errors.New("identity: malformed public key")

// PublicKey is the stable identifier for an Ed25519 key. The zero
// value is invalid and means "no key".
type PublicKey [ed25519.PublicKeySize]byte

// ParsePublicKey parses the 52-character text form of a public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var key PublicKey
	if len(s) != encodedKeyLength {
		return key, fmt.Errorf("%w: %d characters, want %d", ErrBadPublicKey, len(s), encodedKeyLength)
	}
	decoded, err := keyEncoding.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return key, fmt.Errorf("%w: decodes to %d bytes", ErrBadPublicKey, len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

// String returns the 52-character text form.
func (k PublicKey) String() string {
	return keyEncoding.EncodeToString(k[:])
}

// IsZero reports whether the key is the invalid zero value.
func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// Verify reports whether signature is a valid Ed25519 signature of
// message under this key.
func (k PublicKey) Verify(message, signature []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(k[:]), message, signature)
}

// MarshalText implements encoding.TextMarshaler. Public keys appear as
// their 52-character form in CBOR, JSON, and YAML.
func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Identity holds a private signing key. Create one with Generate or
// load one with the key file helpers. An Identity is immutable and
// safe for concurrent use.
type Identity struct {
	private ed25519.PrivateKey
	public  PublicKey
}

// Generate creates a fresh Ed25519 identity.
func Generate() (*Identity, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generating key pair: %w", err)
	}
	var key PublicKey
	copy(key[:], public)
	return &Identity{private: private, public: key}, nil
}

// FromSeed reconstructs an identity from a 32-byte Ed25519 seed, as
// stored in key files.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	private := ed25519.NewKeyFromSeed(seed)
	var key PublicKey
	copy(key[:], private.Public().(ed25519.PublicKey))
	return &Identity{private: private, public: key}, nil
}

// PublicKey returns the identity's public identifier.
func (i *Identity) PublicKey() PublicKey {
	return i.public
}

// Sign signs message with the private key and returns the 64-byte
// Ed25519 signature.
func (i *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(i.private, message)
}

// Seed returns the 32-byte seed for key file storage. Callers must
// zero the returned slice when done.
func (i *Identity) Seed() []byte {
	return i.private.Seed()
}

// String renders the identity by its public key. The private key never
// appears in logs or errors.
func (i *Identity) String() string {
	return i.public.String()
}
