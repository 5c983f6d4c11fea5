// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package signed

import (
	"errors"
	"fmt"

	"github.com/keylease/keylease/lib/codec"
	"github.com/keylease/keylease/lib/identity"
)

// Errors returned by VerifiedContent and Revalidate.
var (
	// ErrInvalidSignature means the signature does not verify over
	// the canonical encoding of the content under the declared
	// signer.
	ErrInvalidSignature = errors.New("signed: invalid signature")

	// ErrMalformedContent means the content could not be canonically
	// encoded for verification.
	ErrMalformedContent = errors.New("signed: malformed content")
)

// Envelope binds content to a signature and its signer. Create one
// only through Sign; treat it as immutable afterwards. The zero value
// fails verification.
type Envelope[T any] struct {
	// Content is the signed value. Read it through VerifiedContent,
	// not directly — direct access skips signature verification.
	Content T `cbor:"1,keyasint"`

	// Signature is the 64-byte Ed25519 signature over the canonical
	// CBOR encoding of Content.
	Signature []byte `cbor:"2,keyasint"`

	// Signer is the public key the signature verifies under.
	Signer identity.PublicKey `cbor:"3,keyasint"`
}

// Sign canonically encodes content, signs it with signer's private
// key, and returns the envelope.
func Sign[T any](signer *identity.Identity, content T) (Envelope[T], error) {
	payload, err := codec.Marshal(content)
	if err != nil {
		return Envelope[T]{}, fmt.Errorf("%w: %v", ErrMalformedContent, err)
	}
	return Envelope[T]{
		Content:   content,
		Signature: signer.Sign(payload),
		Signer:    signer.PublicKey(),
	}, nil
}

// VerifiedContent re-encodes the content and verifies the stored
// signature under the stored signer. Returns the content on success.
// Pure and idempotent: verifying twice is the same check twice.
func (e Envelope[T]) VerifiedContent() (T, error) {
	var zero T
	payload, err := codec.Marshal(e.Content)
	if err != nil {
		return zero, fmt.Errorf("%w: %v", ErrMalformedContent, err)
	}
	if !e.Signer.Verify(payload, e.Signature) {
		return zero, ErrInvalidSignature
	}
	return e.Content, nil
}

// Revalidate re-runs the signature check without returning the
// content.
func (e Envelope[T]) Revalidate() error {
	_, err := e.VerifiedContent()
	return err
}
