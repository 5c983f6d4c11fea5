// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single CBOR encoding configuration for the
// whole module. Signed payloads (lease tokens, revocation log entries)
// and wire frames all go through this package, never through
// fxamacker/cbor directly.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same logical value always produces identical bytes. Signature
// verification depends on this: a verifier re-encodes the content it
// decoded and checks the signature over those bytes.
package codec
