// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

// Package signed implements the signed envelope primitive: a value of
// any CBOR-encodable type bound to an Ed25519 signature and the public
// key that produced it.
//
// The envelope never trusts its own fields. VerifiedContent re-encodes
// the carried content with the module's deterministic CBOR
// configuration and verifies the signature over those bytes, so a
// tampered envelope fails verification no matter which field was
// touched. Authority is the immutable signed value itself — it is
// created once by Sign and never reconstructed from mutable state.
package signed
