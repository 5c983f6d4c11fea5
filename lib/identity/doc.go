// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity implements the cryptographic actors of the lease
// protocol: Ed25519 key pairs and their public identifiers.
//
// A PublicKey renders as a 52-character lowercase base32 string (the
// 32-byte Ed25519 public key, no padding). That string is the identity
// everywhere — config files, the CLI, wire messages, database rows.
// Never reconstruct an identifier from parts; parse the full string or
// carry the typed value.
//
// Private keys live in an Identity and are never serialized by this
// package except through the sealed key file helpers, which encrypt
// with age before anything touches disk.
package identity
