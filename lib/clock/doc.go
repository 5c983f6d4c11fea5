// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects Real(); tests inject Fake() and advance it explicitly.
//
// Everything in this module that reads the wall clock or arms a timer
// (lease issuance, validation, registry cleanup, the per-connection
// lease-expiry gate, revocation sweeps) takes a Clock rather than
// calling the time package, so expiry behavior is deterministic under
// test.
package clock
