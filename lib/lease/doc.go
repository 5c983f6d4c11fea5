// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

// Package lease implements the delegation protocol: a grantor issues
// time-bound, scoped, revocable authority to a grantee's device key
// without ever handing over its own signing key.
//
// The moving parts, in dependency order:
//
//   - Data / Token: the signed capability itself. A Token is a signed
//     envelope over Data, signed by the grantor. Its authority is the
//     value — nothing is reconstructed from mutable state.
//   - PermissionTable: the grantor's standing policy, one Permission
//     per grantee key, replaced wholesale on upsert.
//   - Issuer: the request/approve/issue workflow. Auto-approved
//     requests return a token immediately; others park as pending
//     until the grantor resolves them.
//   - Registry: the shared revocation set, epoch-stamped, rebuildable
//     from a persisted log (lib/leasedb).
//   - Validator: the verifier-side check chain — signature, expiry,
//     duration policy, scope, revocation — short-circuiting on the
//     first failure and failing closed on anything it cannot parse.
//   - UsageLog: per-lease connect/call/stream counters backing the
//     lease usage query.
package lease
