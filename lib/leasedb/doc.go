// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

// Package leasedb persists the daemon's lease state in SQLite via
// lib/sqlitepool: standing permissions, lease requests, the
// append-only revocation log, and per-lease usage counters.
//
// The store is the durable half of the in-memory structures in
// lib/lease. On startup the daemon loads permissions into a
// PermissionTable and replays the revocation log into a Registry;
// at runtime writes go through here first, then to memory, so a crash
// never loses a revocation that was acknowledged.
package leasedb
