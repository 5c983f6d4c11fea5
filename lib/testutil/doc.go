// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds small helpers shared across test packages:
// channel operations with timeout safety valves, so a broken
// synchronization path fails the test instead of hanging the run.
package testutil
