// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"slices"
	"sync"
	"time"

	"github.com/keylease/keylease/lib/identity"
)

// Permission is a grantor's standing policy for one grantee key: how
// long a lease may run, which scopes it may carry, and whether requests
// are approved without a human in the loop.
type Permission struct {
	GranteeKey  identity.PublicKey
	MaxDuration time.Duration
	Scopes      []string
	AutoApprove bool
}

// AllowsScope reports whether the permission covers the given scope.
// The empty scope asks for an unscoped lease, which any permission
// covers: the verifier's policy, not the grantor's, gates whether an
// unscoped token is accepted.
func (p Permission) AllowsScope(scope string) bool {
	if scope == "" {
		return true
	}
	return slices.Contains(p.Scopes, scope)
}

// PermissionTable holds the grantor's permissions, one per grantee
// key. Reads vastly outnumber writes (every issuance looks up, only
// policy changes write), hence the reader/writer lock. Safe for
// concurrent use.
type PermissionTable struct {
	mu      sync.RWMutex
	entries map[identity.PublicKey]Permission
}

// NewPermissionTable returns an empty table.
func NewPermissionTable() *PermissionTable {
	return &PermissionTable{entries: make(map[identity.PublicKey]Permission)}
}

// Upsert installs the permission for its grantee key, replacing any
// prior entry wholesale. Last write wins; there is no merging of scope
// sets or durations.
func (t *PermissionTable) Upsert(permission Permission) {
	t.mu.Lock()
	defer t.mu.Unlock()
	permission.Scopes = slices.Clone(permission.Scopes)
	t.entries[permission.GranteeKey] = permission
}

// Lookup returns the permission for the grantee key, if any.
func (t *PermissionTable) Lookup(granteeKey identity.PublicKey) (Permission, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	permission, ok := t.entries[granteeKey]
	return permission, ok
}

// Remove deletes the permission for the grantee key. Removing a key
// that has no entry is a no-op.
func (t *PermissionTable) Remove(granteeKey identity.PublicKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, granteeKey)
}

// All returns a snapshot of every permission, in no particular order.
func (t *PermissionTable) All() []Permission {
	t.mu.RLock()
	defer t.mu.RUnlock()
	permissions := make([]Permission, 0, len(t.entries))
	for _, permission := range t.entries {
		permissions = append(permissions, permission)
	}
	return permissions
}
