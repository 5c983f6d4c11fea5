// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"sync"
)

// Registry is the shared revocation set. Append-only: entries are
// never removed once added, though the whole set may be rebuilt from a
// persisted log on startup via Restore. Every entry carries the epoch
// at which it was added, so callers can cheaply assert "not revoked as
// of epoch N" without rescanning. Safe for concurrent use; reads
// vastly outnumber writes.
type Registry struct {
	mu      sync.RWMutex
	epoch   uint64
	revoked map[string]uint64
}

// NewRegistry returns an empty registry at epoch zero.
func NewRegistry() *Registry {
	return &Registry{revoked: make(map[string]uint64)}
}

// Revoke adds the lease ID to the set and returns the new epoch.
// Revoking an already-revoked lease fails with ErrAlreadyRevoked and
// does not advance the epoch.
func (r *Registry) Revoke(leaseID string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.revoked[leaseID]; ok {
		return r.epoch, ErrAlreadyRevoked
	}
	r.epoch++
	r.revoked[leaseID] = r.epoch
	return r.epoch, nil
}

// IsRevoked reports whether the lease ID is in the set.
func (r *Registry) IsRevoked(leaseID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.revoked[leaseID]
	return ok
}

// Epoch returns the current epoch. The epoch advances by one on every
// successful Revoke, so an unchanged epoch guarantees an unchanged
// set.
func (r *Registry) Epoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epoch
}

// Entries returns a snapshot of every revoked lease ID, in no
// particular order.
func (r *Registry) Entries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.revoked))
	for id := range r.revoked {
		ids = append(ids, id)
	}
	return ids
}

// Restore replaces the set with the given IDs, stamping them in order.
// Used on startup to rebuild from the persisted revocation log; the
// resulting epoch equals the number of entries.
func (r *Registry) Restore(leaseIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked = make(map[string]uint64, len(leaseIDs))
	r.epoch = 0
	for _, id := range leaseIDs {
		if _, ok := r.revoked[id]; ok {
			continue
		}
		r.epoch++
		r.revoked[id] = r.epoch
	}
}
