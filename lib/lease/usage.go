// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"sync"
)

// Usage is the activity observed for one lease.
type Usage struct {
	LeaseID   string `cbor:"1,keyasint"`
	Connects  uint64 `cbor:"2,keyasint"`
	Calls     uint64 `cbor:"3,keyasint"`
	Streams   uint64 `cbor:"4,keyasint"`
	LastSeen  int64  `cbor:"5,keyasint"`
	FirstSeen int64  `cbor:"6,keyasint"`
}

// UsageLog counts per-lease activity in memory. The daemon flushes it
// to leasedb periodically; on the query path the in-memory counters
// are merged over the persisted ones. Safe for concurrent use.
type UsageLog struct {
	mu      sync.Mutex
	entries map[string]*Usage
}

// NewUsageLog returns an empty log.
func NewUsageLog() *UsageLog {
	return &UsageLog{entries: make(map[string]*Usage)}
}

func (l *UsageLog) entry(leaseID string, now int64) *Usage {
	usage, ok := l.entries[leaseID]
	if !ok {
		usage = &Usage{LeaseID: leaseID, FirstSeen: now}
		l.entries[leaseID] = usage
	}
	usage.LastSeen = now
	return usage
}

// RecordConnect counts a handshake accepted under the lease.
func (l *UsageLog) RecordConnect(leaseID string, now int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry(leaseID, now).Connects++
}

// RecordCall counts a call dispatched under the lease.
func (l *UsageLog) RecordCall(leaseID string, now int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry(leaseID, now).Calls++
}

// RecordStream counts a stream opened under the lease.
func (l *UsageLog) RecordStream(leaseID string, now int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry(leaseID, now).Streams++
}

// Lookup returns the usage for one lease, if any activity was seen.
func (l *UsageLog) Lookup(leaseID string) (Usage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	usage, ok := l.entries[leaseID]
	if !ok {
		return Usage{}, false
	}
	return *usage, true
}

// Snapshot returns a copy of every entry and leaves the counters in
// place.
func (l *UsageLog) Snapshot() []Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	usages := make([]Usage, 0, len(l.entries))
	for _, usage := range l.entries {
		usages = append(usages, *usage)
	}
	return usages
}

// Drain returns every entry and resets the log, for periodic flushes
// to durable storage.
func (l *UsageLog) Drain() []Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	usages := make([]Usage, 0, len(l.entries))
	for _, usage := range l.entries {
		usages = append(usages, *usage)
	}
	l.entries = make(map[string]*Usage)
	return usages
}
