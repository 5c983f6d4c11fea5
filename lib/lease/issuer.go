// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"fmt"
	"sync"
	"time"

	"github.com/keylease/keylease/lib/clock"
	"github.com/keylease/keylease/lib/identity"
	"github.com/keylease/keylease/lib/signed"
)

// Issuer runs the grantor side of the issuance workflow: standing
// permissions in, signed tokens out. Safe for concurrent use.
type Issuer struct {
	grantor     *identity.Identity
	clock       clock.Clock
	permissions *PermissionTable

	mu       sync.Mutex
	requests map[string]*Request
}

// NewIssuer returns an issuer signing with grantor. The permission
// table is shared: callers may mutate it directly through AllowLeases
// or hold their own reference.
func NewIssuer(grantor *identity.Identity, permissions *PermissionTable, clk clock.Clock) *Issuer {
	return &Issuer{
		grantor:     grantor,
		clock:       clk,
		permissions: permissions,
		requests:    make(map[string]*Request),
	}
}

// AllowLeases upserts the standing permission for a grantee key. Last
// write wins; there is no merging with a prior policy.
func (i *Issuer) AllowLeases(granteeKey identity.PublicKey, maxDuration time.Duration, scopes []string, autoApprove bool) {
	i.permissions.Upsert(Permission{
		GranteeKey:  granteeKey,
		MaxDuration: maxDuration,
		Scopes:      scopes,
		AutoApprove: autoApprove,
	})
}

// RequestLease processes a grantee's request. Under an auto-approve
// permission it returns the signed token immediately. Otherwise it
// parks the request as pending and returns its ID; an identical
// pending request collapses onto the existing entry. A request over
// the permission's maximum duration is clamped, not rejected.
func (i *Issuer) RequestLease(granteeKey identity.PublicKey, duration time.Duration, scope string) (*Token, string, error) {
	permission, ok := i.permissions.Lookup(granteeKey)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNoPermission, granteeKey)
	}
	if !permission.AllowsScope(scope) {
		return nil, "", fmt.Errorf("%w: %q", ErrScopeNotAllowed, scope)
	}

	if permission.AutoApprove {
		token, err := i.issue(permission, granteeKey, duration, scope)
		if err != nil {
			return nil, "", err
		}
		return token, "", nil
	}

	request := Request{
		GranteeKey:     granteeKey,
		TargetIdentity: i.grantor.PublicKey(),
		Duration:       duration,
		Scope:          scope,
		Status:         RequestPending,
		CreatedAt:      i.clock.Now().Unix(),
	}
	id := request.ID()

	i.mu.Lock()
	defer i.mu.Unlock()
	if existing, ok := i.requests[id]; ok && existing.Status == RequestPending {
		return nil, id, nil
	}
	i.requests[id] = &request
	return nil, id, nil
}

// Restore seeds the request table from persisted requests, keyed by
// their content-derived IDs. Used on daemon startup; existing entries
// are not overwritten.
func (i *Issuer) Restore(requests []Request) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, request := range requests {
		id := request.ID()
		if _, ok := i.requests[id]; ok {
			continue
		}
		restored := request
		i.requests[id] = &restored
	}
}

// ApproveRequest resolves a pending request and issues its token. The
// issued lifetime is the requested duration clamped to the
// permission's maximum at approval time, not at request time.
func (i *Issuer) ApproveRequest(id string) (*Token, error) {
	// The lock is held through the status flip: resolution must be
	// terminal, so a concurrent deny may not land between the pending
	// check and the approval, and two approvals may not both issue.
	i.mu.Lock()
	defer i.mu.Unlock()
	request, ok := i.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if request.Status != RequestPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrRequestResolved, id, request.Status)
	}

	// The permission may have been tightened or removed while the
	// request sat pending; re-check rather than trusting the snapshot.
	permission, ok := i.permissions.Lookup(request.GranteeKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPermission, request.GranteeKey)
	}
	if !permission.AllowsScope(request.Scope) {
		return nil, fmt.Errorf("%w: %q", ErrScopeNotAllowed, request.Scope)
	}

	token, err := i.issue(permission, request.GranteeKey, request.Duration, request.Scope)
	if err != nil {
		return nil, err
	}
	request.Status = RequestApproved
	return token, nil
}

// DenyRequest resolves a pending request terminally. A denied request
// never issues, and re-resolving it fails with ErrRequestResolved.
func (i *Issuer) DenyRequest(id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	request, ok := i.requests[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if request.Status != RequestPending {
		return fmt.Errorf("%w: %s is %s", ErrRequestResolved, id, request.Status)
	}
	request.Status = RequestDenied
	return nil
}

// PendingRequests returns a snapshot of the requests still awaiting
// resolution, in no particular order.
func (i *Issuer) PendingRequests() []Request {
	i.mu.Lock()
	defer i.mu.Unlock()
	pending := make([]Request, 0, len(i.requests))
	for _, request := range i.requests {
		if request.Status == RequestPending {
			pending = append(pending, *request)
		}
	}
	return pending
}

// Request returns the request with the given ID, if any, regardless of
// status.
func (i *Issuer) Request(id string) (Request, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	request, ok := i.requests[id]
	if !ok {
		return Request{}, false
	}
	return *request, true
}

func (i *Issuer) issue(permission Permission, granteeKey identity.PublicKey, duration time.Duration, scope string) (*Token, error) {
	if duration > permission.MaxDuration {
		duration = permission.MaxDuration
	}
	issuedAt := i.clock.Now().Unix()
	token, err := signed.Sign(i.grantor, Data{
		IdentityKey: i.grantor.PublicKey(),
		DeviceKey:   granteeKey,
		IssuedAt:    issuedAt,
		ExpiresAt:   issuedAt + int64(duration/time.Second),
		Scope:       scope,
	})
	if err != nil {
		return nil, fmt.Errorf("signing lease: %w", err)
	}
	return &token, nil
}
