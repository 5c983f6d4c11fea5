// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import "github.com/keylease/keylease/lib/identity"

// RequestProtocol is the call protocol a grantee uses to ask a
// grantor's daemon for a lease.
const RequestProtocol = "keylease/lease/v1"

// RequestMessage is the call payload for RequestProtocol. The grantee
// key is taken from the authenticated connection, never from the
// payload.
type RequestMessage struct {
	// DurationSeconds is the requested lifetime. The grantor clamps
	// it to the permission's maximum.
	DurationSeconds int64 `cbor:"1,keyasint"`

	// Scope is the requested scope; empty requests an unscoped lease.
	Scope string `cbor:"2,keyasint,omitempty"`
}

// RequestReply is the response for RequestProtocol. Exactly one of
// Token and RequestID is set: Token when the permission auto-approves,
// RequestID when the request parked as pending.
type RequestReply struct {
	Token     *Token `cbor:"1,keyasint,omitempty"`
	RequestID string `cbor:"2,keyasint,omitempty"`
}

// Admin call protocols served by a grantor's daemon. Access is gated
// by the daemon's configured admin keys, not by leases: admin
// operations are what create leases in the first place.
const (
	PermitProtocol  = "keylease/admin/permit/v1"
	PendingProtocol = "keylease/admin/pending/v1"
	ApproveProtocol = "keylease/admin/approve/v1"
	DenyProtocol    = "keylease/admin/deny/v1"
	RevokeProtocol  = "keylease/admin/revoke/v1"
	UsageProtocol   = "keylease/admin/usage/v1"
)

// PermitMessage upserts the standing permission for a grantee.
type PermitMessage struct {
	GranteeKey         identity.PublicKey `cbor:"1,keyasint"`
	MaxDurationSeconds int64              `cbor:"2,keyasint"`
	Scopes             []string           `cbor:"3,keyasint,omitempty"`
	AutoApprove        bool               `cbor:"4,keyasint"`
}

// PendingReply lists unresolved lease requests.
type PendingReply struct {
	Requests []Request `cbor:"1,keyasint,omitempty"`
}

// ResolveMessage names the pending request to approve or deny.
type ResolveMessage struct {
	RequestID string `cbor:"1,keyasint"`
}

// ApproveReply carries the token issued for an approved request.
type ApproveReply struct {
	Token *Token `cbor:"1,keyasint"`
}

// RevokeMessage names the lease to revoke.
type RevokeMessage struct {
	LeaseID string `cbor:"1,keyasint"`
}

// RevokeReply reports the registry epoch after the revocation.
type RevokeReply struct {
	Epoch uint64 `cbor:"1,keyasint"`
}

// UsageReply lists per-lease activity records.
type UsageReply struct {
	Records []Usage `cbor:"1,keyasint,omitempty"`
}

// ClaimProtocol is the call protocol a grantee uses to collect the
// token for a request it filed earlier. Only the requesting grantee
// key may claim it.
const ClaimProtocol = "keylease/lease/claim/v1"

// ClaimMessage names the request being claimed.
type ClaimMessage struct {
	RequestID string `cbor:"1,keyasint"`
}

// ClaimReply reports the request's status. Token is set exactly once,
// on the first claim after approval.
type ClaimReply struct {
	Status RequestStatus `cbor:"1,keyasint"`
	Token  *Token        `cbor:"2,keyasint,omitempty"`
}
