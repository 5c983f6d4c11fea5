// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/zeebo/blake3"

	"github.com/keylease/keylease/lib/identity"
)

// RequestStatus is the lifecycle state of a lease request. Approved
// and Denied are terminal.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDenied   RequestStatus = "denied"
)

// Request is a grantee's ask for a lease, parked until the grantor
// resolves it (or resolved immediately under an auto-approve
// permission).
type Request struct {
	GranteeKey     identity.PublicKey `cbor:"1,keyasint"`
	TargetIdentity identity.PublicKey `cbor:"2,keyasint"`
	Duration       time.Duration      `cbor:"3,keyasint"`
	Scope          string             `cbor:"4,keyasint,omitempty"`
	Status         RequestStatus      `cbor:"5,keyasint"`
	CreatedAt      int64              `cbor:"6,keyasint"`
}

// ID returns the request's identifier, derived from its content so
// that an identical pending request from the same device collapses
// onto the existing entry instead of piling up duplicates.
func (r Request) ID() string {
	hasher := blake3.New()
	hasher.Write(r.GranteeKey[:])
	hasher.Write(r.TargetIdentity[:])
	var duration [8]byte
	binary.BigEndian.PutUint64(duration[:], uint64(r.Duration))
	hasher.Write(duration[:])
	hasher.Write([]byte(r.Scope))
	return hex.EncodeToString(hasher.Sum(nil)[:idLength/2])
}
