// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"errors"
	"time"

	"github.com/keylease/keylease/lib/clock"
	"github.com/keylease/keylease/lib/signed"
)

// Status is the outcome of validating a lease token.
type Status string

const (
	StatusValid            Status = "valid"
	StatusExpired          Status = "expired"
	StatusInvalidSignature Status = "invalid-signature"
	StatusRevoked          Status = "revoked"
	StatusScopeNotAllowed  Status = "scope-not-allowed"
)

// Policy is the verifier-side configuration for lease validation.
type Policy struct {
	// MaxDuration caps the lifetime a token may claim regardless of
	// what the grantor signed. A token over the cap is rejected with
	// ScopeNotAllowed: the grantor granted more than this verifier
	// permits.
	MaxDuration time.Duration

	// SkewTolerance is how far in the future a token's issuance time
	// may sit before the verifier rejects it as not yet valid.
	SkewTolerance time.Duration

	// AllowUnscoped accepts tokens carrying no scope. Off by default:
	// an unscoped token grants everything, so accepting one must be a
	// deliberate choice.
	AllowUnscoped bool
}

// DefaultPolicy returns the verifier defaults: 24 hour maximum
// lifetime, 2 minutes of tolerated clock skew, unscoped tokens
// rejected.
func DefaultPolicy() Policy {
	return Policy{
		MaxDuration:   24 * time.Hour,
		SkewTolerance: 2 * time.Minute,
	}
}

// Validator runs the verifier-side check chain against a policy and
// the shared revocation registry. Safe for concurrent use.
type Validator struct {
	policy   Policy
	registry *Registry
	clock    clock.Clock
}

// NewValidator returns a validator. A zero-duration MaxDuration is
// replaced by the default; a nil registry means revocation is not
// checked (callers without a registry, such as offline inspection).
func NewValidator(policy Policy, registry *Registry, clk clock.Clock) *Validator {
	if policy.MaxDuration == 0 {
		policy.MaxDuration = DefaultPolicy().MaxDuration
	}
	if policy.SkewTolerance == 0 {
		policy.SkewTolerance = DefaultPolicy().SkewTolerance
	}
	return &Validator{policy: policy, registry: registry, clock: clk}
}

// Policy returns the validator's policy.
func (v *Validator) Policy() Policy { return v.policy }

// Validate checks the token with no scope requirement. See
// ValidateForScope for the check order.
func (v *Validator) Validate(token Token) Status {
	return v.ValidateForScope(token, "")
}

// ValidateForScope runs the full check chain, short-circuiting on the
// first failure: signature, expiry, duration policy, scope,
// revocation. requiredScope empty means the operation itself needs no
// scope; the token's own scope is still policy-checked. Anything the
// validator cannot parse is treated as revoked, never as a pass.
func (v *Validator) ValidateForScope(token Token, requiredScope string) Status {
	data, err := token.VerifiedContent()
	if err != nil {
		if errors.Is(err, signed.ErrInvalidSignature) {
			return StatusInvalidSignature
		}
		// Unparsable content: fail closed.
		return StatusRevoked
	}
	if data.IdentityKey != token.Signer {
		// The grantor signs, not the device. A token signed by anyone
		// other than its declared identity key is forged, even when
		// the signature itself verifies.
		return StatusInvalidSignature
	}

	now := v.clock.Now().Unix()
	if now > data.ExpiresAt {
		return StatusExpired
	}
	if data.IssuedAt > now+int64(v.policy.SkewTolerance/time.Second) {
		// Issued in the future beyond tolerated skew: not yet valid.
		return StatusExpired
	}

	if data.Duration() > v.policy.MaxDuration {
		return StatusScopeNotAllowed
	}

	if data.Scope == "" {
		if !v.policy.AllowUnscoped {
			return StatusScopeNotAllowed
		}
	} else if requiredScope != "" && data.Scope != requiredScope {
		return StatusScopeNotAllowed
	}

	if v.registry != nil && v.registry.IsRevoked(data.ID()) {
		return StatusRevoked
	}
	return StatusValid
}
