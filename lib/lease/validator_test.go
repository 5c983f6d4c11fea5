// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"testing"
	"time"

	"github.com/keylease/keylease/lib/clock"
	"github.com/keylease/keylease/lib/identity"
	"github.com/keylease/keylease/lib/signed"
)

func issueToken(t *testing.T, grantor *identity.Identity, device identity.PublicKey, issuedAt int64, duration time.Duration, scope string) Token {
	t.Helper()
	token, err := signed.Sign(grantor, Data{
		IdentityKey: grantor.PublicKey(),
		DeviceKey:   device,
		IssuedAt:    issuedAt,
		ExpiresAt:   issuedAt + int64(duration/time.Second),
		Scope:       scope,
	})
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

func TestValidateValidToken(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	grantor := testIdentity(t)
	device := testIdentity(t)
	validator := NewValidator(DefaultPolicy(), NewRegistry(), clk)

	token := issueToken(t, grantor, device.PublicKey(), clk.Now().Unix(), time.Hour, "deploy:staging")
	if got := validator.ValidateForScope(token, "deploy:staging"); got != StatusValid {
		t.Errorf("status = %s, want valid", got)
	}
}

func TestValidateTamperedToken(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	grantor := testIdentity(t)
	device := testIdentity(t)
	validator := NewValidator(DefaultPolicy(), NewRegistry(), clk)

	token := issueToken(t, grantor, device.PublicKey(), clk.Now().Unix(), time.Hour, "deploy:staging")
	token.Content.ExpiresAt += 3600
	if got := validator.Validate(token); got != StatusInvalidSignature {
		t.Errorf("status = %s, want invalid-signature", got)
	}
}

func TestValidateWrongSigner(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	grantor := testIdentity(t)
	device := testIdentity(t)
	validator := NewValidator(DefaultPolicy(), NewRegistry(), clk)

	// The declared identity key is honest but the envelope claims a
	// different signer: the device key being valid does not help.
	token := issueToken(t, grantor, device.PublicKey(), clk.Now().Unix(), time.Hour, "deploy:staging")
	token.Signer = testIdentity(t).PublicKey()
	if got := validator.Validate(token); got != StatusInvalidSignature {
		t.Errorf("status = %s, want invalid-signature", got)
	}
}

func TestValidateSelfSignedToken(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	grantor := testIdentity(t)
	device := testIdentity(t)
	validator := NewValidator(DefaultPolicy(), NewRegistry(), clk)

	// The device signs a token naming the grantor as identity key. The
	// signature verifies under the device's own key, but the signer is
	// not the declared grantor.
	now := clk.Now().Unix()
	token, err := signed.Sign(device, Data{
		IdentityKey: grantor.PublicKey(),
		DeviceKey:   device.PublicKey(),
		IssuedAt:    now,
		ExpiresAt:   now + 3600,
		Scope:       "deploy:staging",
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if got := validator.Validate(token); got != StatusInvalidSignature {
		t.Errorf("status = %s, want invalid-signature", got)
	}
}

func TestValidateExpiredToken(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	grantor := testIdentity(t)
	device := testIdentity(t)
	validator := NewValidator(DefaultPolicy(), NewRegistry(), clk)

	token := issueToken(t, grantor, device.PublicKey(), clk.Now().Unix(), time.Hour, "deploy:staging")
	clk.Advance(time.Hour + time.Second)
	if got := validator.ValidateForScope(token, "deploy:staging"); got != StatusExpired {
		t.Errorf("status = %s, want expired", got)
	}
}

func TestValidateAtExpiryBoundary(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	grantor := testIdentity(t)
	device := testIdentity(t)
	validator := NewValidator(DefaultPolicy(), NewRegistry(), clk)

	// ExpiresAt is the last valid second: the token holds at exactly
	// that instant and fails one second later.
	token := issueToken(t, grantor, device.PublicKey(), clk.Now().Unix(), time.Hour, "deploy:staging")
	clk.Advance(time.Hour)
	if got := validator.ValidateForScope(token, "deploy:staging"); got != StatusValid {
		t.Errorf("at expiry second: status = %s, want valid", got)
	}
	clk.Advance(time.Second)
	if got := validator.ValidateForScope(token, "deploy:staging"); got != StatusExpired {
		t.Errorf("past expiry second: status = %s, want expired", got)
	}
}

func TestValidateFutureIssuedAt(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	grantor := testIdentity(t)
	device := testIdentity(t)
	validator := NewValidator(DefaultPolicy(), NewRegistry(), clk)

	// Issued five minutes in the future: beyond the two minute skew
	// tolerance, so not yet valid.
	token := issueToken(t, grantor, device.PublicKey(), clk.Now().Unix()+300, time.Hour, "deploy:staging")
	if got := validator.ValidateForScope(token, "deploy:staging"); got != StatusExpired {
		t.Errorf("status = %s, want expired", got)
	}

	// One minute ahead sits within tolerance.
	token = issueToken(t, grantor, device.PublicKey(), clk.Now().Unix()+60, time.Hour, "deploy:staging")
	if got := validator.ValidateForScope(token, "deploy:staging"); got != StatusValid {
		t.Errorf("status = %s, want valid", got)
	}
}

func TestValidateDurationOverPolicy(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	grantor := testIdentity(t)
	device := testIdentity(t)
	policy := DefaultPolicy()
	policy.MaxDuration = time.Hour
	validator := NewValidator(policy, NewRegistry(), clk)

	token := issueToken(t, grantor, device.PublicKey(), clk.Now().Unix(), 2*time.Hour, "deploy:staging")
	if got := validator.ValidateForScope(token, "deploy:staging"); got != StatusScopeNotAllowed {
		t.Errorf("status = %s, want scope-not-allowed", got)
	}
}

func TestValidateScopeMismatch(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	grantor := testIdentity(t)
	device := testIdentity(t)
	validator := NewValidator(DefaultPolicy(), NewRegistry(), clk)

	token := issueToken(t, grantor, device.PublicKey(), clk.Now().Unix(), time.Hour, "deploy:staging")
	if got := validator.ValidateForScope(token, "deploy:production"); got != StatusScopeNotAllowed {
		t.Errorf("status = %s, want scope-not-allowed", got)
	}
}

func TestValidateUnscopedToken(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	grantor := testIdentity(t)
	device := testIdentity(t)

	token := issueToken(t, grantor, device.PublicKey(), clk.Now().Unix(), time.Hour, "")

	strict := NewValidator(DefaultPolicy(), NewRegistry(), clk)
	if got := strict.Validate(token); got != StatusScopeNotAllowed {
		t.Errorf("strict policy: status = %s, want scope-not-allowed", got)
	}

	permissive := DefaultPolicy()
	permissive.AllowUnscoped = true
	lenient := NewValidator(permissive, NewRegistry(), clk)
	if got := lenient.ValidateForScope(token, "deploy:staging"); got != StatusValid {
		t.Errorf("unscoped-allowed policy: status = %s, want valid", got)
	}
}

func TestValidateRevokedToken(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	grantor := testIdentity(t)
	device := testIdentity(t)
	registry := NewRegistry()
	validator := NewValidator(DefaultPolicy(), registry, clk)

	token := issueToken(t, grantor, device.PublicKey(), clk.Now().Unix(), time.Hour, "deploy:staging")
	if got := validator.ValidateForScope(token, "deploy:staging"); got != StatusValid {
		t.Fatalf("pre-revocation status = %s, want valid", got)
	}

	// Signature and expiry still pass; revocation alone flips the
	// verdict.
	if _, err := registry.Revoke(token.Content.ID()); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if got := validator.ValidateForScope(token, "deploy:staging"); got != StatusRevoked {
		t.Errorf("status = %s, want revoked", got)
	}
}

func TestValidateZeroToken(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	validator := NewValidator(DefaultPolicy(), NewRegistry(), clk)

	var token Token
	if got := validator.Validate(token); got != StatusInvalidSignature {
		t.Errorf("status = %s, want invalid-signature", got)
	}
}
