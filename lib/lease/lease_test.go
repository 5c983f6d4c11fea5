// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"testing"
	"time"

	"github.com/keylease/keylease/lib/identity"
)

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	return id
}

func TestLeaseID(t *testing.T) {
	device := testIdentity(t)
	data := Data{
		DeviceKey: device.PublicKey(),
		IssuedAt:  1000,
		ExpiresAt: 2000,
	}

	id := data.ID()
	if len(id) != idLength {
		t.Fatalf("ID length = %d, want %d", len(id), idLength)
	}
	if data.ID() != id {
		t.Error("ID not stable across calls")
	}

	// The ID keys on device key and issuance time only: a different
	// expiry or scope must not change it, a different issuance time
	// must.
	changed := data
	changed.ExpiresAt = 3000
	changed.Scope = "deploy:staging"
	if changed.ID() != id {
		t.Error("ID changed with expiry/scope")
	}
	later := data
	later.IssuedAt = 1001
	if later.ID() == id {
		t.Error("ID identical for different issuance times")
	}
	other := data
	other.DeviceKey = testIdentity(t).PublicKey()
	if other.ID() == id {
		t.Error("ID identical for different device keys")
	}
}

func TestLeaseTimeHelpers(t *testing.T) {
	data := Data{IssuedAt: 1000, ExpiresAt: 1000 + 3600}
	if got := data.Duration(); got != time.Hour {
		t.Errorf("Duration = %v, want 1h", got)
	}
	if got := data.IssuedTime().Unix(); got != 1000 {
		t.Errorf("IssuedTime = %d, want 1000", got)
	}
	if got := data.ExpiryTime().Unix(); got != 4600 {
		t.Errorf("ExpiryTime = %d, want 4600", got)
	}
}
