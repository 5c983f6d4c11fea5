// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keylease/keylease/lib/clock"
	"github.com/keylease/keylease/lib/identity"
	"github.com/keylease/keylease/lib/lease"
)

func testToken(t *testing.T) *lease.Token {
	t.Helper()
	grantor, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	grantee, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	issuer := lease.NewIssuer(grantor, lease.NewPermissionTable(), clock.Fake(time.Unix(1_700_000_000, 0)))
	issuer.AllowLeases(grantee.PublicKey(), time.Hour, nil, true)
	token, _, err := issuer.RequestLease(grantee.PublicKey(), time.Hour, "")
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestTokenFileRoundTrip(t *testing.T) {
	token := testToken(t)
	path := filepath.Join(t.TempDir(), "lease.token")

	if err := writeToken(path, token); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("token file mode %v, want 0600", mode)
	}

	loaded, err := readToken(path)
	if err != nil {
		t.Fatal(err)
	}
	data, err := loaded.VerifiedContent()
	if err != nil {
		t.Fatalf("round-tripped token failed verification: %v", err)
	}
	if data.ID() != token.Content.ID() {
		t.Errorf("lease ID changed across round trip: %s != %s", data.ID(), token.Content.ID())
	}
}

func TestReadTokenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lease.token")
	if err := os.WriteFile(path, []byte("not base64!!\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := readToken(path); err == nil {
		t.Error("expected error for malformed token file")
	}
}
