// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestPublicKeyTextForm(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	text := id.PublicKey().String()
	if len(text) != encodedKeyLength {
		t.Fatalf("text form is %d characters, want %d: %q", len(text), encodedKeyLength, text)
	}
	if text != strings.ToLower(text) {
		t.Errorf("text form is not lowercase: %q", text)
	}

	parsed, err := ParsePublicKey(text)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if parsed != id.PublicKey() {
		t.Errorf("round trip mismatch: %v != %v", parsed, id.PublicKey())
	}
}

func TestParsePublicKeyRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"short",
		strings.Repeat("a", 51),
		strings.Repeat("a", 53),
		strings.Repeat("A", 52), // uppercase is not in the alphabet
		strings.Repeat("0", 52), // 0 and 1 are not in the alphabet
	}
	for _, input := range cases {
		if _, err := ParsePublicKey(input); !errors.Is(err, ErrBadPublicKey) {
			t.Errorf("ParsePublicKey(%q): got %v, want ErrBadPublicKey", input, err)
		}
	}
}

func TestSignVerify(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	message := []byte("attack at dawn")
	signature := id.Sign(message)

	if !id.PublicKey().Verify(message, signature) {
		t.Error("valid signature rejected")
	}
	if id.PublicKey().Verify([]byte("attack at dusk"), signature) {
		t.Error("signature accepted for different message")
	}

	other, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if other.PublicKey().Verify(message, signature) {
		t.Error("signature accepted under wrong key")
	}
}

func TestFromSeedRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	restored, err := FromSeed(id.Seed())
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	if restored.PublicKey() != id.PublicKey() {
		t.Error("restored identity has different public key")
	}
}

func TestSealedKeyFile(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	path := filepath.Join(t.TempDir(), "operator.key")
	if err := WriteSealed(path, id, "correct horse"); err != nil {
		t.Fatalf("WriteSealed: %v", err)
	}

	loaded, err := ReadSealed(path, "correct horse")
	if err != nil {
		t.Fatalf("ReadSealed: %v", err)
	}
	if loaded.PublicKey() != id.PublicKey() {
		t.Error("loaded identity has different public key")
	}

	if _, err := ReadSealed(path, "wrong passphrase"); err == nil {
		t.Error("ReadSealed with wrong passphrase succeeded")
	}
}

func TestLoadOrGenerate(t *testing.T) {
	stateDir := t.TempDir()

	first, generated, err := LoadOrGenerate(stateDir)
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	if !generated {
		t.Error("first call should generate")
	}

	second, generated, err := LoadOrGenerate(stateDir)
	if err != nil {
		t.Fatalf("LoadOrGenerate (second): %v", err)
	}
	if generated {
		t.Error("second call should load")
	}
	if first.PublicKey() != second.PublicKey() {
		t.Error("daemon identity changed between loads")
	}
}
