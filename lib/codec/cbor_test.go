// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestDeterministicEncoding(t *testing.T) {
	// Maps with the same entries must encode to identical bytes
	// regardless of insertion order. Signature verification re-encodes
	// decoded content, so any nondeterminism here breaks every token.
	first := map[string]int{"a": 1, "b": 2, "c": 3}
	second := map[string]int{"c": 3, "a": 1, "b": 2}

	firstBytes, err := Marshal(first)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	secondBytes, err := Marshal(second)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(firstBytes, secondBytes) {
		t.Errorf("same map encoded differently: %x vs %x", firstBytes, secondBytes)
	}
}

func TestRoundTrip(t *testing.T) {
	type payload struct {
		Name  string `cbor:"1,keyasint"`
		Count int64  `cbor:"2,keyasint"`
		Data  []byte `cbor:"3,keyasint,omitempty"`
	}

	in := payload{Name: "lease", Count: 42, Data: []byte{0xde, 0xad}}
	encoded, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out payload
	if err := Unmarshal(encoded, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Name != in.Name || out.Count != in.Count || !bytes.Equal(out.Data, in.Data) {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	type wide struct {
		A int `cbor:"1,keyasint"`
		B int `cbor:"2,keyasint"`
	}
	type narrow struct {
		A int `cbor:"1,keyasint"`
	}

	encoded, err := Marshal(wide{A: 7, B: 9})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out narrow
	if err := Unmarshal(encoded, &out); err != nil {
		t.Fatalf("Unmarshal with extra field: %v", err)
	}
	if out.A != 7 {
		t.Errorf("A = %d, want 7", out.A)
	}
}
