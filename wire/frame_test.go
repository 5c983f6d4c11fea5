// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/keylease/keylease/lib/codec"
)

func TestFrameRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	original := Frame{Type: FrameTypeCall, Payload: []byte("payload bytes")}

	if err := WriteFrame(&buffer, original); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	decoded, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if decoded.Type != original.Type {
		t.Errorf("Type = %#x, want %#x", decoded.Type, original.Type)
	}
	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Errorf("Payload = %q, want %q", decoded.Payload, original.Payload)
	}
}

func TestEmptyPayload(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, Frame{Type: FrameTypeStreamClose}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	decoded, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(decoded.Payload) != 0 {
		t.Errorf("Payload length = %d, want 0", len(decoded.Payload))
	}
}

func TestMultipleFramesSequential(t *testing.T) {
	var buffer bytes.Buffer
	frames := []Frame{
		{Type: FrameTypeCall, Payload: []byte("first")},
		{Type: FrameTypeStreamData, Payload: []byte("second")},
		{Type: FrameTypeResponse, Payload: []byte("third")},
	}
	for _, frame := range frames {
		if err := WriteFrame(&buffer, frame); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	for i, want := range frames {
		got, err := ReadFrame(&buffer)
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("frame %d = %+v, want %+v", i, got, want)
		}
	}
}

func TestOversizedPayloadRejected(t *testing.T) {
	// A header declaring more than the maximum must fail before any
	// allocation of the payload.
	var header [5]byte
	header[0] = FrameTypeStreamData
	binary.BigEndian.PutUint32(header[1:5], MaxPayloadLength+1)
	if _, err := ReadFrame(bytes.NewReader(header[:])); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("oversized read: got %v, want ErrPayloadTooLarge", err)
	}

	oversized := Frame{Type: FrameTypeStreamData, Payload: make([]byte, MaxPayloadLength+1)}
	if err := WriteFrame(io.Discard, oversized); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("oversized write: got %v, want ErrPayloadTooLarge", err)
	}
}

func TestTruncatedStream(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, Frame{Type: FrameTypeCall, Payload: []byte("truncate me")}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	truncated := buffer.Bytes()[:buffer.Len()-3]
	if _, err := ReadFrame(bytes.NewReader(truncated)); err == nil {
		t.Fatal("truncated frame accepted")
	}

	if _, err := ReadFrame(strings.NewReader("")); err == nil {
		t.Fatal("empty stream accepted")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	payload, err := codec.Marshal(map[string]string{"key": "value"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	call := Call{ID: 42, Protocol: "keylease/echo/v1", Payload: payload}

	if err := WriteMessage(&buffer, FrameTypeCall, call); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	frame, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Type != FrameTypeCall {
		t.Fatalf("Type = %#x, want call", frame.Type)
	}

	var decoded Call
	if err := DecodePayload(frame, &decoded); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded.ID != 42 || decoded.Protocol != "keylease/echo/v1" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestPossessionPayload(t *testing.T) {
	nonce := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	payload := PossessionPayload(nonce)
	if !bytes.HasPrefix(payload, []byte(PossessionContext)) {
		t.Error("payload missing context prefix")
	}
	if !bytes.HasSuffix(payload, nonce) {
		t.Error("payload missing nonce")
	}
	if len(payload) != len(PossessionContext)+len(nonce) {
		t.Errorf("payload length = %d", len(payload))
	}
}
