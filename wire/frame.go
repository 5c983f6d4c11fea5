// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the peer protocol's framing and message types.
//
// Every frame is a 5-byte header (1 byte type + 4 byte big-endian
// payload length) followed by a CBOR payload, except stream data
// frames whose chunk bytes ride opaquely inside the CBOR envelope.
// One framed transport stream carries the handshake, then an
// interleaved mix of correlated calls and independent sub-streams.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/keylease/keylease/lib/codec"
)

// ErrPayloadTooLarge means a frame payload exceeds MaxPayloadLength.
// On the write side this is a local rejection; the connection is
// untouched.
var ErrPayloadTooLarge = errors.New("wire: payload exceeds maximum frame size")

// Frame type constants. The handshake types appear only before the
// connection is open; the rest are multiplexed afterwards.
const (
	// FrameTypeChallenge is the server's opening frame: a nonce the
	// client must sign to prove possession of its device key.
	FrameTypeChallenge byte = 0x01

	// FrameTypeHello is the client's handshake frame: its public key,
	// optional lease token, and the possession signature.
	FrameTypeHello byte = 0x02

	// FrameTypeWelcome is the server's handshake verdict.
	FrameTypeWelcome byte = 0x03

	// FrameTypeCall is a correlated request.
	FrameTypeCall byte = 0x10

	// FrameTypeResponse is the reply to a call, matched by
	// correlation ID.
	FrameTypeResponse byte = 0x11

	// FrameTypeStreamOpen opens an independent sub-stream.
	FrameTypeStreamOpen byte = 0x20

	// FrameTypeStreamData carries one chunk on a sub-stream.
	FrameTypeStreamData byte = 0x21

	// FrameTypeStreamClose half-closes one direction of a sub-stream.
	FrameTypeStreamClose byte = 0x22
)

// frameHeaderLength is the fixed header size: 1 byte type + 4 bytes
// payload length.
const frameHeaderLength = 5

// MaxPayloadLength caps a single frame's payload. Bulk data moves in
// stream chunks well under this; a larger frame is a protocol
// violation and terminates the connection.
const MaxPayloadLength = 16 * 1024 * 1024

// Frame is one framed protocol message.
type Frame struct {
	Type    byte
	Payload []byte
}

// WriteFrame writes a framed message to w: [type] [length] [payload].
func WriteFrame(w io.Writer, frame Frame) error {
	if len(frame.Payload) > MaxPayloadLength {
		return fmt.Errorf("%w: %d bytes, maximum %d", ErrPayloadTooLarge, len(frame.Payload), MaxPayloadLength)
	}
	var header [frameHeaderLength]byte
	header[0] = frame.Type
	binary.BigEndian.PutUint32(header[1:5], uint32(len(frame.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(frame.Payload) > 0 {
		if _, err := w.Write(frame.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one framed message from r. Fails if the stream is
// malformed or the declared payload exceeds MaxPayloadLength.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	frameType := header[0]
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > MaxPayloadLength {
		return Frame{}, fmt.Errorf("%w: declared %d bytes, maximum %d", ErrPayloadTooLarge, payloadLength, MaxPayloadLength)
	}
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return Frame{Type: frameType, Payload: payload}, nil
}

// WriteMessage CBOR-encodes message and writes it as a frame of the
// given type.
func WriteMessage(w io.Writer, frameType byte, message any) error {
	payload, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode frame payload: %w", err)
	}
	return WriteFrame(w, Frame{Type: frameType, Payload: payload})
}

// DecodePayload decodes a frame's CBOR payload into out.
func DecodePayload(frame Frame, out any) error {
	if err := codec.Unmarshal(frame.Payload, out); err != nil {
		return fmt.Errorf("decode frame payload: %w", err)
	}
	return nil
}
