// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

// Package transfer moves files between peers over a stream session.
// The sender announces name, size, and BLAKE3 digest in the stream's
// open payload, then streams the content zstd-compressed; the receiver
// decompresses into a temporary file, verifies the digest, and only
// then moves the file into place. A receipt flows back on the same
// stream so the sender knows the file landed intact.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/keylease/keylease/lib/codec"
	"github.com/keylease/keylease/peer"
)

// Protocol is the stream protocol identifier for file transfer.
const Protocol = "keylease/transfer/v1"

// ErrDigestMismatch means the received content does not hash to the
// digest announced in the offer. The file is discarded.
var ErrDigestMismatch = errors.New("transfer: digest mismatch")

// Offer is the stream open payload announcing the file.
type Offer struct {
	// Name is the file name. Path components are stripped on the
	// receiving side; only the base name survives.
	Name string `cbor:"1,keyasint"`

	// Size is the uncompressed length in bytes.
	Size int64 `cbor:"2,keyasint"`

	// Mode is the file mode applied on the receiving side.
	Mode uint32 `cbor:"3,keyasint"`

	// Digest is the BLAKE3 hash of the uncompressed content.
	Digest []byte `cbor:"4,keyasint"`
}

// Receipt is the receiver's verdict, sent back on the stream after
// verification.
type Receipt struct {
	OK    bool   `cbor:"1,keyasint"`
	Error string `cbor:"2,keyasint,omitempty"`
}

// Send streams the file at path to the peer and waits for the
// receiver's receipt. The file is hashed in a first pass so the digest
// travels ahead of the content.
func Send(ctx context.Context, conn *peer.Conn, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return fmt.Errorf("transfer: hashing %s: %w", path, err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}

	offer := Offer{
		Name:   filepath.Base(path),
		Size:   info.Size(),
		Mode:   uint32(info.Mode().Perm()),
		Digest: hasher.Sum(nil),
	}
	session, err := conn.Stream(ctx, Protocol, offer)
	if err != nil {
		return err
	}
	defer session.Close()

	compressor, err := zstd.NewWriter(session, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	if _, err := io.Copy(compressor, file); err != nil {
		return fmt.Errorf("transfer: sending %s: %w", offer.Name, err)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	if err := session.CloseWrite(); err != nil {
		return err
	}

	var receipt Receipt
	if err := codec.NewDecoder(session).Decode(&receipt); err != nil {
		return fmt.Errorf("transfer: reading receipt: %w", err)
	}
	if !receipt.OK {
		if receipt.Error == errDigestMismatchReceipt {
			return ErrDigestMismatch
		}
		return fmt.Errorf("transfer: rejected by receiver: %s", receipt.Error)
	}
	return nil
}

// errDigestMismatchReceipt is the receipt error string for a digest
// failure, stable so the sender can map it back to ErrDigestMismatch.
const errDigestMismatchReceipt = "digest mismatch"

// Receiver returns the stream protocol that accepts transfers into
// directory. Callers set RequiresLease or RequiredScope on the result
// before registering it.
func Receiver(directory string, logger *slog.Logger) peer.Protocol {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return peer.Protocol{
		Name: Protocol,
		HandleStream: func(ctx context.Context, session *peer.Session, request *peer.Request) error {
			var offer Offer
			if err := request.Decode(&offer); err != nil {
				sendReceipt(session, Receipt{OK: false, Error: "malformed offer"})
				return fmt.Errorf("transfer: decoding offer: %w", err)
			}

			err := receive(directory, offer, session)
			if err != nil {
				logger.Warn("transfer failed",
					"peer", request.Peer,
					"name", offer.Name,
					"error", err,
				)
				message := "receive failed"
				if errors.Is(err, ErrDigestMismatch) {
					message = errDigestMismatchReceipt
				}
				sendReceipt(session, Receipt{OK: false, Error: message})
				return err
			}

			logger.Info("transfer complete",
				"peer", request.Peer,
				"name", filepath.Base(offer.Name),
				"size", offer.Size,
			)
			sendReceipt(session, Receipt{OK: true})
			return nil
		},
	}
}

func sendReceipt(session *peer.Session, receipt Receipt) {
	payload, err := codec.Marshal(receipt)
	if err != nil {
		return
	}
	session.Write(payload)
}

// receive decompresses the stream into a temporary file, verifies size
// and digest, and moves it into place under the offer's base name.
func receive(directory string, offer Offer, session *peer.Session) error {
	temp, err := os.CreateTemp(directory, ".transfer-*")
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	defer func() {
		temp.Close()
		os.Remove(temp.Name())
	}()

	decompressor, err := zstd.NewReader(session)
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	defer decompressor.Close()

	hasher := blake3.New()
	// The extra byte catches a stream longer than the offer claimed.
	written, err := io.Copy(io.MultiWriter(temp, hasher), io.LimitReader(decompressor, offer.Size+1))
	if err != nil {
		return fmt.Errorf("transfer: receiving %s: %w", offer.Name, err)
	}
	if written != offer.Size {
		return fmt.Errorf("transfer: received %d bytes, offer claimed %d", written, offer.Size)
	}
	if !bytes.Equal(hasher.Sum(nil), offer.Digest) {
		return ErrDigestMismatch
	}

	if err := temp.Chmod(os.FileMode(offer.Mode)); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}

	// Base name only: the sender does not choose directories here.
	destination := filepath.Join(directory, filepath.Base(offer.Name))
	if err := os.Rename(temp.Name(), destination); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	return nil
}
