// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestTCPRoundTrip(t *testing.T) {
	listener, err := NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewTCPListener: %v", err)
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		accepted <- conn
	}()

	dialer := &TCPDialer{Timeout: 5 * time.Second}
	client, err := dialer.DialContext(context.Background(), listener.Address())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer client.Close()

	server := <-accepted
	defer server.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buffer := make([]byte, 4)
	if _, err := server.Read(buffer); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buffer) != "ping" {
		t.Errorf("read %q, want ping", buffer)
	}
}

func TestTCPAcceptAfterClose(t *testing.T) {
	listener, err := NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewTCPListener: %v", err)
	}
	listener.Close()
	if _, err := listener.Accept(); err == nil {
		t.Fatal("Accept succeeded after Close")
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	listener, dialer := NewMemoryTransport("mem://test")
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		accepted <- conn
	}()

	client, err := dialer.DialContext(context.Background(), "mem://test")
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer client.Close()

	server := <-accepted
	defer server.Close()

	go client.Write([]byte("hello"))
	buffer := make([]byte, 5)
	if _, err := server.Read(buffer); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buffer) != "hello" {
		t.Errorf("read %q, want hello", buffer)
	}
}

func TestMemoryUnknownAddress(t *testing.T) {
	_, dialer := NewMemoryTransport("mem://test")
	if _, err := dialer.DialContext(context.Background(), "mem://other"); err == nil {
		t.Fatal("dial to unknown address succeeded")
	}
}

func TestMemoryClose(t *testing.T) {
	listener, dialer := NewMemoryTransport("mem://test")
	listener.Close()

	if _, err := listener.Accept(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Accept after close: got %v, want net.ErrClosed", err)
	}
	if _, err := dialer.DialContext(context.Background(), "mem://test"); !errors.Is(err, net.ErrClosed) {
		t.Errorf("dial after close: got %v, want net.ErrClosed", err)
	}
	// Close is idempotent.
	listener.Close()
}

func TestMemoryDialRespectsContext(t *testing.T) {
	_, dialer := NewMemoryTransport("mem://test")

	// Nobody is accepting, so the dial must block until the context
	// expires.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := dialer.DialContext(ctx, "mem://test"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want context.DeadlineExceeded", err)
	}
}
