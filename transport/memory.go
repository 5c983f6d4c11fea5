// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// Compile-time interface checks.
var (
	_ Listener = (*MemoryListener)(nil)
	_ Dialer   = (*MemoryDialer)(nil)
)

// MemoryListener is an in-process transport built on net.Pipe, for
// tests that exercise the full peer protocol without sockets. Create
// one with NewMemoryTransport and dial it through the paired
// MemoryDialer.
type MemoryListener struct {
	address   string
	pending   chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

// MemoryDialer connects to its paired MemoryListener. The address
// argument to DialContext must match the listener's address.
type MemoryDialer struct {
	listener *MemoryListener
}

// NewMemoryTransport returns a connected listener/dialer pair sharing
// the given address label.
func NewMemoryTransport(address string) (*MemoryListener, *MemoryDialer) {
	listener := &MemoryListener{
		address: address,
		pending: make(chan net.Conn),
		done:    make(chan struct{}),
	}
	return listener, &MemoryDialer{listener: listener}
}

// Accept blocks until a dial arrives or the listener is closed.
func (l *MemoryListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.pending:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Address returns the listener's address label.
func (l *MemoryListener) Address() string {
	return l.address
}

// Close shuts down the listener; blocked Accept and DialContext calls
// return net.ErrClosed.
func (l *MemoryListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

// DialContext creates a pipe and hands the far end to the listener's
// Accept.
func (d *MemoryDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	if address != d.listener.address {
		return nil, fmt.Errorf("memory transport: unknown address %q", address)
	}

	client, server := net.Pipe()
	select {
	case d.listener.pending <- server:
		return client, nil
	case <-d.listener.done:
		client.Close()
		server.Close()
		return nil, net.ErrClosed
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}
