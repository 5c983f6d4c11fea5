// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"io"
	"sync"

	"github.com/keylease/keylease/wire"
)

// Session is one logical sub-stream on a connection: an independent
// bidirectional byte pipe identified by a stream ID. Sessions on the
// same connection never block one another; inbound chunks queue per
// session, so a slow reader stalls only its own stream.
//
// Each direction closes independently. CloseWrite half-closes the
// local-to-remote direction; reads return io.EOF once the remote has
// half-closed its side and the queue is drained. Closing a session
// never closes the parent connection.
type Session struct {
	id       uint64
	protocol string
	conn     *Conn

	mu           sync.Mutex
	cond         *sync.Cond
	queue        [][]byte
	leftover     []byte
	localClosed  bool
	remoteClosed bool
	failure      error
}

func newSession(conn *Conn, id uint64, protocol string) *Session {
	session := &Session{id: id, protocol: protocol, conn: conn}
	session.cond = sync.NewCond(&session.mu)
	return session
}

// ID returns the stream ID.
func (s *Session) ID() uint64 { return s.id }

// Protocol returns the protocol the stream was opened under.
func (s *Session) Protocol() string { return s.protocol }

// Read returns the next received bytes, blocking until data arrives,
// the remote half-closes (io.EOF), or the connection fails.
func (s *Session) Read(buffer []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.leftover) == 0 && len(s.queue) == 0 {
		if s.failure != nil {
			return 0, s.failure
		}
		if s.remoteClosed {
			return 0, io.EOF
		}
		s.cond.Wait()
	}

	if len(s.leftover) == 0 {
		s.leftover = s.queue[0]
		s.queue = s.queue[1:]
	}
	copied := copy(buffer, s.leftover)
	s.leftover = s.leftover[copied:]
	return copied, nil
}

// Write sends bytes to the remote side. Fails once the local
// direction is closed or the connection is down.
func (s *Session) Write(data []byte) (int, error) {
	s.mu.Lock()
	if s.failure != nil {
		err := s.failure
		s.mu.Unlock()
		return 0, err
	}
	if s.localClosed {
		s.mu.Unlock()
		return 0, ErrStreamClosed
	}
	s.mu.Unlock()

	if err := s.conn.writeMessage(wire.FrameTypeStreamData, wire.StreamData{ID: s.id, Chunk: data}); err != nil {
		return 0, err
	}
	return len(data), nil
}

// CloseWrite half-closes the local-to-remote direction. The remote's
// reads will return io.EOF after draining; local reads continue until
// the remote closes its own side.
func (s *Session) CloseWrite() error {
	s.mu.Lock()
	if s.localClosed {
		s.mu.Unlock()
		return nil
	}
	s.localClosed = true
	failed := s.failure != nil
	s.mu.Unlock()

	if failed {
		return nil
	}
	if err := s.conn.writeMessage(wire.FrameTypeStreamClose, wire.StreamClose{ID: s.id}); err != nil {
		return err
	}
	s.conn.maybeReleaseStream(s)
	return nil
}

// Close half-closes the write direction and stops accepting inbound
// data. The parent connection is unaffected.
func (s *Session) Close() error {
	err := s.CloseWrite()

	s.mu.Lock()
	if !s.remoteClosed {
		s.remoteClosed = true
		s.queue = nil
		s.leftover = nil
		s.cond.Broadcast()
	}
	s.mu.Unlock()

	s.conn.maybeReleaseStream(s)
	return err
}

// CopyTo copies received bytes into w until the remote half-closes.
func (s *Session) CopyTo(w io.Writer) (int64, error) {
	return io.Copy(w, s)
}

// CopyFrom copies r into the stream, then half-closes the write
// direction.
func (s *Session) CopyFrom(r io.Reader) (int64, error) {
	written, err := io.Copy(s, r)
	if closeErr := s.CloseWrite(); err == nil {
		err = closeErr
	}
	return written, err
}

// CopyBoth pumps both directions between the stream and rw until each
// completes, and returns the first error from either direction.
func (s *Session) CopyBoth(rw io.ReadWriter) error {
	errs := make(chan error, 2)
	go func() {
		_, err := s.CopyFrom(rw)
		errs <- err
	}()
	go func() {
		_, err := s.CopyTo(rw)
		errs <- err
	}()

	var first error
	for range 2 {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// push queues an inbound chunk. Data arriving after the remote
// direction closed is dropped; that is normal raciness around close,
// not a protocol violation.
func (s *Session) push(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteClosed || s.failure != nil {
		return
	}
	s.queue = append(s.queue, chunk)
	s.cond.Broadcast()
}

// peerClosed marks the remote direction closed.
func (s *Session) peerClosed() {
	s.mu.Lock()
	s.remoteClosed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.conn.maybeReleaseStream(s)
}

// fail aborts both directions, unblocking readers with err.
func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		s.failure = err
	}
	s.cond.Broadcast()
}

// fullyClosed reports whether both directions are done.
func (s *Session) fullyClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localClosed && s.remoteClosed
}
