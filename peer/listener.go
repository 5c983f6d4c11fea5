// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/keylease/keylease/lib/clock"
	"github.com/keylease/keylease/lib/codec"
	"github.com/keylease/keylease/lib/identity"
	"github.com/keylease/keylease/lib/lease"
	"github.com/keylease/keylease/transport"
	"github.com/keylease/keylease/wire"
)

const (
	defaultHandshakeTimeout = 10 * time.Second

	// defaultSweepInterval bounds how long a revoked lease's open
	// connections survive: every sweep re-checks each connection
	// against the registry and force-closes revoked ones.
	defaultSweepInterval = 5 * time.Second

	nonceLength = 32
)

// Request is one inbound call or stream open as seen by a handler.
type Request struct {
	// Peer is the authenticated remote device key.
	Peer identity.PublicKey

	// Lease is the verified lease the connection runs under, nil on
	// a leaseless connection.
	Lease *lease.Data

	// Protocol is the protocol identifier the request arrived under.
	Protocol string

	payload codec.RawMessage
}

// Decode unmarshals the request payload into out.
func (r *Request) Decode(out any) error {
	if len(r.payload) == 0 {
		return errors.New("peer: empty request payload")
	}
	return codec.Unmarshal(r.payload, out)
}

// CallHandler serves one correlated call. The returned value is
// CBOR-encoded as the response; a returned *AppError travels to the
// caller with its code intact, any other error becomes a generic
// internal error.
type CallHandler func(ctx context.Context, request *Request) (any, error)

// StreamHandler serves one inbound sub-stream. The session is closed
// when the handler returns.
type StreamHandler func(ctx context.Context, session *Session, request *Request) error

// Protocol is one registered handler with its authorization policy.
type Protocol struct {
	// Name is the protocol identifier, e.g. "keylease/echo/v1".
	Name string

	// RequiresLease rejects requests from leaseless connections.
	// Implied by a non-empty RequiredScope.
	RequiresLease bool

	// RequiredScope is the scope the connection's lease must carry
	// for this protocol, checked per request against the validator.
	RequiredScope string

	// Validator overrides the listener's validator for this
	// protocol's scope checks. Nil uses the listener's.
	Validator *lease.Validator

	// AllowRequest is the per-request predicate, run after the lease
	// scope checks. Nil allows everything.
	AllowRequest func(peer identity.PublicKey, protocol string, payload codec.RawMessage) bool

	// HandleCall serves calls; nil rejects them with a protocol
	// mismatch.
	HandleCall CallHandler

	// HandleStream serves stream opens; nil rejects them.
	HandleStream StreamHandler
}

// handlerTable is the protocol registry shared by every connection a
// listener accepts. Registration happens before serving; lookups are
// concurrent.
type handlerTable struct {
	mu        sync.RWMutex
	protocols map[string]*Protocol
}

func newHandlerTable() *handlerTable {
	return &handlerTable{protocols: make(map[string]*Protocol)}
}

func (t *handlerTable) register(protocol Protocol) error {
	if protocol.Name == "" {
		return errors.New("peer: protocol name is required")
	}
	if protocol.Name == RefreshProtocol {
		return fmt.Errorf("peer: %s is reserved", RefreshProtocol)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.protocols[protocol.Name]; exists {
		return fmt.Errorf("peer: protocol %s already registered", protocol.Name)
	}
	t.protocols[protocol.Name] = &protocol
	return nil
}

func (t *handlerTable) lookup(name string) *Protocol {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.protocols[name]
}

// ListenerConfig holds the parameters for serving peer connections.
type ListenerConfig struct {
	// Identity is the server's own key pair.
	Identity *identity.Identity

	// Transport accepts the underlying byte connections.
	Transport transport.Listener

	// Validator is the default lease validator for handshakes and
	// per-protocol scope checks. Required.
	Validator *lease.Validator

	// Registry is the shared revocation set the sweep consults. May
	// be nil, disabling forced closure of revoked connections.
	Registry *lease.Registry

	// Usage receives per-lease activity counters. May be nil.
	Usage *lease.UsageLog

	// AllowPeer is the connection-level predicate, run before lease
	// validation. Nil allows every peer that proves possession.
	AllowPeer func(peer identity.PublicKey) bool

	// RequireLease rejects handshakes that present no token. Leave
	// false when a bootstrap protocol (such as lease issuance) must
	// be reachable leaselessly.
	RequireLease bool

	// HandshakeTimeout bounds the whole handshake. Default 10s.
	HandshakeTimeout time.Duration

	// SweepInterval is how often open connections are re-checked
	// against the registry. Default 5s.
	SweepInterval time.Duration

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to discard.
	Logger *slog.Logger
}

// Listener accepts transport connections, runs the authentication
// handshake, and dispatches inbound calls and streams to registered
// protocol handlers. Each connection is served independently; one
// misbehaving peer never affects its siblings.
type Listener struct {
	cfg      ListenerConfig
	handlers *handlerTable

	mu    sync.Mutex
	conns map[*Conn]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewListener validates the configuration and returns a listener.
// Register protocols before calling Serve.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.Identity == nil {
		return nil, errors.New("peer: Identity is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("peer: Transport is required")
	}
	if cfg.Validator == nil {
		return nil, errors.New("peer: Validator is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Listener{
		cfg:      cfg,
		handlers: newHandlerTable(),
		conns:    make(map[*Conn]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Register installs a protocol handler. Fails on a duplicate name.
func (l *Listener) Register(protocol Protocol) error {
	return l.handlers.register(protocol)
}

// Address returns the transport address peers dial.
func (l *Listener) Address() string {
	return l.cfg.Transport.Address()
}

// Serve accepts connections until Close. Each handshake and each
// connection runs on its own goroutines; Serve itself blocks.
func (l *Listener) Serve() error {
	if l.cfg.Registry != nil {
		go l.sweepRevoked()
	}

	for {
		raw, err := l.cfg.Transport.Accept()
		if err != nil {
			select {
			case <-l.done:
				return nil
			default:
				return fmt.Errorf("peer: accept: %w", err)
			}
		}
		go l.handleConnection(raw)
	}
}

// Close stops accepting and closes every open connection.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	err := l.cfg.Transport.Close()

	l.mu.Lock()
	conns := make([]*Conn, 0, len(l.conns))
	for conn := range l.conns {
		conns = append(conns, conn)
	}
	l.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	return err
}

// Connections returns a snapshot of the open connections.
func (l *Listener) Connections() []*Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	conns := make([]*Conn, 0, len(l.conns))
	for conn := range l.conns {
		conns = append(conns, conn)
	}
	return conns
}

// handleConnection runs the server side of the handshake and, on
// success, starts serving the connection.
func (l *Listener) handleConnection(raw net.Conn) {
	conn, err := l.handshake(raw)
	if err != nil {
		l.cfg.Logger.Info("handshake rejected",
			"remote", raw.RemoteAddr(),
			"error", err,
		)
		raw.Close()
		return
	}

	l.mu.Lock()
	l.conns[conn] = struct{}{}
	l.mu.Unlock()

	l.cfg.Logger.Info("connection open",
		"peer", conn.PeerKey(),
		"lease_id", conn.LeaseID(),
	)

	conn.start()
	go func() {
		<-conn.Done()
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		l.cfg.Logger.Info("connection closed",
			"peer", conn.PeerKey(),
			"reason", conn.Err(),
		)
	}()
}

// handshake challenges the client, verifies possession and the
// presented lease, and answers with a Welcome.
func (l *Listener) handshake(raw net.Conn) (*Conn, error) {
	deadline := time.Now().Add(l.cfg.HandshakeTimeout)
	if err := raw.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("setting handshake deadline: %w", err)
	}

	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	if err := wire.WriteMessage(raw, wire.FrameTypeChallenge, wire.Challenge{Nonce: nonce}); err != nil {
		return nil, err
	}

	frame, err := wire.ReadFrame(raw)
	if err != nil {
		if isTimeout(err) {
			return nil, ErrHandshakeTimeout
		}
		return nil, err
	}
	if frame.Type != wire.FrameTypeHello {
		return nil, fmt.Errorf("expected hello frame, got %#x", frame.Type)
	}
	var hello wire.ClientHello
	if err := wire.DecodePayload(frame, &hello); err != nil {
		return nil, err
	}

	reject := func(reason string) error {
		wireErr := wire.WriteMessage(raw, wire.FrameTypeWelcome, wire.Welcome{Accepted: false, Reason: reason})
		if wireErr != nil {
			return wireErr
		}
		return fmt.Errorf("%w: %s", reasonError(reason), reason)
	}

	// Possession proof: the client controls the private half of the
	// key it claims, independent of any lease.
	if !hello.PublicKey.Verify(wire.PossessionPayload(nonce), hello.Possession) {
		return nil, reject("unauthorized")
	}
	if l.cfg.AllowPeer != nil && !l.cfg.AllowPeer(hello.PublicKey) {
		return nil, reject("unauthorized")
	}

	var leaseData *lease.Data
	if hello.Lease != nil {
		data, err := hello.Lease.VerifiedContent()
		if err != nil {
			return nil, reject("unauthorized")
		}
		// The lease must be bound to the very key whose possession
		// was just proven; a stolen token fails here.
		if data.DeviceKey != hello.PublicKey {
			return nil, reject("unauthorized")
		}
		switch status := l.cfg.Validator.Validate(*hello.Lease); status {
		case lease.StatusValid:
		case lease.StatusExpired:
			return nil, reject("expired")
		case lease.StatusRevoked:
			return nil, reject("revoked")
		default:
			return nil, reject("unauthorized")
		}
		leaseData = &data
	} else if l.cfg.RequireLease {
		return nil, reject("unauthorized")
	}

	if err := wire.WriteMessage(raw, wire.FrameTypeWelcome, wire.Welcome{Accepted: true}); err != nil {
		return nil, err
	}
	if err := raw.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clearing handshake deadline: %w", err)
	}

	if l.cfg.Usage != nil && leaseData != nil {
		l.cfg.Usage.RecordConnect(leaseData.ID(), l.cfg.Clock.Now().Unix())
	}

	return newConn(connConfig{
		transport:    raw,
		clock:        l.cfg.Clock,
		logger:       l.cfg.Logger.With("client", hello.Name, "peer", hello.PublicKey),
		localKey:     l.cfg.Identity.PublicKey(),
		peerKey:      hello.PublicKey,
		leaseToken:   hello.Lease,
		leaseData:    leaseData,
		handlers:     l.handlers,
		validator:    l.cfg.Validator,
		usage:        l.cfg.Usage,
		streamParity: 2,
	}), nil
}

// sweepRevoked periodically force-closes connections whose lease has
// been revoked since the handshake. The sweep interval bounds the
// latency between revocation and closure.
func (l *Listener) sweepRevoked() {
	ticker := l.cfg.Clock.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
		}

		for _, conn := range l.Connections() {
			leaseID := conn.LeaseID()
			if leaseID == "" || !l.cfg.Registry.IsRevoked(leaseID) {
				continue
			}
			l.cfg.Logger.Info("closing revoked connection",
				"peer", conn.PeerKey(),
				"lease_id", leaseID,
			)
			conn.closeWithReason(ErrRevoked, StateFailed)
		}
	}
}

func reasonError(reason string) error {
	switch reason {
	case "expired":
		return ErrExpired
	case "revoked":
		return ErrRevoked
	default:
		return ErrUnauthorized
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
