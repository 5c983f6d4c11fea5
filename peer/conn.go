// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"

	"github.com/keylease/keylease/lib/clock"
	"github.com/keylease/keylease/lib/codec"
	"github.com/keylease/keylease/lib/identity"
	"github.com/keylease/keylease/lib/lease"
	"github.com/keylease/keylease/wire"
)

// State is the connection lifecycle state.
type State string

const (
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateOpen           State = "open"
	StateClosed         State = "closed"
	StateFailed         State = "failed"
)

// RefreshProtocol is the built-in call protocol that replaces a
// connection's lease with a fresh token. Handled by the connection
// itself, never by a registered handler, and exempt from the expiry
// gate so an expired connection can recover without reconnecting.
const RefreshProtocol = "keylease/refresh/v1"

// refreshReply is the response payload of a refresh call.
type refreshReply struct {
	Accepted bool   `cbor:"1,keyasint"`
	Reason   string `cbor:"2,keyasint,omitempty"`
}

// callOutcome is what a waiter receives for one correlated call.
type callOutcome struct {
	payload codec.RawMessage
	err     error
}

// Conn is an authenticated, multiplexed connection to one peer. A
// single framed transport stream carries any number of concurrent
// correlated calls and independent sub-streams; one demultiplexing
// loop fans inbound frames out to per-call channels and per-stream
// queues, so no two operations contend on shared buffers.
//
// Conn is safe for concurrent use.
type Conn struct {
	transport net.Conn
	clock     clock.Clock
	logger    *slog.Logger

	localKey identity.PublicKey
	peerKey  identity.PublicKey

	handlers  *handlerTable
	validator *lease.Validator
	usage     *lease.UsageLog

	// writeMu serializes whole frames onto the transport; frame
	// interleaving below whole-frame granularity would corrupt the
	// stream.
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	leaseToken   *lease.Token
	leaseData    *lease.Data
	expired      bool
	expiryTimer  *clock.Timer
	nextCallID   uint64
	pending      map[uint64]chan callOutcome
	nextStreamID uint64
	streams      map[uint64]*Session
	closeReason  error

	closeOnce sync.Once
	closed    chan struct{}
}

// connConfig carries everything a freshly handshaken connection
// needs. streamParity seeds the stream ID counter: 1 on the dialing
// side, 2 on the accepting side, so the two sides allocate from
// disjoint ID spaces.
type connConfig struct {
	transport    net.Conn
	clock        clock.Clock
	logger       *slog.Logger
	localKey     identity.PublicKey
	peerKey      identity.PublicKey
	leaseToken   *lease.Token
	leaseData    *lease.Data
	handlers     *handlerTable
	validator    *lease.Validator
	usage        *lease.UsageLog
	streamParity uint64
}

func newConn(cfg connConfig) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		transport:    cfg.transport,
		clock:        cfg.clock,
		logger:       cfg.logger,
		localKey:     cfg.localKey,
		peerKey:      cfg.peerKey,
		handlers:     cfg.handlers,
		validator:    cfg.validator,
		usage:        cfg.usage,
		ctx:          ctx,
		cancel:       cancel,
		state:        StateOpen,
		leaseToken:   cfg.leaseToken,
		leaseData:    cfg.leaseData,
		pending:      make(map[uint64]chan callOutcome),
		nextStreamID: cfg.streamParity,
		streams:      make(map[uint64]*Session),
		closed:       make(chan struct{}),
	}
	if conn.logger == nil {
		conn.logger = slog.New(slog.DiscardHandler)
	}
	conn.armExpiryLocked()
	return conn
}

// start launches the demultiplexing loop. Called once, after the
// handshake.
func (c *Conn) start() {
	go c.readLoop()
}

// State returns the lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PeerKey returns the authenticated remote device key.
func (c *Conn) PeerKey() identity.PublicKey { return c.peerKey }

// Lease returns the verified lease data the connection runs under,
// or nil for a leaseless connection.
func (c *Conn) Lease() *lease.Data {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaseData
}

// LeaseID returns the lease's stable ID, or "" for a leaseless
// connection.
func (c *Conn) LeaseID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaseData == nil {
		return ""
	}
	return c.leaseData.ID()
}

// Err returns why the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// Done returns a channel closed when the connection closes.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// armExpiryLocked schedules the lease-expiry gate. Runs on its own
// timer, independent of call and stream activity. Caller holds no
// lock during construction; at refresh time c.mu is held.
func (c *Conn) armExpiryLocked() {
	if c.leaseData == nil {
		return
	}
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
	}
	delay := c.leaseData.ExpiryTime().Sub(c.clock.Now())
	if delay <= 0 {
		c.expired = true
		return
	}
	c.expiryTimer = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		c.expired = true
		c.mu.Unlock()
		c.logger.Info("lease expired, gating new operations",
			"peer", c.peerKey,
			"lease_id", c.leaseData.ID(),
		)
	})
}

// Call sends a correlated request and waits for the matching
// response. Multiple calls may be in flight concurrently; responses
// are matched by correlation ID, never by arrival order. The context
// deadline bounds the wait: on expiry the call fails with ErrTimeout
// and the connection stays open, with any late response discarded.
// result may be nil when the caller only needs success or failure.
func (c *Conn) Call(ctx context.Context, protocol string, request, result any) error {
	return c.call(ctx, protocol, request, result, false)
}

func (c *Conn) call(ctx context.Context, protocol string, request, result any, allowExpired bool) error {
	payload, err := codec.Marshal(request)
	if err != nil {
		return fmt.Errorf("peer: encode request: %w", err)
	}

	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.expired && !allowExpired {
		c.mu.Unlock()
		return ErrExpired
	}
	c.nextCallID++
	id := c.nextCallID
	outcome := make(chan callOutcome, 1)
	c.pending[id] = outcome
	c.mu.Unlock()

	err = c.writeMessage(wire.FrameTypeCall, wire.Call{ID: id, Protocol: protocol, Payload: payload})
	if err != nil {
		c.forgetCall(id)
		return err
	}

	select {
	case response := <-outcome:
		if response.err != nil {
			return response.err
		}
		if result == nil {
			return nil
		}
		if err := codec.Unmarshal(response.payload, result); err != nil {
			return fmt.Errorf("peer: decode response: %w", err)
		}
		return nil
	case <-ctx.Done():
		// Remove the table entry so a late response is discarded on
		// lookup miss instead of leaking the channel.
		c.forgetCall(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	case <-c.closed:
		return ErrConnectionClosed
	}
}

func (c *Conn) forgetCall(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Stream opens an independent sub-stream under the given protocol.
// The initial payload rides in the open frame; subsequent bytes move
// through the returned Session.
func (c *Conn) Stream(ctx context.Context, protocol string, initial any) (*Session, error) {
	payload, err := codec.Marshal(initial)
	if err != nil {
		return nil, fmt.Errorf("peer: encode stream open: %w", err)
	}

	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if c.expired {
		c.mu.Unlock()
		return nil, ErrExpired
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	session := newSession(c, id, protocol)
	c.streams[id] = session
	c.mu.Unlock()

	err = c.writeMessage(wire.FrameTypeStreamOpen, wire.StreamOpen{ID: id, Protocol: protocol, Initial: payload})
	if err != nil {
		c.mu.Lock()
		delete(c.streams, id)
		c.mu.Unlock()
		return nil, err
	}
	return session, nil
}

// RefreshLease replaces the connection's lease with a fresh token,
// lifting the expiry gate on both sides. The token must be bound to
// this connection's own device key. Works on an already-expired
// connection; that is its main purpose.
func (c *Conn) RefreshLease(ctx context.Context, token lease.Token) error {
	data, err := token.VerifiedContent()
	if err != nil {
		return fmt.Errorf("peer: refresh lease: %w", err)
	}
	if data.DeviceKey != c.localKey {
		return fmt.Errorf("%w: token bound to a different device key", ErrUnauthorized)
	}

	var reply refreshReply
	if err := c.call(ctx, RefreshProtocol, token, &reply, true); err != nil {
		return err
	}
	if !reply.Accepted {
		switch reply.Reason {
		case "expired":
			return ErrExpired
		case "revoked":
			return ErrRevoked
		default:
			return fmt.Errorf("%w: %s", ErrUnauthorized, reply.Reason)
		}
	}

	c.mu.Lock()
	c.leaseToken = &token
	c.leaseData = &data
	c.expired = false
	c.armExpiryLocked()
	c.mu.Unlock()
	return nil
}

// Close closes the connection: pending calls fail with
// ErrConnectionClosed and every open stream is aborted.
func (c *Conn) Close() error {
	c.closeWithReason(ErrConnectionClosed, StateClosed)
	return nil
}

// closeWithReason tears the connection down exactly once. All pending
// calls fail with reason, all streams abort, and the correlation
// table is emptied.
func (c *Conn) closeWithReason(reason error, state State) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = state
		c.closeReason = reason
		if c.expiryTimer != nil {
			c.expiryTimer.Stop()
		}
		pending := c.pending
		c.pending = make(map[uint64]chan callOutcome)
		streams := make([]*Session, 0, len(c.streams))
		for _, session := range c.streams {
			streams = append(streams, session)
		}
		c.streams = make(map[uint64]*Session)
		c.mu.Unlock()

		close(c.closed)
		c.cancel()
		c.transport.Close()

		for _, outcome := range pending {
			outcome <- callOutcome{err: reason}
		}
		for _, session := range streams {
			session.fail(reason)
		}
	})
}

// PendingCalls returns the number of calls awaiting responses.
func (c *Conn) PendingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// writeMessage serializes one whole frame onto the transport.
func (c *Conn) writeMessage(frameType byte, message any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wire.WriteMessage(c.transport, frameType, message); err != nil {
		if errors.Is(err, wire.ErrPayloadTooLarge) {
			// Local rejection before any bytes hit the transport; the
			// connection is still usable.
			return err
		}
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// readLoop is the single demultiplexer for inbound frames. Any
// framing or decoding violation terminates the connection without
// processing further frames.
func (c *Conn) readLoop() {
	for {
		frame, err := wire.ReadFrame(c.transport)
		if err != nil {
			c.closeWithReason(ErrConnectionClosed, StateClosed)
			return
		}
		if err := c.handleFrame(frame); err != nil {
			c.logger.Warn("protocol violation, closing connection",
				"peer", c.peerKey,
				"error", err,
			)
			c.closeWithReason(fmt.Errorf("%w: %v", ErrConnectionClosed, err), StateFailed)
			return
		}
	}
}

func (c *Conn) handleFrame(frame wire.Frame) error {
	switch frame.Type {
	case wire.FrameTypeResponse:
		var response wire.Response
		if err := wire.DecodePayload(frame, &response); err != nil {
			return err
		}
		c.deliverResponse(response)
		return nil

	case wire.FrameTypeCall:
		var call wire.Call
		if err := wire.DecodePayload(frame, &call); err != nil {
			return err
		}
		go c.dispatchCall(call)
		return nil

	case wire.FrameTypeStreamOpen:
		var open wire.StreamOpen
		if err := wire.DecodePayload(frame, &open); err != nil {
			return err
		}
		c.dispatchStream(open)
		return nil

	case wire.FrameTypeStreamData:
		var data wire.StreamData
		if err := wire.DecodePayload(frame, &data); err != nil {
			return err
		}
		c.mu.Lock()
		session := c.streams[data.ID]
		c.mu.Unlock()
		// Data for an unknown stream is normal raciness around
		// close; drop it.
		if session != nil {
			session.push(data.Chunk)
		}
		return nil

	case wire.FrameTypeStreamClose:
		var streamClose wire.StreamClose
		if err := wire.DecodePayload(frame, &streamClose); err != nil {
			return err
		}
		c.mu.Lock()
		session := c.streams[streamClose.ID]
		c.mu.Unlock()
		if session != nil {
			session.peerClosed()
		}
		return nil

	default:
		return fmt.Errorf("unexpected frame type %#x", frame.Type)
	}
}

// deliverResponse hands a response to its waiter. Exactly one waiter
// receives it; a lookup miss means the caller timed out and the
// response is discarded.
func (c *Conn) deliverResponse(response wire.Response) {
	c.mu.Lock()
	outcome, ok := c.pending[response.ID]
	delete(c.pending, response.ID)
	c.mu.Unlock()
	if !ok {
		return
	}

	if response.OK {
		outcome <- callOutcome{payload: response.Payload}
		return
	}
	var body wire.ErrorBody
	if err := codec.Unmarshal(response.Payload, &body); err != nil {
		outcome <- callOutcome{err: fmt.Errorf("peer: malformed error response: %w", err)}
		return
	}
	outcome <- callOutcome{err: errorFromBody(body)}
}

func errorFromBody(body wire.ErrorBody) error {
	switch body.Code {
	case errorCodeProtocolMismatch:
		return ErrProtocolMismatch
	case errorCodeUnauthorized:
		if body.Message == "" {
			return ErrUnauthorized
		}
		return fmt.Errorf("%w: %s", ErrUnauthorized, body.Message)
	default:
		return &AppError{Code: body.Code, Message: body.Message}
	}
}

// respond writes a call response. Errors are logged, not returned:
// the caller is the read loop's dispatch path, and a dead transport
// will surface there on its own.
func (c *Conn) respond(id uint64, ok bool, payload codec.RawMessage) {
	err := c.writeMessage(wire.FrameTypeResponse, wire.Response{ID: id, OK: ok, Payload: payload})
	if err != nil {
		c.logger.Debug("response write failed", "call_id", id, "error", err)
	}
}

func (c *Conn) respondError(id uint64, code, message string) {
	payload, err := codec.Marshal(wire.ErrorBody{Code: code, Message: message})
	if err != nil {
		c.logger.Error("encoding error body", "error", err)
		return
	}
	c.respond(id, false, payload)
}

// dispatchCall runs one inbound call through authorization and its
// registered handler. Runs on its own goroutine so concurrent calls
// never serialize behind each other; a panicking handler fails only
// this call.
func (c *Conn) dispatchCall(call wire.Call) {
	if call.Protocol == RefreshProtocol {
		c.handleRefresh(call)
		return
	}

	protocol := c.handlers.lookup(call.Protocol)
	if protocol == nil || protocol.HandleCall == nil {
		c.respondError(call.ID, errorCodeProtocolMismatch, call.Protocol)
		return
	}
	if code, message, ok := c.authorize(protocol, call.Payload); !ok {
		c.respondError(call.ID, code, message)
		return
	}

	if c.usage != nil {
		if id := c.LeaseID(); id != "" {
			c.usage.RecordCall(id, c.clock.Now().Unix())
		}
	}

	result, err := c.invokeCallHandler(protocol, call)
	if err != nil {
		var appErr *AppError
		if errors.As(err, &appErr) {
			c.respondError(call.ID, appErr.Code, appErr.Message)
		} else {
			// Unexpected handler failure: a generic internal error
			// for this call only, detail stays in the server log.
			c.logger.Error("call handler failed",
				"protocol", call.Protocol,
				"peer", c.peerKey,
				"error", err,
			)
			c.respondError(call.ID, errorCodeInternal, "internal error")
		}
		return
	}

	payload, err := codec.Marshal(result)
	if err != nil {
		c.logger.Error("encoding call result", "protocol", call.Protocol, "error", err)
		c.respondError(call.ID, errorCodeInternal, "internal error")
		return
	}
	c.respond(call.ID, true, payload)
}

func (c *Conn) invokeCallHandler(protocol *Protocol, call wire.Call) (result any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			c.logger.Error("call handler panicked",
				"protocol", call.Protocol,
				"panic", recovered,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()
	request := &Request{
		Peer:     c.peerKey,
		Lease:    c.Lease(),
		Protocol: call.Protocol,
		payload:  call.Payload,
	}
	return protocol.HandleCall(c.ctx, request)
}

// handleRefresh processes a built-in lease refresh call.
func (c *Conn) handleRefresh(call wire.Call) {
	reply := func(accepted bool, reason string) {
		payload, err := codec.Marshal(refreshReply{Accepted: accepted, Reason: reason})
		if err != nil {
			c.logger.Error("encoding refresh reply", "error", err)
			return
		}
		c.respond(call.ID, true, payload)
	}

	if c.validator == nil {
		reply(false, "refresh not supported")
		return
	}

	var token lease.Token
	if err := codec.Unmarshal(call.Payload, &token); err != nil {
		reply(false, "malformed token")
		return
	}
	data, err := token.VerifiedContent()
	if err != nil {
		reply(false, "invalid signature")
		return
	}
	if data.DeviceKey != c.peerKey {
		reply(false, "token bound to a different device key")
		return
	}

	switch status := c.validator.Validate(token); status {
	case lease.StatusValid:
	case lease.StatusExpired:
		reply(false, "expired")
		return
	case lease.StatusRevoked:
		reply(false, "revoked")
		return
	default:
		reply(false, string(status))
		return
	}

	c.mu.Lock()
	c.leaseToken = &token
	c.leaseData = &data
	c.expired = false
	c.armExpiryLocked()
	c.mu.Unlock()

	c.logger.Info("lease refreshed",
		"peer", c.peerKey,
		"lease_id", data.ID(),
		"expires_at", data.ExpiryTime(),
	)
	reply(true, "")
}

// dispatchStream admits one inbound stream open and hands it to the
// registered handler on its own goroutine. Rejection is a StreamClose
// for that ID; the connection is unaffected.
func (c *Conn) dispatchStream(open wire.StreamOpen) {
	reject := func() {
		if err := c.writeMessage(wire.FrameTypeStreamClose, wire.StreamClose{ID: open.ID}); err != nil {
			c.logger.Debug("stream reject write failed", "stream_id", open.ID, "error", err)
		}
	}

	protocol := c.handlers.lookup(open.Protocol)
	if protocol == nil || protocol.HandleStream == nil {
		reject()
		return
	}
	if _, _, ok := c.authorize(protocol, open.Initial); !ok {
		reject()
		return
	}

	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	session := newSession(c, open.ID, open.Protocol)
	c.streams[open.ID] = session
	c.mu.Unlock()

	if c.usage != nil {
		if id := c.LeaseID(); id != "" {
			c.usage.RecordStream(id, c.clock.Now().Unix())
		}
	}

	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				c.logger.Error("stream handler panicked",
					"protocol", open.Protocol,
					"panic", recovered,
					"stack", string(debug.Stack()),
				)
			}
			session.Close()
		}()
		request := &Request{
			Peer:     c.peerKey,
			Lease:    c.Lease(),
			Protocol: open.Protocol,
			payload:  open.Initial,
		}
		if err := protocol.HandleStream(c.ctx, session, request); err != nil {
			c.logger.Warn("stream handler failed",
				"protocol", open.Protocol,
				"peer", c.peerKey,
				"error", err,
			)
		}
	}()
}

// authorize runs the per-operation checks in order: lease scope
// policy, then the protocol's request predicate. Returns the wire
// error code and message on denial.
func (c *Conn) authorize(protocol *Protocol, payload codec.RawMessage) (code, message string, ok bool) {
	c.mu.Lock()
	token := c.leaseToken
	expired := c.expired
	c.mu.Unlock()

	if protocol.RequiresLease || protocol.RequiredScope != "" {
		if token == nil {
			return errorCodeUnauthorized, "lease required", false
		}
		if expired {
			return errorCodeUnauthorized, "lease expired", false
		}
		validator := protocol.Validator
		if validator == nil {
			validator = c.validator
		}
		if validator != nil {
			status := validator.ValidateForScope(*token, protocol.RequiredScope)
			if status != lease.StatusValid {
				return errorCodeUnauthorized, string(status), false
			}
		}
	}

	if protocol.AllowRequest != nil && !protocol.AllowRequest(c.peerKey, protocol.Name, payload) {
		return errorCodeUnauthorized, "denied by policy", false
	}
	return "", "", true
}

// maybeReleaseStream drops a fully-closed stream from the table.
func (c *Conn) maybeReleaseStream(session *Session) {
	if !session.fullyClosed() {
		return
	}
	c.mu.Lock()
	if c.streams[session.id] == session {
		delete(c.streams, session.id)
	}
	c.mu.Unlock()
}
