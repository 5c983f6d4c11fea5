// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/keylease/keylease/lib/clock"
	"github.com/keylease/keylease/lib/identity"
	"github.com/keylease/keylease/lib/lease"
	"github.com/keylease/keylease/transport"
)

const (
	testWait    = 5 * time.Second
	testAddress = "mem://peer-test"

	echoProtocol       = "test/echo/v1"
	echoStreamProtocol = "test/echo-stream/v1"
)

type echoMessage struct {
	Text string `cbor:"1,keyasint"`
}

// testEnv wires a listener, an issuer, and a client identity over the
// in-memory transport, all sharing one fake clock.
type testEnv struct {
	t        *testing.T
	clk      *clock.FakeClock
	grantor  *identity.Identity
	server   *identity.Identity
	client   *identity.Identity
	issuer   *lease.Issuer
	registry *lease.Registry
	usage    *lease.UsageLog
	listener *Listener
	dialer   *transport.MemoryDialer
}

func mustGenerate(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return id
}

func newTestEnv(t *testing.T, configure func(*ListenerConfig)) *testEnv {
	t.Helper()

	env := &testEnv{
		t:        t,
		clk:      clock.Fake(time.Unix(1_700_000_000, 0)),
		grantor:  mustGenerate(t),
		server:   mustGenerate(t),
		client:   mustGenerate(t),
		registry: lease.NewRegistry(),
		usage:    lease.NewUsageLog(),
	}
	env.issuer = lease.NewIssuer(env.grantor, lease.NewPermissionTable(), env.clk)

	memListener, dialer := transport.NewMemoryTransport(testAddress)
	env.dialer = dialer

	validator := lease.NewValidator(lease.Policy{
		MaxDuration:   24 * time.Hour,
		SkewTolerance: 2 * time.Minute,
		AllowUnscoped: true,
	}, env.registry, env.clk)

	cfg := ListenerConfig{
		Identity:  env.server,
		Transport: memListener,
		Validator: validator,
		Registry:  env.registry,
		Usage:     env.usage,
		Clock:     env.clk,
	}
	if configure != nil {
		configure(&cfg)
	}

	listener, err := NewListener(cfg)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	env.listener = listener

	err = listener.Register(Protocol{
		Name: echoProtocol,
		HandleCall: func(ctx context.Context, request *Request) (any, error) {
			var msg echoMessage
			if err := request.Decode(&msg); err != nil {
				return nil, err
			}
			return msg, nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	err = listener.Register(Protocol{
		Name: echoStreamProtocol,
		HandleStream: func(ctx context.Context, session *Session, request *Request) error {
			_, err := io.Copy(session, session)
			return err
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	go listener.Serve()
	t.Cleanup(func() { listener.Close() })
	return env
}

// issueLease obtains an auto-approved token for the client identity.
func (env *testEnv) issueLease(duration time.Duration, scope string) *lease.Token {
	env.t.Helper()
	env.issuer.AllowLeases(env.client.PublicKey(), 24*time.Hour, []string{"files", "admin"}, true)
	token, _, err := env.issuer.RequestLease(env.client.PublicKey(), duration, scope)
	if err != nil {
		env.t.Fatalf("RequestLease: %v", err)
	}
	return token
}

// connect dials the listener with the given token, which may be nil.
func (env *testEnv) connect(token *lease.Token) *Conn {
	env.t.Helper()
	conn, err := env.connectErr(token)
	if err != nil {
		env.t.Fatalf("Connect: %v", err)
	}
	return conn
}

func (env *testEnv) connectErr(token *lease.Token) (*Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	conn, err := Connect(ctx, ConnectConfig{
		Identity: env.client,
		Dialer:   env.dialer,
		Address:  testAddress,
		Lease:    token,
		Name:     "peer-test",
		Version:  "dev",
		Clock:    env.clk,
	})
	if err != nil {
		return nil, err
	}
	env.t.Cleanup(func() { conn.Close() })
	return conn, nil
}

// echo round-trips one message and fails the test on any error.
func (env *testEnv) echo(conn *Conn, text string) {
	env.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	var reply echoMessage
	if err := conn.Call(ctx, echoProtocol, echoMessage{Text: text}, &reply); err != nil {
		env.t.Fatalf("Call(%s): %v", echoProtocol, err)
	}
	if reply.Text != text {
		env.t.Fatalf("echo returned %q, want %q", reply.Text, text)
	}
}
