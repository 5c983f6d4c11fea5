// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keylease/keylease/lib/clock"
	"github.com/keylease/keylease/lib/codec"
	"github.com/keylease/keylease/lib/identity"
	"github.com/keylease/keylease/lib/lease"
	"github.com/keylease/keylease/lib/leasedb"
	"github.com/keylease/keylease/peer"
)

// pingProtocol answers with its own payload, for connectivity checks.
const pingProtocol = "keylease/ping/v1"

// daemon ties the issuer, registry, usage log, and store together
// behind the peer protocols the CLI and grantees call.
type daemon struct {
	issuer    *lease.Issuer
	registry  *lease.Registry
	usage     *lease.UsageLog
	store     *leasedb.Store
	clock     clock.Clock
	logger    *slog.Logger
	adminKeys map[identity.PublicKey]bool

	// mu guards tokens: approved, not-yet-claimed lease tokens by
	// request ID. A token leaves the map on its first claim.
	mu     sync.Mutex
	tokens map[string]*lease.Token
}

func newDaemon(issuer *lease.Issuer, registry *lease.Registry, usage *lease.UsageLog, store *leasedb.Store, clk clock.Clock, logger *slog.Logger, adminKeys []identity.PublicKey) *daemon {
	admins := make(map[identity.PublicKey]bool, len(adminKeys))
	for _, key := range adminKeys {
		admins[key] = true
	}
	return &daemon{
		issuer:    issuer,
		registry:  registry,
		usage:     usage,
		store:     store,
		clock:     clk,
		logger:    logger,
		adminKeys: admins,
		tokens:    make(map[string]*lease.Token),
	}
}

// register installs every daemon protocol on the listener.
func (d *daemon) register(listener *peer.Listener) error {
	adminOnly := func(peerKey identity.PublicKey, protocol string, _ codec.RawMessage) bool {
		if d.adminKeys[peerKey] {
			return true
		}
		d.logger.Warn("admin operation denied", "peer", peerKey, "protocol", protocol)
		return false
	}

	protocols := []peer.Protocol{
		{Name: pingProtocol, HandleCall: d.handlePing},
		{Name: lease.RequestProtocol, HandleCall: d.handleRequest},
		{Name: lease.ClaimProtocol, HandleCall: d.handleClaim},
		{Name: lease.PermitProtocol, HandleCall: d.handlePermit, AllowRequest: adminOnly},
		{Name: lease.PendingProtocol, HandleCall: d.handlePending, AllowRequest: adminOnly},
		{Name: lease.ApproveProtocol, HandleCall: d.handleApprove, AllowRequest: adminOnly},
		{Name: lease.DenyProtocol, HandleCall: d.handleDeny, AllowRequest: adminOnly},
		{Name: lease.RevokeProtocol, HandleCall: d.handleRevoke, AllowRequest: adminOnly},
		{Name: lease.UsageProtocol, HandleCall: d.handleUsage, AllowRequest: adminOnly},
	}
	for _, protocol := range protocols {
		if err := listener.Register(protocol); err != nil {
			return err
		}
	}
	return nil
}

func (d *daemon) handlePing(ctx context.Context, request *peer.Request) (any, error) {
	var payload codec.RawMessage
	if err := request.Decode(&payload); err != nil {
		payload = nil
	}
	return payload, nil
}

// handleRequest serves a grantee's lease request. The grantee key is
// the authenticated connection's peer key, never payload data.
func (d *daemon) handleRequest(ctx context.Context, request *peer.Request) (any, error) {
	var message lease.RequestMessage
	if err := request.Decode(&message); err != nil {
		return nil, &peer.AppError{Code: "bad-request", Message: "malformed request payload"}
	}
	if message.DurationSeconds <= 0 {
		return nil, &peer.AppError{Code: "bad-request", Message: "duration must be positive"}
	}
	duration := time.Duration(message.DurationSeconds) * time.Second

	token, requestID, err := d.issuer.RequestLease(request.Peer, duration, message.Scope)
	if err != nil {
		return nil, leaseError(err)
	}

	if token != nil {
		d.logger.Info("lease issued",
			"grantee", request.Peer,
			"lease_id", token.Content.ID(),
			"scope", message.Scope,
		)
		return lease.RequestReply{Token: token}, nil
	}

	// Persist the pending request so it survives a restart.
	if pending, ok := d.issuer.Request(requestID); ok {
		if err := d.store.SaveRequest(ctx, pending); err != nil {
			d.logger.Error("persisting lease request", "request_id", requestID, "error", err)
		}
	}
	d.logger.Info("lease request pending", "grantee", request.Peer, "request_id", requestID)
	return lease.RequestReply{RequestID: requestID}, nil
}

// handleClaim hands an approved token to the grantee that requested
// it. First claim wins; the token is not retained afterwards.
func (d *daemon) handleClaim(ctx context.Context, request *peer.Request) (any, error) {
	var message lease.ClaimMessage
	if err := request.Decode(&message); err != nil {
		return nil, &peer.AppError{Code: "bad-request", Message: "malformed claim payload"}
	}

	pending, ok := d.issuer.Request(message.RequestID)
	if !ok {
		return nil, &peer.AppError{Code: "unknown-request", Message: message.RequestID}
	}
	if pending.GranteeKey != request.Peer {
		// Only the requester may see the request's fate.
		return nil, &peer.AppError{Code: "unknown-request", Message: message.RequestID}
	}

	reply := lease.ClaimReply{Status: pending.Status}
	if pending.Status == lease.RequestApproved {
		d.mu.Lock()
		reply.Token = d.tokens[message.RequestID]
		delete(d.tokens, message.RequestID)
		d.mu.Unlock()
	}
	return reply, nil
}

func (d *daemon) handlePermit(ctx context.Context, request *peer.Request) (any, error) {
	var message lease.PermitMessage
	if err := request.Decode(&message); err != nil {
		return nil, &peer.AppError{Code: "bad-request", Message: "malformed permit payload"}
	}
	if message.MaxDurationSeconds <= 0 {
		return nil, &peer.AppError{Code: "bad-request", Message: "max duration must be positive"}
	}

	maxDuration := time.Duration(message.MaxDurationSeconds) * time.Second
	d.issuer.AllowLeases(message.GranteeKey, maxDuration, message.Scopes, message.AutoApprove)
	if err := d.store.SavePermission(ctx, lease.Permission{
		GranteeKey:  message.GranteeKey,
		MaxDuration: maxDuration,
		Scopes:      message.Scopes,
		AutoApprove: message.AutoApprove,
	}); err != nil {
		d.logger.Error("persisting permission", "grantee", message.GranteeKey, "error", err)
		return nil, &peer.AppError{Code: "storage", Message: "permission not persisted"}
	}

	d.logger.Info("permission stored",
		"grantee", message.GranteeKey,
		"max_duration", maxDuration,
		"scopes", message.Scopes,
		"auto_approve", message.AutoApprove,
	)
	return struct{}{}, nil
}

func (d *daemon) handlePending(ctx context.Context, request *peer.Request) (any, error) {
	return lease.PendingReply{Requests: d.issuer.PendingRequests()}, nil
}

func (d *daemon) handleApprove(ctx context.Context, request *peer.Request) (any, error) {
	var message lease.ResolveMessage
	if err := request.Decode(&message); err != nil {
		return nil, &peer.AppError{Code: "bad-request", Message: "malformed resolve payload"}
	}

	token, err := d.issuer.ApproveRequest(message.RequestID)
	if err != nil {
		return nil, leaseError(err)
	}
	if err := d.store.SetRequestStatus(ctx, message.RequestID, lease.RequestApproved); err != nil {
		d.logger.Error("persisting approval", "request_id", message.RequestID, "error", err)
	}

	// Park the token until the grantee claims it.
	d.mu.Lock()
	d.tokens[message.RequestID] = token
	d.mu.Unlock()

	d.logger.Info("lease request approved",
		"request_id", message.RequestID,
		"lease_id", token.Content.ID(),
	)
	return lease.ApproveReply{Token: token}, nil
}

func (d *daemon) handleDeny(ctx context.Context, request *peer.Request) (any, error) {
	var message lease.ResolveMessage
	if err := request.Decode(&message); err != nil {
		return nil, &peer.AppError{Code: "bad-request", Message: "malformed resolve payload"}
	}

	if err := d.issuer.DenyRequest(message.RequestID); err != nil {
		return nil, leaseError(err)
	}
	if err := d.store.SetRequestStatus(ctx, message.RequestID, lease.RequestDenied); err != nil {
		d.logger.Error("persisting denial", "request_id", message.RequestID, "error", err)
	}

	d.logger.Info("lease request denied", "request_id", message.RequestID)
	return struct{}{}, nil
}

func (d *daemon) handleRevoke(ctx context.Context, request *peer.Request) (any, error) {
	var message lease.RevokeMessage
	if err := request.Decode(&message); err != nil {
		return nil, &peer.AppError{Code: "bad-request", Message: "malformed revoke payload"}
	}
	if message.LeaseID == "" {
		return nil, &peer.AppError{Code: "bad-request", Message: "lease id is required"}
	}

	// Durable first: a revocation the registry enforces but the log
	// lost would silently un-revoke on restart.
	err := d.store.AppendRevocation(ctx, message.LeaseID, d.clock.Now().Unix())
	if err != nil && !errors.Is(err, lease.ErrAlreadyRevoked) {
		d.logger.Error("persisting revocation", "lease_id", message.LeaseID, "error", err)
		return nil, &peer.AppError{Code: "storage", Message: "revocation not persisted"}
	}

	epoch, err := d.registry.Revoke(message.LeaseID)
	if err != nil {
		return nil, leaseError(err)
	}

	d.logger.Info("lease revoked", "lease_id", message.LeaseID, "epoch", epoch)
	return lease.RevokeReply{Epoch: epoch}, nil
}

// handleUsage flushes the in-memory counters and returns the persisted
// records, so the answer reflects activity up to this moment.
func (d *daemon) handleUsage(ctx context.Context, request *peer.Request) (any, error) {
	d.flushUsage(ctx)
	records, err := d.store.AllUsage(ctx)
	if err != nil {
		d.logger.Error("loading usage records", "error", err)
		return nil, &peer.AppError{Code: "storage", Message: "usage query failed"}
	}
	return lease.UsageReply{Records: records}, nil
}

// flushUsage drains the in-memory counters into the store.
func (d *daemon) flushUsage(ctx context.Context) {
	records := d.usage.Drain()
	if len(records) == 0 {
		return
	}
	if err := d.store.MergeUsage(ctx, records); err != nil {
		d.logger.Error("flushing usage counters", "records", len(records), "error", err)
	}
}

// leaseError maps issuer and registry errors onto wire error codes.
func leaseError(err error) error {
	switch {
	case errors.Is(err, lease.ErrNoPermission):
		return &peer.AppError{Code: "no-permission", Message: err.Error()}
	case errors.Is(err, lease.ErrScopeNotAllowed):
		return &peer.AppError{Code: "scope-not-allowed", Message: err.Error()}
	case errors.Is(err, lease.ErrDurationExceeded):
		return &peer.AppError{Code: "duration-exceeded", Message: err.Error()}
	case errors.Is(err, lease.ErrAlreadyRevoked):
		return &peer.AppError{Code: "already-revoked", Message: err.Error()}
	case errors.Is(err, lease.ErrUnknownRequest):
		return &peer.AppError{Code: "unknown-request", Message: err.Error()}
	case errors.Is(err, lease.ErrRequestResolved):
		return &peer.AppError{Code: "request-resolved", Message: err.Error()}
	default:
		return fmt.Errorf("lease operation: %w", err)
	}
}
