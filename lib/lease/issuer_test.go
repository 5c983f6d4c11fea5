// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keylease/keylease/lib/clock"
)

func testIssuer(t *testing.T) (*Issuer, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	return NewIssuer(testIdentity(t), NewPermissionTable(), clk), clk
}

func TestRequestLeaseNoPermission(t *testing.T) {
	issuer, _ := testIssuer(t)
	grantee := testIdentity(t)

	_, _, err := issuer.RequestLease(grantee.PublicKey(), time.Hour, "")
	if !errors.Is(err, ErrNoPermission) {
		t.Errorf("got %v, want ErrNoPermission", err)
	}
}

func TestRequestLeaseScopeNotAllowed(t *testing.T) {
	issuer, _ := testIssuer(t)
	grantee := testIdentity(t)
	issuer.AllowLeases(grantee.PublicKey(), time.Hour, []string{"deploy:staging"}, true)

	_, _, err := issuer.RequestLease(grantee.PublicKey(), time.Hour, "deploy:production")
	if !errors.Is(err, ErrScopeNotAllowed) {
		t.Errorf("got %v, want ErrScopeNotAllowed", err)
	}
}

func TestRequestLeaseAutoApprove(t *testing.T) {
	issuer, clk := testIssuer(t)
	grantee := testIdentity(t)
	issuer.AllowLeases(grantee.PublicKey(), 24*time.Hour, []string{"deploy:staging"}, true)

	token, requestID, err := issuer.RequestLease(grantee.PublicKey(), time.Hour, "deploy:staging")
	if err != nil {
		t.Fatalf("RequestLease: %v", err)
	}
	if token == nil {
		t.Fatal("auto-approve returned no token")
	}
	if requestID != "" {
		t.Errorf("auto-approve returned request ID %q", requestID)
	}

	data, err := token.VerifiedContent()
	if err != nil {
		t.Fatalf("VerifiedContent: %v", err)
	}
	if data.DeviceKey != grantee.PublicKey() {
		t.Error("token bound to wrong device key")
	}
	if data.Scope != "deploy:staging" {
		t.Errorf("token scope = %q", data.Scope)
	}
	if data.IssuedAt != clk.Now().Unix() {
		t.Errorf("IssuedAt = %d, want %d", data.IssuedAt, clk.Now().Unix())
	}
	if data.Duration() != time.Hour {
		t.Errorf("Duration = %v, want 1h", data.Duration())
	}
}

func TestRequestLeaseClampsDuration(t *testing.T) {
	issuer, _ := testIssuer(t)
	grantee := testIdentity(t)
	issuer.AllowLeases(grantee.PublicKey(), 24*time.Hour, nil, true)

	// 48h against a 24h permission clamps rather than rejecting.
	token, _, err := issuer.RequestLease(grantee.PublicKey(), 48*time.Hour, "")
	if err != nil {
		t.Fatalf("RequestLease: %v", err)
	}
	data, err := token.VerifiedContent()
	if err != nil {
		t.Fatalf("VerifiedContent: %v", err)
	}
	if data.Duration() > 24*time.Hour {
		t.Errorf("Duration = %v, want at most 24h", data.Duration())
	}
}

func TestRequestLeasePendingAndApprove(t *testing.T) {
	issuer, _ := testIssuer(t)
	grantee := testIdentity(t)
	issuer.AllowLeases(grantee.PublicKey(), time.Hour, []string{"deploy:staging"}, false)

	token, requestID, err := issuer.RequestLease(grantee.PublicKey(), time.Hour, "deploy:staging")
	if err != nil {
		t.Fatalf("RequestLease: %v", err)
	}
	if token != nil {
		t.Fatal("manual-approve permission issued immediately")
	}
	if requestID == "" {
		t.Fatal("no request ID for pending request")
	}

	if pending := issuer.PendingRequests(); len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	token, err = issuer.ApproveRequest(requestID)
	if err != nil {
		t.Fatalf("ApproveRequest: %v", err)
	}
	if token == nil {
		t.Fatal("approval returned no token")
	}
	if pending := issuer.PendingRequests(); len(pending) != 0 {
		t.Errorf("pending after approval = %d, want 0", len(pending))
	}

	// Resolution is terminal.
	if _, err := issuer.ApproveRequest(requestID); !errors.Is(err, ErrRequestResolved) {
		t.Errorf("re-approve: got %v, want ErrRequestResolved", err)
	}
	if err := issuer.DenyRequest(requestID); !errors.Is(err, ErrRequestResolved) {
		t.Errorf("deny after approve: got %v, want ErrRequestResolved", err)
	}
}

func TestDuplicatePendingRequestsCollapse(t *testing.T) {
	issuer, _ := testIssuer(t)
	grantee := testIdentity(t)
	issuer.AllowLeases(grantee.PublicKey(), time.Hour, []string{"deploy:staging"}, false)

	_, first, err := issuer.RequestLease(grantee.PublicKey(), time.Hour, "deploy:staging")
	if err != nil {
		t.Fatalf("first RequestLease: %v", err)
	}
	_, second, err := issuer.RequestLease(grantee.PublicKey(), time.Hour, "deploy:staging")
	if err != nil {
		t.Fatalf("second RequestLease: %v", err)
	}
	if first != second {
		t.Errorf("identical requests got distinct IDs %q and %q", first, second)
	}
	if pending := issuer.PendingRequests(); len(pending) != 1 {
		t.Errorf("pending = %d, want 1", len(pending))
	}

	// A different duration is a different request.
	_, third, err := issuer.RequestLease(grantee.PublicKey(), 30*time.Minute, "deploy:staging")
	if err != nil {
		t.Fatalf("third RequestLease: %v", err)
	}
	if third == first {
		t.Error("different duration collapsed onto the same request")
	}
	if pending := issuer.PendingRequests(); len(pending) != 2 {
		t.Errorf("pending = %d, want 2", len(pending))
	}
}

func TestRestoreRequests(t *testing.T) {
	issuer, clk := testIssuer(t)
	grantee := testIdentity(t).PublicKey()
	target := testIdentity(t).PublicKey()

	restored := Request{
		GranteeKey:     grantee,
		TargetIdentity: target,
		Duration:       time.Hour,
		Scope:          "deploy:staging",
		Status:         RequestPending,
		CreatedAt:      clk.Now().Unix(),
	}
	issuer.Restore([]Request{restored})

	pending := issuer.PendingRequests()
	if len(pending) != 1 {
		t.Fatalf("got %d pending requests, want 1", len(pending))
	}
	if pending[0].GranteeKey != grantee {
		t.Errorf("restored request has wrong grantee")
	}

	// Restoring again does not clobber the live entry.
	issuer.Restore([]Request{restored})
	if got := len(issuer.PendingRequests()); got != 1 {
		t.Errorf("got %d pending requests after re-restore, want 1", got)
	}
}

func TestDenyRequest(t *testing.T) {
	issuer, _ := testIssuer(t)
	grantee := testIdentity(t)
	issuer.AllowLeases(grantee.PublicKey(), time.Hour, nil, false)

	_, requestID, err := issuer.RequestLease(grantee.PublicKey(), time.Hour, "")
	if err != nil {
		t.Fatalf("RequestLease: %v", err)
	}
	if err := issuer.DenyRequest(requestID); err != nil {
		t.Fatalf("DenyRequest: %v", err)
	}

	request, ok := issuer.Request(requestID)
	if !ok {
		t.Fatal("denied request vanished")
	}
	if request.Status != RequestDenied {
		t.Errorf("status = %s, want denied", request.Status)
	}
	if _, err := issuer.ApproveRequest(requestID); !errors.Is(err, ErrRequestResolved) {
		t.Errorf("approve after deny: got %v, want ErrRequestResolved", err)
	}
}

func TestResolveUnknownRequest(t *testing.T) {
	issuer, _ := testIssuer(t)
	if _, err := issuer.ApproveRequest("no-such-request"); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("approve: got %v, want ErrUnknownRequest", err)
	}
	if err := issuer.DenyRequest("no-such-request"); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("deny: got %v, want ErrUnknownRequest", err)
	}
}

func TestApproveReChecksPermission(t *testing.T) {
	issuer, _ := testIssuer(t)
	grantee := testIdentity(t)
	issuer.AllowLeases(grantee.PublicKey(), time.Hour, []string{"deploy:staging"}, false)

	_, requestID, err := issuer.RequestLease(grantee.PublicKey(), time.Hour, "deploy:staging")
	if err != nil {
		t.Fatalf("RequestLease: %v", err)
	}

	// The permission tightened while the request sat pending;
	// approval must honor the current policy, not the snapshot.
	issuer.AllowLeases(grantee.PublicKey(), time.Hour, []string{"deploy:production"}, false)
	if _, err := issuer.ApproveRequest(requestID); !errors.Is(err, ErrScopeNotAllowed) {
		t.Errorf("got %v, want ErrScopeNotAllowed", err)
	}
}

func TestApproveAndDenyResolveExactlyOnce(t *testing.T) {
	for range 200 {
		issuer, _ := testIssuer(t)
		grantee := testIdentity(t)
		issuer.AllowLeases(grantee.PublicKey(), time.Hour, nil, false)
		_, requestID, err := issuer.RequestLease(grantee.PublicKey(), time.Hour, "")
		if err != nil {
			t.Fatalf("RequestLease: %v", err)
		}

		var wg sync.WaitGroup
		var token *Token
		var approveErr, denyErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			token, approveErr = issuer.ApproveRequest(requestID)
		}()
		go func() {
			defer wg.Done()
			denyErr = issuer.DenyRequest(requestID)
		}()
		wg.Wait()

		if (approveErr == nil) == (denyErr == nil) {
			t.Fatalf("approve err %v, deny err %v; exactly one must win", approveErr, denyErr)
		}
		request, ok := issuer.Request(requestID)
		if !ok {
			t.Fatal("request vanished")
		}
		if approveErr == nil {
			if token == nil {
				t.Fatal("approve won but issued no token")
			}
			if request.Status != RequestApproved {
				t.Fatalf("approve won but status is %s", request.Status)
			}
		} else {
			if token != nil {
				t.Fatal("deny won yet a token was issued")
			}
			if request.Status != RequestDenied {
				t.Fatalf("deny won but status is %s", request.Status)
			}
		}
	}
}

func TestConcurrentApprovesIssueOneToken(t *testing.T) {
	for range 200 {
		issuer, _ := testIssuer(t)
		grantee := testIdentity(t)
		issuer.AllowLeases(grantee.PublicKey(), time.Hour, nil, false)
		_, requestID, err := issuer.RequestLease(grantee.PublicKey(), time.Hour, "")
		if err != nil {
			t.Fatalf("RequestLease: %v", err)
		}

		var wg sync.WaitGroup
		results := make([]*Token, 2)
		failures := make([]error, 2)
		for n := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[n], failures[n] = issuer.ApproveRequest(requestID)
			}()
		}
		wg.Wait()

		issued := 0
		for n := range results {
			if failures[n] == nil {
				issued++
			} else if !errors.Is(failures[n], ErrRequestResolved) {
				t.Fatalf("loser got %v, want ErrRequestResolved", failures[n])
			}
		}
		if issued != 1 {
			t.Fatalf("%d approvals issued tokens, want exactly 1", issued)
		}
	}
}
