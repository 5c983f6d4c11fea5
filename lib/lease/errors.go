// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import "errors"

// Errors returned by the issuance workflow and the registry.
var (
	// ErrNoPermission means the grantor has no standing policy for
	// the requesting grantee key.
	ErrNoPermission = errors.New("lease: no permission for grantee")

	// ErrScopeNotAllowed means the requested scope is not in the
	// permission's allowed set.
	ErrScopeNotAllowed = errors.New("lease: scope not allowed")

	// ErrDurationExceeded means a duration exceeds the applicable
	// policy maximum where clamping does not apply.
	ErrDurationExceeded = errors.New("lease: duration exceeds maximum")

	// ErrAlreadyRevoked means the lease ID is already in the
	// revocation registry.
	ErrAlreadyRevoked = errors.New("lease: already revoked")

	// ErrUnknownRequest means no lease request exists with the given
	// ID.
	ErrUnknownRequest = errors.New("lease: unknown request")

	// ErrRequestResolved means the request was already approved or
	// denied; resolution is terminal.
	ErrRequestResolved = errors.New("lease: request already resolved")
)
