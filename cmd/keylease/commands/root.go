// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands assembles the keylease command tree.
package commands

import (
	"github.com/keylease/keylease/cmd/keylease/cli"
)

// Root returns the top-level keylease command.
func Root() *cli.Command {
	return &cli.Command{
		Name:    "keylease",
		Summary: "lease-delegated authority between devices",
		Description: "keylease delegates time-bound, scoped, revocable authority from a\n" +
			"grantor identity to grantee device keys. The daemon (keylease serve)\n" +
			"issues and validates lease tokens; the other commands manage\n" +
			"identities, permissions, requests, and revocations against it.",
		Subcommands: []*cli.Command{
			newIdentityCommand(),
			newServeCommand(),
			newPermitCommand(),
			newRequestCommand(),
			newClaimCommand(),
			newPendingCommand(),
			newApproveCommand(),
			newDenyCommand(),
			newRevokeCommand(),
			newLeasesCommand(),
		},
	}
}
