// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/keylease/keylease/cmd/keylease/cli"
	"github.com/keylease/keylease/lib/identity"
	"github.com/keylease/keylease/lib/lease"
)

func newPermitCommand() *cli.Command {
	var configPath *string
	var maxDuration time.Duration
	var scopes []string
	var autoApprove bool
	flags := func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet("permit", pflag.ContinueOnError)
		configPath = addConfigFlag(flagSet)
		flagSet.DurationVar(&maxDuration, "max-duration", 24*time.Hour, "longest lease this grantee may hold")
		flagSet.StringSliceVar(&scopes, "scope", nil, "allowed scope (repeatable)")
		flagSet.BoolVar(&autoApprove, "auto-approve", false, "issue without manual approval")
		return flagSet
	}
	return &cli.Command{
		Name:    "permit",
		Summary: "allow a grantee key to request leases",
		Flags:   flags,
		Examples: []cli.Example{
			{
				Description: "let a device hold 8-hour staging leases without approval",
				Command:     "keylease permit <grantee-key> --max-duration 8h --scope deploy:staging --auto-approve",
			},
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: keylease permit <grantee-key> [flags]")
			}
			granteeKey, err := identity.ParsePublicKey(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			id, err := loadOperatorIdentity(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := callContext()
			defer cancel()
			conn, err := dialDaemon(ctx, cfg, id)
			if err != nil {
				return err
			}
			defer conn.Close()

			message := lease.PermitMessage{
				GranteeKey:         granteeKey,
				MaxDurationSeconds: int64(maxDuration / time.Second),
				Scopes:             scopes,
				AutoApprove:        autoApprove,
			}
			if err := conn.Call(ctx, lease.PermitProtocol, message, nil); err != nil {
				return err
			}
			fmt.Printf("permission stored for %s\n", granteeKey)
			return nil
		},
	}
}
