// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/keylease/keylease/cmd/keylease/cli"
	"github.com/keylease/keylease/lib/lease"
)

func newRequestCommand() *cli.Command {
	var configPath *string
	var duration time.Duration
	var scope string
	var out string
	flags := func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet("request", pflag.ContinueOnError)
		configPath = addConfigFlag(flagSet)
		flagSet.DurationVar(&duration, "duration", time.Hour, "requested lease lifetime")
		flagSet.StringVar(&scope, "scope", "", "requested scope (empty for unscoped)")
		flagSet.StringVar(&out, "out", "lease.token", "file the issued token is written to")
		return flagSet
	}
	return &cli.Command{
		Name:    "request",
		Summary: "request a lease from the grantor daemon",
		Flags:   flags,
		Examples: []cli.Example{
			{
				Description: "request a 4-hour staging lease",
				Command:     "keylease request --duration 4h --scope deploy:staging",
			},
		},
		Run: func(args []string) error {
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

			message := lease.RequestMessage{
				DurationSeconds: int64(duration / time.Second),
				Scope:           scope,
			}
			var reply lease.RequestReply
			if err := conn.Call(ctx, lease.RequestProtocol, message, &reply); err != nil {
				return err
			}

			if reply.Token != nil {
				if err := writeToken(out, reply.Token); err != nil {
					return err
				}
				data := reply.Token.Content
				fmt.Printf("lease %s issued, expires %s\n", data.ID(), data.ExpiryTime().Format(time.RFC3339))
				fmt.Printf("token written to %s\n", out)
				return nil
			}

			fmt.Printf("request %s is pending approval\n", reply.RequestID)
			fmt.Printf("collect it later with: keylease claim %s\n", reply.RequestID)
			return nil
		},
	}
}

func newClaimCommand() *cli.Command {
	var configPath *string
	var out string
	flags := func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet("claim", pflag.ContinueOnError)
		configPath = addConfigFlag(flagSet)
		flagSet.StringVar(&out, "out", "lease.token", "file the issued token is written to")
		return flagSet
	}
	return &cli.Command{
		Name:    "claim",
		Summary: "collect the token for an approved request",
		Flags:   flags,
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: keylease claim <request-id> [flags]")
			}
			requestID := args[0]

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

			var reply lease.ClaimReply
			if err := conn.Call(ctx, lease.ClaimProtocol, lease.ClaimMessage{RequestID: requestID}, &reply); err != nil {
				return err
			}

			switch reply.Status {
			case lease.RequestPending:
				fmt.Printf("request %s is still pending\n", requestID)
			case lease.RequestDenied:
				return fmt.Errorf("request %s was denied", requestID)
			case lease.RequestApproved:
				if reply.Token == nil {
					return fmt.Errorf("request %s was approved but its token is already claimed", requestID)
				}
				if err := writeToken(out, reply.Token); err != nil {
					return err
				}
				data := reply.Token.Content
				fmt.Printf("lease %s issued, expires %s\n", data.ID(), data.ExpiryTime().Format(time.RFC3339))
				fmt.Printf("token written to %s\n", out)
			}
			return nil
		},
	}
}
