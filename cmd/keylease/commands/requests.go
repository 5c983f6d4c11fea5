// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/keylease/keylease/cmd/keylease/cli"
	"github.com/keylease/keylease/lib/lease"
)

func newPendingCommand() *cli.Command {
	var configPath *string
	flags := func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet("pending", pflag.ContinueOnError)
		configPath = addConfigFlag(flagSet)
		return flagSet
	}
	return &cli.Command{
		Name:    "pending",
		Summary: "list lease requests awaiting approval",
		Flags:   flags,
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

			var reply lease.PendingReply
			if err := conn.Call(ctx, lease.PendingProtocol, struct{}{}, &reply); err != nil {
				return err
			}
			if len(reply.Requests) == 0 {
				fmt.Println("no pending requests")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "REQUEST\tGRANTEE\tDURATION\tSCOPE\tCREATED")
			for _, request := range reply.Requests {
				scope := request.Scope
				if scope == "" {
					scope = "(unscoped)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					request.ID(),
					request.GranteeKey,
					request.Duration,
					scope,
					time.Unix(request.CreatedAt, 0).Format(time.RFC3339),
				)
			}
			return tw.Flush()
		},
	}
}

func newApproveCommand() *cli.Command {
	var configPath *string
	flags := func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet("approve", pflag.ContinueOnError)
		configPath = addConfigFlag(flagSet)
		return flagSet
	}
	return &cli.Command{
		Name:    "approve",
		Summary: "approve a pending lease request",
		Flags:   flags,
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: keylease approve <request-id>")
			}
			return resolveRequest(*configPath, lease.ApproveProtocol, args[0])
		},
	}
}

func newDenyCommand() *cli.Command {
	var configPath *string
	flags := func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet("deny", pflag.ContinueOnError)
		configPath = addConfigFlag(flagSet)
		return flagSet
	}
	return &cli.Command{
		Name:    "deny",
		Summary: "deny a pending lease request",
		Flags:   flags,
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: keylease deny <request-id>")
			}
			return resolveRequest(*configPath, lease.DenyProtocol, args[0])
		},
	}
}

func resolveRequest(configPath, protocol, requestID string) error {
	cfg, err := loadConfig(configPath)
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

	message := lease.ResolveMessage{RequestID: requestID}
	if protocol == lease.ApproveProtocol {
		var reply lease.ApproveReply
		if err := conn.Call(ctx, protocol, message, &reply); err != nil {
			return err
		}
		data := reply.Token.Content
		fmt.Printf("request %s approved; lease %s expires %s\n",
			requestID, data.ID(), data.ExpiryTime().Format(time.RFC3339))
		fmt.Printf("the grantee collects it with: keylease claim %s\n", requestID)
		return nil
	}

	if err := conn.Call(ctx, protocol, message, nil); err != nil {
		return err
	}
	fmt.Printf("request %s denied\n", requestID)
	return nil
}
