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

func newRevokeCommand() *cli.Command {
	var configPath *string
	var fromToken string
	flags := func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet("revoke", pflag.ContinueOnError)
		configPath = addConfigFlag(flagSet)
		flagSet.StringVar(&fromToken, "token", "", "revoke the lease held in this token file")
		return flagSet
	}
	return &cli.Command{
		Name:    "revoke",
		Summary: "revoke an issued lease",
		Flags:   flags,
		Examples: []cli.Example{
			{Description: "revoke by lease ID", Command: "keylease revoke 4f1d0a9c2b7e83d15a6f09c4e2b71d38"},
			{Description: "revoke the lease in a token file", Command: "keylease revoke --token lease.token"},
		},
		Run: func(args []string) error {
			var leaseID string
			switch {
			case fromToken != "":
				token, err := readToken(fromToken)
				if err != nil {
					return err
				}
				data, err := token.VerifiedContent()
				if err != nil {
					return err
				}
				leaseID = data.ID()
			case len(args) == 1:
				leaseID = args[0]
			default:
				return fmt.Errorf("usage: keylease revoke <lease-id> | --token <file>")
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

			var reply lease.RevokeReply
			if err := conn.Call(ctx, lease.RevokeProtocol, lease.RevokeMessage{LeaseID: leaseID}, &reply); err != nil {
				return err
			}
			fmt.Printf("lease %s revoked (registry epoch %d)\n", leaseID, reply.Epoch)
			return nil
		},
	}
}

func newLeasesCommand() *cli.Command {
	var configPath *string
	flags := func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet("leases", pflag.ContinueOnError)
		configPath = addConfigFlag(flagSet)
		return flagSet
	}
	return &cli.Command{
		Name:    "leases",
		Summary: "show per-lease usage records",
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

			var reply lease.UsageReply
			if err := conn.Call(ctx, lease.UsageProtocol, struct{}{}, &reply); err != nil {
				return err
			}
			if len(reply.Records) == 0 {
				fmt.Println("no lease activity recorded")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "LEASE\tCONNECTS\tCALLS\tSTREAMS\tLAST SEEN")
			for _, record := range reply.Records {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n",
					record.LeaseID,
					record.Connects,
					record.Calls,
					record.Streams,
					time.Unix(record.LastSeen, 0).Format(time.RFC3339),
				)
			}
			return tw.Flush()
		},
	}
}
