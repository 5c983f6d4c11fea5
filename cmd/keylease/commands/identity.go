// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/keylease/keylease/cmd/keylease/cli"
	"github.com/keylease/keylease/lib/identity"
)

func newIdentityCommand() *cli.Command {
	return &cli.Command{
		Name:    "identity",
		Summary: "manage the operator identity key",
		Subcommands: []*cli.Command{
			newIdentityInitCommand(),
			newIdentityShowCommand(),
		},
	}
}

func newIdentityInitCommand() *cli.Command {
	var configPath *string
	var force bool
	flags := func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet("init", pflag.ContinueOnError)
		configPath = addConfigFlag(flagSet)
		flagSet.BoolVar(&force, "force", false, "replace an existing key file")
		return flagSet
	}
	return &cli.Command{
		Name:    "init",
		Summary: "generate a new operator key, sealed with a passphrase",
		Flags:   flags,
		Examples: []cli.Example{
			{Description: "create the operator key", Command: "keylease identity init"},
		},
		Run: func(args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.EnsurePaths(); err != nil {
				return err
			}

			path := filepath.Join(cfg.StateDir, operatorKeyFile)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to replace it", path)
			}

			passphrase, err := promptPassphrase("New passphrase")
			if err != nil {
				return err
			}
			confirm, err := promptPassphrase("Confirm passphrase")
			if err != nil {
				return err
			}
			if passphrase != confirm {
				return fmt.Errorf("passphrases do not match")
			}
			if passphrase == "" {
				return fmt.Errorf("empty passphrase refused")
			}

			id, err := identity.Generate()
			if err != nil {
				return err
			}
			if err := identity.WriteSealed(path, id, passphrase); err != nil {
				return err
			}

			fmt.Printf("operator key written to %s\n", path)
			fmt.Printf("public key: %s\n", id.PublicKey())
			fmt.Printf("add it to admin_keys in your config to authorize admin operations\n")
			return nil
		},
	}
}

func newIdentityShowCommand() *cli.Command {
	var configPath *string
	flags := func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet("show", pflag.ContinueOnError)
		configPath = addConfigFlag(flagSet)
		return flagSet
	}
	return &cli.Command{
		Name:    "show",
		Summary: "print the operator public key",
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
			fmt.Println(id.PublicKey())
			return nil
		},
	}
}
