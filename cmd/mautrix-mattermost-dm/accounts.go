// Copyright 2024-2026 Aiku AI

package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/mautrix-mattermost-dm/pkg/connector"
	"github.com/aiku/mautrix-mattermost-dm/pkg/database"
)

func newAccountsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect bridged accounts",
	}
	cmd.AddCommand(newAccountsListCmd(opts))
	return cmd
}

func newAccountsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored accounts and their login state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := connector.LoadConfig(opts.configPath, false)
			if err != nil {
				return err
			}
			db, err := database.New(cfg.Database.Type, cfg.Database.URI)
			if err != nil {
				return err
			}
			defer db.Close()
			if err = db.Migrate(cmd.Context()); err != nil {
				return err
			}

			bridge := connector.NewBridge(cfg, db, nil, nil, zerolog.Nop())
			lines, err := bridge.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			for _, line := range lines {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}
