// Copyright 2024-2026 Aiku AI

package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath       string
	registrationPath string
	noUpdate         bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "mautrix-mattermost-dm",
		Short:         "A Matrix-Mattermost direct message bridge",
		Long:          "mautrix-mattermost-dm bridges the Mattermost DMs and group DMs of logged-in Matrix users into Matrix rooms.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBridge(cmd.Context(), opts)
		},
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the config file")
	flags.StringVarP(&opts.registrationPath, "registration", "r", "registration.yaml", "path to the appservice registration file")
	flags.BoolVarP(&opts.noUpdate, "no-update", "n", false, "don't save the upgraded config to disk")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newRegistrationCmd(opts),
		newAccountsCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}
