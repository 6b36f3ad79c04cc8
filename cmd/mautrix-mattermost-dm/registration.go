// Copyright 2024-2026 Aiku AI

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aiku/mautrix-mattermost-dm/pkg/connector"
)

func newRegistrationCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "generate-registration",
		Short: "Generate the appservice registration and store its tokens in the config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := connector.LoadConfig(opts.configPath, false)
			if err != nil {
				return err
			}
			reg, err := cfg.GenerateRegistration()
			if err != nil {
				return err
			}
			if err = reg.Save(opts.registrationPath); err != nil {
				return fmt.Errorf("failed to save registration: %w", err)
			}
			if err = connector.SaveRegistrationTokens(opts.configPath, reg.AppToken, reg.ServerToken); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Registration written to %s\n", opts.registrationPath)
			return nil
		},
	}
}
