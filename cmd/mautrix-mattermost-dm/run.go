// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aiku/mautrix-mattermost-dm/pkg/connector"
	"github.com/aiku/mautrix-mattermost-dm/pkg/database"
	"github.com/aiku/mautrix-mattermost-dm/pkg/portal"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bridge (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBridge(cmd.Context(), opts)
		},
	}
}

func runBridge(ctx context.Context, opts *rootOptions) error {
	cfg, err := connector.LoadConfig(opts.configPath, !opts.noUpdate)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting mautrix-mattermost-dm")

	db, err := database.New(cfg.Database.Type, cfg.Database.URI)
	if err != nil {
		return err
	}
	defer db.Close()
	if err = db.Migrate(ctx); err != nil {
		return err
	}

	namer, err := portal.NewGhostNamer(cfg.Bridge.UsernameTemplate, cfg.Bridge.DisplaynameTemplate, cfg.Homeserver.Domain)
	if err != nil {
		return err
	}
	as, err := cfg.NewAppService(*log)
	if err != nil {
		return err
	}
	tr := portal.New(as, db, namer, portal.Options{
		BridgeID:      cfg.AppService.ID,
		ServerURL:     cfg.Mattermost.ServerURL,
		FederateRooms: cfg.Bridge.FederateRooms,
	}, *log)

	var sink connector.StateSink
	if cfg.Bridge.StatusEndpoint != "" {
		sink = &connector.HTTPStateSink{Endpoint: cfg.Bridge.StatusEndpoint, Token: cfg.AppService.ASToken}
	}
	bridge := connector.NewBridge(cfg, db, tr, sink, *log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiErr := make(chan error, 1)
	go func() {
		apiErr <- connector.NewAPI(bridge, as).ListenAndServe(ctx)
	}()

	autoLogin, err := connector.LoadAutoLoginConfig()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read auto-login settings")
	} else {
		bridge.AutoLogin(ctx, autoLogin)
	}
	for connect := range bridge.InitAllAccounts(ctx) {
		go connect(ctx)
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err = <-apiErr:
		if err != nil {
			log.Err(err).Msg("Bridge API failed")
		}
	}
	bridge.StopAll(context.WithoutCancel(ctx))
	return err
}
