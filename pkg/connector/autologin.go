// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

// AutoLoginConfig logs an account in at startup from the environment or a
// .env file.
type AutoLoginConfig struct {
	MXID     string `env:"MATTERMOST_AUTO_LOGIN_MXID"`
	Token    string `env:"MATTERMOST_AUTO_LOGIN_TOKEN"`
	Username string `env:"MATTERMOST_AUTO_LOGIN_USERNAME"`
	Password string `env:"MATTERMOST_AUTO_LOGIN_PASSWORD"`
}

// LoadAutoLoginConfig reads the auto-login settings. A missing .env file is
// not an error.
func LoadAutoLoginConfig() (*AutoLoginConfig, error) {
	_ = godotenv.Load()
	var cfg AutoLoginConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Enabled reports whether an account and a credential source are set.
func (c *AutoLoginConfig) Enabled() bool {
	return c.MXID != "" && (c.Token != "" || (c.Username != "" && c.Password != ""))
}

// AutoLogin logs the configured account in unless it already has stored
// credentials.
func (b *Bridge) AutoLogin(ctx context.Context, cfg *AutoLoginConfig) {
	if cfg == nil || !cfg.Enabled() {
		return
	}
	log := b.Log.With().Str("user_id", cfg.MXID).Logger()
	sess, err := b.GetSession(ctx, id.UserID(cfg.MXID))
	if err != nil {
		log.Err(err).Msg("Auto-login: failed to get session")
		return
	}
	if !sess.storedCredentials().IsZero() {
		log.Debug().Msg("Account already has a login, skipping auto-login")
		return
	}

	creds := remote.Credentials{AuthToken: cfg.Token}
	if creds.AuthToken == "" {
		creds, _, err = b.PasswordLogin(ctx, b.Config.Mattermost.ServerURL, cfg.Username, cfg.Password)
		if err != nil {
			log.Err(err).Msg("Auto-login: password login failed")
			return
		}
	}
	if err = sess.ReconnectWithCredentials(ctx, creds); err != nil {
		log.Err(err).Msg("Auto-login failed")
		return
	}
	log.Info().Str("mm_user_id", sess.GetRemoteID()).Msg("Auto-login complete")
}
