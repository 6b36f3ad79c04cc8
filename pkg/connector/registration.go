// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"regexp"

	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"maunium.net/go/mautrix/appservice"

	"github.com/aiku/mautrix-mattermost-dm/pkg/portal"
)

// GenerateRegistration builds an appservice registration with fresh tokens
// and stores the tokens in the config. Ghosts and the bot are exclusive to
// the bridge.
func (c *Config) GenerateRegistration() (*appservice.Registration, error) {
	namer, err := portal.NewGhostNamer(c.Bridge.UsernameTemplate, c.Bridge.DisplaynameTemplate, c.Homeserver.Domain)
	if err != nil {
		return nil, err
	}
	reg := appservice.CreateRegistration()
	reg.ID = c.AppService.ID
	reg.URL = c.AppService.Address
	reg.SenderLocalpart = c.AppService.BotUsername
	rateLimited := false
	reg.RateLimited = &rateLimited
	reg.SoruEphemeralEvents = true
	reg.EphemeralEvents = true
	reg.Namespaces.UserIDs.Register(namer.GhostRegex(), true)
	botRegex := regexp.MustCompile(fmt.Sprintf("^%s$", regexp.QuoteMeta(c.BotMXID().String())))
	reg.Namespaces.UserIDs.Register(botRegex, true)

	c.AppService.ASToken = reg.AppToken
	c.AppService.HSToken = reg.ServerToken
	return reg, nil
}

// SaveRegistrationTokens writes the appservice tokens into the config file.
func SaveRegistrationTokens(path, asToken, hsToken string) error {
	_, _, err := up.Do(path, true, Upgrader(), up.SimpleUpgrader(func(helper up.Helper) {
		helper.Set(up.Str, asToken, "appservice", "as_token")
		helper.Set(up.Str, hsToken, "appservice", "hs_token")
	}))
	if err != nil {
		return fmt.Errorf("failed to save registration tokens: %w", err)
	}
	return nil
}

// NewAppService creates the appservice the bridge acts through, with the
// tokens and bot of the config.
func (c *Config) NewAppService(log zerolog.Logger) (*appservice.AppService, error) {
	as, err := appservice.CreateFull(appservice.CreateOpts{
		Registration: &appservice.Registration{
			ID:                  c.AppService.ID,
			URL:                 c.AppService.Address,
			AppToken:            c.AppService.ASToken,
			ServerToken:         c.AppService.HSToken,
			SenderLocalpart:     c.AppService.BotUsername,
			EphemeralEvents:     true,
			SoruEphemeralEvents: true,
		},
		HomeserverDomain: c.Homeserver.Domain,
		HomeserverURL:    c.Homeserver.Address,
		HostConfig: appservice.HostConfig{
			Hostname: c.AppService.Hostname,
			Port:     c.AppService.Port,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create appservice: %w", err)
	}
	as.Log = log.With().Str("component", "appservice").Logger()
	return as, nil
}
