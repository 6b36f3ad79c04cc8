// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"net/url"
	"strings"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/random"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// DefaultErrorEscalationThreshold is the number of consecutive stream
// errors after which health is reported as UNKNOWN_ERROR instead of
// TRANSIENT_DISCONNECT.
const DefaultErrorEscalationThreshold = 5

// Config is the bridge configuration file.
type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	AppService AppServiceConfig  `yaml:"appservice"`
	Mattermost MattermostConfig  `yaml:"mattermost"`
	Database   DatabaseConfig    `yaml:"database"`
	Bridge     BridgeConfig      `yaml:"bridge"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

type AppServiceConfig struct {
	// Address is where the homeserver reaches the bridge.
	Address  string `yaml:"address"`
	Hostname string `yaml:"hostname"`
	Port     uint16 `yaml:"port"`

	ID          string `yaml:"id"`
	BotUsername string `yaml:"bot_username"`
	ASToken     string `yaml:"as_token"`
	HSToken     string `yaml:"hs_token"`
}

type MattermostConfig struct {
	ServerURL string `yaml:"server_url"`
}

type DatabaseConfig struct {
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
}

type BridgeConfig struct {
	UsernameTemplate    string `yaml:"username_template"`
	DisplaynameTemplate string `yaml:"displayname_template"`

	// InitialConversationSync limits how many rooms the first sync creates.
	// -1 means no limit.
	InitialConversationSync    int  `yaml:"initial_conversation_sync"`
	// BackfillLimit is how many past messages a new room gets. 0 disables
	// backfill.
	BackfillLimit              int  `yaml:"backfill_limit"`
	ErrorSleep                 int  `yaml:"error_sleep"`
	MaxPollErrors              int  `yaml:"max_poll_errors"`
	ErrorEscalationThreshold   int  `yaml:"error_escalation_threshold"`
	TemporaryDisconnectNotices bool `yaml:"temporary_disconnect_notices"`
	DisableBridgeNotices       bool `yaml:"disable_bridge_notices"`

	LowQualityTag  string `yaml:"low_quality_tag"`
	LowQualityMute bool   `yaml:"low_quality_mute"`
	FederateRooms  bool   `yaml:"federate_rooms"`

	StatusEndpoint string `yaml:"status_endpoint"`

	// Permissions maps "*", a server name or a full user ID to "user" or
	// "admin".
	Permissions map[string]string `yaml:"permissions"`
	// DoublePuppetTokens maps Matrix users to access tokens used to act as
	// them for their own Mattermost messages.
	DoublePuppetTokens map[id.UserID]string `yaml:"double_puppet_tokens"`

	Provisioning ProvisioningConfig `yaml:"provisioning"`
}

type ProvisioningConfig struct {
	Prefix       string `yaml:"prefix"`
	SharedSecret string `yaml:"shared_secret"`
}

// Permission levels.
const (
	PermissionNone  = ""
	PermissionUser  = "user"
	PermissionAdmin = "admin"
)

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills defaults and validates the loaded values.
func (c *Config) PostProcess() error {
	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is not set")
	}
	if _, err := url.Parse(c.Homeserver.Address); err != nil || c.Homeserver.Address == "" {
		return fmt.Errorf("homeserver.address is not a valid URL")
	}
	if c.Mattermost.ServerURL == "" {
		return fmt.Errorf("mattermost.server_url is not set")
	}
	if c.Bridge.ErrorEscalationThreshold <= 0 {
		c.Bridge.ErrorEscalationThreshold = DefaultErrorEscalationThreshold
	}
	if c.Bridge.ErrorSleep <= 0 {
		c.Bridge.ErrorSleep = 5
	}
	if c.Bridge.Provisioning.Prefix == "" {
		c.Bridge.Provisioning.Prefix = "/_matrix/provision/v1"
	}
	c.Bridge.Provisioning.Prefix = strings.TrimSuffix(c.Bridge.Provisioning.Prefix, "/")
	return nil
}

// BotMXID returns the user ID of the bridge bot.
func (c *Config) BotMXID() id.UserID {
	return id.NewUserID(c.AppService.BotUsername, c.Homeserver.Domain)
}

// ErrorSleepDuration returns the base backoff between failed poll cycles.
func (c *Config) ErrorSleepDuration() time.Duration {
	return time.Duration(c.Bridge.ErrorSleep) * time.Second
}

// Permission returns the permission level of a Matrix user. The most
// specific entry wins.
func (c *Config) Permission(userID id.UserID) string {
	if level, ok := c.Bridge.Permissions[userID.String()]; ok {
		return level
	}
	if _, server, err := userID.Parse(); err == nil {
		if level, ok := c.Bridge.Permissions[server]; ok {
			return level
		}
	}
	return c.Bridge.Permissions["*"]
}

// IsAllowed reports whether the user may use the bridge.
func (c *Config) IsAllowed(userID id.UserID) bool {
	level := c.Permission(userID)
	return level == PermissionUser || level == PermissionAdmin
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")

	helper.Copy(up.Str, "appservice", "address")
	helper.Copy(up.Str, "appservice", "hostname")
	helper.Copy(up.Int, "appservice", "port")
	helper.Copy(up.Str, "appservice", "id")
	helper.Copy(up.Str, "appservice", "bot_username")
	helper.Copy(up.Str, "appservice", "as_token")
	helper.Copy(up.Str, "appservice", "hs_token")

	helper.Copy(up.Str, "mattermost", "server_url")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")

	helper.Copy(up.Str, "bridge", "username_template")
	helper.Copy(up.Str, "bridge", "displayname_template")
	helper.Copy(up.Int, "bridge", "initial_conversation_sync")
	helper.Copy(up.Int, "bridge", "backfill_limit")
	helper.Copy(up.Int, "bridge", "error_sleep")
	helper.Copy(up.Int, "bridge", "max_poll_errors")
	helper.Copy(up.Int, "bridge", "error_escalation_threshold")
	helper.Copy(up.Bool, "bridge", "temporary_disconnect_notices")
	helper.Copy(up.Bool, "bridge", "disable_bridge_notices")
	helper.Copy(up.Str|up.Null, "bridge", "low_quality_tag")
	helper.Copy(up.Bool, "bridge", "low_quality_mute")
	helper.Copy(up.Bool, "bridge", "federate_rooms")
	helper.Copy(up.Str|up.Null, "bridge", "status_endpoint")
	helper.Copy(up.Map, "bridge", "permissions")
	helper.Copy(up.Map, "bridge", "double_puppet_tokens")
	helper.Copy(up.Str, "bridge", "provisioning", "prefix")
	if secret, ok := helper.Get(up.Str, "bridge", "provisioning", "shared_secret"); !ok || secret == "generate" {
		helper.Set(up.Str, random.String(64), "bridge", "provisioning", "shared_secret")
	} else {
		helper.Copy(up.Str, "bridge", "provisioning", "shared_secret")
	}

	helper.Copy(up.Map, "logging")
}

// Upgrader returns the config upgrader that merges a user config into the
// current example config.
func Upgrader() up.BaseUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"appservice"},
			{"mattermost"},
			{"database"},
			{"bridge"},
			{"logging"},
		},
		Base: ExampleConfig,
	}
}

// LoadConfig upgrades the config file, saving the result when save is set,
// and parses it.
func LoadConfig(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
