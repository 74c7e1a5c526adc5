package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Pairing: PairingConfig{
			Storage:        "~/.gateclaw/credentials",
			MaxPending:     3,
			TTL:            "1h",
			NoticeInterval: "1h",
			BotName:        "GateClaw",
		},
		Database: DatabaseConfig{
			Mode: "standalone",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "gateclaw",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("GATECLAW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("GATECLAW_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("GATECLAW_SLACK_BOT_TOKEN", &c.Channels.Slack.BotToken)
	envStr("GATECLAW_SLACK_APP_TOKEN", &c.Channels.Slack.AppToken)
	envStr("GATECLAW_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)
	envStr("GATECLAW_WHATSAPP_BRIDGE_TOKEN", &c.Channels.WhatsApp.BridgeToken)
	envStr("GATECLAW_SIGNAL_BRIDGE_URL", &c.Channels.Signal.BridgeURL)
	envStr("GATECLAW_SIGNAL_BRIDGE_TOKEN", &c.Channels.Signal.BridgeToken)
	envStr("GATECLAW_MTPROTO_BRIDGE_URL", &c.Channels.TelegramMTProto.BridgeURL)
	envStr("GATECLAW_MTPROTO_BRIDGE_TOKEN", &c.Channels.TelegramMTProto.BridgeToken)

	// Auto-enable channels if credentials are provided via env
	if os.Getenv("GATECLAW_TELEGRAM_TOKEN") != "" {
		c.Channels.Telegram.Enabled = true
	}
	if os.Getenv("GATECLAW_DISCORD_TOKEN") != "" {
		c.Channels.Discord.Enabled = true
	}
	if os.Getenv("GATECLAW_SLACK_BOT_TOKEN") != "" && c.Channels.Slack.AppToken != "" {
		c.Channels.Slack.Enabled = true
	}

	// Pairing store
	envStr("GATECLAW_PAIRING_DIR", &c.Pairing.Storage)
	if v := os.Getenv("GATECLAW_PAIRING_MAX_PENDING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pairing.MaxPending = n
		}
	}
	if v := os.Getenv("GATECLAW_PAIRING_ADMIN"); v != "" {
		// "<channel>:<chat_id>"
		if ch, chatID, ok := strings.Cut(v, ":"); ok && ch != "" && chatID != "" {
			c.Pairing.Admin = &AdminTarget{Channel: ch, ChatID: chatID}
		}
	}

	// Database
	envStr("GATECLAW_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("GATECLAW_MODE", &c.Database.Mode)

	// Telemetry
	envStr("GATECLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("GATECLAW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("GATECLAW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("GATECLAW_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("GATECLAW_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	// Logging
	envStr("GATECLAW_LOG_LEVEL", &c.Log.Level)
	envStr("GATECLAW_LOG_FORMAT", &c.Log.Format)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file. Secrets are stripped first so
// tokens supplied through env never persist in config.json.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	cp := &Config{
		Channels:  cfg.Channels,
		Pairing:   cfg.Pairing,
		Database:  cfg.Database,
		Telemetry: cfg.Telemetry,
		Log:       cfg.Log,
	}
	cfg.mu.RUnlock()
	cp.StripSecrets()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// StripSecrets zeros out all secret fields in the config.
func (c *Config) StripSecrets() {
	c.Channels.Telegram.Token = ""
	c.Channels.Discord.Token = ""
	c.Channels.Slack.BotToken = ""
	c.Channels.Slack.AppToken = ""
	c.Channels.WhatsApp.BridgeToken = ""
	c.Channels.Signal.BridgeToken = ""
	c.Channels.TelegramMTProto.BridgeToken = ""
	c.Database.PostgresDSN = ""
}

// PairingDir returns the expanded pairing store directory.
func (c *Config) PairingDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Pairing.Storage)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
