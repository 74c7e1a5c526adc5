package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the gateclaw admission gateway.
type Config struct {
	Channels  ChannelsConfig  `json:"channels"`
	Pairing   PairingConfig   `json:"pairing"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Log       LogConfig       `json:"log,omitempty"`
	mu        sync.RWMutex
}

// PairingConfig configures the DM pairing store and its notices.
type PairingConfig struct {
	Storage        string       `json:"storage,omitempty"`         // directory for per-channel pairing JSON files (default ~/.gateclaw/credentials)
	MaxPending     int          `json:"max_pending,omitempty"`     // max pending requests per channel (default 3)
	TTL            string       `json:"ttl,omitempty"`             // pending request lifetime, Go duration (default "1h")
	NoticeInterval string       `json:"notice_interval,omitempty"` // min gap between repeated notices to one user (default "1h")
	Watch          *bool        `json:"watch,omitempty"`           // reload store files changed by another process (default true)
	Admin          *AdminTarget `json:"admin,omitempty"`           // where to send "new pairing request" notifications
	BotName        string       `json:"bot_name,omitempty"`        // name shown in pairing notices (default "GateClaw")
}

// AdminTarget addresses a chat that receives pairing codes for approval.
type AdminTarget struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
}

// DatabaseConfig selects the pairing store backend.
// PostgresDSN is NEVER read from config.json (secret), only from env GATECLAW_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"` // "standalone" (default, JSON files) or "managed" (Postgres)
}

// IsManagedMode returns true when the pairing store lives in Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// TelemetryConfig configures OpenTelemetry export for admission traces.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "gateclaw"
	Headers     map[string]string `json:"headers,omitempty"`
}

// LogConfig configures the slog default handler.
type LogConfig struct {
	Level  string `json:"level,omitempty"`  // "debug", "info" (default), "warn", "error"
	Format string `json:"format,omitempty"` // "text" (default) or "json"
}

// PairingTTL returns the parsed pending-request lifetime.
func (p PairingConfig) PairingTTL() time.Duration {
	return parseDurationOr(p.TTL, time.Hour)
}

// NoticeWindow returns the parsed notice throttle interval.
func (p PairingConfig) NoticeWindow() time.Duration {
	return parseDurationOr(p.NoticeInterval, time.Hour)
}

// WatchEnabled reports whether the file store should watch for external writes.
func (p PairingConfig) WatchEnabled() bool {
	return p.Watch == nil || *p.Watch
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Channels = src.Channels
	c.Pairing = src.Pairing
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.Log = src.Log
}
