package config

import "time"

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Telegram        TelegramConfig        `json:"telegram"`
	TelegramMTProto TelegramMTProtoConfig `json:"telegram_mtproto"`
	Discord         DiscordConfig         `json:"discord"`
	Slack           SlackConfig           `json:"slack"`
	WhatsApp        WhatsAppConfig        `json:"whatsapp"`
	Signal          SignalConfig          `json:"signal"`
}

// GroupConfig is one entry of a channel's "groups" map, keyed by group id or "*".
type GroupConfig struct {
	Mode           string              `json:"mode,omitempty"`            // "open", "listen", "mention-only", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // deprecated: true = mention-only, false = open
	AllowedUsers   FlexibleStringSlice `json:"allowed_users,omitempty"`   // sender allowlist scoped to this group
}

// AdmissionConfig is the access-control and group-gating surface shared by every channel.
type AdmissionConfig struct {
	DMPolicy             string                 `json:"dm_policy,omitempty"`               // "pairing" (default), "allowlist", "open", "disabled"
	AllowFrom            FlexibleStringSlice    `json:"allow_from,omitempty"`              // static DM allowlist ("id", "@username", "id|username", "*")
	Groups               map[string]GroupConfig `json:"groups,omitempty"`                  // per-group modes; empty = every group allowed
	GroupMode            string                 `json:"group_mode,omitempty"`              // fallback mode when no group entry resolves (default "mention-only")
	RequireMention       *bool                  `json:"require_mention,omitempty"`         // legacy fallback; ignored when group_mode is set
	MentionPatterns      []string               `json:"mention_patterns,omitempty"`        // extra case-insensitive regexes that count as a mention
	GroupDebounceSec     *float64               `json:"group_debounce_sec,omitempty"`      // quiet period before a group batch flushes (default 5, 0 = no batching)
	GroupPollIntervalMin *float64               `json:"group_poll_interval_min,omitempty"` // deprecated minutes spelling of group_debounce_sec
	InstantGroups        FlexibleStringSlice    `json:"instant_groups,omitempty"`          // chat ids that never batch
	SelfChatMode         bool                   `json:"self_chat_mode,omitempty"`          // only the bot's own account may talk to it
}

// DefaultGroupDebounce is used when neither debounce setting is configured.
const DefaultGroupDebounce = 5 * time.Second

// FallbackGroupMode returns the mode applied when no group entry resolves.
// group_mode wins, then legacy require_mention, then mention-only.
func (a AdmissionConfig) FallbackGroupMode() string {
	if a.GroupMode != "" {
		return a.GroupMode
	}
	if a.RequireMention != nil && !*a.RequireMention {
		return "open"
	}
	return "mention-only"
}

// GroupDebounce returns the configured group quiet period.
func (a AdmissionConfig) GroupDebounce() time.Duration {
	switch {
	case a.GroupDebounceSec != nil:
		if *a.GroupDebounceSec <= 0 {
			return 0
		}
		return time.Duration(*a.GroupDebounceSec * float64(time.Second))
	case a.GroupPollIntervalMin != nil:
		if *a.GroupPollIntervalMin <= 0 {
			return 0
		}
		return time.Duration(*a.GroupPollIntervalMin * float64(time.Minute))
	}
	return DefaultGroupDebounce
}

// EffectiveDMPolicy returns the DM policy with the "pairing" default applied.
func (a AdmissionConfig) EffectiveDMPolicy() string {
	if a.DMPolicy == "" {
		return "pairing"
	}
	return a.DMPolicy
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	Proxy   string `json:"proxy,omitempty"`
	AdmissionConfig
}

// TelegramMTProtoConfig connects to a user-account bridge speaking the gateclaw frame protocol.
type TelegramMTProtoConfig struct {
	Enabled      bool   `json:"enabled"`
	BridgeURL    string `json:"bridge_url"`
	BridgeToken  string `json:"bridge_token,omitempty"`
	SelfID       string `json:"self_id,omitempty"`       // numeric user id of the logged-in account
	SelfUsername string `json:"self_username,omitempty"` // without "@"
	AdmissionConfig
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	AdmissionConfig
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
	AdmissionConfig
}

type WhatsAppConfig struct {
	Enabled     bool   `json:"enabled"`
	BridgeURL   string `json:"bridge_url"`
	BridgeToken string `json:"bridge_token,omitempty"`
	SelfPhone   string `json:"self_phone,omitempty"` // E.164 of the linked account; enables phone mention/reply matching
	AdmissionConfig
}

type SignalConfig struct {
	Enabled     bool   `json:"enabled"`
	BridgeURL   string `json:"bridge_url"`
	BridgeToken string `json:"bridge_token,omitempty"`
	Account     string `json:"account,omitempty"`      // E.164 number of the registered account
	AccountUUID string `json:"account_uuid,omitempty"` // ACI of the registered account
	AdmissionConfig
}

// Admission returns the admission settings for a channel name, or false if unknown.
func (c ChannelsConfig) Admission(channel string) (AdmissionConfig, bool) {
	switch channel {
	case "telegram":
		return c.Telegram.AdmissionConfig, true
	case "telegram-mtproto":
		return c.TelegramMTProto.AdmissionConfig, true
	case "discord":
		return c.Discord.AdmissionConfig, true
	case "slack":
		return c.Slack.AdmissionConfig, true
	case "whatsapp":
		return c.WhatsApp.AdmissionConfig, true
	case "signal":
		return c.Signal.AdmissionConfig, true
	}
	return AdmissionConfig{}, false
}
