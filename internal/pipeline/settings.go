package pipeline

import (
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/gateclaw/internal/admission"
	"github.com/nextlevelbuilder/gateclaw/internal/bus"
	"github.com/nextlevelbuilder/gateclaw/internal/config"
)

// ChannelSettings is the resolved admission configuration of one channel.
type ChannelSettings struct {
	Channel  bus.ChannelType
	Bot      admission.BotIdentity
	Patterns *admission.PatternSet
	Strategy admission.MentionStrategy

	Groups        admission.GroupsConfig
	Fallback      admission.GroupMode
	Debounce      time.Duration
	InstantGroups map[string]bool

	Access admission.AccessPolicy
}

// debounceFor returns 0 for instant groups, else the channel debounce.
func (s *ChannelSettings) debounceFor(chatID string) time.Duration {
	if s.InstantGroups[chatID] || s.InstantGroups[string(s.Channel)+":"+chatID] {
		return 0
	}
	return s.Debounce
}

// SettingsFromConfig resolves a channel's config section. Invalid modes and
// policies are logged and replaced by their defaults.
func SettingsFromConfig(channel bus.ChannelType, ac config.AdmissionConfig, bot admission.BotIdentity) ChannelSettings {
	ch := string(channel)

	fallback, err := admission.ParseGroupMode(ac.FallbackGroupMode())
	if err != nil {
		slog.Warn("config: invalid group_mode, using mention-only", "channel", ch, "error", err)
		fallback = admission.GroupModeMentionOnly
	}

	policy, err := admission.ParseDMPolicy(ac.DMPolicy)
	if err != nil {
		slog.Warn("config: invalid dm_policy, using pairing", "channel", ch, "error", err)
		policy = admission.DMPolicyPairing
	}

	groups := make(admission.GroupsConfig, len(ac.Groups))
	for key, g := range ac.Groups {
		entry := admission.GroupModeConfig{
			RequireMention: g.RequireMention,
			AllowedUsers:   []string(g.AllowedUsers),
		}
		if g.Mode != "" {
			mode, err := admission.ParseGroupMode(g.Mode)
			if err != nil {
				slog.Warn("config: invalid group mode ignored", "channel", ch, "group", key, "error", err)
			} else {
				entry.Mode = mode
			}
		}
		groups[key] = entry
	}

	instant := make(map[string]bool, len(ac.InstantGroups))
	for _, id := range ac.InstantGroups {
		instant[id] = true
	}

	patterns := admission.CompilePatterns(ch, ac.MentionPatterns)

	var selfIDs []string
	selfIDs = append(selfIDs, bot.IDs...)
	if bot.Phone != "" {
		selfIDs = append(selfIDs, bot.Phone)
	}

	return ChannelSettings{
		Channel:       channel,
		Bot:           bot,
		Patterns:      patterns,
		Strategy:      admission.NewStrategy(channel, bot, patterns),
		Groups:        groups,
		Fallback:      fallback,
		Debounce:      ac.GroupDebounce(),
		InstantGroups: instant,
		Access: admission.AccessPolicy{
			DMPolicy:     policy,
			AllowFrom:    []string(ac.AllowFrom),
			SelfIDs:      selfIDs,
			SelfChatOnly: ac.SelfChatMode,
		},
	}
}

// withBot returns a copy bound to a newly learned bot identity.
func (s ChannelSettings) withBot(bot admission.BotIdentity) ChannelSettings {
	s.Bot = bot
	s.Strategy = admission.NewStrategy(s.Channel, bot, s.Patterns)
	selfIDs := append([]string(nil), bot.IDs...)
	if bot.Phone != "" {
		selfIDs = append(selfIDs, bot.Phone)
	}
	s.Access.SelfIDs = selfIDs
	return s
}
