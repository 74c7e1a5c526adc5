package admission

import (
	"strings"

	"github.com/nextlevelbuilder/gateclaw/internal/bus"
	"github.com/nextlevelbuilder/gateclaw/internal/identity"
)

// Telegram entity types as delivered by the Bot API and MTProto bridges.
const (
	EntityMention     = "mention"      // "@username"
	EntityTextMention = "text_mention" // user without username, carries UserID
	EntityBotCommand  = "bot_command"  // "/cmd" or "/cmd@botname"
)

// TelegramEntityDetector inspects structured entities: a text_mention of the
// bot is native, an "@bot" entity is entity, "/cmd@bot" is command.
// Entities that only address other users decide "not mentioned".
func TelegramEntityDetector(bot BotIdentity) Detector {
	return DetectorFunc(func(in MentionInput) (MentionDetection, bool) {
		ents := in.Signals.Entities
		if len(ents) == 0 {
			return MentionDetection{}, false
		}
		var other bool
		var best MentionDetection
		for _, e := range ents {
			switch e.Type {
			case EntityTextMention:
				if bot.Matches(e.UserID) {
					return MentionDetection{WasMentioned: true, Method: MethodNative}, true
				}
				other = true
			case EntityMention:
				if bot.Username != "" && strings.EqualFold(strings.TrimPrefix(e.Text, "@"), bot.Username) {
					if !best.WasMentioned {
						best = MentionDetection{WasMentioned: true, Method: MethodEntity}
					}
				} else {
					other = true
				}
			case EntityBotCommand:
				_, target, ok := strings.Cut(e.Text, "@")
				if ok && bot.Username != "" && strings.EqualFold(target, bot.Username) && !best.WasMentioned {
					best = MentionDetection{WasMentioned: true, Method: MethodCommand}
				}
			}
		}
		if best.WasMentioned {
			return best, true
		}
		if other {
			return MentionDetection{}, true
		}
		return MentionDetection{}, false
	})
}

// chainStrategy is a MentionStrategy built from a fixed detector list.
type chainStrategy struct {
	channel   bus.ChannelType
	detectors []Detector
	keys      func(msg bus.InboundMessage) []string
}

func (s *chainStrategy) Channel() bus.ChannelType { return s.channel }
func (s *chainStrategy) Detectors() []Detector    { return s.detectors }
func (s *chainStrategy) GroupKeys(msg bus.InboundMessage) []string {
	return compactKeys(s.keys(msg))
}

// NewStrategy returns the mention strategy for a platform. Unknown channels
// get native, regex and reply detection keyed by chat id.
func NewStrategy(channel bus.ChannelType, bot BotIdentity, patterns *PatternSet) MentionStrategy {
	native, regex, reply := NativeDetector(bot), RegexDetector(patterns), ReplyDetector(bot)

	switch channel {
	case bus.ChannelTelegram, bus.ChannelTelegramMTProto:
		return &chainStrategy{
			channel:   channel,
			detectors: []Detector{native, TelegramEntityDetector(bot), regex, reply, TextDetector(bot)},
			keys:      telegramKeys,
		}
	case bus.ChannelDiscord:
		return &chainStrategy{
			channel:   channel,
			detectors: []Detector{native, regex, reply},
			keys: func(msg bus.InboundMessage) []string {
				return []string{msg.ChatID, msg.Metadata["guild_id"]}
			},
		}
	case bus.ChannelSlack:
		return &chainStrategy{
			channel:   channel,
			detectors: []Detector{native, regex, reply},
			keys: func(msg bus.InboundMessage) []string {
				keys := []string{msg.ChatID}
				if name := msg.Metadata["channel_name"]; name != "" {
					keys = append(keys, "#"+strings.TrimPrefix(name, "#"))
				}
				return keys
			},
		}
	case bus.ChannelWhatsApp:
		return &chainStrategy{
			channel:   channel,
			detectors: []Detector{native, regex, reply, E164Detector(bot)},
			keys: func(msg bus.InboundMessage) []string {
				return []string{msg.ChatID, identity.StripJIDServer(msg.ChatID)}
			},
		}
	case bus.ChannelSignal:
		return &chainStrategy{
			channel:   channel,
			detectors: []Detector{native, regex, reply, E164Detector(bot)},
			keys: func(msg bus.InboundMessage) []string {
				return []string{msg.ChatID, "group:" + msg.ChatID}
			},
		}
	}
	return &chainStrategy{
		channel:   channel,
		detectors: []Detector{native, regex, reply},
		keys:      func(msg bus.InboundMessage) []string { return []string{msg.ChatID} },
	}
}

// telegramKeys puts a forum topic ("<chat>:topic:<id>") ahead of the chat id.
func telegramKeys(msg bus.InboundMessage) []string {
	if topic := msg.Metadata["topic_id"]; topic != "" {
		return []string{msg.ChatID + ":topic:" + topic, msg.ChatID}
	}
	return []string{msg.ChatID}
}

// compactKeys drops empty and duplicate keys, keeping order.
func compactKeys(keys []string) []string {
	out := keys[:0:0]
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
