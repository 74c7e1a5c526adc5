package admission

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/gateclaw/internal/bus"
	"github.com/nextlevelbuilder/gateclaw/internal/identity"
)

// MentionMethod names the signal that decided a mention.
type MentionMethod string

const (
	MethodNative  MentionMethod = "native"
	MethodRegex   MentionMethod = "regex"
	MethodReply   MentionMethod = "reply"
	MethodE164    MentionMethod = "e164"
	MethodCommand MentionMethod = "command"
	MethodText    MentionMethod = "text"
	MethodEntity  MentionMethod = "entity"
)

// MentionDetection is the outcome of mention detection.
// Method is empty when WasMentioned is false.
type MentionDetection struct {
	WasMentioned bool
	Method       MentionMethod
}

// BotIdentity is the bot's own identity on one platform.
type BotIdentity struct {
	IDs      []string // platform user ids: numeric id, U-id, snowflake, UUID, JID
	Username string   // without "@"
	Phone    string   // E.164, phone platforms only
}

// Matches reports whether a platform identifier refers to the bot.
// JIDs and phone numbers compare by digits.
func (b BotIdentity) Matches(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	bare := identity.StripJIDServer(id)
	for _, own := range b.IDs {
		if own == "" {
			continue
		}
		if id == own || (bare != "" && bare == identity.StripJIDServer(own)) {
			return true
		}
	}
	if b.Username != "" && strings.EqualFold(strings.TrimPrefix(id, "@"), b.Username) {
		return true
	}
	if b.Phone != "" && identity.LooksLikePhone(bare) && identity.SamePhone(bare, b.Phone) {
		return true
	}
	return false
}

// MentionInput is what detectors inspect.
type MentionInput struct {
	Text    string
	Signals bus.MentionSignals
}

// InputFromMessage extracts detector input from a normalized message.
func InputFromMessage(msg bus.InboundMessage) MentionInput {
	in := MentionInput{Text: msg.Text}
	if msg.Signals != nil {
		in.Signals = *msg.Signals
	}
	return in
}

// Detector is one method in a mention chain. decided=false passes to the
// next detector; decided=true ends the chain with res, which may be negative.
type Detector interface {
	Detect(in MentionInput) (res MentionDetection, decided bool)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(in MentionInput) (MentionDetection, bool)

func (f DetectorFunc) Detect(in MentionInput) (MentionDetection, bool) { return f(in) }

// MentionStrategy is the per-platform part of group gating: which detectors
// apply, in priority order, and which config keys name a group.
type MentionStrategy interface {
	Channel() bus.ChannelType
	Detectors() []Detector
	GroupKeys(msg bus.InboundMessage) []string
}

// DetectMention runs the strategy's chain; the first decided detector wins.
func DetectMention(s MentionStrategy, in MentionInput) MentionDetection {
	for _, d := range s.Detectors() {
		if res, ok := d.Detect(in); ok {
			if !res.WasMentioned {
				res.Method = ""
			}
			return res
		}
	}
	return MentionDetection{}
}

// --- shared detectors ---

// NativeDetector checks the platform's explicit mentions list. A non-empty
// list that does not name the bot decides "not mentioned".
func NativeDetector(bot BotIdentity) Detector {
	return DetectorFunc(func(in MentionInput) (MentionDetection, bool) {
		ids := in.Signals.MentionedIDs
		if len(ids) == 0 {
			return MentionDetection{}, false
		}
		for _, id := range ids {
			if bot.Matches(id) {
				return MentionDetection{WasMentioned: true, Method: MethodNative}, true
			}
		}
		return MentionDetection{}, true
	})
}

// PatternSet is a compiled, ordered list of operator mention patterns.
type PatternSet struct {
	res []*regexp.Regexp
}

// CompilePatterns compiles patterns case-insensitively. Invalid patterns are
// logged and skipped.
func CompilePatterns(channel string, patterns []string) *PatternSet {
	ps := &PatternSet{}
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			slog.Warn("mention: skipping invalid pattern", "channel", channel, "pattern", p, "error", err)
			continue
		}
		ps.res = append(ps.res, re)
	}
	return ps
}

// Len returns the number of usable patterns.
func (p *PatternSet) Len() int {
	if p == nil {
		return 0
	}
	return len(p.res)
}

// Match reports whether any pattern matches text.
func (p *PatternSet) Match(text string) bool {
	if p == nil || text == "" {
		return false
	}
	for _, re := range p.res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// RegexDetector matches operator patterns against the message text.
func RegexDetector(patterns *PatternSet) Detector {
	return DetectorFunc(func(in MentionInput) (MentionDetection, bool) {
		if patterns.Match(in.Text) {
			return MentionDetection{WasMentioned: true, Method: MethodRegex}, true
		}
		return MentionDetection{}, false
	})
}

// ReplyDetector fires when the quoted message was written by the bot.
func ReplyDetector(bot BotIdentity) Detector {
	return DetectorFunc(func(in MentionInput) (MentionDetection, bool) {
		s := in.Signals
		if (s.ReplyToAuthorID != "" && bot.Matches(s.ReplyToAuthorID)) ||
			(s.ReplyToAuthorPhone != "" && bot.Phone != "" && identity.SamePhone(s.ReplyToAuthorPhone, bot.Phone)) {
			return MentionDetection{WasMentioned: true, Method: MethodReply}, true
		}
		return MentionDetection{}, false
	})
}

// minPhoneDigits keeps short numbers from matching arbitrary digit runs.
const minPhoneDigits = 7

// E164Detector looks for the bot's phone digits anywhere in the
// digit-stripped text.
func E164Detector(bot BotIdentity) Detector {
	own := identity.Digits(bot.Phone)
	return DetectorFunc(func(in MentionInput) (MentionDetection, bool) {
		if len(own) < minPhoneDigits {
			return MentionDetection{}, false
		}
		if strings.Contains(identity.Digits(in.Text), own) {
			return MentionDetection{WasMentioned: true, Method: MethodE164}, true
		}
		return MentionDetection{}, false
	})
}

// TextDetector matches a plain "@username" in the text when no entity
// data was available.
func TextDetector(bot BotIdentity) Detector {
	return DetectorFunc(func(in MentionInput) (MentionDetection, bool) {
		if bot.Username == "" || !containsHandle(in.Text, bot.Username) {
			return MentionDetection{}, false
		}
		return MentionDetection{WasMentioned: true, Method: MethodText}, true
	})
}

// containsHandle finds "@name" case-insensitively, not followed by a
// username character.
func containsHandle(text, name string) bool {
	lower := strings.ToLower(text)
	handle := "@" + strings.ToLower(name)
	for i := 0; ; {
		idx := strings.Index(lower[i:], handle)
		if idx < 0 {
			return false
		}
		end := i + idx + len(handle)
		if end == len(lower) || !isHandleChar(lower[end]) {
			return true
		}
		i = end
	}
}

func isHandleChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
