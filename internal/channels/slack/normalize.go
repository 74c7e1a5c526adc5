package slack

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack/slackevents"

	"github.com/nextlevelbuilder/gateclaw/internal/bus"
)

// Lookup resolves data the message event does not carry. Either method may
// return "" when unknown.
type Lookup interface {
	ChannelName(channelID string) string
	ThreadAuthor(channelID, threadTS string) string
}

var userMentionRe = regexp.MustCompile(`<@([UW][A-Z0-9]+)(?:\|[^>]*)?>`)

// Normalize converts a message event. Edits, deletions, joins and bot
// posts are skipped; lookup may be nil.
func Normalize(ev *slackevents.MessageEvent, botUserID string, lookup Lookup) (bus.InboundMessage, bool) {
	if ev == nil || ev.User == "" || ev.BotID != "" || ev.User == botUserID {
		return bus.InboundMessage{}, false
	}
	switch ev.SubType {
	case "", "file_share", "thread_broadcast":
	default:
		return bus.InboundMessage{}, false
	}

	isGroup := ev.ChannelType != "im"
	metadata := map[string]string{
		"message_ts": ev.TimeStamp,
		"user_id":    ev.User,
	}

	s := &bus.MentionSignals{MentionedIDs: MentionedUsers(ev.Text)}
	if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
		metadata["thread_ts"] = ev.ThreadTimeStamp
		if lookup != nil {
			s.ReplyToAuthorID = lookup.ThreadAuthor(ev.Channel, ev.ThreadTimeStamp)
		}
	}
	if isGroup && lookup != nil {
		if name := lookup.ChannelName(ev.Channel); name != "" {
			metadata["channel_name"] = name
		}
	}

	return bus.InboundMessage{
		ID:        ev.TimeStamp,
		Channel:   bus.ChannelSlack,
		ChatID:    ev.Channel,
		SenderID:  ev.User,
		Text:      ev.Text,
		Timestamp: parseTS(ev.TimeStamp),
		IsGroup:   isGroup,
		Metadata:  metadata,
		Signals:   s,
	}, true
}

// MentionedUsers extracts user ids from "<@U123>" and "<@U123|name>" tokens.
// It returns nil when the text has none.
func MentionedUsers(text string) []string {
	matches := userMentionRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m[1])
	}
	return ids
}

// parseTS reads a Slack "1700000000.000100" timestamp.
func parseTS(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Now()
	}
	var micros int64
	if frac != "" {
		micros, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, micros*int64(time.Microsecond))
}
