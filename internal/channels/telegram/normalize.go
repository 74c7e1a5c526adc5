package telegram

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/gateclaw/internal/admission"
	"github.com/nextlevelbuilder/gateclaw/internal/bus"
)

// Normalize converts a Bot API message into an InboundMessage. It reports
// false for service messages, messages without a sender and the bot's own
// messages.
func Normalize(message *telego.Message, selfID int64) (bus.InboundMessage, bool) {
	if message == nil || message.From == nil || isServiceMessage(message) {
		return bus.InboundMessage{}, false
	}
	user := message.From
	if selfID != 0 && user.ID == selfID {
		return bus.InboundMessage{}, false
	}

	userID := strconv.FormatInt(user.ID, 10)
	senderID := userID
	if user.Username != "" {
		senderID = userID + "|" + user.Username
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"

	text := message.Text
	if message.Caption != "" {
		if text != "" {
			text += "\n"
		}
		text += message.Caption
	}

	metadata := map[string]string{
		"message_id": strconv.Itoa(message.MessageID),
		"user_id":    userID,
	}
	if user.Username != "" {
		metadata["username"] = user.Username
	}
	if user.FirstName != "" {
		metadata["first_name"] = user.FirstName
	}

	// Forum groups without a thread id are in the General topic.
	if isGroup && message.Chat.IsForum {
		threadID := message.MessageThreadID
		if threadID == 0 {
			threadID = telegramGeneralTopicID
		}
		metadata["topic_id"] = strconv.Itoa(threadID)
	}

	ts := time.Now()
	if message.Date > 0 {
		ts = time.Unix(message.Date, 0)
	}

	msg := bus.InboundMessage{
		ID:         metadata["message_id"],
		Channel:    bus.ChannelTelegram,
		ChatID:     strconv.FormatInt(message.Chat.ID, 10),
		SenderID:   senderID,
		SenderName: strings.TrimSpace(user.FirstName + " " + user.LastName),
		Text:       text,
		Timestamp:  ts,
		IsGroup:    isGroup,
		Metadata:   metadata,
		Signals:    signals(message),
	}
	if isGroup {
		msg.GroupName = message.Chat.Title
	}
	return msg, true
}

// signals collects entities from text and caption plus the reply author.
func signals(message *telego.Message) *bus.MentionSignals {
	s := &bus.MentionSignals{}
	s.Entities = append(s.Entities, entities(message.Text, message.Entities)...)
	s.Entities = append(s.Entities, entities(message.Caption, message.CaptionEntities)...)

	// Replies inside a forum topic point at the topic root; that is not a reply to the bot.
	if r := message.ReplyToMessage; r != nil && r.From != nil && !(message.IsTopicMessage && r.MessageID == message.MessageThreadID) {
		s.ReplyToAuthorID = strconv.FormatInt(r.From.ID, 10)
	}
	return s
}

func entities(text string, list []telego.MessageEntity) []bus.Entity {
	if text == "" || len(list) == 0 {
		return nil
	}
	units := utf16.Encode([]rune(text))
	var out []bus.Entity
	for _, e := range list {
		switch e.Type {
		case admission.EntityMention, admission.EntityBotCommand:
			out = append(out, bus.Entity{Type: e.Type, Text: utf16Slice(units, e.Offset, e.Length)})
		case admission.EntityTextMention:
			ent := bus.Entity{Type: e.Type, Text: utf16Slice(units, e.Offset, e.Length)}
			if e.User != nil {
				ent.UserID = strconv.FormatInt(e.User.ID, 10)
			}
			out = append(out, ent)
		}
	}
	return out
}

// utf16Slice cuts an entity span; Bot API offsets count UTF-16 code units.
func utf16Slice(units []uint16, offset, length int) string {
	if offset < 0 || length <= 0 || offset >= len(units) {
		return ""
	}
	end := min(offset+length, len(units))
	return string(utf16.Decode(units[offset:end]))
}

// isServiceMessage reports messages with no user content (member joins,
// title changes, pins and the like).
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}
