// Package mtproto decodes messages from a Telegram user-account bridge.
// Entity offsets are resolved by the bridge, so frames carry entity text.
package mtproto

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/gateclaw/internal/admission"
	"github.com/nextlevelbuilder/gateclaw/internal/bus"
	"github.com/nextlevelbuilder/gateclaw/internal/channels"
	"github.com/nextlevelbuilder/gateclaw/internal/channels/bridge"
	"github.com/nextlevelbuilder/gateclaw/internal/config"
)

type frame struct {
	ID              json.Number `json:"id"`
	ChatID          json.Number `json:"chat_id"`
	ChatType        string      `json:"chat_type"` // "private", "group", "supergroup", "channel"
	ChatTitle       string      `json:"chat_title"`
	IsForum         bool        `json:"is_forum"`
	TopicID         int64       `json:"topic_id"`
	SenderID        json.Number `json:"sender_id"`
	SenderUsername  string      `json:"sender_username"`
	SenderName      string      `json:"sender_name"`
	Text            string      `json:"text"`
	Entities        []entity    `json:"entities"`
	ReplyToSenderID json.Number `json:"reply_to_sender_id"`
	Date            int64       `json:"date"`
	Out             bool        `json:"out"`
}

type entity struct {
	Type   string      `json:"type"`
	Text   string      `json:"text"`
	UserID json.Number `json:"user_id"`
}

// New creates a user-account Telegram channel.
func New(cfg config.TelegramMTProtoConfig, handler channels.Handler, onIdentity channels.IdentityFunc) (*bridge.Channel, error) {
	self := admission.BotIdentity{Username: strings.TrimPrefix(cfg.SelfUsername, "@")}
	if cfg.SelfID != "" {
		self.IDs = []string{cfg.SelfID}
	}
	return bridge.NewChannel(bus.ChannelTelegramMTProto,
		bridge.Config{Name: "telegram-mtproto", URL: cfg.BridgeURL, Token: cfg.BridgeToken},
		Decode, self, handler, onIdentity)
}

// Decode converts a message frame. Outgoing messages and broadcast
// channel posts are skipped.
func Decode(raw []byte) (bus.InboundMessage, bool, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return bus.InboundMessage{}, false, fmt.Errorf("decode mtproto frame: %w", err)
	}
	if f.ChatID == "" {
		return bus.InboundMessage{}, false, fmt.Errorf("mtproto frame without chat_id")
	}
	if f.Out || f.ChatType == "channel" {
		return bus.InboundMessage{}, false, nil
	}

	senderID := f.SenderID.String()
	if senderID != "" && f.SenderUsername != "" {
		senderID += "|" + f.SenderUsername
	}

	ts := time.Now()
	if f.Date > 0 {
		ts = time.Unix(f.Date, 0)
	}

	isGroup := f.ChatType == "group" || f.ChatType == "supergroup"
	metadata := map[string]string{
		"message_id": f.ID.String(),
		"user_id":    f.SenderID.String(),
		"username":   f.SenderUsername,
	}
	if isGroup && f.IsForum {
		topic := f.TopicID
		if topic == 0 {
			topic = 1 // General
		}
		metadata["topic_id"] = strconv.FormatInt(topic, 10)
	}

	s := &bus.MentionSignals{}
	for _, e := range f.Entities {
		switch e.Type {
		case admission.EntityMention, admission.EntityTextMention, admission.EntityBotCommand:
			s.Entities = append(s.Entities, bus.Entity{Type: e.Type, Text: e.Text, UserID: e.UserID.String()})
		}
	}
	// A reply whose target is the topic root is just a post in that topic.
	if r := f.ReplyToSenderID.String(); r != "" && !(f.IsForum && r == f.ChatID.String()) {
		s.ReplyToAuthorID = r
	}

	return bus.InboundMessage{
		ID:         f.ID.String(),
		Channel:    bus.ChannelTelegramMTProto,
		ChatID:     f.ChatID.String(),
		SenderID:   senderID,
		SenderName: f.SenderName,
		Text:       f.Text,
		Timestamp:  ts,
		IsGroup:    isGroup,
		GroupName:  f.ChatTitle,
		Metadata:   metadata,
		Signals:    s,
	}, true, nil
}
