package bus

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ChannelType identifies the chat platform an inbound message came from.
type ChannelType string

const (
	ChannelTelegram        ChannelType = "telegram"
	ChannelTelegramMTProto ChannelType = "telegram-mtproto"
	ChannelDiscord         ChannelType = "discord"
	ChannelSlack           ChannelType = "slack"
	ChannelWhatsApp        ChannelType = "whatsapp"
	ChannelSignal          ChannelType = "signal"
)

// AllChannels lists every supported platform in a stable order.
var AllChannels = []ChannelType{
	ChannelTelegram,
	ChannelTelegramMTProto,
	ChannelDiscord,
	ChannelSlack,
	ChannelWhatsApp,
	ChannelSignal,
}

// ParseChannelType validates a platform name.
func ParseChannelType(s string) (ChannelType, error) {
	for _, c := range AllChannels {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// MentionSignals carries whatever native mention/reply data a platform exposes.
// Every field is optional; absent data degrades detection to the next method.
type MentionSignals struct {
	// MentionedIDs is the platform's explicit mentions list (user IDs, UUIDs, JIDs).
	// nil means the platform did not supply one.
	MentionedIDs []string `json:"mentioned_ids,omitempty"`

	// Entities are structured text entities (Telegram-style).
	Entities []Entity `json:"entities,omitempty"`

	// ReplyToAuthorID / ReplyToAuthorPhone identify the author of the quoted message.
	ReplyToAuthorID    string `json:"reply_to_author_id,omitempty"`
	ReplyToAuthorPhone string `json:"reply_to_author_phone,omitempty"`
}

// Entity is a structured span in the message text.
type Entity struct {
	Type   string `json:"type"`              // "mention", "text_mention", "bot_command"
	Text   string `json:"text"`              // the covered text, e.g. "@mybot"
	UserID string `json:"user_id,omitempty"` // for text_mention
}

// InboundMessage represents a message received from a channel (Telegram, Discord, etc.)
type InboundMessage struct {
	ID            string            `json:"id,omitempty"`
	Channel       ChannelType       `json:"channel"`
	ChatID        string            `json:"chat_id"`
	SenderID      string            `json:"sender_id"`
	SenderName    string            `json:"sender_name,omitempty"`
	Text          string            `json:"text"`
	Timestamp     time.Time         `json:"timestamp"`
	IsGroup       bool              `json:"is_group"`
	GroupName     string            `json:"group_name,omitempty"`
	WasMentioned  bool              `json:"was_mentioned,omitempty"`
	MentionMethod string            `json:"mention_method,omitempty"`
	GroupMode     string            `json:"group_mode,omitempty"` // resolved participation mode (groups only)
	Metadata      map[string]string `json:"metadata,omitempty"`

	// Synthetic batch variant (built by the group batcher, never mutated in place).
	IsBatch         bool             `json:"is_batch,omitempty"`
	BatchID         string           `json:"batch_id,omitempty"`
	BatchedMessages []InboundMessage `json:"batched_messages,omitempty"`

	Signals *MentionSignals `json:"-"`
}

// ErrInvalidMessage is returned by Validate for messages missing required fields.
var ErrInvalidMessage = errors.New("invalid inbound message")

// Validate checks the fields every adapter must populate.
func (m InboundMessage) Validate() error {
	switch {
	case m.Channel == "":
		return fmt.Errorf("%w: missing channel", ErrInvalidMessage)
	case m.ChatID == "":
		return fmt.Errorf("%w: missing chat id", ErrInvalidMessage)
	case !m.IsGroup && m.SenderID == "":
		// Groups may omit the sender (some bridges do); DMs can't be authorized without one.
		return fmt.Errorf("%w: missing sender id", ErrInvalidMessage)
	}
	return nil
}

// BatchKey is the debounce key for group batching.
func (m InboundMessage) BatchKey() string {
	return string(m.Channel) + ":" + m.ChatID
}

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel  ChannelType       `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// AdmittedHandler receives every admitted DM and every flushed group batch.
type AdmittedHandler func(ctx context.Context, msg InboundMessage)
