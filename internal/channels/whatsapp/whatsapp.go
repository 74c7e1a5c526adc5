// Package whatsapp decodes frames from a WhatsApp Web bridge.
//
// Inbound frame:
//
//	{"type":"message","id":"...","from":"<jid>","from_name":"...","chat":"<jid>",
//	 "content":"...","timestamp":1700000000,"mentions":["<jid>",...],
//	 "quoted_author":"<jid>","quoted_phone":"+1..."}
//
// Group chats have JIDs ending in "@g.us".
package whatsapp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/gateclaw/internal/admission"
	"github.com/nextlevelbuilder/gateclaw/internal/bus"
	"github.com/nextlevelbuilder/gateclaw/internal/channels"
	"github.com/nextlevelbuilder/gateclaw/internal/channels/bridge"
	"github.com/nextlevelbuilder/gateclaw/internal/config"
	"github.com/nextlevelbuilder/gateclaw/internal/identity"
)

const groupSuffix = "@g.us"

type frame struct {
	ID           string   `json:"id"`
	From         string   `json:"from"`
	FromName     string   `json:"from_name"`
	Chat         string   `json:"chat"`
	Content      string   `json:"content"`
	Timestamp    int64    `json:"timestamp"`
	Mentions     []string `json:"mentions"`
	QuotedAuthor string   `json:"quoted_author"`
	QuotedPhone  string   `json:"quoted_phone"`
	FromMe       bool     `json:"from_me"`
}

// New creates a WhatsApp channel connected to cfg.BridgeURL.
func New(cfg config.WhatsAppConfig, handler channels.Handler, onIdentity channels.IdentityFunc) (*bridge.Channel, error) {
	self := admission.BotIdentity{Phone: cfg.SelfPhone}
	if d := identity.Digits(cfg.SelfPhone); d != "" {
		self.IDs = []string{d + "@s.whatsapp.net"}
	}
	return bridge.NewChannel(bus.ChannelWhatsApp,
		bridge.Config{Name: "whatsapp", URL: cfg.BridgeURL, Token: cfg.BridgeToken},
		Decode, self, handler, onIdentity)
}

// Decode converts a message frame. Frames sent by the linked account
// itself are skipped unless they are in the self chat.
func Decode(raw []byte) (bus.InboundMessage, bool, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return bus.InboundMessage{}, false, fmt.Errorf("decode whatsapp frame: %w", err)
	}
	if f.From == "" {
		return bus.InboundMessage{}, false, fmt.Errorf("whatsapp frame without sender")
	}
	chat := f.Chat
	if chat == "" {
		chat = f.From
	}
	isGroup := strings.HasSuffix(chat, groupSuffix)
	if f.FromMe && (isGroup || identity.StripJIDServer(chat) != identity.StripJIDServer(f.From)) {
		return bus.InboundMessage{}, false, nil
	}

	ts := time.Now()
	if f.Timestamp > 0 {
		ts = time.Unix(f.Timestamp, 0)
	}

	metadata := map[string]string{"jid": f.From}
	if f.ID != "" {
		metadata["message_id"] = f.ID
	}
	if f.FromName != "" {
		metadata["user_name"] = f.FromName
	}

	s := &bus.MentionSignals{
		ReplyToAuthorID:    f.QuotedAuthor,
		ReplyToAuthorPhone: f.QuotedPhone,
	}
	if len(f.Mentions) > 0 {
		s.MentionedIDs = append([]string(nil), f.Mentions...)
	}
	if s.ReplyToAuthorPhone == "" && identity.LooksLikePhone(f.QuotedAuthor) {
		s.ReplyToAuthorPhone = "+" + identity.StripJIDServer(f.QuotedAuthor)
	}

	return bus.InboundMessage{
		ID:         f.ID,
		Channel:    bus.ChannelWhatsApp,
		ChatID:     chat,
		SenderID:   senderID(f.From),
		SenderName: f.FromName,
		Text:       f.Content,
		Timestamp:  ts,
		IsGroup:    isGroup,
		Metadata:   metadata,
		Signals:    s,
	}, true, nil
}

// senderID normalizes a personal JID to "+<digits>" so allowlists can use
// E.164 numbers. Non-phone JIDs (e.g. "@lid") are kept whole.
func senderID(jid string) string {
	if strings.HasSuffix(jid, "@s.whatsapp.net") || !strings.Contains(jid, "@") {
		if bare := identity.StripJIDServer(jid); identity.LooksLikePhone(bare) {
			return "+" + strings.TrimPrefix(bare, "+")
		}
	}
	return jid
}
