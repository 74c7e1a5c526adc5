package discord

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/gateclaw/internal/bus"
)

// Normalize converts a gateway MessageCreate into an InboundMessage. Bot
// authors (the bot itself included) are skipped.
func Normalize(m *discordgo.MessageCreate, botUserID string) (bus.InboundMessage, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return bus.InboundMessage{}, false
	}
	if m.Author.Bot || (botUserID != "" && m.Author.ID == botUserID) {
		return bus.InboundMessage{}, false
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}

	isGroup := m.GuildID != ""
	metadata := map[string]string{
		"message_id": m.ID,
		"user_id":    m.Author.ID,
		"username":   m.Author.Username,
		"channel_id": m.ChannelID,
	}
	if isGroup {
		metadata["guild_id"] = m.GuildID
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return bus.InboundMessage{
		ID:         m.ID,
		Channel:    bus.ChannelDiscord,
		ChatID:     m.ChannelID,
		SenderID:   m.Author.ID,
		SenderName: resolveDisplayName(m),
		Text:       content,
		Timestamp:  ts,
		IsGroup:    isGroup,
		Metadata:   metadata,
		Signals:    signals(m.Message),
	}, true
}

func signals(m *discordgo.Message) *bus.MentionSignals {
	s := &bus.MentionSignals{}
	for _, u := range m.Mentions {
		if u != nil && u.ID != "" {
			s.MentionedIDs = append(s.MentionedIDs, u.ID)
		}
	}
	if ref := m.ReferencedMessage; ref != nil && ref.Author != nil {
		s.ReplyToAuthorID = ref.Author.ID
	}
	return s
}

// resolveDisplayName returns the best available display name for a Discord message author.
// Priority: server nickname > global display name > username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
