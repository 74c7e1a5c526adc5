package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/gateclaw/internal/admission"
	"github.com/nextlevelbuilder/gateclaw/internal/bus"
	"github.com/nextlevelbuilder/gateclaw/internal/channels"
	"github.com/nextlevelbuilder/gateclaw/internal/config"
)

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	config    config.DiscordConfig
	botUserID string // populated on start
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a new Discord channel from config.
func New(cfg config.DiscordConfig, handler channels.Handler, onIdentity channels.IdentityFunc) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel(bus.ChannelDiscord, handler, onIdentity),
		session:     session,
		config:      cfg,
	}, nil
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting discord bot")

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.SetBotIdentity(admission.BotIdentity{IDs: []string{user.ID}, Username: user.Username})

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	return c.session.Close()
}

// Send delivers an outbound message to a Discord channel, split at the
// platform limit.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("empty chat ID for discord send")
	}
	for _, chunk := range splitMessage(msg.Content, maxMessageLen) {
		if _, err := c.session.ChannelMessageSend(msg.ChatID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	msg, ok := Normalize(m, c.botUserID)
	if !ok {
		return
	}
	slog.Debug("discord message received",
		"sender_id", msg.SenderID,
		"channel_id", msg.ChatID,
		"is_group", msg.IsGroup,
		"preview", channels.Truncate(msg.Text, 50),
	)
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	c.HandleMessage(ctx, msg)
}

// splitMessage cuts content into chunks of at most maxLen bytes, preferring
// a newline in the second half of each chunk.
func splitMessage(content string, maxLen int) []string {
	var out []string
	for len(content) > maxLen {
		cutAt := maxLen
		if idx := lastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		}
		out = append(out, content[:cutAt])
		content = content[cutAt:]
	}
	if content != "" {
		out = append(out, content)
	}
	return out
}

// lastIndexByte returns the last index of byte c in s, or -1.
func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}
