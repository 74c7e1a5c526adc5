package bridge

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nextlevelbuilder/gateclaw/internal/admission"
	"github.com/nextlevelbuilder/gateclaw/internal/bus"
	"github.com/nextlevelbuilder/gateclaw/internal/channels"
)

// Decoder turns a "message" frame into an InboundMessage. ok=false skips
// the frame without logging an error.
type Decoder func(raw []byte) (msg bus.InboundMessage, ok bool, err error)

// Channel is a channels.Channel backed by a bridge connection.
type Channel struct {
	*channels.BaseChannel
	client *Client
	decode Decoder
	self   admission.BotIdentity
}

// NewChannel creates a bridge-backed channel. self is the configured
// account identity; "self" frames from the bridge are merged into it.
func NewChannel(name bus.ChannelType, cfg Config, decode Decoder, self admission.BotIdentity,
	handler channels.Handler, onIdentity channels.IdentityFunc) (*Channel, error) {
	if cfg.Name == "" {
		cfg.Name = string(name)
	}
	c := &Channel{
		BaseChannel: channels.NewBaseChannel(name, handler, onIdentity),
		decode:      decode,
		self:        self,
	}
	client, err := NewClient(cfg, c.handleFrame)
	if err != nil {
		return nil, err
	}
	c.client = client
	return c, nil
}

// Start publishes the configured identity and connects to the bridge.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting bridge channel", "channel", c.Name(), "url", c.client.cfg.URL)
	if len(c.self.IDs) > 0 || c.self.Username != "" || c.self.Phone != "" {
		c.SetBotIdentity(c.self)
	}
	c.client.Start(ctx)
	c.SetRunning(true)
	return nil
}

// Stop disconnects from the bridge.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping bridge channel", "channel", c.Name())
	c.client.Stop()
	c.SetRunning(false)
	return nil
}

// Send forwards an outbound message as a "message" frame.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	return c.client.Send(OutboundFrame{
		Type:    FrameMessage,
		To:      msg.ChatID,
		Content: msg.Content,
		ReplyTo: msg.Metadata["reply_to"],
	})
}

func (c *Channel) handleFrame(ctx context.Context, env Envelope, raw []byte) {
	switch env.Type {
	case FrameMessage:
		msg, ok, err := c.decode(raw)
		if err != nil {
			slog.Warn("bridge: undecodable message frame", "channel", c.Name(), "error", err)
			return
		}
		if !ok {
			return
		}
		msg.Channel = c.Name()
		slog.Debug("bridge message received",
			"channel", c.Name(),
			"chat_id", msg.ChatID,
			"sender_id", msg.SenderID,
			"is_group", msg.IsGroup,
			"preview", channels.Truncate(msg.Text, 50),
		)
		c.HandleMessage(ctx, msg)
	case FrameSelf:
		var self SelfFrame
		if err := json.Unmarshal(raw, &self); err != nil {
			slog.Warn("bridge: invalid self frame", "channel", c.Name(), "error", err)
			return
		}
		c.self = MergeSelf(c.self, self)
		c.SetBotIdentity(c.self)
	default:
		slog.Debug("bridge: frame ignored", "channel", c.Name(), "type", env.Type)
	}
}

// MergeSelf adds identifiers announced by the bridge to a configured identity.
func MergeSelf(bot admission.BotIdentity, self SelfFrame) admission.BotIdentity {
	out := admission.BotIdentity{
		IDs:      append([]string(nil), bot.IDs...),
		Username: bot.Username,
		Phone:    bot.Phone,
	}
	for _, id := range []string{self.ID, self.UUID} {
		if id != "" && !contains(out.IDs, id) {
			out.IDs = append(out.IDs, id)
		}
	}
	if self.Username != "" {
		out.Username = self.Username
	}
	if self.Phone != "" {
		out.Phone = self.Phone
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
