// Package slack connects to Slack through Socket Mode.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/nextlevelbuilder/gateclaw/internal/admission"
	"github.com/nextlevelbuilder/gateclaw/internal/bus"
	"github.com/nextlevelbuilder/gateclaw/internal/channels"
	"github.com/nextlevelbuilder/gateclaw/internal/config"
)

// lookupCacheSize bounds the channel-name and thread-author caches.
const lookupCacheSize = 1024

// Channel receives Events API messages over Socket Mode.
type Channel struct {
	*channels.BaseChannel
	client     API
	socketMode *socketmode.Client
	botUserID  string

	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	channelNames map[string]string // channel id → name
	threadOwners map[string]string // "channel:thread_ts" → parent author
}

// New creates a Slack channel. Both tokens are required.
func New(cfg config.SlackConfig, handler channels.Handler, onIdentity channels.IdentityFunc) (*Channel, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack bot token is required")
	}
	if !strings.HasPrefix(cfg.AppToken, "xapp-") {
		return nil, fmt.Errorf("slack app token must start with xapp-")
	}

	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	c := newChannel(client, handler, onIdentity)
	c.socketMode = socketmode.New(client)
	return c, nil
}

func newChannel(api API, handler channels.Handler, onIdentity channels.IdentityFunc) *Channel {
	return &Channel{
		BaseChannel:  channels.NewBaseChannel(bus.ChannelSlack, handler, onIdentity),
		client:       api,
		channelNames: make(map[string]string),
		threadOwners: make(map[string]string),
	}
}

// Start resolves the bot user and runs the Socket Mode loop in the background.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting slack bot (socket mode)")

	auth, err := c.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack auth.test: %w", err)
	}
	c.botUserID = auth.UserID
	c.SetBotIdentity(admission.BotIdentity{IDs: []string{auth.UserID}, Username: auth.User})

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		for evt := range c.socketMode.Events {
			c.handleEvent(runCtx, evt)
		}
	}()
	go func() {
		defer close(c.done)
		if err := c.socketMode.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("slack socket mode stopped", "error", err)
		}
	}()

	c.SetRunning(true)
	slog.Info("slack bot connected", "user", auth.User, "user_id", auth.UserID)
	return nil
}

// Stop cancels the Socket Mode loop.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping slack bot")
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return nil
}

// Send posts a plain-text message. Metadata "thread_ts" replies in a thread.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	opts := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if ts := msg.Metadata["thread_ts"]; ts != "" {
		opts = append(opts, slack.MsgOptionTS(ts))
	}
	if _, _, err := c.client.PostMessage(msg.ChatID, opts...); err != nil {
		return fmt.Errorf("send slack message: %w", err)
	}
	return nil
}

func (c *Channel) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		slog.Debug("slack: connecting to socket mode")
	case socketmode.EventTypeConnected:
		slog.Info("slack: connected to socket mode")
	case socketmode.EventTypeConnectionError:
		slog.Warn("slack: connection error", "data", evt.Data)
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			c.socketMode.Ack(*evt.Request)
		}
		if apiEvent.Type != slackevents.CallbackEvent {
			return
		}
		if ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			c.handleMessage(ctx, ev)
		}
	}
}

func (c *Channel) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	msg, ok := Normalize(ev, c.botUserID, c)
	if !ok {
		return
	}
	slog.Debug("slack message received",
		"sender_id", msg.SenderID,
		"channel_id", msg.ChatID,
		"is_group", msg.IsGroup,
		"preview", channels.Truncate(msg.Text, 50),
	)
	c.HandleMessage(ctx, msg)
}

// ChannelName implements Lookup with a bounded cache.
func (c *Channel) ChannelName(channelID string) string {
	c.mu.Lock()
	name, ok := c.channelNames[channelID]
	c.mu.Unlock()
	if ok {
		return name
	}

	info, err := c.client.GetConversationInfo(&slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		slog.Debug("slack: conversation info failed", "channel_id", channelID, "error", err)
		return ""
	}
	c.remember(c.channelNames, channelID, info.Name)
	return info.Name
}

// ThreadAuthor implements Lookup with a bounded cache.
func (c *Channel) ThreadAuthor(channelID, threadTS string) string {
	key := channelID + ":" + threadTS
	c.mu.Lock()
	author, ok := c.threadOwners[key]
	c.mu.Unlock()
	if ok {
		return author
	}

	msgs, _, _, err := c.client.GetConversationReplies(&slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Inclusive: true,
		Limit:     1,
	})
	if err != nil || len(msgs) == 0 {
		if err != nil {
			slog.Debug("slack: thread parent lookup failed", "channel_id", channelID, "error", err)
		}
		return ""
	}
	author = msgs[0].User
	c.remember(c.threadOwners, key, author)
	return author
}

func (c *Channel) remember(m map[string]string, key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(m) >= lookupCacheSize {
		clear(m)
	}
	m[key] = value
}
