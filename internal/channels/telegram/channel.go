package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/gateclaw/internal/admission"
	"github.com/nextlevelbuilder/gateclaw/internal/bus"
	"github.com/nextlevelbuilder/gateclaw/internal/channels"
	"github.com/nextlevelbuilder/gateclaw/internal/config"
)

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	config     config.TelegramConfig
	selfID     int64
	pollCancel context.CancelFunc // cancels the long polling context
	pollDone   chan struct{}      // closed when polling goroutine exits
}

// New creates a new Telegram channel from config.
func New(cfg config.TelegramConfig, handler channels.Handler, onIdentity channels.IdentityFunc) (*Channel, error) {
	var opts []telego.BotOption

	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel(bus.ChannelTelegram, handler, onIdentity),
		bot:         bot,
		config:      cfg,
	}, nil
}

// Start resolves the bot identity and begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	c.selfID = me.ID
	c.SetBotIdentity(admission.BotIdentity{
		IDs:      []string{strconv.FormatInt(me.ID, 10)},
		Username: me.Username,
	})

	// Stop() cancels this context to cleanly shut down long polling.
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", me.Username, "id", me.ID)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message == nil {
					slog.Debug("telegram update skipped (no message)", "update_id", update.UpdateID)
					continue
				}
				c.handleMessage(pollCtx, update.Message)
			}
		}
	}()

	return nil
}

func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	msg, ok := Normalize(message, c.selfID)
	if !ok {
		slog.Debug("telegram message skipped", "chat_id", message.Chat.ID, "message_id", message.MessageID)
		return
	}
	slog.Debug("telegram message received",
		"chat_id", msg.ChatID,
		"sender_id", msg.SenderID,
		"is_group", msg.IsGroup,
		"preview", channels.Truncate(msg.Text, 60),
	)
	c.HandleMessage(ctx, msg)
}

// Stop shuts down the Telegram bot by cancelling the long polling context
// and waiting for the polling goroutine to exit.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}

	// Telegram releases the getUpdates lock only after the poller exits.
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// Send delivers a plain-text message. chatID may carry a forum topic as
// "<chat>:topic:<id>".
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, threadID, err := parseChatKey(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid chat ID %q: %w", msg.ChatID, err)
	}
	params := tu.Message(tu.ID(chatID), msg.Content)
	if threadID = resolveThreadIDForSend(threadID); threadID > 0 {
		params.MessageThreadID = threadID
	}
	if _, err := c.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// parseChatKey splits "-12345" or "-12345:topic:99" into chat and topic ids.
func parseChatKey(key string) (int64, int, error) {
	raw, topic, hasTopic := strings.Cut(key, ":topic:")
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	if !hasTopic {
		return chatID, 0, nil
	}
	threadID, err := strconv.Atoi(topic)
	if err != nil {
		return 0, 0, err
	}
	return chatID, threadID, nil
}

// telegramGeneralTopicID is the fixed topic ID for the "General" topic in forum supergroups.
const telegramGeneralTopicID = 1

// resolveThreadIDForSend drops the General topic, which Telegram rejects
// with "thread not found" on send.
func resolveThreadIDForSend(threadID int) int {
	if threadID == telegramGeneralTopicID {
		return 0
	}
	return threadID
}
