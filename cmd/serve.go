package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gateclaw/internal/admission"
	"github.com/nextlevelbuilder/gateclaw/internal/bus"
	"github.com/nextlevelbuilder/gateclaw/internal/channels"
	"github.com/nextlevelbuilder/gateclaw/internal/channels/discord"
	"github.com/nextlevelbuilder/gateclaw/internal/channels/mtproto"
	signalch "github.com/nextlevelbuilder/gateclaw/internal/channels/signal"
	"github.com/nextlevelbuilder/gateclaw/internal/channels/slack"
	"github.com/nextlevelbuilder/gateclaw/internal/channels/telegram"
	"github.com/nextlevelbuilder/gateclaw/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/gateclaw/internal/config"
	"github.com/nextlevelbuilder/gateclaw/internal/logger"
	"github.com/nextlevelbuilder/gateclaw/internal/pipeline"
	"github.com/nextlevelbuilder/gateclaw/internal/store/file"
	"github.com/nextlevelbuilder/gateclaw/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admission gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	logger.Init(level, cfg.Log.Format)
	return cfg, nil
}

func runServe(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(sctx)
	}()

	stores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores(stores)

	if fs, ok := stores.Pairing.(*file.PairingStore); ok && cfg.Pairing.WatchEnabled() {
		go func() {
			if err := fs.Watch(ctx); err != nil {
				slog.Warn("pairing store watch stopped", "error", err)
			}
		}()
	}

	msgBus := bus.NewMessageBus()
	channelMgr := channels.NewManager(msgBus)

	opts := pipeline.Options{
		Store:    stores.Pairing,
		Notifier: channelMgr,
		OnAdmitted: func(_ context.Context, msg bus.InboundMessage) {
			msgBus.PublishInbound(msg)
		},
		BotName:        cfg.Pairing.BotName,
		NoticeInterval: cfg.Pairing.NoticeWindow(),
	}
	if a := cfg.Pairing.Admin; a != nil {
		ch, err := bus.ParseChannelType(a.Channel)
		if err != nil {
			slog.Warn("pairing admin target ignored", "error", err)
		} else {
			opts.Admin = &pipeline.AdminTarget{Channel: ch, ChatID: a.ChatID}
		}
	}
	p := pipeline.New(opts)
	defer p.Stop()

	if err := registerChannels(cfg, channelMgr, p); err != nil {
		return err
	}
	if len(channelMgr.GetEnabledChannels()) == 0 {
		slog.Warn("no channels enabled; check config.json")
	}

	go consumeAdmitted(ctx, msgBus)

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}
	if down := notRunning(channelMgr.GetStatus()); len(down) > 0 {
		slog.Warn("channels not running after start", "channels", down)
	}
	slog.Info("gateclaw started", "version", Version, "channels", channelMgr.GetEnabledChannels())

	<-ctx.Done()
	slog.Info("graceful shutdown initiated")
	return channelMgr.StopAll(context.Background())
}

// registerChannels builds an adapter per enabled channel and installs its
// admission settings. Adapters report their identity once connected.
func registerChannels(cfg *config.Config, mgr *channels.Manager, p *pipeline.Pipeline) error {
	handler := func(ctx context.Context, msg bus.InboundMessage) {
		out := p.Handle(ctx, msg)
		slog.Debug("admission decision",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"admitted", out.Admitted,
			"status", out.Status,
			"reason", out.Reason,
		)
	}
	onIdentity := p.SetBotIdentity
	c := cfg.Channels

	type entry struct {
		name    bus.ChannelType
		enabled bool
		ac      config.AdmissionConfig
		bot     admission.BotIdentity
		build   func() (channels.Channel, error)
	}
	entries := []entry{
		{bus.ChannelTelegram, c.Telegram.Enabled, c.Telegram.AdmissionConfig, admission.BotIdentity{},
			func() (channels.Channel, error) { return telegram.New(c.Telegram, handler, onIdentity) }},
		{bus.ChannelTelegramMTProto, c.TelegramMTProto.Enabled, c.TelegramMTProto.AdmissionConfig, mtprotoIdentity(c.TelegramMTProto),
			func() (channels.Channel, error) { return mtproto.New(c.TelegramMTProto, handler, onIdentity) }},
		{bus.ChannelDiscord, c.Discord.Enabled, c.Discord.AdmissionConfig, admission.BotIdentity{},
			func() (channels.Channel, error) { return discord.New(c.Discord, handler, onIdentity) }},
		{bus.ChannelSlack, c.Slack.Enabled, c.Slack.AdmissionConfig, admission.BotIdentity{},
			func() (channels.Channel, error) { return slack.New(c.Slack, handler, onIdentity) }},
		{bus.ChannelWhatsApp, c.WhatsApp.Enabled, c.WhatsApp.AdmissionConfig, admission.BotIdentity{Phone: c.WhatsApp.SelfPhone},
			func() (channels.Channel, error) { return whatsapp.New(c.WhatsApp, handler, onIdentity) }},
		{bus.ChannelSignal, c.Signal.Enabled, c.Signal.AdmissionConfig, signalIdentity(c.Signal),
			func() (channels.Channel, error) { return signalch.New(c.Signal, handler, onIdentity) }},
	}

	for _, e := range entries {
		if !e.enabled {
			continue
		}
		p.SetChannel(pipeline.SettingsFromConfig(e.name, e.ac, e.bot))
		ch, err := e.build()
		if err != nil {
			return fmt.Errorf("%s channel: %w", e.name, err)
		}
		mgr.RegisterChannel(ch)
		slog.Info("channel enabled", "channel", e.name, "dm_policy", e.ac.EffectiveDMPolicy(), "group_mode", e.ac.FallbackGroupMode())
	}
	return nil
}

func mtprotoIdentity(c config.TelegramMTProtoConfig) admission.BotIdentity {
	bot := admission.BotIdentity{Username: strings.TrimPrefix(c.SelfUsername, "@")}
	if c.SelfID != "" {
		bot.IDs = []string{c.SelfID}
	}
	return bot
}

func signalIdentity(c config.SignalConfig) admission.BotIdentity {
	bot := admission.BotIdentity{Phone: c.Account}
	if c.AccountUUID != "" {
		bot.IDs = []string{c.AccountUUID}
	}
	return bot
}

// consumeAdmitted drains admitted messages. Downstream session handling is
// out of scope here; each message is logged for operators.
func consumeAdmitted(ctx context.Context, msgBus *bus.MessageBus) {
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		attrs := []any{
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"sender_id", msg.SenderID,
			"is_group", msg.IsGroup,
			"preview", channels.Truncate(msg.Text, 80),
		}
		if msg.IsBatch {
			attrs = append(attrs, "batch_id", msg.BatchID, "batch_size", len(msg.BatchedMessages),
				"was_mentioned", msg.WasMentioned, "mention_method", msg.MentionMethod)
		}
		slog.Info("message admitted", attrs...)
	}
}

// notRunning lists channels whose Start left them stopped, sorted.
func notRunning(status map[bus.ChannelType]bool) []bus.ChannelType {
	var down []bus.ChannelType
	for name, running := range status {
		if !running {
			down = append(down, name)
		}
	}
	slices.Sort(down)
	return down
}
