// Package pipeline routes normalized inbound messages through DM access
// control or group gating and batching, and hands admitted messages to the
// agent-session layer.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/gateclaw/internal/admission"
	"github.com/nextlevelbuilder/gateclaw/internal/batcher"
	"github.com/nextlevelbuilder/gateclaw/internal/bus"
	"github.com/nextlevelbuilder/gateclaw/internal/store"
	"github.com/nextlevelbuilder/gateclaw/internal/telemetry"
)

// Notifier sends a plain-text notice to a chat.
type Notifier interface {
	Notify(ctx context.Context, channel bus.ChannelType, chatID, text string) error
}

// AdminTarget is the chat that receives new pairing codes.
type AdminTarget struct {
	Channel bus.ChannelType
	ChatID  string
}

// Options configures a Pipeline.
type Options struct {
	Store      store.PairingStore
	Notifier   Notifier            // optional; notices are skipped when nil
	OnAdmitted bus.AdmittedHandler // receives admitted DMs and group batches

	Admin          *AdminTarget
	BotName        string
	NoticeInterval time.Duration
	Scheduler      batcher.Scheduler // optional; wall clock by default
	Tracer         trace.Tracer      // optional; global provider by default
}

// Outcome describes what Handle did with a message.
type Outcome struct {
	Admitted bool   // forwarded now (DM) or accepted into the batcher (group)
	Flushed  bool   // group message triggered an immediate batch
	Status   string // access status (DM) or gate mode (group)
	Reason   string // rejection reason when not admitted
}

// Pipeline is the admission entry point for every channel adapter.
type Pipeline struct {
	store      store.PairingStore
	notifier   Notifier
	onAdmitted bus.AdmittedHandler
	admin      *AdminTarget
	botName    string
	tracer     trace.Tracer

	access  *admission.AccessController
	batcher *batcher.Batcher

	mu       sync.RWMutex
	settings map[bus.ChannelType]*ChannelSettings
}

// New creates a pipeline for the given channels.
func New(opts Options, channels ...ChannelSettings) *Pipeline {
	p := &Pipeline{
		store:      opts.Store,
		notifier:   opts.Notifier,
		onAdmitted: opts.OnAdmitted,
		admin:      opts.Admin,
		botName:    opts.BotName,
		tracer:     opts.Tracer,
		access:     admission.NewAccessController(opts.Store, admission.NewNoticeLimiter(opts.NoticeInterval)),
		settings:   make(map[bus.ChannelType]*ChannelSettings),
	}
	if p.botName == "" {
		p.botName = "GateClaw"
	}
	if p.tracer == nil {
		p.tracer = telemetry.Tracer("github.com/nextlevelbuilder/gateclaw/internal/pipeline")
	}

	var bopts []batcher.Option
	if opts.Scheduler != nil {
		bopts = append(bopts, batcher.WithScheduler(opts.Scheduler))
	}
	p.batcher = batcher.New(p.flushBatch, bopts...)

	for _, s := range channels {
		p.SetChannel(s)
	}
	return p
}

// SetChannel installs or replaces a channel's settings.
func (p *Pipeline) SetChannel(s ChannelSettings) {
	if s.Strategy == nil {
		s.Strategy = admission.NewStrategy(s.Channel, s.Bot, s.Patterns)
	}
	p.mu.Lock()
	p.settings[s.Channel] = &s
	p.mu.Unlock()
}

// SetBotIdentity updates the bot identity of a channel once the adapter
// has logged in and learned it.
func (p *Pipeline) SetBotIdentity(channel bus.ChannelType, bot admission.BotIdentity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.settings[channel]
	if !ok {
		return
	}
	updated := s.withBot(bot)
	p.settings[channel] = &updated
	slog.Info("pipeline: bot identity set", "channel", channel, "ids", bot.IDs, "username", bot.Username)
}

func (p *Pipeline) channelSettings(channel bus.ChannelType) (*ChannelSettings, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.settings[channel]
	return s, ok
}

// Handle admits or drops one normalized message. It never blocks on the
// downstream agent longer than the OnAdmitted callback does.
func (p *Pipeline) Handle(ctx context.Context, msg bus.InboundMessage) Outcome {
	ctx, span := p.tracer.Start(ctx, "pipeline.handle", trace.WithAttributes(
		attribute.String("gateclaw.channel", string(msg.Channel)),
		attribute.String("gateclaw.chat_id", msg.ChatID),
		attribute.Bool("gateclaw.is_group", msg.IsGroup),
	))
	defer span.End()

	out := p.handle(ctx, msg)

	span.SetAttributes(
		attribute.Bool("gateclaw.admitted", out.Admitted),
		attribute.String("gateclaw.status", out.Status),
	)
	if out.Reason != "" {
		span.SetAttributes(attribute.String("gateclaw.reason", out.Reason))
	}
	if out.Reason == reasonInvalid {
		span.SetStatus(codes.Error, out.Reason)
	}
	return out
}

const (
	reasonInvalid        = "invalid-message"
	reasonUnknownChannel = "unknown-channel"
)

func (p *Pipeline) handle(ctx context.Context, msg bus.InboundMessage) Outcome {
	if err := msg.Validate(); err != nil {
		slog.Warn("pipeline: dropping invalid message", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		return Outcome{Reason: reasonInvalid}
	}
	s, ok := p.channelSettings(msg.Channel)
	if !ok {
		slog.Warn("pipeline: dropping message for unconfigured channel", "channel", msg.Channel)
		return Outcome{Reason: reasonUnknownChannel}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if out, ok := p.adminCommand(ctx, msg); ok {
		return out
	}
	if msg.IsGroup {
		return p.handleGroup(ctx, s, msg)
	}
	return p.handleDM(ctx, s, msg)
}

func (p *Pipeline) handleDM(ctx context.Context, s *ChannelSettings, msg bus.InboundMessage) Outcome {
	meta := map[string]string{"chat_id": msg.ChatID}
	if msg.SenderName != "" {
		meta["name"] = msg.SenderName
	}
	if u := msg.Metadata["username"]; u != "" {
		meta["username"] = u
	}

	d := p.access.Check(ctx, admission.AccessRequest{
		Channel: msg.Channel,
		UserID:  msg.SenderID,
		Meta:    meta,
		Policy:  s.Access,
	})
	out := Outcome{Status: string(d.Status), Reason: d.Reason}

	switch d.Status {
	case admission.AccessAllowed:
		out.Admitted = true
		p.admit(ctx, msg)
	case admission.AccessPairingCreated:
		slog.Info("pipeline: pairing requested", "channel", msg.Channel, "user_id", msg.SenderID)
		p.notify(ctx, msg.Channel, msg.ChatID, pairingNotice(p.botName, msg.Channel, msg.SenderID, d.Code))
		if p.admin != nil {
			p.notify(ctx, p.admin.Channel, p.admin.ChatID, adminPairingNotice(msg.Channel, msg.SenderID, msg.SenderName, d.Code))
		}
	case admission.AccessQueueFull:
		slog.Info("pipeline: pairing queue full", "channel", msg.Channel, "user_id", msg.SenderID)
		if d.Notify {
			p.notify(ctx, msg.Channel, msg.ChatID, queueFullNotice(p.botName))
		}
	case admission.AccessBlocked:
		slog.Debug("pipeline: dm blocked", "channel", msg.Channel, "user_id", msg.SenderID, "reason", d.Reason)
		if d.Notify {
			p.notify(ctx, msg.Channel, msg.ChatID, blockedNotice(p.botName))
		}
	case admission.AccessPairingPending:
		slog.Debug("pipeline: pairing pending", "channel", msg.Channel, "user_id", msg.SenderID)
	}
	return out
}

func (p *Pipeline) handleGroup(ctx context.Context, s *ChannelSettings, msg bus.InboundMessage) Outcome {
	keys := s.Strategy.GroupKeys(msg)

	approved := false
	if !admission.IsGroupAllowed(s.Groups, keys) && p.store != nil {
		ok, err := p.store.IsGroupApproved(ctx, string(msg.Channel), msg.ChatID)
		if err != nil {
			slog.Warn("pipeline: approved-groups lookup degraded", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		}
		approved = ok
	}

	res := admission.Gate(admission.GateInput{
		Message:       msg,
		Strategy:      s.Strategy,
		Groups:        s.Groups,
		Fallback:      s.Fallback,
		GroupApproved: approved,
	})
	out := Outcome{Status: string(res.Mode), Reason: res.Reason}
	if !res.ShouldProcess {
		slog.Debug("pipeline: group message dropped", "channel", msg.Channel, "chat_id", msg.ChatID, "reason", res.Reason)
		return out
	}

	msg.WasMentioned = res.WasMentioned
	msg.MentionMethod = string(res.Method)
	msg.GroupMode = string(res.Mode)

	debounce := s.debounceFor(msg.ChatID)
	out.Admitted = true
	out.Flushed = res.WasMentioned || debounce <= 0
	p.batcher.Enqueue(msg, debounce, context.WithoutCancel(ctx))
	return out
}

// flushBatch is the batcher callback; ref is the context of the latest
// message in the batch.
func (p *Pipeline) flushBatch(batch bus.InboundMessage, ref any) {
	ctx, ok := ref.(context.Context)
	if !ok || ctx == nil {
		ctx = context.Background()
	}
	p.admit(ctx, batch)
}

func (p *Pipeline) admit(ctx context.Context, msg bus.InboundMessage) {
	if p.onAdmitted == nil {
		return
	}
	p.onAdmitted(ctx, msg)
}

func (p *Pipeline) notify(ctx context.Context, channel bus.ChannelType, chatID, text string) {
	if p.notifier == nil || chatID == "" {
		return
	}
	if err := p.notifier.Notify(ctx, channel, chatID, text); err != nil {
		slog.Warn("pipeline: notice failed", "channel", channel, "chat_id", chatID, "error", err)
	}
}

// ApprovePairing approves a pending code and tells the user. It returns
// nil when the code is unknown or expired.
func (p *Pipeline) ApprovePairing(ctx context.Context, channel bus.ChannelType, code string) (*store.ApprovedPairing, error) {
	approved, err := p.store.ApprovePairingCode(ctx, string(channel), code)
	if approved == nil {
		return nil, err
	}
	if err != nil {
		slog.Warn("pipeline: approval persisted in memory only", "channel", channel, "error", err)
	}
	p.access.ForgetNotices(channel, approved.UserID)
	p.notify(ctx, channel, approved.Meta["chat_id"], approvedNotice(p.botName))
	return approved, nil
}

// DenyPairing drops a pending code without granting access.
func (p *Pipeline) DenyPairing(ctx context.Context, channel bus.ChannelType, code string) (*store.PendingPairingRequest, error) {
	return p.store.DenyPairingCode(ctx, string(channel), code)
}

// PendingBatch reports how many messages are buffered for a chat.
func (p *Pipeline) PendingBatch(channel bus.ChannelType, chatID string) int {
	return p.batcher.Pending(string(channel) + ":" + chatID)
}

// Stop cancels pending batches. Buffered messages are dropped.
func (p *Pipeline) Stop() {
	p.batcher.Stop()
}
