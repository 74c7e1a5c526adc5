// Package channels connects chat platforms to the admission pipeline.
// Each adapter normalizes platform events into bus.InboundMessage with
// whatever mention signals the platform exposes and hands them to the
// pipeline; access control and group gating happen there, not here.
package channels

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nextlevelbuilder/gateclaw/internal/admission"
	"github.com/nextlevelbuilder/gateclaw/internal/bus"
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the platform identifier.
	Name() bus.ChannelType

	// Start begins listening for messages. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the channel.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool
}

// Handler receives normalized inbound messages.
type Handler func(ctx context.Context, msg bus.InboundMessage)

// IdentityFunc is told the bot's own identity once an adapter has logged in.
type IdentityFunc func(channel bus.ChannelType, bot admission.BotIdentity)

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name       bus.ChannelType
	handler    Handler
	onIdentity IdentityFunc
	running    atomic.Bool

	mu  sync.RWMutex
	bot admission.BotIdentity
}

// NewBaseChannel creates a BaseChannel. onIdentity may be nil.
func NewBaseChannel(name bus.ChannelType, handler Handler, onIdentity IdentityFunc) *BaseChannel {
	return &BaseChannel{name: name, handler: handler, onIdentity: onIdentity}
}

// Name returns the channel name.
func (c *BaseChannel) Name() bus.ChannelType { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// SetBotIdentity records the bot identity and reports it upstream.
func (c *BaseChannel) SetBotIdentity(bot admission.BotIdentity) {
	c.mu.Lock()
	c.bot = bot
	c.mu.Unlock()
	if c.onIdentity != nil {
		c.onIdentity(c.name, bot)
	}
}

// BotIdentity returns the last identity set with SetBotIdentity.
func (c *BaseChannel) BotIdentity() admission.BotIdentity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bot
}

// HandleMessage forwards a normalized message to the pipeline. The channel
// field is filled in when the normalizer left it empty.
func (c *BaseChannel) HandleMessage(ctx context.Context, msg bus.InboundMessage) {
	if msg.Channel == "" {
		msg.Channel = c.name
	}
	if c.handler != nil {
		c.handler(ctx, msg)
	}
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
