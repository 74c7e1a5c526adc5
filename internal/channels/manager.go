package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/gateclaw/internal/bus"
)

// Manager manages all registered channels, handling their lifecycle
// and routing outbound messages to the correct channel.
type Manager struct {
	channels     map[bus.ChannelType]Channel
	bus          *bus.MessageBus
	dispatchTask *asyncTask
	dispatchDone chan struct{}
	mu           sync.RWMutex
}

type asyncTask struct {
	cancel context.CancelFunc
}

// NewManager creates a new channel manager.
// Channels are registered externally via RegisterChannel.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[bus.ChannelType]Channel),
		bus:      msgBus,
	}
}

// StartAll starts all registered channels and the outbound dispatch loop.
// A channel that fails to start is logged and skipped.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatchTask = &asyncTask{cancel: cancel}
	m.dispatchDone = make(chan struct{})
	go m.dispatchOutbound(dispatchCtx, m.dispatchDone)

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	slog.Info("starting all channels")
	for name, channel := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}
	slog.Info("all channels started")
	return nil
}

// StopAll gracefully stops all channels and the outbound dispatch loop.
// Channels stop concurrently; the first stop error is returned after all
// of them have finished.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	task, done := m.dispatchTask, m.dispatchDone
	m.dispatchTask, m.dispatchDone = nil, nil
	list := make(map[bus.ChannelType]Channel, len(m.channels))
	for k, v := range m.channels {
		list[k] = v
	}
	m.mu.Unlock()

	slog.Info("stopping all channels")
	if task != nil {
		task.cancel()
		<-done
	}
	var g errgroup.Group
	for name, channel := range list {
		g.Go(func() error {
			slog.Info("stopping channel", "channel", name)
			if err := channel.Stop(ctx); err != nil {
				slog.Error("error stopping channel", "channel", name, "error", err)
				return fmt.Errorf("stop %s: %w", name, err)
			}
			return nil
		})
	}
	err := g.Wait()
	slog.Info("all channels stopped")
	return err
}

// dispatchOutbound consumes outbound messages from the bus and routes them
// to the appropriate channel.
func (m *Manager) dispatchOutbound(ctx context.Context, done chan struct{}) {
	defer close(done)
	slog.Info("outbound dispatcher started")

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			slog.Info("outbound dispatcher stopped")
			return
		}

		m.mu.RLock()
		channel, exists := m.channels[msg.Channel]
		m.mu.RUnlock()

		if !exists {
			slog.Warn("unknown channel for outbound message", "channel", msg.Channel)
			continue
		}
		if err := channel.Send(ctx, msg); err != nil {
			slog.Error("error sending message to channel", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		}
	}
}

// Notify queues a notice for delivery. It returns immediately so that the
// message path never waits on a platform API.
func (m *Manager) Notify(_ context.Context, channel bus.ChannelType, chatID, text string) error {
	m.mu.RLock()
	_, exists := m.channels[channel]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("channel %s not found", channel)
	}
	m.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  channel,
		ChatID:   chatID,
		Content:  text,
		Metadata: map[string]string{"kind": "notice"},
	})
	return nil
}

// GetStatus returns the running status of all channels.
func (m *Manager) GetStatus() map[bus.ChannelType]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[bus.ChannelType]bool, len(m.channels))
	for name, channel := range m.channels {
		status[name] = channel.IsRunning()
	}
	return status
}

// GetEnabledChannels returns the names of all registered channels, sorted.
func (m *Manager) GetEnabledChannels() []bus.ChannelType {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]bus.ChannelType, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// RegisterChannel adds a channel to the manager.
func (m *Manager) RegisterChannel(channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[channel.Name()] = channel
}
