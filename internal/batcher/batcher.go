// Package batcher coalesces bursts of admitted group messages per chat into
// one synthetic batch message after a quiet period.
package batcher

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/gateclaw/internal/bus"
)

// FlushFunc receives a synthesized batch and the adapter reference recorded
// by the most recent Enqueue for that chat.
type FlushFunc func(batch bus.InboundMessage, ref any)

type entry struct {
	msgs  []bus.InboundMessage
	ref   any
	timer Timer
	gen   uint64 // bumped on every timer reset
}

// Batcher buffers messages per "channel:chatId" key. Safe for concurrent use.
// An entry is removed from the map before its batch is dispatched, so a key
// never has two flushes in flight for the same buffer.
type Batcher struct {
	sched   Scheduler
	onFlush FlushFunc

	mu      sync.Mutex
	entries map[string]*entry
	stopped bool
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithScheduler replaces the wall-clock scheduler (tests use a virtual clock).
func WithScheduler(s Scheduler) Option {
	return func(b *Batcher) { b.sched = s }
}

// New creates a Batcher delivering batches to onFlush.
func New(onFlush FlushFunc, opts ...Option) *Batcher {
	b := &Batcher{
		sched:   NewTimerScheduler(),
		onFlush: onFlush,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enqueue appends msg to its chat buffer. A mention or a zero debounce
// flushes synchronously before returning; otherwise the quiet-period timer
// is restarted.
func (b *Batcher) Enqueue(msg bus.InboundMessage, debounce time.Duration, ref any) {
	key := msg.BatchKey()

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		slog.Debug("batcher: stopped, dropping message", "key", key)
		return
	}

	e, ok := b.entries[key]
	if !ok {
		e = &entry{}
		b.entries[key] = e
	}
	e.msgs = append(e.msgs, msg)
	e.ref = ref

	if msg.WasMentioned || debounce <= 0 {
		batch, ref := b.takeLocked(key, e)
		b.mu.Unlock()
		b.deliver(key, batch, ref)
		return
	}

	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = b.sched.AfterFunc(debounce, func() { b.fire(key, e, gen) })
	b.mu.Unlock()
}

// fire runs when a quiet period ends. Stale timers (reset, flushed or
// stopped since scheduling) are ignored.
func (b *Batcher) fire(key string, e *entry, gen uint64) {
	b.mu.Lock()
	if b.stopped || b.entries[key] != e || e.gen != gen {
		b.mu.Unlock()
		return
	}
	batch, ref := b.takeLocked(key, e)
	b.mu.Unlock()
	b.deliver(key, batch, ref)
}

// Flush delivers the buffered messages for key now. It reports false when
// nothing was pending.
func (b *Batcher) Flush(key string) bool {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok || b.stopped {
		b.mu.Unlock()
		return false
	}
	batch, ref := b.takeLocked(key, e)
	b.mu.Unlock()
	b.deliver(key, batch, ref)
	return true
}

// Stop cancels every timer and drops all buffers without flushing.
// No flush starts after Stop returns.
func (b *Batcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	dropped := 0
	for key, e := range b.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		dropped += len(e.msgs)
		delete(b.entries, key)
	}
	if dropped > 0 {
		slog.Info("batcher: stopped with pending messages dropped", "messages", dropped)
	}
}

// Pending returns how many messages are buffered for key.
func (b *Batcher) Pending(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return len(e.msgs)
	}
	return 0
}

// Len returns the number of keys with buffered messages.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// takeLocked removes the entry and builds its batch. Caller holds b.mu.
func (b *Batcher) takeLocked(key string, e *entry) (bus.InboundMessage, any) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(b.entries, key)
	return BuildBatch(e.msgs), e.ref
}

func (b *Batcher) deliver(key string, batch bus.InboundMessage, ref any) {
	slog.Debug("batcher: flush", "key", key, "messages", len(batch.BatchedMessages), "mentioned", batch.WasMentioned)
	if b.onFlush != nil {
		b.onFlush(batch, ref)
	}
}

// BuildBatch synthesizes one message from msgs (non-empty, arrival order).
// Text is joined by newlines, WasMentioned is OR-ed, and everything else
// comes from the last message. The originals are not modified.
func BuildBatch(msgs []bus.InboundMessage) bus.InboundMessage {
	last := msgs[len(msgs)-1]
	batch := last

	texts := make([]string, len(msgs))
	batch.WasMentioned = false
	batch.MentionMethod = ""
	for i, m := range msgs {
		texts[i] = m.Text
		if m.WasMentioned && !batch.WasMentioned {
			batch.WasMentioned = true
			batch.MentionMethod = m.MentionMethod
		}
	}

	batch.Text = strings.Join(texts, "\n")
	batch.IsBatch = true
	batch.BatchID = uuid.NewString()
	batch.BatchedMessages = append([]bus.InboundMessage(nil), msgs...)
	if last.Metadata != nil {
		batch.Metadata = make(map[string]string, len(last.Metadata))
		for k, v := range last.Metadata {
			batch.Metadata[k] = v
		}
	}
	if batch.Timestamp.IsZero() {
		batch.Timestamp = time.Now()
	}
	return batch
}
