package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gateclaw/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*PairingStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewPairingStore(t.TempDir(), store.PairingOptions{MaxPending: 3, TTL: time.Hour, Now: clock.Now})
	return s, clock
}

func TestUpsertDedup(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertPairingRequest(ctx, "telegram", "100", map[string]string{"chat_id": "100"})
	require.NoError(t, err)
	require.True(t, first.Created)
	require.Len(t, first.Code, store.PairingCodeLength)

	clock.Advance(time.Minute)
	second, err := s.UpsertPairingRequest(ctx, "telegram", "100", map[string]string{"username": "alice"})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Code, second.Code)

	reqs, err := s.ListPairingRequests(ctx, "telegram")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, map[string]string{"chat_id": "100", "username": "alice"}, reqs[0].Meta)
	assert.Equal(t, clock.Now(), reqs[0].LastSeenAt)
}

func TestUpsertQueueFull(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		res, err := s.UpsertPairingRequest(ctx, "discord", id, nil)
		require.NoError(t, err)
		require.True(t, res.Created)
	}
	res, err := s.UpsertPairingRequest(ctx, "discord", "4", nil)
	require.NoError(t, err)
	assert.True(t, res.QueueFull())

	// Other channels are unaffected.
	res, err = s.UpsertPairingRequest(ctx, "slack", "4", nil)
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestApprovePairingCode(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	res, err := s.UpsertPairingRequest(ctx, "signal", "+15550102000", map[string]string{"chat_id": "+15550102000"})
	require.NoError(t, err)

	allowed, err := s.IsUserAllowed(ctx, "signal", "+15550102000", nil)
	require.NoError(t, err)
	assert.False(t, allowed)

	approved, err := s.ApprovePairingCode(ctx, "signal", " "+strings.ToLower(res.Code)+" ")
	require.NoError(t, err)
	require.NotNil(t, approved)
	assert.Equal(t, "+15550102000", approved.UserID)
	assert.Equal(t, "+15550102000", approved.Meta["chat_id"])

	allowed, err = s.IsUserAllowed(ctx, "signal", "+15550102000", nil)
	require.NoError(t, err)
	assert.True(t, allowed)

	reqs, err := s.ListPairingRequests(ctx, "signal")
	require.NoError(t, err)
	assert.Empty(t, reqs)

	// A code can only be used once.
	again, err := s.ApprovePairingCode(ctx, "signal", res.Code)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestApproveUnknownCode(t *testing.T) {
	s, _ := newTestStore(t)
	approved, err := s.ApprovePairingCode(context.Background(), "telegram", "ZZZZZZZZ")
	require.NoError(t, err)
	assert.Nil(t, approved)
}

func TestExpiredRequestCannotBeApproved(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	res, err := s.UpsertPairingRequest(ctx, "telegram", "100", nil)
	require.NoError(t, err)

	clock.Advance(time.Hour + time.Second)
	approved, err := s.ApprovePairingCode(ctx, "telegram", res.Code)
	require.NoError(t, err)
	assert.Nil(t, approved)

	// A fresh request gets a new code.
	again, err := s.UpsertPairingRequest(ctx, "telegram", "100", nil)
	require.NoError(t, err)
	assert.True(t, again.Created)
}

func TestDenyPairingCode(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	res, err := s.UpsertPairingRequest(ctx, "slack", "U1", nil)
	require.NoError(t, err)

	denied, err := s.DenyPairingCode(ctx, "slack", res.Code)
	require.NoError(t, err)
	require.NotNil(t, denied)
	assert.Equal(t, "U1", denied.UserID)

	allowed, err := s.IsUserAllowed(ctx, "slack", "U1", nil)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestStaticAllowListBypassesStore(t *testing.T) {
	s, _ := newTestStore(t)
	allowed, err := s.IsUserAllowed(context.Background(), "telegram", "100|alice", []string{"@alice"})
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestPersistenceAcrossInstances(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	res, err := s.UpsertPairingRequest(ctx, "whatsapp", "15550102000", nil)
	require.NoError(t, err)
	require.NoError(t, s.ApproveGroup(ctx, "whatsapp", "123@g.us"))

	other := NewPairingStore(s.Dir(), store.PairingOptions{MaxPending: 3, TTL: time.Hour, Now: clock.Now})
	reqs, err := other.ListPairingRequests(ctx, "whatsapp")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, res.Code, reqs[0].Code)

	ok, err := other.IsGroupApproved(ctx, "whatsapp", "123@g.us")
	require.NoError(t, err)
	assert.True(t, ok)

	var doc pairingDoc
	data, err := os.ReadFile(filepath.Join(s.Dir(), "whatsapp-pairing.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, fileVersion, doc.Version)
}

func TestLoadTrimsExcessOldestFirst(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	doc := pairingDoc{Version: 1}
	for i, code := range []string{"AAAAAAAA", "BBBBBBBB", "CCCCCCCC", "DDDDDDDD", "EEEEEEEE"} {
		doc.Requests = append(doc.Requests, store.PendingPairingRequest{
			UserID:    string(rune('1' + i)),
			Code:      code,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "telegram-pairing.json"), data, 0600))

	now := func() time.Time { return base.Add(10 * time.Minute) }
	s := NewPairingStore(dir, store.PairingOptions{MaxPending: 3, TTL: time.Hour, Now: now})
	reqs, err := s.ListPairingRequests(context.Background(), "telegram")
	require.NoError(t, err)
	require.Len(t, reqs, 3)
	assert.Equal(t, "CCCCCCCC", reqs[0].Code)
	assert.Equal(t, "EEEEEEEE", reqs[2].Code)
}

func TestCorruptFileFailsOpenToEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "discord-allowFrom.json"), []byte("{nope"), 0600))

	s := NewPairingStore(dir, store.PairingOptions{})
	allowed, err := s.IsUserAllowed(context.Background(), "discord", "42", nil)
	assert.False(t, allowed)
	assert.True(t, store.IsStoreIOError(err))
}

func TestUnreadableAllowListIsNotOverwritten(t *testing.T) {
	dir := t.TempDir()
	allowPath := filepath.Join(dir, "discord-allowFrom.json")
	corrupt := []byte(`{"version":1,"allowFrom":["alice","bob","carol",]}`)
	require.NoError(t, os.WriteFile(allowPath, corrupt, 0600))

	s := NewPairingStore(dir, store.PairingOptions{MaxPending: 3, TTL: time.Hour})
	ctx := context.Background()

	res, err := s.UpsertPairingRequest(ctx, "discord", "dave", nil)
	require.True(t, res.Created)
	assert.True(t, store.IsStoreIOError(err))

	approved, err := s.ApprovePairingCode(ctx, "discord", res.Code)
	require.NotNil(t, approved)
	assert.Equal(t, "dave", approved.UserID)
	require.Error(t, err)
	assert.ErrorIs(t, err, errLoadFailed)

	// The unreadable document is left alone and the request stays on disk.
	data, err := os.ReadFile(allowPath)
	require.NoError(t, err)
	assert.Equal(t, corrupt, data)
	data, err = os.ReadFile(filepath.Join(dir, "discord-pairing.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), res.Code)

	ok, _ := s.IsUserAllowed(ctx, "discord", "dave", nil)
	assert.True(t, ok)
	assert.False(t, s.invalidate("discord"))

	// Once the file reads cleanly, memory is merged into it and written.
	require.NoError(t, os.WriteFile(allowPath, []byte(`{"version":1,"allowFrom":["alice","bob","carol"]}`), 0600))
	allowed, err := s.ListAllowed(ctx, "discord")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol", "dave"}, allowed)

	var doc allowFromDoc
	data, err = os.ReadFile(allowPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, []string{"alice", "bob", "carol", "dave"}, doc.AllowFrom)

	fresh := NewPairingStore(dir, store.PairingOptions{})
	reqs, err := fresh.ListPairingRequests(ctx, "discord")
	require.NoError(t, err)
	assert.Empty(t, reqs)
	ok, err = fresh.IsUserAllowed(ctx, "discord", "alice", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpsertDedupSkipsRewrite(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	path := filepath.Join(s.Dir(), "telegram-pairing.json")

	res, err := s.UpsertPairingRequest(ctx, "telegram", "100", map[string]string{"chat_id": "100"})
	require.NoError(t, err)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		again, err := s.UpsertPairingRequest(ctx, "telegram", "100", map[string]string{"chat_id": "100"})
		require.NoError(t, err)
		assert.Equal(t, res.Code, again.Code)
	}
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = s.UpsertPairingRequest(ctx, "telegram", "100", map[string]string{"username": "alice"})
	require.NoError(t, err)
	changed, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(changed), "alice")
}

func TestWriteFailureKeepsMemoryState(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	dir := t.TempDir()
	s := NewPairingStore(dir, store.PairingOptions{})
	ctx := context.Background()

	_, err := s.ListPairingRequests(ctx, "telegram")
	require.NoError(t, err)
	require.NoError(t, os.Chmod(dir, 0500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0700) })

	res, err := s.UpsertPairingRequest(ctx, "telegram", "100", nil)
	assert.True(t, res.Created)
	assert.True(t, store.IsStoreIOError(err))

	again, _ := s.UpsertPairingRequest(ctx, "telegram", "100", nil)
	assert.False(t, again.Created)
	assert.Equal(t, res.Code, again.Code)

	// External changes do not clobber unsaved memory.
	assert.False(t, s.invalidate("telegram"))
}

func TestInvalidChannel(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.UpsertPairingRequest(context.Background(), "../etc", "1", nil)
	assert.ErrorIs(t, err, store.ErrInvalidChannel)
}

func TestWatchPicksUpExternalApproval(t *testing.T) {
	s, clock := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := s.UpsertPairingRequest(ctx, "telegram", "100", nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Watch(ctx)
	}()
	time.Sleep(50 * time.Millisecond)

	cli := NewPairingStore(s.Dir(), store.PairingOptions{MaxPending: 3, TTL: time.Hour, Now: clock.Now})
	approved, err := cli.ApprovePairingCode(ctx, "telegram", res.Code)
	require.NoError(t, err)
	require.NotNil(t, approved)

	assert.Eventually(t, func() bool {
		ok, _ := s.IsUserAllowed(ctx, "telegram", "100", nil)
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}

func TestChannelFromFile(t *testing.T) {
	ch, ok := channelFromFile("telegram-mtproto-allowFrom.json")
	assert.True(t, ok)
	assert.Equal(t, "telegram-mtproto", ch)

	_, ok = channelFromFile(".pairing-123.tmp")
	assert.False(t, ok)
}
