package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gateclaw/internal/admission"
	"github.com/nextlevelbuilder/gateclaw/internal/batcher/batchertest"
	"github.com/nextlevelbuilder/gateclaw/internal/bus"
	"github.com/nextlevelbuilder/gateclaw/internal/config"
	"github.com/nextlevelbuilder/gateclaw/internal/store"
	"github.com/nextlevelbuilder/gateclaw/internal/store/file"
)

type notice struct {
	channel bus.ChannelType
	chatID  string
	text    string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notice
}

func (f *fakeNotifier) Notify(_ context.Context, channel bus.ChannelType, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, notice{channel, chatID, text})
	return nil
}

func (f *fakeNotifier) all() []notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notice(nil), f.sent...)
}

type recorder struct {
	mu   sync.Mutex
	msgs []bus.InboundMessage
}

func (r *recorder) handle(_ context.Context, msg bus.InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) all() []bus.InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.InboundMessage(nil), r.msgs...)
}

type harness struct {
	p        *Pipeline
	store    *file.PairingStore
	notifier *fakeNotifier
	out      *recorder
	clock    *batchertest.ManualScheduler
}

func newHarness(t *testing.T, admin *AdminTarget, settings ...ChannelSettings) *harness {
	t.Helper()
	h := &harness{
		store:    file.NewPairingStore(t.TempDir(), store.PairingOptions{MaxPending: 3}),
		notifier: &fakeNotifier{},
		out:      &recorder{},
		clock:    batchertest.NewManualScheduler(),
	}
	h.p = New(Options{
		Store:          h.store,
		Notifier:       h.notifier,
		OnAdmitted:     h.out.handle,
		Admin:          admin,
		BotName:        "Claw",
		NoticeInterval: time.Hour,
		Scheduler:      h.clock,
	}, settings...)
	t.Cleanup(h.p.Stop)
	return h
}

func telegramSettings(ac config.AdmissionConfig) ChannelSettings {
	return SettingsFromConfig(bus.ChannelTelegram, ac, admission.BotIdentity{IDs: []string{"999"}, Username: "claw_bot"})
}

func dmMsg(user, text string) bus.InboundMessage {
	return bus.InboundMessage{Channel: bus.ChannelTelegram, ChatID: user, SenderID: user, Text: text}
}

func grpMsg(chatID, user, text string) bus.InboundMessage {
	return bus.InboundMessage{Channel: bus.ChannelTelegram, ChatID: chatID, SenderID: user, Text: text, IsGroup: true}
}

func TestDMPairingFlow(t *testing.T) {
	h := newHarness(t, &AdminTarget{Channel: bus.ChannelTelegram, ChatID: "admin"}, telegramSettings(config.AdmissionConfig{}))
	ctx := context.Background()

	out := h.p.Handle(ctx, dmMsg("42", "hi"))
	assert.False(t, out.Admitted)
	assert.Equal(t, string(admission.AccessPairingCreated), out.Status)

	sent := h.notifier.all()
	require.Len(t, sent, 2)
	assert.Equal(t, "42", sent[0].chatID)
	assert.Contains(t, sent[0].text, "Pairing code:")
	assert.Equal(t, "admin", sent[1].chatID)
	assert.Contains(t, sent[1].text, "gateclaw pairing approve telegram")

	reqs, err := h.store.ListPairingRequests(ctx, "telegram")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	code := reqs[0].Code
	assert.Contains(t, sent[0].text, code)

	// Repeat DMs while pending are silent.
	out = h.p.Handle(ctx, dmMsg("42", "hello?"))
	assert.Equal(t, string(admission.AccessPairingPending), out.Status)
	assert.Len(t, h.notifier.all(), 2)
	assert.Empty(t, h.out.all())

	approved, err := h.p.ApprovePairing(ctx, bus.ChannelTelegram, strings.ToLower(code))
	require.NoError(t, err)
	require.NotNil(t, approved)
	assert.Equal(t, "42", approved.UserID)

	sent = h.notifier.all()
	require.Len(t, sent, 3)
	assert.Equal(t, "42", sent[2].chatID)
	assert.Contains(t, sent[2].text, "access approved")

	out = h.p.Handle(ctx, dmMsg("42", "now?"))
	assert.True(t, out.Admitted)
	got := h.out.all()
	require.Len(t, got, 1)
	assert.Equal(t, "now?", got[0].Text)
}

func TestApproveUnknownCode(t *testing.T) {
	h := newHarness(t, nil, telegramSettings(config.AdmissionConfig{}))
	approved, err := h.p.ApprovePairing(context.Background(), bus.ChannelTelegram, "ZZZZZZZZ")
	assert.NoError(t, err)
	assert.Nil(t, approved)
	assert.Empty(t, h.notifier.all())
}

func TestDMAllowlistBlockedNoticeThrottled(t *testing.T) {
	h := newHarness(t, nil, telegramSettings(config.AdmissionConfig{DMPolicy: "allowlist", AllowFrom: []string{"7"}}))
	ctx := context.Background()

	assert.True(t, h.p.Handle(ctx, dmMsg("7", "hi")).Admitted)

	for i := 0; i < 3; i++ {
		out := h.p.Handle(ctx, dmMsg("8", "hi"))
		assert.False(t, out.Admitted)
		assert.Equal(t, admission.ReasonNotInAllowlist, out.Reason)
	}
	assert.Len(t, h.notifier.all(), 1)
}

func TestDMQueueFull(t *testing.T) {
	h := newHarness(t, nil, telegramSettings(config.AdmissionConfig{}))
	ctx := context.Background()
	for _, u := range []string{"1", "2", "3"} {
		assert.Equal(t, string(admission.AccessPairingCreated), h.p.Handle(ctx, dmMsg(u, "hi")).Status)
	}
	out := h.p.Handle(ctx, dmMsg("4", "hi"))
	assert.Equal(t, string(admission.AccessQueueFull), out.Status)
	sent := h.notifier.all()
	require.Len(t, sent, 4)
	assert.Contains(t, sent[3].text, "too many pending")
}

func TestInvalidAndUnknownChannelDropped(t *testing.T) {
	h := newHarness(t, nil, telegramSettings(config.AdmissionConfig{}))
	ctx := context.Background()

	out := h.p.Handle(ctx, bus.InboundMessage{Channel: bus.ChannelTelegram, SenderID: "1"})
	assert.Equal(t, reasonInvalid, out.Reason)

	out = h.p.Handle(ctx, bus.InboundMessage{Channel: bus.ChannelSlack, ChatID: "D1", SenderID: "U1"})
	assert.Equal(t, reasonUnknownChannel, out.Reason)
	assert.Empty(t, h.notifier.all())
}

func TestGroupSpecificOverridesWildcard(t *testing.T) {
	h := newHarness(t, nil, telegramSettings(config.AdmissionConfig{
		Groups: map[string]config.GroupConfig{
			"*":     {Mode: "mention-only"},
			"-1001": {Mode: "open"},
		},
	}))
	ctx := context.Background()

	out := h.p.Handle(ctx, grpMsg("-1001", "5", "hello"))
	assert.True(t, out.Admitted)
	assert.False(t, out.Flushed)
	assert.Equal(t, 1, h.p.PendingBatch(bus.ChannelTelegram, "-1001"))

	out = h.p.Handle(ctx, grpMsg("-1002", "5", "hello"))
	assert.False(t, out.Admitted)
	assert.Equal(t, admission.ReasonMentionRequired, out.Reason)

	h.clock.Advance(5 * time.Second)
	got := h.out.all()
	require.Len(t, got, 1)
	assert.True(t, got[0].IsBatch)
	assert.Equal(t, "-1001", got[0].ChatID)
	assert.Equal(t, "open", got[0].GroupMode)
}

func TestGroupBurstThenMention(t *testing.T) {
	h := newHarness(t, nil, telegramSettings(config.AdmissionConfig{GroupMode: "open"}))
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		h.p.Handle(ctx, grpMsg("-5", "1", text))
		h.clock.Advance(time.Second)
	}
	assert.Empty(t, h.out.all())

	out := h.p.Handle(ctx, grpMsg("-5", "1", "@claw_bot d"))
	assert.True(t, out.Flushed)

	got := h.out.all()
	require.Len(t, got, 1)
	assert.Equal(t, "a\nb\nc\n@claw_bot d", got[0].Text)
	assert.True(t, got[0].WasMentioned)
	assert.Len(t, got[0].BatchedMessages, 4)
	assert.Equal(t, 0, h.clock.Active())
}

func TestInstantGroupSkipsBatching(t *testing.T) {
	h := newHarness(t, nil, telegramSettings(config.AdmissionConfig{
		GroupMode:     "open",
		InstantGroups: []string{"-7"},
	}))
	out := h.p.Handle(context.Background(), grpMsg("-7", "1", "hi"))
	assert.True(t, out.Flushed)
	assert.Len(t, h.out.all(), 1)
}

func TestListenModeBuffersSilently(t *testing.T) {
	h := newHarness(t, nil, telegramSettings(config.AdmissionConfig{GroupMode: "listen"}))
	out := h.p.Handle(context.Background(), grpMsg("-9", "1", "chatter"))
	assert.True(t, out.Admitted)
	h.clock.Advance(5 * time.Second)

	got := h.out.all()
	require.Len(t, got, 1)
	assert.Equal(t, "listen", got[0].GroupMode)
	assert.False(t, got[0].WasMentioned)
}

func TestApprovedGroupBypassesAllowlist(t *testing.T) {
	h := newHarness(t, nil, telegramSettings(config.AdmissionConfig{
		GroupMode: "open",
		Groups:    map[string]config.GroupConfig{"-1": {Mode: "open"}},
	}))
	ctx := context.Background()

	out := h.p.Handle(ctx, grpMsg("-2", "1", "hi"))
	assert.Equal(t, admission.ReasonGroupNotAllowed, out.Reason)

	require.NoError(t, h.store.ApproveGroup(ctx, "telegram", "-2"))
	out = h.p.Handle(ctx, grpMsg("-2", "1", "hi"))
	assert.True(t, out.Admitted)
}

func TestSetBotIdentityRebuildsStrategy(t *testing.T) {
	h := newHarness(t, nil, SettingsFromConfig(bus.ChannelDiscord, config.AdmissionConfig{}, admission.BotIdentity{}))
	ctx := context.Background()
	msg := bus.InboundMessage{
		Channel: bus.ChannelDiscord, ChatID: "C1", SenderID: "U1", Text: "<@B1> hi", IsGroup: true,
		Signals: &bus.MentionSignals{MentionedIDs: []string{"B1"}},
	}

	assert.Equal(t, admission.ReasonMentionRequired, h.p.Handle(ctx, msg).Reason)

	h.p.SetBotIdentity(bus.ChannelDiscord, admission.BotIdentity{IDs: []string{"B1"}})
	out := h.p.Handle(ctx, msg)
	assert.True(t, out.Flushed)
	got := h.out.all()
	require.Len(t, got, 1)
	assert.Equal(t, string(admission.MethodNative), got[0].MentionMethod)
}

func TestSettingsFromConfig(t *testing.T) {
	sec := 0.0
	s := SettingsFromConfig(bus.ChannelWhatsApp, config.AdmissionConfig{
		DMPolicy:         "bogus",
		GroupMode:        "nope",
		GroupDebounceSec: &sec,
		InstantGroups:    []string{"g1"},
		Groups:           map[string]config.GroupConfig{"g2": {Mode: "weird", AllowedUsers: []string{"+1555"}}},
	}, admission.BotIdentity{Phone: "+15550102000"})

	assert.Equal(t, admission.DMPolicyPairing, s.Access.DMPolicy)
	assert.Equal(t, admission.GroupModeMentionOnly, s.Fallback)
	assert.Equal(t, time.Duration(0), s.debounceFor("g3"))
	assert.Contains(t, s.Access.SelfIDs, "+15550102000")
	assert.Equal(t, admission.GroupMode(""), s.Groups["g2"].Mode)
	assert.Equal(t, []string{"+1555"}, s.Groups["g2"].AllowedUsers)

	s = SettingsFromConfig(bus.ChannelTelegram, config.AdmissionConfig{InstantGroups: []string{"-5"}}, admission.BotIdentity{})
	assert.Equal(t, time.Duration(0), s.debounceFor("-5"))
	assert.Equal(t, config.DefaultGroupDebounce, s.debounceFor("-6"))
}

func TestAdminChatCommands(t *testing.T) {
	h := newHarness(t, &AdminTarget{Channel: bus.ChannelTelegram, ChatID: "admin"},
		telegramSettings(config.AdmissionConfig{}),
		SettingsFromConfig(bus.ChannelDiscord, config.AdmissionConfig{}, admission.BotIdentity{IDs: []string{"b"}}))
	ctx := context.Background()

	h.p.Handle(ctx, dmMsg("42", "hi"))
	h.p.Handle(ctx, bus.InboundMessage{Channel: bus.ChannelDiscord, ChatID: "dm-9", SenderID: "9", Text: "hey"})
	tgReqs, err := h.store.ListPairingRequests(ctx, "telegram")
	require.NoError(t, err)
	require.Len(t, tgReqs, 1)
	dcReqs, err := h.store.ListPairingRequests(ctx, "discord")
	require.NoError(t, err)
	require.Len(t, dcReqs, 1)
	before := len(h.notifier.all())

	admin := func(text string) Outcome {
		return h.p.Handle(ctx, bus.InboundMessage{Channel: bus.ChannelTelegram, ChatID: "admin", SenderID: "1", Text: text})
	}

	out := admin("/approve " + strings.ToLower(tgReqs[0].Code))
	assert.Equal(t, statusAdminCommand, out.Status)
	assert.False(t, out.Admitted)

	out = admin("/deny@claw_bot discord " + dcReqs[0].Code)
	assert.Equal(t, statusAdminCommand, out.Status)

	out = admin("/approve discord NOPE1234")
	assert.Equal(t, statusAdminCommand, out.Status)

	sent := h.notifier.all()[before:]
	require.Len(t, sent, 4)
	assert.Equal(t, "42", sent[0].chatID)
	assert.Contains(t, sent[0].text, "access approved")
	assert.Equal(t, "admin", sent[1].chatID)
	assert.Equal(t, "Approved telegram user 42.", sent[1].text)
	assert.Equal(t, "Denied discord user 9.", sent[2].text)
	assert.Contains(t, sent[3].text, "No pending discord request")

	allowed, err := h.store.ListAllowed(ctx, "discord")
	require.NoError(t, err)
	assert.Empty(t, allowed)
	assert.True(t, h.p.Handle(ctx, dmMsg("42", "in")).Admitted)

	// Non-commands from the admin chat go through normal access control.
	out = admin("hello")
	assert.NotEqual(t, statusAdminCommand, out.Status)
}
