package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nextlevelbuilder/gateclaw/internal/bus"
)

func groupMsg(ch bus.ChannelType, chatID, sender, text string, sig *bus.MentionSignals) bus.InboundMessage {
	return bus.InboundMessage{Channel: ch, ChatID: chatID, SenderID: sender, Text: text, IsGroup: true, Signals: sig}
}

func TestGateSpecificOverridesWildcard(t *testing.T) {
	groups := GroupsConfig{
		"*":     {Mode: GroupModeMentionOnly},
		"-1001": {Mode: GroupModeOpen},
	}
	strategy := NewStrategy(bus.ChannelTelegram, BotIdentity{IDs: []string{"1"}, Username: "claw_bot"}, nil)

	res := Gate(GateInput{
		Message:  groupMsg(bus.ChannelTelegram, "-1001", "42", "hello", nil),
		Strategy: strategy,
		Groups:   groups,
	})
	assert.True(t, res.ShouldProcess)
	assert.Equal(t, GroupModeOpen, res.Mode)
	assert.Empty(t, res.Reason)

	res = Gate(GateInput{
		Message:  groupMsg(bus.ChannelTelegram, "-1002", "42", "hello", nil),
		Strategy: strategy,
		Groups:   groups,
	})
	assert.False(t, res.ShouldProcess)
	assert.Equal(t, ReasonMentionRequired, res.Reason)
	assert.Equal(t, GroupModeMentionOnly, res.Mode)
}

func TestGateLegacyRequireMentionEquivalence(t *testing.T) {
	bot := BotIdentity{IDs: []string{"B1"}, Username: "claw"}
	inputs := []bus.InboundMessage{
		groupMsg(bus.ChannelDiscord, "C1", "U1", "hello", nil),
		groupMsg(bus.ChannelDiscord, "C1", "U1", "hello", &bus.MentionSignals{MentionedIDs: []string{"B1"}}),
		groupMsg(bus.ChannelDiscord, "C1", "U1", "hey claw", &bus.MentionSignals{MentionedIDs: []string{"U7"}}),
		groupMsg(bus.ChannelDiscord, "C1", "U1", "hey claw", nil),
		groupMsg(bus.ChannelDiscord, "C1", "U1", "ok", &bus.MentionSignals{ReplyToAuthorID: "B1"}),
	}
	pairs := []struct {
		legacy bool
		mode   GroupMode
	}{
		{true, GroupModeMentionOnly},
		{false, GroupModeOpen},
	}
	strategy := NewStrategy(bus.ChannelDiscord, bot, CompilePatterns("discord", []string{`\bclaw\b`}))

	for _, p := range pairs {
		for _, key := range []string{"C1", "*"} {
			for _, msg := range inputs {
				legacy := Gate(GateInput{Message: msg, Strategy: strategy, Groups: GroupsConfig{key: {RequireMention: boolPtr(p.legacy)}}, Fallback: GroupModeDisabled})
				modern := Gate(GateInput{Message: msg, Strategy: strategy, Groups: GroupsConfig{key: {Mode: p.mode}}, Fallback: GroupModeDisabled})
				assert.Equal(t, modern, legacy, "key=%s legacy=%v text=%q", key, p.legacy, msg.Text)
			}
		}
	}
}

func TestGateRejections(t *testing.T) {
	strategy := NewStrategy(bus.ChannelSlack, BotIdentity{IDs: []string{"UBOT"}}, nil)

	res := Gate(GateInput{
		Message:  groupMsg(bus.ChannelSlack, "C9", "U1", "hi", nil),
		Strategy: strategy,
		Groups:   GroupsConfig{"C1": {Mode: GroupModeOpen}},
	})
	assert.Equal(t, GateResult{Reason: ReasonGroupNotAllowed}, res)

	res = Gate(GateInput{
		Message:  groupMsg(bus.ChannelSlack, "C1", "U1", "hi", nil),
		Strategy: strategy,
		Groups:   GroupsConfig{"C1": {Mode: GroupModeOpen, AllowedUsers: []string{"U2"}}},
	})
	assert.Equal(t, ReasonUserNotAllowed, res.Reason)

	res = Gate(GateInput{
		Message:  groupMsg(bus.ChannelSlack, "C1", "U1", "hi", &bus.MentionSignals{MentionedIDs: []string{"UBOT"}}),
		Strategy: strategy,
		Groups:   GroupsConfig{"*": {Mode: GroupModeDisabled}},
	})
	assert.False(t, res.ShouldProcess)
	assert.Equal(t, ReasonGroupsDisabled, res.Reason)
}

func TestGateApprovedGroupPassesAllowlist(t *testing.T) {
	strategy := NewStrategy(bus.ChannelSlack, BotIdentity{IDs: []string{"UBOT"}}, nil)
	res := Gate(GateInput{
		Message:       groupMsg(bus.ChannelSlack, "C9", "U1", "hi", nil),
		Strategy:      strategy,
		Groups:        GroupsConfig{"C1": {Mode: GroupModeOpen}},
		Fallback:      GroupModeOpen,
		GroupApproved: true,
	})
	assert.True(t, res.ShouldProcess)
	assert.Equal(t, GroupModeOpen, res.Mode)
}

func TestGateListenKeepsMentionSignal(t *testing.T) {
	strategy := NewStrategy(bus.ChannelSignal, BotIdentity{IDs: []string{"bot-uuid"}}, nil)
	groups := GroupsConfig{"grp": {Mode: GroupModeListen}}

	quiet := Gate(GateInput{Message: groupMsg(bus.ChannelSignal, "grp", "u", "chatter", nil), Strategy: strategy, Groups: groups})
	assert.True(t, quiet.ShouldProcess)
	assert.False(t, quiet.WasMentioned)
	assert.Equal(t, GroupModeListen, quiet.Mode)

	addressed := Gate(GateInput{
		Message:  groupMsg(bus.ChannelSignal, "grp", "u", "hey", &bus.MentionSignals{MentionedIDs: []string{"bot-uuid"}}),
		Strategy: strategy,
		Groups:   groups,
	})
	assert.True(t, addressed.ShouldProcess)
	assert.True(t, addressed.WasMentioned)
	assert.Equal(t, MethodNative, addressed.Method)
}

func TestGateDefaultFallbackIsMentionOnly(t *testing.T) {
	strategy := NewStrategy(bus.ChannelDiscord, BotIdentity{IDs: []string{"B1"}}, nil)
	res := Gate(GateInput{Message: groupMsg(bus.ChannelDiscord, "C1", "U1", "hi", nil), Strategy: strategy})
	assert.False(t, res.ShouldProcess)
	assert.Equal(t, ReasonMentionRequired, res.Reason)
}
