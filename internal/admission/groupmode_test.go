package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func boolPtr(b bool) *bool { return &b }

func TestIsGroupAllowedOpenByDefault(t *testing.T) {
	keys := []string{"-1001", "group:-1001"}
	assert.True(t, IsGroupAllowed(nil, keys))
	assert.True(t, IsGroupAllowed(GroupsConfig{}, keys))
	assert.True(t, IsGroupAllowed(GroupsConfig{"*": {}}, keys))
	assert.True(t, IsGroupAllowed(GroupsConfig{"group:-1001": {}}, keys))
	assert.False(t, IsGroupAllowed(GroupsConfig{"-2002": {}}, keys))
	assert.False(t, IsGroupAllowed(GroupsConfig{"-2002": {}}, nil))
}

func TestResolveGroupModePrecedence(t *testing.T) {
	groups := GroupsConfig{
		"*":     {Mode: GroupModeMentionOnly},
		"-1001": {Mode: GroupModeOpen},
		"-1003": {AllowedUsers: []string{"42"}}, // no usable mode
	}

	assert.Equal(t, GroupModeOpen, ResolveGroupMode(groups, []string{"-1001"}, GroupModeDisabled))
	assert.Equal(t, GroupModeMentionOnly, ResolveGroupMode(groups, []string{"-1002"}, GroupModeDisabled))
	assert.Equal(t, GroupModeMentionOnly, ResolveGroupMode(groups, []string{"-1003"}, GroupModeDisabled))
	assert.Equal(t, GroupModeListen, ResolveGroupMode(GroupsConfig{"-1001": {}}, []string{"-1001"}, GroupModeListen))
	assert.Equal(t, GroupModeListen, ResolveGroupMode(nil, []string{"-1001"}, GroupModeListen))
}

func TestResolveGroupModeKeyOrder(t *testing.T) {
	groups := GroupsConfig{
		"123@g.us": {Mode: GroupModeListen},
		"123":      {Mode: GroupModeDisabled},
	}
	assert.Equal(t, GroupModeListen, ResolveGroupMode(groups, []string{"123@g.us", "123"}, GroupModeOpen))
	assert.Equal(t, GroupModeDisabled, ResolveGroupMode(groups, []string{"123", "123@g.us"}, GroupModeOpen))
}

func TestEffectiveModeLegacy(t *testing.T) {
	m, ok := GroupModeConfig{RequireMention: boolPtr(true)}.EffectiveMode()
	assert.True(t, ok)
	assert.Equal(t, GroupModeMentionOnly, m)

	m, ok = GroupModeConfig{RequireMention: boolPtr(false)}.EffectiveMode()
	assert.True(t, ok)
	assert.Equal(t, GroupModeOpen, m)

	// mode wins over the legacy flag
	m, _ = GroupModeConfig{Mode: GroupModeListen, RequireMention: boolPtr(true)}.EffectiveMode()
	assert.Equal(t, GroupModeListen, m)

	_, ok = GroupModeConfig{}.EffectiveMode()
	assert.False(t, ok)
}

func TestIsGroupUserAllowed(t *testing.T) {
	groups := GroupsConfig{
		"*":     {AllowedUsers: []string{"1"}},
		"-1001": {AllowedUsers: []string{"2", "@carol"}},
		"-1002": {},
	}
	assert.True(t, IsGroupUserAllowed(groups, []string{"-1001"}, "2"))
	assert.True(t, IsGroupUserAllowed(groups, []string{"-1001"}, "9|carol"))
	assert.False(t, IsGroupUserAllowed(groups, []string{"-1001"}, "1"))
	assert.True(t, IsGroupUserAllowed(groups, []string{"-1009"}, "1"))
	assert.False(t, IsGroupUserAllowed(groups, []string{"-1009"}, "2"))
	assert.True(t, IsGroupUserAllowed(groups, []string{"-1002"}, "7"))
	assert.True(t, IsGroupUserAllowed(groups, []string{"-1001"}, ""), "missing sender must not block")
}

func TestParseGroupMode(t *testing.T) {
	for _, s := range []string{"open", "listen", "mention-only", "disabled"} {
		m, err := ParseGroupMode(s)
		assert.NoError(t, err)
		assert.Equal(t, GroupMode(s), m)
	}
	_, err := ParseGroupMode("mention")
	assert.Error(t, err)
}
