// Package admission decides whether an inbound chat message reaches the agent:
// DM access control with pairing, group mode resolution, mention detection
// and the group gating engine built on top of them.
package admission

import (
	"fmt"

	"github.com/nextlevelbuilder/gateclaw/internal/identity"
)

// GroupMode is the participation mode of the bot in one group.
type GroupMode string

const (
	GroupModeOpen        GroupMode = "open"         // every admitted message triggers
	GroupModeListen      GroupMode = "listen"       // every message is admitted, mention state is passed along
	GroupModeMentionOnly GroupMode = "mention-only" // only messages addressing the bot trigger
	GroupModeDisabled    GroupMode = "disabled"     // nothing from the group is processed
)

// WildcardGroup is the groups-config key that applies to every group.
const WildcardGroup = "*"

// ParseGroupMode validates a configured mode string.
func ParseGroupMode(s string) (GroupMode, error) {
	switch m := GroupMode(s); m {
	case GroupModeOpen, GroupModeListen, GroupModeMentionOnly, GroupModeDisabled:
		return m, nil
	}
	return "", fmt.Errorf("unknown group mode %q", s)
}

// GroupModeConfig is one entry of a GroupsConfig.
type GroupModeConfig struct {
	Mode GroupMode
	// RequireMention is the deprecated spelling: true = mention-only, false = open.
	// Ignored when Mode is set.
	RequireMention *bool
	AllowedUsers   []string
}

// EffectiveMode returns the mode this entry specifies, if any.
func (c GroupModeConfig) EffectiveMode() (GroupMode, bool) {
	if c.Mode != "" {
		return c.Mode, true
	}
	if c.RequireMention != nil {
		if *c.RequireMention {
			return GroupModeMentionOnly, true
		}
		return GroupModeOpen, true
	}
	return "", false
}

// GroupsConfig maps a group key (platform chat id or "*") to its config.
// It is read-only once built.
type GroupsConfig map[string]GroupModeConfig

// lookup returns the first entry matching keys, then the wildcard.
func (g GroupsConfig) lookup(keys []string) (GroupModeConfig, bool) {
	for _, k := range keys {
		if k == "" {
			continue
		}
		if c, ok := g[k]; ok {
			return c, true
		}
	}
	c, ok := g[WildcardGroup]
	return c, ok
}

// ResolveGroupMode tries each candidate key in order, then the wildcard entry,
// then fallback. Entries without a usable mode are skipped.
func ResolveGroupMode(groups GroupsConfig, keys []string, fallback GroupMode) GroupMode {
	for _, k := range keys {
		if k == "" {
			continue
		}
		if c, ok := groups[k]; ok {
			if m, ok := c.EffectiveMode(); ok {
				return m
			}
		}
	}
	if c, ok := groups[WildcardGroup]; ok {
		if m, ok := c.EffectiveMode(); ok {
			return m
		}
	}
	return fallback
}

// IsGroupAllowed reports whether a group passes the coarse allowlist:
// an empty config allows every group, otherwise the wildcard or one of keys
// must be present.
func IsGroupAllowed(groups GroupsConfig, keys []string) bool {
	if len(groups) == 0 {
		return true
	}
	if _, ok := groups[WildcardGroup]; ok {
		return true
	}
	for _, k := range keys {
		if _, ok := groups[k]; ok && k != "" {
			return true
		}
	}
	return false
}

// IsGroupUserAllowed applies the allowedUsers list of the most specific
// matching entry. A missing sender id never blocks.
func IsGroupUserAllowed(groups GroupsConfig, keys []string, senderID string) bool {
	if senderID == "" {
		return true
	}
	c, ok := groups.lookup(keys)
	if !ok || len(c.AllowedUsers) == 0 {
		return true
	}
	return identity.MatchAllowList(c.AllowedUsers, senderID)
}
