package admission

import "github.com/nextlevelbuilder/gateclaw/internal/bus"

// Gate rejection reasons.
const (
	ReasonGroupNotAllowed = "group-not-in-allowlist"
	ReasonUserNotAllowed  = "user-not-allowed"
	ReasonGroupsDisabled  = "groups-disabled"
	ReasonMentionRequired = "mention-required"
)

// GateInput is everything the gating engine needs for one group message.
type GateInput struct {
	Message  bus.InboundMessage
	Strategy MentionStrategy
	Groups   GroupsConfig
	Fallback GroupMode

	// GroupApproved marks a group approved at runtime through the pairing
	// store; it passes the allowlist step even when absent from Groups.
	GroupApproved bool
}

// GateResult keeps mode and mention state separate so listen-mode
// consumers can decide on replies themselves.
type GateResult struct {
	ShouldProcess bool
	Mode          GroupMode
	WasMentioned  bool
	Method        MentionMethod
	Reason        string
}

// Gate decides whether a group message should be processed. It is pure:
// the same input always yields the same result.
func Gate(in GateInput) GateResult {
	keys := in.Strategy.GroupKeys(in.Message)

	if !in.GroupApproved && !IsGroupAllowed(in.Groups, keys) {
		return GateResult{Reason: ReasonGroupNotAllowed}
	}
	if !IsGroupUserAllowed(in.Groups, keys, in.Message.SenderID) {
		return GateResult{Reason: ReasonUserNotAllowed}
	}

	fallback := in.Fallback
	if fallback == "" {
		fallback = GroupModeMentionOnly
	}
	mode := ResolveGroupMode(in.Groups, keys, fallback)
	if mode == GroupModeDisabled {
		return GateResult{Mode: mode, Reason: ReasonGroupsDisabled}
	}

	det := DetectMention(in.Strategy, InputFromMessage(in.Message))
	res := GateResult{
		Mode:         mode,
		WasMentioned: det.WasMentioned,
		Method:       det.Method,
	}

	switch mode {
	case GroupModeMentionOnly:
		res.ShouldProcess = det.WasMentioned
		if !det.WasMentioned {
			res.Reason = ReasonMentionRequired
		}
	default:
		res.ShouldProcess = true
	}
	return res
}
