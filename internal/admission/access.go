package admission

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/gateclaw/internal/bus"
	"github.com/nextlevelbuilder/gateclaw/internal/identity"
	"github.com/nextlevelbuilder/gateclaw/internal/store"
)

// DMPolicy controls how DMs from unknown senders are handled.
type DMPolicy string

const (
	DMPolicyPairing   DMPolicy = "pairing"   // unknown senders get a pairing code
	DMPolicyAllowlist DMPolicy = "allowlist" // only listed or approved senders
	DMPolicyOpen      DMPolicy = "open"      // accept all
	DMPolicyDisabled  DMPolicy = "disabled"  // reject all DMs
)

// ParseDMPolicy validates a policy string; empty means pairing.
func ParseDMPolicy(s string) (DMPolicy, error) {
	switch p := DMPolicy(s); p {
	case "":
		return DMPolicyPairing, nil
	case DMPolicyPairing, DMPolicyAllowlist, DMPolicyOpen, DMPolicyDisabled:
		return p, nil
	}
	return "", fmt.Errorf("unknown dm policy %q", s)
}

// AccessStatus is the DM state-machine outcome.
type AccessStatus string

const (
	AccessAllowed        AccessStatus = "allowed"
	AccessBlocked        AccessStatus = "blocked"
	AccessPairingCreated AccessStatus = "pairing-created"
	AccessPairingPending AccessStatus = "pairing-pending"
	AccessQueueFull      AccessStatus = "queue-full"
)

// Block reasons reported in AccessDecision.Reason.
const (
	ReasonSelfChatOnly     = "self-chat-only"
	ReasonDMDisabled       = "dm-disabled"
	ReasonNotInAllowlist   = "not-in-allowlist"
	ReasonStoreUnavailable = "store-unavailable"
	ReasonMissingSender    = "missing-sender"
)

// AccessDecision tells the caller what happened and whether to notify the sender.
type AccessDecision struct {
	Status AccessStatus
	Code   string // pairing code for pairing-created
	Notify bool   // send a user-facing notice for this status
	Reason string
}

// AccessPolicy is one channel's DM configuration.
type AccessPolicy struct {
	DMPolicy  DMPolicy
	AllowFrom []string

	// SelfIDs identify the bot's own account (self-chat). SelfChatOnly
	// blocks everyone else without engaging pairing.
	SelfIDs      []string
	SelfChatOnly bool
}

// AccessRequest is one DM to authorize.
type AccessRequest struct {
	Channel bus.ChannelType
	UserID  string
	Meta    map[string]string
	Policy  AccessPolicy
}

// AccessController runs the DM access state machine against a PairingStore.
type AccessController struct {
	store   store.PairingStore
	notices *NoticeLimiter
}

// NewAccessController creates a controller. notices throttles blocked and
// queue-full notices per sender.
func NewAccessController(s store.PairingStore, notices *NoticeLimiter) *AccessController {
	if notices == nil {
		notices = NewNoticeLimiter(0)
	}
	return &AccessController{store: s, notices: notices}
}

// Check authorizes a DM. It never returns an error: store failures are
// logged and resolved without granting access.
func (a *AccessController) Check(ctx context.Context, req AccessRequest) AccessDecision {
	p := req.Policy
	channel := string(req.Channel)

	if req.UserID != "" && isSelf(p.SelfIDs, req.UserID) {
		return AccessDecision{Status: AccessAllowed, Reason: "self"}
	}
	if p.SelfChatOnly {
		return AccessDecision{Status: AccessBlocked, Reason: ReasonSelfChatOnly}
	}
	if req.UserID == "" {
		return AccessDecision{Status: AccessBlocked, Reason: ReasonMissingSender}
	}

	switch p.DMPolicy {
	case DMPolicyOpen:
		return AccessDecision{Status: AccessAllowed}
	case DMPolicyDisabled:
		return AccessDecision{Status: AccessBlocked, Reason: ReasonDMDisabled}
	}

	if identity.MatchAllowList(p.AllowFrom, req.UserID) {
		return AccessDecision{Status: AccessAllowed}
	}
	allowed, err := a.store.IsUserAllowed(ctx, channel, req.UserID, p.AllowFrom)
	if err != nil {
		slog.Warn("access: allowlist lookup degraded", "channel", channel, "user_id", req.UserID, "error", err)
	}
	if allowed {
		return AccessDecision{Status: AccessAllowed}
	}

	noticeKey := channel + ":" + req.UserID

	if p.DMPolicy == DMPolicyAllowlist {
		return AccessDecision{
			Status: AccessBlocked,
			Reason: ReasonNotInAllowlist,
			Notify: a.notices.Allow(noticeKey),
		}
	}

	res, err := a.store.UpsertPairingRequest(ctx, channel, req.UserID, req.Meta)
	if err != nil {
		slog.Warn("access: pairing store degraded", "channel", channel, "user_id", req.UserID, "error", err)
		if !store.IsStoreIOError(err) || (res.Code == "" && !res.Created) {
			return AccessDecision{Status: AccessBlocked, Reason: ReasonStoreUnavailable}
		}
	}

	switch {
	case res.Created:
		a.notices.Reset(noticeKey)
		return AccessDecision{Status: AccessPairingCreated, Code: res.Code, Notify: true}
	case res.QueueFull():
		return AccessDecision{Status: AccessQueueFull, Notify: a.notices.Allow(noticeKey)}
	default:
		return AccessDecision{Status: AccessPairingPending, Code: res.Code}
	}
}

// ForgetNotices clears notice throttling for a sender, e.g. after approval.
func (a *AccessController) ForgetNotices(channel bus.ChannelType, userID string) {
	a.notices.Reset(string(channel) + ":" + userID)
}

func isSelf(selfIDs []string, userID string) bool {
	id, _ := identity.SplitCompound(userID)
	for _, self := range selfIDs {
		if self == "" {
			continue
		}
		if self == userID || self == id {
			return true
		}
		if identity.LooksLikePhone(self) && identity.LooksLikePhone(id) &&
			identity.SamePhone(identity.StripJIDServer(self), identity.StripJIDServer(id)) {
			return true
		}
	}
	return false
}
