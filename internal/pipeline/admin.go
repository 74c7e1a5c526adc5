package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/gateclaw/internal/bus"
)

const statusAdminCommand = "admin-command"

// adminCommand handles "/approve [channel] CODE" and "/deny [channel] CODE"
// sent from the configured admin chat. The channel defaults to the admin
// chat's own channel. ok=false means msg is not an admin command.
func (p *Pipeline) adminCommand(ctx context.Context, msg bus.InboundMessage) (Outcome, bool) {
	if p.admin == nil || msg.Channel != p.admin.Channel || msg.ChatID != p.admin.ChatID {
		return Outcome{}, false
	}
	fields := strings.Fields(msg.Text)
	if len(fields) < 2 || len(fields) > 3 {
		return Outcome{}, false
	}
	verb, _, _ := strings.Cut(strings.ToLower(fields[0]), "@")
	if verb != "/approve" && verb != "/deny" {
		return Outcome{}, false
	}
	channel, code := msg.Channel, fields[1]
	if len(fields) == 3 {
		ch, err := bus.ParseChannelType(strings.ToLower(fields[1]))
		if err != nil {
			p.notify(ctx, msg.Channel, msg.ChatID, err.Error())
			return Outcome{Status: statusAdminCommand, Reason: "unknown-channel"}, true
		}
		channel, code = ch, fields[2]
	}

	var reply string
	switch verb {
	case "/approve":
		approved, err := p.ApprovePairing(ctx, channel, code)
		switch {
		case err != nil && approved == nil:
			reply = fmt.Sprintf("Approve failed: %v", err)
		case approved == nil:
			reply = fmt.Sprintf("No pending %s request with code %s.", channel, strings.ToUpper(code))
		default:
			reply = fmt.Sprintf("Approved %s user %s.", channel, approved.UserID)
		}
	case "/deny":
		denied, err := p.DenyPairing(ctx, channel, code)
		switch {
		case err != nil && denied == nil:
			reply = fmt.Sprintf("Deny failed: %v", err)
		case denied == nil:
			reply = fmt.Sprintf("No pending %s request with code %s.", channel, strings.ToUpper(code))
		default:
			reply = fmt.Sprintf("Denied %s user %s.", channel, denied.UserID)
		}
	}
	slog.Info("pipeline: admin command", "command", verb, "channel", channel)
	p.notify(ctx, msg.Channel, msg.ChatID, reply)
	return Outcome{Status: statusAdminCommand}, true
}
