package pipeline

import (
	"fmt"

	"github.com/nextlevelbuilder/gateclaw/internal/bus"
)

func pairingNotice(botName string, channel bus.ChannelType, userID, code string) string {
	return fmt.Sprintf(
		"%s: access not configured.\n\nYour %s user id: %s\n\nPairing code: %s\n\nAsk the bot owner to approve with:\n  gateclaw pairing approve %s %s",
		botName, channel, userID, code, channel, code,
	)
}

func adminPairingNotice(channel bus.ChannelType, userID, name, code string) string {
	who := userID
	if name != "" {
		who = fmt.Sprintf("%s (%s)", name, userID)
	}
	return fmt.Sprintf(
		"New %s pairing request from %s.\n\nReply here with:\n  /approve %s %s\nor run:\n  gateclaw pairing approve %s %s",
		channel, who, channel, code, channel, code,
	)
}

func queueFullNotice(botName string) string {
	return fmt.Sprintf("%s: too many pending access requests right now. Please try again later.", botName)
}

func blockedNotice(botName string) string {
	return fmt.Sprintf("%s: you are not authorized to use this bot.", botName)
}

func approvedNotice(botName string) string {
	return fmt.Sprintf("✅ %s access approved. Send a message to start chatting.", botName)
}
