// Package signal decodes signal-cli style envelopes relayed by a bridge.
package signal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/gateclaw/internal/admission"
	"github.com/nextlevelbuilder/gateclaw/internal/bus"
	"github.com/nextlevelbuilder/gateclaw/internal/channels"
	"github.com/nextlevelbuilder/gateclaw/internal/channels/bridge"
	"github.com/nextlevelbuilder/gateclaw/internal/config"
)

type frame struct {
	Envelope envelope `json:"envelope"`
}

type envelope struct {
	Source       string       `json:"source"`
	SourceNumber string       `json:"sourceNumber"`
	SourceUUID   string       `json:"sourceUuid"`
	SourceName   string       `json:"sourceName"`
	Timestamp    int64        `json:"timestamp"` // milliseconds
	DataMessage  *dataMessage `json:"dataMessage"`
}

type dataMessage struct {
	Message     string       `json:"message"`
	GroupInfo   *groupInfo   `json:"groupInfo"`
	Mentions    []mention    `json:"mentions"`
	Quote       *quote       `json:"quote"`
	Attachments []attachment `json:"attachments"`
}

type groupInfo struct {
	GroupID string `json:"groupId"`
	Name    string `json:"groupName"`
}

type mention struct {
	UUID   string `json:"uuid"`
	Number string `json:"number"`
}

type quote struct {
	Author       string `json:"author"`
	AuthorNumber string `json:"authorNumber"`
	AuthorUUID   string `json:"authorUuid"`
}

type attachment struct {
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
}

// New creates a Signal channel. The account number and ACI identify the bot.
func New(cfg config.SignalConfig, handler channels.Handler, onIdentity channels.IdentityFunc) (*bridge.Channel, error) {
	self := admission.BotIdentity{Phone: cfg.Account}
	if cfg.AccountUUID != "" {
		self.IDs = []string{cfg.AccountUUID}
	}
	return bridge.NewChannel(bus.ChannelSignal,
		bridge.Config{Name: "signal", URL: cfg.BridgeURL, Token: cfg.BridgeToken},
		Decode, self, handler, onIdentity)
}

// Decode converts an envelope frame. Receipts, typing indicators and
// other envelopes without a data message are skipped.
func Decode(raw []byte) (bus.InboundMessage, bool, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return bus.InboundMessage{}, false, fmt.Errorf("decode signal frame: %w", err)
	}
	env := f.Envelope
	dm := env.DataMessage
	if dm == nil {
		return bus.InboundMessage{}, false, nil
	}

	number := env.SourceNumber
	if number == "" {
		number = env.Source
	}
	sender := number
	if sender == "" {
		sender = env.SourceUUID
	}
	if sender == "" {
		return bus.InboundMessage{}, false, fmt.Errorf("signal envelope without source")
	}

	text := dm.Message
	for _, a := range dm.Attachments {
		name := a.Filename
		if name == "" {
			name = a.ContentType
		}
		if text != "" {
			text += "\n"
		}
		text += "[attachment: " + name + "]"
	}
	if text == "" {
		return bus.InboundMessage{}, false, nil
	}

	ts := time.Now()
	if env.Timestamp > 0 {
		ts = time.UnixMilli(env.Timestamp)
	}

	msg := bus.InboundMessage{
		ID:         strconv.FormatInt(env.Timestamp, 10),
		Channel:    bus.ChannelSignal,
		ChatID:     sender,
		SenderID:   sender,
		SenderName: env.SourceName,
		Text:       text,
		Timestamp:  ts,
		Metadata:   map[string]string{},
		Signals:    signals(dm),
	}
	if env.SourceUUID != "" {
		msg.Metadata["source_uuid"] = env.SourceUUID
	}
	if dm.GroupInfo != nil && dm.GroupInfo.GroupID != "" {
		msg.IsGroup = true
		msg.ChatID = dm.GroupInfo.GroupID
		msg.GroupName = dm.GroupInfo.Name
	}
	return msg, true, nil
}

func signals(dm *dataMessage) *bus.MentionSignals {
	s := &bus.MentionSignals{}
	for _, m := range dm.Mentions {
		switch {
		case m.UUID != "":
			s.MentionedIDs = append(s.MentionedIDs, m.UUID)
		case m.Number != "":
			s.MentionedIDs = append(s.MentionedIDs, m.Number)
		}
	}
	if q := dm.Quote; q != nil {
		s.ReplyToAuthorID = q.AuthorUUID
		s.ReplyToAuthorPhone = q.AuthorNumber
		if s.ReplyToAuthorPhone == "" && len(q.Author) > 0 && q.Author[0] == '+' {
			s.ReplyToAuthorPhone = q.Author
		}
		if s.ReplyToAuthorID == "" && s.ReplyToAuthorPhone == "" {
			s.ReplyToAuthorID = q.Author
		}
	}
	return s
}
