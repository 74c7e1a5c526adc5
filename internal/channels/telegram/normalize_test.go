package telegram

import (
	"testing"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gateclaw/internal/admission"
	"github.com/nextlevelbuilder/gateclaw/internal/bus"
)

const botID = 999

func TestNormalizeDM(t *testing.T) {
	msg, ok := Normalize(&telego.Message{
		MessageID: 7,
		From:      &telego.User{ID: 42, Username: "alice", FirstName: "Alice", LastName: "A"},
		Chat:      telego.Chat{ID: 42, Type: "private"},
		Date:      1700000000,
		Text:      "hi",
	}, botID)
	require.True(t, ok)
	assert.Equal(t, bus.ChannelTelegram, msg.Channel)
	assert.Equal(t, "42", msg.ChatID)
	assert.Equal(t, "42|alice", msg.SenderID)
	assert.Equal(t, "Alice A", msg.SenderName)
	assert.False(t, msg.IsGroup)
	assert.Equal(t, "alice", msg.Metadata["username"])
	assert.Equal(t, int64(1700000000), msg.Timestamp.Unix())
}

func TestNormalizeSkips(t *testing.T) {
	tests := []struct {
		name string
		msg  *telego.Message
	}{
		{"nil", nil},
		{"no sender", &telego.Message{Chat: telego.Chat{ID: 1, Type: "group"}, Text: "x"}},
		{"service", &telego.Message{From: &telego.User{ID: 1}, Chat: telego.Chat{ID: 1, Type: "group"}}},
		{"own message", &telego.Message{From: &telego.User{ID: botID}, Chat: telego.Chat{ID: 1, Type: "group"}, Text: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Normalize(tt.msg, botID)
			assert.False(t, ok)
		})
	}
}

func TestNormalizeEntitiesUseUTF16Offsets(t *testing.T) {
	// "😀" is two UTF-16 units, so "@claw_bot" starts at offset 3.
	text := "😀 @claw_bot hello"
	msg, ok := Normalize(&telego.Message{
		From: &telego.User{ID: 5},
		Chat: telego.Chat{ID: -100, Type: "supergroup", Title: "Team"},
		Text: text,
		Entities: []telego.MessageEntity{
			{Type: "mention", Offset: 3, Length: 9},
			{Type: "bold", Offset: 0, Length: 2},
		},
	}, botID)
	require.True(t, ok)
	assert.True(t, msg.IsGroup)
	assert.Equal(t, "Team", msg.GroupName)
	require.NotNil(t, msg.Signals)
	require.Len(t, msg.Signals.Entities, 1)
	assert.Equal(t, "@claw_bot", msg.Signals.Entities[0].Text)
}

func TestNormalizeTextMentionAndReply(t *testing.T) {
	msg, ok := Normalize(&telego.Message{
		From:    &telego.User{ID: 5},
		Chat:    telego.Chat{ID: -100, Type: "group"},
		Caption: "look Claw",
		CaptionEntities: []telego.MessageEntity{
			{Type: "text_mention", Offset: 5, Length: 4, User: &telego.User{ID: botID}},
		},
		Photo:          []telego.PhotoSize{{FileID: "f"}},
		ReplyToMessage: &telego.Message{MessageID: 3, From: &telego.User{ID: botID}},
	}, botID)
	require.True(t, ok)
	assert.Equal(t, "look Claw", msg.Text)
	require.Len(t, msg.Signals.Entities, 1)
	assert.Equal(t, "999", msg.Signals.Entities[0].UserID)
	assert.Equal(t, "999", msg.Signals.ReplyToAuthorID)
}

func TestNormalizeForumTopic(t *testing.T) {
	general, _ := Normalize(&telego.Message{
		From: &telego.User{ID: 5},
		Chat: telego.Chat{ID: -100, Type: "supergroup", IsForum: true},
		Text: "x",
	}, botID)
	assert.Equal(t, "1", general.Metadata["topic_id"])

	// A topic message "replies" to the topic root; that is not a reply to the bot.
	topic, _ := Normalize(&telego.Message{
		From:            &telego.User{ID: 5},
		Chat:            telego.Chat{ID: -100, Type: "supergroup", IsForum: true},
		Text:            "x",
		MessageThreadID: 77,
		IsTopicMessage:  true,
		ReplyToMessage:  &telego.Message{MessageID: 77, From: &telego.User{ID: botID}},
	}, botID)
	assert.Equal(t, "77", topic.Metadata["topic_id"])
	assert.Empty(t, topic.Signals.ReplyToAuthorID)
}

func TestNormalizedMessageGatesThroughStrategy(t *testing.T) {
	bot := admission.BotIdentity{IDs: []string{"999"}, Username: "claw_bot"}
	strategy := admission.NewStrategy(bus.ChannelTelegram, bot, nil)

	tests := []struct {
		name   string
		msg    *telego.Message
		want   bool
		method admission.MentionMethod
	}{
		{
			name: "entity mention",
			msg: &telego.Message{From: &telego.User{ID: 5}, Chat: telego.Chat{ID: -1, Type: "group"}, Text: "@claw_bot hi",
				Entities: []telego.MessageEntity{{Type: "mention", Offset: 0, Length: 9}}},
			want: true, method: admission.MethodEntity,
		},
		{
			name: "command addressed to bot",
			msg: &telego.Message{From: &telego.User{ID: 5}, Chat: telego.Chat{ID: -1, Type: "group"}, Text: "/start@claw_bot",
				Entities: []telego.MessageEntity{{Type: "bot_command", Offset: 0, Length: 15}}},
			want: true, method: admission.MethodCommand,
		},
		{
			name: "other user mentioned",
			msg: &telego.Message{From: &telego.User{ID: 5}, Chat: telego.Chat{ID: -1, Type: "group"}, Text: "@bob hi",
				Entities: []telego.MessageEntity{{Type: "mention", Offset: 0, Length: 4}}},
			want: false,
		},
		{
			name: "reply to bot",
			msg: &telego.Message{From: &telego.User{ID: 5}, Chat: telego.Chat{ID: -1, Type: "group"}, Text: "sure",
				ReplyToMessage: &telego.Message{MessageID: 1, From: &telego.User{ID: 999}}},
			want: true, method: admission.MethodReply,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := Normalize(tt.msg, botID)
			require.True(t, ok)
			det := admission.DetectMention(strategy, admission.InputFromMessage(msg))
			assert.Equal(t, tt.want, det.WasMentioned)
			assert.Equal(t, tt.method, det.Method)
		})
	}
}

func TestParseChatKey(t *testing.T) {
	id, topic, err := parseChatKey("-100:topic:9")
	require.NoError(t, err)
	assert.Equal(t, int64(-100), id)
	assert.Equal(t, 9, topic)

	_, _, err = parseChatKey("abc")
	assert.Error(t, err)
	assert.Equal(t, 0, resolveThreadIDForSend(telegramGeneralTopicID))
}
