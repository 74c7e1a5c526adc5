package slack

import "github.com/slack-go/slack"

// API is the subset of slack.Client the channel uses; tests substitute a fake.
type API interface {
	AuthTest() (*slack.AuthTestResponse, error)
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
	GetConversationInfo(input *slack.GetConversationInfoInput) (*slack.Channel, error)
	GetConversationReplies(params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
}

var _ API = (*slack.Client)(nil)
