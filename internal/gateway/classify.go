package gateway

import (
	"encoding/json"
	"slices"

	"github.com/slack-go/slack/slackevents"

	"github.com/p-blackswan/slackbot-runtime/internal/bot"
)

// Action says whether an event reaches the bot's handler.
type Action int

const (
	Forward Action = iota
	Suppress
)

// MembershipChange is the membership side effect of an event.
type MembershipChange int

const (
	NoChange MembershipChange = iota
	JoinChannel
	PartChannel
)

// Outcome labels, also used as metric values.
const (
	OutcomeForwarded      = "forwarded"
	OutcomeJoined         = "joined"
	OutcomeParted         = "parted"
	OutcomeSelfMessage    = "suppressed_self"
	OutcomeIntegration    = "suppressed_integration"
	OutcomeIntegrationOK  = "forwarded_integration"
	OutcomeDuplicate      = "duplicate"
	OutcomeDropped        = "dropped"
	OutcomeHandlerFailure = "handler_error"
)

// Decision is the result of classifying one event.
type Decision struct {
	Action     Action
	Membership MembershipChange
	// Channel is set when Membership is not NoChange.
	Channel string
	Outcome string
}

// Classify applies the routing rules to one event, in order:
//
//  1. member_joined_channel for the bot's own user joins the channel, then forwards.
//  2. channel_left parts the channel, then forwards.
//  3. message sent by the bot itself (user or bot_id) is suppressed.
//  4. a payload carrying text.event_id is forwarded only if the id is allowed.
//  5. everything else is forwarded.
//
// Classify has no side effects.
func Classify(eventType string, payload json.RawMessage, id bot.Identity, allowed []string) Decision {
	switch eventType {
	case string(slackevents.MemberJoinedChannel):
		var ev slackevents.MemberJoinedChannelEvent
		if json.Unmarshal(payload, &ev) == nil && id.UserID != "" && ev.User == id.UserID {
			d := Decision{Action: Forward, Outcome: OutcomeJoined}
			if ev.Channel != "" {
				d.Membership = JoinChannel
				d.Channel = ev.Channel
			}
			return d
		}

	case string(slackevents.ChannelLeft):
		var ev slackevents.ChannelLeftEvent
		d := Decision{Action: Forward, Outcome: OutcomeParted}
		if json.Unmarshal(payload, &ev) == nil && ev.Channel != "" {
			d.Membership = PartChannel
			d.Channel = ev.Channel
		}
		return d

	case string(slackevents.Message):
		// Decoded loosely: integration messages carry an object in text.
		var ev struct {
			User  string `json:"user"`
			BotID string `json:"bot_id"`
		}
		if json.Unmarshal(payload, &ev) == nil && isSelf(ev.User, ev.BotID, id) {
			return Decision{Action: Suppress, Outcome: OutcomeSelfMessage}
		}
	}

	if eventID, ok := integrationEventID(payload); ok {
		if slices.Contains(allowed, eventID) {
			return Decision{Action: Forward, Outcome: OutcomeIntegrationOK}
		}
		return Decision{Action: Suppress, Outcome: OutcomeIntegration}
	}

	return Decision{Action: Forward, Outcome: OutcomeForwarded}
}

func isSelf(user, botID string, id bot.Identity) bool {
	return (user != "" && user == id.UserID) || (botID != "" && botID == id.BotID)
}

// integrationEventID extracts a nested text.event_id, if the payload has one.
func integrationEventID(payload json.RawMessage) (string, bool) {
	var probe struct {
		Text json.RawMessage `json:"text"`
	}
	if json.Unmarshal(payload, &probe) != nil || !isObject(probe.Text) {
		return "", false
	}
	var text struct {
		EventID *string `json:"event_id"`
	}
	if json.Unmarshal(probe.Text, &text) != nil || text.EventID == nil {
		return "", false
	}
	return *text.EventID, true
}
