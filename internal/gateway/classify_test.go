package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/p-blackswan/slackbot-runtime/internal/bot"
)

var helper = bot.Identity{Name: "helper", TeamID: "T1", BotID: "B1", UserID: "U1"}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		payload   string
		allowed   []string
		want      Decision
	}{
		{
			name:      "bot joins channel",
			eventType: "member_joined_channel",
			payload:   `{"type":"member_joined_channel","user":"U1","channel":"C1"}`,
			want:      Decision{Action: Forward, Membership: JoinChannel, Channel: "C1", Outcome: OutcomeJoined},
		},
		{
			name:      "someone else joins channel",
			eventType: "member_joined_channel",
			payload:   `{"type":"member_joined_channel","user":"U9","channel":"C1"}`,
			want:      Decision{Action: Forward, Outcome: OutcomeForwarded},
		},
		{
			name:      "channel left",
			eventType: "channel_left",
			payload:   `{"type":"channel_left","channel":"C2"}`,
			want:      Decision{Action: Forward, Membership: PartChannel, Channel: "C2", Outcome: OutcomeParted},
		},
		{
			name:      "message from own user",
			eventType: "message",
			payload:   `{"type":"message","user":"U1","text":"hi"}`,
			want:      Decision{Action: Suppress, Outcome: OutcomeSelfMessage},
		},
		{
			name:      "message from own bot id",
			eventType: "message",
			payload:   `{"type":"message","bot_id":"B1","text":"hi"}`,
			want:      Decision{Action: Suppress, Outcome: OutcomeSelfMessage},
		},
		{
			name:      "message from a person",
			eventType: "message",
			payload:   `{"type":"message","user":"U7","text":"hi"}`,
			want:      Decision{Action: Forward, Outcome: OutcomeForwarded},
		},
		{
			name:      "integration event not allowed",
			eventType: "message",
			payload:   `{"type":"message","user":"U7","text":{"event_id":"deploy"}}`,
			want:      Decision{Action: Suppress, Outcome: OutcomeIntegration},
		},
		{
			name:      "integration event allowed",
			eventType: "message",
			payload:   `{"type":"message","user":"U7","text":{"event_id":"deploy"}}`,
			allowed:   []string{"deploy"},
			want:      Decision{Action: Forward, Outcome: OutcomeIntegrationOK},
		},
		{
			name:      "integration message sent by the bot",
			eventType: "message",
			payload:   `{"type":"message","bot_id":"B1","text":{"event_id":"deploy"}}`,
			allowed:   []string{"deploy"},
			want:      Decision{Action: Suppress, Outcome: OutcomeSelfMessage},
		},
		{
			name:      "other event type",
			eventType: "reaction_added",
			payload:   `{"type":"reaction_added","user":"U1"}`,
			want:      Decision{Action: Forward, Outcome: OutcomeForwarded},
		},
		{
			name:      "interactive payload",
			eventType: "block_actions",
			payload:   `{"type":"block_actions","user":{"id":"U7"}}`,
			want:      Decision{Action: Forward, Outcome: OutcomeForwarded},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.eventType, json.RawMessage(tt.payload), helper, tt.allowed)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify_EmptyIdentityNeverMatchesSelf(t *testing.T) {
	d := Classify("message", json.RawMessage(`{"type":"message","text":"hi"}`), bot.Identity{}, nil)
	assert.Equal(t, Forward, d.Action)
}
