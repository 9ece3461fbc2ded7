// Package mgmt provides the management API for the bot runtime.
package mgmt

import (
	"github.com/p-blackswan/slackbot-runtime/internal/health"
)

// --- Request DTOs ---

// SendMessageRequest is the payload for POST /api/v1/bots/:bot/messages.
type SendMessageRequest struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// --- Response DTOs ---

// BotSummary describes one registered bot.
type BotSummary struct {
	Name               string `json:"name"`
	BotID              string `json:"bot_id"`
	UserID             string `json:"user_id"`
	TeamID             string `json:"team_id"`
	WorkspaceURL       string `json:"workspace_url,omitempty"`
	Gateway            string `json:"gateway"`
	Membership         string `json:"membership"`
	Ready              bool   `json:"ready"`
	GatewayRestarts    int64  `json:"gateway_restarts"`
	MembershipRestarts int64  `json:"membership_restarts"`
}

// BotListResponse wraps the list of bots.
type BotListResponse struct {
	Bots  []BotSummary `json:"bots"`
	Total int          `json:"total"`
}

// ChannelsResponse is the response for GET /api/v1/bots/:bot/channels.
type ChannelsResponse struct {
	Bot        string   `json:"bot"`
	Phase      string   `json:"phase"`
	Joined     []string `json:"joined"`
	Pending    []string `json:"pending"`
	Delivering []string `json:"delivering"`
}

// ChannelResponse is returned by join and part.
type ChannelResponse struct {
	Bot     string `json:"bot"`
	Channel string `json:"channel"`
	Joined  bool   `json:"joined"`
}

// SendMessageResponse is returned once a message is queued.
type SendMessageResponse struct {
	Bot     string `json:"bot"`
	Channel string `json:"channel"`
	Status  string `json:"status"`
}

// HealthDetailResponse is the response for GET /api/v1/health.
type HealthDetailResponse struct {
	Status string                   `json:"status"`
	Bots   map[string]health.Status `json:"bots"`
	Uptime string                   `json:"uptime"`
}

// ProblemDetail is an RFC 7807 error body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}
