// Package bot defines the static identity of a bot and the contract
// application code implements to receive gateway events.
package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	perrors "github.com/p-blackswan/slackbot-runtime/internal/errors"
)

// Default channel types discovered when a definition names none: public,
// private, multi-party and direct conversations.
var DefaultChannelTypes = []string{"public_channel", "private_channel", "mpim", "im"}

const (
	DefaultBatchSize  = 100
	DefaultBatchDelay = 200 * time.Millisecond
)

// Handler receives classified gateway events. It is invoked at most once per
// event after suppression rules. A returned error is logged and otherwise
// ignored; it never affects the connection or other in-flight events.
type Handler interface {
	HandleEvent(ctx context.Context, eventType string, payload json.RawMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, eventType string, payload json.RawMessage) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, eventType string, payload json.RawMessage) error {
	return f(ctx, eventType, payload)
}

// Identity identifies one bot's presence in one workspace. It is built once
// from configuration and auth.test and never mutated afterwards.
type Identity struct {
	Name         string
	BotID        string
	TeamID       string
	UserID       string
	WorkspaceURL string
	Handler      Handler
}

// Key returns the value used to shard and index per-bot state.
func (id Identity) Key() string {
	if id.BotID != "" {
		return id.TeamID + "/" + id.BotID
	}
	return id.Name
}

// Discovery selects how channels are found at startup: by conversation type
// tags, or by an explicit list of channel IDs.
type Discovery struct {
	Types      []string `yaml:"types"`
	ChannelIDs []string `yaml:"channel_ids"`
}

// Explicit reports whether discovery uses a fixed channel ID list.
func (d Discovery) Explicit() bool {
	return len(d.ChannelIDs) > 0
}

// TypeTags returns the configured types, or DefaultChannelTypes.
func (d Discovery) TypeTags() []string {
	if len(d.Types) == 0 {
		return append([]string(nil), DefaultChannelTypes...)
	}
	return append([]string(nil), d.Types...)
}

// Definition declares a bot: credentials, discovery settings and handler.
type Definition struct {
	Name       string
	AppToken   string
	BotToken   string
	Discovery  Discovery
	Handler    Handler
	BatchSize  int
	BatchDelay time.Duration
}

// Validate checks the definition and fills defaults. It must be called before
// the definition is used to start a bot.
func (d *Definition) Validate() error {
	var problems []string
	if strings.TrimSpace(d.Name) == "" {
		problems = append(problems, "name is required")
	}
	if !strings.HasPrefix(d.AppToken, "xapp-") {
		problems = append(problems, "app token must be an app-level xapp- token")
	}
	if !strings.HasPrefix(d.BotToken, "xoxb-") {
		problems = append(problems, "bot token must be a xoxb- token")
	}
	if d.Handler == nil {
		problems = append(problems, "handler is required")
	}
	if d.Discovery.Explicit() && len(d.Discovery.Types) > 0 {
		problems = append(problems, "discovery takes either types or channel_ids, not both")
	}
	if d.BatchSize < 0 {
		problems = append(problems, "batch size must be positive")
	}
	if d.BatchDelay < 0 {
		problems = append(problems, "batch delay must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("bot %q: %s: %w", d.Name, strings.Join(problems, "; "), perrors.ErrInvalidInput)
	}

	if d.BatchSize == 0 {
		d.BatchSize = DefaultBatchSize
	}
	if d.BatchDelay == 0 {
		d.BatchDelay = DefaultBatchDelay
	}
	return nil
}
