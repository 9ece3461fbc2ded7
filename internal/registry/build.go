package registry

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/slackbot-runtime/internal/bot"
	"github.com/p-blackswan/slackbot-runtime/internal/gateway"
	"github.com/p-blackswan/slackbot-runtime/internal/membership"
	"github.com/p-blackswan/slackbot-runtime/internal/metrics"
	"github.com/p-blackswan/slackbot-runtime/internal/slackapi"
)

// Builder turns validated bot definitions into wired Bots.
type Builder struct {
	// BaseURL of the Web API; empty uses the public API.
	BaseURL   string
	Gateway   gateway.Config
	Dialer    *websocket.Dialer
	Pool      gateway.Dispatcher
	Streamer  slackapi.Streamer
	Workers   membership.Workers
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	PageSize  int
	InboxSize int
}

// Build validates def, resolves the bot identity with auth.test and creates
// its gateway and membership actors. The actors are not started.
func (b *Builder) Build(ctx context.Context, def bot.Definition) (*Bot, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	api := slackapi.NewSlackClient(def.BotToken, def.AppToken, b.BaseURL)
	identity, err := slackapi.ResolveIdentity(ctx, api, def.Name, def.Handler)
	if err != nil {
		return nil, fmt.Errorf("building bot %q: %w", def.Name, err)
	}

	mem := membership.New(membership.Config{
		Discovery:  def.Discovery,
		BatchSize:  def.BatchSize,
		BatchDelay: def.BatchDelay,
		PageSize:   b.PageSize,
		InboxSize:  b.InboxSize,
	}, def.BotToken, identity, b.Streamer, b.Workers, b.Metrics, b.Logger)

	gw := gateway.New(b.Gateway, identity, gateway.Deps{
		Opener:     slackapi.NewOpener(api),
		Dialer:     b.Dialer,
		Pool:       b.Pool,
		Membership: mem,
		Metrics:    b.Metrics,
		Logger:     b.Logger,
	})

	b.Logger.Info().
		Str("bot", identity.Name).
		Str("bot_id", identity.BotID).
		Str("team_id", identity.TeamID).
		Str("workspace", identity.WorkspaceURL).
		Msg("bot built")

	return NewBot(identity, def.BotToken, gw, mem), nil
}
