package slackapi

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/p-blackswan/slackbot-runtime/internal/bot"
	perrors "github.com/p-blackswan/slackbot-runtime/internal/errors"
)

// SocketAPI abstracts the slack-go calls used to open the gateway and
// resolve the bot's identity.
type SocketAPI interface {
	StartSocketModeContext(ctx context.Context) (*slack.SocketModeConnection, string, error)
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
}

// NewSlackClient builds a slack-go client carrying both tokens. baseURL may
// be empty to use the public API.
func NewSlackClient(botToken, appToken, baseURL string) *slack.Client {
	opts := []slack.Option{slack.OptionAppLevelToken(appToken)}
	if baseURL != "" {
		opts = append(opts, slack.OptionAPIURL(baseURL))
	}
	return slack.New(botToken, opts...)
}

// Opener requests single-use gateway URLs from apps.connections.open.
type Opener struct {
	api SocketAPI
}

// NewOpener creates an Opener.
func NewOpener(api SocketAPI) *Opener {
	return &Opener{api: api}
}

// Open returns a fresh gateway URL. Every call yields a new URL; a URL must
// not be reused across connection attempts.
func (o *Opener) Open(ctx context.Context) (string, error) {
	_, wsURL, err := o.api.StartSocketModeContext(ctx)
	if err != nil {
		return "", fmt.Errorf("apps.connections.open: %v: %w", err, perrors.ErrConnection)
	}
	if wsURL == "" {
		return "", fmt.Errorf("apps.connections.open returned no url: %w", perrors.ErrConnection)
	}
	return wsURL, nil
}

// ResolveIdentity calls auth.test and builds the bot's immutable identity.
func ResolveIdentity(ctx context.Context, api SocketAPI, name string, handler bot.Handler) (bot.Identity, error) {
	resp, err := api.AuthTestContext(ctx)
	if err != nil {
		return bot.Identity{}, fmt.Errorf("auth.test for bot %q: %w", name, err)
	}
	return bot.Identity{
		Name:         name,
		BotID:        resp.BotID,
		TeamID:       resp.TeamID,
		UserID:       resp.UserID,
		WorkspaceURL: resp.URL,
		Handler:      handler,
	}, nil
}
