package main

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/slackbot-runtime/internal/bot"
	"github.com/p-blackswan/slackbot-runtime/internal/requestid"
)

// eventSummary picks the fields worth logging from an inner event or an
// interactive payload.
type eventSummary struct {
	Channel json.RawMessage `json:"channel"`
	User    json.RawMessage `json:"user"`
	Subtype string          `json:"subtype"`
}

// logHandler is the handler every configured bot gets. It logs each
// forwarded event; programs embedding the runtime supply their own.
func logHandler(botName string, logger zerolog.Logger) bot.Handler {
	logger = logger.With().Str("component", "handler").Str("bot", botName).Logger()
	return bot.HandlerFunc(func(ctx context.Context, eventType string, payload json.RawMessage) error {
		var s eventSummary
		_ = json.Unmarshal(payload, &s)

		log := requestid.Logger(ctx, logger)
		log.Info().
			Str("event_type", eventType).
			Str("subtype", s.Subtype).
			RawJSON("channel", rawOrNull(s.Channel)).
			RawJSON("user", rawOrNull(s.User)).
			Msg("event received")
		return nil
	})
}

func rawOrNull(r json.RawMessage) []byte {
	if len(r) == 0 {
		return []byte("null")
	}
	return r
}
