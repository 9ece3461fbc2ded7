package mgmt

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/slackbot-runtime/internal/bot"
	"github.com/p-blackswan/slackbot-runtime/internal/delivery"
	perrors "github.com/p-blackswan/slackbot-runtime/internal/errors"
	"github.com/p-blackswan/slackbot-runtime/internal/health"
	"github.com/p-blackswan/slackbot-runtime/internal/registry"
	"github.com/p-blackswan/slackbot-runtime/internal/requestid"
)

// Sender queues outbound messages. *delivery.Manager satisfies it.
type Sender interface {
	Send(ctx context.Context, id bot.Identity, channelID string, msg delivery.Message) error
	Channels(id bot.Identity) []string
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	bots      *registry.Registry
	checker   *health.Checker
	sender    Sender
	timeout   time.Duration
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(bots *registry.Registry, checker *health.Checker, sender Sender, timeout time.Duration, logger zerolog.Logger) *Handlers {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handlers{
		bots:      bots,
		checker:   checker,
		sender:    sender,
		timeout:   timeout,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz. A bot that is still joining channels does
// not make the process unready; a disconnected one does.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if !h.checker.IsReady(c.UserContext()) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not_ready"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// HealthDetail handles GET /api/v1/health.
func (h *Handlers) HealthDetail(c *fiber.Ctx) error {
	report := h.checker.RunAll(c.UserContext())
	return c.JSON(HealthDetailResponse{
		Status: string(report.Status),
		Bots:   report.Checks,
		Uptime: time.Since(h.startTime).Truncate(time.Second).String(),
	})
}

// ListBots handles GET /api/v1/bots.
func (h *Handlers) ListBots(c *fiber.Ctx) error {
	bots := h.bots.List()
	out := make([]BotSummary, 0, len(bots))
	for _, b := range bots {
		out = append(out, summarize(b))
	}
	return c.JSON(BotListResponse{Bots: out, Total: len(out)})
}

// GetBot handles GET /api/v1/bots/:bot.
func (h *Handlers) GetBot(c *fiber.Ctx) error {
	b, err := h.bots.Lookup(c.Params("bot"))
	if err != nil {
		return problemFromError(c, err)
	}
	return c.JSON(summarize(b))
}

// ListChannels handles GET /api/v1/bots/:bot/channels.
func (h *Handlers) ListChannels(c *fiber.Ctx) error {
	b, err := h.bots.Lookup(c.Params("bot"))
	if err != nil {
		return problemFromError(c, err)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()
	snap, err := b.Membership.Snapshot(ctx)
	if err != nil {
		return problemFromError(c, err)
	}

	resp := ChannelsResponse{
		Bot:        b.Name(),
		Phase:      b.Phase().String(),
		Joined:     nonNil(snap.Joined),
		Pending:    nonNil(snap.Pending),
		Delivering: []string{},
	}
	if h.sender != nil {
		resp.Delivering = nonNil(h.sender.Channels(b.Identity))
	}
	return c.JSON(resp)
}

// JoinChannel handles PUT /api/v1/bots/:bot/channels/:channel.
func (h *Handlers) JoinChannel(c *fiber.Ctx) error {
	b, err := h.bots.Lookup(c.Params("bot"))
	if err != nil {
		return problemFromError(c, err)
	}
	channel := c.Params("channel")

	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()
	if err := b.Membership.Join(ctx, channel); err != nil {
		return problemFromError(c, err)
	}

	log := requestid.Logger(ctx, h.logger)
	log.Info().
		Str("bot", b.Name()).
		Str("channel", channel).
		Msg("channel joined via api")
	return c.JSON(ChannelResponse{Bot: b.Name(), Channel: channel, Joined: true})
}

// PartChannel handles DELETE /api/v1/bots/:bot/channels/:channel.
func (h *Handlers) PartChannel(c *fiber.Ctx) error {
	b, err := h.bots.Lookup(c.Params("bot"))
	if err != nil {
		return problemFromError(c, err)
	}
	channel := c.Params("channel")

	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()
	if err := b.Membership.Part(ctx, channel); err != nil {
		return problemFromError(c, err)
	}

	log := requestid.Logger(ctx, h.logger)
	log.Info().
		Str("bot", b.Name()).
		Str("channel", channel).
		Msg("channel parted via api")
	return c.JSON(ChannelResponse{Bot: b.Name(), Channel: channel, Joined: false})
}

// SendMessage handles POST /api/v1/bots/:bot/messages.
func (h *Handlers) SendMessage(c *fiber.Ctx) error {
	b, err := h.bots.Lookup(c.Params("bot"))
	if err != nil {
		return problemFromError(c, err)
	}

	var req SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if req.Channel == "" || req.Text == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_field", "Bad Request",
			"channel and text are required")
	}
	if h.sender == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"delivery_disabled", "Service Unavailable",
			"Message delivery is not configured")
	}

	msg := delivery.Message{Text: req.Text, ThreadTS: req.ThreadTS}
	if err := h.sender.Send(c.UserContext(), b.Identity, req.Channel, msg); err != nil {
		return problemFromError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(SendMessageResponse{
		Bot:     b.Name(),
		Channel: req.Channel,
		Status:  "queued",
	})
}

func summarize(b *registry.Bot) BotSummary {
	gwRestarts, memRestarts := b.Restarts()
	return BotSummary{
		Name:               b.Name(),
		BotID:              b.Identity.BotID,
		UserID:             b.Identity.UserID,
		TeamID:             b.Identity.TeamID,
		WorkspaceURL:       b.Identity.WorkspaceURL,
		Gateway:            b.State().String(),
		Membership:         b.Phase().String(),
		Ready:              b.Ready(),
		GatewayRestarts:    gwRestarts,
		MembershipRestarts: memRestarts,
	}
}

// problemFromError maps runtime errors onto problem responses. Anything
// unrecognised goes to the server error handler.
func problemFromError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, perrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", err.Error())
	case errors.Is(err, perrors.ErrInvalidInput):
		return problemResponse(c, fiber.StatusBadRequest, "invalid_input", "Bad Request", err.Error())
	case errors.Is(err, perrors.ErrNotJoined):
		return problemResponse(c, fiber.StatusConflict, "channel_not_joined", "Conflict", err.Error())
	case errors.Is(err, perrors.ErrRateLimit):
		return problemResponse(c, fiber.StatusTooManyRequests, "queue_full", "Too Many Requests", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, perrors.ErrUnavailable):
		return problemResponse(c, fiber.StatusServiceUnavailable, "bot_unavailable", "Service Unavailable", err.Error())
	}
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
