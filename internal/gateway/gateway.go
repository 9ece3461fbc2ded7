// Package gateway maintains one bot's socket mode connection to Slack.
// A Connection requests a single-use URL, reads frames, acknowledges
// envelopes and hands classified events to a sharded worker pool. When the
// socket fails it reconnects with a brand-new URL; events missed while
// disconnected are not replayed.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/slackbot-runtime/internal/bot"
	perrors "github.com/p-blackswan/slackbot-runtime/internal/errors"
	"github.com/p-blackswan/slackbot-runtime/internal/metrics"
	"github.com/p-blackswan/slackbot-runtime/internal/pool"
	"github.com/p-blackswan/slackbot-runtime/internal/requestid"
	"github.com/p-blackswan/slackbot-runtime/internal/retry"
	"github.com/p-blackswan/slackbot-runtime/lru"
)

// State is the connection state.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Opener requests a fresh gateway URL.
type Opener interface {
	Open(ctx context.Context) (string, error)
}

// Dispatcher runs tasks off the read loop. *pool.Pool satisfies it.
type Dispatcher interface {
	Submit(key string, fn pool.Task) bool
}

// Membership receives channel changes derived from events.
type Membership interface {
	RequestJoin(ctx context.Context, channelID string) error
	RequestPart(ctx context.Context, channelID string) error
}

// Config holds connection configuration.
type Config struct {
	// AllowedIntegrationEvents lists text.event_id values that are forwarded.
	// Integration events with any other id are suppressed.
	AllowedIntegrationEvents []string
	// Reconnect is the backoff between connection attempts. MaxAttempts is
	// the number of consecutive failed attempts before Run gives up; zero
	// retries forever.
	Reconnect retry.Config
	// DedupeSize is how many event IDs are remembered for redelivery checks.
	DedupeSize       int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingTimeout is how long the socket may stay silent before the peer
	// is considered dead and the connection is reopened. Any frame or
	// ping extends it.
	PingTimeout time.Duration
}

// DefaultConfig returns the defaults used by the runtime.
func DefaultConfig() Config {
	return Config{
		Reconnect:        retry.Config{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: true},
		DedupeSize:       1024,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingTimeout:      30 * time.Second,
	}
}

// Deps are the collaborators of a Connection.
type Deps struct {
	Opener     Opener
	Dialer     *websocket.Dialer
	Pool       Dispatcher
	Membership Membership
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

// Connection is the gateway actor for one bot.
type Connection struct {
	cfg        Config
	identity   bot.Identity
	opener     Opener
	dialer     *websocket.Dialer
	pool       Dispatcher
	membership Membership
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	seen  *lru.Cache[string, struct{}]
	state atomic.Int32
}

// New creates a connection for identity. Run starts it.
func New(cfg Config, identity bot.Identity, deps Deps) *Connection {
	def := DefaultConfig()
	if cfg.Reconnect.BaseDelay <= 0 {
		cfg.Reconnect.BaseDelay = def.Reconnect.BaseDelay
	}
	if cfg.Reconnect.MaxDelay <= 0 {
		cfg.Reconnect.MaxDelay = def.Reconnect.MaxDelay
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = def.DedupeSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	dialer := deps.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}

	return &Connection{
		cfg:        cfg,
		identity:   identity,
		opener:     deps.Opener,
		dialer:     dialer,
		pool:       deps.Pool,
		membership: deps.Membership,
		metrics:    deps.Metrics,
		logger: deps.Logger.With().
			Str("component", "gateway").
			Str("bot", identity.Name).
			Logger(),
		seen: lru.New[string, struct{}](cfg.DedupeSize),
	}
}

// Identity returns the bot identity served by this connection.
func (c *Connection) Identity() bot.Identity {
	return c.identity
}

// State returns the current connection state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
	c.metrics.SetConnected(c.identity.Name, s == StateOpen)
}

// Run connects and serves the gateway until ctx is done. Every attempt
// requests a new URL. Run returns an error wrapping perrors.ErrConnection
// once Reconnect.MaxAttempts consecutive attempts have failed; it returns
// nil when ctx is cancelled.
func (c *Connection) Run(ctx context.Context) error {
	defer c.setState(StateClosed)

	failures := 0
	for {
		c.setState(StateConnecting)
		established, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			failures = 0
		} else {
			failures++
		}

		if limit := c.cfg.Reconnect.MaxAttempts; limit > 0 && failures >= limit {
			c.metrics.RecordError("gateway", perrors.Kind(err))
			return fmt.Errorf("bot %q gave up after %d connection attempts: %w", c.identity.Name, failures, err)
		}

		delay := retry.Backoff(c.cfg.Reconnect, failures)
		c.setState(StateReconnecting)
		c.metrics.RecordReconnect(c.identity.Name)
		c.logger.Warn().
			Err(err).
			Int("failures", failures).
			Dur("backoff", delay).
			Msg("gateway connection lost, reconnecting")

		if err := retry.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// session runs one connection attempt. established reports whether the
// socket was opened, which resets the failure count.
func (c *Connection) session(ctx context.Context) (established bool, err error) {
	wsURL, err := c.opener.Open(ctx)
	if err != nil {
		return false, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dialing gateway: %v: %w", err, perrors.ErrConnection)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	})
	defer stop()

	c.setState(StateOpen)
	c.logger.Info().Msg("gateway connected")

	return true, c.readLoop(ctx, conn)
}

// readLoop reads frames until the socket fails. A peer that sends neither
// frames nor pings within PingTimeout fails the read with a timeout.
func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) error {
	extend := func() {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PingTimeout))
	}
	conn.SetPingHandler(func(appData string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) || isTimeout(err) {
			return nil
		}
		return err
	})

	extend()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isTimeout(err) {
				return fmt.Errorf("no gateway traffic for %s: %w", c.cfg.PingTimeout, perrors.ErrConnection)
			}
			return fmt.Errorf("reading gateway frame: %v: %w", err, perrors.ErrConnection)
		}
		extend()
		if msgType != websocket.TextMessage {
			c.metrics.RecordFrame(c.identity.Name, "non_text")
			c.logger.Debug().Int("message_type", msgType).Msg("ignoring non-text frame")
			continue
		}
		c.handleFrame(ctx, conn, data)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (c *Connection) handleFrame(ctx context.Context, conn *websocket.Conn, data []byte) {
	f, err := DecodeFrame(data)
	if err != nil {
		c.metrics.RecordFrame(c.identity.Name, "invalid")
		c.metrics.RecordError("gateway", perrors.Kind(err))
		c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping undecodable frame")
		return
	}
	c.metrics.RecordFrame(c.identity.Name, f.Kind.String())

	switch f.Kind {
	case FrameHello:
		c.logger.Debug().Msg("gateway hello")

	case FrameEvent, FrameInteractive:
		if c.isRedelivery(f) {
			c.metrics.RecordEvent(c.identity.Name, OutcomeDuplicate)
			c.logger.Debug().
				Str("event_id", f.EventID).
				Int("retry_attempt", f.RetryAttempt).
				Msg("skipping redelivered event")
		} else {
			c.dispatch(f)
		}
		c.ack(conn, f.EnvelopeID)

	default:
		c.logger.Info().
			Str("envelope_type", f.EnvelopeType).
			Str("reason", f.Reason).
			Msg("unhandled gateway frame")
	}
}

// isRedelivery records f's event ID and reports whether a retried envelope
// carries an ID that was already dispatched.
func (c *Connection) isRedelivery(f Frame) bool {
	if f.EventID == "" {
		return false
	}
	seen := c.seen.ContainsOrAdd(f.EventID, struct{}{})
	return seen && f.RetryAttempt > 0
}

func (c *Connection) dispatch(f Frame) {
	ok := c.pool.Submit(c.identity.Key(), func(ctx context.Context) {
		ctx, _ = requestid.Ensure(ctx, f.EnvelopeID)
		c.route(ctx, f)
	})
	if !ok {
		c.metrics.RecordEvent(c.identity.Name, OutcomeDropped)
		c.logger.Warn().
			Str("event_type", f.EventType).
			Str("envelope_id", f.EnvelopeID).
			Msg("dispatch queue full, dropping event")
	}
}

// route runs on a pool worker. Membership changes are requested before the
// handler is invoked.
func (c *Connection) route(ctx context.Context, f Frame) {
	eventType := f.EventType
	log := requestid.Logger(ctx, c.logger).With().Str("event_type", eventType).Logger()
	d := Classify(eventType, f.Payload, c.identity, c.cfg.AllowedIntegrationEvents)

	if c.membership != nil {
		var err error
		switch d.Membership {
		case JoinChannel:
			err = c.membership.RequestJoin(ctx, d.Channel)
		case PartChannel:
			err = c.membership.RequestPart(ctx, d.Channel)
		}
		if err != nil {
			c.metrics.RecordError("gateway", perrors.Kind(err))
			log.Error().Err(err).Str("channel", d.Channel).Msg("failed to notify membership")
		}
	}

	c.metrics.RecordEvent(c.identity.Name, d.Outcome)
	if d.Action == Suppress {
		log.Debug().Str("outcome", d.Outcome).Msg("event suppressed")
		return
	}

	if c.identity.Handler == nil {
		return
	}
	if err := c.identity.Handler.HandleEvent(ctx, eventType, f.Payload); err != nil {
		c.metrics.RecordHandlerError(c.identity.Name, eventType)
		log.Error().Err(err).Msg("event handler failed")
	}
}

func (c *Connection) ack(conn *websocket.Conn, envelopeID string) {
	if envelopeID == "" {
		return
	}
	msg, err := EncodeAck(envelopeID)
	if err != nil {
		c.logger.Error().Err(err).Msg("encoding ack")
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Warn().Err(err).Str("envelope_id", envelopeID).Msg("failed to ack envelope")
		}
		return
	}
	c.metrics.RecordAck(c.identity.Name)
}
