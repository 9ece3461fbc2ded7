// Package delivery runs one outbound message worker per joined channel.
// Each worker owns a queue and a write budget for its channel; posts that
// Slack rate-limits are retried after the advertised delay.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/p-blackswan/slackbot-runtime/internal/bot"
	perrors "github.com/p-blackswan/slackbot-runtime/internal/errors"
	"github.com/p-blackswan/slackbot-runtime/internal/metrics"
	"github.com/p-blackswan/slackbot-runtime/internal/retry"
)

// Poster abstracts chat.postMessage for testing.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// PosterFactory builds a Poster authenticated with a bot token.
type PosterFactory func(token string) Poster

// SlackPosters returns a PosterFactory backed by slack-go. baseURL may be
// empty to use the public API.
func SlackPosters(baseURL string) PosterFactory {
	return func(token string) Poster {
		if baseURL == "" {
			return slack.New(token)
		}
		return slack.New(token, slack.OptionAPIURL(baseURL))
	}
}

// Config holds worker configuration.
type Config struct {
	QueueSize int
	// Interval between posts to one channel.
	Interval time.Duration
	Burst    int
	Retry    retry.Config
}

// DefaultConfig allows one message per second per channel.
func DefaultConfig() Config {
	return Config{
		QueueSize: 100,
		Interval:  time.Second,
		Burst:     1,
		Retry:     retry.Config{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: true},
	}
}

// Message is one outbound post.
type Message struct {
	Text     string
	ThreadTS string
}

type workerKey struct {
	bot     string
	channel string
}

type worker struct {
	channel string
	botName string
	poster  Poster
	limiter *rate.Limiter
	queue   chan Message
	cancel  context.CancelFunc
	done    chan struct{}

	// stopping is set under Manager.mu once Stop has cancelled the worker.
	stopping bool
}

// Manager owns the delivery workers of every bot in the process.
type Manager struct {
	cfg       Config
	newPoster PosterFactory
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	base    context.Context
	stopAll context.CancelFunc

	mu      sync.Mutex
	workers map[workerKey]*worker
}

// NewManager creates a delivery manager.
func NewManager(cfg Config, newPoster PosterFactory, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}

	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		newPoster: newPoster,
		metrics:   m,
		logger:    logger.With().Str("component", "delivery").Logger(),
		base:      base,
		stopAll:   cancel,
		workers:   make(map[workerKey]*worker),
	}
}

// Start launches the worker for channelID. Starting a worker that is already
// running is a successful no-op.
func (m *Manager) Start(_ context.Context, token string, id bot.Identity, channelID string) error {
	if channelID == "" {
		return fmt.Errorf("start worker: empty channel id: %w", perrors.ErrInvalidInput)
	}
	k := workerKey{bot: id.Key(), channel: channelID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[k]; ok {
		if w.stopping {
			return fmt.Errorf("start worker for %s: previous worker still stopping: %w", channelID, perrors.ErrUnavailable)
		}
		return nil
	}
	if m.base.Err() != nil {
		return fmt.Errorf("start worker for %s: %w", channelID, perrors.ErrUnavailable)
	}

	ctx, cancel := context.WithCancel(m.base)
	w := &worker{
		channel: channelID,
		botName: id.Name,
		poster:  m.newPoster(token),
		limiter: rate.NewLimiter(rate.Every(m.cfg.Interval), m.cfg.Burst),
		queue:   make(chan Message, m.cfg.QueueSize),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.workers[k] = w
	go m.run(ctx, w)

	m.logger.Debug().Str("bot", id.Name).Str("channel", channelID).Msg("delivery worker started")
	return nil
}

// Stop stops the worker for channelID and waits until it has exited.
// Stopping an unknown worker is a no-op. If ctx ends first the worker stays
// tracked until it exits, and Stop may be called again to wait for it.
func (m *Manager) Stop(ctx context.Context, id bot.Identity, channelID string) error {
	k := workerKey{bot: id.Key(), channel: channelID}

	m.mu.Lock()
	w, ok := m.workers[k]
	if ok {
		w.stopping = true
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	w.cancel()
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	if m.workers[k] == w {
		delete(m.workers, k)
	}
	m.mu.Unlock()
	m.logger.Debug().Str("bot", id.Name).Str("channel", channelID).Msg("delivery worker stopped")
	return nil
}

// Send queues a message for channelID. It fails with ErrNotJoined when the
// bot has no worker for the channel.
func (m *Manager) Send(ctx context.Context, id bot.Identity, channelID string, msg Message) error {
	m.mu.Lock()
	w, ok := m.workers[workerKey{bot: id.Key(), channel: channelID}]
	if ok && w.stopping {
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", channelID, perrors.ErrNotJoined)
	}

	select {
	case w.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		m.metrics.RecordMessage(id.Name, "dropped")
		return fmt.Errorf("send to %s: queue full: %w", channelID, perrors.ErrRateLimit)
	}
}

// Channels returns the channels with a worker that has not exited yet,
// sorted. A worker that is still stopping is included.
func (m *Manager) Channels(id bot.Identity) []string {
	key := id.Key()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.workers {
		if k.bot == key {
			out = append(out, k.channel)
		}
	}
	sort.Strings(out)
	return out
}

// Close stops every worker and waits for them to exit.
func (m *Manager) Close() {
	m.stopAll()

	m.mu.Lock()
	workers := make([]*worker, 0, len(m.workers))
	for k, w := range m.workers {
		workers = append(workers, w)
		delete(m.workers, k)
	}
	m.mu.Unlock()

	for _, w := range workers {
		<-w.done
	}
}

func (m *Manager) run(ctx context.Context, w *worker) {
	defer close(w.done)
	log := m.logger.With().Str("bot", w.botName).Str("channel", w.channel).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.queue:
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
			err := retry.Do(ctx, m.cfg.Retry, func(ctx context.Context) error {
				return w.post(ctx, msg)
			})
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				log.Error().Err(err).Msg("message delivery failed")
				m.metrics.RecordMessage(w.botName, "failed")
				m.metrics.RecordError("delivery", perrors.Kind(err))
				continue
			}
			m.metrics.RecordMessage(w.botName, "sent")
		}
	}
}

// rateLimited adapts slack-go's rate limit error to the retry package.
type rateLimited struct {
	err *slack.RateLimitedError
}

func (r rateLimited) Error() string             { return r.err.Error() }
func (r rateLimited) Unwrap() error             { return perrors.ErrRateLimit }
func (r rateLimited) RetryAfter() time.Duration { return r.err.RetryAfter }

func (w *worker) post(ctx context.Context, msg Message) error {
	opts := []slack.MsgOption{slack.MsgOptionText(msg.Text, false)}
	if msg.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ThreadTS))
	}
	_, _, err := w.poster.PostMessageContext(ctx, w.channel, opts...)
	if err == nil {
		return nil
	}
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return rateLimited{err: rl}
	}
	return fmt.Errorf("chat.postMessage: %w", err)
}
