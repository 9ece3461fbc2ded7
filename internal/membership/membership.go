// Package membership keeps one bot's channel membership in sync. A Manager
// is an actor: its joined set and pending queue are owned by the goroutine
// running Run and are only changed through requests sent to its inbox.
//
// Startup discovers channels (by conversation type or from an explicit list)
// and joins them in fixed-size batches separated by a delay, which keeps the
// bot inside Slack's write-rate budget. Live join/part requests are served
// between batches and indefinitely once every discovered channel is joined.
package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/slackbot-runtime/internal/bot"
	perrors "github.com/p-blackswan/slackbot-runtime/internal/errors"
	"github.com/p-blackswan/slackbot-runtime/internal/metrics"
	"github.com/p-blackswan/slackbot-runtime/internal/slackapi"
)

// Phase is the manager's lifecycle state.
type Phase int32

const (
	PhaseInit Phase = iota
	PhaseDiscovering
	PhaseBatchJoining
	PhaseSteady
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseDiscovering:
		return "discovering"
	case PhaseBatchJoining:
		return "batch_joining"
	case PhaseSteady:
		return "steady"
	case PhaseStopped:
		return "stopped"
	}
	return "unknown"
}

// Workers starts and stops the per-channel delivery workers.
type Workers interface {
	Start(ctx context.Context, token string, id bot.Identity, channelID string) error
	Stop(ctx context.Context, id bot.Identity, channelID string) error
}

// Config holds membership configuration.
type Config struct {
	Discovery  bot.Discovery
	BatchSize  int
	BatchDelay time.Duration
	// PageSize caps items per listing page.
	PageSize  int
	Endpoint  string
	ResultKey string
	InboxSize int
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = bot.DefaultBatchSize
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = bot.DefaultBatchDelay
	}
	if c.PageSize <= 0 {
		c.PageSize = 200
	}
	if c.Endpoint == "" {
		c.Endpoint = "users.conversations"
	}
	if c.ResultKey == "" {
		c.ResultKey = "channels"
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 64
	}
}

// Snapshot is a consistent view of the manager's state.
type Snapshot struct {
	Phase   Phase    `json:"-"`
	Joined  []string `json:"joined"`
	Pending []string `json:"pending"`
}

type opKind int

const (
	opJoin opKind = iota
	opPart
	opSnapshot
)

type request struct {
	op      opKind
	channel string
	reply   chan result // nil for fire-and-forget requests

	// ctx is the waiting caller's context. A request whose caller has
	// already given up is answered without being applied.
	ctx context.Context
}

type result struct {
	err  error
	snap Snapshot
}

// Manager is the channel membership actor for one bot.
type Manager struct {
	cfg      Config
	token    string
	identity bot.Identity
	streamer slackapi.Streamer
	workers  Workers
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	inbox chan request
	phase atomic.Int32

	// owned by the Run goroutine
	joined  map[string]struct{}
	pending []string
}

// New creates a manager. token is the bot token used for discovery and for
// starting delivery workers.
func New(cfg Config, token string, identity bot.Identity, streamer slackapi.Streamer, workers Workers, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		token:    token,
		identity: identity,
		streamer: streamer,
		workers:  workers,
		metrics:  m,
		logger: logger.With().
			Str("component", "membership").
			Str("bot", identity.Name).
			Logger(),
		inbox: make(chan request, cfg.InboxSize),
	}
}

// Identity returns the bot identity this manager serves.
func (m *Manager) Identity() bot.Identity {
	return m.identity
}

// Phase returns the current lifecycle phase.
func (m *Manager) Phase() Phase {
	return Phase(m.phase.Load())
}

func (m *Manager) setPhase(p Phase) {
	m.phase.Store(int32(p))
	m.logger.Debug().Str("phase", p.String()).Msg("membership phase")
}

// Run discovers and joins channels, then serves join/part requests until ctx
// is done. A discovery failure aborts the run; no partial channel set is
// joined. Every worker started by this run is stopped before Run returns, so
// Run may be called again with the same configuration after a failure.
func (m *Manager) Run(ctx context.Context) error {
	m.setPhase(PhaseInit)
	m.joined = make(map[string]struct{})
	m.pending = nil
	defer m.shutdown()

	m.setPhase(PhaseDiscovering)
	pending, err := m.discover(ctx)
	if err != nil {
		m.metrics.RecordError("membership", perrors.Kind(err))
		return fmt.Errorf("discovering channels for bot %q: %w", m.identity.Name, err)
	}
	m.pending = pending
	m.logger.Info().
		Int("channels", len(pending)).
		Bool("explicit", m.cfg.Discovery.Explicit()).
		Msg("channel discovery complete")

	m.setPhase(PhaseBatchJoining)
	next := m.joinBatch(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-m.inbox:
			m.handle(ctx, req)
		case <-next:
			next = m.joinBatch(ctx)
		}
	}
}

func (m *Manager) discover(ctx context.Context) ([]string, error) {
	if m.cfg.Discovery.Explicit() {
		return slices.Clone(m.cfg.Discovery.ChannelIDs), nil
	}

	args := url.Values{
		"types":            {strings.Join(m.cfg.Discovery.TypeTags(), ",")},
		"limit":            {strconv.Itoa(m.cfg.PageSize)},
		"exclude_archived": {"true"},
	}

	var ids []string
	for item, err := range m.streamer.Stream(ctx, m.cfg.Endpoint, m.token, m.cfg.ResultKey, args) {
		if err != nil {
			return nil, err
		}
		var ch struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(item, &ch); err != nil {
			return nil, fmt.Errorf("decoding %s item: %v: %w", m.cfg.Endpoint, err, perrors.ErrFetch)
		}
		if ch.ID != "" {
			ids = append(ids, ch.ID)
		}
	}
	return ids, nil
}

// joinBatch joins up to BatchSize channels from the front of pending, in
// order. It returns a channel that fires when the next batch is due, or nil
// once pending is empty and the manager is steady.
func (m *Manager) joinBatch(ctx context.Context) <-chan time.Time {
	if len(m.pending) == 0 {
		m.enterSteady()
		return nil
	}

	n := min(m.cfg.BatchSize, len(m.pending))
	batch := m.pending[:n]
	m.pending = m.pending[n:]

	for _, id := range batch {
		if ctx.Err() != nil {
			return nil
		}
		if _, ok := m.joined[id]; ok {
			continue
		}
		if err := m.workers.Start(ctx, m.token, m.identity, id); err != nil {
			m.logger.Error().Err(err).Str("channel", id).Msg("failed to start delivery worker")
			m.metrics.RecordError("membership", "worker_start")
			continue
		}
		m.joined[id] = struct{}{}
	}

	m.metrics.RecordBatch(m.identity.Name)
	m.metrics.SetChannels(m.identity.Name, len(m.joined), len(m.pending))
	m.logger.Info().
		Int("batch", n).
		Int("joined", len(m.joined)).
		Int("remaining", len(m.pending)).
		Msg("join batch processed")

	if len(m.pending) == 0 {
		m.enterSteady()
		return nil
	}
	return time.After(m.cfg.BatchDelay)
}

func (m *Manager) enterSteady() {
	m.pending = nil
	m.setPhase(PhaseSteady)
	m.logger.Info().Int("joined", len(m.joined)).Msg("channel membership steady")
}

func (m *Manager) handle(ctx context.Context, req request) {
	var res result
	if req.ctx != nil && req.ctx.Err() != nil {
		res.err = req.ctx.Err()
		m.logger.Debug().Str("channel", req.channel).Msg("skipping abandoned membership request")
		req.reply <- res
		return
	}
	switch req.op {
	case opJoin:
		res.err = m.join(ctx, req.channel)
	case opPart:
		res.err = m.part(ctx, req.channel)
	case opSnapshot:
		res.snap = m.snapshot()
	}
	if req.reply != nil {
		req.reply <- res
	} else if res.err != nil {
		m.logger.Error().Err(res.err).Str("channel", req.channel).Msg("membership request failed")
	}
}

// join starts a worker for id immediately, bypassing batching. If id is
// still queued for a startup batch it is taken out of the queue.
func (m *Manager) join(ctx context.Context, id string) error {
	if _, ok := m.joined[id]; ok {
		return nil
	}
	if err := m.workers.Start(ctx, m.token, m.identity, id); err != nil {
		m.metrics.RecordError("membership", "worker_start")
		return fmt.Errorf("joining %s: %w", id, err)
	}
	m.joined[id] = struct{}{}
	m.removePending(id)
	m.metrics.SetChannels(m.identity.Name, len(m.joined), len(m.pending))
	m.logger.Info().Str("channel", id).Msg("joined channel")
	return nil
}

// part stops the worker for id and then forgets it. A channel that is only
// queued is dropped from the queue so a later batch does not join it.
func (m *Manager) part(ctx context.Context, id string) error {
	m.removePending(id)
	if _, ok := m.joined[id]; !ok {
		return nil
	}
	if err := m.workers.Stop(ctx, m.identity, id); err != nil {
		return fmt.Errorf("parting %s: %w", id, err)
	}
	delete(m.joined, id)
	m.metrics.SetChannels(m.identity.Name, len(m.joined), len(m.pending))
	m.logger.Info().Str("channel", id).Msg("parted channel")
	return nil
}

func (m *Manager) removePending(id string) {
	m.pending = slices.DeleteFunc(m.pending, func(p string) bool { return p == id })
}

func (m *Manager) snapshot() Snapshot {
	joined := make([]string, 0, len(m.joined))
	for id := range m.joined {
		joined = append(joined, id)
	}
	sort.Strings(joined)
	return Snapshot{
		Phase:   m.Phase(),
		Joined:  joined,
		Pending: slices.Clone(m.pending),
	}
}

func (m *Manager) shutdown() {
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for id := range m.joined {
		if err := m.workers.Stop(stopCtx, m.identity, id); err != nil {
			m.logger.Warn().Err(err).Str("channel", id).Msg("failed to stop delivery worker")
			continue
		}
		delete(m.joined, id)
	}
	m.pending = nil
	m.metrics.SetChannels(m.identity.Name, 0, 0)
	m.setPhase(PhaseStopped)
}

// Join registers channelID and waits for the worker to start. Joining a
// channel that is already joined succeeds without starting another worker.
// If ctx ends while the request is still queued it is never applied.
func (m *Manager) Join(ctx context.Context, channelID string) error {
	_, err := m.call(ctx, request{op: opJoin, channel: channelID})
	return err
}

// Part deregisters channelID once its worker has stopped. Parting a channel
// that was never joined is a no-op. If ctx ends while the request is still
// queued it is never applied.
func (m *Manager) Part(ctx context.Context, channelID string) error {
	_, err := m.call(ctx, request{op: opPart, channel: channelID})
	return err
}

// Snapshot returns the joined set and the pending queue.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	return m.call(ctx, request{op: opSnapshot})
}

// Joined returns the joined channel IDs, sorted.
func (m *Manager) Joined(ctx context.Context) ([]string, error) {
	snap, err := m.Snapshot(ctx)
	return snap.Joined, err
}

// RequestJoin queues a join without waiting for it.
func (m *Manager) RequestJoin(ctx context.Context, channelID string) error {
	return m.cast(ctx, request{op: opJoin, channel: channelID})
}

// RequestPart queues a part without waiting for it.
func (m *Manager) RequestPart(ctx context.Context, channelID string) error {
	return m.cast(ctx, request{op: opPart, channel: channelID})
}

func (m *Manager) cast(ctx context.Context, req request) error {
	if req.channel == "" {
		return fmt.Errorf("empty channel id: %w", perrors.ErrInvalidInput)
	}
	select {
	case m.inbox <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) call(ctx context.Context, req request) (Snapshot, error) {
	if req.op != opSnapshot && req.channel == "" {
		return Snapshot{}, fmt.Errorf("empty channel id: %w", perrors.ErrInvalidInput)
	}
	req.reply = make(chan result, 1)
	req.ctx = ctx
	select {
	case m.inbox <- req:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.snap, res.err
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}
