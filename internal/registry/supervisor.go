package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	perrors "github.com/p-blackswan/slackbot-runtime/internal/errors"
	"github.com/p-blackswan/slackbot-runtime/internal/metrics"
	"github.com/p-blackswan/slackbot-runtime/internal/retry"
)

var errExited = errors.New("actor exited")

// SupervisorConfig controls restarts.
type SupervisorConfig struct {
	// RestartDelay is the base delay before restarting a failed actor.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration
	// MaxConsecutiveFailures stops supervision, and with it the process,
	// after this many restarts without a healthy period. Zero is unlimited.
	MaxConsecutiveFailures int
	// HealthyAfter is how long an actor must run for its failure count to
	// reset.
	HealthyAfter time.Duration
}

// Supervisor runs the actors of every registered bot and restarts any actor
// that returns before shutdown. Restarts reuse the same actor and therefore
// the same configuration.
type Supervisor struct {
	registry *Registry
	cfg      SupervisorConfig
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewSupervisor creates a supervisor over r.
func NewSupervisor(r *Registry, cfg SupervisorConfig, m *metrics.Metrics, logger zerolog.Logger) *Supervisor {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}
	if cfg.MaxRestartDelay <= 0 {
		cfg.MaxRestartDelay = 30 * time.Second
	}
	if cfg.HealthyAfter <= 0 {
		cfg.HealthyAfter = time.Minute
	}
	return &Supervisor{
		registry: r,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With().Str("component", "supervisor").Logger(),
	}
}

// Run blocks until ctx is done or an actor exhausts its restarts.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, b := range s.registry.List() {
		g.Go(func() error {
			return s.supervise(ctx, b.Name(), "membership", b.Membership.Run, &b.membershipRestarts)
		})
		g.Go(func() error {
			return s.supervise(ctx, b.Name(), "gateway", b.Gateway.Run, &b.gatewayRestarts)
		})
	}

	s.logger.Info().Int("bots", s.registry.Len()).Msg("supervisor started")
	return g.Wait()
}

type counter interface{ Add(int64) int64 }

func (s *Supervisor) supervise(ctx context.Context, botName, actor string, run func(context.Context) error, restarts counter) error {
	log := s.logger.With().Str("bot", botName).Str("actor", actor).Logger()
	backoff := retry.Config{BaseDelay: s.cfg.RestartDelay, MaxDelay: s.cfg.MaxRestartDelay, Jitter: true}

	failures := 0
	for {
		started := time.Now()
		err := run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errExited
		}
		if time.Since(started) >= s.cfg.HealthyAfter {
			failures = 0
		}
		failures++

		s.metrics.RecordError("supervisor", perrors.Kind(err))
		if limit := s.cfg.MaxConsecutiveFailures; limit > 0 && failures > limit {
			log.Error().Err(err).Int("failures", failures).Msg("actor failed too often, giving up")
			return fmt.Errorf("bot %q %s: %d consecutive failures: %w", botName, actor, failures, err)
		}

		delay := retry.Backoff(backoff, failures-1)
		log.Error().Err(err).Int("failures", failures).Dur("restart_in", delay).Msg("actor stopped, restarting")
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil
		}
		restarts.Add(1)
	}
}
