// Command slackbot runs one or more Slack bots over Socket Mode: each bot
// holds a gateway connection, joins its configured channels and hands
// forwarded events to its handler.
//
// Usage:
//
//	SLACK_BOT_TOKEN=xoxb-... SLACK_APP_TOKEN=xapp-... slackbot
//	BOTS_FILE=bots.yaml slackbot
package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/p-blackswan/slackbot-runtime/internal/config"
	"github.com/p-blackswan/slackbot-runtime/internal/delivery"
	"github.com/p-blackswan/slackbot-runtime/internal/gateway"
	"github.com/p-blackswan/slackbot-runtime/internal/health"
	"github.com/p-blackswan/slackbot-runtime/internal/metrics"
	"github.com/p-blackswan/slackbot-runtime/internal/mgmt"
	"github.com/p-blackswan/slackbot-runtime/internal/pool"
	"github.com/p-blackswan/slackbot-runtime/internal/registry"
	"github.com/p-blackswan/slackbot-runtime/internal/retry"
	"github.com/p-blackswan/slackbot-runtime/internal/slackapi"
)

const (
	buildTimeout    = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger := newLogger(cfg, os.Stdout, os.Stderr)
	log.Logger = logger

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	bots, err := cfg.Bots()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load bot definitions")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Int("bots", len(bots)).
		Msg("starting slackbot runtime")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	dispatch := pool.New(pool.Config{
		Partitions:          cfg.PoolPartitions,
		WorkersPerPartition: cfg.PoolWorkers,
		QueueSize:           cfg.PoolQueueSize,
	}, logger)
	dispatch.SetObserver(m)
	dispatch.Start(ctx)

	deliveries := delivery.NewManager(delivery.Config{
		QueueSize: cfg.DeliveryQueueSize,
		Interval:  cfg.DeliveryInterval,
	}, delivery.SlackPosters(cfg.SlackAPIURL), m, logger)

	builder := &registry.Builder{
		BaseURL: cfg.SlackAPIURL,
		Gateway: gateway.Config{
			AllowedIntegrationEvents: cfg.AllowedIntegrationEvents,
			Reconnect: retry.Config{
				MaxAttempts: cfg.ReconnectMaxAttempts,
				BaseDelay:   cfg.ReconnectBaseDelay,
				MaxDelay:    cfg.ReconnectMaxDelay,
				Jitter:      true,
			},
			DedupeSize:  cfg.EventDedupeSize,
			PingTimeout: cfg.GatewayPingTimeout,
		},
		Pool:     dispatch,
		Streamer: slackapi.NewClient(slackapi.Config{BaseURL: cfg.SlackAPIURL}, logger),
		Workers:  deliveries,
		Metrics:  m,
		Logger:   logger,
		PageSize: cfg.DiscoveryPageSize,
	}

	reg := registry.New()
	checker := health.NewChecker(logger)
	for _, bc := range bots {
		buildCtx, cancel := context.WithTimeout(ctx, buildTimeout)
		b, err := builder.Build(buildCtx, bc.Definition(logHandler(bc.Name, logger)))
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Str("bot", bc.Name).Msg("failed to build bot")
		}
		if err := reg.Register(b); err != nil {
			logger.Fatal().Err(err).Str("bot", bc.Name).Msg("failed to register bot")
		}
		checker.Register(b.Name(), health.BotCheck(b))
	}

	mgmtServer := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode:        cfg.MgmtAuthMode,
			APIKey:      cfg.MgmtAPIKey,
			ReadOnlyKey: cfg.MgmtReadOnlyKey,
		},
		RateLimit: mgmt.RateLimitConfig{
			RPS:   cfg.MgmtRateLimitRPS,
			Burst: cfg.MgmtRateLimitBurst,
		},
		CORSOrigins: cfg.MgmtCORSOrigins,
	}, mgmt.Deps{
		Registry: reg,
		Checker:  checker,
		Sender:   deliveries,
		Metrics:  m,
	}, logger)

	supervisor := registry.NewSupervisor(reg, registry.SupervisorConfig{
		RestartDelay:           cfg.RestartDelay,
		MaxConsecutiveFailures: cfg.MaxRestartFailures,
	}, m, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return mgmtServer.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		return mgmtServer.Shutdown()
	})
	g.Go(func() error {
		return supervisor.Run(gctx)
	})

	// Stop the pool and the delivery workers only after every actor has
	// returned, so no dispatch races a closed queue.
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		logger.Info().Msg("shutting down gracefully")
		select {
		case runErr = <-done:
		case <-time.After(shutdownTimeout):
			logger.Warn().Msg("forced shutdown after timeout")
		}
	}

	dispatch.Stop()
	deliveries.Close()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error().Err(runErr).Msg("slackbot runtime stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("slackbot runtime stopped")
}

// newLogger writes JSON to out, or human-readable lines to console when the
// environment is development.
func newLogger(cfg *config.Config, out, console io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Caller().Logger()
	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: console})
	}
	return logger
}
