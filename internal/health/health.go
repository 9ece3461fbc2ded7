// Package health aggregates per-bot readiness for the management probes.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/slackbot-runtime/internal/gateway"
	"github.com/p-blackswan/slackbot-runtime/internal/membership"
)

// Status represents the health status of one check.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckFunc is a function that checks one component.
type CheckFunc func(ctx context.Context) Status

// BotState exposes the lifecycle of a bot's two actors.
type BotState interface {
	State() gateway.State
	Phase() membership.Phase
}

// BotCheck reports a bot as ok once its gateway is open and its membership
// is steady, degraded while channels are still being joined, and down when
// the gateway is not connected.
func BotCheck(b BotState) CheckFunc {
	return func(context.Context) Status {
		if b.State() != gateway.StateOpen {
			return StatusDown
		}
		switch b.Phase() {
		case membership.PhaseSteady:
			return StatusOK
		case membership.PhaseStopped:
			return StatusDown
		default:
			return StatusDegraded
		}
	}
}

// Report is the result of running every check.
type Report struct {
	Status Status            `json:"status"`
	Checks map[string]Status `json:"checks"`
}

// Checker manages named health checks.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	timeout time.Duration
	logger  zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes all health checks concurrently.
func (c *Checker) RunAll(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			s := f(checkCtx)
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	overall := StatusOK
	for name, s := range results {
		switch s {
		case StatusDown:
			overall = StatusDown
			c.logger.Debug().Str("check", name).Msg("health check down")
		case StatusDegraded:
			if overall == StatusOK {
				overall = StatusDegraded
			}
		}
	}
	return Report{Status: overall, Checks: results}
}

// IsReady returns true unless a check is down.
func (c *Checker) IsReady(ctx context.Context) bool {
	return c.RunAll(ctx).Status != StatusDown
}
