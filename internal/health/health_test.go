package health

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/p-blackswan/slackbot-runtime/internal/gateway"
	"github.com/p-blackswan/slackbot-runtime/internal/membership"
)

type fakeBot struct {
	state gateway.State
	phase membership.Phase
}

func (f fakeBot) State() gateway.State    { return f.state }
func (f fakeBot) Phase() membership.Phase { return f.phase }

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("helper", func(ctx context.Context) Status { return StatusOK })
	c.Register("notifier", func(ctx context.Context) Status { return StatusOK })

	r := c.RunAll(context.Background())
	assert.Equal(t, StatusOK, r.Status)
	assert.Len(t, r.Checks, 2)
	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_OneDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("helper", func(ctx context.Context) Status { return StatusOK })
	c.Register("notifier", func(ctx context.Context) Status { return StatusDown })

	assert.Equal(t, StatusDown, c.RunAll(context.Background()).Status)
	assert.False(t, c.IsReady(context.Background()))
}

func TestChecker_Degraded_StillReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("helper", func(ctx context.Context) Status { return StatusDegraded })

	assert.Equal(t, StatusDegraded, c.RunAll(context.Background()).Status)
	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.True(t, c.IsReady(context.Background()))
}

func TestBotCheck(t *testing.T) {
	tests := []struct {
		name string
		bot  fakeBot
		want Status
	}{
		{"open and steady", fakeBot{gateway.StateOpen, membership.PhaseSteady}, StatusOK},
		{"open and joining", fakeBot{gateway.StateOpen, membership.PhaseBatchJoining}, StatusDegraded},
		{"open and discovering", fakeBot{gateway.StateOpen, membership.PhaseDiscovering}, StatusDegraded},
		{"reconnecting", fakeBot{gateway.StateReconnecting, membership.PhaseSteady}, StatusDown},
		{"membership stopped", fakeBot{gateway.StateOpen, membership.PhaseStopped}, StatusDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BotCheck(tt.bot)(context.Background()))
		})
	}
}
