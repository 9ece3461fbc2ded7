// Package registry maps bot names to their running gateway and membership
// actors. A Registry is created by the process and handed to the components
// that need to reach a bot; nothing looks bots up through package state.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/p-blackswan/slackbot-runtime/internal/bot"
	perrors "github.com/p-blackswan/slackbot-runtime/internal/errors"
	"github.com/p-blackswan/slackbot-runtime/internal/gateway"
	"github.com/p-blackswan/slackbot-runtime/internal/membership"
)

// GatewayActor is the gateway side of a bot. *gateway.Connection
// satisfies it.
type GatewayActor interface {
	Run(ctx context.Context) error
	State() gateway.State
}

// MembershipActor is the membership side of a bot. *membership.Manager
// satisfies it.
type MembershipActor interface {
	Run(ctx context.Context) error
	Phase() membership.Phase
	Join(ctx context.Context, channelID string) error
	Part(ctx context.Context, channelID string) error
	Snapshot(ctx context.Context) (membership.Snapshot, error)
}

// Bot is one registered bot.
type Bot struct {
	Identity   bot.Identity
	Token      string
	Gateway    GatewayActor
	Membership MembershipActor

	gatewayRestarts    atomic.Int64
	membershipRestarts atomic.Int64
}

// NewBot assembles a Bot.
func NewBot(identity bot.Identity, token string, gw GatewayActor, mem MembershipActor) *Bot {
	return &Bot{Identity: identity, Token: token, Gateway: gw, Membership: mem}
}

// Name returns the bot's configured name.
func (b *Bot) Name() string {
	return b.Identity.Name
}

// Restarts returns how often the supervisor restarted each actor.
func (b *Bot) Restarts() (gatewayRestarts, membershipRestarts int64) {
	return b.gatewayRestarts.Load(), b.membershipRestarts.Load()
}

// State returns the gateway connection state.
func (b *Bot) State() gateway.State {
	return b.Gateway.State()
}

// Phase returns the membership lifecycle phase.
func (b *Bot) Phase() membership.Phase {
	return b.Membership.Phase()
}

// Ready reports whether the gateway is open and membership is steady.
func (b *Bot) Ready() bool {
	return b.State() == gateway.StateOpen && b.Phase() == membership.PhaseSteady
}

// Registry is a concurrency-safe name to Bot map.
type Registry struct {
	mu   sync.RWMutex
	bots map[string]*Bot
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{bots: make(map[string]*Bot)}
}

// Register adds b. Names must be unique.
func (r *Registry) Register(b *Bot) error {
	if b == nil || b.Name() == "" {
		return fmt.Errorf("register bot: missing name: %w", perrors.ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bots[b.Name()]; ok {
		return fmt.Errorf("register bot %q: already registered: %w", b.Name(), perrors.ErrInvalidInput)
	}
	r.bots[b.Name()] = b
	return nil
}

// Lookup returns the bot registered under name.
func (r *Registry) Lookup(name string) (*Bot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bots[name]
	if !ok {
		return nil, fmt.Errorf("bot %q: %w", name, perrors.ErrNotFound)
	}
	return b, nil
}

// Identity returns the identity of the bot registered under name.
func (r *Registry) Identity(name string) (bot.Identity, error) {
	b, err := r.Lookup(name)
	if err != nil {
		return bot.Identity{}, err
	}
	return b.Identity, nil
}

// List returns all bots sorted by name.
func (r *Registry) List() []*Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Bot, 0, len(r.bots))
	for _, b := range r.bots {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Len returns the number of registered bots.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bots)
}
