package mgmt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/slackbot-runtime/internal/bot"
	"github.com/p-blackswan/slackbot-runtime/internal/delivery"
	perrors "github.com/p-blackswan/slackbot-runtime/internal/errors"
	"github.com/p-blackswan/slackbot-runtime/internal/gateway"
	"github.com/p-blackswan/slackbot-runtime/internal/health"
	"github.com/p-blackswan/slackbot-runtime/internal/membership"
	"github.com/p-blackswan/slackbot-runtime/internal/metrics"
	"github.com/p-blackswan/slackbot-runtime/internal/registry"
)

type fakeGateway struct {
	state atomic.Int32
}

func (f *fakeGateway) Run(ctx context.Context) error { <-ctx.Done(); return nil }
func (f *fakeGateway) State() gateway.State          { return gateway.State(f.state.Load()) }
func (f *fakeGateway) set(s gateway.State)           { f.state.Store(int32(s)) }

type fakeMembership struct {
	mu      sync.Mutex
	phase   atomic.Int32
	joined  map[string]bool
	joinErr error
}

func newFakeMembership(phase membership.Phase, joined ...string) *fakeMembership {
	m := &fakeMembership{joined: make(map[string]bool)}
	m.set(phase)
	for _, ch := range joined {
		m.joined[ch] = true
	}
	return m
}

func (f *fakeMembership) Run(ctx context.Context) error { <-ctx.Done(); return nil }
func (f *fakeMembership) Phase() membership.Phase       { return membership.Phase(f.phase.Load()) }
func (f *fakeMembership) set(p membership.Phase)        { f.phase.Store(int32(p)) }

func (f *fakeMembership) Join(_ context.Context, ch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined[ch] = true
	return nil
}

func (f *fakeMembership) Part(_ context.Context, ch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.joined, ch)
	return nil
}

func (f *fakeMembership) Snapshot(context.Context) (membership.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := membership.Snapshot{Phase: f.Phase(), Pending: []string{"C9"}}
	for ch := range f.joined {
		snap.Joined = append(snap.Joined, ch)
	}
	return snap, nil
}

func (f *fakeMembership) has(ch string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joined[ch]
}

type sent struct {
	bot, channel string
	msg          delivery.Message
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeSender) Send(_ context.Context, id bot.Identity, ch string, msg delivery.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{bot: id.Name, channel: ch, msg: msg})
	return nil
}

func (f *fakeSender) Channels(bot.Identity) []string { return []string{"C1"} }

type fixture struct {
	app    *fiber.App
	mem    *fakeMembership
	gw     *fakeGateway
	sender *fakeSender
}

// testApp creates a Fiber app with one bot named "helper" for testing.
func testApp(t *testing.T, auth AuthConfig) *fixture {
	t.Helper()
	logger := zerolog.Nop()

	f := &fixture{
		mem:    newFakeMembership(membership.PhaseSteady, "C1"),
		gw:     &fakeGateway{},
		sender: &fakeSender{},
	}
	f.gw.set(gateway.StateOpen)
	id := bot.Identity{Name: "helper", BotID: "B1", UserID: "U1", TeamID: "T1"}
	b := registry.NewBot(id, "xoxb-1", f.gw, f.mem)

	reg := registry.New()
	require.NoError(t, reg.Register(b))
	checker := health.NewChecker(logger)
	checker.Register(b.Name(), health.BotCheck(b))

	srv := NewServer(ServerConfig{
		ListenAddr: ":0",
		AuthConfig: auth,
		RateLimit:  RateLimitConfig{RPS: 100, Burst: 200},
	}, Deps{Registry: reg, Checker: checker, Sender: f.sender, Metrics: metrics.New()}, logger)

	f.app = srv.App()
	return f
}

func noAuth() AuthConfig { return AuthConfig{Mode: "none"} }

func do(t *testing.T, app *fiber.App, method, path, body string, headers ...string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestServer_HealthzEndpoint(t *testing.T) {
	f := testApp(t, noAuth())

	resp := do(t, f.app, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServer_RequestIDIsEchoed(t *testing.T) {
	f := testApp(t, noAuth())

	resp := do(t, f.app, "GET", "/healthz", "", "X-Request-ID", "req-42")
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
}

func TestServer_ReadyzFollowsBots(t *testing.T) {
	f := testApp(t, noAuth())

	resp := do(t, f.app, "GET", "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.gw.set(gateway.StateReconnecting)
	resp = do(t, f.app, "GET", "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	f := testApp(t, AuthConfig{Mode: "api-key", APIKey: "secret"})

	resp := do(t, f.app, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "probes skip auth")
}

func TestServer_HealthDetail(t *testing.T) {
	f := testApp(t, noAuth())
	f.mem.set(membership.PhaseBatchJoining)

	resp := do(t, f.app, "GET", "/api/v1/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[HealthDetailResponse](t, resp)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, health.StatusDegraded, body.Bots["helper"])
}

func TestServer_ListBots(t *testing.T) {
	f := testApp(t, noAuth())

	resp := do(t, f.app, "GET", "/api/v1/bots", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[BotListResponse](t, resp)
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "helper", body.Bots[0].Name)
	assert.Equal(t, "U1", body.Bots[0].UserID)
	assert.Equal(t, "open", body.Bots[0].Gateway)
	assert.Equal(t, "steady", body.Bots[0].Membership)
	assert.True(t, body.Bots[0].Ready)
}

func TestServer_GetBot_NotFound(t *testing.T) {
	f := testApp(t, noAuth())

	resp := do(t, f.app, "GET", "/api/v1/bots/nobody", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode[ProblemDetail](t, resp).Type)
}

func TestServer_ListChannels(t *testing.T) {
	f := testApp(t, noAuth())

	resp := do(t, f.app, "GET", "/api/v1/bots/helper/channels", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[ChannelsResponse](t, resp)
	assert.Equal(t, "steady", body.Phase)
	assert.Equal(t, []string{"C1"}, body.Joined)
	assert.Equal(t, []string{"C9"}, body.Pending)
	assert.Equal(t, []string{"C1"}, body.Delivering)
}

func TestServer_JoinAndPart(t *testing.T) {
	f := testApp(t, noAuth())

	resp := do(t, f.app, "PUT", "/api/v1/bots/helper/channels/C7", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[ChannelResponse](t, resp).Joined)
	assert.True(t, f.mem.has("C7"))

	resp = do(t, f.app, "DELETE", "/api/v1/bots/helper/channels/C7", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[ChannelResponse](t, resp).Joined)
	assert.False(t, f.mem.has("C7"))
}

func TestServer_JoinFailureIsServerError(t *testing.T) {
	f := testApp(t, noAuth())
	f.mem.joinErr = fmt.Errorf("start worker: boom")

	resp := do(t, f.app, "PUT", "/api/v1/bots/helper/channels/C7", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal_error", decode[ProblemDetail](t, resp).Type)
}

func TestServer_SendMessage(t *testing.T) {
	f := testApp(t, noAuth())

	resp := do(t, f.app, "POST", "/api/v1/bots/helper/messages", `{"channel":"C1","text":"hi","thread_ts":"1.2"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", decode[SendMessageResponse](t, resp).Status)

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, sent{bot: "helper", channel: "C1", msg: delivery.Message{Text: "hi", ThreadTS: "1.2"}}, f.sender.sent[0])
}

func TestServer_SendMessage_Validation(t *testing.T) {
	f := testApp(t, noAuth())

	resp := do(t, f.app, "POST", "/api/v1/bots/helper/messages", `{"channel":"C1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing_field", decode[ProblemDetail](t, resp).Type)

	resp = do(t, f.app, "POST", "/api/v1/bots/helper/messages", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_SendMessage_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"not joined", fmt.Errorf("send: %w", perrors.ErrNotJoined), http.StatusConflict, "channel_not_joined"},
		{"queue full", fmt.Errorf("send: %w", perrors.ErrRateLimit), http.StatusTooManyRequests, "queue_full"},
		{"deadline", context.DeadlineExceeded, http.StatusServiceUnavailable, "bot_unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := testApp(t, noAuth())
			f.sender.err = tt.err

			resp := do(t, f.app, "POST", "/api/v1/bots/helper/messages", `{"channel":"C2","text":"hi"}`)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.typ, decode[ProblemDetail](t, resp).Type)
		})
	}
}

func TestServer_UnknownRoute(t *testing.T) {
	f := testApp(t, noAuth())

	resp := do(t, f.app, "GET", "/api/v1/nothing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "request_error", decode[ProblemDetail](t, resp).Type)
}
