package mgmt

import (
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func apiKeyAuth() AuthConfig {
	return AuthConfig{
		Mode:        "api-key",
		APIKey:      "test-secret-key",
		ReadOnlyKey: "test-readonly-key",
		Roles:       map[string]Role{"test-operator-key": RoleOperator},
	}
}

func TestAuth_NoAuth_Mode(t *testing.T) {
	f := testApp(t, noAuth())

	resp := do(t, f.app, "PUT", "/api/v1/bots/helper/channels/C2", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_APIKey_Valid(t *testing.T) {
	f := testApp(t, apiKeyAuth())

	resp := do(t, f.app, "GET", "/api/v1/bots", "", "Authorization", "Bearer test-secret-key")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_APIKey_Missing(t *testing.T) {
	f := testApp(t, apiKeyAuth())

	resp := do(t, f.app, "GET", "/api/v1/bots", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "missing_auth", decode[ProblemDetail](t, resp).Type)
}

func TestAuth_APIKey_Invalid(t *testing.T) {
	f := testApp(t, apiKeyAuth())

	resp := do(t, f.app, "GET", "/api/v1/bots", "", "Authorization", "Bearer wrong-key")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_api_key", decode[ProblemDetail](t, resp).Type)
}

func TestAuth_WrongScheme(t *testing.T) {
	f := testApp(t, apiKeyAuth())

	resp := do(t, f.app, "GET", "/api/v1/bots", "", "Authorization", "Basic dXNlcjpwYXNz")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_auth_scheme", decode[ProblemDetail](t, resp).Type)
}

func TestAuth_ProbesSkipAuth(t *testing.T) {
	f := testApp(t, apiKeyAuth())

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp := do(t, f.app, "GET", path, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestAuth_ReadOnlyCannotMutate(t *testing.T) {
	f := testApp(t, apiKeyAuth())

	resp := do(t, f.app, "GET", "/api/v1/bots/helper/channels", "", "Authorization", "Bearer test-readonly-key")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, f.app, "PUT", "/api/v1/bots/helper/channels/C2", "", "Authorization", "Bearer test-readonly-key")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "insufficient_role", decode[ProblemDetail](t, resp).Type)
	assert.False(t, f.mem.has("C2"))

	resp = do(t, f.app, "POST", "/api/v1/bots/helper/messages", `{"channel":"C1","text":"hi"}`, "Authorization", "Bearer test-readonly-key")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, f.sender.sent)
}

func TestAuth_OperatorCanMutate(t *testing.T) {
	f := testApp(t, apiKeyAuth())

	resp := do(t, f.app, "PUT", "/api/v1/bots/helper/channels/C2", "", "Authorization", "Bearer test-operator-key")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.mem.has("C2"))
}

func TestRateLimit_Exceeded(t *testing.T) {
	srv := NewServer(ServerConfig{
		AuthConfig: noAuth(),
		RateLimit:  RateLimitConfig{RPS: 1, Burst: 2},
	}, Deps{}, zerolog.Nop())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp := do(t, srv.App(), "GET", "/api/v1/bots", "")
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	resp := do(t, srv.App(), "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "probes are never limited")
}
