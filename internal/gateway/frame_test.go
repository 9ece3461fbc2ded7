package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/slackbot-runtime/internal/errors"
)

func TestDecodeFrame_Hello(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"hello","num_connections":1}`))
	require.NoError(t, err)
	assert.Equal(t, FrameHello, f.Kind)
}

func TestDecodeFrame_Event(t *testing.T) {
	f, err := DecodeFrame([]byte(`{
		"envelope_id":"env-1",
		"type":"events_api",
		"retry_attempt":2,
		"payload":{"event_id":"Ev1","type":"event_callback","event":{"type":"message","user":"U7","text":"hi"}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, FrameEvent, f.Kind)
	assert.Equal(t, "env-1", f.EnvelopeID)
	assert.Equal(t, "message", f.EventType)
	assert.Equal(t, "Ev1", f.EventID)
	assert.Equal(t, 2, f.RetryAttempt)
	assert.JSONEq(t, `{"type":"message","user":"U7","text":"hi"}`, string(f.Payload))
}

func TestDecodeFrame_Interactive(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"envelope_id":"env-2","type":"interactive","payload":{"type":"block_actions","actions":[]}}`))
	require.NoError(t, err)
	assert.Equal(t, FrameInteractive, f.Kind)
	assert.Equal(t, "block_actions", f.EventType)
	assert.JSONEq(t, `{"type":"block_actions","actions":[]}`, string(f.Payload))
}

func TestDecodeFrame_Other(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"disconnect","reason":"refresh_requested"}`))
	require.NoError(t, err)
	assert.Equal(t, FrameOther, f.Kind)
	assert.Equal(t, "refresh_requested", f.Reason)

	f, err = DecodeFrame([]byte(`{"envelope_id":"env-3","type":"slash_commands","payload":{"command":"/x"}}`))
	require.NoError(t, err)
	assert.Equal(t, FrameOther, f.Kind)
}

func TestDecodeFrame_Malformed(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"type":"events_api","payload":{"event":{"user":"U1"}}}`,
		`{"type":"interactive","payload":{"actions":[]}}`,
		`{"type":"events_api","payload":{"event":{"type":7}}}`,
	} {
		_, err := DecodeFrame([]byte(raw))
		assert.ErrorIs(t, err, perrors.ErrDecode, raw)
	}
}

func TestEncodeAck(t *testing.T) {
	b, err := EncodeAck("env-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"envelope_id":"env-1"}`, string(b))
}
