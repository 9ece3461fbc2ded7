package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/slack-go/slack/socketmode"

	perrors "github.com/p-blackswan/slackbot-runtime/internal/errors"
)

// FrameKind classifies an inbound gateway frame.
type FrameKind int

const (
	FrameOther FrameKind = iota
	FrameHello
	FrameEvent
	FrameInteractive
)

func (k FrameKind) String() string {
	switch k {
	case FrameHello:
		return "hello"
	case FrameEvent:
		return "event"
	case FrameInteractive:
		return "interactive"
	}
	return "other"
}

const (
	envelopeHello       = "hello"
	envelopeInteractive = "interactive"
)

// envelope is the outer JSON wrapper of a socket mode frame.
type envelope struct {
	Type         string          `json:"type"`
	EnvelopeID   string          `json:"envelope_id"`
	RetryAttempt int             `json:"retry_attempt"`
	RetryReason  string          `json:"retry_reason"`
	Reason       string          `json:"reason"`
	Payload      json.RawMessage `json:"payload"`
}

// Frame is a decoded inbound frame.
type Frame struct {
	Kind         FrameKind
	EnvelopeType string
	EnvelopeID   string
	RetryAttempt int
	// Reason is set on disconnect frames.
	Reason string

	// Set for FrameEvent and FrameInteractive.
	EventType string
	EventID   string
	Payload   json.RawMessage
}

// DecodeFrame parses one text frame. Errors wrap perrors.ErrDecode.
func DecodeFrame(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("decoding envelope: %v: %w", err, perrors.ErrDecode)
	}

	f := Frame{
		EnvelopeType: env.Type,
		EnvelopeID:   env.EnvelopeID,
		RetryAttempt: env.RetryAttempt,
		Reason:       env.Reason,
	}

	if env.Type == envelopeHello {
		f.Kind = FrameHello
		return f, nil
	}

	if isObject(env.Payload) {
		var p struct {
			EventID string          `json:"event_id"`
			Event   json.RawMessage `json:"event"`
			Type    string          `json:"type"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Frame{}, fmt.Errorf("decoding payload: %v: %w", err, perrors.ErrDecode)
		}

		switch {
		case isObject(p.Event):
			var inner struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(p.Event, &inner); err != nil {
				return Frame{}, fmt.Errorf("decoding inner event: %v: %w", err, perrors.ErrDecode)
			}
			if inner.Type == "" {
				return Frame{}, fmt.Errorf("inner event has no type: %w", perrors.ErrDecode)
			}
			f.Kind = FrameEvent
			f.EventType = inner.Type
			f.EventID = p.EventID
			f.Payload = p.Event
			return f, nil

		case env.Type == envelopeInteractive:
			if p.Type == "" {
				return Frame{}, fmt.Errorf("interactive payload has no type: %w", perrors.ErrDecode)
			}
			f.Kind = FrameInteractive
			f.EventType = p.Type
			f.Payload = env.Payload
			return f, nil
		}
	}

	f.Kind = FrameOther
	return f, nil
}

// EncodeAck builds the acknowledgement for an envelope. It carries only the
// echoed envelope_id.
func EncodeAck(envelopeID string) ([]byte, error) {
	return json.Marshal(socketmode.Response{EnvelopeID: envelopeID})
}

func isObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
