// Package metrics provides Prometheus metrics for the bot runtime.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the runtime.
type Metrics struct {
	FramesTotal      *prometheus.CounterVec
	EventsTotal      *prometheus.CounterVec
	AcksTotal        *prometheus.CounterVec
	ReconnectsTotal  *prometheus.CounterVec
	GatewayConnected *prometheus.GaugeVec
	HandlerErrors    *prometheus.CounterVec
	PoolDropped      *prometheus.CounterVec
	PoolPanics       *prometheus.CounterVec
	ChannelsJoined   *prometheus.GaugeVec
	ChannelsPending  *prometheus.GaugeVec
	DiscoveryBatches *prometheus.CounterVec
	MessagesTotal    *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		FramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slackbot_gateway_frames_total",
				Help: "Gateway frames received by bot and frame kind.",
			},
			[]string{"bot", "kind"},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slackbot_events_total",
				Help: "Classified events by bot and routing outcome.",
			},
			[]string{"bot", "outcome"},
		),
		AcksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slackbot_gateway_acks_total",
				Help: "Envelope acknowledgements sent.",
			},
			[]string{"bot"},
		),
		ReconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slackbot_gateway_reconnects_total",
				Help: "Gateway reconnect attempts.",
			},
			[]string{"bot"},
		),
		GatewayConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "slackbot_gateway_connected",
				Help: "1 while the gateway socket is open.",
			},
			[]string{"bot"},
		),
		HandlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slackbot_handler_errors_total",
				Help: "Application handler failures by event type.",
			},
			[]string{"bot", "event_type"},
		),
		PoolDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slackbot_pool_dropped_total",
				Help: "Dispatch tasks dropped because a partition queue was full.",
			},
			[]string{"partition"},
		),
		PoolPanics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slackbot_pool_panics_total",
				Help: "Dispatch tasks that panicked.",
			},
			[]string{"partition"},
		),
		ChannelsJoined: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "slackbot_channels_joined",
				Help: "Channels with a live delivery worker.",
			},
			[]string{"bot"},
		),
		ChannelsPending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "slackbot_channels_pending",
				Help: "Discovered channels waiting for a join batch.",
			},
			[]string{"bot"},
		),
		DiscoveryBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slackbot_join_batches_total",
				Help: "Startup join batches processed.",
			},
			[]string{"bot"},
		),
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slackbot_messages_total",
				Help: "Outbound messages by status.",
			},
			[]string{"bot", "status"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slackbot_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.FramesTotal,
		m.EventsTotal,
		m.AcksTotal,
		m.ReconnectsTotal,
		m.GatewayConnected,
		m.HandlerErrors,
		m.PoolDropped,
		m.PoolPanics,
		m.ChannelsJoined,
		m.ChannelsPending,
		m.DiscoveryBatches,
		m.MessagesTotal,
		m.ErrorsTotal,
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (for testing).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordFrame counts an inbound gateway frame.
func (m *Metrics) RecordFrame(bot, kind string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(bot, kind).Inc()
}

// RecordEvent counts an event routing outcome.
func (m *Metrics) RecordEvent(bot, outcome string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(bot, outcome).Inc()
}

// RecordAck counts an acknowledgement frame.
func (m *Metrics) RecordAck(bot string) {
	if m == nil {
		return
	}
	m.AcksTotal.WithLabelValues(bot).Inc()
}

// RecordReconnect counts a reconnect attempt.
func (m *Metrics) RecordReconnect(bot string) {
	if m == nil {
		return
	}
	m.ReconnectsTotal.WithLabelValues(bot).Inc()
}

// SetConnected sets the gateway connection gauge.
func (m *Metrics) SetConnected(bot string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.GatewayConnected.WithLabelValues(bot).Set(v)
}

// RecordHandlerError counts an application handler failure.
func (m *Metrics) RecordHandlerError(bot, eventType string) {
	if m == nil {
		return
	}
	m.HandlerErrors.WithLabelValues(bot, eventType).Inc()
}

// TaskDropped implements pool.Observer.
func (m *Metrics) TaskDropped(partition int) {
	if m == nil {
		return
	}
	m.PoolDropped.WithLabelValues(strconv.Itoa(partition)).Inc()
}

// TaskPanicked implements pool.Observer.
func (m *Metrics) TaskPanicked(partition int) {
	if m == nil {
		return
	}
	m.PoolPanics.WithLabelValues(strconv.Itoa(partition)).Inc()
}

// SetChannels sets the joined and pending channel gauges.
func (m *Metrics) SetChannels(bot string, joined, pending int) {
	if m == nil {
		return
	}
	m.ChannelsJoined.WithLabelValues(bot).Set(float64(joined))
	m.ChannelsPending.WithLabelValues(bot).Set(float64(pending))
}

// RecordBatch counts a startup join batch.
func (m *Metrics) RecordBatch(bot string) {
	if m == nil {
		return
	}
	m.DiscoveryBatches.WithLabelValues(bot).Inc()
}

// RecordMessage counts an outbound message by status.
func (m *Metrics) RecordMessage(bot, status string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(bot, status).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
