package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the messaging and call-signaling layer.
//
// Naming convention: namespace_subsystem_name
// - namespace: job_portal
// - subsystem: websocket, broker, client, dispatch, signaling, bus
// - name: specific metric (connections_active, frames_total, etc.)

var (
	// ActiveWebSocketConnections tracks broker-side websocket sessions.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "job_portal",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// BrokerFrames counts frames handled by the broker by command and outcome.
	BrokerFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "job_portal",
		Subsystem: "broker",
		Name:      "frames_total",
		Help:      "Total frames processed by the broker",
	}, []string{"command", "status"})

	// BrokerDeliveries counts envelope deliveries by route (local, bus) and outcome.
	BrokerDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "job_portal",
		Subsystem: "broker",
		Name:      "deliveries_total",
		Help:      "Envelopes delivered to personal topics",
	}, []string{"route", "status"})

	// FrameProcessingDuration tracks the time spent routing one inbound frame.
	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "job_portal",
		Subsystem: "broker",
		Name:      "frame_processing_seconds",
		Help:      "Time spent processing inbound frames",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"command"})

	// ClientConnectAttempts counts Connection Manager connect outcomes.
	ClientConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "job_portal",
		Subsystem: "client",
		Name:      "connect_attempts_total",
		Help:      "Connection attempts made by the messaging client",
	}, []string{"status"})

	// ClientEnvelopes counts envelopes sent and received by status.
	ClientEnvelopes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "job_portal",
		Subsystem: "client",
		Name:      "envelopes_total",
		Help:      "Envelopes handled by the messaging client",
	}, []string{"direction", "status"})

	// ClientDroppedSends counts sends silently dropped by a disconnected transport.
	ClientDroppedSends = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "job_portal",
		Subsystem: "client",
		Name:      "dropped_sends_total",
		Help:      "Frames dropped because the transport was not connected",
	})

	// MalformedEnvelopes counts inbound payloads that failed to decode.
	MalformedEnvelopes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "job_portal",
		Subsystem: "client",
		Name:      "malformed_envelopes_total",
		Help:      "Inbound payloads dropped because they could not be decoded",
	}, []string{"source"})

	// DispatchHandlerFailures counts handlers that panicked or returned an error.
	DispatchHandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "job_portal",
		Subsystem: "dispatch",
		Name:      "handler_failures_total",
		Help:      "Dispatch handler invocations that failed",
	}, []string{"key", "kind"})

	// CallTransitions counts call-signaling phase transitions.
	CallTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "job_portal",
		Subsystem: "signaling",
		Name:      "transitions_total",
		Help:      "Call session phase transitions",
	}, []string{"from", "to"})

	// CircuitBreakerState tracks breaker state (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "job_portal",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per dependency",
	}, []string{"name"})

	// CircuitBreakerFailures counts calls rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "job_portal",
		Subsystem: "bus",
		Name:      "circuit_breaker_rejections_total",
		Help:      "Calls rejected because the circuit breaker was open",
	}, []string{"name"})

	// RateLimitExceeded counts requests rejected by the rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "job_portal",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by the rate limiter",
	}, []string{"endpoint", "type"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
