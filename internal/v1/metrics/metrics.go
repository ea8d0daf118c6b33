package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the communication hub.
//
// Naming convention: namespace_subsystem_name
// - namespace: comms_hub (application-level grouping)
// - subsystem: websocket, channel, stream, auth (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, channels, voice participants)
// - Counter: Cumulative events (commands processed, auth decisions)
// - Histogram: Latency distributions (command processing time)

var (
	// ActiveConnections tracks the current number of active client connections (Gauge - current state)
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "comms_hub",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active client connections",
	})

	// ActiveChannels tracks the current number of registered channels (Gauge - current state)
	ActiveChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "comms_hub",
		Subsystem: "channel",
		Name:      "channels_active",
		Help:      "Current number of registered channels",
	})

	// VoiceParticipants tracks the number of voice participants per channel
	VoiceParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "comms_hub",
		Subsystem: "channel",
		Name:      "voice_participants_count",
		Help:      "Number of voice participants in each channel",
	}, []string{"channel_id"})

	// LiveStreams tracks the number of channels with an active stream publish session
	LiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "comms_hub",
		Subsystem: "stream",
		Name:      "live_total",
		Help:      "Number of channels currently live",
	})

	// CommandEvents tracks the total number of client protocol commands processed (CounterVec - cumulative)
	CommandEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "comms_hub",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total client protocol commands processed",
	}, []string{"event_type", "status"})

	// CommandProcessingDuration tracks the time spent processing client commands (HistogramVec - latency distribution)
	CommandProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "comms_hub",
		Subsystem: "websocket",
		Name:      "command_processing_seconds",
		Help:      "Time spent processing client protocol commands",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// SlowSubscriberDrops tracks connections closed because their outbound queue overflowed
	SlowSubscriberDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "comms_hub",
		Subsystem: "websocket",
		Name:      "slow_subscriber_drops_total",
		Help:      "Connections closed because their outbound queue was full",
	})

	// StreamAuthDecisions tracks RTMP publish authorization outcomes
	StreamAuthDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "comms_hub",
		Subsystem: "stream",
		Name:      "auth_decisions_total",
		Help:      "RTMP publish authorization outcomes",
	}, []string{"decision"})

	// RateLimitExceeded tracks rejected requests per limiter
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "comms_hub",
		Subsystem: "auth",
		Name:      "rate_limit_exceeded_total",
		Help:      "Requests rejected by a rate limiter",
	}, []string{"limiter"})

	// CircuitBreakerState tracks the redis mirror breaker state (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "comms_hub",
		Subsystem: "mirror",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"target"})

	// CircuitBreakerFailures counts operations dropped by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "comms_hub",
		Subsystem: "mirror",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations dropped because the circuit breaker was open",
	}, []string{"target"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
