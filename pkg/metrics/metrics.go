package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Node metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recsync_nodes_total",
			Help: "Number of known nodes by state",
		},
		[]string{"state"},
	)

	NodeClockOffset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recsync_node_clock_offset_seconds",
			Help: "Filtered clock offset of a node relative to the controller",
		},
		[]string{"node_id"},
	)

	NodeRoundTrip = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recsync_node_round_trip_seconds",
			Help: "Filtered round-trip time to a node",
		},
		[]string{"node_id"},
	)

	NodeClockConfidence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recsync_node_clock_confidence",
			Help: "Confidence of the clock estimate (0..1)",
		},
		[]string{"node_id"},
	)

	// Clock sync metrics
	SyncSamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recsync_sync_samples_total",
			Help: "Clock sync samples by result",
		},
		[]string{"result"},
	)

	SyncCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recsync_sync_cycle_duration_seconds",
			Help:    "Time taken to sample every connected node",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Heartbeat metrics
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recsync_heartbeats_total",
			Help: "Heartbeats by result (ack or missed)",
		},
		[]string{"result"},
	)

	HeartbeatCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recsync_heartbeat_cycle_duration_seconds",
			Help:    "Time taken to probe every live node",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recsync_reconnect_attempts_total",
			Help: "Controller-initiated dial attempts by result",
		},
		[]string{"result"},
	)

	// Protocol metrics
	ProtocolErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recsync_protocol_errors_total",
			Help: "Inbound messages rejected by code",
		},
		[]string{"code"},
	)

	HandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recsync_handshakes_total",
			Help: "Handshakes by result",
		},
		[]string{"result"},
	)

	// Dispatch metrics
	DispatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recsync_dispatch_attempts_total",
			Help: "Command send attempts by message type and result",
		},
		[]string{"type", "result"},
	)

	// Session metrics
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recsync_sessions_total",
			Help: "Finished sessions by final state and cause",
		},
		[]string{"state", "cause"},
	)

	SessionActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "recsync_session_active",
			Help: "Whether a non-terminal session exists (1 = yes)",
		},
	)

	SessionLeadTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recsync_session_lead_time_seconds",
			Help:    "Lead time chosen when arming a session",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16},
		},
	)

	SessionStartAckLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recsync_session_start_ack_latency_seconds",
			Help:    "Time from arming to receiving a START_ACK",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recsync_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recsync_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	EventsDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "recsync_events_dropped",
			Help: "Event deliveries skipped because a subscriber lagged",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodeClockOffset)
	prometheus.MustRegister(NodeRoundTrip)
	prometheus.MustRegister(NodeClockConfidence)
	prometheus.MustRegister(SyncSamplesTotal)
	prometheus.MustRegister(SyncCycleDuration)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(HeartbeatCycleDuration)
	prometheus.MustRegister(ReconnectAttemptsTotal)
	prometheus.MustRegister(ProtocolErrorsTotal)
	prometheus.MustRegister(HandshakesTotal)
	prometheus.MustRegister(DispatchAttemptsTotal)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(SessionActive)
	prometheus.MustRegister(SessionLeadTime)
	prometheus.MustRegister(SessionStartAckLatency)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(EventsDropped)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
