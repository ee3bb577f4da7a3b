/*
Package metrics exports the controller's Prometheus metrics and tracks
component health.

All collectors are registered on the default registry at init and served
by Handler, which the operator API mounts at /metrics.

# Nodes

	recsync_nodes_total{state}                      nodes per lifecycle state
	recsync_node_clock_offset_seconds{node_id}      filtered offset of trusted nodes
	recsync_node_round_trip_seconds{node_id}        round-trip of the best sample
	recsync_node_clock_confidence{node_id}          0..1, inverse to sample spread
	recsync_sync_samples_total{result}              clock probes by outcome
	recsync_sync_cycle_duration_seconds             one synchronizer tick
	recsync_heartbeats_total{result}                ack or missed
	recsync_heartbeat_cycle_duration_seconds        one monitor tick
	recsync_reconnect_attempts_total{result}        controller-side redials
	recsync_handshakes_total{result}                ok, rejected or failed
	recsync_protocol_errors_total{code}             rejected inbound messages

The node gauges are refreshed by Collector from registry snapshots rather
than written on every change.

# Sessions

	recsync_dispatch_attempts_total{type,result}    START/STOP delivery attempts
	recsync_sessions_total{state,cause}             finished sessions
	recsync_session_active                          1 while a session is held
	recsync_session_lead_time_seconds               chosen lead time
	recsync_session_start_ack_latency_seconds       START send to START_ACK

# API

	recsync_api_requests_total{route,status}
	recsync_api_request_duration_seconds{route}
	recsync_events_dropped                          broker deliveries skipped

Timer measures an operation and observes it into a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SyncCycleDuration)

# Health

HealthChecker aggregates per-component health. /health fails when any
registered component is unhealthy; /ready fails until every critical
component (listener, storage and session for the controller) has reported
healthy.
*/
package metrics
