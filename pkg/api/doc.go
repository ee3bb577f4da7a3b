/*
Package api serves the controller's operator surface.

The HTTP API is routed with gorilla/mux and speaks JSON:

	GET  /health                  liveness, any unhealthy component fails it
	GET  /ready                   readiness, every critical component must be up
	GET  /metrics                 Prometheus exposition
	GET  /v1/nodes                all node records
	GET  /v1/nodes/{id}           one node record
	POST /v1/nodes/{id}/retire    retire a node id permanently
	POST /v1/sessions             request a session, body {"participants": [...]}
	GET  /v1/sessions             current session followed by the archive
	GET  /v1/sessions/current     the session held by the orchestrator
	GET  /v1/sessions/{id}        one session
	POST /v1/sessions/{id}/stop   stop a recording session
	POST /v1/sessions/{id}/cancel cancel a session

Errors are returned as {"error": "...", "code": "..."} with 404 for unknown
ids, 409 for a busy orchestrator or a finished session and 422 when no
participant is eligible. Every request is counted in
recsync_api_requests_total by route template and status.

GRPCHealth additionally publishes readiness through the standard
grpc.health.v1 service so gRPC-aware probes can check the controller.
*/
package api
