/*
Package controller assembles the recording controller.

A Controller owns the node registry, handshake negotiator, clock
synchronizer, heartbeat monitor, reconnector, command dispatcher and session
orchestrator, and the listeners in front of them: the WebSocket endpoint
nodes connect to, the operator HTTP API and the optional gRPC health
service.

	cfg, _ := config.Load("recsync.yaml")
	ctl, err := controller.New(cfg)
	if err != nil {
		return err
	}
	ctl.OnSessionStateChanged(func(s types.Session) { ... })
	return ctl.Run(ctx)

Run blocks until ctx is cancelled. On the way out the active session, if
any, is failed with cause Shutdown and STOP_SESSION is sent to the nodes
that started it before connections are closed.
*/
package controller
