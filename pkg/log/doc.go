/*
Package log wraps zerolog for the controller and node agent.

Init configures the global Logger once at startup:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stderr})

Console output is used unless JSONOutput is set. Components derive child
loggers so every line carries its origin:

	logger := log.WithComponent("clocksync")
	logger.Warn().Str("node_id", id).Err(err).Msg("Sync probe failed")

WithNodeID and WithSessionID attach the node or session id instead. Errors
about a node, a session or a message always include node_id, session_id or
seq fields so a failure can be followed across components.
*/
package log
