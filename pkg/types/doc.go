/*
Package types defines the records shared by every controller component.

# Nodes

A Node is the controller's view of one sensing node: its declared
Capabilities, its lifecycle State, the latest ClockEstimate and the
connection Epoch. Epoch increases on every successful handshake, so any
work prepared for one connection can be recognised as stale once the node
reconnects.

Node states move along

	registering -> connected <-> degraded -> lost -> connected (new epoch)
	                                    any -> retired

Only connected and degraded nodes are Live. A node's clock may be used for
session math only when ClockTrusted: connected, converged and not flagged
SyncUnreliable.

# Sessions

A Session is one synchronized recording. Its Participants are frozen when
it enters preparing. Acks holds one AckRecord per participant with the
START and STOP outcome. MasterStart is the agreed start instant in
controller time and Targets the matching node-local start times.

Session states move along

	idle -> preparing -> armed -> recording -> stopping -> completed
	           any non-terminal state -> failed

Every transition carries a machine-readable Cause such as QuorumReached,
QuorumLost or Cancelled.

Snapshots handed across goroutines are copies: use Session.Clone and copy
Capabilities before sharing.
*/
package types
