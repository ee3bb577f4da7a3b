/*
Package events provides the in-process event broker the controller's
components use to observe each other.

The registry publishes node state and clock changes, the orchestrator
publishes session transitions and archive writes. Events carry value
snapshots, never pointers into component state.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for ev := range sub {
		if ev.Type == events.EventSessionStateChanged {
			fmt.Println(ev.Session.State, ev.Cause)
		}
	}

Publish never blocks on a subscriber. Each subscription is buffered (128
events); when a subscriber falls behind, deliveries to it are skipped and
counted in Dropped, which the metrics collector exports as
recsync_events_dropped. Subscribers that must not miss a transition should
re-read state from its owner after catching up.

Event types:

	node.connected           a node completed the handshake
	node.state_changed       a node changed lifecycle state
	node.sync_changed        a node's clock estimate became trusted or unreliable
	node.retired             a node id was retired
	session.state_changed    a session transitioned
	session.archived         a session record was written to the archive
*/
package events
