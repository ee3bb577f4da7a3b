package registry

import (
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/types"
)

// EventKind names an input to the node state machine
type EventKind string

const (
	EventHeartbeatAck    EventKind = "heartbeat_ack"
	EventHeartbeatMissed EventKind = "heartbeat_missed"
	EventProtocolError   EventKind = "protocol_error"
	EventDisconnected    EventKind = "disconnected"
	EventLost            EventKind = "lost"
	EventSyncSample      EventKind = "sync_sample"
	EventSeq             EventKind = "seq"
	EventRetire          EventKind = "retire"
)

// Event is applied to a node by Registry.Transition.
//
// Epoch, when non-zero, pins the event to one connection of the node: an
// event produced for an earlier connection is rejected with ErrStaleEpoch.
type Event struct {
	Kind   EventKind
	At     time.Time
	Epoch  uint64
	Clock  types.ClockEstimate // EventSyncSample
	Seq    uint64              // EventSeq
	Detail string
}
