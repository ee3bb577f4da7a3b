package types

import (
	"sort"
	"time"
)

// Node represents a remote sensing node known to the controller
type Node struct {
	ID               string
	Address          string // Remote network address of the current connection
	DialAddress      string // Set when the controller owns the transport and redials
	Capabilities     Capabilities
	ProtocolVersion  string
	State            NodeState
	Clock            ClockEstimate
	LastHeartbeat    time.Time
	MissedHeartbeats int
	ProtocolErrors   int
	SeqHighWater     uint64
	Epoch            uint64 // Incremented on every successful handshake
	ConnectedAt      time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Supports reports whether the node declared the given capability tag
func (n Node) Supports(tag string) bool {
	return n.Capabilities.Has(tag)
}

// ClockTrusted reports whether the node's offset may be used for session math
func (n Node) ClockTrusted() bool {
	return n.State == NodeStateConnected && n.Clock.Converged && !n.Clock.SyncUnreliable
}

// NodeState represents the lifecycle state of a node
type NodeState string

const (
	NodeStateRegistering NodeState = "registering"
	NodeStateConnected   NodeState = "connected"
	NodeStateDegraded    NodeState = "degraded"
	NodeStateLost        NodeState = "lost"
	NodeStateRetired     NodeState = "retired"
)

// Live reports whether the node is still probed by the heartbeat monitor
func (s NodeState) Live() bool {
	return s == NodeStateConnected || s == NodeStateDegraded
}

// Capabilities is the set of modality and feature tags a node declared at handshake
type Capabilities map[string]struct{}

// NewCapabilities builds a capability set from tags
func NewCapabilities(tags ...string) Capabilities {
	c := make(Capabilities, len(tags))
	for _, t := range tags {
		if t != "" {
			c[t] = struct{}{}
		}
	}
	return c
}

// Has reports whether tag is in the set
func (c Capabilities) Has(tag string) bool {
	_, ok := c[tag]
	return ok
}

// Tags returns the sorted tag list
func (c Capabilities) Tags() []string {
	tags := make([]string, 0, len(c))
	for t := range c {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Clone returns an independent copy of the set
func (c Capabilities) Clone() Capabilities {
	out := make(Capabilities, len(c))
	for t := range c {
		out[t] = struct{}{}
	}
	return out
}

// ClockEstimate is the filtered clock offset of a node relative to controller time.
// A positive Offset means the node clock runs ahead of the controller.
type ClockEstimate struct {
	Offset         time.Duration
	Variance       float64 // ms^2 over the filtered window
	Confidence     float64 // 0..1, inverse to sample spread
	RoundTrip      time.Duration
	Samples        int // Samples taken since the last handshake
	Converged      bool
	SyncUnreliable bool
	UpdatedAt      time.Time
}

// Session represents a synchronized recording session
type Session struct {
	ID           string
	State        SessionState
	Participants []string // Frozen when the session enters preparing
	Acks         map[string]*AckRecord
	MasterStart  time.Time // T_future in controller time
	LeadTime     time.Duration
	Targets      map[string]time.Time     // Node-local start targets
	Offsets      map[string]time.Duration // Offsets used to compute the targets
	Quorum       int                      // Participants required to proceed
	Cause        Cause
	Detail       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FinishedAt   time.Time
}

// Terminal reports whether the session reached completed or failed
func (s *Session) Terminal() bool {
	return s.State.Terminal()
}

// Started returns the participants that acknowledged the start with status ok
func (s *Session) Started() []string {
	var ids []string
	for _, id := range s.Participants {
		if ack, ok := s.Acks[id]; ok && ack.StartStatus == AckOK {
			ids = append(ids, id)
		}
	}
	return ids
}

// Clone returns a deep copy safe to hand to other goroutines
func (s *Session) Clone() Session {
	out := *s
	out.Participants = append([]string(nil), s.Participants...)
	out.Acks = make(map[string]*AckRecord, len(s.Acks))
	for id, ack := range s.Acks {
		a := *ack
		out.Acks[id] = &a
	}
	out.Targets = make(map[string]time.Time, len(s.Targets))
	for id, t := range s.Targets {
		out.Targets[id] = t
	}
	out.Offsets = make(map[string]time.Duration, len(s.Offsets))
	for id, o := range s.Offsets {
		out.Offsets[id] = o
	}
	return out
}

// SessionState represents the orchestrator state of a session
type SessionState string

const (
	SessionStateIdle      SessionState = "idle"
	SessionStatePreparing SessionState = "preparing"
	SessionStateArmed     SessionState = "armed"
	SessionStateRecording SessionState = "recording"
	SessionStateStopping  SessionState = "stopping"
	SessionStateCompleted SessionState = "completed"
	SessionStateFailed    SessionState = "failed"
)

// Terminal reports whether no further transitions are possible
func (s SessionState) Terminal() bool {
	return s == SessionStateCompleted || s == SessionStateFailed
}

// AckStatus records how a node answered a session command
type AckStatus string

const (
	AckPending    AckStatus = "pending"
	AckOK         AckStatus = "ok"
	AckError      AckStatus = "error"
	AckIncomplete AckStatus = "incomplete" // No answer before the deadline
	AckNotReady   AckStatus = "not_ready"  // Never sent: node was not trusted at arm time
)

// AckRecord is the per-node acknowledgement record of a session
type AckRecord struct {
	StartStatus  AckStatus
	ReceivedAt   time.Time // Controller time the START_ACK arrived
	LocalApplyAt time.Time // Node-local time the node reported it will apply the start
	ErrorCode    string
	StopStatus   AckStatus // Empty until STOP_SESSION is sent
	StoppedAt    time.Time
	DroppedAt    time.Time // Set when a started node left mid-session
}

// Cause is a machine-readable reason attached to state transitions
type Cause string

const (
	CauseNone             Cause = ""
	CauseRequested        Cause = "Requested"
	CauseQuorumReached    Cause = "QuorumReached"
	CauseQuorumNotReached Cause = "QuorumNotReached"
	CauseQuorumLost       Cause = "QuorumLost"
	CauseCancelled        Cause = "Cancelled"
	CauseStopRequested    Cause = "StopRequested"
	CauseMaxDuration      Cause = "MaxDurationReached"
	CauseProtocolError    Cause = "ProtocolError"
	CauseShutdown         Cause = "Shutdown"

	CauseHandshake       Cause = "Handshake"
	CauseReconnected     Cause = "Reconnected"
	CauseDisconnected    Cause = "Disconnected"
	CauseHeartbeatMissed Cause = "HeartbeatMissed"
	CauseHeartbeatOK     Cause = "HeartbeatRecovered"
	CauseSyncUnreliable  Cause = "SyncUnreliable"
	CauseRetired         Cause = "Retired"
)
