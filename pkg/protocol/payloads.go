package protocol

import "time"

// Hello is sent by the controller as the first message on a connection
type Hello struct {
	ControllerID      string `json:"controller_id"`
	ProtocolVersion   string `json:"protocol_version"`
	HeartbeatInterval int64  `json:"heartbeat_interval_ms"`
}

// Capabilities is the node's answer to Hello
type Capabilities struct {
	ReplyTo         uint64   `json:"reply_to"`
	NodeID          string   `json:"node_id"`
	ProtocolVersion string   `json:"protocol_version"`
	Modalities      []string `json:"modalities"`
	Features        []string `json:"features,omitempty"`
}

// SyncRequest carries the controller send time t0
type SyncRequest struct {
	T0 int64 `json:"t0_us"`
}

// SyncResponse echoes t0 and carries the node-local time t1
type SyncResponse struct {
	ReplyTo uint64 `json:"reply_to"`
	T0      int64  `json:"t0_us"`
	T1      int64  `json:"t1_us"`
}

// Heartbeat is a liveness probe
type Heartbeat struct {
	SentAt int64 `json:"sent_us"`
}

// HeartbeatAck answers a Heartbeat
type HeartbeatAck struct {
	ReplyTo uint64 `json:"reply_to"`
	NodeID  string `json:"node_id"`
}

// StartSession tells a node when to begin capture, in node-local time
type StartSession struct {
	TargetLocal int64    `json:"target_local_us"`
	MasterStart int64    `json:"master_start_us"`
	Modalities  []string `json:"modalities,omitempty"`
}

// Apply status values carried in StartAck and StopAck
const (
	ApplyOK    = "ok"
	ApplyError = "error"
)

// StartAck reports whether the node scheduled the start
type StartAck struct {
	ReplyTo      uint64 `json:"reply_to"`
	ApplyStatus  string `json:"apply_status"`
	LocalApplyAt int64  `json:"local_apply_us"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// StopSession asks a node to end capture for the session
type StopSession struct {
	Reason string `json:"reason,omitempty"`
}

// StopAck answers StopSession
type StopAck struct {
	ReplyTo     uint64 `json:"reply_to"`
	ApplyStatus string `json:"apply_status"`
	StoppedAt   int64  `json:"stopped_local_us"`
	ErrorCode   string `json:"error_code,omitempty"`
}

// Error codes carried in ErrorPayload
const (
	CodeMalformed       = "MALFORMED"
	CodeChecksum        = "BAD_CHECKSUM"
	CodeVersion         = "INCOMPATIBLE_VERSION"
	CodeSequenceGap     = "SEQUENCE_GAP"
	CodeUnknownType     = "UNKNOWN_TYPE"
	CodeUnexpected      = "UNEXPECTED_MESSAGE"
	CodeDuplicateNodeID = "DUPLICATE_NODE_ID"
	CodeNodeRetired     = "NODE_RETIRED"
	CodeSessionUnknown  = "SESSION_UNKNOWN"
)

// ErrorPayload reports a rejected message back to its originator
type ErrorPayload struct {
	ReplyTo uint64 `json:"reply_to,omitempty"`
	Code    string `json:"code"`
	Detail  string `json:"detail,omitempty"`
}

// Micros converts t to epoch microseconds
func Micros(t time.Time) int64 {
	return t.UnixMicro()
}

// FromMicros converts epoch microseconds to time
func FromMicros(us int64) time.Time {
	return time.UnixMicro(us)
}
