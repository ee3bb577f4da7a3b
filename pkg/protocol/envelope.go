package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Version is the protocol version spoken by this build
const Version = "1.0"

// MajorVersion is the major component of Version. Peers with a different
// major version are rejected.
const MajorVersion = 1

// MessageType is the envelope type tag
type MessageType string

const (
	TypeHello        MessageType = "HELLO"
	TypeCapabilities MessageType = "CAPABILITIES"
	TypeSyncRequest  MessageType = "SYNC_REQUEST"
	TypeSyncResponse MessageType = "SYNC_RESPONSE"
	TypeHeartbeat    MessageType = "HEARTBEAT"
	TypeHeartbeatAck MessageType = "HEARTBEAT_ACK"
	TypeStartSession MessageType = "START_SESSION"
	TypeStartAck     MessageType = "START_ACK"
	TypeStopSession  MessageType = "STOP_SESSION"
	TypeStopAck      MessageType = "STOP_ACK"
	TypeError        MessageType = "ERROR"
)

var knownTypes = map[MessageType]bool{
	TypeHello:        true,
	TypeCapabilities: true,
	TypeSyncRequest:  true,
	TypeSyncResponse: true,
	TypeHeartbeat:    true,
	TypeHeartbeatAck: true,
	TypeStartSession: true,
	TypeStartAck:     true,
	TypeStopSession:  true,
	TypeStopAck:      true,
	TypeError:        true,
}

// Known reports whether t is one of the protocol message types
func (t MessageType) Known() bool {
	return knownTypes[t]
}

// IsReply reports whether messages of this type answer a request
func (t MessageType) IsReply() bool {
	switch t {
	case TypeCapabilities, TypeSyncResponse, TypeHeartbeatAck, TypeStartAck, TypeStopAck, TypeError:
		return true
	}
	return false
}

// ReplyType returns the message type expected in answer to t
func (t MessageType) ReplyType() MessageType {
	switch t {
	case TypeHello:
		return TypeCapabilities
	case TypeSyncRequest:
		return TypeSyncResponse
	case TypeHeartbeat:
		return TypeHeartbeatAck
	case TypeStartSession:
		return TypeStartAck
	case TypeStopSession:
		return TypeStopAck
	}
	return ""
}

// Envelope is the structured wire message wrapping every protocol exchange
type Envelope struct {
	Version   string          `json:"v"`
	Type      MessageType     `json:"type"`
	Seq       uint64          `json:"seq"`
	TS        int64           `json:"ts"` // Controller epoch millis (sender clock for node-originated messages)
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Checksum  string          `json:"checksum"`
}

// ReplyTo extracts the request sequence number a reply refers to
func (e Envelope) ReplyTo() uint64 {
	var r struct {
		ReplyTo uint64 `json:"reply_to"`
	}
	if len(e.Payload) == 0 {
		return 0
	}
	if err := json.Unmarshal(e.Payload, &r); err != nil {
		return 0
	}
	return r.ReplyTo
}

// DecodePayload unmarshals the payload into v. Unknown fields are ignored,
// which keeps newer minor versions readable.
func (e Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has empty payload", ErrMalformed, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

// NewEnvelope builds an envelope with a marshaled payload. Seq, TS and the
// checksum are filled in when the message is sent.
func NewEnvelope(t MessageType, sessionID string, payload interface{}) (Envelope, error) {
	env := Envelope{
		Version:   Version,
		Type:      t,
		SessionID: sessionID,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		env.Payload = data
	}
	return env, nil
}

// ParseVersion splits a "major.minor" version string
func ParseVersion(v string) (major, minor int, err error) {
	parts := strings.SplitN(v, ".", 2)
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad version %q", ErrMalformed, v)
	}
	if len(parts) == 2 {
		minor, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, fmt.Errorf("%w: bad version %q", ErrMalformed, v)
		}
	}
	return major, minor, nil
}

// Compatible reports whether a peer speaking version v can be understood
func Compatible(v string) bool {
	major, _, err := ParseVersion(v)
	return err == nil && major == MajorVersion
}
