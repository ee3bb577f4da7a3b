package api

import (
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/types"
)

// NodeView is the JSON form of a node record
type NodeView struct {
	ID               string    `json:"id"`
	State            string    `json:"state"`
	Address          string    `json:"address,omitempty"`
	DialAddress      string    `json:"dial_address,omitempty"`
	Capabilities     []string  `json:"capabilities"`
	ProtocolVersion  string    `json:"protocol_version,omitempty"`
	Epoch            uint64    `json:"epoch"`
	Clock            ClockView `json:"clock"`
	ClockTrusted     bool      `json:"clock_trusted"`
	LastHeartbeat    time.Time `json:"last_heartbeat,omitempty"`
	MissedHeartbeats int       `json:"missed_heartbeats"`
	ProtocolErrors   int       `json:"protocol_errors"`
	ConnectedAt      time.Time `json:"connected_at,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ClockView is a node's clock estimate. Durations are in milliseconds.
type ClockView struct {
	OffsetMs       float64   `json:"offset_ms"`
	RoundTripMs    float64   `json:"round_trip_ms"`
	Variance       float64   `json:"variance_ms2"`
	Confidence     float64   `json:"confidence"`
	Samples        int       `json:"samples"`
	Converged      bool      `json:"converged"`
	SyncUnreliable bool      `json:"sync_unreliable"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// SessionView is the JSON form of a session
type SessionView struct {
	ID           string             `json:"id"`
	State        string             `json:"state"`
	Cause        string             `json:"cause,omitempty"`
	Detail       string             `json:"detail,omitempty"`
	Participants []string           `json:"participants"`
	Quorum       int                `json:"quorum"`
	MasterStart  time.Time          `json:"master_start,omitempty"`
	LeadTimeMs   float64            `json:"lead_time_ms,omitempty"`
	Acks         map[string]AckView `json:"acks"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	FinishedAt   time.Time          `json:"finished_at,omitempty"`
}

// AckView is one participant's acknowledgement record
type AckView struct {
	StartStatus  string    `json:"start_status"`
	TargetLocal  time.Time `json:"target_local,omitempty"`
	OffsetMs     float64   `json:"offset_ms"`
	ReceivedAt   time.Time `json:"received_at,omitempty"`
	LocalApplyAt time.Time `json:"local_apply_at,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	StopStatus   string    `json:"stop_status,omitempty"`
	StoppedAt    time.Time `json:"stopped_at,omitempty"`
	DroppedAt    time.Time `json:"dropped_at,omitempty"`
}

// StartSessionRequest is the body of POST /v1/sessions. An empty
// participant list selects every eligible connected node.
type StartSessionRequest struct {
	Participants []string `json:"participants,omitempty"`
}

// StartSessionResponse answers POST /v1/sessions
type StartSessionResponse struct {
	ID string `json:"id"`
}

// ErrorResponse is the body of every non-2xx answer
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// NodeToView converts a node snapshot
func NodeToView(n types.Node) NodeView {
	return NodeView{
		ID:              n.ID,
		State:           string(n.State),
		Address:         n.Address,
		DialAddress:     n.DialAddress,
		Capabilities:    n.Capabilities.Tags(),
		ProtocolVersion: n.ProtocolVersion,
		Epoch:           n.Epoch,
		Clock: ClockView{
			OffsetMs:       millis(n.Clock.Offset),
			RoundTripMs:    millis(n.Clock.RoundTrip),
			Variance:       n.Clock.Variance,
			Confidence:     n.Clock.Confidence,
			Samples:        n.Clock.Samples,
			Converged:      n.Clock.Converged,
			SyncUnreliable: n.Clock.SyncUnreliable,
			UpdatedAt:      n.Clock.UpdatedAt,
		},
		ClockTrusted:     n.ClockTrusted(),
		LastHeartbeat:    n.LastHeartbeat,
		MissedHeartbeats: n.MissedHeartbeats,
		ProtocolErrors:   n.ProtocolErrors,
		ConnectedAt:      n.ConnectedAt,
		UpdatedAt:        n.UpdatedAt,
	}
}

// SessionToView converts a session snapshot
func SessionToView(s types.Session) SessionView {
	v := SessionView{
		ID:           s.ID,
		State:        string(s.State),
		Cause:        string(s.Cause),
		Detail:       s.Detail,
		Participants: append([]string{}, s.Participants...),
		Quorum:       s.Quorum,
		MasterStart:  s.MasterStart,
		LeadTimeMs:   millis(s.LeadTime),
		Acks:         make(map[string]AckView, len(s.Acks)),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		FinishedAt:   s.FinishedAt,
	}
	for id, ack := range s.Acks {
		v.Acks[id] = AckView{
			StartStatus:  string(ack.StartStatus),
			TargetLocal:  s.Targets[id],
			OffsetMs:     millis(s.Offsets[id]),
			ReceivedAt:   ack.ReceivedAt,
			LocalApplyAt: ack.LocalApplyAt,
			ErrorCode:    ack.ErrorCode,
			StopStatus:   string(ack.StopStatus),
			StoppedAt:    ack.StoppedAt,
			DroppedAt:    ack.DroppedAt,
		}
	}
	return v
}
