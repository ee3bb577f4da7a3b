package agent

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/transport"
)

// Error codes a node reports in START_ACK / STOP_ACK
const (
	CodeBusy        = "BUSY"
	CodeUnsupported = "UNSUPPORTED_MODALITY"
	CodeRecorder    = "RECORDER_FAILED"
)

type captureState string

const (
	captureScheduled captureState = "scheduled"
	captureRecording captureState = "recording"
	captureStopped   captureState = "stopped"
	captureFailed    captureState = "failed"
)

// capture is one session on this node
type capture struct {
	sessionID string
	target    time.Time // Node-local start time
	timer     *clock.Timer
	state     captureState
	stoppedAt time.Time
}

func (c *capture) active() bool {
	return c.state == captureScheduled || c.state == captureRecording
}

// handle answers controller messages. It runs on the connection's read
// goroutine; anything slow is pushed to another goroutine.
func (a *Agent) handle(p *transport.Peer, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHello:
		var hello protocol.Hello
		if err := env.DecodePayload(&hello); err != nil {
			_ = p.SendError(env.Seq, "", protocol.CodeMalformed, err.Error())
			return
		}
		a.logger.Info().
			Str("controller_id", hello.ControllerID).
			Str("protocol_version", hello.ProtocolVersion).
			Msg("Handshake")
		_ = p.Reply(env, protocol.TypeCapabilities, protocol.Capabilities{
			ReplyTo:         env.Seq,
			NodeID:          a.cfg.NodeID,
			ProtocolVersion: protocol.Version,
			Modalities:      a.cfg.Modalities,
			Features:        a.cfg.Features,
		})

	case protocol.TypeSyncRequest:
		var req protocol.SyncRequest
		if err := env.DecodePayload(&req); err != nil {
			_ = p.SendError(env.Seq, "", protocol.CodeMalformed, err.Error())
			return
		}
		_ = p.Reply(env, protocol.TypeSyncResponse, protocol.SyncResponse{
			ReplyTo: env.Seq,
			T0:      req.T0,
			T1:      protocol.Micros(a.Now()),
		})

	case protocol.TypeHeartbeat:
		_ = p.Reply(env, protocol.TypeHeartbeatAck, protocol.HeartbeatAck{ReplyTo: env.Seq, NodeID: a.cfg.NodeID})

	case protocol.TypeStartSession:
		a.start(p, env)

	case protocol.TypeStopSession:
		a.stop(p, env)

	default:
		_ = p.SendError(env.Seq, env.SessionID, protocol.CodeUnexpected, string(env.Type))
	}
}

// start schedules capture. A repeated START for the same session is answered
// with the original schedule and never reschedules.
func (a *Agent) start(p *transport.Peer, env protocol.Envelope) {
	var req protocol.StartSession
	if err := env.DecodePayload(&req); err != nil || env.SessionID == "" {
		_ = p.SendError(env.Seq, env.SessionID, protocol.CodeMalformed, "START_SESSION needs a session id and payload")
		return
	}
	target := protocol.FromMicros(req.TargetLocal)
	logger := a.logger.With().Str("session_id", env.SessionID).Uint64("seq", env.Seq).Logger()

	reply := func(status, code string, at time.Time) {
		_ = p.Reply(env, protocol.TypeStartAck, protocol.StartAck{
			ReplyTo:      env.Seq,
			ApplyStatus:  status,
			LocalApplyAt: protocol.Micros(at),
			ErrorCode:    code,
		})
	}

	a.mu.Lock()
	if c, ok := a.captures[env.SessionID]; ok {
		a.mu.Unlock()
		logger.Debug().Str("state", string(c.state)).Msg("Duplicate START, re-acknowledging")
		if c.state == captureFailed {
			reply(protocol.ApplyError, CodeRecorder, c.target)
			return
		}
		reply(protocol.ApplyOK, "", c.target)
		return
	}
	for id, c := range a.captures {
		if c.active() {
			a.mu.Unlock()
			logger.Warn().Str("active_session", id).Msg("START refused, already capturing")
			reply(protocol.ApplyError, CodeBusy, target)
			return
		}
	}
	for _, m := range req.Modalities {
		if !contains(a.cfg.Modalities, m) && !contains(a.cfg.Features, m) {
			a.mu.Unlock()
			logger.Warn().Str("modality", m).Msg("START refused, modality not supported")
			reply(protocol.ApplyError, CodeUnsupported, target)
			return
		}
	}
	// Finished captures are only kept to answer duplicates
	for id := range a.captures {
		delete(a.captures, id)
	}

	delay := target.Sub(a.Now())
	if delay < 0 {
		logger.Warn().Dur("late_by", -delay).Msg("Start target already passed, starting now")
		delay = 0
	}
	c := &capture{sessionID: env.SessionID, target: target, state: captureScheduled}
	c.timer = a.cfg.Clock.AfterFunc(delay, func() { a.begin(c) })
	a.captures[env.SessionID] = c
	a.mu.Unlock()

	logger.Info().Time("target_local", target).Dur("in", delay).Msg("Capture scheduled")
	reply(protocol.ApplyOK, "", target)
}

func (a *Agent) begin(c *capture) {
	a.mu.Lock()
	if c.state != captureScheduled {
		a.mu.Unlock()
		return
	}
	c.state = captureRecording
	a.mu.Unlock()

	if err := a.cfg.Recorder.Start(context.Background(), c.sessionID, a.Now()); err != nil {
		a.mu.Lock()
		c.state = captureFailed
		a.mu.Unlock()
		a.logger.Error().Err(err).Str("session_id", c.sessionID).Msg("Recorder failed to start")
	}
}

// stop ends capture for the session. Stopping twice is acknowledged again.
func (a *Agent) stop(p *transport.Peer, env protocol.Envelope) {
	reply := func(status, code string, at time.Time) {
		_ = p.Reply(env, protocol.TypeStopAck, protocol.StopAck{
			ReplyTo:     env.Seq,
			ApplyStatus: status,
			StoppedAt:   protocol.Micros(at),
			ErrorCode:   code,
		})
	}

	a.mu.Lock()
	c, ok := a.captures[env.SessionID]
	if !ok {
		a.mu.Unlock()
		_ = p.SendError(env.Seq, env.SessionID, protocol.CodeSessionUnknown, "")
		return
	}
	prev := c.state
	if c.active() {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.state = captureStopped
		c.stoppedAt = a.Now()
	}
	stoppedAt := c.stoppedAt
	a.mu.Unlock()

	if prev != captureRecording {
		reply(protocol.ApplyOK, "", stoppedAt)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.cfg.Recorder.Stop(ctx, env.SessionID); err != nil {
			a.logger.Error().Err(err).Str("session_id", env.SessionID).Msg("Recorder failed to stop")
			reply(protocol.ApplyError, CodeRecorder, stoppedAt)
			return
		}
		a.logger.Info().Str("session_id", env.SessionID).Msg("Capture stopped")
		reply(protocol.ApplyOK, "", stoppedAt)
	}()
}

// stopAll ends every capture when the agent exits
func (a *Agent) stopAll() {
	a.mu.Lock()
	var recording []string
	for id, c := range a.captures {
		if c.timer != nil {
			c.timer.Stop()
		}
		if c.state == captureRecording {
			recording = append(recording, id)
		}
		if c.active() {
			c.state = captureStopped
			c.stoppedAt = a.Now()
		}
	}
	a.mu.Unlock()

	for _, id := range recording {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.cfg.Recorder.Stop(ctx, id); err != nil {
			a.logger.Error().Err(err).Str("session_id", id).Msg("Recorder failed to stop")
		}
		cancel()
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
