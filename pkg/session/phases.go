package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/dispatch"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/metrics"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/transport"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/types"
)

// Preparing

// prepare waits for enough participants with trusted clocks. It runs on a
// driver goroutine and reads only the frozen participant list.
func (o *Orchestrator) prepare(r *run) {
	s := r.session
	deadline := o.opts.Clock.Timer(o.opts.PrepareTimeout)
	defer deadline.Stop()
	ticker := o.opts.Clock.Ticker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		ready, settled := o.readiness(s.Participants)
		if ready >= s.Quorum && settled {
			o.post(func() { o.prepared(r, true, ready) })
			return
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			ready, _ = o.readiness(s.Participants)
			o.post(func() { o.prepared(r, ready >= s.Quorum, ready) })
			return
		case <-r.ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) prepared(r *run, ok bool, ready int) {
	if o.cur != r || r.session.State != types.SessionStatePreparing {
		return
	}
	if !ok {
		o.fail(r, types.CauseQuorumNotReached,
			fmt.Sprintf("%d of %d participant(s) ready, quorum %d", ready, len(r.session.Participants), r.session.Quorum))
		return
	}
	o.arm(r)
}

// Armed

func (o *Orchestrator) arm(r *run) {
	s := r.session
	now := o.opts.Clock.Now()

	var ready []types.Node
	var maxRTT time.Duration
	for _, id := range s.Participants {
		n, ok := o.registry.Lookup(id)
		if !ok || !n.ClockTrusted() || !o.eligible(n) {
			s.Acks[id].StartStatus = types.AckNotReady
			continue
		}
		ready = append(ready, n)
		if n.Clock.RoundTrip > maxRTT {
			maxRTT = n.Clock.RoundTrip
		}
	}
	if len(ready) < s.Quorum {
		o.fail(r, types.CauseQuorumNotReached,
			fmt.Sprintf("%d of %d participant(s) trusted at arm time, quorum %d", len(ready), len(s.Participants), s.Quorum))
		return
	}

	s.LeadTime = LeadTime(o.opts.LeadTime, o.opts.MinLeadTime, o.opts.LeadFactor, maxRTT)
	s.MasterStart = now.Add(s.LeadTime)
	r.armedAt = now

	cmds := make([]dispatch.Command, 0, len(ready))
	for _, n := range ready {
		target := s.MasterStart.Add(n.Clock.Offset)
		s.Offsets[n.ID] = n.Clock.Offset
		s.Targets[n.ID] = target
		r.epochs[n.ID] = n.Epoch

		env, err := protocol.NewEnvelope(protocol.TypeStartSession, s.ID, protocol.StartSession{
			TargetLocal: protocol.Micros(target),
			MasterStart: protocol.Micros(s.MasterStart),
			Modalities:  o.opts.RequiredCapabilities,
		})
		if err != nil {
			s.Acks[n.ID].StartStatus = types.AckError
			s.Acks[n.ID].ErrorCode = protocol.CodeMalformed
			continue
		}
		cmds = append(cmds, dispatch.Command{NodeID: n.ID, Epoch: n.Epoch, Envelope: env})
	}
	metrics.SessionLeadTime.Observe(s.LeadTime.Seconds())

	o.transition(r, types.SessionStateArmed, types.CauseQuorumReached,
		fmt.Sprintf("lead %s, %d START command(s)", s.LeadTime, len(cmds)))
	o.goDriver(func() { o.start(r, cmds, s.MasterStart) })
}

// start sends every START concurrently with the master start as deadline
// and posts each result back as it arrives
func (o *Orchestrator) start(r *run, cmds []dispatch.Command, masterStart time.Time) {
	ctx, cancel := context.WithDeadline(r.ctx, masterStart)
	defer cancel()

	var wg sync.WaitGroup
	for _, cmd := range cmds {
		wg.Add(1)
		go func(cmd dispatch.Command) {
			defer wg.Done()
			res := o.dispatcher.Send(ctx, cmd)
			o.post(func() { o.startAcked(r, res) })
		}(cmd)
	}
	wg.Wait()
	o.post(func() { o.startDone(r) })
}

func (o *Orchestrator) startAcked(r *run, res dispatch.Result) {
	s := r.session
	if o.cur != r || s.Terminal() {
		return
	}
	ack, ok := s.Acks[res.NodeID]
	if !ok || ack.StartStatus != types.AckPending {
		return
	}
	logger := r.logger.With().Str("node_id", res.NodeID).Int("attempts", res.Attempts).Logger()

	if res.Err != nil {
		var remote *transport.RemoteError
		if errors.As(res.Err, &remote) {
			ack.StartStatus = types.AckError
			ack.ErrorCode = remote.Code
		} else {
			ack.StartStatus = types.AckIncomplete
		}
		logger.Warn().Err(res.Err).Str("status", string(ack.StartStatus)).Msg("Node did not start")
		o.evaluateStart(r)
		return
	}

	var sa protocol.StartAck
	if err := res.Reply.DecodePayload(&sa); err != nil || res.Reply.Type != protocol.TypeStartAck {
		ack.StartStatus = types.AckError
		ack.ErrorCode = protocol.CodeMalformed
		logger.Warn().Err(err).Str("type", string(res.Reply.Type)).Msg("Unusable START answer")
		o.evaluateStart(r)
		return
	}

	switch {
	case sa.ApplyStatus != protocol.ApplyOK:
		ack.StartStatus = types.AckError
		ack.ErrorCode = sa.ErrorCode
		logger.Warn().Str("error_code", sa.ErrorCode).Msg("Node refused START")
	case !res.At.Before(s.MasterStart):
		// Too late to count; the node may still start, so tell it to stop
		ack.StartStatus = types.AckIncomplete
		ack.ReceivedAt = res.At
		logger.Warn().Time("received_at", res.At).Msg("START_ACK arrived after the master start")
		o.broadcastStop(r, []string{res.NodeID}, "late start")
	default:
		ack.StartStatus = types.AckOK
		ack.ReceivedAt = res.At
		ack.LocalApplyAt = protocol.FromMicros(sa.LocalApplyAt)
		metrics.SessionStartAckLatency.Observe(res.At.Sub(r.armedAt).Seconds())
		logger.Debug().Time("local_apply_at", ack.LocalApplyAt).Msg("Node armed")
	}
	s.UpdatedAt = o.opts.Clock.Now()
	o.evaluateStart(r)
}

// startDone runs after every START attempt finished or hit the deadline
func (o *Orchestrator) startDone(r *run) {
	s := r.session
	if o.cur != r || s.Terminal() {
		return
	}
	for _, id := range s.Participants {
		if ack := s.Acks[id]; ack.StartStatus == types.AckPending {
			ack.StartStatus = types.AckIncomplete
			r.logger.Warn().Str("node_id", id).Msg("No START_ACK before the master start")
		}
	}
	o.evaluateStart(r)
}

func (o *Orchestrator) evaluateStart(r *run) {
	s := r.session
	ok := count(s, startOK)
	pending := count(s, startPending)

	switch {
	case s.State == types.SessionStateArmed && ok >= s.Quorum:
		o.transition(r, types.SessionStateRecording, types.CauseQuorumReached,
			fmt.Sprintf("%d of %d participant(s) started", ok, len(s.Participants)))
		o.armMaxDuration(r)
	case s.State == types.SessionStateArmed && ok+pending < s.Quorum:
		o.fail(r, types.CauseQuorumLost,
			fmt.Sprintf("%d participant(s) started, quorum %d", ok, s.Quorum))
	}
}

// Recording

func (o *Orchestrator) armMaxDuration(r *run) {
	if o.opts.MaxDuration <= 0 {
		return
	}
	r.maxTimer = o.opts.Clock.AfterFunc(o.opts.MaxDuration, func() {
		o.post(func() {
			if o.cur == r && r.session.State == types.SessionStateRecording {
				o.beginStop(r, types.CauseMaxDuration, fmt.Sprintf("reached %s", o.opts.MaxDuration))
			}
		})
	})
}

// checkQuorum drops started nodes that are gone or reconnected and fails the
// session once too few remain
func (o *Orchestrator) checkQuorum() {
	r := o.cur
	if r == nil || r.session.State != types.SessionStateRecording {
		return
	}
	s := r.session
	now := o.opts.Clock.Now()

	for _, id := range s.Participants {
		ack := s.Acks[id]
		if !startedLive(ack) {
			continue
		}
		n, ok := o.registry.Lookup(id)
		if ok && n.State.Live() && n.Epoch == r.epochs[id] {
			continue
		}
		ack.DroppedAt = now
		state := "unknown"
		if ok {
			state = string(n.State)
		}
		r.logger.Warn().Str("node_id", id).Str("node_state", state).Msg("Started node left the session")
	}

	if live := count(s, startedLive); live < s.Quorum {
		o.fail(r, types.CauseQuorumLost, fmt.Sprintf("%d started participant(s) remain, quorum %d", live, s.Quorum))
	}
}

// Stopping

func (o *Orchestrator) beginStop(r *run, cause types.Cause, detail string) {
	r.stopMaxTimer()
	r.stopCause = cause

	var targets []string
	for _, id := range r.session.Participants {
		if startedLive(r.session.Acks[id]) {
			targets = append(targets, id)
		}
	}
	o.transition(r, types.SessionStateStopping, cause, detail)
	o.broadcastStop(r, targets, string(cause))
	o.maybeComplete(r)
}

// broadcastStop sends STOP_SESSION to targets on a tracked goroutine bounded
// by the stop timeout. Results come back through stopped.
func (o *Orchestrator) broadcastStop(r *run, targets []string, reason string) {
	s := r.session
	cmds := make([]dispatch.Command, 0, len(targets))
	for _, id := range targets {
		env, err := protocol.NewEnvelope(protocol.TypeStopSession, s.ID, protocol.StopSession{Reason: reason})
		if err != nil {
			continue
		}
		s.Acks[id].StopStatus = types.AckPending
		cmds = append(cmds, dispatch.Command{NodeID: id, Envelope: env})
	}
	if len(cmds) == 0 {
		return
	}

	o.goDriver(func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.StopTimeout)
		defer cancel()
		results, _ := dispatch.Collect(o.dispatcher.Broadcast(ctx, cmds))
		o.post(func() { o.stopped(r, results) })
	})
}

func (o *Orchestrator) stopped(r *run, results []dispatch.Result) {
	s := r.session
	for _, res := range results {
		ack, ok := s.Acks[res.NodeID]
		if !ok || ack.StopStatus != types.AckPending {
			continue
		}
		var sa protocol.StopAck
		switch {
		case res.Err != nil:
			ack.StopStatus = types.AckIncomplete
			var remote *transport.RemoteError
			if errors.As(res.Err, &remote) {
				ack.StopStatus = types.AckError
			}
			r.logger.Warn().Err(res.Err).Str("node_id", res.NodeID).Msg("STOP not acknowledged")
		case res.Reply.DecodePayload(&sa) != nil || sa.ApplyStatus != protocol.ApplyOK:
			ack.StopStatus = types.AckError
		default:
			ack.StopStatus = types.AckOK
			ack.StoppedAt = protocol.FromMicros(sa.StoppedAt)
		}
	}
	s.UpdatedAt = o.opts.Clock.Now()

	if s.Terminal() {
		// Best-effort stop after failure: record what the nodes said
		o.archive(r)
		return
	}
	o.maybeComplete(r)
}

func (o *Orchestrator) maybeComplete(r *run) {
	s := r.session
	if s.State != types.SessionStateStopping || count(s, stopPending) > 0 {
		return
	}
	stopped := count(s, func(a *types.AckRecord) bool { return a.StopStatus == types.AckOK })
	o.transition(r, types.SessionStateCompleted, r.stopCause,
		fmt.Sprintf("%d participant(s) stopped cleanly", stopped))
	o.finish(r)
}

// Failed

// fail ends the session and sends a best-effort STOP to every node that may
// be capturing
func (o *Orchestrator) fail(r *run, cause types.Cause, detail string) {
	s := r.session
	var targets []string
	switch s.State {
	case types.SessionStatePreparing:
		for _, id := range s.Participants {
			s.Acks[id].StartStatus = types.AckNotReady
		}
	case types.SessionStateArmed:
		// In-flight STARTs may still land
		for _, id := range s.Participants {
			a := s.Acks[id]
			if a.StartStatus == types.AckPending {
				a.StartStatus = types.AckIncomplete
				targets = append(targets, id)
			} else if a.StartStatus == types.AckOK {
				targets = append(targets, id)
			}
		}
	case types.SessionStateRecording:
		for _, id := range s.Participants {
			if startedLive(s.Acks[id]) {
				targets = append(targets, id)
			}
		}
	}

	o.transition(r, types.SessionStateFailed, cause, detail)
	o.finish(r)
	o.broadcastStop(r, targets, string(cause))
}
