package controller

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/agent"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/config"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/dispatch"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/transport"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ControllerID = "ctl-test"
	cfg.Listen = "127.0.0.1:0"
	cfg.API.Addr = ""
	cfg.Sync.Interval = config.Duration(20 * time.Millisecond)
	cfg.Sync.RequestTimeout = config.Duration(200 * time.Millisecond)
	cfg.Sync.Window = 4
	cfg.Sync.MinSamples = 3
	cfg.Sync.MaxAttempts = 8
	cfg.Heartbeat.Interval = config.Duration(200 * time.Millisecond)
	cfg.Heartbeat.Timeout = config.Duration(100 * time.Millisecond)
	cfg.Heartbeat.ReconnectBase = config.Duration(20 * time.Millisecond)
	cfg.Heartbeat.ReconnectCap = config.Duration(50 * time.Millisecond)
	cfg.Session.PrepareTimeout = config.Duration(3 * time.Second)
	cfg.Session.StopTimeout = config.Duration(time.Second)
	cfg.Session.LeadTime = config.Duration(500 * time.Millisecond)
	cfg.Dispatch.AttemptTimeout = config.Duration(200 * time.Millisecond)
	cfg.Dispatch.RetryBase = config.Duration(20 * time.Millisecond)
	cfg.Dispatch.RetryCap = config.Duration(50 * time.Millisecond)
	return cfg
}

type harness struct {
	t        *testing.T
	ctl      *Controller
	sessions chan types.Session
	ctx      context.Context
}

// start runs a controller until the test ends
func start(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	ctl, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, ctl.Listen())

	h := &harness{t: t, ctl: ctl, sessions: make(chan types.Session, 64)}
	ctl.OnSessionStateChanged(func(s types.Session) { h.sessions <- s })

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	done := make(chan error, 1)
	go func() { done <- ctl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("controller did not shut down")
		}
	})
	return h
}

// recorder remembers the node-local time capture began
type recorder struct {
	mu      sync.Mutex
	started map[string]time.Time
	stopped map[string]bool
}

func newRecorder() *recorder {
	return &recorder{started: make(map[string]time.Time), stopped: make(map[string]bool)}
}

func (r *recorder) Start(_ context.Context, sessionID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started[sessionID] = at
	return nil
}

func (r *recorder) Stop(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped[sessionID] = true
	return nil
}

func (r *recorder) startedAt(sessionID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.started[sessionID]
	return at, ok
}

// runAgent connects an in-process node to the controller
func (h *harness) runAgent(id string, offset time.Duration, rec agent.Recorder) {
	h.t.Helper()
	a, err := agent.New(agent.Config{
		NodeID:         id,
		ControllerAddr: h.ctl.Addr(),
		Modalities:     []string{"rgb"},
		ClockOffset:    offset,
		Recorder:       rec,
		Reconnect:      dispatch.RetryPolicy{Base: 20 * time.Millisecond, Cap: 50 * time.Millisecond},
	})
	require.NoError(h.t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	h.t.Cleanup(func() {
		cancel()
		<-done
	})
}

// runSilentNode connects a node that completes the handshake, answers clock
// probes and heartbeats, but never answers START_SESSION
func (h *harness) runSilentNode(id string) {
	h.t.Helper()
	handler := func(p *transport.Peer, env protocol.Envelope) {
		switch env.Type {
		case protocol.TypeHello:
			_ = p.Reply(env, protocol.TypeCapabilities, protocol.Capabilities{
				ReplyTo: env.Seq, NodeID: id, ProtocolVersion: protocol.Version, Modalities: []string{"rgb"},
			})
		case protocol.TypeSyncRequest:
			var req protocol.SyncRequest
			_ = env.DecodePayload(&req)
			_ = p.Reply(env, protocol.TypeSyncResponse, protocol.SyncResponse{
				ReplyTo: env.Seq, T0: req.T0, T1: protocol.Micros(time.Now()),
			})
		case protocol.TypeHeartbeat:
			_ = p.Reply(env, protocol.TypeHeartbeatAck, protocol.HeartbeatAck{ReplyTo: env.Seq, NodeID: id})
		case protocol.TypeStopSession:
			_ = p.Reply(env, protocol.TypeStopAck, protocol.StopAck{ReplyTo: env.Seq, ApplyStatus: protocol.ApplyOK})
		}
	}
	p, err := transport.Dial(context.Background(), transport.URL(h.ctl.Addr()), transport.Options{Handler: handler})
	require.NoError(h.t, err)
	p.Start()
	h.t.Cleanup(func() { p.Close() })
}

// waitTrusted blocks until every id has a converged clock estimate
func (h *harness) waitTrusted(ids ...string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		for _, id := range ids {
			n, err := h.ctl.Node(id)
			if err != nil || !n.ClockTrusted() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "nodes never became trusted")
}

// waitState returns the first notification of session id reaching state
func (h *harness) waitState(id string, state types.SessionState) types.Session {
	h.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-h.sessions:
			if s.ID == id && s.State == state {
				return s
			}
		case <-deadline:
			h.t.Fatalf("session %s never reached %s", id, state)
			return types.Session{}
		}
	}
}

func TestScenarioASynchronizedStart(t *testing.T) {
	cfg := testConfig()
	cfg.Session.Quorum = 1.0
	cfg.Session.LeadTime = config.Duration(time.Second)
	h := start(t, cfg)

	offsets := map[string]time.Duration{
		"cam-a": -2100 * time.Microsecond,
		"cam-b": 1300 * time.Microsecond,
		"cam-c": -700 * time.Microsecond,
	}
	recorders := make(map[string]*recorder)
	for id, off := range offsets {
		recorders[id] = newRecorder()
		h.runAgent(id, off, recorders[id])
	}
	h.waitTrusted("cam-a", "cam-b", "cam-c")

	for id, off := range offsets {
		n, err := h.ctl.Node(id)
		require.NoError(t, err)
		assert.InDelta(t, float64(off), float64(n.Clock.Offset), float64(2*time.Millisecond), "offset of %s", id)
	}

	id, err := h.ctl.RequestSession(h.ctx, nil)
	require.NoError(t, err)
	recording := h.waitState(id, types.SessionStateRecording)
	assert.Equal(t, types.CauseQuorumReached, recording.Cause)
	assert.Equal(t, time.Second, recording.LeadTime)
	assert.ElementsMatch(t, []string{"cam-a", "cam-b", "cam-c"}, recording.Participants)

	// Capture start on every node, mapped back to controller time
	var starts []time.Time
	require.Eventually(t, func() bool {
		starts = starts[:0]
		for id, rec := range recorders {
			at, ok := rec.startedAt(recording.ID)
			if !ok {
				return false
			}
			starts = append(starts, at.Add(-offsets[id]))
		}
		return true
	}, 3*time.Second, 5*time.Millisecond)

	earliest, latest := starts[0], starts[0]
	for _, s := range starts[1:] {
		if s.Before(earliest) {
			earliest = s
		}
		if s.After(latest) {
			latest = s
		}
	}
	assert.LessOrEqual(t, latest.Sub(earliest), 5*time.Millisecond)
	assert.InDelta(t, float64(recording.MasterStart.UnixNano()), float64(earliest.UnixNano()), float64(5*time.Millisecond))

	require.NoError(t, h.ctl.StopSession(h.ctx, id))
	completed := h.waitState(id, types.SessionStateCompleted)
	assert.Equal(t, types.CauseStopRequested, completed.Cause)

	require.Eventually(t, func() bool {
		s, err := h.ctl.Session(h.ctx, id)
		if err != nil {
			return false
		}
		for _, ack := range s.Acks {
			if ack.StopStatus != types.AckOK {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScenarioBPartialStartAboveQuorum(t *testing.T) {
	cfg := testConfig()
	cfg.Session.Quorum = 0.66
	h := start(t, cfg)

	h.runAgent("cam-a", time.Millisecond, newRecorder())
	h.runAgent("cam-b", -time.Millisecond, newRecorder())
	h.runSilentNode("cam-c")
	h.waitTrusted("cam-a", "cam-b", "cam-c")

	id, err := h.ctl.RequestSession(h.ctx, nil)
	require.NoError(t, err)
	recording := h.waitState(id, types.SessionStateRecording)
	assert.Equal(t, 2, recording.Quorum)

	require.Eventually(t, func() bool {
		s, err := h.ctl.Session(h.ctx, id)
		return err == nil && s.Acks["cam-c"].StartStatus == types.AckIncomplete
	}, 3*time.Second, 10*time.Millisecond)

	s, err := h.ctl.Session(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateRecording, s.State)
	assert.Equal(t, types.AckOK, s.Acks["cam-a"].StartStatus)
	assert.Equal(t, types.AckOK, s.Acks["cam-b"].StartStatus)
	assert.ElementsMatch(t, []string{"cam-a", "cam-b"}, s.Started())
}

func TestScenarioCQuorumLostStopsStartedNodes(t *testing.T) {
	cfg := testConfig()
	cfg.Session.Quorum = 1.0
	h := start(t, cfg)

	recA, recB := newRecorder(), newRecorder()
	h.runAgent("cam-a", time.Millisecond, recA)
	h.runAgent("cam-b", -time.Millisecond, recB)
	h.runSilentNode("cam-c")
	h.waitTrusted("cam-a", "cam-b", "cam-c")

	id, err := h.ctl.RequestSession(h.ctx, nil)
	require.NoError(t, err)
	failed := h.waitState(id, types.SessionStateFailed)
	assert.Equal(t, types.CauseQuorumLost, failed.Cause)

	require.Eventually(t, func() bool {
		s, err := h.ctl.Session(h.ctx, id)
		if err != nil {
			return false
		}
		return s.Acks["cam-a"].StopStatus == types.AckOK && s.Acks["cam-b"].StopStatus == types.AckOK
	}, 3*time.Second, 10*time.Millisecond)

	s, err := h.ctl.Session(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.AckIncomplete, s.Acks["cam-c"].StartStatus)
	assert.Empty(t, s.Acks["cam-c"].StopStatus)

	// A new session may be requested once the failed one is archived
	_, err = h.ctl.RequestSession(h.ctx, []string{"cam-a"})
	assert.NoError(t, err)
}

func TestDialedNodeAndRetire(t *testing.T) {
	// Reserve a port for the agent, which the controller dials
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	a, err := agent.New(agent.Config{NodeID: "cam-d", ListenAddr: addr, Modalities: []string{"rgb"}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	cfg := testConfig()
	cfg.Nodes = []config.NodeConfig{{ID: "cam-d", Address: addr}}
	h := start(t, cfg)

	nodeStates := make(chan types.Node, 64)
	h.ctl.OnNodeStateChanged(func(n types.Node) { nodeStates <- n })

	h.waitTrusted("cam-d")
	n, err := h.ctl.Node("cam-d")
	require.NoError(t, err)
	assert.Equal(t, addr, n.DialAddress)
	assert.True(t, n.Supports("rgb"))

	require.NoError(t, h.ctl.RetireNode("cam-d"))
	n, err = h.ctl.Node("cam-d")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStateRetired, n.State)

	deadline := time.After(2 * time.Second)
	for retired := false; !retired; {
		select {
		case n := <-nodeStates:
			retired = n.ID == "cam-d" && n.State == types.NodeStateRetired
		case <-deadline:
			t.Fatal("no retired callback")
		}
	}

	_, err = h.ctl.Node("cam-x")
	assert.ErrorIs(t, err, registry.ErrNodeNotFound)
	assert.ErrorIs(t, h.ctl.RetireNode("cam-x"), registry.ErrNodeNotFound)
}

func TestRetiredIDSurvivesRestart(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.DataDir = t.TempDir()

	first, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, first.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- first.Run(ctx) }()

	h := &harness{t: t, ctl: first, ctx: ctx}
	h.runAgent("cam-r", 0, newRecorder())
	require.Eventually(t, func() bool {
		n, err := first.Node("cam-r")
		return err == nil && n.State == types.NodeStateConnected
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, first.RetireNode("cam-r"))
	cancel()
	require.NoError(t, <-done)

	cfg2 := testConfig()
	cfg2.Storage.DataDir = cfg.Storage.DataDir
	second, err := New(cfg2)
	require.NoError(t, err)
	n, err := second.Node("cam-r")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStateRetired, n.State)
	require.NoError(t, second.shutdown())
}

func TestListenFailureIsFatal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.Listen = ln.Addr().String()
	ctl, err := New(cfg)
	require.NoError(t, err)

	err = ctl.Run(context.Background())
	assert.Error(t, err)
	assert.ErrorIs(t, ctl.Run(context.Background()), ErrAlreadyRunning)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Session.Quorum = 0
	_, err := New(cfg)
	assert.Error(t, err)
}
