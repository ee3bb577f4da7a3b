package session

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/dispatch"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/events"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/storage"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/transport"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuorum(t *testing.T) {
	tests := []struct {
		fraction float64
		n        int
		want     int
	}{
		{1.0, 3, 3},
		{0.66, 3, 2},
		{2.0 / 3.0, 3, 2},
		{0.5, 3, 2},
		{0.5, 4, 2},
		{0.33, 3, 1},
		{0.01, 5, 1},
		{1.0, 1, 1},
		{1.0, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Quorum(tt.fraction, tt.n), "quorum(%v, %d)", tt.fraction, tt.n)
	}
}

func TestLeadTime(t *testing.T) {
	assert.Equal(t, 2*time.Second, LeadTime(2*time.Second, time.Second, 4, time.Second))
	assert.Equal(t, time.Second, LeadTime(0, time.Second, 4, 50*time.Millisecond))
	assert.Equal(t, 2*time.Second, LeadTime(0, time.Second, 4, 500*time.Millisecond))
}

// node is a scripted recording node
type node struct {
	id      string
	silent  bool // Never answers START
	mu      sync.Mutex
	started int
	stopped int
}

func (n *node) handle(p *transport.Peer, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeStartSession:
		if n.silent {
			return
		}
		var start protocol.StartSession
		_ = env.DecodePayload(&start)
		n.mu.Lock()
		n.started++
		n.mu.Unlock()
		_ = p.Reply(env, protocol.TypeStartAck, protocol.StartAck{
			ReplyTo:      env.Seq,
			ApplyStatus:  protocol.ApplyOK,
			LocalApplyAt: start.TargetLocal,
		})
	case protocol.TypeStopSession:
		n.mu.Lock()
		n.stopped++
		n.mu.Unlock()
		_ = p.Reply(env, protocol.TypeStopAck, protocol.StopAck{
			ReplyTo:     env.Seq,
			ApplyStatus: protocol.ApplyOK,
			StoppedAt:   protocol.Micros(time.Now()),
		})
	}
}

func (n *node) counts() (started, stopped int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started, n.stopped
}

type harness struct {
	t      *testing.T
	reg    *registry.Registry
	broker *events.Broker
	store  *storage.BoltStore
	orch   *Orchestrator
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	reg := registry.New(broker, registry.Options{})
	t.Cleanup(reg.Close)

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	d := dispatch.New(reg, dispatch.Options{
		AttemptTimeout: 100 * time.Millisecond,
		Policy:         dispatch.RetryPolicy{Base: 10 * time.Millisecond, Cap: 20 * time.Millisecond, MaxAttempts: 3},
	})
	if opts.LeadTime == 0 {
		opts.LeadTime = 300 * time.Millisecond
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	opts.Archive = store

	orch := New(reg, d, broker, opts)
	orch.Start()
	t.Cleanup(orch.Stop)

	return &harness{t: t, reg: reg, broker: broker, store: store, orch: orch}
}

// connect registers a node and, when offset is non-nil, gives it a trusted clock
func (h *harness) connect(n *node, offset *time.Duration, caps ...string) {
	h.t.Helper()
	srv := httptest.NewServer(transport.NewHandler(transport.Options{Handler: n.handle}, func(p *transport.Peer) {
		p.Start()
	}))
	h.t.Cleanup(srv.Close)

	peer, err := transport.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), transport.Options{})
	require.NoError(h.t, err)
	peer.Start()
	_, err = h.reg.Register(registry.Registration{
		NodeID:          n.id,
		ProtocolVersion: protocol.Version,
		Capabilities:    types.NewCapabilities(caps...),
		Peer:            peer,
	})
	require.NoError(h.t, err)

	if offset != nil {
		_, err = h.reg.Transition(n.id, registry.Event{
			Kind:  registry.EventSyncSample,
			Clock: types.ClockEstimate{Offset: *offset, RoundTrip: 4 * time.Millisecond, Samples: 4, Converged: true, Confidence: 0.9},
		})
		require.NoError(h.t, err)
	}
}

func (h *harness) waitState(id string, want types.SessionState) types.Session {
	h.t.Helper()
	var s types.Session
	require.Eventually(h.t, func() bool {
		var err error
		s, err = h.orch.Get(context.Background(), id)
		return err == nil && s.State == want
	}, 3*time.Second, 10*time.Millisecond, "session never reached %s", want)
	return s
}

func offset(d time.Duration) *time.Duration { return &d }

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t, Options{})
	a, b := &node{id: "cam-a"}, &node{id: "cam-b"}
	h.connect(a, offset(-2*time.Millisecond))
	h.connect(b, offset(15*time.Millisecond))

	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub)

	ctx := context.Background()
	id, err := h.orch.RequestSession(ctx, nil)
	require.NoError(t, err)

	s := h.waitState(id, types.SessionStateRecording)
	assert.Equal(t, []string{"cam-a", "cam-b"}, s.Participants)
	assert.Equal(t, 2, s.Quorum)
	assert.Equal(t, 300*time.Millisecond, s.LeadTime)
	assert.Equal(t, s.MasterStart.Add(-2*time.Millisecond), s.Targets["cam-a"])
	assert.Equal(t, s.MasterStart.Add(15*time.Millisecond), s.Targets["cam-b"])
	assert.Equal(t, 15*time.Millisecond, s.Offsets["cam-b"])
	for _, id := range s.Participants {
		assert.Equal(t, types.AckOK, s.Acks[id].StartStatus)
		assert.True(t, s.Acks[id].ReceivedAt.Before(s.MasterStart))
	}

	require.NoError(t, h.orch.StopSession(ctx, id))
	s = h.waitState(id, types.SessionStateCompleted)
	assert.Equal(t, types.CauseStopRequested, s.Cause)
	assert.False(t, s.FinishedAt.IsZero())
	for _, id := range s.Participants {
		assert.Equal(t, types.AckOK, s.Acks[id].StopStatus)
	}

	archived, err := h.store.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateCompleted, archived.State)

	var seen []types.SessionState
	timeout := time.After(2 * time.Second)
	for len(seen) < 5 {
		select {
		case ev := <-sub:
			if ev.Type == events.EventSessionStateChanged && ev.SessionID == id {
				seen = append(seen, ev.Session.State)
			}
		case <-timeout:
			t.Fatalf("saw only %v", seen)
		}
	}
	assert.Equal(t, []types.SessionState{
		types.SessionStatePreparing,
		types.SessionStateArmed,
		types.SessionStateRecording,
		types.SessionStateStopping,
		types.SessionStateCompleted,
	}, seen)

	// A finished session cannot be stopped again
	assert.ErrorIs(t, h.orch.StopSession(ctx, id), ErrSessionFinished)
}

func TestRequestSessionBusy(t *testing.T) {
	h := newHarness(t, Options{PrepareTimeout: 5 * time.Second})
	// Connected but not converged: the first session waits in preparing
	h.connect(&node{id: "cam-a"}, nil)
	h.connect(&node{id: "cam-b"}, nil)

	ctx := context.Background()
	id, err := h.orch.RequestSession(ctx, []string{"cam-a", "cam-b"})
	require.NoError(t, err)

	_, err = h.orch.RequestSession(ctx, []string{"cam-a"})
	assert.ErrorIs(t, err, ErrSessionBusy)

	s, err := h.orch.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatePreparing, s.State)
	assert.Equal(t, []string{"cam-a", "cam-b"}, s.Participants)

	// Cancel is synchronous before recording
	require.NoError(t, h.orch.CancelSession(ctx, id))
	s, err = h.orch.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateFailed, s.State)
	assert.Equal(t, types.CauseCancelled, s.Cause)

	_, err = h.orch.RequestSession(ctx, []string{"cam-a"})
	assert.NoError(t, err)
}

func TestRequestSessionNoParticipants(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.orch.RequestSession(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoParticipants)

	_, ok, err := h.orch.Current(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequiredCapabilities(t *testing.T) {
	h := newHarness(t, Options{RequiredCapabilities: []string{"thermal"}})
	h.connect(&node{id: "cam-a"}, offset(0), "rgb", "thermal")
	h.connect(&node{id: "cam-b"}, offset(0), "rgb")

	id, err := h.orch.RequestSession(context.Background(), nil)
	require.NoError(t, err)
	s := h.waitState(id, types.SessionStateRecording)
	assert.Equal(t, []string{"cam-a"}, s.Participants)
}

func TestQuorumNotReached(t *testing.T) {
	h := newHarness(t, Options{PrepareTimeout: 100 * time.Millisecond})
	a, b := &node{id: "cam-a"}, &node{id: "cam-b"}
	h.connect(a, offset(0))
	h.connect(b, nil)

	id, err := h.orch.RequestSession(context.Background(), nil)
	require.NoError(t, err)

	s := h.waitState(id, types.SessionStateFailed)
	assert.Equal(t, types.CauseQuorumNotReached, s.Cause)
	started, _ := a.counts()
	assert.Zero(t, started)
	assert.Equal(t, types.AckNotReady, s.Acks["cam-b"].StartStatus)
}

func TestPartialStartAboveQuorum(t *testing.T) {
	h := newHarness(t, Options{Quorum: 0.66})
	h.connect(&node{id: "cam-a"}, offset(1*time.Millisecond))
	h.connect(&node{id: "cam-b"}, offset(-1*time.Millisecond))
	h.connect(&node{id: "cam-c", silent: true}, offset(0))

	id, err := h.orch.RequestSession(context.Background(), nil)
	require.NoError(t, err)
	h.waitState(id, types.SessionStateRecording)

	var s types.Session
	require.Eventually(t, func() bool {
		s, _ = h.orch.Get(context.Background(), id)
		return s.Acks["cam-c"].StartStatus == types.AckIncomplete
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.SessionStateRecording, s.State)
	assert.ElementsMatch(t, []string{"cam-a", "cam-b"}, s.Started())
}

func TestQuorumLostStopsStartedNodes(t *testing.T) {
	h := newHarness(t, Options{Quorum: 1.0})
	a, b, c := &node{id: "cam-a"}, &node{id: "cam-b"}, &node{id: "cam-c", silent: true}
	h.connect(a, offset(0))
	h.connect(b, offset(0))
	h.connect(c, offset(0))

	id, err := h.orch.RequestSession(context.Background(), nil)
	require.NoError(t, err)

	s := h.waitState(id, types.SessionStateFailed)
	assert.Equal(t, types.CauseQuorumLost, s.Cause)
	assert.Equal(t, types.AckIncomplete, s.Acks["cam-c"].StartStatus)

	require.Eventually(t, func() bool {
		_, sa := a.counts()
		_, sb := b.counts()
		return sa == 1 && sb == 1
	}, 3*time.Second, 10*time.Millisecond)
	_, sc := c.counts()
	assert.Zero(t, sc)
}

func TestRecordingQuorumLost(t *testing.T) {
	h := newHarness(t, Options{Quorum: 1.0})
	a, b := &node{id: "cam-a"}, &node{id: "cam-b"}
	h.connect(a, offset(0))
	h.connect(b, offset(0))

	id, err := h.orch.RequestSession(context.Background(), nil)
	require.NoError(t, err)
	h.waitState(id, types.SessionStateRecording)

	_, err = h.reg.Transition("cam-b", registry.Event{Kind: registry.EventLost})
	require.NoError(t, err)

	s := h.waitState(id, types.SessionStateFailed)
	assert.Equal(t, types.CauseQuorumLost, s.Cause)
	assert.False(t, s.Acks["cam-b"].DroppedAt.IsZero())
	assert.True(t, s.Acks["cam-a"].DroppedAt.IsZero())

	require.Eventually(t, func() bool {
		_, stopped := a.counts()
		return stopped == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestMaxDurationStops(t *testing.T) {
	h := newHarness(t, Options{MaxDuration: 100 * time.Millisecond})
	h.connect(&node{id: "cam-a"}, offset(0))

	id, err := h.orch.RequestSession(context.Background(), nil)
	require.NoError(t, err)

	s := h.waitState(id, types.SessionStateCompleted)
	assert.Equal(t, types.CauseMaxDuration, s.Cause)
}

func TestCancelWhileRecordingStops(t *testing.T) {
	h := newHarness(t, Options{})
	a := &node{id: "cam-a"}
	h.connect(a, offset(0))

	ctx := context.Background()
	id, err := h.orch.RequestSession(ctx, nil)
	require.NoError(t, err)
	h.waitState(id, types.SessionStateRecording)

	require.NoError(t, h.orch.CancelSession(ctx, id))
	s := h.waitState(id, types.SessionStateCompleted)
	assert.Equal(t, types.CauseCancelled, s.Cause)
	_, stopped := a.counts()
	assert.Equal(t, 1, stopped)

	assert.ErrorIs(t, h.orch.CancelSession(ctx, "nope"), ErrSessionNotFound)

	list, err := h.orch.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
}

func TestShutdownFailsActiveSession(t *testing.T) {
	h := newHarness(t, Options{})
	a := &node{id: "cam-a"}
	h.connect(a, offset(0))

	id, err := h.orch.RequestSession(context.Background(), nil)
	require.NoError(t, err)
	h.waitState(id, types.SessionStateRecording)

	h.orch.Stop()

	archived, err := h.store.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateFailed, archived.State)
	assert.Equal(t, types.CauseShutdown, archived.Cause)

	_, stopped := a.counts()
	assert.Equal(t, 1, stopped)

	_, err = h.orch.RequestSession(context.Background(), nil)
	assert.ErrorIs(t, err, ErrStopped)
}
