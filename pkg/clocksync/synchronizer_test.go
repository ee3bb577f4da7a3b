package clocksync

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/events"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// offsetFn returns the node clock skew to apply to the n-th sync request
type offsetFn func(n int) time.Duration

// syncNode answers SYNC_REQUEST with a node-local time skewed by skew
func syncNode(skew offsetFn) transport.Handler {
	var count atomic.Int32
	return func(p *transport.Peer, env protocol.Envelope) {
		if env.Type != protocol.TypeSyncRequest {
			return
		}
		var req protocol.SyncRequest
		if err := env.DecodePayload(&req); err != nil {
			return
		}
		n := int(count.Add(1))
		_ = p.Reply(env, protocol.TypeSyncResponse, protocol.SyncResponse{
			ReplyTo: env.Seq,
			T0:      req.T0,
			T1:      protocol.Micros(time.Now().Add(skew(n))),
		})
	}
}

func constant(d time.Duration) offsetFn {
	return func(int) time.Duration { return d }
}

// connect registers a node served by h and returns the controller-side peer
func connect(t *testing.T, reg *registry.Registry, id string, h transport.Handler) *transport.Peer {
	t.Helper()
	srv := httptest.NewServer(transport.NewHandler(transport.Options{Handler: h}, func(p *transport.Peer) {
		p.Start()
	}))
	t.Cleanup(srv.Close)

	peer, err := transport.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), transport.Options{})
	require.NoError(t, err)
	peer.Start()

	_, err = reg.Register(registry.Registration{NodeID: id, ProtocolVersion: protocol.Version, Peer: peer})
	require.NoError(t, err)
	return peer
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	reg := registry.New(broker, registry.Options{})
	t.Cleanup(reg.Close)
	return reg
}

func TestSampleOnceConverges(t *testing.T) {
	reg := newRegistry(t)
	connect(t, reg, "cam-1", syncNode(constant(250*time.Millisecond)))

	s := New(reg, Options{Window: 8, MinSamples: 4, MaxAttempts: 16, Tolerance: 10 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		sample, err := s.SampleOnce(ctx, "cam-1")
		require.NoError(t, err)
		assert.InDelta(t, float64(250*time.Millisecond), float64(sample.Offset), float64(10*time.Millisecond))
	}
	_, _, ok := s.CurrentOffset("cam-1")
	assert.False(t, ok, "three samples are below min_samples")

	_, err := s.SampleOnce(ctx, "cam-1")
	require.NoError(t, err)

	offset, confidence, ok := s.CurrentOffset("cam-1")
	require.True(t, ok)
	assert.InDelta(t, float64(250*time.Millisecond), float64(offset), float64(10*time.Millisecond))
	assert.Greater(t, confidence, 0.0)

	node, _ := reg.Lookup("cam-1")
	assert.Equal(t, 4, node.Clock.Samples)
	assert.True(t, node.Clock.Converged)
	assert.False(t, node.Clock.SyncUnreliable)
}

func TestSyncUnreliableAfterMaxAttempts(t *testing.T) {
	reg := newRegistry(t)
	// Node clock jumps back and forth by 100ms on every request
	connect(t, reg, "cam-1", syncNode(func(n int) time.Duration {
		if n%2 == 0 {
			return 50 * time.Millisecond
		}
		return -50 * time.Millisecond
	}))

	s := New(reg, Options{Window: 6, MinSamples: 4, MaxAttempts: 6, Tolerance: 10 * time.Millisecond})
	for i := 0; i < 6; i++ {
		_, err := s.SampleOnce(context.Background(), "cam-1")
		require.NoError(t, err)
	}

	node, _ := reg.Lookup("cam-1")
	assert.False(t, node.Clock.Converged)
	assert.True(t, node.Clock.SyncUnreliable)
	_, _, ok := s.CurrentOffset("cam-1")
	assert.False(t, ok)
}

func TestWindowResetsOnNewEpoch(t *testing.T) {
	reg := newRegistry(t)
	first := connect(t, reg, "cam-1", syncNode(constant(0)))

	s := New(reg, Options{Window: 8, MinSamples: 2, MaxAttempts: 16})
	for i := 0; i < 3; i++ {
		_, err := s.SampleOnce(context.Background(), "cam-1")
		require.NoError(t, err)
	}
	_, _, ok := s.CurrentOffset("cam-1")
	require.True(t, ok)

	// Reconnect with a node whose clock is now a second ahead
	first.Close()
	require.Eventually(t, func() bool {
		_, _, ok := s.CurrentOffset("cam-1")
		return !ok
	}, time.Second, 5*time.Millisecond)
	connect(t, reg, "cam-1", syncNode(constant(time.Second)))

	_, err := s.SampleOnce(context.Background(), "cam-1")
	require.NoError(t, err)
	node, _ := reg.Lookup("cam-1")
	assert.Equal(t, uint64(2), node.Epoch)
	assert.Equal(t, 1, node.Clock.Samples)
	assert.False(t, node.Clock.Converged)

	_, err = s.SampleOnce(context.Background(), "cam-1")
	require.NoError(t, err)
	offset, _, ok := s.CurrentOffset("cam-1")
	require.True(t, ok)
	assert.InDelta(t, float64(time.Second), float64(offset), float64(10*time.Millisecond))
}

func TestSampleOnceTimeoutCountsAttempt(t *testing.T) {
	reg := newRegistry(t)
	connect(t, reg, "cam-1", func(*transport.Peer, protocol.Envelope) {})

	s := New(reg, Options{RequestTimeout: 50 * time.Millisecond, MaxAttempts: 2, MinSamples: 1, Window: 2})
	for i := 0; i < 2; i++ {
		_, err := s.SampleOnce(context.Background(), "cam-1")
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}

	node, _ := reg.Lookup("cam-1")
	assert.Equal(t, 2, node.Clock.Samples)
	assert.True(t, node.Clock.SyncUnreliable)
}

func TestSampleOnceUnknownNode(t *testing.T) {
	s := New(newRegistry(t), Options{})
	_, err := s.SampleOnce(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestTickSamplesAllConnected(t *testing.T) {
	reg := newRegistry(t)
	connect(t, reg, "cam-1", syncNode(constant(10*time.Millisecond)))
	connect(t, reg, "cam-2", syncNode(constant(-40*time.Millisecond)))

	s := New(reg, Options{MinSamples: 2})
	s.Tick(context.Background())
	s.Tick(context.Background())

	for id, want := range map[string]time.Duration{"cam-1": 10 * time.Millisecond, "cam-2": -40 * time.Millisecond} {
		offset, _, ok := s.CurrentOffset(id)
		require.True(t, ok, id)
		assert.InDelta(t, float64(want), float64(offset), float64(10*time.Millisecond), id)
	}
}

func TestStartStop(t *testing.T) {
	reg := newRegistry(t)
	connect(t, reg, "cam-1", syncNode(constant(0)))

	s := New(reg, Options{Interval: 10 * time.Millisecond, MinSamples: 2})
	s.Start()
	require.Eventually(t, func() bool {
		_, _, ok := s.CurrentOffset("cam-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Stop()
}
