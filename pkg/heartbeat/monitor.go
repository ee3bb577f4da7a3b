package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/log"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/metrics"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/registry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Options tunes the monitor
type Options struct {
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
	Clock       clock.Clock
}

// Monitor probes every connected or degraded node with HEARTBEAT and feeds
// acks and misses into the registry, which owns the thresholds
type Monitor struct {
	registry *registry.Registry
	opts     Options
	logger   zerolog.Logger

	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewMonitor creates a heartbeat monitor
func NewMonitor(reg *registry.Registry, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Timeout <= 0 || opts.Timeout > opts.Interval {
		opts.Timeout = opts.Interval / 2
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Monitor{
		registry: reg,
		opts:     opts,
		logger:   log.WithComponent("heartbeat"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins probing every Interval
func (m *Monitor) Start() {
	if m.started.CompareAndSwap(false, true) {
		go m.run()
	}
}

// Stop stops probing and waits for the loop to exit
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	if m.started.Load() {
		<-m.done
	}
}

func (m *Monitor) run() {
	defer close(m.done)

	ticker := m.opts.Clock.Ticker(m.opts.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			m.Tick(ctx)
		case <-m.stopCh:
			return
		}
	}
}

// Tick probes every live node once
func (m *Monitor) Tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HeartbeatCycleDuration)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for _, id := range m.registry.ListLive() {
		id := id
		g.Go(func() error {
			m.probe(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) probe(ctx context.Context, id string) {
	node, ok := m.registry.Lookup(id)
	if !ok || !node.State.Live() {
		return
	}

	kind := registry.EventHeartbeatAck
	err := m.ping(ctx, id, node.Epoch)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		kind = registry.EventHeartbeatMissed
		metrics.HeartbeatsTotal.WithLabelValues("missed").Inc()
	} else {
		metrics.HeartbeatsTotal.WithLabelValues("ack").Inc()
	}

	state, terr := m.registry.Transition(id, registry.Event{Kind: kind, Epoch: node.Epoch})
	if terr != nil {
		m.logger.Debug().Err(terr).Str("node_id", id).Msg("Heartbeat result discarded")
		return
	}
	if err == nil {
		if peer, ok := m.registry.Peer(id); ok {
			_, _ = m.registry.Transition(id, registry.Event{Kind: registry.EventSeq, Epoch: node.Epoch, Seq: peer.SeqHighWater()})
		}
		return
	}
	m.logger.Debug().
		Err(err).
		Str("node_id", id).
		Int("missed", node.MissedHeartbeats+1).
		Str("state", string(state)).
		Msg("Heartbeat missed")
}

func (m *Monitor) ping(ctx context.Context, id string, epoch uint64) error {
	peer, ok := m.registry.Peer(id)
	if !ok {
		return fmt.Errorf("%s epoch %d has no open connection", id, epoch)
	}

	env, err := protocol.NewEnvelope(protocol.TypeHeartbeat, "", protocol.Heartbeat{
		SentAt: protocol.Micros(m.opts.Clock.Now()),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	reply, err := peer.Request(ctx, env)
	if err != nil {
		return err
	}
	if reply.Type != protocol.TypeHeartbeatAck {
		return fmt.Errorf("unexpected %s in answer to HEARTBEAT", reply.Type)
	}
	return nil
}
