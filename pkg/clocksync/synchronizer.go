package clocksync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/log"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/metrics"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotConnected = errors.New("node is not connected")
	ErrBadResponse  = errors.New("malformed SYNC_RESPONSE")
)

// Options tunes the synchronizer
type Options struct {
	Interval       time.Duration
	RequestTimeout time.Duration
	Window         int
	MinSamples     int
	MaxAttempts    int
	Tolerance      time.Duration
	OutlierFactor  float64
	Concurrency    int    // Nodes sampled in parallel per tick
	Filter         Filter // Defaults to MedianFilter
	Clock          clock.Clock
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = time.Second
	}
	if o.Window <= 0 {
		o.Window = 8
	}
	if o.MinSamples <= 0 {
		o.MinSamples = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 16
	}
	if o.Tolerance <= 0 {
		o.Tolerance = 10 * time.Millisecond
	}
	if o.OutlierFactor <= 0 {
		o.OutlierFactor = 3
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 16
	}
	if o.Filter == nil {
		o.Filter = MedianFilter{OutlierFactor: o.OutlierFactor, Tolerance: o.Tolerance}
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// Synchronizer estimates the clock offset of every connected node by
// periodic SYNC_REQUEST round trips
type Synchronizer struct {
	registry *registry.Registry
	opts     Options
	logger   zerolog.Logger

	mu      sync.Mutex
	windows map[string]*window

	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a synchronizer
func New(reg *registry.Registry, opts Options) *Synchronizer {
	opts.setDefaults()
	return &Synchronizer{
		registry: reg,
		opts:     opts,
		logger:   log.WithComponent("clocksync"),
		windows:  make(map[string]*window),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins sampling every Interval
func (s *Synchronizer) Start() {
	if s.started.CompareAndSwap(false, true) {
		go s.run()
	}
}

// Stop stops the sampling loop and waits for the current tick to finish
func (s *Synchronizer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	if s.started.Load() {
		<-s.done
	}
}

func (s *Synchronizer) run() {
	defer close(s.done)

	ticker := s.opts.Clock.Ticker(s.opts.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.Tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.stopCh:
			return
		}
	}
}

// Tick samples every connected node once, concurrently
func (s *Synchronizer) Tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SyncCycleDuration)

	s.prune(s.registry.ListLive())
	ids := s.registry.ListConnected()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if _, err := s.SampleOnce(ctx, id); err != nil {
				s.logger.Debug().Err(err).Str("node_id", id).Msg("Sync sample failed")
			}
			// A failing node must not cancel its siblings
			return nil
		})
	}
	_ = g.Wait()
}

// SampleOnce performs one round trip with node id, folds it into the
// node's window and publishes the new estimate to the registry
func (s *Synchronizer) SampleOnce(ctx context.Context, id string) (Sample, error) {
	node, ok := s.registry.Lookup(id)
	if !ok || node.State != types.NodeStateConnected {
		return Sample{}, fmt.Errorf("%s: %w", id, ErrNotConnected)
	}
	peer, ok := s.registry.Peer(id)
	if !ok {
		return Sample{}, fmt.Errorf("%s: %w", id, ErrNotConnected)
	}

	sample, err := s.roundTrip(ctx, peer.Request)
	if err != nil {
		metrics.SyncSamplesTotal.WithLabelValues("error").Inc()
		s.record(id, node.Epoch, nil)
		return Sample{}, fmt.Errorf("sync %s: %w", id, err)
	}
	metrics.SyncSamplesTotal.WithLabelValues("ok").Inc()
	s.record(id, node.Epoch, &sample)
	return sample, nil
}

type requester func(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error)

func (s *Synchronizer) roundTrip(ctx context.Context, request requester) (Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	t0 := s.opts.Clock.Now()
	env, err := protocol.NewEnvelope(protocol.TypeSyncRequest, "", protocol.SyncRequest{T0: protocol.Micros(t0)})
	if err != nil {
		return Sample{}, err
	}

	reply, err := request(ctx, env)
	t2 := s.opts.Clock.Now()
	if err != nil {
		return Sample{}, err
	}

	var resp protocol.SyncResponse
	if reply.Type != protocol.TypeSyncResponse {
		return Sample{}, fmt.Errorf("%w: got %s", ErrBadResponse, reply.Type)
	}
	if err := reply.DecodePayload(&resp); err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if resp.T0 != protocol.Micros(t0) || resp.T1 == 0 {
		return Sample{}, fmt.Errorf("%w: t0 echo %d, want %d", ErrBadResponse, resp.T0, protocol.Micros(t0))
	}

	return NewSample(t0, protocol.FromMicros(resp.T1), t2), nil
}

// record folds a sample (nil for a failed attempt) into the window of the
// node's current epoch and pushes the estimate to the registry
func (s *Synchronizer) record(id string, epoch uint64, sample *Sample) {
	s.mu.Lock()
	w, ok := s.windows[id]
	if !ok {
		w = &window{size: s.opts.Window}
		s.windows[id] = w
	}
	if epoch < w.epoch {
		s.mu.Unlock()
		return
	}
	if epoch > w.epoch {
		w.reset(epoch)
	}
	w.attempts++
	if sample != nil {
		w.add(*sample)
	}
	estimate := s.estimate(w)
	attempts := w.attempts
	s.mu.Unlock()

	_, err := s.registry.Transition(id, registry.Event{
		Kind:  registry.EventSyncSample,
		Epoch: epoch,
		Clock: estimate,
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("node_id", id).Msg("Discarding sync estimate")
		return
	}

	if estimate.SyncUnreliable && attempts == s.opts.MaxAttempts {
		s.logger.Warn().
			Str("node_id", id).
			Int("attempts", attempts).
			Dur("offset", estimate.Offset).
			Float64("variance_ms2", estimate.Variance).
			Msg("Clock sync did not converge")
	}
}

// estimate applies the filter to w. Caller holds s.mu.
func (s *Synchronizer) estimate(w *window) types.ClockEstimate {
	res := s.opts.Filter.Apply(w.samples)
	converged := res.Within >= s.opts.MinSamples
	return types.ClockEstimate{
		Offset:         res.Offset,
		Variance:       res.Variance,
		Confidence:     res.Confidence,
		RoundTrip:      res.RoundTrip,
		Samples:        w.attempts,
		Converged:      converged,
		SyncUnreliable: !converged && w.attempts >= s.opts.MaxAttempts,
	}
}

// prune forgets windows of nodes that are neither connected nor degraded
func (s *Synchronizer) prune(live []string) {
	keep := make(map[string]struct{}, len(live))
	for _, id := range live {
		keep[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.windows {
		if _, ok := keep[id]; !ok {
			delete(s.windows, id)
		}
	}
}

// CurrentOffset returns the trusted offset of node id. ok is false unless
// the node is connected, converged and not flagged unreliable.
func (s *Synchronizer) CurrentOffset(id string) (offset time.Duration, confidence float64, ok bool) {
	node, found := s.registry.Lookup(id)
	if !found || !node.ClockTrusted() {
		return 0, 0, false
	}
	return node.Clock.Offset, node.Clock.Confidence, true
}
