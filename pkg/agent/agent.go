package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/dispatch"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/log"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/transport"
	"github.com/rs/zerolog"
)

// Recorder is the on-node capture subsystem the agent drives
type Recorder interface {
	// Start begins capture for sessionID at the given node-local time.
	// It is called when that time arrives.
	Start(ctx context.Context, sessionID string, at time.Time) error
	Stop(ctx context.Context, sessionID string) error
}

// Config holds agent configuration
type Config struct {
	NodeID         string
	ControllerAddr string // Dial the controller at host:port
	ListenAddr     string // Or accept the controller's dial on host:port
	Modalities     []string
	Features       []string
	ClockOffset    time.Duration // Simulated skew of the local clock
	Recorder       Recorder
	Reconnect      dispatch.RetryPolicy
	Clock          clock.Clock
}

// Agent is a reference recording node. It answers the controller's
// handshake, clock probes and heartbeats and schedules capture on its
// Recorder at the node-local start time the controller computed.
type Agent struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	captures map[string]*capture
	peer     *transport.Peer
}

// New creates an agent
func New(cfg Config) (*Agent, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	if cfg.ControllerAddr == "" && cfg.ListenAddr == "" {
		return nil, errors.New("either a controller address or a listen address is required")
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NewLogRecorder(cfg.NodeID)
	}
	if cfg.Reconnect.Base <= 0 {
		cfg.Reconnect = dispatch.RetryPolicy{Base: time.Second, Cap: 30 * time.Second}
	}
	cfg.Reconnect.MaxAttempts = 0
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Agent{
		cfg:      cfg,
		logger:   log.WithNodeID(cfg.NodeID).With().Str("component", "agent").Logger(),
		captures: make(map[string]*capture),
	}, nil
}

// Now returns the agent's local clock reading
func (a *Agent) Now() time.Time {
	return a.cfg.Clock.Now().Add(a.cfg.ClockOffset)
}

// Run connects to the controller, or serves the controller's dial, until ctx
// is cancelled. Dropped connections are redialed with backoff.
func (a *Agent) Run(ctx context.Context) error {
	defer a.stopAll()
	if a.cfg.ListenAddr != "" {
		return a.serve(ctx)
	}
	return a.dialLoop(ctx)
}

func (a *Agent) peerOptions() transport.Options {
	logger := a.logger
	return transport.Options{
		Handler: a.handle,
		Clock:   a.cfg.Clock,
		Logger:  &logger,
	}
}

func (a *Agent) dialLoop(ctx context.Context) error {
	url := transport.URL(a.cfg.ControllerAddr)
	for {
		var peer *transport.Peer
		err := a.cfg.Reconnect.Do(ctx, func(ctx context.Context, attempt int) error {
			p, err := transport.Dial(ctx, url, a.peerOptions())
			if err != nil {
				a.logger.Debug().Err(err).Int("attempt", attempt).Msg("Controller unreachable")
				return err
			}
			peer = p
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to connect to controller: %w", err)
		}

		a.attach(peer)
		a.logger.Info().Str("controller", a.cfg.ControllerAddr).Msg("Connected to controller")

		select {
		case <-peer.Done():
			a.logger.Warn().Err(peer.Err()).Msg("Controller connection lost, reconnecting")
		case <-ctx.Done():
			_ = peer.Close()
			return nil
		}
	}
}

func (a *Agent) serve(ctx context.Context) error {
	srv := transport.NewServer(a.cfg.ListenAddr, transport.NewHandler(a.peerOptions(), a.attach))
	if err := srv.Listen(); err != nil {
		return err
	}
	a.logger.Info().Str("listen", srv.Addr()).Msg("Waiting for controller")
	err := srv.Serve(ctx)

	a.mu.Lock()
	if a.peer != nil {
		_ = a.peer.Close()
	}
	a.mu.Unlock()
	return err
}

// attach makes p the current controller connection. Captures survive a
// reconnect; only the connection is replaced.
func (a *Agent) attach(p *transport.Peer) {
	a.mu.Lock()
	old := a.peer
	a.peer = p
	a.mu.Unlock()

	if old != nil && old != p {
		_ = old.Close()
	}
	p.Start()
}

// Close drops the controller connection. Run redials in dial mode.
func (a *Agent) Close() {
	a.mu.Lock()
	p := a.peer
	a.mu.Unlock()
	if p != nil {
		_ = p.Close()
	}
}
