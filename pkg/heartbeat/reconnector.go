package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/dispatch"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/log"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/metrics"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/transport"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/types"
	"github.com/rs/zerolog"
)

// Target is a node the controller dials itself
type Target struct {
	ID      string
	Address string
}

// Dialer opens and starts a connection to address
type Dialer func(ctx context.Context, address string) (*transport.Peer, error)

// Registrar completes the handshake on a dialed connection.
// handshake.Negotiator implements it.
type Registrar interface {
	RegisterDialed(ctx context.Context, peer *transport.Peer, dialAddress string) (string, error)
}

// DefaultReconnectPolicy is exponential backoff from 1s capped at 30s,
// never giving up
var DefaultReconnectPolicy = dispatch.RetryPolicy{
	Base: time.Second,
	Cap:  30 * time.Second,
}

// Reconnector keeps a connection open to every target until the target is
// retired. It dials immediately, then redials with backoff whenever the
// connection closes.
type Reconnector struct {
	registry  *registry.Registry
	registrar Registrar
	dial      Dialer
	policy    dispatch.RetryPolicy
	targets   []Target
	logger    zerolog.Logger
}

// NewReconnector creates a reconnector for targets
func NewReconnector(reg *registry.Registry, registrar Registrar, dial Dialer, policy dispatch.RetryPolicy, targets []Target) *Reconnector {
	if policy.Base <= 0 {
		policy = DefaultReconnectPolicy
	}
	policy.MaxAttempts = 0
	return &Reconnector{
		registry:  reg,
		registrar: registrar,
		dial:      dial,
		policy:    policy,
		targets:   targets,
		logger:    log.WithComponent("reconnector"),
	}
}

// Run maintains every target until ctx is cancelled
func (r *Reconnector) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range r.targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			r.maintain(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (r *Reconnector) maintain(ctx context.Context, t Target) {
	logger := r.logger.With().Str("node_id", t.ID).Str("address", t.Address).Logger()

	for {
		peer, err := r.connect(ctx, t, logger)
		if err != nil {
			if errors.Is(err, registry.ErrRetired) {
				logger.Info().Msg("Node retired, no longer redialing")
			}
			return
		}

		select {
		case <-peer.Done():
			logger.Info().Msg("Connection closed, redialing")
		case <-ctx.Done():
			return
		}
	}
}

// connect returns an open connection for t, dialing with backoff if the
// node has none
func (r *Reconnector) connect(ctx context.Context, t Target, logger zerolog.Logger) (*transport.Peer, error) {
	var peer *transport.Peer

	err := r.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if node, ok := r.registry.Lookup(t.ID); ok && node.State == types.NodeStateRetired {
			return dispatch.Permanent(registry.ErrRetired)
		}
		// The node may have dialed in on its own
		if existing, ok := r.registry.Peer(t.ID); ok {
			peer = existing
			return nil
		}

		p, err := r.dial(ctx, t.Address)
		if err != nil {
			metrics.ReconnectAttemptsTotal.WithLabelValues("dial_failed").Inc()
			logger.Debug().Err(err).Int("attempt", attempt).Msg("Dial failed")
			return err
		}

		id, err := r.registrar.RegisterDialed(ctx, p, t.Address)
		if err != nil {
			metrics.ReconnectAttemptsTotal.WithLabelValues("handshake_failed").Inc()
			if errors.Is(err, registry.ErrRetired) {
				return dispatch.Permanent(err)
			}
			logger.Warn().Err(err).Int("attempt", attempt).Msg("Handshake on redial failed")
			return err
		}
		if id != t.ID {
			logger.Warn().Str("reported_id", id).Msg("Node at configured address reported a different id")
		}

		metrics.ReconnectAttemptsTotal.WithLabelValues("ok").Inc()
		logger.Info().Int("attempt", attempt).Msg("Connected to node")
		peer = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return peer, nil
}
