package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/api"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/clocksync"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/config"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/dispatch"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/events"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/handshake"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/heartbeat"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/log"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/metrics"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/session"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/storage"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/transport"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/types"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Version is reported by the health endpoints
var Version = "dev"

// ErrAlreadyRunning is returned by a second call to Run
var ErrAlreadyRunning = errors.New("controller already running")

// Controller owns every component of the recording controller and the
// listeners nodes and operators connect to
type Controller struct {
	cfg    *config.Config
	logger zerolog.Logger

	broker       *events.Broker
	store        storage.Store
	registry     *registry.Registry
	negotiator   *handshake.Negotiator
	synchronizer *clocksync.Synchronizer
	monitor      *heartbeat.Monitor
	reconnector  *heartbeat.Reconnector
	dispatcher   *dispatch.Dispatcher
	orchestrator *session.Orchestrator
	collector    *metrics.Collector
	health       *metrics.HealthChecker

	server     *transport.Server
	api        *api.Server
	grpcHealth *api.GRPCHealth

	sub     events.Subscriber
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool

	mu              sync.Mutex
	listening       bool
	sessionHandlers []func(types.Session)
	nodeHandlers    []func(types.Node)
}

// New builds a controller from cfg. Nothing listens until Listen or Run.
func New(cfg *config.Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ControllerID == "" {
		cfg.ControllerID = "recsync-" + uuid.NewString()[:8]
	}

	var store storage.Store
	if cfg.Storage.DataDir != "" {
		bolt, err := storage.NewBoltStore(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create store: %w", err)
		}
		store = bolt
	} else {
		store = storage.NewMemoryStore()
	}

	c := &Controller{
		cfg:    cfg,
		logger: log.WithComponent("controller"),
		broker: events.NewBroker(),
		store:  store,
		health: metrics.NewHealthChecker(Version,
			metrics.ComponentListener, metrics.ComponentStorage, metrics.ComponentSession),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.broker.Start()
	// Subscribed before anything can publish so callbacks see every transition
	c.sub = c.broker.Subscribe()

	c.registry = registry.New(c.broker, registry.Options{
		DegradeThreshold:   cfg.Heartbeat.DegradeThreshold,
		LostThreshold:      cfg.Heartbeat.LostThreshold,
		ProtocolErrorLimit: cfg.Registry.ProtocolErrorLimit,
		Store:              store,
	})
	nodes, err := store.ListNodes()
	if err != nil {
		c.health.Update(metrics.ComponentStorage, false, err.Error())
		c.logger.Error().Err(err).Msg("Failed to restore node records")
	} else {
		c.registry.Restore(nodes)
		c.health.Update(metrics.ComponentStorage, true, "")
		if len(nodes) > 0 {
			c.logger.Info().Int("nodes", len(nodes)).Msg("Restored node records")
		}
	}

	c.negotiator = handshake.New(c.registry, handshake.Options{
		ControllerID:      cfg.ControllerID,
		Timeout:           cfg.Handshake.Timeout.D(),
		HeartbeatInterval: cfg.Heartbeat.Interval.D(),
	})
	c.synchronizer = clocksync.New(c.registry, clocksync.Options{
		Interval:       cfg.Sync.Interval.D(),
		RequestTimeout: cfg.Sync.RequestTimeout.D(),
		Window:         cfg.Sync.Window,
		MinSamples:     cfg.Sync.MinSamples,
		MaxAttempts:    cfg.Sync.MaxAttempts,
		Tolerance:      cfg.Sync.Tolerance.D(),
		OutlierFactor:  cfg.Sync.OutlierFactor,
	})
	c.monitor = heartbeat.NewMonitor(c.registry, heartbeat.Options{
		Interval: cfg.Heartbeat.Interval.D(),
		Timeout:  cfg.Heartbeat.Timeout.D(),
	})

	targets := make([]heartbeat.Target, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		targets = append(targets, heartbeat.Target{ID: n.ID, Address: n.Address})
	}
	c.reconnector = heartbeat.NewReconnector(c.registry, c.negotiator, c.dial, dispatch.RetryPolicy{
		Base: cfg.Heartbeat.ReconnectBase.D(),
		Cap:  cfg.Heartbeat.ReconnectCap.D(),
	}, targets)

	c.dispatcher = dispatch.New(c.registry, dispatch.Options{
		AttemptTimeout: cfg.Dispatch.AttemptTimeout.D(),
		Policy: dispatch.RetryPolicy{
			Base:        cfg.Dispatch.RetryBase.D(),
			Cap:         cfg.Dispatch.RetryCap.D(),
			MaxAttempts: cfg.Dispatch.MaxAttempts,
		},
	})
	c.orchestrator = session.New(c.registry, c.dispatcher, c.broker, session.Options{
		Quorum:               cfg.Session.Quorum,
		PrepareTimeout:       cfg.Session.PrepareTimeout.D(),
		StopTimeout:          cfg.Session.StopTimeout.D(),
		LeadTime:             cfg.Session.LeadTime.D(),
		MinLeadTime:          cfg.Session.MinLeadTime.D(),
		LeadFactor:           cfg.Session.LeadFactor,
		MaxDuration:          cfg.Session.MaxDuration.D(),
		RequiredCapabilities: cfg.Session.RequiredCapabilities,
		Archive:              store,
	})
	c.collector = metrics.NewCollector(c.registry, c.broker, cfg.Heartbeat.Interval.D())

	c.server = transport.NewServer(cfg.Listen, transport.NewHandler(c.peerOptions(), c.accept))
	if cfg.API.Addr != "" {
		c.api = api.NewServer(cfg.API.Addr, c, c.health)
	}
	if cfg.API.GRPCHealth != "" {
		c.grpcHealth = api.NewGRPCHealth(cfg.API.GRPCHealth, c.health)
	}
	return c, nil
}

func (c *Controller) peerOptions() transport.Options {
	logger := c.logger
	return transport.Options{
		ReorderTolerance: c.cfg.Protocol.ReorderTolerance,
		WriteTimeout:     c.cfg.Protocol.WriteTimeout.D(),
		Handler:          c.handle,
		OnProtocolError:  c.protocolError,
		Logger:           &logger,
	}
}

// accept negotiates on a connection a node opened
func (c *Controller) accept(p *transport.Peer) {
	p.Start()
	go func() {
		// The negotiator logs and closes the peer on failure
		_, _ = c.negotiator.Register(c.ctx, p)
	}()
}

// dial opens a connection for the reconnector
func (c *Controller) dial(ctx context.Context, address string) (*transport.Peer, error) {
	p, err := transport.Dial(ctx, transport.URL(address), c.peerOptions())
	if err != nil {
		return nil, err
	}
	p.Start()
	return p, nil
}

// handle answers the few requests a node may send on its own
func (c *Controller) handle(p *transport.Peer, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHeartbeat:
		_ = p.Reply(env, protocol.TypeHeartbeatAck, protocol.HeartbeatAck{ReplyTo: env.Seq, NodeID: c.cfg.ControllerID})
	default:
		_ = p.SendError(env.Seq, env.SessionID, protocol.CodeUnexpected, string(env.Type))
		c.countProtocolError(p, protocol.CodeUnexpected, "unexpected "+string(env.Type))
	}
}

func (c *Controller) protocolError(p *transport.Peer, err error) {
	c.countProtocolError(p, protocol.ErrorCode(err), err.Error())
}

// countProtocolError charges a rejected message to the node that sent it
func (c *Controller) countProtocolError(p *transport.Peer, code, detail string) {
	metrics.ProtocolErrorsTotal.WithLabelValues(code).Inc()

	id := p.NodeID()
	if id == "" {
		return
	}
	node, ok := c.registry.Lookup(id)
	if !ok {
		return
	}
	if current, ok := c.registry.Peer(id); !ok || current != p {
		return
	}
	state, terr := c.registry.Transition(id, registry.Event{
		Kind:   registry.EventProtocolError,
		Epoch:  node.Epoch,
		Detail: detail,
	})
	if terr != nil {
		return
	}
	c.logger.Debug().
		Str("node_id", id).
		Str("code", code).
		Str("state", string(state)).
		Msg("Protocol error counted")
}

// Listen binds the node listener and the operator endpoints. Any bind
// failure is fatal.
func (c *Controller) Listen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listening {
		return nil
	}

	if err := c.server.Listen(); err != nil {
		c.health.Update(metrics.ComponentListener, false, err.Error())
		return err
	}
	if c.api != nil {
		if err := c.api.Listen(); err != nil {
			return err
		}
	}
	if c.grpcHealth != nil {
		if err := c.grpcHealth.Listen(); err != nil {
			return err
		}
	}
	c.listening = true
	return nil
}

// Addr returns the address nodes connect to
func (c *Controller) Addr() string {
	return c.server.Addr()
}

// APIAddr returns the operator API address, or "" when the API is disabled
func (c *Controller) APIAddr() string {
	if c.api == nil {
		return ""
	}
	return c.api.Addr()
}

// Run starts every component and serves until ctx is cancelled or a
// listener fails. On return any active session has been failed with cause
// Shutdown and stopped on its nodes.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if err := c.Listen(); err != nil {
		if serr := c.shutdown(); serr != nil {
			err = multierror.Append(err, serr)
		}
		return err
	}

	c.orchestrator.Start()
	c.synchronizer.Start()
	c.monitor.Start()
	c.collector.Start()

	c.health.Update(metrics.ComponentListener, true, "")
	c.health.Update(metrics.ComponentSession, true, "")
	c.health.Update(metrics.ComponentSync, true, "")
	c.health.Update(metrics.ComponentHeartbeat, true, "")
	if c.api != nil {
		c.health.Update(metrics.ComponentAPI, true, "")
	}
	c.logger.Info().
		Str("controller_id", c.cfg.ControllerID).
		Str("listen", c.Addr()).
		Str("api", c.APIAddr()).
		Int("dialed_nodes", len(c.cfg.Nodes)).
		Msg("Controller started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.server.Serve(gctx)
	})
	g.Go(func() error {
		c.reconnector.Run(gctx)
		return nil
	})
	g.Go(func() error {
		c.fanOut(gctx)
		return nil
	})
	if c.api != nil {
		g.Go(func() error {
			return c.api.Serve(gctx)
		})
	}
	if c.grpcHealth != nil {
		g.Go(func() error {
			return c.grpcHealth.Serve(gctx)
		})
	}

	var result *multierror.Error
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (c *Controller) shutdown() error {
	c.logger.Info().Msg("Controller shutting down")
	c.health.Update(metrics.ComponentListener, false, "shutting down")

	// Orchestrator first so its STOP broadcast still has open connections
	c.orchestrator.Stop()
	c.monitor.Stop()
	c.synchronizer.Stop()
	c.collector.Stop()
	c.cancel()
	c.registry.Close()
	c.broker.Unsubscribe(c.sub)
	c.broker.Stop()

	if err := c.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

// fanOut delivers state changes to registered callbacks in publish order
func (c *Controller) fanOut(ctx context.Context) {
	for {
		select {
		case ev, ok := <-c.sub:
			if !ok {
				return
			}
			c.deliver(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) deliver(ev *events.Event) {
	c.mu.Lock()
	sessionHandlers := append([]func(types.Session){}, c.sessionHandlers...)
	nodeHandlers := append([]func(types.Node){}, c.nodeHandlers...)
	c.mu.Unlock()

	switch {
	case ev.Type == events.EventSessionStateChanged && ev.Session != nil:
		for _, h := range sessionHandlers {
			h(ev.Session.Clone())
		}
	case ev.Type == events.EventNodeStateChanged && ev.Node != nil:
		for _, h := range nodeHandlers {
			n := *ev.Node
			n.Capabilities = n.Capabilities.Clone()
			h(n)
		}
	}
}

// OnSessionStateChanged registers f for every session transition. Callbacks
// run on one goroutine in transition order and must not block.
func (c *Controller) OnSessionStateChanged(f func(types.Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionHandlers = append(c.sessionHandlers, f)
}

// OnNodeStateChanged registers f for every node state change
func (c *Controller) OnNodeStateChanged(f func(types.Node)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodeHandlers = append(c.nodeHandlers, f)
}

// RequestSession starts a session. An empty participant list selects every
// connected node that has the required capabilities.
func (c *Controller) RequestSession(ctx context.Context, participants []string) (string, error) {
	return c.orchestrator.RequestSession(ctx, participants)
}

// StopSession ends a recording session normally
func (c *Controller) StopSession(ctx context.Context, id string) error {
	return c.orchestrator.StopSession(ctx, id)
}

// CancelSession aborts a session
func (c *Controller) CancelSession(ctx context.Context, id string) error {
	return c.orchestrator.CancelSession(ctx, id)
}

// Session returns the current or an archived session
func (c *Controller) Session(ctx context.Context, id string) (types.Session, error) {
	return c.orchestrator.Get(ctx, id)
}

// Sessions returns the current session followed by the archive, newest first
func (c *Controller) Sessions(ctx context.Context) ([]types.Session, error) {
	return c.orchestrator.List(ctx)
}

// CurrentSession returns the session the orchestrator holds, if any
func (c *Controller) CurrentSession(ctx context.Context) (types.Session, bool, error) {
	return c.orchestrator.Current(ctx)
}

// Nodes returns every node record
func (c *Controller) Nodes() []types.Node {
	return c.registry.List()
}

// Node returns one node record
func (c *Controller) Node(id string) (types.Node, error) {
	n, ok := c.registry.Lookup(id)
	if !ok {
		return types.Node{}, fmt.Errorf("%s: %w", id, registry.ErrNodeNotFound)
	}
	return n, nil
}

// RetireNode closes the node's connection and refuses its id from now on
func (c *Controller) RetireNode(id string) error {
	_, err := c.registry.Transition(id, registry.Event{Kind: registry.EventRetire})
	return err
}

var _ api.Backend = (*Controller)(nil)
