package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/events"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/log"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/transport"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/types"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidNodeID = errors.New("node id is empty")
	ErrDuplicateNode = errors.New("node id is held by another live connection")
	ErrRetired       = errors.New("node is retired")
	ErrNodeNotFound  = errors.New("node not found")
	ErrStaleEpoch    = errors.New("event belongs to a previous connection")
	ErrNotLive       = errors.New("node is not connected")
)

// Store persists node records. storage.BoltStore implements it.
type Store interface {
	SaveNode(node *types.Node) error
}

// Registration is a node that completed the handshake
type Registration struct {
	NodeID          string
	ProtocolVersion string
	Capabilities    types.Capabilities
	DialAddress     string
	Peer            *transport.Peer
}

// Options configures the registry thresholds
type Options struct {
	DegradeThreshold   int // Consecutive missed heartbeats before degraded
	LostThreshold      int // Further misses before lost
	ProtocolErrorLimit int // Consecutive protocol errors before degraded
	Clock              clock.Clock
	Store              Store
}

func (o *Options) setDefaults() {
	if o.DegradeThreshold <= 0 {
		o.DegradeThreshold = 3
	}
	if o.LostThreshold <= 0 {
		o.LostThreshold = 3
	}
	if o.ProtocolErrorLimit <= 0 {
		o.ProtocolErrorLimit = 5
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

type entry struct {
	node types.Node
	peer *transport.Peer
}

// Registry is the single owner of node records. All mutation goes through
// Register and Transition; readers receive value snapshots.
type Registry struct {
	mu     sync.Mutex
	nodes  map[string]*entry
	opts   Options
	broker *events.Broker
	logger zerolog.Logger
}

// New creates an empty registry publishing to broker (which may be nil)
func New(broker *events.Broker, opts Options) *Registry {
	opts.setDefaults()
	return &Registry{
		nodes:  make(map[string]*entry),
		opts:   opts,
		broker: broker,
		logger: log.WithComponent("registry"),
	}
}

// Restore loads persisted node records. Retired ids stay retired; every
// other record is restored as lost until the node handshakes again.
func (r *Registry) Restore(nodes []*types.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, n := range nodes {
		node := cloneNode(*n)
		if node.State != types.NodeStateRetired {
			node.State = types.NodeStateLost
			node.Clock = types.ClockEstimate{}
		}
		r.nodes[node.ID] = &entry{node: node}
	}
}

// Register admits a node after a successful handshake and returns its id.
// A known id re-registering after its previous connection degraded, was
// lost or closed reuses the record, increments Epoch and resets clock trust.
func (r *Registry) Register(reg Registration) (string, error) {
	if reg.NodeID == "" {
		return "", ErrInvalidNodeID
	}

	r.mu.Lock()
	now := r.opts.Clock.Now()
	e, exists := r.nodes[reg.NodeID]
	cause := types.CauseHandshake
	var old *transport.Peer

	if exists {
		switch {
		case e.node.State == types.NodeStateRetired:
			r.mu.Unlock()
			return "", fmt.Errorf("%s: %w", reg.NodeID, ErrRetired)
		case e.node.State == types.NodeStateConnected && e.peer != nil && e.peer != reg.Peer && !e.peer.Closed():
			r.mu.Unlock()
			return "", fmt.Errorf("%s: %w", reg.NodeID, ErrDuplicateNode)
		}
		old = e.peer
		cause = types.CauseReconnected
	} else {
		e = &entry{node: types.Node{ID: reg.NodeID, CreatedAt: now}}
		r.nodes[reg.NodeID] = e
	}

	n := &e.node
	n.ProtocolVersion = reg.ProtocolVersion
	n.Capabilities = reg.Capabilities.Clone()
	if reg.DialAddress != "" {
		n.DialAddress = reg.DialAddress
	}
	if reg.Peer != nil {
		n.Address = reg.Peer.RemoteAddr()
	}
	n.State = types.NodeStateConnected
	n.Clock = types.ClockEstimate{}
	n.MissedHeartbeats = 0
	n.ProtocolErrors = 0
	n.SeqHighWater = 0
	n.Epoch++
	n.LastHeartbeat = now
	n.ConnectedAt = now
	n.UpdatedAt = now
	e.peer = reg.Peer

	snapshot := cloneNode(*n)
	epoch := n.Epoch
	r.mu.Unlock()

	if old != nil && old != reg.Peer {
		_ = old.Close()
	}
	if reg.Peer != nil {
		go r.watch(reg.NodeID, epoch, reg.Peer)
	}
	r.persist(&snapshot)

	r.logger.Info().
		Str("node_id", snapshot.ID).
		Uint64("epoch", epoch).
		Strs("capabilities", snapshot.Capabilities.Tags()).
		Str("cause", string(cause)).
		Msg("Node connected")

	r.publish(&events.Event{Type: events.EventNodeConnected, NodeID: snapshot.ID, Cause: cause, Node: &snapshot})
	r.publishState(snapshot, cause, "")
	return snapshot.ID, nil
}

// watch marks the node lost once the connection of this epoch closes
func (r *Registry) watch(id string, epoch uint64, peer *transport.Peer) {
	<-peer.Done()
	detail := ""
	if err := peer.Err(); err != nil {
		detail = err.Error()
	}
	_, err := r.Transition(id, Event{Kind: EventDisconnected, Epoch: epoch, Detail: detail})
	if err != nil && !errors.Is(err, ErrStaleEpoch) && !errors.Is(err, ErrRetired) {
		r.logger.Debug().Err(err).Str("node_id", id).Msg("Disconnect transition skipped")
	}
}

// Transition applies ev to node id and returns the resulting state
func (r *Registry) Transition(id string, ev Event) (types.NodeState, error) {
	r.mu.Lock()
	e, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%s: %w", id, ErrNodeNotFound)
	}
	n := &e.node
	if n.State == types.NodeStateRetired {
		r.mu.Unlock()
		if ev.Kind == EventRetire {
			return types.NodeStateRetired, nil
		}
		return types.NodeStateRetired, fmt.Errorf("%s: %w", id, ErrRetired)
	}
	if ev.Epoch != 0 && ev.Epoch != n.Epoch {
		state := n.State
		r.mu.Unlock()
		return state, fmt.Errorf("%s epoch %d (current %d): %w", id, ev.Epoch, n.Epoch, ErrStaleEpoch)
	}

	at := ev.At
	if at.IsZero() {
		at = r.opts.Clock.Now()
	}

	prev := n.State
	prevClock := n.Clock
	cause := types.CauseNone
	var closePeer *transport.Peer

	switch ev.Kind {
	case EventHeartbeatAck:
		n.MissedHeartbeats = 0
		n.ProtocolErrors = 0
		n.LastHeartbeat = at
		if n.State == types.NodeStateDegraded {
			n.State = types.NodeStateConnected
			cause = types.CauseHeartbeatOK
		}

	case EventHeartbeatMissed:
		if !n.State.Live() {
			break
		}
		n.MissedHeartbeats++
		switch {
		case n.MissedHeartbeats >= r.opts.DegradeThreshold+r.opts.LostThreshold:
			r.lose(e)
			closePeer = e.peer
			e.peer = nil
			cause = types.CauseHeartbeatMissed
		case n.MissedHeartbeats >= r.opts.DegradeThreshold && n.State == types.NodeStateConnected:
			n.State = types.NodeStateDegraded
			cause = types.CauseHeartbeatMissed
		}

	case EventProtocolError:
		n.ProtocolErrors++
		if n.ProtocolErrors >= r.opts.ProtocolErrorLimit && n.State == types.NodeStateConnected {
			n.State = types.NodeStateDegraded
			cause = types.CauseProtocolError
		}

	case EventDisconnected:
		if n.State.Live() {
			r.lose(e)
			e.peer = nil
			cause = types.CauseDisconnected
		}

	case EventLost:
		if n.State != types.NodeStateLost {
			r.lose(e)
			closePeer = e.peer
			e.peer = nil
			cause = types.CauseHeartbeatMissed
		}

	case EventSyncSample:
		if !n.State.Live() {
			state := n.State
			r.mu.Unlock()
			return state, fmt.Errorf("%s is %s: %w", id, state, ErrNotLive)
		}
		n.Clock = ev.Clock
		n.Clock.UpdatedAt = at

	case EventSeq:
		n.SeqHighWater = ev.Seq

	case EventRetire:
		n.State = types.NodeStateRetired
		n.Clock = types.ClockEstimate{}
		closePeer = e.peer
		e.peer = nil
		cause = types.CauseRetired

	default:
		r.mu.Unlock()
		return prev, fmt.Errorf("unknown registry event %q", ev.Kind)
	}

	n.UpdatedAt = at
	snapshot := cloneNode(*n)
	r.mu.Unlock()

	if closePeer != nil {
		_ = closePeer.Close()
	}

	if snapshot.State != prev {
		r.logger.Info().
			Str("node_id", id).
			Str("from", string(prev)).
			Str("to", string(snapshot.State)).
			Str("cause", string(cause)).
			Msg("Node state changed")

		if snapshot.State == types.NodeStateRetired || snapshot.State == types.NodeStateLost {
			r.persist(&snapshot)
		}
		if snapshot.State == types.NodeStateRetired {
			r.publish(&events.Event{Type: events.EventNodeRetired, NodeID: id, Cause: cause, Node: &snapshot})
		}
		r.publishState(snapshot, cause, ev.Detail)
	}

	if syncChanged(prevClock, snapshot.Clock) {
		syncCause := types.CauseNone
		if snapshot.Clock.SyncUnreliable {
			syncCause = types.CauseSyncUnreliable
		}
		r.publish(&events.Event{Type: events.EventNodeSyncChanged, NodeID: id, Cause: syncCause, Node: &snapshot})
	}

	return snapshot.State, nil
}

// lose marks the node lost and discards its clock estimate. Caller holds r.mu.
func (r *Registry) lose(e *entry) {
	e.node.State = types.NodeStateLost
	e.node.Clock = types.ClockEstimate{}
}

func syncChanged(prev, cur types.ClockEstimate) bool {
	return prev.Converged != cur.Converged || prev.SyncUnreliable != cur.SyncUnreliable
}

// Lookup returns a snapshot of node id
func (r *Registry) Lookup(id string) (types.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[id]
	if !ok {
		return types.Node{}, false
	}
	return cloneNode(e.node), true
}

// List returns snapshots of every known node sorted by id
func (r *Registry) List() []types.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodes := make([]types.Node, 0, len(r.nodes))
	for _, e := range r.nodes {
		nodes = append(nodes, cloneNode(e.node))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// ListConnected returns the sorted ids of nodes in state connected
func (r *Registry) ListConnected() []string {
	return r.ids(func(n *types.Node) bool { return n.State == types.NodeStateConnected })
}

// ListLive returns the sorted ids of connected and degraded nodes
func (r *Registry) ListLive() []string {
	return r.ids(func(n *types.Node) bool { return n.State.Live() })
}

func (r *Registry) ids(match func(n *types.Node) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, e := range r.nodes {
		if match(&e.node) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Peer returns the open connection of a live node
func (r *Registry) Peer(id string) (*transport.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[id]
	if !ok || e.peer == nil || !e.node.State.Live() || e.peer.Closed() {
		return nil, false
	}
	return e.peer, true
}

// Close closes every open connection. Node records are kept.
func (r *Registry) Close() {
	r.mu.Lock()
	var peers []*transport.Peer
	for _, e := range r.nodes {
		if e.peer != nil {
			peers = append(peers, e.peer)
		}
	}
	r.mu.Unlock()

	for _, p := range peers {
		_ = p.Close()
	}
}

func (r *Registry) persist(n *types.Node) {
	if r.opts.Store == nil {
		return
	}
	if err := r.opts.Store.SaveNode(n); err != nil {
		r.logger.Error().Err(err).Str("node_id", n.ID).Msg("Failed to persist node")
	}
}

func (r *Registry) publishState(n types.Node, cause types.Cause, detail string) {
	r.publish(&events.Event{
		Type:    events.EventNodeStateChanged,
		NodeID:  n.ID,
		Cause:   cause,
		Message: detail,
		Node:    &n,
	})
}

func (r *Registry) publish(ev *events.Event) {
	if r.broker != nil {
		r.broker.Publish(ev)
	}
}

func cloneNode(n types.Node) types.Node {
	n.Capabilities = n.Capabilities.Clone()
	return n
}
