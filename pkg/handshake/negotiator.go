package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/log"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/metrics"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/protocol"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/transport"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/types"
	"github.com/rs/zerolog"
)

var (
	ErrTimeout      = errors.New("handshake timed out")
	ErrBadReply     = errors.New("malformed CAPABILITIES reply")
	ErrIncompatible = errors.New("incompatible protocol version")
)

// DefaultTimeout bounds the HELLO/CAPABILITIES exchange
const DefaultTimeout = 5 * time.Second

// Options configures the negotiator
type Options struct {
	ControllerID      string
	Timeout           time.Duration
	HeartbeatInterval time.Duration // Advertised to nodes in HELLO
}

// Negotiator runs the HELLO/CAPABILITIES exchange on new connections and
// admits successful nodes to the registry
type Negotiator struct {
	registry *registry.Registry
	opts     Options
	logger   zerolog.Logger
}

// New creates a negotiator
func New(reg *registry.Registry, opts Options) *Negotiator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Negotiator{
		registry: reg,
		opts:     opts,
		logger:   log.WithComponent("handshake"),
	}
}

// Register negotiates on a started peer that dialed in. On any failure the
// connection is closed and no node record is created or touched.
func (n *Negotiator) Register(ctx context.Context, peer *transport.Peer) (string, error) {
	return n.register(ctx, peer, "")
}

// RegisterDialed negotiates on a connection the controller opened to
// dialAddress, so the node can be redialed after it is lost
func (n *Negotiator) RegisterDialed(ctx context.Context, peer *transport.Peer, dialAddress string) (string, error) {
	return n.register(ctx, peer, dialAddress)
}

func (n *Negotiator) register(ctx context.Context, peer *transport.Peer, dialAddress string) (string, error) {
	logger := n.logger.With().Str("remote", peer.RemoteAddr()).Logger()

	caps, err := n.exchange(ctx, peer)
	if err != nil {
		metrics.HandshakesTotal.WithLabelValues("failed").Inc()
		logger.Warn().Err(err).Msg("Handshake failed")
		_ = peer.Close()
		return "", err
	}

	id, err := n.registry.Register(registry.Registration{
		NodeID:          caps.NodeID,
		ProtocolVersion: caps.ProtocolVersion,
		Capabilities:    types.NewCapabilities(append(caps.Modalities, caps.Features...)...),
		DialAddress:     dialAddress,
		Peer:            peer,
	})
	if err != nil {
		code := protocol.CodeMalformed
		switch {
		case errors.Is(err, registry.ErrDuplicateNode):
			code = protocol.CodeDuplicateNodeID
		case errors.Is(err, registry.ErrRetired):
			code = protocol.CodeNodeRetired
		}
		metrics.HandshakesTotal.WithLabelValues("rejected").Inc()
		_ = peer.SendError(0, "", code, err.Error())
		_ = peer.Close()
		logger.Warn().Err(err).Str("node_id", caps.NodeID).Str("code", code).Msg("Node rejected")
		return "", err
	}

	metrics.HandshakesTotal.WithLabelValues("ok").Inc()
	peer.SetNodeID(id)
	return id, nil
}

func (n *Negotiator) exchange(ctx context.Context, peer *transport.Peer) (protocol.Capabilities, error) {
	var caps protocol.Capabilities

	hello, err := protocol.NewEnvelope(protocol.TypeHello, "", protocol.Hello{
		ControllerID:      n.opts.ControllerID,
		ProtocolVersion:   protocol.Version,
		HeartbeatInterval: n.opts.HeartbeatInterval.Milliseconds(),
	})
	if err != nil {
		return caps, err
	}

	ctx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
	defer cancel()

	reply, err := peer.Request(ctx, hello)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return caps, fmt.Errorf("%w after %s", ErrTimeout, n.opts.Timeout)
		}
		return caps, fmt.Errorf("HELLO failed: %w", err)
	}
	if reply.Type != protocol.TypeCapabilities {
		return caps, fmt.Errorf("%w: got %s", ErrBadReply, reply.Type)
	}
	if err := reply.DecodePayload(&caps); err != nil {
		return caps, fmt.Errorf("%w: %v", ErrBadReply, err)
	}
	if caps.NodeID == "" {
		return caps, fmt.Errorf("%w: empty node_id", ErrBadReply)
	}
	if !protocol.Compatible(caps.ProtocolVersion) {
		_ = peer.SendError(reply.Seq, "", protocol.CodeVersion, caps.ProtocolVersion)
		return caps, fmt.Errorf("%w: node speaks %q, controller %s", ErrIncompatible, caps.ProtocolVersion, protocol.Version)
	}
	return caps, nil
}
