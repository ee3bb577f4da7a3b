package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/log"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned for operations on a closed peer
	ErrClosed = errors.New("connection closed")
)

// RemoteError is an ERROR message received in answer to a request
type RemoteError struct {
	Code   string
	Detail string
}

func (e *RemoteError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("remote error %s", e.Code)
	}
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Detail)
}

// Conn is the subset of *websocket.Conn used by Peer
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Handler processes requests and unsolicited messages arriving on a peer.
// It runs on the read goroutine, so it must not block for long.
type Handler func(p *Peer, env protocol.Envelope)

// Options configures a Peer
type Options struct {
	ReorderTolerance uint64
	WriteTimeout     time.Duration
	Clock            clock.Clock
	Handler          Handler
	// OnProtocolError is called after an ERROR reply was sent for a rejected message
	OnProtocolError func(p *Peer, err error)
	Logger          *zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.ReorderTolerance == 0 {
		o.ReorderTolerance = protocol.DefaultReorderTolerance
	}
}

// Peer is one framed protocol connection. A single read goroutine decodes
// inbound envelopes, drops duplicates, answers protocol errors and routes
// replies to waiting requests.
type Peer struct {
	conn    Conn
	codec   protocol.Codec
	opts    Options
	seq     protocol.SeqCounter
	inbound *protocol.SeqTracker
	logger  zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan protocol.Envelope
	handler Handler
	nodeID  string

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewPeer wraps conn. Call Start to begin reading.
func NewPeer(conn Conn, opts Options) *Peer {
	opts.setDefaults()
	logger := log.WithComponent("transport")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if addr := conn.RemoteAddr(); addr != nil {
		logger = logger.With().Str("remote", addr.String()).Logger()
	}
	return &Peer{
		conn:    conn,
		opts:    opts,
		inbound: protocol.NewSeqTracker(opts.ReorderTolerance),
		logger:  logger,
		pending: make(map[uint64]chan protocol.Envelope),
		handler: opts.Handler,
		done:    make(chan struct{}),
	}
}

// Start launches the read goroutine
func (p *Peer) Start() {
	go p.readLoop()
}

// RemoteAddr returns the remote network address
func (p *Peer) RemoteAddr() string {
	if addr := p.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// SetNodeID tags log lines with the node id once the handshake completed
func (p *Peer) SetNodeID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodeID = id
	p.logger = p.logger.With().Str("node_id", id).Logger()
}

// NodeID returns the node id set after the handshake
func (p *Peer) NodeID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodeID
}

// SetHandler replaces the request handler
func (p *Peer) SetHandler(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// SeqHighWater returns the highest inbound sequence number accepted
func (p *Peer) SeqHighWater() uint64 {
	return p.inbound.HighWater()
}

// Done is closed once the connection is closed
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Closed reports whether the connection is closed
func (p *Peer) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err returns the error that closed the connection
func (p *Peer) Err() error {
	select {
	case <-p.done:
		return p.closeErr
	default:
		return nil
	}
}

// Close closes the connection and fails all pending requests
func (p *Peer) Close() error {
	p.closeWith(ErrClosed)
	return nil
}

func (p *Peer) closeWith(err error) {
	p.closeOnce.Do(func() {
		p.closeErr = err
		close(p.done)
		_ = p.conn.Close()

		p.mu.Lock()
		p.pending = make(map[uint64]chan protocol.Envelope)
		p.mu.Unlock()
	})
}

// Send assigns a sequence number and timestamp and writes env
func (p *Peer) Send(env protocol.Envelope) (uint64, error) {
	return p.writeNext(env, nil)
}

// Request sends env and waits for the reply carrying its sequence number.
// An ERROR reply is returned as *RemoteError.
func (p *Peer) Request(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
	replyCh := make(chan protocol.Envelope, 1)
	seq, err := p.writeNext(env, func(seq uint64) {
		p.mu.Lock()
		p.pending[seq] = replyCh
		p.mu.Unlock()
	})
	if seq != 0 {
		defer p.forget(seq)
	}
	if err != nil {
		return protocol.Envelope{}, err
	}

	select {
	case reply := <-replyCh:
		if reply.Type == protocol.TypeError {
			var perr protocol.ErrorPayload
			if err := reply.DecodePayload(&perr); err != nil {
				return reply, err
			}
			return reply, &RemoteError{Code: perr.Code, Detail: perr.Detail}
		}
		return reply, nil
	case <-ctx.Done():
		return protocol.Envelope{}, fmt.Errorf("%s seq %d: %w", env.Type, seq, ctx.Err())
	case <-p.done:
		return protocol.Envelope{}, fmt.Errorf("%s seq %d: %w", env.Type, seq, p.closeErr)
	}
}

// writeNext numbers and writes env under the write lock so sequence numbers
// hit the wire in increasing order. register runs before the frame is
// written, so a reply can never arrive ahead of its pending entry.
func (p *Peer) writeNext(env protocol.Envelope, register func(seq uint64)) (uint64, error) {
	if p.Closed() {
		return 0, ErrClosed
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	env.Seq = p.seq.Next()
	env.TS = p.opts.Clock.Now().UnixMilli()
	data, err := p.codec.Encode(env)
	if err != nil {
		return 0, err
	}
	if register != nil {
		register(env.Seq)
	}

	if err := p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout)); err != nil {
		return env.Seq, fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		p.closeWith(fmt.Errorf("write failed: %w", err))
		return env.Seq, fmt.Errorf("failed to write %s: %w", env.Type, err)
	}
	return env.Seq, nil
}

func (p *Peer) log() *zerolog.Logger {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.logger
	return &l
}

func (p *Peer) forget(seq uint64) {
	p.mu.Lock()
	delete(p.pending, seq)
	p.mu.Unlock()
}

// Reply answers req with a message of type t
func (p *Peer) Reply(req protocol.Envelope, t protocol.MessageType, payload interface{}) error {
	env, err := protocol.NewEnvelope(t, req.SessionID, payload)
	if err != nil {
		return err
	}
	_, err = p.Send(env)
	return err
}

// SendError sends an ERROR message referring to seq
func (p *Peer) SendError(replyTo uint64, sessionID, code, detail string) error {
	env, err := protocol.NewEnvelope(protocol.TypeError, sessionID, protocol.ErrorPayload{
		ReplyTo: replyTo,
		Code:    code,
		Detail:  detail,
	})
	if err != nil {
		return err
	}
	_, err = p.Send(env)
	return err
}

func (p *Peer) readLoop() {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.closeWith(fmt.Errorf("read failed: %w", err))
			return
		}
		p.handleFrame(data)
	}
}

func (p *Peer) handleFrame(data []byte) {
	env, err := p.codec.Decode(data)
	if err != nil {
		p.rejectFrame(env, err)
		return
	}

	if err := p.inbound.Observe(env.Seq); err != nil {
		if errors.Is(err, protocol.ErrDuplicate) {
			p.log().Debug().Uint64("seq", env.Seq).Str("type", string(env.Type)).Msg("Dropping duplicate message")
			return
		}
		p.rejectFrame(env, err)
		return
	}

	if env.Type.IsReply() {
		if replyTo := env.ReplyTo(); replyTo != 0 {
			p.mu.Lock()
			ch, ok := p.pending[replyTo]
			delete(p.pending, replyTo)
			p.mu.Unlock()

			if ok {
				ch <- env
				return
			}
			p.log().Debug().
				Uint64("seq", env.Seq).
				Uint64("reply_to", replyTo).
				Str("type", string(env.Type)).
				Msg("Dropping reply with no waiting request")
			return
		}
	}

	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		p.log().Warn().Uint64("seq", env.Seq).Str("type", string(env.Type)).Msg("No handler for message")
		_ = p.SendError(env.Seq, env.SessionID, protocol.CodeUnexpected, string(env.Type))
		return
	}
	h(p, env)
}

func (p *Peer) rejectFrame(env protocol.Envelope, err error) {
	p.log().Warn().
		Err(err).
		Uint64("seq", env.Seq).
		Str("type", string(env.Type)).
		Msg("Rejected inbound message")

	if sendErr := p.SendError(env.Seq, env.SessionID, protocol.ErrorCode(err), err.Error()); sendErr != nil {
		p.log().Debug().Err(sendErr).Msg("Failed to send error reply")
	}
	if p.opts.OnProtocolError != nil {
		p.opts.OnProtocolError(p, err)
	}
}
