package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/log"
	"github.com/gorilla/websocket"
)

// DefaultPath is the HTTP path nodes connect to
const DefaultPath = "/v1/connect"

// AcceptFunc receives every upgraded connection. The peer is not started;
// the callee owns it from here.
type AcceptFunc func(p *Peer)

// UpgradeHandler upgrades HTTP requests to protocol peers
type UpgradeHandler struct {
	upgrader websocket.Upgrader
	opts     Options
	accept   AcceptFunc
}

// NewHandler creates an upgrade handler that hands peers to accept
func NewHandler(opts Options, accept AcceptFunc) *UpgradeHandler {
	return &UpgradeHandler{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 5 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			// Nodes are not browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		opts:   opts,
		accept: accept,
	}
}

// ServeHTTP implements http.Handler
func (h *UpgradeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger := log.WithComponent("transport")
		logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	h.accept(NewPeer(conn, h.opts))
}

// Server listens for inbound node connections
type Server struct {
	addr    string
	handler http.Handler
	srv     *http.Server
	ln      net.Listener
}

// NewServer creates a listener serving handler at DefaultPath
func NewServer(addr string, handler http.Handler) *Server {
	mux := http.NewServeMux()
	mux.Handle(DefaultPath, handler)
	return &Server{
		addr:    addr,
		handler: mux,
	}
}

// Listen binds the listen address. A bind failure is fatal for the controller.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// Addr returns the bound address, useful when listening on port 0
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Serve accepts connections until ctx is cancelled
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(s.ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Dial opens a protocol connection to url (ws://host:port/path). The peer
// is returned unstarted.
func Dial(ctx context.Context, url string, opts Options) (*Peer, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewPeer(conn, opts), nil
}

// URL builds the connect URL for a host:port address
func URL(addr string) string {
	return "ws://" + addr + DefaultPath
}
