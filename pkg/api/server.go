package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/log"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/metrics"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/session"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/types"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Backend is the controller surface the API exposes.
// controller.Controller implements it.
type Backend interface {
	Nodes() []types.Node
	Node(id string) (types.Node, error)
	RetireNode(id string) error

	RequestSession(ctx context.Context, participants []string) (string, error)
	StopSession(ctx context.Context, id string) error
	CancelSession(ctx context.Context, id string) error
	Session(ctx context.Context, id string) (types.Session, error)
	Sessions(ctx context.Context) ([]types.Session, error)
	CurrentSession(ctx context.Context) (types.Session, bool, error)
}

// Server serves the operator HTTP API, health endpoints and metrics
type Server struct {
	addr    string
	backend Backend
	health  *metrics.HealthChecker
	router  *mux.Router
	srv     *http.Server
	ln      net.Listener
	logger  zerolog.Logger
}

// NewServer creates an API server. health may be nil, in which case
// /health and /ready are not served.
func NewServer(addr string, backend Backend, health *metrics.HealthChecker) *Server {
	s := &Server{
		addr:    addr,
		backend: backend,
		health:  health,
		router:  mux.NewRouter(),
		logger:  log.WithComponent("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.instrument)

	if s.health != nil {
		r.Handle("/health", s.health.HealthHandler()).Methods(http.MethodGet)
		r.Handle("/ready", s.health.ReadyHandler()).Methods(http.MethodGet)
	}
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/nodes", s.listNodes).Methods(http.MethodGet)
	v1.HandleFunc("/nodes/{id}", s.getNode).Methods(http.MethodGet)
	v1.HandleFunc("/nodes/{id}/retire", s.retireNode).Methods(http.MethodPost)

	v1.HandleFunc("/sessions", s.startSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions", s.listSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/current", s.currentSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", s.getSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/stop", s.stopSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/cancel", s.cancelSession).Methods(http.MethodPost)
}

// Handler returns the router for embedding in other servers and tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds the API address
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind API address %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return nil
}

// Addr returns the bound address
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Serve handles requests until ctx is cancelled
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info().Str("addr", s.Addr()).Msg("Operator API listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(s.ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency per route template
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
	})
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.backend.Nodes()
	views := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, NodeToView(n))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.backend.Node(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NodeToView(n))
}

func (s *Server) retireNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.backend.RetireNode(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.backend.Node(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NodeToView(n))
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "BadRequest"})
			return
		}
	}
	id, err := s.backend.RequestSession(r.Context(), req.Participants)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartSessionResponse{ID: id})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.backend.Sessions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, SessionToView(sess))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) currentSession(w http.ResponseWriter, r *http.Request) {
	sess, ok, err := s.backend.CurrentSession(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no session", Code: "NotFound"})
		return
	}
	writeJSON(w, http.StatusOK, SessionToView(sess))
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.backend.Session(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionToView(sess))
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	s.endSession(w, r, s.backend.StopSession)
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	s.endSession(w, r, s.backend.CancelSession)
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request, end func(context.Context, string) error) {
	id := mux.Vars(r)["id"]
	if err := end(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.backend.Session(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SessionToView(sess))
}

// writeError maps controller errors onto HTTP status codes
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, name := http.StatusInternalServerError, "Internal"
	switch {
	case errors.Is(err, session.ErrSessionBusy):
		code, name = http.StatusConflict, "SessionBusy"
	case errors.Is(err, session.ErrSessionFinished):
		code, name = http.StatusConflict, "SessionFinished"
	case errors.Is(err, registry.ErrRetired):
		code, name = http.StatusConflict, "NodeRetired"
	case errors.Is(err, session.ErrSessionNotFound):
		code, name = http.StatusNotFound, "SessionNotFound"
	case errors.Is(err, registry.ErrNodeNotFound):
		code, name = http.StatusNotFound, "NodeNotFound"
	case errors.Is(err, session.ErrNoParticipants):
		code, name = http.StatusUnprocessableEntity, "NoParticipants"
	case errors.Is(err, session.ErrStopped), errors.Is(err, context.Canceled):
		code, name = http.StatusServiceUnavailable, "Unavailable"
	}
	if code == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error(), Code: name})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
