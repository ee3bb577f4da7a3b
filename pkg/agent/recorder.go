package agent

import (
	"context"
	"sync"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/log"
	"github.com/rs/zerolog"
)

// LogRecorder is a Recorder that captures nothing. It logs and remembers
// when each session started and stopped.
type LogRecorder struct {
	logger zerolog.Logger

	mu     sync.Mutex
	starts map[string]time.Time
	stops  map[string]time.Time
}

// NewLogRecorder creates a LogRecorder
func NewLogRecorder(nodeID string) *LogRecorder {
	return &LogRecorder{
		logger: log.WithNodeID(nodeID).With().Str("component", "recorder").Logger(),
		starts: make(map[string]time.Time),
		stops:  make(map[string]time.Time),
	}
}

func (r *LogRecorder) Start(ctx context.Context, sessionID string, at time.Time) error {
	r.mu.Lock()
	r.starts[sessionID] = at
	r.mu.Unlock()
	r.logger.Info().Str("session_id", sessionID).Time("local_time", at).Msg("Recording started")
	return nil
}

func (r *LogRecorder) Stop(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	r.stops[sessionID] = time.Now()
	r.mu.Unlock()
	r.logger.Info().Str("session_id", sessionID).Msg("Recording stopped")
	return nil
}

// Started returns the local time capture began for sessionID
func (r *LogRecorder) Started(sessionID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.starts[sessionID]
	return at, ok
}

// Stopped reports whether capture for sessionID was stopped
func (r *LogRecorder) Stopped(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.stops[sessionID]
	return ok
}
