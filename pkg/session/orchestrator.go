package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/dispatch"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/events"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/log"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/metrics"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/registry"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/storage"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrSessionBusy     = errors.New("session busy")
	ErrNoParticipants  = errors.New("no eligible participants")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionFinished = errors.New("session already finished")
	ErrStopped         = errors.New("orchestrator stopped")
)

// Dispatcher delivers session commands. dispatch.Dispatcher implements it.
type Dispatcher interface {
	Send(ctx context.Context, cmd dispatch.Command) dispatch.Result
	Broadcast(ctx context.Context, cmds []dispatch.Command) <-chan dispatch.Result
}

// Archive stores finished sessions. storage.BoltStore implements it.
type Archive interface {
	SaveSession(session *types.Session) error
	GetSession(id string) (*types.Session, error)
	ListSessions() ([]*types.Session, error)
}

// Options tunes the orchestrator
type Options struct {
	Quorum               float64 // Fraction of participants, (0, 1]
	PrepareTimeout       time.Duration
	StopTimeout          time.Duration
	LeadTime             time.Duration // Fixed lead; zero derives it from round-trips
	MinLeadTime          time.Duration
	LeadFactor           float64
	MaxDuration          time.Duration // Zero disables the automatic stop
	RequiredCapabilities []string
	PollInterval         time.Duration // Readiness polling and quorum re-checks
	Clock                clock.Clock
	Archive              Archive
}

func (o *Options) setDefaults() {
	if o.Quorum <= 0 || o.Quorum > 1 {
		o.Quorum = 1
	}
	if o.PrepareTimeout <= 0 {
		o.PrepareTimeout = 10 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	if o.MinLeadTime <= 0 {
		o.MinLeadTime = time.Second
	}
	if o.LeadFactor < 1 {
		o.LeadFactor = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// run is the orchestrator's private state for one session. Only the owner
// goroutine touches it.
type run struct {
	session   *types.Session
	ctx       context.Context // Cancelled when the session ends; aborts drivers
	cancel    context.CancelFunc
	epochs    map[string]uint64 // Connection epoch each START was pinned to
	armedAt   time.Time
	stopCause types.Cause
	maxTimer  *clock.Timer
	logger    zerolog.Logger
}

func (r *run) stopMaxTimer() {
	if r.maxTimer != nil {
		r.maxTimer.Stop()
		r.maxTimer = nil
	}
}

// Orchestrator drives recording sessions through
// idle → preparing → armed → recording → stopping → completed, with failed
// reachable from every non-terminal state.
//
// All state changes run on one owner goroutine. Public calls and driver
// goroutines hand it closures through cmds, so transitions apply in arrival
// order and never interleave.
type Orchestrator struct {
	registry   *registry.Registry
	dispatcher Dispatcher
	broker     *events.Broker
	opts       Options
	logger     zerolog.Logger

	cmds     chan func()
	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	drivers  sync.WaitGroup

	// Owned by the run loop
	cur *run
}

// New creates an orchestrator
func New(reg *registry.Registry, d Dispatcher, broker *events.Broker, opts Options) *Orchestrator {
	opts.setDefaults()
	return &Orchestrator{
		registry:   reg,
		dispatcher: d,
		broker:     broker,
		opts:       opts,
		logger:     log.WithComponent("session"),
		cmds:       make(chan func()),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the owner goroutine
func (o *Orchestrator) Start() {
	if o.started.CompareAndSwap(false, true) {
		go o.loop()
	}
}

// Stop fails any active session with cause Shutdown, waits for its
// best-effort STOP broadcast and exits the owner goroutine
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
	})
	if o.started.Load() {
		<-o.done
	}
}

func (o *Orchestrator) loop() {
	defer close(o.done)

	sub := o.broker.Subscribe()
	defer o.broker.Unsubscribe(sub)

	ticker := o.opts.Clock.Ticker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-o.cmds:
			f()
		case ev, ok := <-sub:
			if !ok {
				sub = nil
				continue
			}
			if ev.Type == events.EventNodeStateChanged {
				o.checkQuorum()
			}
		case <-ticker.C:
			o.checkQuorum()
		case <-o.stopCh:
			if r := o.cur; r != nil && !r.session.Terminal() {
				o.fail(r, types.CauseShutdown, "controller shutting down")
			}
			o.drivers.Wait()
			return
		}
	}
}

// do runs f on the owner goroutine and waits for it
func (o *Orchestrator) do(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	select {
	case o.cmds <- func() { f(); close(finished) }:
	case <-o.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// post hands f to the owner goroutine without waiting for it to run.
// Dropped once the orchestrator stops.
func (o *Orchestrator) post(f func()) {
	select {
	case o.cmds <- f:
	case <-o.stopCh:
	}
}

func (o *Orchestrator) goDriver(f func()) {
	o.drivers.Add(1)
	go func() {
		defer o.drivers.Done()
		f()
	}()
}

// RequestSession starts a session with the given participants, or with every
// connected eligible node when participants is empty. It returns
// ErrSessionBusy while another session is not terminal.
func (o *Orchestrator) RequestSession(ctx context.Context, participants []string) (string, error) {
	var id string
	var err error
	if derr := o.do(ctx, func() { id, err = o.request(participants) }); derr != nil {
		return "", derr
	}
	return id, err
}

// StopSession ends a recording session. Before recording it cancels.
func (o *Orchestrator) StopSession(ctx context.Context, id string) error {
	var err error
	if derr := o.do(ctx, func() { err = o.end(id, types.CauseStopRequested) }); derr != nil {
		return derr
	}
	return err
}

// CancelSession fails a preparing or armed session immediately; a recording
// session is stopped as if StopSession was called
func (o *Orchestrator) CancelSession(ctx context.Context, id string) error {
	var err error
	if derr := o.do(ctx, func() { err = o.end(id, types.CauseCancelled) }); derr != nil {
		return derr
	}
	return err
}

// Current returns a snapshot of the most recent session, terminal or not
func (o *Orchestrator) Current(ctx context.Context) (types.Session, bool, error) {
	var snap types.Session
	var ok bool
	err := o.do(ctx, func() {
		if o.cur != nil {
			snap, ok = o.cur.session.Clone(), true
		}
	})
	return snap, ok, err
}

// Get returns the session with id, active or archived
func (o *Orchestrator) Get(ctx context.Context, id string) (types.Session, error) {
	var snap types.Session
	found := false
	if err := o.do(ctx, func() {
		if o.cur != nil && o.cur.session.ID == id {
			snap, found = o.cur.session.Clone(), true
		}
	}); err != nil {
		return types.Session{}, err
	}
	if found {
		return snap, nil
	}

	if o.opts.Archive == nil {
		return types.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s, err := o.opts.Archive.GetSession(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return types.Session{}, err
	}
	return *s, nil
}

// List returns the active session, if any, followed by archived ones
// newest first
func (o *Orchestrator) List(ctx context.Context) ([]types.Session, error) {
	var out []types.Session
	if err := o.do(ctx, func() {
		// Without an archive only the latest session is remembered
		if o.cur != nil && (!o.cur.session.Terminal() || o.opts.Archive == nil) {
			out = append(out, o.cur.session.Clone())
		}
	}); err != nil {
		return nil, err
	}
	if o.opts.Archive == nil {
		return out, nil
	}
	archived, err := o.opts.Archive.ListSessions()
	if err != nil {
		return out, err
	}
	for _, s := range archived {
		out = append(out, *s)
	}
	return out, nil
}

func (o *Orchestrator) request(participants []string) (string, error) {
	if r := o.cur; r != nil && !r.session.Terminal() {
		return "", fmt.Errorf("%w: %s is %s", ErrSessionBusy, r.session.ID, r.session.State)
	}

	ids := o.freeze(participants)
	if len(ids) == 0 {
		return "", ErrNoParticipants
	}

	now := o.opts.Clock.Now()
	s := &types.Session{
		ID:           uuid.NewString(),
		State:        types.SessionStateIdle,
		Participants: ids,
		Acks:         make(map[string]*types.AckRecord, len(ids)),
		Targets:      make(map[string]time.Time, len(ids)),
		Offsets:      make(map[string]time.Duration, len(ids)),
		Quorum:       Quorum(o.opts.Quorum, len(ids)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, id := range ids {
		s.Acks[id] = &types.AckRecord{StartStatus: types.AckPending}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		session: s,
		ctx:     ctx,
		cancel:  cancel,
		epochs:  make(map[string]uint64, len(ids)),
		logger:  log.WithSessionID(s.ID),
	}
	o.cur = r
	metrics.SessionActive.Set(1)

	o.transition(r, types.SessionStatePreparing, types.CauseRequested,
		fmt.Sprintf("%d participant(s), quorum %d", len(ids), s.Quorum))
	o.goDriver(func() { o.prepare(r) })
	return s.ID, nil
}

// freeze resolves the participant list. An explicit list is kept as given,
// minus blanks and repeats.
func (o *Orchestrator) freeze(participants []string) []string {
	if len(participants) == 0 {
		var ids []string
		for _, id := range o.registry.ListConnected() {
			if n, ok := o.registry.Lookup(id); ok && o.eligible(n) {
				ids = append(ids, id)
			}
		}
		return ids
	}

	seen := make(map[string]bool, len(participants))
	ids := make([]string, 0, len(participants))
	for _, id := range participants {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func (o *Orchestrator) end(id string, cause types.Cause) error {
	r := o.cur
	if r == nil || r.session.ID != id {
		if o.opts.Archive != nil {
			if _, err := o.opts.Archive.GetSession(id); err == nil {
				return fmt.Errorf("%w: %s", ErrSessionFinished, id)
			}
		}
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	switch r.session.State {
	case types.SessionStatePreparing, types.SessionStateArmed:
		o.fail(r, types.CauseCancelled, fmt.Sprintf("cancelled while %s", r.session.State))
		return nil
	case types.SessionStateRecording:
		o.beginStop(r, cause, "stop requested")
		return nil
	case types.SessionStateStopping:
		return nil
	default:
		return fmt.Errorf("%w: %s is %s", ErrSessionFinished, id, r.session.State)
	}
}

// transition moves the session to state and announces it
func (o *Orchestrator) transition(r *run, state types.SessionState, cause types.Cause, detail string) {
	s := r.session
	prev := s.State
	s.State = state
	s.Cause = cause
	s.Detail = detail
	s.UpdatedAt = o.opts.Clock.Now()

	ev := r.logger.Info()
	if state == types.SessionStateFailed {
		ev = r.logger.Warn()
	}
	ev.Str("from", string(prev)).
		Str("to", string(state)).
		Str("cause", string(cause)).
		Str("detail", detail).
		Msg("Session state changed")

	snap := s.Clone()
	o.broker.Publish(&events.Event{
		Type:      events.EventSessionStateChanged,
		SessionID: s.ID,
		Cause:     cause,
		Message:   detail,
		Session:   &snap,
	})
}

// finish closes out a terminal session
func (o *Orchestrator) finish(r *run) {
	s := r.session
	r.cancel()
	r.stopMaxTimer()
	s.FinishedAt = o.opts.Clock.Now()

	metrics.SessionsTotal.WithLabelValues(string(s.State), string(s.Cause)).Inc()
	metrics.SessionActive.Set(0)
	o.archive(r)
}

func (o *Orchestrator) archive(r *run) {
	snap := r.session.Clone()
	if o.opts.Archive != nil {
		if err := o.opts.Archive.SaveSession(&snap); err != nil {
			r.logger.Error().Err(err).Msg("Failed to archive session")
			return
		}
	}
	o.broker.Publish(&events.Event{
		Type:      events.EventSessionArchived,
		SessionID: snap.ID,
		Cause:     snap.Cause,
		Session:   &snap,
	})
}
