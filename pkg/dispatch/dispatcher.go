package dispatch

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
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnavailable  = errors.New("node has no open connection")
	ErrEpochChanged = errors.New("node reconnected since the command was prepared")
)

// Command is one message for one node
type Command struct {
	NodeID   string
	Epoch    uint64 // Non-zero pins delivery to that connection epoch
	Envelope protocol.Envelope
}

// Result is the outcome of delivering a Command
type Result struct {
	NodeID   string
	Reply    protocol.Envelope
	Attempts int
	At       time.Time // When the reply arrived
	Err      error
}

// Options configures a Dispatcher
type Options struct {
	Policy         RetryPolicy
	AttemptTimeout time.Duration
	Concurrency    int
}

// Dispatcher delivers session commands to nodes with per-attempt deadlines
// and retry. Each attempt is a fresh request, so a node may see a command
// more than once and must apply it idempotently.
type Dispatcher struct {
	registry *registry.Registry
	opts     Options
	logger   zerolog.Logger
}

// New creates a dispatcher
func New(reg *registry.Registry, opts Options) *Dispatcher {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = time.Second
	}
	if opts.Policy.Base <= 0 {
		opts.Policy.Base = 100 * time.Millisecond
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy.MaxAttempts = 3
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 32
	}
	return &Dispatcher{
		registry: reg,
		opts:     opts,
		logger:   log.WithComponent("dispatch"),
	}
}

// Send delivers cmd and waits for the reply, retrying transient failures.
// An ERROR reply from the node is final.
func (d *Dispatcher) Send(ctx context.Context, cmd Command) Result {
	res := Result{NodeID: cmd.NodeID}
	msgType := string(cmd.Envelope.Type)

	err := d.opts.Policy.Do(ctx, func(ctx context.Context, attempt int) error {
		res.Attempts = attempt

		peer, err := d.peer(cmd)
		if err != nil {
			metrics.DispatchAttemptsTotal.WithLabelValues(msgType, "unavailable").Inc()
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
		defer cancel()

		reply, err := peer.Request(attemptCtx, cmd.Envelope)
		if err != nil {
			var remote *transport.RemoteError
			if errors.As(err, &remote) {
				metrics.DispatchAttemptsTotal.WithLabelValues(msgType, "rejected").Inc()
				return Permanent(err)
			}
			metrics.DispatchAttemptsTotal.WithLabelValues(msgType, "failed").Inc()
			if ctx.Err() != nil {
				return Permanent(err)
			}
			d.logger.Debug().
				Err(err).
				Str("node_id", cmd.NodeID).
				Str("session_id", cmd.Envelope.SessionID).
				Str("type", msgType).
				Int("attempt", attempt).
				Msg("Command attempt failed")
			return err
		}

		metrics.DispatchAttemptsTotal.WithLabelValues(msgType, "ok").Inc()
		res.Reply = reply
		res.At = time.Now()
		return nil
	})
	if err != nil {
		res.Err = fmt.Errorf("%s to %s after %d attempt(s): %w", msgType, cmd.NodeID, res.Attempts, err)
	}
	return res
}

func (d *Dispatcher) peer(cmd Command) (*transport.Peer, error) {
	if cmd.Epoch != 0 {
		node, ok := d.registry.Lookup(cmd.NodeID)
		if ok && node.Epoch != cmd.Epoch {
			return nil, Permanent(fmt.Errorf("%w: epoch %d, now %d", ErrEpochChanged, cmd.Epoch, node.Epoch))
		}
	}
	peer, ok := d.registry.Peer(cmd.NodeID)
	if !ok {
		return nil, ErrUnavailable
	}
	return peer, nil
}

// Broadcast sends every command concurrently. Results are delivered as they
// complete; the channel is closed once all commands finished.
func (d *Dispatcher) Broadcast(ctx context.Context, cmds []Command) <-chan Result {
	results := make(chan Result, len(cmds))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)

	go func() {
		defer close(results)
		for _, cmd := range cmds {
			cmd := cmd
			g.Go(func() error {
				results <- d.Send(ctx, cmd)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return results
}

// Collect drains results and aggregates the failures
func Collect(results <-chan Result) ([]Result, error) {
	var all []Result
	var errs *multierror.Error
	for res := range results {
		all = append(all, res)
		if res.Err != nil {
			errs = multierror.Append(errs, res.Err)
		}
	}
	return all, errs.ErrorOrNil()
}
