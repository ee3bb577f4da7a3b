package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy is the backoff shared by command dispatch and reconnection.
// MaxAttempts of zero retries until the context ends.
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	Jitter      uint64 // Percent
}

// Backoff builds a fresh backoff sequence. Backoffs are stateful, so every
// retry loop needs its own.
func (p RetryPolicy) Backoff() (retry.Backoff, error) {
	b, err := retry.NewExponential(p.Base)
	if err != nil {
		return nil, err
	}
	if p.Cap > 0 {
		b = retry.WithCappedDuration(p.Cap, b)
	}
	if p.Jitter > 0 {
		b = retry.WithJitterPercent(p.Jitter, b)
	}
	if p.MaxAttempts > 0 {
		b = retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
	}
	return b, nil
}

// permanentError stops a retry loop
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls f until it succeeds, returns a Permanent error, the policy runs
// out of attempts or ctx ends. attempt counts from 1.
func (p RetryPolicy) Do(ctx context.Context, f func(ctx context.Context, attempt int) error) error {
	b, err := p.Backoff()
	if err != nil {
		return err
	}

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := f(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		return retry.RetryableError(err)
	})
}
