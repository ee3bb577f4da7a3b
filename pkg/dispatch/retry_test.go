package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func TestRetryPolicyDo(t *testing.T) {
	tests := []struct {
		name         string
		policy       RetryPolicy
		failures     int
		permanent    bool
		wantAttempts int
		wantErr      bool
	}{
		{"first try", RetryPolicy{Base: time.Millisecond, MaxAttempts: 3}, 0, false, 1, false},
		{"succeeds on last attempt", RetryPolicy{Base: time.Millisecond, MaxAttempts: 3}, 2, false, 3, false},
		{"runs out of attempts", RetryPolicy{Base: time.Millisecond, MaxAttempts: 3}, 10, false, 3, true},
		{"permanent stops immediately", RetryPolicy{Base: time.Millisecond, MaxAttempts: 3}, 10, true, 1, true},
		{"unlimited", RetryPolicy{Base: time.Millisecond, Cap: 2 * time.Millisecond}, 6, false, 7, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := tt.policy.Do(context.Background(), func(ctx context.Context, attempt int) error {
				attempts = attempt
				if attempt <= tt.failures {
					if tt.permanent {
						return Permanent(errFlaky)
					}
					return errFlaky
				}
				return nil
			})

			assert.Equal(t, tt.wantAttempts, attempts)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errFlaky)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRetryPolicyStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	policy := RetryPolicy{Base: 10 * time.Millisecond, Cap: 10 * time.Millisecond}
	err := policy.Do(ctx, func(context.Context, int) error { return errFlaky })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryPolicyInvalidBase(t *testing.T) {
	_, err := RetryPolicy{}.Backoff()
	assert.Error(t, err)
}
