package protocol

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeqTrackerObserve(t *testing.T) {
	tracker := NewSeqTracker(2)

	require.NoError(t, tracker.Observe(1))
	require.NoError(t, tracker.Observe(2))

	// Duplicate and late delivery are both rejected without moving the mark
	assert.ErrorIs(t, tracker.Observe(2), ErrDuplicate)
	assert.ErrorIs(t, tracker.Observe(1), ErrDuplicate)
	assert.Equal(t, uint64(2), tracker.HighWater())

	// Skipping two numbers is within tolerance
	require.NoError(t, tracker.Observe(5))
	assert.Equal(t, uint64(5), tracker.HighWater())

	// Skipping three is not, and the mark stays put
	assert.ErrorIs(t, tracker.Observe(9), ErrSequenceGap)
	assert.Equal(t, uint64(5), tracker.HighWater())
	require.NoError(t, tracker.Observe(6))
}

func TestSeqTrackerZeroTolerance(t *testing.T) {
	tracker := NewSeqTracker(0)
	require.NoError(t, tracker.Observe(1))
	assert.ErrorIs(t, tracker.Observe(3), ErrSequenceGap)
	require.NoError(t, tracker.Observe(2))
}

func TestSeqCounterConcurrent(t *testing.T) {
	var c SeqCounter
	var wg sync.WaitGroup
	seen := make(chan uint64, 1000)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				seen <- c.Next()
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool)
	for s := range seen {
		assert.False(t, unique[s], "sequence %d handed out twice", s)
		unique[s] = true
	}
	assert.Len(t, unique, 1000)
	assert.True(t, unique[1])
	assert.True(t, unique[1000])
}
