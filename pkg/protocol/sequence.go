package protocol

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrDuplicate marks a sequence number at or below the high-water mark.
	// Such messages are dropped without reply.
	ErrDuplicate = errors.New("duplicate or reordered sequence number")

	// ErrSequenceGap marks a jump beyond the reorder tolerance
	ErrSequenceGap = errors.New("sequence gap exceeds reorder tolerance")
)

// DefaultReorderTolerance is the number of sequence numbers that may be
// skipped before a gap is reported
const DefaultReorderTolerance = 16

// SeqTracker validates inbound sequence numbers for one connection
type SeqTracker struct {
	mu        sync.Mutex
	highWater uint64
	tolerance uint64
}

// NewSeqTracker creates a tracker accepting gaps of up to tolerance skipped numbers
func NewSeqTracker(tolerance uint64) *SeqTracker {
	return &SeqTracker{tolerance: tolerance}
}

// Observe checks seq against the high-water mark and advances it on success
func (t *SeqTracker) Observe(seq uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if seq <= t.highWater {
		return fmt.Errorf("%w: seq %d <= %d", ErrDuplicate, seq, t.highWater)
	}
	if seq-t.highWater-1 > t.tolerance {
		return fmt.Errorf("%w: seq %d after %d (tolerance %d)", ErrSequenceGap, seq, t.highWater, t.tolerance)
	}
	t.highWater = seq
	return nil
}

// HighWater returns the highest accepted sequence number
func (t *SeqTracker) HighWater() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highWater
}

// SeqCounter hands out strictly increasing outbound sequence numbers
type SeqCounter struct {
	n atomic.Uint64
}

// Next returns the next sequence number, starting at 1
func (c *SeqCounter) Next() uint64 {
	return c.n.Add(1)
}
