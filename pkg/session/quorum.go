package session

import (
	"math"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/types"
)

// Quorum returns how many of n participants must succeed for fraction
// (0, 1]. The result is at least 1 and at most n.
func Quorum(fraction float64, n int) int {
	if n <= 0 {
		return 0
	}
	// The epsilon keeps 0.66*3 at 2 instead of 3 after float rounding
	q := int(math.Ceil(fraction*float64(n) - 1e-9))
	if q < 1 {
		q = 1
	}
	if q > n {
		q = n
	}
	return q
}

// LeadTime picks the delay between arming and the synchronized start.
// A positive fixed value wins; otherwise factor × maxRTT, never below min.
func LeadTime(fixed, min time.Duration, factor float64, maxRTT time.Duration) time.Duration {
	if fixed > 0 {
		return fixed
	}
	lead := time.Duration(factor * float64(maxRTT))
	if lead < min {
		lead = min
	}
	return lead
}

// readiness counts participants whose clocks can be used right now.
// settled is false while some participant may still become ready.
func (o *Orchestrator) readiness(participants []string) (ready int, settled bool) {
	settled = true
	for _, id := range participants {
		n, ok := o.registry.Lookup(id)
		switch {
		case !ok || !n.State.Live():
		case o.eligible(n) && n.ClockTrusted():
			ready++
		case !o.eligible(n) || n.Clock.SyncUnreliable:
		default:
			settled = false
		}
	}
	return ready, settled
}

func (o *Orchestrator) eligible(n types.Node) bool {
	for _, tag := range o.opts.RequiredCapabilities {
		if !n.Supports(tag) {
			return false
		}
	}
	return true
}

func count(s *types.Session, match func(*types.AckRecord) bool) int {
	c := 0
	for _, id := range s.Participants {
		if ack, ok := s.Acks[id]; ok && match(ack) {
			c++
		}
	}
	return c
}

func startOK(a *types.AckRecord) bool { return a.StartStatus == types.AckOK }

func startPending(a *types.AckRecord) bool { return a.StartStatus == types.AckPending }

func startedLive(a *types.AckRecord) bool {
	return a.StartStatus == types.AckOK && a.DroppedAt.IsZero()
}

func stopPending(a *types.AckRecord) bool { return a.StopStatus == types.AckPending }
