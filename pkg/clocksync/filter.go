package clocksync

import (
	"math"
	"time"

	"github.com/montanaflynn/stats"
)

// Sample is one SYNC_REQUEST/SYNC_RESPONSE round trip.
// T0 and T2 are controller times, T1 is node-local.
type Sample struct {
	T0, T1, T2 time.Time
	Offset     time.Duration
	RoundTrip  time.Duration
}

// NewSample computes offset ((t1-t0)+(t1-t2))/2 and round trip t2-t0
func NewSample(t0, t1, t2 time.Time) Sample {
	return Sample{
		T0:        t0,
		T1:        t1,
		T2:        t2,
		Offset:    (t1.Sub(t0) + t1.Sub(t2)) / 2,
		RoundTrip: t2.Sub(t0),
	}
}

// Result is a filtered estimate over a window
type Result struct {
	Offset     time.Duration
	RoundTrip  time.Duration
	Variance   float64 // ms^2
	Confidence float64
	Kept       int // Samples left after outlier rejection
	Within     int // Kept samples within tolerance of Offset
}

// Filter turns a window of samples into an estimate
type Filter interface {
	Apply(window []Sample) Result
}

// MedianFilter drops samples whose round trip exceeds OutlierFactor times the
// window's median round trip and reports the median of the remaining offsets
type MedianFilter struct {
	OutlierFactor float64
	Tolerance     time.Duration
}

// Apply implements Filter
func (f MedianFilter) Apply(window []Sample) Result {
	if len(window) == 0 {
		return Result{}
	}

	rtts := make(stats.Float64Data, len(window))
	for i, s := range window {
		rtts[i] = ms(s.RoundTrip)
	}
	medianRTT, _ := stats.Median(rtts)

	var offsets, kept stats.Float64Data
	for _, s := range window {
		if medianRTT > 0 && ms(s.RoundTrip) > f.OutlierFactor*medianRTT {
			continue
		}
		offsets = append(offsets, ms(s.Offset))
		kept = append(kept, ms(s.RoundTrip))
	}

	median, _ := stats.Median(offsets)
	keptRTT, _ := stats.Median(kept)
	variance, _ := stats.PopulationVariance(offsets)
	stddev := math.Sqrt(variance)

	tol := ms(f.Tolerance)
	within := 0
	for _, o := range offsets {
		if math.Abs(o-median) <= tol {
			within++
		}
	}

	return Result{
		Offset:     fromMS(median),
		RoundTrip:  fromMS(keptRTT),
		Variance:   variance,
		Confidence: 1 / (1 + stddev),
		Kept:       len(offsets),
		Within:     within,
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func fromMS(v float64) time.Duration {
	return time.Duration(math.Round(v * float64(time.Millisecond)))
}

// window is the per-node sliding sample window, reset on every new epoch
type window struct {
	epoch    uint64
	size     int
	samples  []Sample
	attempts int // Sample attempts since the epoch began, failed ones included
}

func (w *window) reset(epoch uint64) {
	w.epoch = epoch
	w.samples = w.samples[:0]
	w.attempts = 0
}

func (w *window) add(s Sample) {
	if len(w.samples) == w.size {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:w.size-1]
	}
	w.samples = append(w.samples, s)
}
