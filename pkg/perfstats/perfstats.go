// Package perfstats records how long the stages of frame processing take, so that
// it's easy to compare models and hardware.
package perfstats

import (
	"sync/atomic"
	"time"
)

// MovingAverage is an exponential moving average of a duration, safe for concurrent use.
type MovingAverage struct {
	ns atomic.Uint64
}

func (m *MovingAverage) Add(d time.Duration) {
	UpdateMovingAverage(&m.ns, d.Nanoseconds())
}

func (m *MovingAverage) Average() time.Duration {
	return time.Duration(m.ns.Load())
}

// UpdateMovingAverage updates an exponential moving average with a weight of 1/64 for the new sample.
// The first sample initializes the average.
func UpdateMovingAverage(stat *atomic.Uint64, value int64) {
	vu := uint64(max(value, 0))
	// We don't bother about strict correctness here, with CompareAndSwap,
	// because this is just sampled stats, and it's OK to miss one or two samples.
	if stat.Load() == 0 {
		stat.Store(vu)
	} else {
		stat.Store((stat.Load()*63 + vu) >> 6)
	}
}

// Accumulate samples of how long something took.
// Not safe for concurrent use.
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
	Max     time.Duration
}

func (a *TimeAccumulator) Reset() {
	*a = TimeAccumulator{}
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
	a.Max = max(a.Max, v)
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}
