// Package keepalive schedules relay pings from accumulated tick time.
//
// The scheduler never reads a clock. Callers feed it the elapsed time of each
// tick and it reports when a ping is due, so behaviour is deterministic under
// test and independent of wall-clock jitter.
package keepalive

import "time"

const (
	DefaultInterval = 500 * time.Millisecond

	// MinRecommendedInterval and MaxRecommendedInterval bound intervals that
	// keep the relay session alive without flooding it.
	MinRecommendedInterval = 100 * time.Millisecond
	MaxRecommendedInterval = time.Second
)

type Scheduler struct {
	interval time.Duration
	elapsed  time.Duration
}

// New returns a scheduler firing every interval. A non-positive interval
// selects DefaultInterval.
func New(interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{interval: interval}
}

func (s *Scheduler) Interval() time.Duration { return s.interval }

// Advance adds dt to the accumulator and reports whether a ping is due. When
// it returns true the accumulator is reset to zero, so at most one ping fires
// per call regardless of dt.
func (s *Scheduler) Advance(dt time.Duration) bool {
	if dt < 0 {
		dt = 0
	}
	if s.elapsed+dt >= s.interval {
		s.elapsed = 0
		return true
	}
	s.elapsed += dt
	return false
}

// Reset clears the accumulator.
func (s *Scheduler) Reset() { s.elapsed = 0 }

// InRecommendedRange reports whether d lies within the recommended bounds.
func InRecommendedRange(d time.Duration) bool {
	return d >= MinRecommendedInterval && d <= MaxRecommendedInterval
}
