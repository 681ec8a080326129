package engine

import "sync/atomic"

// Sequencer hands out strictly increasing event sequence numbers.
// Implemented by Clock and testutil.DeterministicClock.
type Sequencer interface {
	Next() int64
}

// Clock is the monotonic logical clock that stamps every event.
// Ordering never depends on wall-clock time, so a replayed session produces
// the same seq values.
//
// Thread-safety: Clock is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock whose first Next returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming after start, used to continue a
// stored session.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last sequence number handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
