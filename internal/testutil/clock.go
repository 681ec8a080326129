package testutil

import "sync"

// DeterministicClock is a resettable logical clock for tests. It satisfies
// dispatch.Clock and engine.Sequencer, so the same scenario stamps the same
// seq values on every run.
//
// Thread-safety: all methods are safe for concurrent use.
type DeterministicClock struct {
	mu  sync.Mutex
	seq int64
}

// NewDeterministicClock creates a clock whose first Next returns 1.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{}
}

// NewDeterministicClockAt creates a clock whose first Next returns start+1.
func NewDeterministicClockAt(start int64) *DeterministicClock {
	return &DeterministicClock{seq: start}
}

// Next advances the clock by one and returns the new value.
func (c *DeterministicClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the last value handed out.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Reset rewinds the clock so the next call to Next returns 1.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}
