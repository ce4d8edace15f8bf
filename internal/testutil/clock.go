package testutil

import (
	"sync"
	"time"
)

// DeterministicClock is a thread-safe fake time source for tests.
//
// Every call to Now() returns the current instant and then advances it by the
// configured step, so successive records get distinct, predictable timestamps.
// A zero step freezes time.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
	step  time.Duration
}

// Epoch is the default start instant: 2024-06-01T00:00:00Z.
var Epoch = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

// NewDeterministicClock creates a clock starting at start that advances by
// step on every Now() call.
func NewDeterministicClock(start time.Time, step time.Duration) *DeterministicClock {
	return &DeterministicClock{start: start, now: start, step: step}
}

// Now returns the current instant and advances the clock by one step.
//
// Suitable wherever a func() time.Time is expected.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Current returns the current instant without advancing.
func (c *DeterministicClock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *DeterministicClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Reset returns the clock to its start instant.
//
// Used for test reuse. After Reset(), the next call to Now() returns start.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
