package testutil

import (
	"sort"
	"sync"
	"time"
)

// Clock is a manual clock for tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the clock's current instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Timers is a manual timer factory. Code under test takes the New method
// as its timer constructor; the test then fires timers explicitly.
type Timers struct {
	mu     sync.Mutex
	timers []*Timer
}

// Timer is one manual timer.
type Timer struct {
	D       time.Duration
	fn      func()
	stopped bool
	fired   bool
	mu      sync.Mutex
}

// New creates a timer that fires only when the test says so.
func (t *Timers) New(d time.Duration, fn func()) *Timer {
	tm := &Timer{D: d, fn: fn}
	t.mu.Lock()
	t.timers = append(t.timers, tm)
	t.mu.Unlock()
	return tm
}

// Pending returns the timers that are neither stopped nor fired, shortest
// delay first.
func (t *Timers) Pending() []*Timer {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Timer
	for _, tm := range t.timers {
		tm.mu.Lock()
		live := !tm.stopped && !tm.fired
		tm.mu.Unlock()
		if live {
			out = append(out, tm)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].D < out[j].D })
	return out
}

// Stop marks the timer stopped, reporting whether it was still live.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Fire runs the timer's function, as the runtime would at expiry.
func (t *Timer) Fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	fn := t.fn
	t.mu.Unlock()
	fn()
}
