// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"slices"
	"sync"
	"time"
)

// epoch is the starting time of clocks created without one.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type (
	// FakeClock is a manually driven clock for scheduler tests. Time only
	// moves when Advance or AdvanceToNext is called; timers created with
	// After fire once the clock reaches their deadline.
	FakeClock struct {
		mu     sync.Mutex
		now    time.Time
		timers []fakeTimer
	}

	fakeTimer struct {
		at time.Time
		ch chan time.Time
	}
)

// NewFakeClock returns a FakeClock reading start, or a fixed epoch when
// start is zero.
func NewFakeClock(start time.Time) *FakeClock {
	if start.IsZero() {
		start = epoch
	}
	return &FakeClock{now: start}
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel receiving the fake time once d has elapsed on the
// clock. Non-positive durations fire immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.timers = append(c.timers, fakeTimer{at: c.now.Add(d), ch: ch})
	return ch
}

// Pending returns the number of timers that have not fired.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Advance moves the clock forward by d and fires every timer now due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.fire()
}

// AdvanceToNext moves the clock to the earliest pending deadline and fires
// the timers due at it. It reports false when no timer is pending.
func (c *FakeClock) AdvanceToNext() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return false
	}
	next := slices.MinFunc(c.timers, func(a, b fakeTimer) int { return a.at.Compare(b.at) })
	if next.at.After(c.now) {
		c.now = next.at
	}
	c.fire()
	return true
}

// fire delivers to due timers. c.mu must be held.
func (c *FakeClock) fire() {
	c.timers = slices.DeleteFunc(c.timers, func(t fakeTimer) bool {
		if t.at.After(c.now) {
			return false
		}
		t.ch <- c.now
		return true
	})
}
