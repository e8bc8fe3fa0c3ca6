// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a Clock whose time only moves when Advance is called.
// Tickers and After channels fire deterministically during Advance, in
// timestamp order, on the goroutine calling Advance.
func Fake() *FakeClock {
	return &FakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// FakeClock is a deterministic Clock for tests. The zero value is not
// usable; construct with Fake().
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

// fakeWaiter is one pending After channel or Ticker deadline.
type fakeWaiter struct {
	deadline time.Time
	period   time.Duration // 0 for one-shot After waiters
	ch       chan time.Time
	stopped  bool
}

// Now returns the fake current time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that fires when Advance moves the clock past
// the deadline.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{deadline: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	return w.ch
}

// NewTicker returns a Ticker firing every d fake-time units during
// Advance.
func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for FakeClock.NewTicker")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{deadline: f.now.Add(d), period: d, ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	return &Ticker{
		C: w.ch,
		stopFunc: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			w.stopped = true
		},
	}
}

// Sleep advances nothing and returns immediately. Tests that need a
// goroutine to block on time must use After or a Ticker.
func (f *FakeClock) Sleep(time.Duration) {}

// Advance moves the fake time forward by d, delivering every tick and
// After deadline that falls inside the window, in timestamp order. A
// ticker whose channel is full drops the tick, matching time.Ticker.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := f.now.Add(d)
	for {
		next := f.nextDeadlineLocked(target)
		if next == nil {
			break
		}
		f.now = next.deadline
		select {
		case next.ch <- f.now:
		default:
		}
		if next.period > 0 {
			next.deadline = next.deadline.Add(next.period)
		} else {
			next.stopped = true
		}
	}
	f.now = target
	f.compactLocked()
}

// nextDeadlineLocked returns the live waiter with the earliest
// deadline at or before target, or nil.
func (f *FakeClock) nextDeadlineLocked(target time.Time) *fakeWaiter {
	live := f.waiters[:0:0]
	for _, w := range f.waiters {
		if !w.stopped {
			live = append(live, w)
		}
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].deadline.Before(live[j].deadline) })
	if len(live) == 0 || live[0].deadline.After(target) {
		return nil
	}
	return live[0]
}

func (f *FakeClock) compactLocked() {
	live := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.stopped {
			live = append(live, w)
		}
	}
	f.waiters = live
}
