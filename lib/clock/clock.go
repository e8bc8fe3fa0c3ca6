// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects Real(); tests inject a Fake with deterministic control over
// the tick loop, reconnect grace windows, and soft-shutdown
// countdowns.
//
// Every production function that would call time.Now, time.After, or
// time.NewTicker should instead take a Clock (or be a method on a
// struct holding one). The session manager's 20 Hz tick loop is driven
// entirely through this interface, so tests advance hours of simulated
// maintenance bookkeeping in microseconds.
package clock

import "time"

// Clock abstracts time operations.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after d
	// elapses. Equivalent to time.After.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker wraps a periodic timer. Read ticks from C; call Stop to
// release resources. C has capacity 1: a slow consumer drops ticks
// rather than queueing them, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. No more ticks are sent on C after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }
