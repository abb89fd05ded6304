// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source injected into every component with timing
// behavior.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed. A
	// non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer
	// cancels the pending call. A non-positive d calls f right away:
	// on a new goroutine for the real clock, synchronously for the
	// fake one.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the call. It reports whether the call was still
// pending.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers periodic ticks on C. C has capacity 1; ticks that
// arrive while the consumer is busy are dropped.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop halts the ticker. C is not closed.
func (t *Ticker) Stop() { t.stop() }
