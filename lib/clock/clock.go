// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Daemon loops that
// would otherwise call time.Now, time.After, or time.NewTicker take a
// Clock instead: production code injects Real(), tests inject a Fake
// and advance it deterministically. Auth retry backoff, scheduler
// firing, and master-alive pings are all driven through this
// interface so their tests never sleep.
package clock

import "time"

// Clock is the time source used by daemon loops.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks every d. Panics if
	// d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker wraps a periodic timer. Read ticks from C; call Stop to
// release resources. C has capacity 1; if the consumer falls behind,
// ticks are dropped rather than queued.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns off the ticker. It does not close C.
func (t *Ticker) Stop() { t.stop() }
