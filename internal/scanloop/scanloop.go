// Package scanloop provides the shared background-loop primitives used by
// the flush worker, the failed-event retry loop, and the breaker health
// probes.
package scanloop

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultMinInterval and DefaultJitterRange define the cadence of the
	// failed-event retry loop. Jitter keeps independent daemons from
	// synchronizing their retry storms.
	DefaultMinInterval = 5 * time.Second
	DefaultJitterRange = 2 * time.Second
)

// Run executes fn at a jittered interval until stopCh is closed.
// The interval is: minInterval + random([0, jitterRange)).
func Run(stopCh <-chan struct{}, minInterval, jitterRange time.Duration, fn func()) {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if jitterRange < 0 {
		jitterRange = 0
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		interval := minInterval
		if jitterRange > 0 {
			interval += time.Duration(rand.Int64N(int64(jitterRange)))
		}

		timer.Reset(interval)
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
	}
}

// RunEvery executes fn at a fixed interval until stopCh is closed. Used where
// the cadence is a contract (persistence batch interval, breaker health
// checks) rather than a scan heuristic.
func RunEvery(stopCh <-chan struct{}, interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}
		fn()
	}
}
