package breaker

import (
	"context"
	"time"

	"github.com/sproutlab/sprout/internal/scanloop"
)

// SetHealthProbe registers fn as the breaker's health check and starts the
// probe loop. The probe only runs while the breaker is Open; a successful
// probe forces the transition to HalfOpen without waiting out the reset
// timeout. Overwrite semantics; the previous loop is stopped first.
func (b *Breaker) SetHealthProbe(fn func(context.Context) error) {
	b.mu.Lock()
	if b.probeStop != nil {
		close(b.probeStop)
	}
	b.probe = fn
	stop := make(chan struct{})
	b.probeStop = stop
	interval := b.cfg.HealthCheckInterval
	b.mu.Unlock()

	if fn == nil {
		return
	}

	go scanloop.RunEvery(stop, interval, func() {
		b.runProbe(fn)
	})
}

// StopHealthProbe halts the probe loop, if any.
func (b *Breaker) StopHealthProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.probeStop != nil {
		close(b.probeStop)
		b.probeStop = nil
		b.probe = nil
	}
}

func (b *Breaker) runProbe(fn func(context.Context) error) {
	b.mu.Lock()
	open := b.state == Open
	b.mu.Unlock()
	if !open {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		b.logger.WithError(err).Debugf("health probe failed")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open {
		b.transitionLocked(HalfOpen, "health probe succeeded")
	}
}
