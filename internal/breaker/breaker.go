// Package breaker implements a per-service circuit breaker with a Closed /
// Open / HalfOpen state machine, optional health probing while Open, and a
// factory vending per-name singletons.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sproutlab/sprout/internal/logging"
)

// State is the breaker FSM state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes one breaker.
type Config struct {
	MaxFailures         int
	ResetTimeout        time.Duration
	HalfOpenMaxAttempts int
	HealthCheckInterval time.Duration
}

// DefaultConfig returns the standard breaker tuning.
func DefaultConfig() Config {
	return Config{
		MaxFailures:         3,
		ResetTimeout:        60 * time.Second,
		HalfOpenMaxAttempts: 2,
		HealthCheckInterval: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxFailures <= 0 {
		c.MaxFailures = d.MaxFailures
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HalfOpenMaxAttempts <= 0 {
		c.HalfOpenMaxAttempts = d.HalfOpenMaxAttempts
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	return c
}

// ErrCircuitOpen is returned when a call is rejected without being run.
type ErrCircuitOpen struct {
	Name string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit %q open: call rejected", e.Name)
}

// StateChange describes one FSM transition.
type StateChange struct {
	Name            string
	OldState        State
	NewState        State
	LastFailureTime time.Time
	Reason          string
}

// Breaker guards calls to one named service.
type Breaker struct {
	name   string
	cfg    Config
	logger logging.Logger

	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	halfOpenInUse   int
	lastStateChange time.Time
	lastFailureTime time.Time

	onStateChange func(StateChange)
	probe         func(context.Context) error
	probeStop     chan struct{}
}

// New builds a breaker for name with cfg, applying defaults to zero fields.
func New(name string, cfg Config, logger logging.Logger) *Breaker {
	return &Breaker{
		name:            name,
		cfg:             cfg.withDefaults(),
		logger:          logging.OrDiscard(logger).Component("breaker").WithField("circuit", name),
		state:           Closed,
		lastStateChange: time.Now(),
	}
}

// Name returns the breaker's service name.
func (b *Breaker) Name() string { return b.name }

// State returns the current FSM state, accounting for an elapsed reset
// timeout while Open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.lastStateChange) > b.cfg.ResetTimeout {
		b.transitionLocked(HalfOpen, "reset timeout elapsed")
	}
	return b.state
}

// OnStateChange registers a transition callback. Overwrite semantics.
func (b *Breaker) OnStateChange(fn func(StateChange)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

// Execute runs fn under the breaker's protection.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err == nil)
	return err
}

// Do runs fn under b's protection and returns its result. A rejected call
// returns the zero T and ErrCircuitOpen.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	b.record(err == nil)
	if err != nil {
		return zero, err
	}
	return v, nil
}

// Trip forces the breaker Open.
func (b *Breaker) Trip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		b.transitionLocked(Open, "manual trip: "+reason)
	}
}

// Reset forces the breaker Closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Closed {
		b.transitionLocked(Closed, "manual reset")
	}
	b.failures = 0
	b.successes = 0
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if time.Since(b.lastStateChange) > b.cfg.ResetTimeout {
			b.transitionLocked(HalfOpen, "reset timeout elapsed")
			b.halfOpenInUse++
			return nil
		}
		return &ErrCircuitOpen{Name: b.name}
	default: // HalfOpen
		if b.halfOpenInUse >= b.cfg.HalfOpenMaxAttempts {
			return &ErrCircuitOpen{Name: b.name}
		}
		b.halfOpenInUse++
		return nil
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		b.lastFailureTime = time.Now()
		if b.failures >= b.cfg.MaxFailures {
			b.transitionLocked(Open, fmt.Sprintf("%d consecutive failures", b.failures))
		}
	case HalfOpen:
		if !success {
			b.lastFailureTime = time.Now()
			b.transitionLocked(Open, "probe failed")
			return
		}
		b.successes++
		if b.successes >= b.cfg.HalfOpenMaxAttempts {
			b.transitionLocked(Closed, "probes succeeded")
		}
	case Open:
		// A call admitted just before a Trip; only failure times matter.
		if !success {
			b.lastFailureTime = time.Now()
		}
	}
}

// transitionLocked moves the FSM to next and fires the notification.
// Caller holds b.mu.
func (b *Breaker) transitionLocked(next State, reason string) {
	prev := b.state
	b.state = next
	b.lastStateChange = time.Now()
	switch next {
	case Closed:
		b.failures = 0
		b.successes = 0
		b.halfOpenInUse = 0
	case HalfOpen:
		b.successes = 0
		b.halfOpenInUse = 0
	case Open:
		b.successes = 0
		b.halfOpenInUse = 0
	}

	b.logger.Infof("state %s -> %s (%s)", prev, next, reason)
	if b.onStateChange != nil {
		change := StateChange{
			Name:            b.name,
			OldState:        prev,
			NewState:        next,
			LastFailureTime: b.lastFailureTime,
			Reason:          reason,
		}
		go b.onStateChange(change)
	}
}
