// Package recovery drives staged recovery of failing devices: strategies
// are tried in priority order with per-device backoff, successes clear the
// tracked error, and exhaustion raises an operator alert.
package recovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/sproutlab/sprout/internal/errmon"
	"github.com/sproutlab/sprout/internal/event"
	"github.com/sproutlab/sprout/internal/logging"
)

// Publisher raises alert events when recovery is exhausted.
type Publisher interface {
	Publish(ctx context.Context, ev *event.Event) (event.PublishResult, error)
}

// Metrics counts strategy attempts. A nil sink disables instrumentation.
type Metrics interface {
	RecoveryAttempt(strategy string, success bool)
}

// DefaultStrategyMaxAttempts bounds each strategy's tries per device.
const DefaultStrategyMaxAttempts = 3

// strategyState tracks one strategy's history against one device.
type strategyState struct {
	mu          sync.Mutex
	attempts    int
	lastAttempt time.Time
}

type strategyKey struct {
	strategy string
	deviceID uuid.UUID
}

// Orchestrator coordinates recovery attempts across registered strategies.
type Orchestrator struct {
	monitor *errmon.Monitor
	pub     Publisher
	logger  logging.Logger
	metrics Metrics

	mu         sync.RWMutex
	strategies []Strategy

	inflight *xsync.Map[uuid.UUID, struct{}]
	history  *xsync.Map[strategyKey, *strategyState]

	// strategyBackoff spaces one strategy's repeated tries on the same
	// device.
	strategyBackoff time.Duration
	maxAttempts     int
}

// NewOrchestrator builds an orchestrator. pub may be nil; alerts are then
// only logged.
func NewOrchestrator(monitor *errmon.Monitor, pub Publisher, logger logging.Logger) *Orchestrator {
	return &Orchestrator{
		monitor:         monitor,
		pub:             pub,
		logger:          logging.OrDiscard(logger).Component("recovery"),
		inflight:        xsync.NewMap[uuid.UUID, struct{}](),
		history:         xsync.NewMap[strategyKey, *strategyState](),
		strategyBackoff: 5 * time.Second,
		maxAttempts:     DefaultStrategyMaxAttempts,
	}
}

// SetMetrics wires the attempt counter sink.
func (o *Orchestrator) SetMetrics(m Metrics) {
	o.metrics = m
}

// Register adds a strategy. Strategies are re-sorted by ascending priority.
func (o *Orchestrator) Register(s Strategy) {
	o.mu.Lock()
	o.strategies = append(o.strategies, s)
	sort.SliceStable(o.strategies, func(i, j int) bool {
		return o.strategies[i].Priority() < o.strategies[j].Priority()
	})
	o.mu.Unlock()
}

// Attach subscribes the orchestrator to freshly reported errors. Attempts
// run on their own goroutine so reporting never blocks.
func (o *Orchestrator) Attach() {
	o.monitor.OnReport(func(err *errmon.DeviceError) {
		e := *err
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			o.Attempt(ctx, &e)
		}()
	})
}

// Attempt tries to recover from err. Returns false when the error is not
// currently attemptable or another recovery for the same device is already
// in flight. The first strategy to succeed registers the success with the
// monitor; exhausting every applicable strategy raises an alert.
func (o *Orchestrator) Attempt(ctx context.Context, err *errmon.DeviceError) bool {
	if err == nil || !o.monitor.Attemptable(err.DeviceID, err.Code) {
		return false
	}

	if _, loaded := o.inflight.LoadOrStore(err.DeviceID, struct{}{}); loaded {
		o.logger.Debugf("recovery for device %s already in flight", err.DeviceID)
		return false
	}
	defer o.inflight.Delete(err.DeviceID)

	o.mu.RLock()
	strategies := make([]Strategy, len(o.strategies))
	copy(strategies, o.strategies)
	o.mu.RUnlock()

	tried := 0
	for _, s := range strategies {
		if !s.CanRecover(err) {
			continue
		}
		if !o.admit(s, err.DeviceID) {
			continue
		}
		tried++

		ok, attemptErr := s.Attempt(ctx, err)
		if o.metrics != nil {
			o.metrics.RecoveryAttempt(s.Name(), ok)
		}
		if attemptErr != nil {
			o.logger.WithError(attemptErr).Warnf("strategy %s failed for device %s", s.Name(), err.DeviceID)
		}
		if ok {
			o.logger.Infof("strategy %s recovered device %s from %s", s.Name(), err.DeviceID, err.Code)
			o.monitor.RegisterRecoveryAttempt(ctx, err.DeviceID, err.Code, true)
			return true
		}
		if ctx.Err() != nil {
			break
		}
	}

	if tried > 0 {
		o.monitor.RegisterRecoveryAttempt(ctx, err.DeviceID, err.Code, false)
	}
	if o.monitor.Exhausted(err.DeviceID, err.Code) {
		o.raiseExhausted(ctx, err)
	}
	return false
}

// admit applies the per-strategy per-device attempt cap and backoff.
func (o *Orchestrator) admit(s Strategy, deviceID uuid.UUID) bool {
	key := strategyKey{strategy: s.Name(), deviceID: deviceID}
	st, _ := o.history.LoadOrCompute(key, func() (*strategyState, bool) {
		return &strategyState{}, false
	})

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.attempts >= o.maxAttempts {
		return false
	}
	if !st.lastAttempt.IsZero() && time.Since(st.lastAttempt) < o.strategyBackoff {
		return false
	}
	st.attempts++
	st.lastAttempt = time.Now()
	return true
}

// raiseExhausted publishes a critical alert for a device whose recovery
// options are spent.
func (o *Orchestrator) raiseExhausted(ctx context.Context, err *errmon.DeviceError) {
	o.logger.Errorf("recovery exhausted for device %s (%s)", err.DeviceID, err.Code)
	if o.pub == nil {
		return
	}
	// err is the copy captured at report time; the monitor's record carries
	// the attempt count including this pass.
	attempts := err.RecoveryAttempts
	if rec, ok := o.monitor.Get(err.DeviceID, err.Code); ok {
		attempts = rec.RecoveryAttempts
	}
	ev := event.NewAlert(err.DeviceID, err.DeviceID, event.SeverityCritical,
		"device recovery exhausted: "+err.Code,
		map[string]any{
			"code":     err.Code,
			"attempts": attempts,
			"source":   err.Source.String(),
		})
	ev.Alert.CorrelationID = err.CorrelationID
	ev.Routing.Persist = true
	if _, pubErr := o.pub.Publish(ctx, ev); pubErr != nil {
		o.logger.WithError(pubErr).Warnf("failed to publish exhaustion alert for %s", err.DeviceID)
	}
}
