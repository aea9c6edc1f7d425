// Package bus implements the event bus: subscription management, topology
// aware routing, priority dispatch over a fixed worker pool, and the
// dead-letter retry loop.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/sproutlab/sprout/internal/breaker"
	"github.com/sproutlab/sprout/internal/errmon"
	"github.com/sproutlab/sprout/internal/event"
	"github.com/sproutlab/sprout/internal/logging"
	"github.com/sproutlab/sprout/internal/scanloop"
)

// Metrics is the sink for bus counters. All methods must be safe for
// concurrent use; a nil sink disables instrumentation.
type Metrics interface {
	EventPublished(kind string)
	HandlerOutcome(outcome string)
	EventDeadLettered()
	EventRetried()
}

// Config tunes the bus.
type Config struct {
	// Concurrency of the async dispatch pool. Minimum 1; with exactly 1
	// async handlers observe publish order.
	Concurrency int
	// FailedScanInterval paces the dead-letter retry loop.
	FailedScanInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 4
	}
	if c.FailedScanInterval <= 0 {
		c.FailedScanInterval = scanloop.DefaultMinInterval
	}
	return c
}

// Bus routes published events to matching subscriptions.
type Bus struct {
	cfg     Config
	logger  logging.Logger
	store   DeadLetterStore
	monitor *errmon.Monitor
	metrics Metrics

	subs *xsync.Map[uuid.UUID, *subscription]
	pool *workerPool

	mu          sync.RWMutex
	topo        TopologyView
	transformer Transformer
	retry       RetryPolicy

	stopOnce sync.Once
	stopCh   chan struct{}
	loopWG   sync.WaitGroup
}

// New builds a bus. store is required; monitor and metrics may be nil.
func New(cfg Config, store DeadLetterStore, monitor *errmon.Monitor, metrics Metrics, logger logging.Logger) *Bus {
	cfg = cfg.withDefaults()
	return &Bus{
		cfg:         cfg,
		logger:      logging.OrDiscard(logger).Component("bus"),
		store:       store,
		monitor:     monitor,
		metrics:     metrics,
		subs:        xsync.NewMap[uuid.UUID, *subscription](),
		pool:        newWorkerPool(cfg.Concurrency),
		transformer: identityTransformer{},
		retry:       defaultRetryPolicy{},
		stopCh:      make(chan struct{}),
	}
}

// Subscribe registers handler and returns the subscription id.
func (b *Bus) Subscribe(handler Handler, opts SubscribeOptions) uuid.UUID {
	sub := newSubscription(handler, opts)
	b.subs.Store(sub.id, sub)
	return sub.id
}

// Unsubscribe removes the subscription; false when unknown.
func (b *Bus) Unsubscribe(id uuid.UUID) bool {
	_, existed := b.subs.LoadAndDelete(id)
	return existed
}

// SetTopologyService wires the topology view used for connected-source
// matching. Until set, IncludeConnectedSources matches nothing extra.
func (b *Bus) SetTopologyService(ts TopologyView) {
	b.mu.Lock()
	b.topo = ts
	b.mu.Unlock()
}

// SetTransformer replaces the publish-path transformer; nil restores the
// identity.
func (b *Bus) SetTransformer(t Transformer) {
	b.mu.Lock()
	if t == nil {
		t = identityTransformer{}
	}
	b.transformer = t
	b.mu.Unlock()
}

// SetRetryPolicy replaces the dead-letter retry policy; nil restores the
// default.
func (b *Bus) SetRetryPolicy(p RetryPolicy) {
	b.mu.Lock()
	if p == nil {
		p = defaultRetryPolicy{}
	}
	b.retry = p
	b.mu.Unlock()
}

// Publish routes ev to all matching subscriptions. Synchronous handlers run
// inline before Publish returns; asynchronous ones are dispatched through
// the pool and awaited, bounded by Routing.Timeout when set. A handler that
// fails never stops the others.
func (b *Bus) Publish(ctx context.Context, ev *event.Event) (event.PublishResult, error) {
	return b.publish(ctx, ev, 0)
}

func (b *Bus) publish(ctx context.Context, ev *event.Event, attempts int) (event.PublishResult, error) {
	res := event.PublishResult{}
	if ev == nil {
		return res, fmt.Errorf("bus: nil event")
	}

	b.mu.RLock()
	transformer := b.transformer
	b.mu.RUnlock()

	transformed := transformer.Transform(ev)
	if transformed == nil {
		transformed = ev
	}
	transformed.ID = ev.ID
	res.EventID = transformed.ID

	if b.metrics != nil {
		b.metrics.EventPublished(transformed.Kind.String())
	}

	prePersisted := false
	if transformed.Routing.Persist {
		if err := b.store.Persist(ctx, transformed, attempts); err != nil {
			return res, fmt.Errorf("bus: persist before dispatch: %w", err)
		}
		prePersisted = true
	}

	selected := b.selectSubscriptions(ctx, transformed)
	res.HandlerCount = len(selected)
	if len(selected) == 0 {
		return res, nil
	}

	var syncSubs, asyncSubs []*subscription
	for _, sub := range selected {
		if sub.opts.Synchronous {
			syncSubs = append(syncSubs, sub)
		} else {
			asyncSubs = append(asyncSubs, sub)
		}
	}

	outcomes := make(chan event.Outcome, len(asyncSubs))
	for _, sub := range asyncSubs {
		sub := sub
		ok := b.pool.submit(transformed.Routing.Priority, func() {
			outcomes <- b.invoke(ctx, sub, transformed)
		})
		if !ok {
			outcomes <- event.Outcome{SubscriptionID: sub.id, Kind: event.OutcomeHandlerFailed,
				Err: fmt.Errorf("bus: dispatch pool stopped")}
		}
	}

	for _, sub := range syncSubs {
		b.recordOutcome(&res, b.invoke(ctx, sub, transformed))
	}

	var timeout <-chan time.Time
	if transformed.Routing.Timeout > 0 {
		timer := time.NewTimer(transformed.Routing.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

collect:
	for i := 0; i < len(asyncSubs); i++ {
		select {
		case o := <-outcomes:
			b.recordOutcome(&res, o)
		case <-timeout:
			res.TimedOut = true
			break collect
		case <-ctx.Done():
			res.TimedOut = true
			break collect
		}
	}

	if res.HasErrors() {
		b.deadLetter(ctx, transformed, attempts+1)
	} else if prePersisted && !res.TimedOut {
		if err := b.store.Delete(ctx, transformed.ID); err != nil {
			b.logger.WithError(err).Warnf("failed to clear delivered event %s", transformed.ID)
		}
	}
	return res, nil
}

// selectSubscriptions applies the matching predicate: kind gate, then
// source / target / connected-source, then the filter.
func (b *Bus) selectSubscriptions(ctx context.Context, ev *event.Event) []*subscription {
	b.mu.RLock()
	topo := b.topo
	b.mu.RUnlock()

	// Connected targets are resolved once per publish, not per
	// subscription; every subscription sees the same snapshot.
	var connected map[uuid.UUID]bool
	connectedResolved := false
	resolveConnected := func() map[uuid.UUID]bool {
		if connectedResolved {
			return connected
		}
		connectedResolved = true
		if topo == nil {
			return nil
		}
		for _, c := range topo.ForSource(ctx, ev.SourceID) {
			if connected == nil {
				connected = map[uuid.UUID]bool{}
			}
			connected[c.TargetID] = true
		}
		return connected
	}

	var selected []*subscription
	b.subs.Range(func(_ uuid.UUID, sub *subscription) bool {
		if !sub.wantsKind(ev.Kind) {
			return true
		}
		match := sub.wantsAnySource() || sub.wantsSource(ev.SourceID)
		if !match {
			for _, target := range ev.Routing.TargetIDs {
				if sub.wantsSource(target) {
					match = true
					break
				}
			}
		}
		if !match && sub.opts.IncludeConnectedSources {
			for target := range resolveConnected() {
				if sub.wantsSource(target) {
					match = true
					break
				}
			}
		}
		if match && sub.passesFilter(ev) {
			selected = append(selected, sub)
		}
		return true
	})
	return selected
}

// invoke runs one handler, converting panics and circuit rejections into
// outcomes.
func (b *Bus) invoke(ctx context.Context, sub *subscription, ev *event.Event) (out event.Outcome) {
	out = event.Outcome{SubscriptionID: sub.id, Kind: event.OutcomeOK}
	defer func() {
		if r := recover(); r != nil {
			out.Kind = event.OutcomeHandlerFailed
			out.Err = fmt.Errorf("handler panic: %v", r)
			b.logger.Errorf("subscription %s: handler panicked on event %s: %v", sub.id, ev.ID, r)
		}
		if b.metrics != nil {
			b.metrics.HandlerOutcome(out.Kind.String())
		}
	}()

	if err := sub.handler(ctx, ev); err != nil {
		if _, rejected := err.(*breaker.ErrCircuitOpen); rejected {
			out.Kind = event.OutcomeCircuitOpen
		} else {
			out.Kind = event.OutcomeHandlerFailed
		}
		out.Err = err
	}
	return out
}

func (b *Bus) recordOutcome(res *event.PublishResult, o event.Outcome) {
	if o.Kind == event.OutcomeOK {
		res.SuccessCount++
		return
	}
	res.Errors = append(res.Errors, event.HandlerError{SubscriptionID: o.SubscriptionID, Err: o.Err})
}

// deadLetter parks ev for the retry loop and reports to the error monitor.
func (b *Bus) deadLetter(ctx context.Context, ev *event.Event, attempts int) {
	if err := b.store.Persist(ctx, ev, attempts); err != nil {
		b.logger.WithError(err).Errorf("failed to dead-letter event %s", ev.ID)
		return
	}
	if b.metrics != nil {
		b.metrics.EventDeadLettered()
	}
	if b.monitor != nil {
		b.monitor.Report(ctx, &errmon.DeviceError{
			DeviceID:    ev.DeviceID,
			Code:        "EVT_HANDLER_FAILED",
			Message:     fmt.Sprintf("event %s (%s) had failing handlers", ev.ID, ev.Kind),
			Source:      errmon.SourceEventSystem,
			Transient:   true,
			Recoverable: true,
		})
	}
}

// StartFailedEventLoop launches the background dead-letter retry loop.
func (b *Bus) StartFailedEventLoop() {
	b.loopWG.Add(1)
	go func() {
		defer b.loopWG.Done()
		scanloop.Run(b.stopCh, b.cfg.FailedScanInterval, scanloop.DefaultJitterRange, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := b.ProcessFailedEvents(ctx); err != nil {
				b.logger.WithError(err).Warnf("failed-event pass errored")
			}
		})
	}()
}

// ProcessFailedEvents claims one dead-lettered event and republishes it if
// the retry policy approves. Claimed events rejected by the policy are
// dropped.
func (b *Bus) ProcessFailedEvents(ctx context.Context) error {
	ev, attempts, ok, err := b.store.RetrieveFailed(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	b.mu.RLock()
	retry := b.retry
	b.mu.RUnlock()

	if !retry.ShouldRetry(ev, attempts) {
		b.logger.Warnf("dropping event %s after %d attempts", ev.ID, attempts)
		return nil
	}

	if b.metrics != nil {
		b.metrics.EventRetried()
	}
	res, err := b.publish(ctx, ev, attempts)
	if err != nil {
		return err
	}
	if res.HasErrors() {
		b.logger.Debugf("retry of event %s failed again (attempt %d)", ev.ID, attempts)
	}
	return nil
}

// Close stops the retry loop and drains the dispatch pool.
func (b *Bus) Close() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.loopWG.Wait()
		b.pool.stop()
	})
}
