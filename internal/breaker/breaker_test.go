package breaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failing(context.Context) error { return errBoom }
func succeeding(context.Context) error { return nil }

func newTestBreaker(reset time.Duration) *Breaker {
	return New("test", Config{
		MaxFailures:         3,
		ResetTimeout:        reset,
		HalfOpenMaxAttempts: 2,
	}, nil)
}

func TestStartsClosed(t *testing.T) {
	b := newTestBreaker(time.Minute)
	if b.State() != Closed {
		t.Fatalf("state = %s, want closed", b.State())
	}
}

func TestOpensAfterMaxFailures(t *testing.T) {
	b := newTestBreaker(time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, failing); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if b.State() != Open {
		t.Fatalf("state = %s, want open", b.State())
	}

	err := b.Execute(ctx, succeeding)
	var rejected *ErrCircuitOpen
	if !errors.As(err, &rejected) {
		t.Fatalf("open breaker must fail fast, got %v", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(time.Minute)
	ctx := context.Background()

	b.Execute(ctx, failing)
	b.Execute(ctx, failing)
	b.Execute(ctx, succeeding)
	b.Execute(ctx, failing)
	b.Execute(ctx, failing)

	if b.State() != Closed {
		t.Fatalf("non-consecutive failures must not trip, state = %s", b.State())
	}
}

// The FSM walk: 3 failures open the circuit, a call during Open is
// rejected, the reset timeout admits a probe (HalfOpen), and two
// consecutive successes close it again.
func TestFullStateWalk(t *testing.T) {
	b := newTestBreaker(100 * time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Execute(ctx, failing)
	}
	if b.State() != Open {
		t.Fatalf("state = %s, want open", b.State())
	}

	var rejected *ErrCircuitOpen
	if err := b.Execute(ctx, succeeding); !errors.As(err, &rejected) {
		t.Fatalf("call during open: %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("state after one probe = %s, want half-open", b.State())
	}
	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("state after two successes = %s, want closed", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(50 * time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Execute(ctx, failing)
	}
	time.Sleep(80 * time.Millisecond)

	if err := b.Execute(ctx, failing); !errors.Is(err, errBoom) {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != Open {
		t.Fatalf("failed probe must reopen, state = %s", b.State())
	}
}

func TestHalfOpenProbeLimit(t *testing.T) {
	b := newTestBreaker(50 * time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Execute(ctx, failing)
	}
	time.Sleep(80 * time.Millisecond)
	if b.State() != HalfOpen {
		t.Fatalf("state = %s, want half-open", b.State())
	}

	// Two in-flight probes exhaust the half-open budget; a third call is
	// rejected.
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	blocked := func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}
	go b.Execute(ctx, blocked)
	go b.Execute(ctx, blocked)
	<-started
	<-started

	var rejected *ErrCircuitOpen
	if err := b.Execute(ctx, succeeding); !errors.As(err, &rejected) {
		t.Fatalf("third half-open call must be rejected, got %v", err)
	}
	close(release)
}

func TestTripAndReset(t *testing.T) {
	b := newTestBreaker(time.Minute)

	b.Trip("maintenance")
	if b.State() != Open {
		t.Fatalf("state after trip = %s", b.State())
	}

	b.Reset()
	if b.State() != Closed {
		t.Fatalf("state after reset = %s", b.State())
	}
	if err := b.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("call after reset: %v", err)
	}
}

func TestDoReturnsValue(t *testing.T) {
	b := newTestBreaker(time.Minute)

	v, err := Do(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Fatalf("Do = %d, %v", v, err)
	}

	b.Trip("test")
	v, err = Do(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	var rejected *ErrCircuitOpen
	if !errors.As(err, &rejected) || v != 0 {
		t.Fatalf("rejected Do = %d, %v", v, err)
	}
}

func TestStateChangeNotification(t *testing.T) {
	b := newTestBreaker(time.Minute)

	changes := make(chan StateChange, 4)
	b.OnStateChange(func(c StateChange) { changes <- c })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		b.Execute(ctx, failing)
	}

	select {
	case c := <-changes:
		if c.OldState != Closed || c.NewState != Open {
			t.Fatalf("unexpected transition: %+v", c)
		}
		if c.LastFailureTime.IsZero() {
			t.Fatal("lastFailureTime not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("no state-change notification")
	}
}

func TestFactoryVendsSingletons(t *testing.T) {
	f := NewFactory(nil, nil)

	a := f.Get("store")
	b := f.Get("store")
	if a != b {
		t.Fatal("factory must vend one breaker per name")
	}
	if f.Get("other") == a {
		t.Fatal("distinct names must get distinct breakers")
	}
}

func TestFactoryPerNameConfig(t *testing.T) {
	f := NewFactory(nil, nil)
	f.Configure("fast", Config{MaxFailures: 1, ResetTimeout: time.Minute})

	b := f.Get("fast")
	b.Execute(context.Background(), failing)
	if b.State() != Open {
		t.Fatalf("configured maxFailures=1 not honored, state = %s", b.State())
	}
}

func TestFactoryStateObserver(t *testing.T) {
	f := NewFactory(nil, nil)
	f.Configure("fast", Config{MaxFailures: 1, ResetTimeout: time.Minute})

	changes := make(chan StateChange, 4)
	f.SetStateObserver(func(c StateChange) { changes <- c })

	f.Get("fast").Execute(context.Background(), failing)
	select {
	case c := <-changes:
		if c.Name != "fast" || c.NewState != Open {
			t.Fatalf("change = %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("observer not invoked for vended breaker")
	}

	// Breakers vended before the observer was set are retrofitted.
	pre := f.Get("pre")
	f.SetStateObserver(func(c StateChange) { changes <- c })
	pre.Trip("test")
	select {
	case c := <-changes:
		if c.Name != "pre" || c.NewState != Open {
			t.Fatalf("change = %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("observer not retrofitted onto existing breaker")
	}
}

func TestHealthProbeForcesHalfOpen(t *testing.T) {
	b := New("probe", Config{
		MaxFailures:         1,
		ResetTimeout:        time.Hour,
		HalfOpenMaxAttempts: 2,
		HealthCheckInterval: 20 * time.Millisecond,
	}, nil)

	var probes atomic.Int32
	b.SetHealthProbe(func(context.Context) error {
		probes.Add(1)
		return nil
	})
	defer b.StopHealthProbe()

	b.Execute(context.Background(), failing)
	if b.State() != Open {
		t.Fatalf("state = %s, want open", b.State())
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.State() != HalfOpen {
		if time.Now().After(deadline) {
			t.Fatalf("probe never forced half-open (%d probes ran)", probes.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
