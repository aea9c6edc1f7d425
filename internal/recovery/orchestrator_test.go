package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sproutlab/sprout/internal/device"
	"github.com/sproutlab/sprout/internal/errmon"
	"github.com/sproutlab/sprout/internal/event"
)

// fakeStrategy records invocations and answers with a scripted result.
type fakeStrategy struct {
	name     string
	priority int
	can      bool
	succeed  bool

	mu    sync.Mutex
	calls []uuid.UUID
	block chan struct{}
}

func (f *fakeStrategy) Name() string                            { return f.name }
func (f *fakeStrategy) Priority() int                           { return f.priority }
func (f *fakeStrategy) CanRecover(err *errmon.DeviceError) bool { return f.can }

func (f *fakeStrategy) Attempt(ctx context.Context, err *errmon.DeviceError) (bool, error) {
	f.mu.Lock()
	f.calls = append(f.calls, err.DeviceID)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.succeed {
		return true, nil
	}
	return false, errors.New("no luck")
}

func (f *fakeStrategy) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type alertSink struct {
	mu     sync.Mutex
	events []*event.Event
}

func (a *alertSink) Publish(_ context.Context, ev *event.Event) (event.PublishResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return event.PublishResult{EventID: ev.ID}, nil
}

func (a *alertSink) alerts() []*event.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*event.Event(nil), a.events...)
}

func reportedError(t *testing.T, m *errmon.Monitor, deviceID uuid.UUID, code string) *errmon.DeviceError {
	t.Helper()
	return m.Report(context.Background(), &errmon.DeviceError{
		DeviceID:    deviceID,
		Code:        code,
		Message:     "boom",
		Source:      errmon.SourceDevice,
		Transient:   true,
		Recoverable: true,
	})
}

func TestStrategiesTriedInPriorityOrder(t *testing.T) {
	m := errmon.NewMonitor(errmon.Config{}, nil)
	o := NewOrchestrator(m, nil, nil)
	o.strategyBackoff = 0

	var order []string
	mark := func(name string) *fakeStrategy { return &fakeStrategy{name: name, can: true} }
	second := mark("second")
	first := mark("first")
	first.priority, second.priority = 10, 20
	second.succeed = true

	// Registration order must not matter.
	o.Register(second)
	o.Register(first)

	deviceID := uuid.New()
	err := reportedError(t, m, deviceID, "DEV_FAULT")
	if !o.Attempt(context.Background(), err) {
		t.Fatal("attempt should succeed via the second strategy")
	}

	order = append(order, first.name, second.name)
	if first.callCount() != 1 || second.callCount() != 1 {
		t.Fatalf("call counts = %d, %d; want 1, 1 (order %v)", first.callCount(), second.callCount(), order)
	}
	if m.Attemptable(deviceID, "DEV_FAULT") {
		t.Fatal("resolved error must not stay attemptable")
	}
}

func TestFirstSuccessStopsTheChain(t *testing.T) {
	m := errmon.NewMonitor(errmon.Config{}, nil)
	o := NewOrchestrator(m, nil, nil)
	o.strategyBackoff = 0

	winner := &fakeStrategy{name: "winner", priority: 10, can: true, succeed: true}
	spare := &fakeStrategy{name: "spare", priority: 20, can: true}
	o.Register(winner)
	o.Register(spare)

	deviceID := uuid.New()
	if !o.Attempt(context.Background(), reportedError(t, m, deviceID, "DEV_FAULT")) {
		t.Fatal("attempt failed")
	}
	if spare.callCount() != 0 {
		t.Fatal("later strategy ran after an earlier success")
	}
}

func TestCanRecoverGates(t *testing.T) {
	m := errmon.NewMonitor(errmon.Config{}, nil)
	o := NewOrchestrator(m, nil, nil)
	o.strategyBackoff = 0

	skipped := &fakeStrategy{name: "skipped", priority: 10, can: false, succeed: true}
	o.Register(skipped)

	o.Attempt(context.Background(), reportedError(t, m, uuid.New(), "DEV_FAULT"))
	if skipped.callCount() != 0 {
		t.Fatal("non-applicable strategy was invoked")
	}
}

func TestUnreportedErrorNotAttempted(t *testing.T) {
	m := errmon.NewMonitor(errmon.Config{}, nil)
	o := NewOrchestrator(m, nil, nil)
	s := &fakeStrategy{name: "s", priority: 10, can: true, succeed: true}
	o.Register(s)

	unknown := &errmon.DeviceError{DeviceID: uuid.New(), Code: "DEV_FAULT", Recoverable: true}
	if o.Attempt(context.Background(), unknown) {
		t.Fatal("attempt on unreported error must fail")
	}
	if s.callCount() != 0 {
		t.Fatal("strategy ran for an unreported error")
	}
}

func TestInFlightGuard(t *testing.T) {
	m := errmon.NewMonitor(errmon.Config{}, nil)
	o := NewOrchestrator(m, nil, nil)
	o.strategyBackoff = 0

	blocker := &fakeStrategy{name: "blocker", priority: 10, can: true, succeed: true, block: make(chan struct{})}
	o.Register(blocker)

	deviceID := uuid.New()
	err := reportedError(t, m, deviceID, "DEV_FAULT")

	started := make(chan struct{})
	done := make(chan bool)
	go func() {
		close(started)
		done <- o.Attempt(context.Background(), err)
	}()
	<-started
	for blocker.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	if o.Attempt(context.Background(), err) {
		t.Fatal("concurrent attempt for the same device must be refused")
	}

	close(blocker.block)
	if !<-done {
		t.Fatal("blocked attempt should have succeeded")
	}
}

func TestPerStrategyAttemptCap(t *testing.T) {
	m := errmon.NewMonitor(errmon.Config{MaxRecoveryAttempts: 100}, nil)
	o := NewOrchestrator(m, nil, nil)
	o.strategyBackoff = 0
	o.maxAttempts = 2

	hopeless := &fakeStrategy{name: "hopeless", priority: 10, can: true}
	o.Register(hopeless)

	// The cap is keyed by (strategy, device), not by error code, so distinct
	// codes keep the monitor side attemptable while the strategy runs dry.
	deviceID := uuid.New()
	codes := []string{"DEV_FAULT_A", "DEV_FAULT_B", "DEV_FAULT_C", "DEV_FAULT_D"}
	for _, code := range codes {
		o.Attempt(context.Background(), reportedError(t, m, deviceID, code))
	}

	if hopeless.callCount() != 2 {
		t.Fatalf("strategy ran %d times, cap is 2", hopeless.callCount())
	}
}

func TestExhaustionRaisesAlert(t *testing.T) {
	m := errmon.NewMonitor(errmon.Config{MaxRecoveryAttempts: 1}, nil)
	sink := &alertSink{}
	o := NewOrchestrator(m, sink, nil)
	o.strategyBackoff = 0

	hopeless := &fakeStrategy{name: "hopeless", priority: 10, can: true}
	o.Register(hopeless)

	deviceID := uuid.New()
	reported := reportedError(t, m, deviceID, "DEV_FAULT")
	if o.Attempt(context.Background(), reported) {
		t.Fatal("attempt should fail")
	}

	alerts := sink.alerts()
	if len(alerts) != 1 {
		t.Fatalf("published %d alerts, want 1", len(alerts))
	}
	alert := alerts[0]
	if alert.Kind != event.KindAlert || alert.Alert == nil {
		t.Fatalf("not an alert event: %+v", alert)
	}
	if alert.Alert.Severity != event.SeverityCritical {
		t.Fatalf("severity = %s, want critical", alert.Alert.Severity)
	}
	if alert.Alert.CorrelationID != reported.CorrelationID {
		t.Fatal("alert must carry the error's correlation id")
	}
	if !alert.Routing.Persist {
		t.Fatal("exhaustion alert must be durable")
	}
	if alert.Alert.Data["code"] != "DEV_FAULT" {
		t.Fatalf("alert data = %v", alert.Alert.Data)
	}
	if alert.Alert.Data["attempts"] != 1 {
		t.Fatalf("attempts = %v, want the count including the final pass", alert.Alert.Data["attempts"])
	}
}

func TestNoAlertWhileAttemptsRemain(t *testing.T) {
	m := errmon.NewMonitor(errmon.Config{MaxRecoveryAttempts: 3}, nil)
	sink := &alertSink{}
	o := NewOrchestrator(m, sink, nil)
	o.strategyBackoff = 0

	hopeless := &fakeStrategy{name: "hopeless", priority: 10, can: true}
	o.Register(hopeless)

	deviceID := uuid.New()
	o.Attempt(context.Background(), reportedError(t, m, deviceID, "DEV_FAULT"))

	if len(sink.alerts()) != 0 {
		t.Fatal("first failure must not raise the exhaustion alert")
	}
}

func TestAttachRecoversFreshReports(t *testing.T) {
	m := errmon.NewMonitor(errmon.Config{}, nil)
	o := NewOrchestrator(m, nil, nil)
	o.strategyBackoff = 0

	winner := &fakeStrategy{name: "winner", priority: 10, can: true, succeed: true}
	o.Register(winner)
	o.Attach()

	deviceID := uuid.New()
	reportedError(t, m, deviceID, "DEV_FAULT")

	deadline := time.Now().Add(2 * time.Second)
	for m.Attemptable(deviceID, "DEV_FAULT") {
		if time.Now().After(deadline) {
			t.Fatal("attached orchestrator never resolved the reported error")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if winner.callCount() != 1 {
		t.Fatalf("strategy ran %d times, want 1", winner.callCount())
	}
}

// provider adapts a map to the DeviceProvider interface.
type provider map[uuid.UUID]*device.Device

func (p provider) Device(id uuid.UUID) (*device.Device, bool) {
	d, ok := p[id]
	return d, ok
}

func TestDeviceRestartStrategy(t *testing.T) {
	dev := device.New(device.Config{Name: "pump-1", AssemblyType: "pump"})
	ctx := context.Background()
	if err := dev.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := dev.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	s := &DeviceRestart{Devices: provider{dev.ID(): dev}}
	err := &errmon.DeviceError{DeviceID: dev.ID(), Code: "DEV_HUNG", Source: errmon.SourceDevice}
	if !s.CanRecover(err) {
		t.Fatal("device-source error should be restartable")
	}

	ok, attemptErr := s.Attempt(ctx, err)
	if attemptErr != nil || !ok {
		t.Fatalf("attempt: %v, %v", ok, attemptErr)
	}
	if dev.State() != device.StateRunning {
		t.Fatalf("device state after restart = %s", dev.State())
	}

	if _, err := s.Attempt(ctx, &errmon.DeviceError{DeviceID: uuid.New()}); err == nil {
		t.Fatal("unknown device must fail the attempt")
	}
}

func TestConfigReinitializeStrategy(t *testing.T) {
	dev := device.New(device.Config{Name: "pump-1", AssemblyType: "pump"})
	ctx := context.Background()
	if err := dev.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := dev.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	reloaded := false
	s := &ConfigReinitialize{
		Devices: provider{dev.ID(): dev},
		Reload: func(context.Context, uuid.UUID) error {
			reloaded = true
			return nil
		},
	}

	ok, err := s.Attempt(ctx, &errmon.DeviceError{DeviceID: dev.ID(), Code: "CFG_CORRUPT", Recoverable: true})
	if err != nil || !ok {
		t.Fatalf("attempt: %v, %v", ok, err)
	}
	if !reloaded {
		t.Fatal("reload hook not invoked")
	}
	if dev.State() != device.StateReady {
		t.Fatalf("device state after reinitialize = %s", dev.State())
	}
}

func TestCommunicationBackoffStrategy(t *testing.T) {
	s := &CommunicationBackoff{Settle: 10 * time.Millisecond}

	commErr := &errmon.DeviceError{Source: errmon.SourceCommunication, Transient: true}
	if !s.CanRecover(commErr) {
		t.Fatal("transient communication error should match")
	}
	if s.CanRecover(&errmon.DeviceError{Source: errmon.SourceCommunication}) {
		t.Fatal("non-transient error must not match")
	}

	ok, err := s.Attempt(context.Background(), commErr)
	if err != nil || !ok {
		t.Fatalf("attempt: %v, %v", ok, err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if ok, _ := s.Attempt(cancelled, commErr); ok {
		t.Fatal("cancelled attempt must not report success")
	}
}
