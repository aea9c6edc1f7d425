package device

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/sproutlab/sprout/internal/model"
)

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	return New(Config{Name: "pump-1", AssemblyType: "pump"})
}

func TestSetPropertyEmitsOnce(t *testing.T) {
	dev := newTestDevice(t)

	var changes []Change
	dev.SetChangeHandler(func(c Change) { changes = append(changes, c) })

	dev.SetProperty("FlowRate", 50, nil)
	dev.SetProperty("FlowRate", 50, nil)
	dev.SetProperty("FlowRate", 75, nil)

	if len(changes) != 2 {
		t.Fatalf("expected 2 change events, got %d", len(changes))
	}
	if changes[1].OldValue != 50 || changes[1].NewValue != 75 {
		t.Fatalf("unexpected change payload: %+v", changes[1])
	}
}

func TestSetPropertyDerivesDefaultMetadata(t *testing.T) {
	dev := newTestDevice(t)
	dev.SetProperty("FlowRate", 50, nil)

	m, ok := dev.GetMetadata("FlowRate")
	if !ok {
		t.Fatal("metadata missing after first write")
	}
	if !m.Editable || m.DisplayName != "FlowRate" || m.Description != "Property FlowRate" {
		t.Fatalf("unexpected derived metadata: %+v", m)
	}
}

func TestMetadataIsSticky(t *testing.T) {
	dev := newTestDevice(t)
	custom := model.PropMetadata{Editable: false, Visible: true, DisplayName: "Flow Rate", Description: "l/min"}

	dev.SetProperty("FlowRate", 50, &custom)
	dev.SetProperty("FlowRate", 75, nil)

	m, _ := dev.GetMetadata("FlowRate")
	if m != custom {
		t.Fatalf("metadata erased by metadata-less write: %+v", m)
	}
}

func TestWellKnownNamesAreNotEditable(t *testing.T) {
	dev := newTestDevice(t)
	dev.SetProperty(PropID, dev.ID().String(), nil)
	dev.SetProperty(PropState, StateCreated.String(), nil)

	for _, name := range []string{PropID, PropState} {
		m, _ := dev.GetMetadata(name)
		if m.Editable {
			t.Fatalf("%s must not be editable: %+v", name, m)
		}
	}
}

func TestGetPropertyTypedConversion(t *testing.T) {
	dev := newTestDevice(t)
	dev.SetProperty("FlowRate", 75.0, nil)

	if v, ok := GetProperty[float64](dev, "FlowRate"); !ok || v != 75.0 {
		t.Fatalf("float64 read: %v, %v", v, ok)
	}
	if v, ok := GetProperty[int](dev, "FlowRate"); !ok || v != 75 {
		t.Fatalf("int read of whole float: %v, %v", v, ok)
	}
	if _, ok := GetProperty[string](dev, "FlowRate"); ok {
		t.Fatal("number must not read as string")
	}
	if _, ok := GetProperty[int](dev, "Missing"); ok {
		t.Fatal("missing property must not read")
	}
}

func TestLoadPropertiesEmitsNoEvents(t *testing.T) {
	dev := newTestDevice(t)
	fired := 0
	dev.SetChangeHandler(func(Change) { fired++ })

	dev.LoadProperties(
		model.PropertyMap{"FlowRate": 50, "Enabled": true},
		model.MetadataMap{"FlowRate": {Editable: true, Visible: true, DisplayName: "Flow Rate"}},
	)

	if fired != 0 {
		t.Fatalf("LoadProperties fired %d change events", fired)
	}
	if v, ok := GetProperty[int](dev, "FlowRate"); !ok || v != 50 {
		t.Fatalf("loaded property unreadable: %v, %v", v, ok)
	}
	m, _ := dev.GetMetadata("FlowRate")
	if m.DisplayName != "Flow Rate" {
		t.Fatalf("loaded metadata lost: %+v", m)
	}
}

func TestLifecycle(t *testing.T) {
	dev := newTestDevice(t)
	ctx := context.Background()

	if err := dev.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if dev.State() != StateReady {
		t.Fatalf("state after initialize = %s", dev.State())
	}
	if v, _ := GetProperty[string](dev, PropName); v != "pump-1" {
		t.Fatalf("Name property = %q", v)
	}
	if v, _ := GetProperty[string](dev, PropAssemblyType); v != "pump" {
		t.Fatalf("AssemblyType property = %q", v)
	}

	if err := dev.Stop(ctx); err == nil {
		t.Fatal("stop must fail when not running")
	}
	if err := dev.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if dev.State() != StateRunning {
		t.Fatalf("state after start = %s", dev.State())
	}
	if err := dev.Start(ctx); err == nil {
		t.Fatal("start must fail when already running")
	}
	if err := dev.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if dev.State() != StateReady {
		t.Fatalf("state after stop = %s", dev.State())
	}
}

func TestErrorIsSink(t *testing.T) {
	dev := newTestDevice(t)
	ctx := context.Background()
	if err := dev.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	dev.Fail("probe lost")
	if dev.State() != StateError {
		t.Fatalf("state = %s, want Error", dev.State())
	}
	if err := dev.Start(ctx); err == nil {
		t.Fatal("start must fail from Error")
	}
	if err := dev.Initialize(ctx); err == nil {
		t.Fatal("initialize must fail from Error")
	}
}

func TestInitializeHookFailureFaults(t *testing.T) {
	boom := New(Config{
		Name:         "broken",
		AssemblyType: "sensor",
		Hooks: Hooks{
			Initialize: func(context.Context) error { return context.DeadlineExceeded },
		},
	})
	if err := boom.Initialize(context.Background()); err == nil {
		t.Fatal("expected initialize error")
	}
	if boom.State() != StateError {
		t.Fatalf("state = %s, want Error", boom.State())
	}
}

func TestStateMirroredIntoProperty(t *testing.T) {
	dev := newTestDevice(t)
	if err := dev.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if v, _ := GetProperty[string](dev, PropState); v != StateReady.String() {
		t.Fatalf("State property = %q, want %q", v, StateReady)
	}
}

func TestUpdateOptimistic(t *testing.T) {
	dev := newTestDevice(t)
	dev.SetProperty("Counter", 0, nil)

	if !UpdateOptimistic(dev, "Counter", func(cur int) int { return cur + 1 }) {
		t.Fatal("uncontended update failed")
	}
	if v, _ := GetProperty[int](dev, "Counter"); v != 1 {
		t.Fatalf("Counter = %d, want 1", v)
	}
}

func TestUpdateOptimisticUnderContention(t *testing.T) {
	dev := newTestDevice(t)
	dev.SetProperty("Counter", 0, nil)

	const writers = 3
	var wg sync.WaitGroup
	results := make([]bool, writers)
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = UpdateOptimistic(dev, "Counter", func(cur int) int { return cur + 1 })
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, ok := range results {
		if ok {
			succeeded++
		}
	}
	if succeeded == 0 {
		t.Fatal("no writer succeeded under k=3 contention")
	}
	v, _ := GetProperty[int](dev, "Counter")
	if v != succeeded {
		t.Fatalf("Counter = %d, want %d (one increment per successful writer)", v, succeeded)
	}
}

func TestDeviceIDAssigned(t *testing.T) {
	dev := New(Config{Name: "x", AssemblyType: "y"})
	if dev.ID() == uuid.Nil {
		t.Fatal("zero config ID must be replaced with a fresh one")
	}

	fixed := uuid.New()
	dev2 := New(Config{ID: fixed, Name: "x", AssemblyType: "y"})
	if dev2.ID() != fixed {
		t.Fatalf("explicit ID not kept: %s", dev2.ID())
	}
}
