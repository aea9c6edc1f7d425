package device

import (
	"context"
	"fmt"
)

// ErrBadTransition is wrapped by lifecycle operations invoked in a state
// that does not permit them.
type ErrBadTransition struct {
	From, To State
}

func (e *ErrBadTransition) Error() string {
	return fmt.Sprintf("illegal lifecycle transition %s -> %s", e.From, e.To)
}

// Initialize drives Created → Initializing → Ready, runs the Initialize
// hook in between, and records the four standard properties.
func (d *Device) Initialize(ctx context.Context) error {
	if err := d.transition(StateInitializing, ""); err != nil {
		return err
	}

	d.SetProperty(PropID, d.id.String(), nil)
	d.SetProperty(PropName, d.name, nil)
	d.SetProperty(PropAssemblyType, d.assemblyType, nil)

	if d.hooks.Initialize != nil {
		if err := d.hooks.Initialize(ctx); err != nil {
			d.Fail("initialize: " + err.Error())
			return fmt.Errorf("initialize %s: %w", d.name, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.transition(StateReady, "")
}

// Start drives Ready → Running. It fails when the device is not Ready.
func (d *Device) Start(ctx context.Context) error {
	d.mu.RLock()
	cur := d.state
	d.mu.RUnlock()
	if cur != StateReady {
		return &ErrBadTransition{From: cur, To: StateRunning}
	}

	if d.hooks.Start != nil {
		if err := d.hooks.Start(ctx); err != nil {
			d.Fail("start: " + err.Error())
			return fmt.Errorf("start %s: %w", d.name, err)
		}
	}
	return d.transition(StateRunning, "")
}

// Stop drives Running → Stopping → Ready. It fails when the device is not
// Running.
func (d *Device) Stop(ctx context.Context) error {
	d.mu.RLock()
	cur := d.state
	d.mu.RUnlock()
	if cur != StateRunning {
		return &ErrBadTransition{From: cur, To: StateStopping}
	}

	if err := d.transition(StateStopping, ""); err != nil {
		return err
	}
	if d.hooks.Stop != nil {
		if err := d.hooks.Stop(ctx); err != nil {
			d.Fail("stop: " + err.Error())
			return fmt.Errorf("stop %s: %w", d.name, err)
		}
	}
	return d.transition(StateReady, "")
}

// Fail moves the device into the Error sink with the given detail. A device
// already in a sink state stays there.
func (d *Device) Fail(details string) {
	_ = d.transition(StateError, details)
}

// Dispose moves the device into the Disposed sink. Further lifecycle
// operations and transitions are rejected.
func (d *Device) Dispose() {
	_ = d.transition(StateDisposed, "")
}

// transition validates and applies a state change, mirroring it into the
// State property so the change flows through persistence like any other
// property write.
func (d *Device) transition(to State, details string) error {
	d.mu.Lock()
	from := d.state
	if !CanTransition(from, to) {
		d.mu.Unlock()
		return &ErrBadTransition{From: from, To: to}
	}
	d.state = to
	d.mu.Unlock()

	if details != "" {
		d.logger.Warnf("state %s -> %s: %s", from, to, details)
	} else {
		d.logger.Debugf("state %s -> %s", from, to)
	}
	d.SetProperty(PropState, to.String(), nil)
	return nil
}
