package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sproutlab/sprout/internal/device"
	"github.com/sproutlab/sprout/internal/errmon"
)

// Strategy is one way of bringing a failing device back. Strategies are
// tried in ascending Priority order; the first to report success wins.
type Strategy interface {
	Name() string
	Priority() int
	CanRecover(err *errmon.DeviceError) bool
	Attempt(ctx context.Context, err *errmon.DeviceError) (bool, error)
}

// DeviceProvider resolves registered devices for the built-in strategies.
type DeviceProvider interface {
	Device(id uuid.UUID) (*device.Device, bool)
}

// CommunicationBackoff handles transient communication errors by waiting
// out a short settle period and letting the caller's next operation probe
// the link. It never touches the device.
type CommunicationBackoff struct {
	// Settle is how long to wait before declaring the attempt done.
	Settle time.Duration
}

func (s *CommunicationBackoff) Name() string  { return "communication-backoff" }
func (s *CommunicationBackoff) Priority() int { return 10 }

func (s *CommunicationBackoff) CanRecover(err *errmon.DeviceError) bool {
	return err.Source == errmon.SourceCommunication && err.Transient
}

func (s *CommunicationBackoff) Attempt(ctx context.Context, err *errmon.DeviceError) (bool, error) {
	settle := s.Settle
	if settle <= 0 {
		settle = 2 * time.Second
	}
	select {
	case <-time.After(settle):
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// DeviceRestart stops and restarts the failing device.
type DeviceRestart struct {
	Devices DeviceProvider
}

func (s *DeviceRestart) Name() string  { return "device-restart" }
func (s *DeviceRestart) Priority() int { return 20 }

func (s *DeviceRestart) CanRecover(err *errmon.DeviceError) bool {
	return err.Source == errmon.SourceDevice || err.Source == errmon.SourceService
}

func (s *DeviceRestart) Attempt(ctx context.Context, err *errmon.DeviceError) (bool, error) {
	dev, ok := s.Devices.Device(err.DeviceID)
	if !ok {
		return false, fmt.Errorf("recovery: device %s not registered", err.DeviceID)
	}

	if dev.State() == device.StateRunning {
		if stopErr := dev.Stop(ctx); stopErr != nil {
			return false, fmt.Errorf("recovery: stop %s: %w", dev.Name(), stopErr)
		}
	}
	if startErr := dev.Start(ctx); startErr != nil {
		return false, fmt.Errorf("recovery: start %s: %w", dev.Name(), startErr)
	}
	return true, nil
}

// ConfigReinitialize stops the device, reloads its persisted defaults, and
// re-runs initialization. Reload is injected by the launcher and typically
// delegates to the persistence service.
type ConfigReinitialize struct {
	Devices DeviceProvider
	Reload  func(ctx context.Context, deviceID uuid.UUID) error
}

func (s *ConfigReinitialize) Name() string  { return "config-reinitialize" }
func (s *ConfigReinitialize) Priority() int { return 30 }

func (s *ConfigReinitialize) CanRecover(err *errmon.DeviceError) bool {
	return err.Recoverable
}

func (s *ConfigReinitialize) Attempt(ctx context.Context, err *errmon.DeviceError) (bool, error) {
	dev, ok := s.Devices.Device(err.DeviceID)
	if !ok {
		return false, fmt.Errorf("recovery: device %s not registered", err.DeviceID)
	}

	if dev.State() == device.StateRunning {
		if stopErr := dev.Stop(ctx); stopErr != nil {
			return false, fmt.Errorf("recovery: stop %s: %w", dev.Name(), stopErr)
		}
	}
	if s.Reload != nil {
		if reloadErr := s.Reload(ctx, err.DeviceID); reloadErr != nil {
			return false, fmt.Errorf("recovery: reload %s: %w", dev.Name(), reloadErr)
		}
	}
	if initErr := dev.Initialize(ctx); initErr != nil {
		return false, fmt.Errorf("recovery: reinitialize %s: %w", dev.Name(), initErr)
	}
	return true, nil
}
