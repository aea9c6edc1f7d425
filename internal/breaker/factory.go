package breaker

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/sproutlab/sprout/internal/errmon"
	"github.com/sproutlab/sprout/internal/logging"
)

// Factory vends one breaker per service name. Rejections are reported to
// the error monitor as circuit-open recovery errors.
type Factory struct {
	logger  logging.Logger
	monitor *errmon.Monitor

	breakers *xsync.Map[string, *Breaker]

	mu       sync.RWMutex
	configs  map[string]Config
	observer func(StateChange)
}

// NewFactory builds a factory. monitor may be nil for tests.
func NewFactory(monitor *errmon.Monitor, logger logging.Logger) *Factory {
	return &Factory{
		logger:   logging.OrDiscard(logger),
		monitor:  monitor,
		breakers: xsync.NewMap[string, *Breaker](),
		configs:  map[string]Config{},
	}
}

// Configure sets the config used when the breaker for name is first vended.
// A breaker already vended keeps its tuning.
func (f *Factory) Configure(name string, cfg Config) {
	f.mu.Lock()
	f.configs[name] = cfg
	f.mu.Unlock()
}

// SetStateObserver installs a transition callback on every breaker vended
// after this call. Breakers already vended are updated too.
func (f *Factory) SetStateObserver(fn func(StateChange)) {
	f.mu.Lock()
	f.observer = fn
	f.mu.Unlock()
	f.breakers.Range(func(_ string, b *Breaker) bool {
		b.OnStateChange(fn)
		return true
	})
}

// Get returns the singleton breaker for name, creating it on first use.
func (f *Factory) Get(name string) *Breaker {
	b, _ := f.breakers.LoadOrCompute(name, func() (*Breaker, bool) {
		f.mu.RLock()
		cfg := f.configs[name]
		observer := f.observer
		f.mu.RUnlock()
		nb := New(name, cfg, f.logger)
		if observer != nil {
			nb.OnStateChange(observer)
		}
		return nb, false
	})
	return b
}

// Execute runs fn under the named breaker, reporting a rejection to the
// error monitor against deviceID.
func (f *Factory) Execute(ctx context.Context, name string, deviceID uuid.UUID, fn func(context.Context) error) error {
	err := f.Get(name).Execute(ctx, fn)
	if err != nil {
		if _, rejected := err.(*ErrCircuitOpen); rejected && f.monitor != nil {
			f.monitor.Report(ctx, &errmon.DeviceError{
				DeviceID:    deviceID,
				Code:        "RECOVERY_CIRCUIT_OPEN",
				Message:     err.Error(),
				Source:      errmon.SourceRecovery,
				Transient:   true,
				Recoverable: true,
				Context:     map[string]any{"circuit": name},
			})
		}
	}
	return err
}

// StopAll halts every vended breaker's health probe loop.
func (f *Factory) StopAll() {
	f.breakers.Range(func(_ string, b *Breaker) bool {
		b.StopHealthProbe()
		return true
	})
}
