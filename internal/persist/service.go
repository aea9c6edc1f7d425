// Package persist implements the persistence service: it observes property
// changes from registered devices and from the bus, batches them per device,
// and flushes them to the property store in single transactions while
// preserving metadata for untouched keys.
package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/semaphore"

	"github.com/sproutlab/sprout/internal/device"
	"github.com/sproutlab/sprout/internal/errmon"
	"github.com/sproutlab/sprout/internal/event"
	"github.com/sproutlab/sprout/internal/logging"
	"github.com/sproutlab/sprout/internal/model"
	"github.com/sproutlab/sprout/internal/store"
)

// Publisher is the slice of the event bus the service forwards device
// changes to.
type Publisher interface {
	Publish(ctx context.Context, ev *event.Event) (event.PublishResult, error)
}

// Metrics is the sink for persistence counters. A nil sink disables
// instrumentation.
type Metrics interface {
	FlushCompleted(devices int, properties int, elapsed time.Duration)
	FlushFailed()
}

// Config tunes the service.
type Config struct {
	// BatchInterval is the maximum age of buffered changes before a flush.
	BatchInterval time.Duration
	// FlushThreshold triggers an early flush once this many property writes
	// are buffered.
	FlushThreshold int
}

func (c Config) withDefaults() Config {
	if c.BatchInterval <= 0 {
		c.BatchInterval = time.Second
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = 256
	}
	return c
}

// Service batches device property changes and flushes them to the store.
type Service struct {
	cfg     Config
	store   *store.Store
	monitor *errmon.Monitor
	metrics Metrics
	logger  logging.Logger

	devices *xsync.Map[uuid.UUID, *device.Device]
	buf     *buffer

	// flushSem serializes flush transactions. Weighted so acquisition is
	// context-aware: a cancelled caller stops waiting instead of queueing.
	flushSem *semaphore.Weighted

	pub    Publisher
	worker *flushWorker
}

// NewService builds the persistence service over st. monitor and metrics
// may be nil.
func NewService(cfg Config, st *store.Store, monitor *errmon.Monitor, metrics Metrics, logger logging.Logger) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:      cfg,
		store:    st,
		monitor:  monitor,
		metrics:  metrics,
		logger:   logging.OrDiscard(logger).Component("persist"),
		devices:  xsync.NewMap[uuid.UUID, *device.Device](),
		buf:      newBuffer(),
		flushSem: semaphore.NewWeighted(1),
	}
	s.worker = newFlushWorker(s, cfg.FlushThreshold, cfg.BatchInterval, cfg.BatchInterval/4)
	return s
}

// Start launches the background flush worker.
func (s *Service) Start() {
	s.worker.Start()
}

// SetPublisher wires the bus the service forwards device changes to.
func (s *Service) SetPublisher(p Publisher) {
	s.pub = p
}

// HandleBusEvent is the service's bus subscription: every PropertyChanged
// event seen on the bus lands in the pending buffer. Registered with
// the bus by the launcher.
func (s *Service) HandleBusEvent(ctx context.Context, ev *event.Event) error {
	pc := ev.PropertyChanged
	if pc == nil {
		return nil
	}
	value := canonicalValue(pc.NewValue, pc.OldValue)
	s.buf.Mark(ev.DeviceID, pc.PropertyName, value, pc.Metadata)
	return nil
}

// AddOrUpdate registers dev with the service. A device never seen before is
// initialized and its resulting properties become the persisted baseline; a
// known device gets its stored properties and metadata loaded back and is
// then driven to Ready so it can be started again, without re-baselining.
// Either way the service binds itself as the device's change handler.
func (s *Service) AddOrUpdate(ctx context.Context, dev *device.Device) error {
	props, err := s.store.Load(ctx, dev.ID())
	if err != nil {
		return fmt.Errorf("persist: load %s: %w", dev.ID(), err)
	}
	meta, err := s.store.LoadMetadata(ctx, dev.ID())
	if err != nil {
		return fmt.Errorf("persist: load metadata %s: %w", dev.ID(), err)
	}

	if props == nil && meta == nil {
		if err := dev.Initialize(ctx); err != nil {
			return fmt.Errorf("persist: initialize %s: %w", dev.Name(), err)
		}
		s.buf.MarkAll(dev.ID(), dev.AllProperties(), dev.AllMetadata())
		s.logger.Infof("device %s (%s) registered first-time", dev.Name(), dev.ID())
	} else {
		dev.LoadProperties(props, meta)
		// The handler is bound before reinitialization so the lifecycle
		// transitions overwrite the stale persisted State property.
		dev.SetChangeHandler(s.onChange)
		if err := dev.Initialize(ctx); err != nil {
			return fmt.Errorf("persist: reinitialize %s: %w", dev.Name(), err)
		}
		s.logger.Infof("device %s (%s) restored with %d properties", dev.Name(), dev.ID(), len(props))
	}

	dev.SetChangeHandler(s.onChange)
	s.devices.Store(dev.ID(), dev)
	return nil
}

// onChange buffers one observed device change and forwards it to the bus.
func (s *Service) onChange(c device.Change) {
	value := canonicalValue(c.NewValue, c.OldValue)
	meta := c.Metadata
	s.buf.Mark(c.DeviceID, c.PropertyName, value, &meta)

	if s.pub == nil {
		return
	}
	ev := event.NewPropertyChanged(c.DeviceID, c.DeviceID, event.PropertyChanged{
		PropertyName: c.PropertyName,
		PropertyType: c.PropertyType,
		OldValue:     c.OldValue,
		NewValue:     c.NewValue,
		Metadata:     &meta,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.pub.Publish(ctx, ev); err != nil {
		s.logger.WithError(err).Warnf("publish of change %s/%s failed", c.DeviceID, c.PropertyName)
	}
}

// Pending returns the number of buffered property writes awaiting flush.
func (s *Service) Pending() int {
	return s.buf.Len()
}

// Device returns the registered device by id.
func (s *Service) Device(id uuid.UUID) (*device.Device, bool) {
	return s.devices.Load(id)
}

// ReadProperty resolves a property: pending buffer first, then the live
// device, then the store. Implements the topology condition read API.
func (s *Service) ReadProperty(ctx context.Context, deviceID uuid.UUID, name string) (any, bool, error) {
	if v, ok := s.buf.Peek(deviceID, name); ok {
		return v, true, nil
	}
	if dev, ok := s.devices.Load(deviceID); ok {
		if v, ok := device.GetProperty[any](dev, name); ok {
			return v, true, nil
		}
	}
	props, err := s.store.Load(ctx, deviceID)
	if err != nil {
		return nil, false, err
	}
	v, ok := props[name]
	return v, ok, nil
}

// GetProperty returns the freshest known value of a device property,
// converted to T.
func GetProperty[T any](ctx context.Context, s *Service, deviceID uuid.UUID, name string) (T, bool, error) {
	var zero T
	raw, ok, err := s.ReadProperty(ctx, deviceID, name)
	if err != nil || !ok {
		return zero, false, err
	}
	v, ok := model.ConvertTo[T](raw)
	return v, ok, nil
}

// ProcessPendingEvents forces an immediate flush of all buffered changes in
// one transaction. Concurrent calls are admitted one at a time; each
// produces an independent transaction. On failure the drained buffers are
// re-merged and the error is returned after being reported.
func (s *Service) ProcessPendingEvents(ctx context.Context) error {
	if err := s.flushSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.flushSem.Release(1)

	drained := s.buf.Drain()
	if len(drained) == 0 {
		return nil
	}

	started := time.Now()
	if err := s.flushTx(ctx, drained); err != nil {
		s.buf.Merge(drained)
		if s.metrics != nil {
			s.metrics.FlushFailed()
		}
		if s.monitor != nil {
			s.monitor.Report(ctx, errmon.Capture(uuid.Nil, "STORE_FLUSH_FAILED", errmon.SourceStorage, err, started))
		}
		return fmt.Errorf("persist: flush: %w", err)
	}

	properties := 0
	for _, p := range drained {
		properties += len(p.props)
	}
	if s.metrics != nil {
		s.metrics.FlushCompleted(len(drained), properties, time.Since(started))
	}
	s.logger.Debugf("flushed %d properties across %d devices in %s", properties, len(drained), time.Since(started))
	return nil
}

// flushTx writes every drained device delta in one transaction. The store
// upserts only the supplied keys, so properties and metadata untouched by
// this batch keep their on-disk values.
func (s *Service) flushTx(ctx context.Context, drained map[uuid.UUID]*pending) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for deviceID, p := range drained {
		if err := tx.SaveWithMetadata(deviceID, p.props, p.meta); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Close stops the flush worker, performing one final flush.
func (s *Service) Close() {
	s.worker.Stop()
}

// canonicalValue replaces a nil incoming value with a sentinel derived from
// the old value's type, so typed reads never surface null for a key that is
// known to exist.
func canonicalValue(newValue, oldValue any) any {
	if newValue != nil {
		return newValue
	}
	switch oldValue.(type) {
	case string:
		return ""
	case bool:
		return false
	case int, int32, int64, uint, uint32, uint64:
		return 0
	case float32, float64:
		return 0.0
	case nil:
		return map[string]any{}
	default:
		return map[string]any{}
	}
}
