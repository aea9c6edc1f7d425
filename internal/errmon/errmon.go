// Package errmon records, classifies, and deduplicates device errors, and
// keeps the retry accounting the recovery orchestrator drives from.
package errmon

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/sproutlab/sprout/internal/event"
	"github.com/sproutlab/sprout/internal/logging"
)

// Source identifies the subsystem an error originated from.
type Source int

const (
	SourceUnknown Source = iota
	SourceDevice
	SourceService
	SourceCommunication
	SourceEventSystem
	SourceStorage
	SourceRecovery
	SourceSecurity
)

func (s Source) String() string {
	switch s {
	case SourceDevice:
		return "device"
	case SourceService:
		return "service"
	case SourceCommunication:
		return "communication"
	case SourceEventSystem:
		return "event_system"
	case SourceStorage:
		return "storage"
	case SourceRecovery:
		return "recovery"
	case SourceSecurity:
		return "security"
	default:
		return "unknown"
	}
}

// Codes classified as never recoverable regardless of the Recoverable flag.
var unrecoverableCodes = map[string]bool{
	"SYS_OUT_OF_MEMORY":  true,
	"SYS_STACK_OVERFLOW": true,
}

// DefaultMaxRecoveryAttempts bounds recovery retries per error.
const DefaultMaxRecoveryAttempts = 3

// DeviceError is one recorded error. Immutable once reported except for the
// recovery accounting fields, which the monitor owns.
type DeviceError struct {
	DeviceID      uuid.UUID
	Code          string
	Message       string
	Severity      event.Severity
	Source        Source
	Transient     bool
	Recoverable   bool
	Context       map[string]any
	Err           error
	CorrelationID uuid.UUID
	Timestamp     time.Time

	RecoveryAttempts int
	LastRecoveryAt   time.Time
	Resolved         bool
	Acknowledged     bool
}

// Category derives the error's category from the code prefix, e.g.
// "COMM_TIMEOUT" is category "COMM".
func (e *DeviceError) Category() string {
	if i := strings.IndexByte(e.Code, '_'); i > 0 {
		return e.Code[:i]
	}
	return e.Code
}

// Backoff returns the wait required before the next recovery attempt:
// 2^min(attempts,9) seconds, capped at 600s.
func (e *DeviceError) Backoff() time.Duration {
	exp := e.RecoveryAttempts
	if exp > 9 {
		exp = 9
	}
	d := time.Duration(1<<uint(exp)) * time.Second
	if d > 600*time.Second {
		d = 600 * time.Second
	}
	return d
}

// CanAttemptRecovery reports whether another recovery attempt is allowed
// right now.
func (e *DeviceError) CanAttemptRecovery(maxAttempts int) bool {
	if !e.Recoverable || e.Resolved || unrecoverableCodes[e.Code] {
		return false
	}
	if e.RecoveryAttempts >= maxAttempts {
		return false
	}
	return e.LastRecoveryAt.IsZero() || time.Since(e.LastRecoveryAt) > e.Backoff()
}

type errKey struct {
	DeviceID uuid.UUID
	Code     string
}

// Config tunes the monitor.
type Config struct {
	// DedupWindow collapses repeated reports of the same (device, code)
	// into one record while the previous report is younger than this.
	DedupWindow time.Duration
	// RetainFor controls how long resolved errors survive before Prune
	// discards them.
	RetainFor time.Duration
	// MaxRecoveryAttempts bounds recovery retries per error.
	MaxRecoveryAttempts int
}

func (c Config) withDefaults() Config {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 30 * time.Second
	}
	if c.RetainFor <= 0 {
		c.RetainFor = time.Hour
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = DefaultMaxRecoveryAttempts
	}
	return c
}

// Monitor is the process-wide error registry. Safe for concurrent use.
type Monitor struct {
	cfg    Config
	logger logging.Logger

	errors *xsync.Map[errKey, *entry]

	// onReport, when set, is invoked after a fresh (non-deduplicated)
	// error is recorded. The recovery orchestrator hooks in here.
	mu       sync.RWMutex
	onReport func(*DeviceError)
}

type entry struct {
	mu  sync.Mutex
	err *DeviceError
}

// NewMonitor builds a monitor with cfg, applying defaults to zero fields.
func NewMonitor(cfg Config, logger logging.Logger) *Monitor {
	return &Monitor{
		cfg:    cfg.withDefaults(),
		logger: logging.OrDiscard(logger).Component("errmon"),
		errors: xsync.NewMap[errKey, *entry](),
	}
}

// OnReport registers a callback invoked for each freshly recorded error.
// Overwrite semantics; pass nil to clear.
func (m *Monitor) OnReport(fn func(*DeviceError)) {
	m.mu.Lock()
	m.onReport = fn
	m.mu.Unlock()
}

// Report records err. A report for a (device, code) pair already active
// within the dedup window only refreshes its timestamp and context; the
// record keeps its recovery accounting. Returns the monitored record.
func (m *Monitor) Report(ctx context.Context, err *DeviceError) *DeviceError {
	if err == nil {
		return nil
	}
	if err.Timestamp.IsZero() {
		err.Timestamp = time.Now()
	}
	if err.CorrelationID == uuid.Nil {
		err.CorrelationID = uuid.New()
	}

	key := errKey{DeviceID: err.DeviceID, Code: err.Code}
	var recorded *DeviceError
	fresh := false
	m.errors.Compute(key, func(old *entry, loaded bool) (*entry, xsync.ComputeOp) {
		if loaded {
			old.mu.Lock()
			defer old.mu.Unlock()
			if !old.err.Resolved && time.Since(old.err.Timestamp) < m.cfg.DedupWindow {
				old.err.Timestamp = err.Timestamp
				old.err.Message = err.Message
				for k, v := range err.Context {
					if old.err.Context == nil {
						old.err.Context = map[string]any{}
					}
					old.err.Context[k] = v
				}
				recorded = old.err
				return old, xsync.CancelOp
			}
			// Stale or resolved record: the new report replaces it but
			// inherits the attempt history so backoff keeps growing.
			err.RecoveryAttempts = old.err.RecoveryAttempts
			err.LastRecoveryAt = old.err.LastRecoveryAt
		}
		recorded = err
		fresh = true
		return &entry{err: err}, xsync.UpdateOp
	})

	if fresh {
		m.logger.WithField("device", err.DeviceID.String()).
			Warnf("error reported: %s (%s, source=%s)", err.Code, err.Message, err.Source)
		m.mu.RLock()
		fn := m.onReport
		m.mu.RUnlock()
		if fn != nil {
			fn(recorded)
		}
	}
	return recorded
}

// RegisterRecoveryAttempt records the outcome of a recovery attempt for
// (deviceID, code). Success marks the error resolved; failure increments the
// attempt counter and stamps lastRecoveryAt. Returns false when no such
// error is known.
func (m *Monitor) RegisterRecoveryAttempt(ctx context.Context, deviceID uuid.UUID, code string, success bool) bool {
	e, ok := m.errors.Load(errKey{DeviceID: deviceID, Code: code})
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err.RecoveryAttempts++
	e.err.LastRecoveryAt = time.Now()
	if success {
		e.err.Resolved = true
		m.logger.WithField("device", deviceID.String()).Infof("error %s resolved after %d attempt(s)", code, e.err.RecoveryAttempts)
	}
	return true
}

// Acknowledge marks the error with the given correlation id as acknowledged.
// Alert events stay immutable; acknowledgment lives here.
func (m *Monitor) Acknowledge(correlationID uuid.UUID) bool {
	found := false
	m.errors.Range(func(_ errKey, e *entry) bool {
		e.mu.Lock()
		if e.err.CorrelationID == correlationID {
			e.err.Acknowledged = true
			found = true
		}
		e.mu.Unlock()
		return !found
	})
	return found
}

// ActiveErrors returns unresolved errors, newest first. With deviceID ==
// uuid.Nil all devices are included. The returned records are copies.
func (m *Monitor) ActiveErrors(deviceID uuid.UUID) []DeviceError {
	var out []DeviceError
	m.errors.Range(func(k errKey, e *entry) bool {
		if deviceID != uuid.Nil && k.DeviceID != deviceID {
			return true
		}
		e.mu.Lock()
		if !e.err.Resolved {
			out = append(out, *e.err)
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// MaxRecoveryAttempts exposes the configured per-error attempt bound.
func (m *Monitor) MaxRecoveryAttempts() int { return m.cfg.MaxRecoveryAttempts }

// Get returns a copy of the tracked error for (deviceID, code).
func (m *Monitor) Get(deviceID uuid.UUID, code string) (DeviceError, bool) {
	e, ok := m.errors.Load(errKey{DeviceID: deviceID, Code: code})
	if !ok {
		return DeviceError{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.err, true
}

// Attemptable reports whether the tracked error for (deviceID, code) may be
// recovered right now under the global predicate.
func (m *Monitor) Attemptable(deviceID uuid.UUID, code string) bool {
	e, ok := m.errors.Load(errKey{DeviceID: deviceID, Code: code})
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err.CanAttemptRecovery(m.cfg.MaxRecoveryAttempts)
}

// Exhausted reports whether the tracked error for (deviceID, code) has spent
// its recovery attempts without being resolved. Distinct from !Attemptable,
// which is also true while merely waiting out the backoff window.
func (m *Monitor) Exhausted(deviceID uuid.UUID, code string) bool {
	e, ok := m.errors.Load(errKey{DeviceID: deviceID, Code: code})
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err.Resolved {
		return false
	}
	return e.err.RecoveryAttempts >= m.cfg.MaxRecoveryAttempts || unrecoverableCodes[e.err.Code]
}

// Prune drops resolved errors older than the retention window. Returns the
// number of records removed.
func (m *Monitor) Prune() int {
	removed := 0
	m.errors.Range(func(k errKey, e *entry) bool {
		e.mu.Lock()
		stale := e.err.Resolved && time.Since(e.err.Timestamp) > m.cfg.RetainFor
		e.mu.Unlock()
		if stale {
			m.errors.Delete(k)
			removed++
		}
		return true
	})
	return removed
}
