// Package event defines the immutable event envelope flowing through the
// bus: one envelope, one kind tag, one kind-specific payload. Events are
// values; once published they are never mutated.
package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/sproutlab/sprout/internal/model"
)

// Kind tags the payload carried by an envelope.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindPropertyChanged
	KindLifecycle
	KindCommand
	KindTelemetry
	KindAlert
	KindSystem
	KindTimer
	KindCustom
)

var kindNames = map[Kind]string{
	KindPropertyChanged: "property_changed",
	KindLifecycle:       "lifecycle",
	KindCommand:         "command",
	KindTelemetry:       "telemetry",
	KindAlert:           "alert",
	KindSystem:          "system",
	KindTimer:           "timer",
	KindCustom:          "custom",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// KindFromString is the inverse of Kind.String. Unrecognized names map to
// KindUnknown.
func KindFromString(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// Priority orders dispatch. High and Critical items jump the async queue.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "normal"
}

// Severity grades alerts and device errors.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	}
	return "info"
}

// Routing directs targeted delivery, durability, priority, and timeouts.
// The zero value means: no explicit targets, not persisted, normal priority,
// no ack, no timeout.
type Routing struct {
	TargetIDs   []uuid.UUID   `json:"targetIds,omitempty"`
	Persist     bool          `json:"persist,omitempty"`
	Priority    Priority      `json:"priority,omitempty"`
	RequiresAck bool          `json:"requiresAck,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// HasTarget reports whether id is an explicit routing target.
func (r Routing) HasTarget(id uuid.UUID) bool {
	for _, t := range r.TargetIDs {
		if t == id {
			return true
		}
	}
	return false
}

// Event is the common envelope. SourceID identifies the publishing
// component; DeviceID identifies the device the event concerns (often the
// same). Exactly one payload field matching Kind is non-nil.
type Event struct {
	ID        uuid.UUID `json:"eventId"`
	SourceID  uuid.UUID `json:"sourceId"`
	DeviceID  uuid.UUID `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"-"`
	Routing   Routing   `json:"routing,omitempty"`

	PropertyChanged *PropertyChanged `json:"propertyChanged,omitempty"`
	Lifecycle       *Lifecycle       `json:"lifecycle,omitempty"`
	Command         *Command         `json:"command,omitempty"`
	Telemetry       *Telemetry       `json:"telemetry,omitempty"`
	Alert           *Alert           `json:"alert,omitempty"`
	System          *System          `json:"system,omitempty"`
	Timer           *Timer           `json:"timer,omitempty"`
	Custom          *Custom          `json:"custom,omitempty"`
}

// PropertyChanged carries one observed property mutation.
type PropertyChanged struct {
	PropertyName string              `json:"propertyName"`
	PropertyType string              `json:"propertyType"`
	OldValue     any                 `json:"oldValue"`
	NewValue     any                 `json:"newValue"`
	Metadata     *model.PropMetadata `json:"metadata,omitempty"`
}

// Lifecycle carries a device state transition.
type Lifecycle struct {
	NewState string `json:"newState"`
	Details  string `json:"details,omitempty"`
}

// Command carries a named instruction with parameters.
type Command struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Telemetry carries a batch of sensor readings.
type Telemetry struct {
	Readings map[string]float64 `json:"readings"`
	Units    map[string]string  `json:"units,omitempty"`
}

// Alert carries an operator-facing condition. Alerts are immutable;
// acknowledgment is tracked by the error monitor, keyed by correlation ID,
// never by mutating a published alert.
type Alert struct {
	Severity      Severity       `json:"severity"`
	Message       string         `json:"message"`
	Data          map[string]any `json:"data,omitempty"`
	Acknowledged  bool           `json:"acknowledged"`
	CorrelationID uuid.UUID      `json:"correlationId,omitempty"`
}

// System carries framework-internal notifications.
type System struct {
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Timer carries a scheduled trigger.
type Timer struct {
	TimerID string    `json:"timerId"`
	FiredAt time.Time `json:"firedAt"`
}

// Custom carries an application-defined payload.
type Custom struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

// New creates an envelope of the given kind with a fresh event ID and the
// current timestamp. The caller fills the matching payload field.
func New(kind Kind, sourceID, deviceID uuid.UUID) *Event {
	return &Event{
		ID:        uuid.New(),
		SourceID:  sourceID,
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
	}
}

// NewPropertyChanged builds a fully-populated property-changed event.
func NewPropertyChanged(sourceID, deviceID uuid.UUID, p PropertyChanged) *Event {
	ev := New(KindPropertyChanged, sourceID, deviceID)
	ev.PropertyChanged = &p
	return ev
}

// NewLifecycle builds a lifecycle transition event.
func NewLifecycle(sourceID, deviceID uuid.UUID, newState, details string) *Event {
	ev := New(KindLifecycle, sourceID, deviceID)
	ev.Lifecycle = &Lifecycle{NewState: newState, Details: details}
	return ev
}

// NewAlert builds an alert event with a fresh correlation ID.
func NewAlert(sourceID, deviceID uuid.UUID, sev Severity, message string, data map[string]any) *Event {
	ev := New(KindAlert, sourceID, deviceID)
	ev.Alert = &Alert{
		Severity:      sev,
		Message:       message,
		Data:          data,
		CorrelationID: uuid.New(),
	}
	ev.Routing.Priority = alertPriority(sev)
	return ev
}

func alertPriority(sev Severity) Priority {
	switch sev {
	case SeverityCritical:
		return PriorityCritical
	case SeverityError:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// inferKind derives the kind tag from whichever payload field is set.
// Used after JSON decoding, where Kind itself is not on the wire.
func (e *Event) inferKind() Kind {
	switch {
	case e.PropertyChanged != nil:
		return KindPropertyChanged
	case e.Lifecycle != nil:
		return KindLifecycle
	case e.Command != nil:
		return KindCommand
	case e.Telemetry != nil:
		return KindTelemetry
	case e.Alert != nil:
		return KindAlert
	case e.System != nil:
		return KindSystem
	case e.Timer != nil:
		return KindTimer
	case e.Custom != nil:
		return KindCustom
	}
	return KindUnknown
}

// Normalize restores the kind tag on an event decoded from storage.
func (e *Event) Normalize() {
	if e.Kind == KindUnknown {
		e.Kind = e.inferKind()
	}
}
