// Package device implements the component property bag: typed property
// storage with sticky metadata and change notification to a single bound
// handler, plus the lifecycle contract devices expose to the rest of the
// system.
package device

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/sproutlab/sprout/internal/logging"
	"github.com/sproutlab/sprout/internal/model"
)

// Standard property names recorded during initialization.
const (
	PropID           = "Id"
	PropName         = "Name"
	PropAssemblyType = "AssemblyType"
	PropState        = "State"
)

// Change describes one observed property mutation, delivered to the bound
// change handler.
type Change struct {
	DeviceID     uuid.UUID
	DeviceName   string
	PropertyName string
	PropertyType string
	OldValue     any
	NewValue     any
	Metadata     model.PropMetadata
}

// ChangeHandler receives property changes. Exactly one handler is bound per
// device; binding a new one replaces the previous.
type ChangeHandler func(Change)

// Hooks are optional extension points a concrete device wires at
// construction. They run inside the matching lifecycle operation, between
// the entry and exit state transitions.
type Hooks struct {
	Initialize func(ctx context.Context) error
	Start      func(ctx context.Context) error
	Stop       func(ctx context.Context) error
}

// Device is a component: stable identity, lifecycle state, a property map
// and a parallel metadata map, and a single bound change handler.
//
// The handler is never invoked while the device lock is held, so handlers
// may freely read back through the property API.
type Device struct {
	id           uuid.UUID
	name         string
	assemblyType string
	hooks        Hooks
	logger       logging.Logger

	mu      sync.RWMutex
	state   State
	props   model.PropertyMap
	meta    model.MetadataMap
	handler ChangeHandler

	// metaOverrides supplies defaults for well-known property names in
	// place of the generic derived metadata.
	metaOverrides model.MetadataMap
}

// Config configures a Device.
type Config struct {
	ID           uuid.UUID // zero means: assign a fresh one
	Name         string
	AssemblyType string
	Hooks        Hooks
	Logger       logging.Logger
	// MetadataOverrides extends the built-in override table for well-known
	// property names.
	MetadataOverrides model.MetadataMap
}

// New creates a Device in StateCreated with empty property maps.
func New(cfg Config) *Device {
	id := cfg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	overrides := model.MetadataMap{
		PropID:           {Editable: false, Visible: true, DisplayName: "Id", Description: "Device identifier"},
		PropState:        {Editable: false, Visible: true, DisplayName: "State", Description: "Lifecycle state"},
		PropAssemblyType: {Editable: false, Visible: true, DisplayName: "Assembly Type", Description: "Device assembly type"},
	}
	for k, v := range cfg.MetadataOverrides {
		overrides[k] = v
	}

	return &Device{
		id:            id,
		name:          cfg.Name,
		assemblyType:  cfg.AssemblyType,
		hooks:         cfg.Hooks,
		logger:        logging.OrDiscard(cfg.Logger).Component("device").WithField("device", cfg.Name),
		state:         StateCreated,
		props:         model.PropertyMap{},
		meta:          model.MetadataMap{},
		metaOverrides: overrides,
	}
}

// ID returns the device's stable identifier.
func (d *Device) ID() uuid.UUID { return d.id }

// Name returns the device's human name.
func (d *Device) Name() string { return d.name }

// AssemblyType returns the device's assembly/type tag.
func (d *Device) AssemblyType() string { return d.assemblyType }

// State returns the current lifecycle state.
func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// SetChangeHandler binds h as the device's single change handler, replacing
// any previous binding. A nil h unbinds.
func (d *Device) SetChangeHandler(h ChangeHandler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// SetProperty writes value under name, recording meta when supplied. When no
// metadata is supplied and none was previously known, a default record is
// derived (override table first, generic derivation otherwise). If the new
// value equals the prior one no change is emitted; otherwise exactly one
// change notification fires with the old value, new value, and the final
// metadata.
func (d *Device) SetProperty(name string, value any, meta *model.PropMetadata) {
	d.mu.Lock()
	old, existed := d.props[name]
	d.props[name] = value

	final, hadMeta := d.meta[name]
	switch {
	case meta != nil:
		final = *meta
		d.meta[name] = final
	case !hadMeta:
		final = d.defaultMetadata(name)
		d.meta[name] = final
	}

	changed := !existed || !valuesEqual(old, value)
	handler := d.handler
	d.mu.Unlock()

	if changed && handler != nil {
		handler(Change{
			DeviceID:     d.id,
			DeviceName:   d.name,
			PropertyName: name,
			PropertyType: typeName(value),
			OldValue:     old,
			NewValue:     value,
			Metadata:     final,
		})
	}
}

// GetMetadata returns the metadata recorded for name.
func (d *Device) GetMetadata(name string) (model.PropMetadata, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.meta[name]
	return m, ok
}

// AllProperties returns a copy of the property map.
func (d *Device) AllProperties() model.PropertyMap {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(model.PropertyMap, len(d.props))
	for k, v := range d.props {
		out[k] = v
	}
	return out
}

// AllMetadata returns a copy of the metadata map.
func (d *Device) AllMetadata() model.MetadataMap {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(model.MetadataMap, len(d.meta))
	for k, v := range d.meta {
		out[k] = v
	}
	return out
}

// LoadProperties clears both maps and repopulates them atomically. No change
// notifications are emitted.
func (d *Device) LoadProperties(props model.PropertyMap, meta model.MetadataMap) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.props = make(model.PropertyMap, len(props))
	for k, v := range props {
		d.props[k] = v
	}
	d.meta = make(model.MetadataMap, len(meta))
	for k, v := range meta {
		d.meta[k] = v
	}
}

// rawProperty returns the untyped stored value.
func (d *Device) rawProperty(name string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.props[name]
	return v, ok
}

// defaultMetadata must be called with d.mu held.
func (d *Device) defaultMetadata(name string) model.PropMetadata {
	if m, ok := d.metaOverrides[name]; ok {
		return m
	}
	return model.DefaultMetadata(name)
}

// GetProperty returns the value stored under name on d, converted to T.
// Numeric widening is applied (a stored int is readable as float64 and a
// whole float64 as int); no other coercion happens.
func GetProperty[T any](d *Device, name string) (T, bool) {
	var zero T
	v, ok := d.rawProperty(name)
	if !ok {
		return zero, false
	}
	return model.ConvertTo[T](v)
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func typeName(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%T", v)
}
