package device

import (
	"time"

	"github.com/sproutlab/sprout/internal/model"
)

// optimisticBackoffs are the waits between CAS retries.
var optimisticBackoffs = [...]time.Duration{
	10 * time.Millisecond,
	20 * time.Millisecond,
	30 * time.Millisecond,
}

// UpdateOptimistic reads the current value of name, computes a new value via
// fn, and publishes it only if the property has not changed in between.
// Contention retries up to three times with 10/20/30 ms backoffs. Returns
// false (and logs at warn) when all attempts lose the race. A change event
// is emitted only when the swap lands and the value actually differs.
//
// A missing property reads as the zero value of T and is created on success.
func UpdateOptimistic[T any](d *Device, name string, fn func(cur T) T) bool {
	for attempt := 0; ; attempt++ {
		snapshot, _ := d.rawProperty(name)
		var cur T
		if snapshot != nil {
			if typed, ok := model.ConvertTo[T](snapshot); ok {
				cur = typed
			}
		}
		next := fn(cur)

		if d.compareAndSet(name, snapshot, next) {
			return true
		}
		if attempt >= len(optimisticBackoffs) {
			d.logger.Warnf("optimistic update of %q lost the race %d times, giving up", name, attempt)
			return false
		}
		time.Sleep(optimisticBackoffs[attempt])
	}
}

// compareAndSet writes next under name only when the stored value still
// equals expected, emitting the change notification on success.
func (d *Device) compareAndSet(name string, expected, next any) bool {
	d.mu.Lock()
	cur, existed := d.props[name]
	if existed && !valuesEqual(cur, expected) {
		d.mu.Unlock()
		return false
	}
	if !existed && expected != nil {
		d.mu.Unlock()
		return false
	}

	d.props[name] = next
	final, hadMeta := d.meta[name]
	if !hadMeta {
		final = d.defaultMetadata(name)
		d.meta[name] = final
	}
	changed := !existed || !valuesEqual(cur, next)
	handler := d.handler
	d.mu.Unlock()

	if changed && handler != nil {
		handler(Change{
			DeviceID:     d.id,
			DeviceName:   d.name,
			PropertyName: name,
			PropertyType: typeName(next),
			OldValue:     cur,
			NewValue:     next,
			Metadata:     final,
		})
	}
	return true
}
