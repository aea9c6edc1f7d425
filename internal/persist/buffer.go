package persist

import (
	"sync"

	"github.com/google/uuid"

	"github.com/sproutlab/sprout/internal/model"
)

// pending holds the unflushed deltas for one device.
type pending struct {
	props model.PropertyMap
	meta  model.MetadataMap
}

// buffer tracks pending per-device property and metadata deltas.
// Thread-safe via mutex; drain uses map-swap for a stable snapshot.
type buffer struct {
	mu sync.Mutex
	m  map[uuid.UUID]*pending
	n  int
}

func newBuffer() *buffer {
	return &buffer{m: make(map[uuid.UUID]*pending)}
}

// Mark records a pending property write. meta nil leaves the metadata delta
// for that key untouched.
func (b *buffer) Mark(deviceID uuid.UUID, name string, value any, meta *model.PropMetadata) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.m[deviceID]
	if p == nil {
		p = &pending{props: model.PropertyMap{}, meta: model.MetadataMap{}}
		b.m[deviceID] = p
	}
	if _, existed := p.props[name]; !existed {
		b.n++
	}
	p.props[name] = value
	if meta != nil {
		p.meta[name] = *meta
	}
}

// MarkAll records every property and metadata entry of the given maps.
func (b *buffer) MarkAll(deviceID uuid.UUID, props model.PropertyMap, meta model.MetadataMap) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.m[deviceID]
	if p == nil {
		p = &pending{props: model.PropertyMap{}, meta: model.MetadataMap{}}
		b.m[deviceID] = p
	}
	merged := model.MergeProperties(p.props, props)
	b.n += len(merged) - len(p.props)
	p.props = merged
	p.meta = model.MergeMetadata(p.meta, meta)
}

// Drain atomically swaps the internal map with a fresh one and returns the
// old map as a stable snapshot. Concurrent marks after Drain go into the
// new map.
func (b *buffer) Drain() map[uuid.UUID]*pending {
	b.mu.Lock()
	old := b.m
	b.m = make(map[uuid.UUID]*pending, len(old)/2)
	b.n = 0
	b.mu.Unlock()
	return old
}

// Merge re-merges a previously drained snapshot back into the buffer after
// a failed flush. Only keys that have NOT been re-dirtied since the drain
// are restored, preserving newer values.
func (b *buffer) Merge(old map[uuid.UUID]*pending) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for deviceID, op := range old {
		p := b.m[deviceID]
		if p == nil {
			p = &pending{props: model.PropertyMap{}, meta: model.MetadataMap{}}
			b.m[deviceID] = p
		}
		merged := model.MergeProperties(op.props, p.props)
		b.n += len(merged) - len(p.props)
		p.props = merged
		p.meta = model.MergeMetadata(op.meta, p.meta)
	}
}

// Peek returns the pending value for one property, if buffered.
func (b *buffer) Peek(deviceID uuid.UUID, name string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.m[deviceID]
	if p == nil {
		return nil, false
	}
	v, ok := p.props[name]
	return v, ok
}

// Len returns the number of pending property writes across all devices.
func (b *buffer) Len() int {
	b.mu.Lock()
	n := b.n
	b.mu.Unlock()
	return n
}
