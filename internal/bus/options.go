package bus

import (
	"context"

	"github.com/google/uuid"

	"github.com/sproutlab/sprout/internal/event"
)

// Handler consumes one event. A non-nil return marks the delivery failed
// and parks the event in the dead-letter store for retry.
type Handler func(ctx context.Context, ev *event.Event) error

// SubscribeOptions narrow which events a subscription receives.
type SubscribeOptions struct {
	// EventKinds the subscription wants; empty means any.
	EventKinds []event.Kind
	// SourceIDs the subscription listens to; empty means any.
	SourceIDs []uuid.UUID
	// Filter is a final per-event gate; nil means pass.
	Filter func(*event.Event) bool
	// IncludeConnectedSources also matches events whose source has an
	// enabled, passing topology connection into one of SourceIDs.
	IncludeConnectedSources bool
	// Synchronous handlers run inline on the publish path.
	Synchronous bool
}

type subscription struct {
	id      uuid.UUID
	handler Handler
	opts    SubscribeOptions

	kinds   map[event.Kind]bool
	sources map[uuid.UUID]bool
}

func newSubscription(handler Handler, opts SubscribeOptions) *subscription {
	s := &subscription{id: uuid.New(), handler: handler, opts: opts}
	if len(opts.EventKinds) > 0 {
		s.kinds = make(map[event.Kind]bool, len(opts.EventKinds))
		for _, k := range opts.EventKinds {
			s.kinds[k] = true
		}
	}
	if len(opts.SourceIDs) > 0 {
		s.sources = make(map[uuid.UUID]bool, len(opts.SourceIDs))
		for _, id := range opts.SourceIDs {
			s.sources[id] = true
		}
	}
	return s
}

// matches applies the kind, source, and filter gates. Topology fan-out is
// resolved by the bus because it needs the topology view.
func (s *subscription) wantsKind(k event.Kind) bool {
	return s.kinds == nil || s.kinds[k]
}

func (s *subscription) wantsAnySource() bool { return s.sources == nil }

func (s *subscription) wantsSource(id uuid.UUID) bool {
	return s.sources != nil && s.sources[id]
}

func (s *subscription) passesFilter(ev *event.Event) bool {
	return s.opts.Filter == nil || s.opts.Filter(ev)
}
