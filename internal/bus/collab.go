package bus

import (
	"context"

	"github.com/google/uuid"

	"github.com/sproutlab/sprout/internal/event"
	"github.com/sproutlab/sprout/internal/topology"
)

// Transformer rewrites events on the publish path. The event id must be
// preserved; the identity transformer is the default.
type Transformer interface {
	Transform(ev *event.Event) *event.Event
}

type identityTransformer struct{}

func (identityTransformer) Transform(ev *event.Event) *event.Event { return ev }

// RetryPolicy decides whether a dead-lettered event is republished.
type RetryPolicy interface {
	ShouldRetry(ev *event.Event, attempts int) bool
}

// maxRetryAttempts bounds the default policy; the failed-event loop's tick
// interval provides the spacing between attempts.
const maxRetryAttempts = 5

type defaultRetryPolicy struct{}

func (defaultRetryPolicy) ShouldRetry(_ *event.Event, attempts int) bool {
	return attempts < maxRetryAttempts
}

// TopologyView is the slice of the topology service the bus needs for
// connected-source matching.
type TopologyView interface {
	ForSource(ctx context.Context, sourceID uuid.UUID) []topology.Connection
}

// DeadLetterStore parks failed or persistence-flagged events.
type DeadLetterStore interface {
	Persist(ctx context.Context, ev *event.Event, attempts int) error
	RetrieveFailed(ctx context.Context) (ev *event.Event, attempts int, ok bool, err error)
	Delete(ctx context.Context, eventID uuid.UUID) error
}
