package event

import "github.com/google/uuid"

// OutcomeKind classifies the result of dispatching one event to one handler.
type OutcomeKind uint8

const (
	OutcomeOK OutcomeKind = iota
	OutcomeHandlerFailed
	OutcomeTimeout
	OutcomeCircuitOpen
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeHandlerFailed:
		return "handler_failed"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCircuitOpen:
		return "circuit_open"
	}
	return "unknown"
}

// Outcome is the result of one handler invocation. Err is non-nil only for
// OutcomeHandlerFailed.
type Outcome struct {
	SubscriptionID uuid.UUID
	Kind           OutcomeKind
	Err            error
}

// HandlerError pairs a failed subscription with its error.
type HandlerError struct {
	SubscriptionID uuid.UUID
	Err            error
}

func (h HandlerError) Error() string {
	return "handler " + h.SubscriptionID.String() + ": " + h.Err.Error()
}

func (h HandlerError) Unwrap() error { return h.Err }

// PublishResult aggregates per-handler outcomes for a single publish.
type PublishResult struct {
	EventID      uuid.UUID
	HandlerCount int
	SuccessCount int
	TimedOut     bool
	Errors       []HandlerError
}

// HasErrors reports whether any handler failed.
func (r PublishResult) HasErrors() bool { return len(r.Errors) > 0 }
