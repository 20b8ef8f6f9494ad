// Package events carries delivery outcomes and internal errors from the
// pipeline to subscribers. Delivery is synchronous on the controller's tick
// goroutine; handlers must not block.
package events

import (
	"github.com/n0needt0/goodies/rollbar-agent/domain"
)

// CommunicationErrorKind classifies a failed HTTP exchange.
type CommunicationErrorKind string

const (
	ErrKindTransport   CommunicationErrorKind = "transport"
	ErrKindServer      CommunicationErrorKind = "server"
	ErrKindRateLimited CommunicationErrorKind = "rate_limited"
)

// InternalErrorKind classifies a pipeline-internal failure.
type InternalErrorKind string

const (
	ErrKindQueueOverflow   InternalErrorKind = "queue_overflow"
	ErrKindPayloadTimeout  InternalErrorKind = "payload_timeout"
	ErrKindMaxItemsReached InternalErrorKind = "max_items_reached"
	ErrKindCallbackPanic   InternalErrorKind = "callback_panic"
	ErrKindUnexpected      InternalErrorKind = "unexpected"
)

// Event is implemented by all pipeline event variants.
type Event interface {
	Context() string
}

// Communication reports a successful delivery.
type Communication struct {
	Payload    *domain.Payload
	StatusCode int
	Result     string
}

func (e Communication) Context() string { return "delivered" }

// CommunicationError reports a failed HTTP exchange. Transient kinds are
// retried by the controller; the payload stays queued.
type CommunicationError struct {
	Kind       CommunicationErrorKind
	Payload    *domain.Payload
	StatusCode int
	Err        error
	Detail     string
}

func (e CommunicationError) Context() string { return "communication error: " + string(e.Kind) }

// APIError reports an accepted request the API rejected (non-zero err code
// or a permanent 4xx). The payload is dequeued for good.
type APIError struct {
	Payload    *domain.Payload
	StatusCode int
	Code       int
	Message    string
}

func (e APIError) Context() string { return "api error: " + e.Message }

// InternalError reports a failure inside the pipeline itself.
type InternalError struct {
	Kind    InternalErrorKind
	Payload *domain.Payload
	Err     error
	Detail  string
}

func (e InternalError) Context() string { return "internal error: " + string(e.Kind) }
