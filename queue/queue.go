// Package queue implements the asynchronous delivery pipeline: per-notifier
// payload queues and the process-wide controller that drains them.
package queue

import (
	"sync"
	"time"

	"github.com/n0needt0/goodies/rollbar-agent/domain"
	"github.com/n0needt0/goodies/rollbar-agent/events"
	"github.com/n0needt0/goodies/rollbar-agent/ratelimit"
	"github.com/n0needt0/goodies/rollbar-agent/telemetry"
	"github.com/n0needt0/goodies/rollbar-agent/transport"
)

// DefaultDepth bounds a queue when the config leaves the depth unset.
const DefaultDepth = 20

// PayloadQueue is one notifier's bounded FIFO of pending payloads. The
// producer side (the notifier's workers) only enqueues; peek/dequeue belong
// to the controller. Overflow evicts the oldest payload, never the newest.
type PayloadQueue struct {
	mu    sync.Mutex
	depth int
	items []*domain.Payload

	client   transport.Client
	limiter  *ratelimit.Limiter
	recorder *telemetry.Recorder
	bus      *events.Bus

	nextDequeue time.Time
	failures    int
}

// NewPayloadQueue creates a queue bounded at depth. The recorder may be nil
// when telemetry attachment is disabled.
func NewPayloadQueue(depth int, client transport.Client, limiter *ratelimit.Limiter, recorder *telemetry.Recorder, bus *events.Bus) *PayloadQueue {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &PayloadQueue{
		depth:    depth,
		client:   client,
		limiter:  limiter,
		recorder: recorder,
		bus:      bus,
	}
}

// Enqueue appends a payload. Past capacity the head (oldest) payload is
// evicted: its signal is released with Aborted and a QueueOverflow event is
// emitted. The new payload is always accepted.
func (q *PayloadQueue) Enqueue(p *domain.Payload) {
	var evicted *domain.Payload

	q.mu.Lock()
	if len(q.items) >= q.depth {
		evicted = q.items[0]
		q.items = q.items[1:]
	}
	q.items = append(q.items, p)
	q.mu.Unlock()

	if evicted != nil {
		evicted.ReleaseSignal(domain.OutcomeAborted)
		if q.bus != nil {
			q.bus.Publish(events.InternalError{
				Kind:    events.ErrKindQueueOverflow,
				Payload: evicted,
				Detail:  "reporting queue full, oldest payload dropped",
			})
		}
	}
}

// Peek returns the head payload without removing it.
func (q *PayloadQueue) Peek() *domain.Payload {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Dequeue removes and returns the head payload.
func (q *PayloadQueue) Dequeue() *domain.Payload {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p
}

// Flush clears the queue. Pending blocking signals are released with
// Aborted so no waiter is ever leaked.
func (q *PayloadQueue) Flush() {
	q.mu.Lock()
	dropped := q.items
	q.items = nil
	q.mu.Unlock()

	for _, p := range dropped {
		p.ReleaseSignal(domain.OutcomeAborted)
	}
}

// DropExpired removes head payloads whose deadline has passed, releasing
// their signals with TimedOut and emitting a PayloadTimeout event each.
func (q *PayloadQueue) DropExpired(now time.Time) {
	for {
		q.mu.Lock()
		if len(q.items) == 0 || !q.items[0].Expired(now) {
			q.mu.Unlock()
			return
		}
		p := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		p.ReleaseSignal(domain.OutcomeTimedOut)
		if q.bus != nil {
			q.bus.Publish(events.InternalError{
				Kind:    events.ErrKindPayloadTimeout,
				Payload: p,
				Detail:  "payload deadline expired before dispatch",
			})
		}
	}
}

// Len returns the number of resident payloads.
func (q *PayloadQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Depth returns the configured capacity.
func (q *PayloadQueue) Depth() int {
	return q.depth
}

// Client returns the current HTTP client handle.
func (q *PayloadQueue) Client() transport.Client {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.client
}

// UpdateClient swaps the HTTP client reference and resets the dequeue gate.
// Called during reconfiguration, after the queue has been flushed.
func (q *PayloadQueue) UpdateClient(c transport.Client) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.client = c
	q.nextDequeue = time.Time{}
	q.failures = 0
}

// Limiter returns the access-token-scoped rate limiter handle.
func (q *PayloadQueue) Limiter() *ratelimit.Limiter {
	return q.limiter
}

// AttachTelemetry snapshots the breadcrumb ring onto the payload when
// telemetry is enabled for this queue.
func (q *PayloadQueue) AttachTelemetry(p *domain.Payload) {
	if q.recorder != nil {
		p.AttachTelemetry(q.recorder.Snapshot())
	}
}

// NextDequeueTime returns the readiness gate for this queue.
func (q *PayloadQueue) NextDequeueTime() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextDequeue
}

// Defer moves the readiness gate to t.
func (q *PayloadQueue) Defer(t time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextDequeue = t
}

// Backoff registers one more consecutive transient failure and defers the
// queue by an exponentially growing delay, capped at a full rate window.
func (q *PayloadQueue) Backoff(now time.Time) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	delay := time.Second << q.failures
	if delay > time.Minute || delay <= 0 {
		delay = time.Minute
	}
	q.failures++
	q.nextDequeue = now.Add(delay)
	return delay
}

// ClearBackoff resets the consecutive-failure count after a round trip that
// reached the API.
func (q *PayloadQueue) ClearBackoff() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failures = 0
}
