package domain

import (
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// Outcome is the terminal result observed by a blocking caller.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeAPIError
	OutcomeTimedOut
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeAPIError:
		return "api_error"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "aborted"
	}
}

// Signal is a one-shot handle a blocking caller waits on. Release is
// idempotent: the first terminal transition wins, later releases are no-ops.
type Signal struct {
	once sync.Once
	ch   chan Outcome
}

// NewSignal creates an unreleased signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan Outcome, 1)}
}

// Release records the terminal outcome. Safe to call from any goroutine,
// any number of times.
func (s *Signal) Release(o Outcome) {
	s.once.Do(func() { s.ch <- o })
}

// Wait blocks until the signal is released or the timeout elapses.
// A zero or negative timeout waits forever.
func (s *Signal) Wait(timeout time.Duration) Outcome {
	if timeout <= 0 {
		return <-s.ch
	}
	select {
	case o := <-s.ch:
		return o
	case <-time.After(timeout):
		return OutcomeTimedOut
	}
}

// envelope is the wire shape posted to the item endpoint.
type envelope struct {
	AccessToken string `json:"access_token"`
	Data        *Data  `json:"data"`
}

// Payload is one report envelope, the unit of delivery. It is immutable
// after construction except for the cached wire body and the telemetry
// snapshot, both set once on the controller goroutine before the first
// transmission attempt.
type Payload struct {
	AccessToken string
	Data        *Data

	// Deadline, when non-zero, evicts the payload at the next tick past it.
	Deadline time.Time

	// Signal, when non-nil, is released at the payload's terminal transition.
	Signal *Signal

	mu        sync.Mutex
	wireBody  []byte
	telemetry []TelemetryItem
}

// NewPayload wraps a finished Data body for delivery under the given token.
func NewPayload(accessToken string, data *Data) *Payload {
	return &Payload{AccessToken: accessToken, Data: data}
}

// AttachTelemetry stores a breadcrumb snapshot for the item. Only the first
// call has any effect, and it is ignored once the wire body is cached so
// retries stay byte-identical.
func (p *Payload) AttachTelemetry(items []TelemetryItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.telemetry != nil || p.wireBody != nil {
		return
	}
	p.telemetry = items
}

// WireBody serializes the envelope, caching the result. Retries of a
// transiently failed payload reuse the cached bytes unchanged.
func (p *Payload) WireBody() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wireBody != nil {
		return p.wireBody, nil
	}
	if len(p.telemetry) > 0 && p.Data.Telemetry == nil {
		p.Data.Telemetry = p.telemetry
	}
	body, err := sonic.Marshal(envelope{AccessToken: p.AccessToken, Data: p.Data})
	if err != nil {
		return nil, err
	}
	p.wireBody = body
	return body, nil
}

// Serialized reports whether the wire body has been cached.
func (p *Payload) Serialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wireBody != nil
}

// Expired reports whether the payload's deadline has passed at now.
func (p *Payload) Expired(now time.Time) bool {
	return !p.Deadline.IsZero() && p.Deadline.Before(now)
}

// ReleaseSignal releases the attached signal, if any.
func (p *Payload) ReleaseSignal(o Outcome) {
	if p.Signal != nil {
		p.Signal.Release(o)
	}
}
