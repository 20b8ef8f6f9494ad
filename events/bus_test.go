package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()

	var got []string
	bus.Subscribe(func(e Event) { got = append(got, "first:"+e.Context()) })
	bus.Subscribe(func(e Event) { got = append(got, "second:"+e.Context()) })

	bus.Publish(Communication{})

	assert.Equal(t, []string{"first:delivered", "second:delivered"}, got)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()

	calls := 0
	id := bus.Subscribe(func(Event) { calls++ })

	bus.Publish(Communication{})
	bus.Unsubscribe(id)
	bus.Publish(Communication{})

	assert.Equal(t, 1, calls)
}

func TestBusIsolatesPanickingHandler(t *testing.T) {
	bus := NewBus()

	called := false
	bus.Subscribe(func(Event) { panic("bad subscriber") })
	bus.Subscribe(func(Event) { called = true })

	assert.NotPanics(t, func() { bus.Publish(InternalError{Kind: ErrKindUnexpected}) })
	assert.True(t, called, "later subscribers still run")
}

func TestEventContexts(t *testing.T) {
	assert.Equal(t, "delivered", Communication{}.Context())
	assert.Equal(t, "communication error: transport", CommunicationError{Kind: ErrKindTransport}.Context())
	assert.Equal(t, "api error: invalid", APIError{Message: "invalid"}.Context())
	assert.Equal(t, "internal error: queue_overflow", InternalError{Kind: ErrKindQueueOverflow}.Context())
}
