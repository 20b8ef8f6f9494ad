package queue

import (
	"context"

	"github.com/n0needt0/go-goodies/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// pipelineMetrics wraps the otel counters the controller feeds. Counter
// creation failures are logged once and the counter stays nil; recording on
// a nil counter is a no-op.
type pipelineMetrics struct {
	itemsDelivered metric.Int64Counter
	itemsDropped   metric.Int64Counter
	itemsRetried   metric.Int64Counter
}

func newPipelineMetrics() *pipelineMetrics {
	meter := otel.Meter("rollbar-agent/queue")
	m := &pipelineMetrics{}

	var err error
	if m.itemsDelivered, err = meter.Int64Counter("rollbar_items_delivered"); err != nil {
		log.Errorf("Failed to create delivered counter: %v", err)
	}
	if m.itemsDropped, err = meter.Int64Counter("rollbar_items_dropped"); err != nil {
		log.Errorf("Failed to create dropped counter: %v", err)
	}
	if m.itemsRetried, err = meter.Int64Counter("rollbar_items_retried"); err != nil {
		log.Errorf("Failed to create retried counter: %v", err)
	}
	return m
}

func (m *pipelineMetrics) delivered(n int64) {
	if m.itemsDelivered != nil {
		m.itemsDelivered.Add(context.Background(), n)
	}
}

func (m *pipelineMetrics) dropped(n int64) {
	if m.itemsDropped != nil {
		m.itemsDropped.Add(context.Background(), n)
	}
}

func (m *pipelineMetrics) retried(n int64) {
	if m.itemsRetried != nil {
		m.itemsRetried.Add(context.Background(), n)
	}
}
