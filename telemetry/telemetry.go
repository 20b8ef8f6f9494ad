// Package telemetry keeps a process-wide bounded ring of recent breadcrumbs
// that is snapshotted onto outgoing payloads.
package telemetry

import (
	"sync"

	"github.com/n0needt0/goodies/rollbar-agent/domain"
)

const DefaultCapacity = 50

// Recorder is a bounded FIFO of breadcrumbs. Capacity is fixed at
// construction; overflow evicts the oldest item. Both Capture and Snapshot
// hold the lock only for a copy, never across any I/O.
type Recorder struct {
	mu       sync.Mutex
	capacity int
	items    []domain.TelemetryItem

	autocaptureRefs int
}

// NewRecorder creates a recorder with the given capacity. Zero or negative
// capacity falls back to DefaultCapacity.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{capacity: capacity}
}

// Capture appends a breadcrumb, evicting the oldest when full.
func (r *Recorder) Capture(item domain.TelemetryItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	if len(r.items) > r.capacity {
		r.items = r.items[len(r.items)-r.capacity:]
	}
}

// CaptureLog records a log-source breadcrumb with a message body.
func (r *Recorder) CaptureLog(level domain.Level, message string) {
	r.Capture(domain.NewTelemetryItem(domain.TelemetryLog, level, map[string]interface{}{
		"message": message,
	}))
}

// Snapshot returns a consistent copy of the current contents, oldest first.
func (r *Recorder) Snapshot() []domain.TelemetryItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return nil
	}
	out := make([]domain.TelemetryItem, len(r.items))
	copy(out, r.items)
	return out
}

// Len returns the number of buffered breadcrumbs.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Capacity returns the fixed ring capacity.
func (r *Recorder) Capacity() int {
	return r.capacity
}

// AcquireAutocapture is called on notifier construction. It returns true on
// the first acquisition, when autocapture sources should be started.
func (r *Recorder) AcquireAutocapture() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autocaptureRefs++
	return r.autocaptureRefs == 1
}

// ReleaseAutocapture is called on notifier disposal. It returns true when
// the last notifier is gone and autocapture sources should stop.
func (r *Recorder) ReleaseAutocapture() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.autocaptureRefs > 0 {
		r.autocaptureRefs--
	}
	return r.autocaptureRefs == 0
}
