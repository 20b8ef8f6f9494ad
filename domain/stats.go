package domain

import (
	"sync/atomic"
	"time"
)

// AgentStats tracks pipeline counters exposed over the diagnostics API.
type AgentStats struct {
	EventsReceived   atomic.Int64
	EventErrors      atomic.Int64
	PayloadsEnqueued atomic.Int64
	PayloadsDropped  atomic.Int64
	ItemsDelivered   atomic.Int64
	DeliveryErrors   atomic.Int64
	BytesPosted      atomic.Int64

	lastActivity atomic.Int64 // unix seconds
	startedAt    time.Time
}

// NewAgentStats starts the uptime clock.
func NewAgentStats() *AgentStats {
	return &AgentStats{startedAt: time.Now()}
}

// Touch records activity for the diagnostics API.
func (s *AgentStats) Touch() {
	s.lastActivity.Store(time.Now().Unix())
}

// LastActivity returns the time of the most recent pipeline activity.
func (s *AgentStats) LastActivity() time.Time {
	return time.Unix(s.lastActivity.Load(), 0)
}

// UptimeSeconds returns seconds since the agent started.
func (s *AgentStats) UptimeSeconds() int64 {
	return int64(time.Since(s.startedAt).Seconds())
}
