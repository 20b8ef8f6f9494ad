package services

import (
	"github.com/n0needt0/goodies/rollbar-agent/config"
	"github.com/n0needt0/goodies/rollbar-agent/domain"
	"github.com/n0needt0/goodies/rollbar-agent/events"
	"github.com/n0needt0/goodies/rollbar-agent/notifier"
	"github.com/n0needt0/goodies/rollbar-agent/queue"
	"github.com/n0needt0/goodies/rollbar-agent/telemetry"
)

// Services holds all service instances and shared state
type Services struct {
	Config     *config.Config
	Stats      *domain.AgentStats
	Bus        *events.Bus
	Telemetry  *telemetry.Recorder
	Controller *queue.Controller
	Notifier   *notifier.Notifier
}

// NewServices wires the shared pipeline singletons: the event bus, the
// telemetry ring and the queue controller. The notifier is attached by the
// caller once construction-time validation has passed.
func NewServices(cfg *config.Config) *Services {
	bus := events.NewBus()
	stats := domain.NewAgentStats()

	ctrl := queue.NewController(queue.ControllerOptions{
		MaxReportsPerMinute: cfg.Rollbar.MaxReportsPerMinute,
		MaxItems:            cfg.Rollbar.MaxItems,
	}, bus, stats)

	return &Services{
		Config:     cfg,
		Stats:      stats,
		Bus:        bus,
		Telemetry:  telemetry.NewRecorder(cfg.Rollbar.TelemetryCapacity),
		Controller: ctrl,
	}
}

// IsHealthy checks if all critical services are healthy
func (s *Services) IsHealthy() bool {
	return s.Notifier != nil
}

// GetStats returns current pipeline statistics
func (s *Services) GetStats() *domain.AgentStats {
	return s.Stats
}
