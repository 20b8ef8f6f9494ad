package api

import (
	"context"
	"time"

	"github.com/n0needt0/go-goodies/log"
	"github.com/swaggest/usecase"

	"github.com/n0needt0/goodies/rollbar-agent/config"
	"github.com/n0needt0/goodies/rollbar-agent/services"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      string             `json:"status"`
	Version     string             `json:"version"`
	ServiceName string             `json:"service_name"`
	Timestamp   string             `json:"timestamp"`
	UDP         UDPHealthStatus    `json:"udp"`
	Rollbar     RollbarStatus      `json:"rollbar"`
	Stats       AgentStatsResponse `json:"stats"`
}

type UDPHealthStatus struct {
	Enabled   bool          `json:"enabled"`
	Host      string        `json:"host"`
	Listeners []UDPListener `json:"listeners"`
	Status    string        `json:"status"`
}

type UDPListener struct {
	Port         int    `json:"port"`
	DefaultLevel string `json:"default_level,omitempty"`
}

type RollbarStatus struct {
	EndPoint    string `json:"endpoint"`
	AccessToken string `json:"access_token"` // masked
	Environment string `json:"environment"`
	Status      string `json:"status"`
}

type AgentStatsResponse struct {
	EventsReceived   int64  `json:"events_received"`
	EventErrors      int64  `json:"event_errors"`
	PayloadsEnqueued int64  `json:"payloads_enqueued"`
	PayloadsDropped  int64  `json:"payloads_dropped"`
	ItemsDelivered   int64  `json:"items_delivered"`
	DeliveryErrors   int64  `json:"delivery_errors"`
	BytesPosted      int64  `json:"bytes_posted"`
	QueueLength      int    `json:"queue_length"`
	TelemetryBuffer  int    `json:"telemetry_buffer"`
	LastActivity     string `json:"last_activity"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

// ConfigResponse represents the current system configuration
type ConfigResponse struct {
	App          AppConfig          `json:"app"`
	Server       ServerConfig       `json:"server"`
	Rollbar      RollbarConfig      `json:"rollbar"`
	UDP          UDPConfig          `json:"udp"`
	Webhook      WebhookConfig      `json:"webhook"`
	Otel         OtelConfig         `json:"otel"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
	Dev          bool               `json:"dev"`
}

type AppConfig struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ServerConfig struct {
	ApiPort int `json:"api_port"`
}

type RollbarConfig struct {
	AccessToken         string `json:"access_token"` // masked
	Environment         string `json:"environment"`
	Enabled             bool   `json:"enabled"`
	LogLevel            string `json:"log_level"`
	MaxReportsPerMinute int    `json:"max_reports_per_minute"`
	ReportingQueueDepth int    `json:"reporting_queue_depth"`
	MaxItems            int    `json:"max_items"`
	EndPoint            string `json:"endpoint"`
	TelemetryEnabled    bool   `json:"telemetry_enabled"`
	TelemetryCapacity   int    `json:"telemetry_capacity"`
}

type UDPConfig struct {
	Enabled             bool          `json:"enabled"`
	Host                string        `json:"host"`
	Listeners           []UDPListener `json:"listeners"`
	ReadBufferSizeBytes int           `json:"read_buffer_size_bytes"`
}

type WebhookConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

type OtelConfig struct {
	Enabled               bool   `json:"enabled"`
	Endpoint              string `json:"endpoint"`
	ScrapeIntervalSeconds int    `json:"scrape_interval_seconds"`
}

type HousekeepingConfig struct {
	Enabled         bool `json:"enabled"`
	IntervalSeconds int  `json:"interval_seconds"`
}

// API holds the API configuration and services
type API struct {
	Services *services.Services
	Config   *config.Config
}

// NewAPI creates a new API instance
func NewAPI(services *services.Services, conf *config.Config) *API {
	return &API{
		Services: services,
		Config:   conf,
	}
}

// maskSensitiveValue masks sensitive configuration values
func maskSensitiveValue(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 8 {
		return "***"
	}
	return value[:4] + "***" + value[len(value)-4:]
}

// HealthCheck returns a health check handler
func (api *API) HealthCheck() usecase.Interactor {
	u := usecase.NewInteractor(func(ctx context.Context, input struct{}, output *HealthResponse) error {
		cfg := api.Config

		overallStatus := "healthy"
		if !api.Services.IsHealthy() {
			overallStatus = "degraded"
		}

		output.Status = overallStatus
		output.Version = cfg.App.Version
		output.ServiceName = cfg.App.Name
		output.Timestamp = time.Now().UTC().Format(time.RFC3339)

		udpStatus := "disabled"
		if cfg.UDP.Enabled {
			udpStatus = "enabled"
		}
		output.UDP = UDPHealthStatus{
			Enabled:   cfg.UDP.Enabled,
			Host:      cfg.UDP.Host,
			Listeners: convertListeners(cfg.UDP.Listeners),
			Status:    udpStatus,
		}

		rollbarStatus := "disabled"
		if cfg.Rollbar.Enabled {
			rollbarStatus = "configured"
		}
		output.Rollbar = RollbarStatus{
			EndPoint:    cfg.Rollbar.EndPoint,
			AccessToken: maskSensitiveValue(cfg.Rollbar.AccessToken),
			Environment: cfg.Rollbar.Environment,
			Status:      rollbarStatus,
		}

		output.Stats = api.statsResponse()

		log.Debugf("Health check completed: status=%s", overallStatus)
		return nil
	})

	u.SetTitle("Health Check")
	u.SetDescription("Check the health status of the Rollbar Agent service")
	u.SetTags("Health")

	return u
}

// GetStats returns a handler exposing the pipeline counters
func (api *API) GetStats() usecase.Interactor {
	u := usecase.NewInteractor(func(ctx context.Context, input struct{}, output *AgentStatsResponse) error {
		*output = api.statsResponse()
		return nil
	})

	u.SetTitle("Pipeline Statistics")
	u.SetDescription("Retrieve delivery pipeline counters")
	u.SetTags("Stats")

	return u
}

func (api *API) statsResponse() AgentStatsResponse {
	stats := api.Services.GetStats()

	queueLen := 0
	if api.Services.Notifier != nil {
		queueLen = api.Services.Notifier.Queue().Len()
	}

	return AgentStatsResponse{
		EventsReceived:   stats.EventsReceived.Load(),
		EventErrors:      stats.EventErrors.Load(),
		PayloadsEnqueued: stats.PayloadsEnqueued.Load(),
		PayloadsDropped:  stats.PayloadsDropped.Load(),
		ItemsDelivered:   stats.ItemsDelivered.Load(),
		DeliveryErrors:   stats.DeliveryErrors.Load(),
		BytesPosted:      stats.BytesPosted.Load(),
		QueueLength:      queueLen,
		TelemetryBuffer:  api.Services.Telemetry.Len(),
		LastActivity:     stats.LastActivity().Format(time.RFC3339),
		UptimeSeconds:    stats.UptimeSeconds(),
	}
}

// GetConfig returns a handler for getting current system configuration
func (api *API) GetConfig() usecase.Interactor {
	u := usecase.NewInteractor(func(ctx context.Context, input struct{}, output *ConfigResponse) error {
		cfg := api.Config

		output.App = AppConfig{
			Name:    cfg.App.Name,
			Version: cfg.App.Version,
		}

		output.Server = ServerConfig{
			ApiPort: cfg.Server.ApiPort,
		}

		output.Rollbar = RollbarConfig{
			AccessToken:         maskSensitiveValue(cfg.Rollbar.AccessToken),
			Environment:         cfg.Rollbar.Environment,
			Enabled:             cfg.Rollbar.Enabled,
			LogLevel:            cfg.Rollbar.LogLevel,
			MaxReportsPerMinute: cfg.Rollbar.MaxReportsPerMinute,
			ReportingQueueDepth: cfg.Rollbar.ReportingQueueDepth,
			MaxItems:            cfg.Rollbar.MaxItems,
			EndPoint:            cfg.Rollbar.EndPoint,
			TelemetryEnabled:    cfg.Rollbar.TelemetryEnabled,
			TelemetryCapacity:   cfg.Rollbar.TelemetryCapacity,
		}

		output.UDP = UDPConfig{
			Enabled:             cfg.UDP.Enabled,
			Host:                cfg.UDP.Host,
			Listeners:           convertListeners(cfg.UDP.Listeners),
			ReadBufferSizeBytes: cfg.UDP.ReadBufferSizeBytes,
		}

		output.Webhook = WebhookConfig{
			Enabled: cfg.Webhook.Enabled,
			Port:    cfg.Webhook.Port,
		}

		output.Otel = OtelConfig{
			Enabled:               cfg.Otel.Enabled,
			Endpoint:              cfg.Otel.Endpoint,
			ScrapeIntervalSeconds: cfg.Otel.ScrapeIntervalSeconds,
		}

		output.Housekeeping = HousekeepingConfig{
			Enabled:         cfg.Housekeeping.Enabled,
			IntervalSeconds: cfg.Housekeeping.IntervalSeconds,
		}

		output.Dev = cfg.Dev

		log.Debugf("Retrieved system configuration")
		return nil
	})

	u.SetTitle("Get System Configuration")
	u.SetDescription("Retrieve the current system configuration (sensitive values are masked)")
	u.SetTags("Configuration")

	return u
}

// convertListeners converts config UDP listeners to API response format
func convertListeners(configListeners []config.UDPListener) []UDPListener {
	listeners := make([]UDPListener, len(configListeners))
	for i, l := range configListeners {
		listeners[i] = UDPListener{
			Port:         l.Port,
			DefaultLevel: l.DefaultLevel,
		}
	}
	return listeners
}
