package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/n0needt0/goodies/rollbar-agent/domain"
)

var k = koanf.New(".")

type Config struct {
	App          App           `mapstructure:"app"`
	Logging      LoggingConfig `mapstructure:"logging"`
	Server       Server        `mapstructure:"server"`
	Rollbar      Rollbar       `mapstructure:"rollbar"`
	UDP          UDP           `mapstructure:"udp"`
	Webhook      Webhook       `mapstructure:"webhook"`
	Otel         Otel          `mapstructure:"otel"`
	Housekeeping Housekeeping  `mapstructure:"housekeeping"`
	Alerts       Alerts        `mapstructure:"alerts"`
	Dev          bool          `mapstructure:"dev"`
}

type App struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// LoggingConfig stores global logging configurations
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

type Server struct {
	ApiPort int `mapstructure:"api_port"`
}

// Rollbar holds the client pipeline options. The function-valued hooks are
// code-only and populated by the embedding application, never from YAML.
type Rollbar struct {
	AccessToken               string   `mapstructure:"access_token"`
	Environment               string   `mapstructure:"environment"`
	Enabled                   bool     `mapstructure:"enabled"`
	LogLevel                  string   `mapstructure:"log_level"`
	MaxReportsPerMinute       int      `mapstructure:"max_reports_per_minute"`
	ReportingQueueDepth       int      `mapstructure:"reporting_queue_depth"`
	MaxItems                  int      `mapstructure:"max_items"`
	CaptureUncaughtExceptions bool     `mapstructure:"capture_uncaught_exceptions"`
	ScrubFields               []string `mapstructure:"scrub_fields"`
	ScrubWhitelistFields      []string `mapstructure:"scrub_whitelist_fields"`
	EndPoint                  string   `mapstructure:"endpoint"`
	ProxyAddress              string   `mapstructure:"proxy_address"`
	ProxyUser                 string   `mapstructure:"proxy_user"`
	ProxyPassword             string   `mapstructure:"proxy_password"`
	TimeoutSeconds            int      `mapstructure:"timeout_seconds"`
	CodeVersion               string   `mapstructure:"code_version"`
	Platform                  string   `mapstructure:"platform"`
	Framework                 string   `mapstructure:"framework"`

	TelemetryEnabled  bool `mapstructure:"telemetry_enabled"`
	TelemetryCapacity int  `mapstructure:"telemetry_capacity"`

	Server *domain.ServerInfo `mapstructure:"server_info"`
	Person *domain.Person     `mapstructure:"person"`

	PersonDataCollectionPolicies PersonPolicies `mapstructure:"person_data_collection_policies"`
	IpAddressCollectionPolicy    string         `mapstructure:"ip_address_collection_policy"`

	CheckIgnore func(*domain.Payload) bool `mapstructure:"-"`
	Transform   func(*domain.Data)         `mapstructure:"-"`
	Truncate    func(*domain.Data)         `mapstructure:"-"`
}

// PersonPolicies gates which person fields leave the process.
type PersonPolicies struct {
	CollectUsername bool `mapstructure:"collect_username"`
	CollectEmail    bool `mapstructure:"collect_email"`
}

// IP address collection policies.
const (
	IpPolicyCollect   = "collect"
	IpPolicyAnonymize = "anonymize"
	IpPolicyDoNotSend = "do_not_collect"
)

type UDP struct {
	Enabled             bool          `mapstructure:"enabled"`
	Host                string        `mapstructure:"host"`
	ReadBufferSizeBytes int           `mapstructure:"read_buffer_size_bytes"`
	Listeners           []UDPListener `mapstructure:"listeners"`
}

type UDPListener struct {
	Port         int    `mapstructure:"port"`
	DefaultLevel string `mapstructure:"default_level"`
}

type Webhook struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type Otel struct {
	Enabled               bool   `mapstructure:"enabled"`
	Endpoint              string `mapstructure:"endpoint"`
	ScrapeIntervalSeconds int    `mapstructure:"scrapeIntervalseconds"`
}

type Housekeeping struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalSeconds int  `mapstructure:"intervalseconds"`
}

type Alerts struct {
	Enabled          bool   `mapstructure:"enabled"`
	Endpoint         string `mapstructure:"endpoint"`
	Timeout          int    `mapstructure:"timeout"`
	FailureThreshold int    `mapstructure:"failure_threshold"`
}

func LoadConfig(cfgFile, envPrefix string, cfg *Config) error {
	if cfgFile == "" {
		cfgFile = "config.yaml"
	}

	err := k.Load(file.Provider(cfgFile), yaml.Parser())
	if err != nil {
		return errors.Wrapf(err, "failed to parse %s", cfgFile)
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".", -1)
	}), nil); err != nil {
		return errors.Wrapf(err, "error loading config from env")
	}

	err = k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"})
	if err != nil {
		return errors.Wrapf(err, "failed to unmarshal %s", cfgFile)
	}

	cfg.ApplyDefaults()

	return nil
}

func LoadFlags(cmd *cobra.Command) error {
	return k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
}

// ApplyDefaults fills in the documented defaults for unset options.
func (cfg *Config) ApplyDefaults() {
	if cfg.Rollbar.EndPoint == "" {
		cfg.Rollbar.EndPoint = "https://api.rollbar.com/api/1/"
	}
	if cfg.Rollbar.MaxReportsPerMinute == 0 {
		cfg.Rollbar.MaxReportsPerMinute = 60
	}
	if cfg.Rollbar.ReportingQueueDepth == 0 {
		cfg.Rollbar.ReportingQueueDepth = 20
	}
	if cfg.Rollbar.TimeoutSeconds == 0 {
		cfg.Rollbar.TimeoutSeconds = 30
	}
	if cfg.Rollbar.TelemetryCapacity == 0 {
		cfg.Rollbar.TelemetryCapacity = 50
	}
	if cfg.Rollbar.LogLevel == "" {
		cfg.Rollbar.LogLevel = "debug"
	}
	if cfg.Rollbar.Platform == "" {
		cfg.Rollbar.Platform = "linux"
	}
	if cfg.Rollbar.IpAddressCollectionPolicy == "" {
		cfg.Rollbar.IpAddressCollectionPolicy = IpPolicyCollect
	}
	if cfg.UDP.ReadBufferSizeBytes == 0 {
		cfg.UDP.ReadBufferSizeBytes = 65536 // 64KB default
	}
	if cfg.Alerts.FailureThreshold == 0 {
		cfg.Alerts.FailureThreshold = 5
	}
	if cfg.Housekeeping.IntervalSeconds == 0 {
		cfg.Housekeeping.IntervalSeconds = 10
	}
}

// Validate rejects configurations the pipeline cannot start with.
func (cfg *Config) Validate() error {
	if !cfg.Rollbar.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Rollbar.AccessToken) == "" {
		return errors.New("rollbar.access_token must not be blank")
	}
	if !strings.HasPrefix(cfg.Rollbar.EndPoint, "http://") && !strings.HasPrefix(cfg.Rollbar.EndPoint, "https://") {
		return errors.Errorf("rollbar.endpoint %q is not an absolute http(s) URL", cfg.Rollbar.EndPoint)
	}
	return nil
}

// MinLevel returns the submission gate parsed from LogLevel.
func (cfg *Rollbar) MinLevel() domain.Level {
	return domain.ParseLevel(cfg.LogLevel)
}

// Timeout returns the HTTP round-trip timeout.
func (cfg *Rollbar) Timeout() time.Duration {
	return time.Duration(cfg.TimeoutSeconds) * time.Second
}
