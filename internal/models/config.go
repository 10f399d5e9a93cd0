// Package models defines the configuration model for the queryguard
// service.
package models

import (
	"fmt"
	"net/url"
	"time"
)

// Config is the root configuration, loaded from YAML with environment
// overrides.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`               // HTTP server configuration
	Upstream      UpstreamConfig      `yaml:"upstream" json:"upstream"`           // The protected query endpoint
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`             // Logging and output configuration
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`             // Prometheus metrics endpoint
	Observability ObservabilityConfig `yaml:"observability" json:"observability"` // Tracing and service identity
	Throttling    ThrottlingConfig    `yaml:"throttling" json:"throttling"`       // The throttling engine
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host" json:"host"`
	Port         int           `yaml:"port" json:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// UpstreamConfig points at the query service the proxy protects.
type UpstreamConfig struct {
	URL                 string        `yaml:"url" json:"url"`
	Timeout             time.Duration `yaml:"timeout" json:"timeout"`
	MaxIdleConns        int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host" json:"max_idle_conns_per_host"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`         // debug, info, warn, error
	Format   string `yaml:"format" json:"format"`       // json or text
	Output   string `yaml:"output" json:"output"`       // stdout, stderr, file
	FilePath string `yaml:"file_path" json:"file_path"` // used when output is file
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// ObservabilityConfig contains tracing and service identity settings.
type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

// TracingConfig configures OpenTelemetry trace export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"` // stdout or otlp
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// ThrottlingConfig holds every knob of the throttling engine. Bucket
// parameters keep their source units in the key names (seconds of compute
// budget for the time bucket, event counts for the error and throttle
// buckets, minutes for refill periods); the accessor methods convert to
// durations.
type ThrottlingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Successful requests shorter than this are never accounted.
	RequestDurationThresholdMillis int `yaml:"request_duration_threshold_millis" json:"request_duration_threshold_millis"`

	TimeBucketCapacitySeconds     int `yaml:"time_bucket_capacity_seconds" json:"time_bucket_capacity_seconds"`
	TimeBucketRefillAmountSeconds int `yaml:"time_bucket_refill_amount_seconds" json:"time_bucket_refill_amount_seconds"`
	TimeBucketRefillPeriodMinutes int `yaml:"time_bucket_refill_period_minutes" json:"time_bucket_refill_period_minutes"`

	ErrorBucketCapacity            int `yaml:"error_bucket_capacity" json:"error_bucket_capacity"`
	ErrorBucketRefillAmount        int `yaml:"error_bucket_refill_amount" json:"error_bucket_refill_amount"`
	ErrorBucketRefillPeriodMinutes int `yaml:"error_bucket_refill_period_minutes" json:"error_bucket_refill_period_minutes"`

	ThrottleBucketCapacity            int `yaml:"throttle_bucket_capacity" json:"throttle_bucket_capacity"`
	ThrottleBucketRefillAmount        int `yaml:"throttle_bucket_refill_amount" json:"throttle_bucket_refill_amount"`
	ThrottleBucketRefillPeriodMinutes int `yaml:"throttle_bucket_refill_period_minutes" json:"throttle_bucket_refill_period_minutes"`

	BanDurationMinutes int `yaml:"ban_duration_minutes" json:"ban_duration_minutes"`

	MaxStateSize           int `yaml:"max_state_size" json:"max_state_size"`
	StateExpirationMinutes int `yaml:"state_expiration_minutes" json:"state_expiration_minutes"`

	EnableThrottlingIfHeader string `yaml:"enable_throttling_if_header" json:"enable_throttling_if_header"`
	EnableBanIfHeader        string `yaml:"enable_ban_if_header" json:"enable_ban_if_header"`
	AlwaysThrottleParam      string `yaml:"always_throttle_param" json:"always_throttle_param"`
	AlwaysBanParam           string `yaml:"always_ban_param" json:"always_ban_param"`

	QueryPatternsFile string `yaml:"query_patterns_file" json:"query_patterns_file"`
	AgentPatternsFile string `yaml:"agent_patterns_file" json:"agent_patterns_file"`
}

// RequestDurationThreshold returns the accounting threshold as a duration.
func (t ThrottlingConfig) RequestDurationThreshold() time.Duration {
	return time.Duration(t.RequestDurationThresholdMillis) * time.Millisecond
}

// TimeBucketCapacity returns the time budget in milliseconds of compute,
// the unit the time bucket counts in.
func (t ThrottlingConfig) TimeBucketCapacity() int64 {
	return int64(t.TimeBucketCapacitySeconds) * 1000
}

// TimeBucketRefillAmount returns the refill amount in milliseconds.
func (t ThrottlingConfig) TimeBucketRefillAmount() int64 {
	return int64(t.TimeBucketRefillAmountSeconds) * 1000
}

// TimeBucketRefillPeriod returns the time bucket's refill period.
func (t ThrottlingConfig) TimeBucketRefillPeriod() time.Duration {
	return time.Duration(t.TimeBucketRefillPeriodMinutes) * time.Minute
}

// ErrorBucketRefillPeriod returns the error bucket's refill period.
func (t ThrottlingConfig) ErrorBucketRefillPeriod() time.Duration {
	return time.Duration(t.ErrorBucketRefillPeriodMinutes) * time.Minute
}

// ThrottleBucketRefillPeriod returns the throttle bucket's refill period.
func (t ThrottlingConfig) ThrottleBucketRefillPeriod() time.Duration {
	return time.Duration(t.ThrottleBucketRefillPeriodMinutes) * time.Minute
}

// BanDuration returns how long a triggered ban lasts.
func (t ThrottlingConfig) BanDuration() time.Duration {
	return time.Duration(t.BanDurationMinutes) * time.Minute
}

// StateExpiration returns the idle duration after which a client bucket is
// dropped.
func (t ThrottlingConfig) StateExpiration() time.Duration {
	return time.Duration(t.StateExpirationMinutes) * time.Minute
}

// NewDefaultConfig returns a configuration with sensible defaults. A file
// and environment overrides are applied on top.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Upstream: UpstreamConfig{
			URL:                 "http://localhost:9999",
			Timeout:             60 * time.Second,
			MaxIdleConns:        200,
			MaxIdleConnsPerHost: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Observability: ObservabilityConfig{
			ServiceName: "queryguard",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 0.1,
			},
		},
		Throttling: ThrottlingConfig{
			Enabled:                        true,
			RequestDurationThresholdMillis: 2000,

			TimeBucketCapacitySeconds:     120,
			TimeBucketRefillAmountSeconds: 60,
			TimeBucketRefillPeriodMinutes: 1,

			ErrorBucketCapacity:            60,
			ErrorBucketRefillAmount:        60,
			ErrorBucketRefillPeriodMinutes: 1,

			ThrottleBucketCapacity:            40,
			ThrottleBucketRefillAmount:        40,
			ThrottleBucketRefillPeriodMinutes: 15,

			BanDurationMinutes: 60,

			MaxStateSize:           10000,
			StateExpirationMinutes: 15,

			AlwaysThrottleParam: "throttleMe",
			AlwaysBanParam:      "banMe",
		},
	}
}

// Validate checks the configuration for fatal errors. An invalid
// configuration prevents the service from starting.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream URL is required")
	}
	u, err := url.Parse(c.Upstream.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream URL %q is not a valid absolute URL", c.Upstream.URL)
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream timeout must be positive, got %s", c.Upstream.Timeout)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics port must be between 1 and 65535, got %d", c.Metrics.Port)
		}
		if c.Metrics.Path == "" {
			return fmt.Errorf("metrics path is required when metrics are enabled")
		}
	}

	if c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Exporter {
		case "stdout", "otlp":
		default:
			return fmt.Errorf("invalid trace exporter: %s", c.Observability.Tracing.Exporter)
		}
		if c.Observability.Tracing.SampleRate < 0 || c.Observability.Tracing.SampleRate > 1 {
			return fmt.Errorf("trace sample rate must be in [0, 1], got %g", c.Observability.Tracing.SampleRate)
		}
	}

	return c.Throttling.validate()
}

func (t ThrottlingConfig) validate() error {
	if t.RequestDurationThresholdMillis < 0 {
		return fmt.Errorf("request duration threshold must not be negative, got %d", t.RequestDurationThresholdMillis)
	}
	buckets := []struct {
		name             string
		capacity, refill int
		periodMinutes    int
	}{
		{"time", t.TimeBucketCapacitySeconds, t.TimeBucketRefillAmountSeconds, t.TimeBucketRefillPeriodMinutes},
		{"error", t.ErrorBucketCapacity, t.ErrorBucketRefillAmount, t.ErrorBucketRefillPeriodMinutes},
		{"throttle", t.ThrottleBucketCapacity, t.ThrottleBucketRefillAmount, t.ThrottleBucketRefillPeriodMinutes},
	}
	for _, b := range buckets {
		if b.capacity <= 0 {
			return fmt.Errorf("%s bucket capacity must be positive, got %d", b.name, b.capacity)
		}
		if b.refill <= 0 {
			return fmt.Errorf("%s bucket refill amount must be positive, got %d", b.name, b.refill)
		}
		if b.periodMinutes <= 0 {
			return fmt.Errorf("%s bucket refill period must be positive, got %d", b.name, b.periodMinutes)
		}
	}
	if t.BanDurationMinutes <= 0 {
		return fmt.Errorf("ban duration must be positive, got %d", t.BanDurationMinutes)
	}
	if t.MaxStateSize <= 0 {
		return fmt.Errorf("max state size must be positive, got %d", t.MaxStateSize)
	}
	if t.StateExpirationMinutes <= 0 {
		return fmt.Errorf("state expiration must be positive, got %d", t.StateExpirationMinutes)
	}
	return nil
}
