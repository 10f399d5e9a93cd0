// Package config loads the queryguard configuration: defaults, then an
// optional YAML file, then environment overrides, validated as a whole.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"queryguard/internal/models"

	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration. An empty configPath uses the
// defaults plus environment overrides; a non-empty path must exist.
func Load(configPath string) (*models.Config, error) {
	config := models.NewDefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func loadFromFile(config *models.Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// loadFromEnvironment applies QUERYGUARD_* environment overrides on top of
// whatever the file set.
func loadFromEnvironment(config *models.Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString("QUERYGUARD_HOST", &config.Server.Host)
	setInt("QUERYGUARD_PORT", &config.Server.Port)
	setDuration("QUERYGUARD_READ_TIMEOUT", &config.Server.ReadTimeout)
	setDuration("QUERYGUARD_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	setDuration("QUERYGUARD_IDLE_TIMEOUT", &config.Server.IdleTimeout)

	setString("QUERYGUARD_UPSTREAM_URL", &config.Upstream.URL)
	setDuration("QUERYGUARD_UPSTREAM_TIMEOUT", &config.Upstream.Timeout)

	setString("QUERYGUARD_LOG_LEVEL", &config.Logging.Level)
	setString("QUERYGUARD_LOG_FORMAT", &config.Logging.Format)
	setString("QUERYGUARD_LOG_OUTPUT", &config.Logging.Output)
	setString("QUERYGUARD_LOG_FILE_PATH", &config.Logging.FilePath)

	setBool("QUERYGUARD_METRICS_ENABLED", &config.Metrics.Enabled)
	setInt("QUERYGUARD_METRICS_PORT", &config.Metrics.Port)

	setBool("QUERYGUARD_TRACING_ENABLED", &config.Observability.Tracing.Enabled)
	setString("QUERYGUARD_TRACING_EXPORTER", &config.Observability.Tracing.Exporter)
	setString("QUERYGUARD_TRACING_OTLP_ENDPOINT", &config.Observability.Tracing.OTLPEndpoint)

	setBool("QUERYGUARD_THROTTLING_ENABLED", &config.Throttling.Enabled)
	setInt("QUERYGUARD_THROTTLING_MAX_STATE_SIZE", &config.Throttling.MaxStateSize)
	setInt("QUERYGUARD_THROTTLING_BAN_DURATION_MINUTES", &config.Throttling.BanDurationMinutes)
	setString("QUERYGUARD_THROTTLING_QUERY_PATTERNS_FILE", &config.Throttling.QueryPatternsFile)
	setString("QUERYGUARD_THROTTLING_AGENT_PATTERNS_FILE", &config.Throttling.AgentPatternsFile)
}
