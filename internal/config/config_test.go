package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Throttling.Enabled)
	assert.Equal(t, 10000, cfg.Throttling.MaxStateSize)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9999
upstream:
  url: http://blazegraph:9999/bigdata/namespace/wdq/sparql
throttling:
  enabled: false
  time_bucket_capacity_seconds: 30
  ban_duration_minutes: 120
  query_patterns_file: /etc/queryguard/query-patterns.txt
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "http://blazegraph:9999/bigdata/namespace/wdq/sparql", cfg.Upstream.URL)
	assert.False(t, cfg.Throttling.Enabled)
	assert.Equal(t, int64(30000), cfg.Throttling.TimeBucketCapacity())
	assert.Equal(t, 2*time.Hour, cfg.Throttling.BanDuration())
	assert.Equal(t, "/etc/queryguard/query-patterns.txt", cfg.Throttling.QueryPatternsFile)

	// Untouched sections and fields keep their defaults.
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 60, cfg.Throttling.ErrorBucketCapacity)
}

func TestLoad_InvalidFileContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidValuesAreFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
throttling:
  time_bucket_capacity_seconds: -5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("QUERYGUARD_PORT", "8181")
	t.Setenv("QUERYGUARD_LOG_LEVEL", "debug")
	t.Setenv("QUERYGUARD_THROTTLING_ENABLED", "false")
	t.Setenv("QUERYGUARD_UPSTREAM_TIMEOUT", "90s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Throttling.Enabled)
	assert.Equal(t, 90*time.Second, cfg.Upstream.Timeout)
}

func TestLoad_EnvironmentBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0600))
	t.Setenv("QUERYGUARD_PORT", "9001")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Server.Port)
}
