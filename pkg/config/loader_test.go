package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/config"
	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/learning"
)

const fullYAML = `
root: /srv/patternstore
index:
  metric: euclidean
  dimensions: 384
learning:
  retention_policy: prune-after(5000)
  prune_interval: 30m
migration:
  sample_fraction: 0.25
  min_sample_count: 50
  rate_limit: 200
  rate_burst: 16
  dry_run_only: true
harness:
  iterations: 20
  coverage_improvement_threshold: 0.2
logging:
  level: debug
  format: console
telemetry:
  enabled: true
  endpoint: otel-collector:4317
  protocol: grpc
  service_name: qe-pattern-store
`

func writeConfigFile(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoadBytes_FullDocument(t *testing.T) {
	cfg, err := config.LoadBytes([]byte(fullYAML))
	require.NoError(t, err)

	assert.Equal(t, "/srv/patternstore", cfg.Root)
	assert.Equal(t, filepath.Join("/srv/patternstore", "store", "log"), cfg.Store.Dir,
		"unset store dir derives from root")
	assert.Equal(t, "euclidean", cfg.Index.Metric)
	assert.Equal(t, 384, cfg.Index.Dimensions)
	assert.Equal(t, learning.PruneAfter(5000), cfg.Learning.RetentionPolicy)
	assert.Equal(t, 30*time.Minute, cfg.Learning.PruneInterval)
	assert.InDelta(t, 0.25, cfg.Migration.SampleFraction, 1e-9)
	assert.Equal(t, 50, cfg.Migration.MinSampleCount)
	assert.InDelta(t, 200.0, cfg.Migration.RateLimit, 1e-9)
	assert.Equal(t, 16, cfg.Migration.RateBurst)
	assert.True(t, cfg.Migration.DryRunOnly)
	assert.Equal(t, 20, cfg.Harness.Iterations)
	assert.InDelta(t, 0.2, cfg.Harness.CoverageImprovementThreshold, 1e-9)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "otel-collector:4317", cfg.Telemetry.Endpoint)
	assert.Equal(t, "qe-pattern-store", cfg.Telemetry.ServiceName)
}

func TestLoadBytes_EmptyGetsDefaults(t *testing.T) {
	cfg, err := config.LoadBytes(nil)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadBytes_EnvOverridesFile(t *testing.T) {
	t.Setenv("PATTERNSTORE_ROOT", "/data/fleet")
	t.Setenv("PATTERNSTORE_INDEX_METRIC", "cosine")
	t.Setenv("PATTERNSTORE_LEARNING_RETENTION_POLICY", "prune-after(250)")
	t.Setenv("PATTERNSTORE_MIGRATION_DRY_RUN_ONLY", "true")
	t.Setenv("PATTERNSTORE_HARNESS_COVERAGE_IMPROVEMENT_THRESHOLD", "0.3")

	cfg, err := config.LoadBytes([]byte(fullYAML))
	require.NoError(t, err)

	assert.Equal(t, "/data/fleet", cfg.Root, "environment beats file")
	assert.Equal(t, "cosine", cfg.Index.Metric)
	assert.Equal(t, learning.PruneAfter(250), cfg.Learning.RetentionPolicy)
	assert.True(t, cfg.Migration.DryRunOnly)
	assert.InDelta(t, 0.3, cfg.Harness.CoverageImprovementThreshold, 1e-9)

	// File values without overrides stay.
	assert.Equal(t, 384, cfg.Index.Dimensions)
	assert.Equal(t, 20, cfg.Harness.Iterations)
}

func TestLoadBytes_RejectsInvalid(t *testing.T) {
	_, err := config.LoadBytes([]byte("index:\n  metric: manhattan\n"))
	require.ErrorContains(t, err, "metric")

	_, err = config.LoadBytes([]byte("learning:\n  retention_policy: prune-after(zero)\n"))
	require.Error(t, err)

	_, err = config.LoadBytes([]byte("{unclosed"))
	require.ErrorContains(t, err, "parsing config")
}

func TestLoad_File(t *testing.T) {
	path := writeConfigFile(t, fullYAML, 0600)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/patternstore", cfg.Root)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoad_EmptyPathSkipsFile(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoad_PermissionChecks(t *testing.T) {
	t.Run("world readable rejected", func(t *testing.T) {
		path := writeConfigFile(t, fullYAML, 0644)
		_, err := config.Load(path)
		require.ErrorContains(t, err, "insecure permissions")
	})

	t.Run("group writable rejected", func(t *testing.T) {
		path := writeConfigFile(t, fullYAML, 0660)
		_, err := config.Load(path)
		require.ErrorContains(t, err, "insecure permissions")
	})

	t.Run("read only accepted", func(t *testing.T) {
		path := writeConfigFile(t, fullYAML, 0400)
		_, err := config.Load(path)
		require.NoError(t, err)
	})

	t.Run("group readable accepted", func(t *testing.T) {
		path := writeConfigFile(t, fullYAML, 0640)
		_, err := config.Load(path)
		require.NoError(t, err)
	})
}

func TestLoad_RejectsOversizedFile(t *testing.T) {
	big := "# padding\n" + strings.Repeat("#", 1<<20)
	path := writeConfigFile(t, big, 0600)

	_, err := config.Load(path)
	require.ErrorContains(t, err, "too large")
}
