// Package config loads and validates the pattern store configuration.
//
// Configuration precedence (highest to lowest):
//  1. PATTERNSTORE_-prefixed environment variables
//  2. YAML config file
//  3. Defaults
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/proffesor-for-testing/agentic-qe-sub011/internal/logging"
	"github.com/proffesor-for-testing/agentic-qe-sub011/internal/telemetry"
	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/harness"
	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/learning"
	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/migration"
	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/vecindex"
)

// DefaultRoot is the data root when none is configured.
const DefaultRoot = "patternstore"

// Config is the full configuration surface.
type Config struct {
	// Root is the canonical data directory. Store, index, and migration
	// paths default to subdirectories of it.
	Root string `koanf:"root"`

	Store     StoreConfig     `koanf:"store"`
	Index     IndexConfig     `koanf:"index"`
	Learning  LearningConfig  `koanf:"learning"`
	Migration MigrationConfig `koanf:"migration"`
	Harness   HarnessConfig   `koanf:"harness"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// StoreConfig holds durable log settings.
type StoreConfig struct {
	// Dir is the log directory. Defaults to <root>/store/log.
	Dir string `koanf:"dir"`
}

// IndexConfig holds vector index settings.
type IndexConfig struct {
	// Metric is the distance function, cosine or euclidean. Fixed at
	// construction; changing it requires a rebuild.
	Metric string `koanf:"metric"`

	// Dir is where index snapshots live. Defaults to <root>/index.
	Dir string `koanf:"dir"`

	// Dimensions is the fleet-wide embedding width. Zero infers it from
	// the first insert; legacy chromem enumeration requires it set.
	Dimensions int `koanf:"dimensions"`
}

// LearningConfig holds learning engine settings.
type LearningConfig struct {
	// RetentionPolicy accepts "keep-all" or "prune-after(N)".
	RetentionPolicy learning.RetentionPolicy `koanf:"retention_policy"`

	// PruneInterval is how often the retention scheduler runs.
	PruneInterval time.Duration `koanf:"prune_interval"`
}

// MigrationConfig holds consolidation engine settings.
type MigrationConfig struct {
	// Dir is the migration ledger directory. Defaults to <root>/migrations.
	Dir string `koanf:"dir"`

	// SampleFraction of migrated records re-read during verification.
	SampleFraction float64 `koanf:"sample_fraction"`

	// MinSampleCount floors the verification sample.
	MinSampleCount int `koanf:"min_sample_count"`

	// RateLimit caps destination writes per second. Zero disables.
	RateLimit float64 `koanf:"rate_limit"`

	// RateBurst is the limiter burst size.
	RateBurst int `koanf:"rate_burst"`

	// DryRunOnly stops every run after the planning pass.
	DryRunOnly bool `koanf:"dry_run_only"`
}

// HarnessConfig holds trend harness settings.
type HarnessConfig struct {
	Iterations                   int     `koanf:"iterations"`
	CoverageImprovementThreshold float64 `koanf:"coverage_improvement_threshold"`
}

// LoggingConfig holds logger construction settings.
type LoggingConfig struct {
	// Level is trace, debug, info, warn, or error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`
}

// TelemetryConfig holds the optional OTLP export settings.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	Protocol    string `koanf:"protocol"` // grpc or http
	ServiceName string `koanf:"service_name"`
	Insecure    bool   `koanf:"insecure"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields, deriving paths from Root.
func (c *Config) ApplyDefaults() {
	if c.Root == "" {
		c.Root = DefaultRoot
	}
	if c.Store.Dir == "" {
		c.Store.Dir = filepath.Join(c.Root, "store", "log")
	}
	if c.Index.Metric == "" {
		c.Index.Metric = string(vecindex.MetricCosine)
	}
	if c.Index.Dir == "" {
		c.Index.Dir = filepath.Join(c.Root, "index")
	}
	if c.Learning.PruneInterval == 0 {
		c.Learning.PruneInterval = time.Hour
	}
	if c.Migration.Dir == "" {
		c.Migration.Dir = filepath.Join(c.Root, "migrations")
	}
	if c.Migration.SampleFraction == 0 {
		c.Migration.SampleFraction = 0.1
	}
	if c.Migration.MinSampleCount == 0 {
		c.Migration.MinSampleCount = 10
	}
	if c.Harness.Iterations == 0 {
		c.Harness.Iterations = harness.DefaultIterations
	}
	if c.Harness.CoverageImprovementThreshold == 0 {
		c.Harness.CoverageImprovementThreshold = harness.DefaultCoverageThreshold
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "pattern-store"
	}
	if c.Telemetry.Protocol == "" {
		c.Telemetry.Protocol = "grpc"
	}
}

// Validate checks the configuration. Call after ApplyDefaults.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root directory cannot be empty")
	}
	if !vecindex.Metric(c.Index.Metric).Valid() {
		return fmt.Errorf("index metric must be cosine or euclidean, got %q", c.Index.Metric)
	}
	if c.Index.Dimensions < 0 {
		return fmt.Errorf("index dimensions cannot be negative, got %d", c.Index.Dimensions)
	}
	if err := c.Learning.RetentionPolicy.Validate(); err != nil {
		return err
	}
	if c.Learning.PruneInterval <= 0 {
		return fmt.Errorf("prune interval must be positive, got %s", c.Learning.PruneInterval)
	}
	if c.Migration.SampleFraction < 0 || c.Migration.SampleFraction > 1 {
		return fmt.Errorf("migration sample fraction %v outside [0,1]", c.Migration.SampleFraction)
	}
	if c.Migration.MinSampleCount < 0 {
		return fmt.Errorf("migration min sample count cannot be negative")
	}
	if c.Migration.RateLimit < 0 {
		return fmt.Errorf("migration rate limit cannot be negative")
	}
	hc := c.HarnessRunnerConfig()
	if err := hc.Validate(); err != nil {
		return fmt.Errorf("harness: %w", err)
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be trace, debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log format must be json or console, got %q", c.Logging.Format)
	}
	switch c.Telemetry.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("telemetry protocol must be grpc or http, got %q", c.Telemetry.Protocol)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry endpoint required when telemetry is enabled")
	}
	return nil
}

// EpisodeIndexConfig builds the episode index configuration.
func (c *Config) EpisodeIndexConfig() vecindex.Config {
	return c.indexConfig("episodes")
}

// PatternIndexConfig builds the pattern index configuration.
func (c *Config) PatternIndexConfig() vecindex.Config {
	return c.indexConfig("patterns")
}

func (c *Config) indexConfig(name string) vecindex.Config {
	return vecindex.Config{
		Name:   name,
		Metric: vecindex.Metric(c.Index.Metric),
		Path:   filepath.Join(c.Index.Dir, name+".gob"),
	}
}

// LearningEngineConfig builds the learning engine configuration.
func (c *Config) LearningEngineConfig() learning.Config {
	return learning.Config{Retention: c.Learning.RetentionPolicy}
}

// MigrationEngineConfig builds the consolidation engine configuration.
func (c *Config) MigrationEngineConfig() migration.Config {
	return migration.Config{
		Dir:            c.Migration.Dir,
		SampleFraction: c.Migration.SampleFraction,
		MinSampleCount: c.Migration.MinSampleCount,
		RateLimit:      c.Migration.RateLimit,
		RateBurst:      c.Migration.RateBurst,
	}
}

// HarnessRunnerConfig builds the harness runner configuration.
func (c *Config) HarnessRunnerConfig() harness.Config {
	return harness.Config{
		Iterations:                   c.Harness.Iterations,
		CoverageImprovementThreshold: c.Harness.CoverageImprovementThreshold,
	}
}

// LoggerConfig builds the logger construction configuration. Level and
// format come from the loaded config; sampling and redaction keep the
// logging package's defaults.
func (c *Config) LoggerConfig() *logging.Config {
	lc := logging.NewDefaultConfig()
	lc.Level = c.Logging.Level
	lc.Format = c.Logging.Format
	return lc
}

// TelemetryProviderConfig builds the OTLP bootstrap configuration.
func (c *Config) TelemetryProviderConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:     c.Telemetry.Enabled,
		Endpoint:    c.Telemetry.Endpoint,
		Protocol:    c.Telemetry.Protocol,
		ServiceName: c.Telemetry.ServiceName,
		Insecure:    c.Telemetry.Insecure,
	}
}
