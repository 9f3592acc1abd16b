package logging

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"
)

// TraceLevel sits one step below Debug for byte-level detail: record
// payload dumps, index slot accounting, codec internals. Almost always
// filtered out in production.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a level name, accepting "trace" in addition to
// the names zap knows.
func LevelFromString(level string) (zapcore.Level, error) {
	if level == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

// Config holds logger construction settings.
type Config struct {
	// Level is the minimum level emitted: trace, debug, info, warn, or error.
	Level string

	// Format selects the encoder, json or console.
	Format string

	// Sampling bounds log volume for repeated messages. Errors and above
	// are never sampled.
	Sampling SamplingConfig

	// Redaction scrubs sensitive fields before encoding.
	Redaction RedactionConfig

	// Fields are constant fields attached to every entry.
	Fields map[string]string
}

// SamplingConfig bounds the volume of repeated messages below Error.
type SamplingConfig struct {
	Enabled bool

	// Tick is the sampling window.
	Tick time.Duration

	// Initial entries per message pass through each tick, then one in
	// every Thereafter is kept.
	Initial    int
	Thereafter int
}

// RedactionConfig controls scrubbing of sensitive log fields. QE agents
// attach captured command output, CI environment dumps, and credentialed
// URLs to episode payloads, so redaction stays on unless a test turns it
// off.
type RedactionConfig struct {
	Enabled bool

	// Fields are case-insensitive field names whose values are replaced
	// wholesale.
	Fields []string

	// Patterns are regexps; string values matching any of them are
	// replaced.
	Patterns []string
}

// NewDefaultConfig returns production defaults: info-level JSON with
// sampling and redaction on.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "json",
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       time.Second,
			Initial:    100,
			Thereafter: 10,
		},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"password", "secret", "token", "api_key",
				"authorization", "credential", "cookie",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
			},
		},
		Fields: map[string]string{
			"service": "pattern-store",
		},
	}
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if _, err := LevelFromString(c.Level); err != nil {
		return fmt.Errorf("invalid level %q: %w", c.Level, err)
	}
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be json or console, got %q", c.Format)
	}
	if c.Sampling.Enabled {
		if c.Sampling.Tick <= 0 {
			return fmt.Errorf("sampling tick must be positive, got %s", c.Sampling.Tick)
		}
		if c.Sampling.Initial < 1 {
			return fmt.Errorf("sampling initial must be at least 1, got %d", c.Sampling.Initial)
		}
		if c.Sampling.Thereafter < 0 {
			return fmt.Errorf("sampling thereafter cannot be negative, got %d", c.Sampling.Thereafter)
		}
	}
	if c.Redaction.Enabled {
		for _, pattern := range c.Redaction.Patterns {
			if len(pattern) > maxRedactionPatternLen {
				return fmt.Errorf("redaction pattern too long (max %d chars): %q", maxRedactionPatternLen, pattern)
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", pattern, err)
			}
		}
	}
	for k, v := range c.Fields {
		if k == "" {
			return fmt.Errorf("constant field key cannot be empty")
		}
		if v == "" {
			return fmt.Errorf("constant field %q has empty value", k)
		}
	}
	return nil
}
