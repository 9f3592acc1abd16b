package logging

import (
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// newDualCore builds the stdout core and, when a provider is supplied,
// tees in an OpenTelemetry log bridge so entries reach the collector with
// the same fields the stdout line carries.
func newDualCore(cfg *Config, level zapcore.Level, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	encoder, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
	if err != nil {
		return nil, fmt.Errorf("building redacting encoder: %w", err)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)

	if otelProvider != nil {
		bridge := otelzap.NewCore("patternstore",
			otelzap.WithLoggerProvider(otelProvider),
		)
		core = zapcore.NewTee(core, bridge)
	}

	return newSampledCore(core, cfg.Sampling), nil
}
