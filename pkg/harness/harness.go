// Package harness runs a workload scenario repeatedly and reports whether
// the fleet's outcomes trend upward across iterations. It consumes the
// learning engine's read and write paths through the scenario; it performs
// no writes of its own.
package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/metrics"
)

var harnessTracer = otel.Tracer("patternstore.harness")

var runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "patternstore",
	Subsystem: "harness",
	Name:      "runs_total",
	Help:      "Completed harness runs by verdict.",
}, []string{"verdict"})

// Defaults applied by Config.ApplyDefaults.
const (
	DefaultIterations = 10

	// DefaultCoverageThreshold is the first-to-last coverage delta, on the
	// [0,1] coverage scale, required for a PASS verdict.
	DefaultCoverageThreshold = 0.15
)

// Config configures a Runner.
type Config struct {
	// Iterations is how many times the scenario runs. Defaults to 10.
	Iterations int

	// CoverageImprovementThreshold is the minimum first-to-last coverage
	// delta for a PASS. Defaults to 0.15 (15 points).
	CoverageImprovementThreshold float64
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Iterations == 0 {
		c.Iterations = DefaultIterations
	}
	if c.CoverageImprovementThreshold == 0 {
		c.CoverageImprovementThreshold = DefaultCoverageThreshold
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Iterations < 1 {
		return fmt.Errorf("iterations must be positive, got %d", c.Iterations)
	}
	if c.CoverageImprovementThreshold < 0 || c.CoverageImprovementThreshold > 1 {
		return fmt.Errorf("coverage threshold %v outside [0,1]", c.CoverageImprovementThreshold)
	}
	return nil
}

// Observation is what one scenario iteration reports back. Duration is
// measured by the harness, not the scenario.
type Observation struct {
	// Coverage observed for the iteration, in [0,1].
	Coverage float64

	// PassRate observed for the iteration, in [0,1].
	PassRate float64
}

func (o Observation) validate() error {
	if o.Coverage < 0 || o.Coverage > 1 {
		return fmt.Errorf("coverage %v outside [0,1]", o.Coverage)
	}
	if o.PassRate < 0 || o.PassRate > 1 {
		return fmt.Errorf("pass rate %v outside [0,1]", o.PassRate)
	}
	return nil
}

// Scenario is one measurable workload. The harness calls Run once per
// iteration, in order, with the zero-based iteration number.
type Scenario interface {
	Name() string
	Run(ctx context.Context, iteration int) (Observation, error)
}

type funcScenario struct {
	name string
	fn   func(ctx context.Context, iteration int) (Observation, error)
}

func (s *funcScenario) Name() string { return s.name }

func (s *funcScenario) Run(ctx context.Context, iteration int) (Observation, error) {
	return s.fn(ctx, iteration)
}

// NewScenario wraps a name and a function into a Scenario.
func NewScenario(name string, fn func(ctx context.Context, iteration int) (Observation, error)) Scenario {
	return &funcScenario{name: name, fn: fn}
}

// Runner executes scenarios and computes trend verdicts.
type Runner struct {
	cfg       Config
	collector *metrics.Collector
	logger    *zap.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithCollector attaches an operation timing collector, usually the
// learning engine's. Its snapshot is embedded in every Result so latency
// percentiles land in the report.
func WithCollector(c *metrics.Collector) RunnerOption {
	return func(r *Runner) {
		r.collector = c
	}
}

// NewRunner creates a runner.
func NewRunner(cfg Config, logger *zap.Logger, opts ...RunnerOption) (*Runner, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes the scenario for the configured number of iterations and
// returns the trend result. An iteration error or an out-of-range
// observation aborts the run with no result.
func (r *Runner) Run(ctx context.Context, sc Scenario) (*Result, error) {
	if sc == nil {
		return nil, errors.New("scenario cannot be nil")
	}

	ctx, span := harnessTracer.Start(ctx, "harness.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("scenario", sc.Name()),
		attribute.Int("iterations", r.cfg.Iterations),
	)

	res := &Result{
		Scenario:   sc.Name(),
		StartedAt:  time.Now().UTC(),
		Threshold:  r.cfg.CoverageImprovementThreshold,
		Iterations: make([]Iteration, 0, r.cfg.Iterations),
	}

	for i := 0; i < r.cfg.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("harness run interrupted: %w", err)
		}

		start := time.Now()
		obs, err := sc.Run(ctx, i)
		elapsed := time.Since(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scenario %s iteration %d: %w", sc.Name(), i, err)
		}
		if err := obs.validate(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scenario %s iteration %d: %w", sc.Name(), i, err)
		}

		res.Iterations = append(res.Iterations, Iteration{
			Index:    i,
			Coverage: obs.Coverage,
			PassRate: obs.PassRate,
			Duration: elapsed,
		})
		r.logger.Debug("harness iteration complete",
			zap.String("scenario", sc.Name()),
			zap.Int("iteration", i),
			zap.Float64("coverage", obs.Coverage),
			zap.Float64("pass_rate", obs.PassRate),
			zap.Duration("duration", elapsed))
	}

	res.finish()
	if r.collector != nil {
		res.Operations = r.collector.Snapshot()
	}

	verdict := "fail"
	if res.Passed {
		verdict = "pass"
	}
	runsTotal.WithLabelValues(verdict).Inc()
	span.SetAttributes(
		attribute.Bool("passed", res.Passed),
		attribute.Float64("coverage_delta", res.CoverageDelta),
	)
	r.logger.Info("harness run complete",
		zap.String("scenario", sc.Name()),
		zap.Bool("passed", res.Passed),
		zap.Float64("coverage_delta", res.CoverageDelta),
		zap.Float64("threshold", res.Threshold))
	return res, nil
}
