package harness

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/metrics"
)

// Iteration captures one measured scenario execution.
type Iteration struct {
	Index    int
	Coverage float64
	PassRate float64
	Duration time.Duration
}

// Result is the trend report of one harness run.
//
// Coverage and pass rate deltas are first-to-last differences on the [0,1]
// scale (a delta of 0.15 reads as 15 percentage points). Duration is a
// percent change, negative when the last iteration ran faster.
type Result struct {
	Scenario  string
	StartedAt time.Time
	Threshold float64

	Iterations []Iteration

	CoverageDelta     float64
	PassRateDelta     float64
	DurationChangePct float64
	Passed            bool

	// Operations is the engine collector snapshot at the end of the run,
	// zero-valued when the runner has no collector attached.
	Operations metrics.Snapshot
}

// finish computes the deltas and verdict from the recorded iterations.
func (r *Result) finish() {
	if len(r.Iterations) == 0 {
		return
	}
	first := r.Iterations[0]
	last := r.Iterations[len(r.Iterations)-1]

	r.CoverageDelta = last.Coverage - first.Coverage
	r.PassRateDelta = last.PassRate - first.PassRate
	if first.Duration > 0 {
		r.DurationChangePct = (float64(last.Duration) - float64(first.Duration)) /
			float64(first.Duration) * 100
	}
	r.Passed = r.CoverageDelta >= r.Threshold
}

// String renders the plain text report.
func (r *Result) String() string {
	var b strings.Builder

	verdict := "FAIL"
	if r.Passed {
		verdict = "PASS"
	}
	fmt.Fprintf(&b, "scenario:   %s\n", r.Scenario)
	fmt.Fprintf(&b, "iterations: %d\n", len(r.Iterations))
	fmt.Fprintf(&b, "verdict:    %s (coverage %+.1f points, threshold %.1f)\n",
		verdict, r.CoverageDelta*100, r.Threshold*100)
	fmt.Fprintf(&b, "pass rate:  %+.1f points\n", r.PassRateDelta*100)
	fmt.Fprintf(&b, "duration:   %+.1f%%\n", r.DurationChangePct)

	if len(r.Iterations) > 0 {
		first := r.Iterations[0]
		last := r.Iterations[len(r.Iterations)-1]
		fmt.Fprintf(&b, "first:      coverage %.2f, pass rate %.2f, duration %s\n",
			first.Coverage, first.PassRate, first.Duration.Round(time.Microsecond))
		fmt.Fprintf(&b, "last:       coverage %.2f, pass rate %.2f, duration %s\n",
			last.Coverage, last.PassRate, last.Duration.Round(time.Microsecond))
	}

	if len(r.Operations.Operations) > 0 {
		b.WriteString("\noperations:\n")
		names := make([]string, 0, len(r.Operations.Operations))
		for name := range r.Operations.Operations {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			op := r.Operations.Op(name)
			fmt.Fprintf(&b, "  %-20s count=%-6d min=%-10s mean=%-10s p95=%-10s max=%s\n",
				name, op.Count,
				op.Min.Round(time.Microsecond),
				op.Avg.Round(time.Microsecond),
				op.P95.Round(time.Microsecond),
				op.Max.Round(time.Microsecond))
		}
	}
	return b.String()
}
