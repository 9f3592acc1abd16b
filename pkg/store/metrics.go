package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/record"
)

var (
	// putsTotal counts put operations by record kind and result
	// (written, deduplicated, error).
	putsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patternstore",
			Subsystem: "store",
			Name:      "puts_total",
			Help:      "Total number of put operations by kind and result",
		},
		[]string{"kind", "result"},
	)

	// putDuration tracks the storage-path latency, fsync included.
	putDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "patternstore",
			Subsystem: "store",
			Name:      "put_duration_seconds",
			Help:      "Duration of durable put operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// tombstonesTotal counts logical deletes.
	tombstonesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "patternstore",
			Subsystem: "store",
			Name:      "tombstones_total",
			Help:      "Total number of tombstones appended",
		},
	)

	// scansTotal counts full-log scans; each one reads every live entry
	// file, so the rate matters for sizing.
	scansTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "patternstore",
			Subsystem: "store",
			Name:      "scans_total",
			Help:      "Total number of log scans started",
		},
	)

	// corruptionsDetected counts checksum mismatches surfaced on read.
	corruptionsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "patternstore",
			Subsystem: "store",
			Name:      "corruptions_detected_total",
			Help:      "Total number of checksum mismatches detected on read",
		},
	)
)

func observePut(kind record.Kind, result string, d time.Duration) {
	putsTotal.WithLabelValues(string(kind), result).Inc()
	if result == "written" {
		putDuration.Observe(d.Seconds())
	}
}
