package vecindex

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var timeNow = time.Now

var (
	// indexSize tracks the number of live vectors per index.
	indexSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "patternstore",
			Subsystem: "vecindex",
			Name:      "size",
			Help:      "Number of live vectors in the index",
		},
		[]string{"index"},
	)

	// queryDuration tracks full query latency, scoring and sort included.
	queryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "patternstore",
			Subsystem: "vecindex",
			Name:      "query_duration_seconds",
			Help:      "Duration of nearest-neighbor queries in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// compactionsTotal counts completed offline compactions.
	compactionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "patternstore",
			Subsystem: "vecindex",
			Name:      "compactions_total",
			Help:      "Total number of completed compactions",
		},
	)
)
