package migration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsTotal counts finished runs by result (committed, rolled_back,
	// aborted).
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patternstore",
			Subsystem: "migration",
			Name:      "runs_total",
			Help:      "Total number of finished migration runs by result",
		},
		[]string{"result"},
	)

	// recordsTotal counts source records by kind and outcome (migrated,
	// skipped, failed).
	recordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patternstore",
			Subsystem: "migration",
			Name:      "records_total",
			Help:      "Total number of processed source records by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// collisionsTotal counts identifier tie-breaks.
	collisionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "patternstore",
			Subsystem: "migration",
			Name:      "collisions_total",
			Help:      "Total number of identifier collisions resolved",
		},
	)

	// rollbacksTotal counts completed rollbacks.
	rollbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "patternstore",
			Subsystem: "migration",
			Name:      "rollbacks_total",
			Help:      "Total number of completed rollbacks",
		},
	)
)
