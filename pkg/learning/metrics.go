package learning

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	episodesRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "patternstore",
		Subsystem: "learning",
		Name:      "episodes_recorded_total",
		Help:      "Episodes accepted through RecordEpisode, including deduplicated ones.",
	})

	patternsDerivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "patternstore",
		Subsystem: "learning",
		Name:      "patterns_derived_total",
		Help:      "Patterns created through DerivePattern.",
	})

	reinforcementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "patternstore",
		Subsystem: "learning",
		Name:      "reinforcements_total",
		Help:      "Score updates applied through Reinforce.",
	})

	episodesPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "patternstore",
		Subsystem: "learning",
		Name:      "episodes_pruned_total",
		Help:      "Episodes tombstoned by the retention policy.",
	})

	patternsDeprecatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "patternstore",
		Subsystem: "learning",
		Name:      "patterns_deprecated_total",
		Help:      "Patterns tombstoned through DeprecatePattern.",
	})
)
