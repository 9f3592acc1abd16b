// Package metrics provides in-memory operation timing collection. The
// benchmark harness reads snapshots from it to report storage and
// retrieval latency percentiles.
package metrics

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Operation names recorded by the learning engine.
const (
	OpRecordEpisode    = "record_episode"
	OpRetrievePatterns = "retrieve_patterns"
	OpReinforce        = "reinforce"
	OpDerivePattern    = "derive_pattern"
)

// maxSamples bounds the per-operation sample window. Percentiles are
// computed over the most recent window, not the full history.
const maxSamples = 1024

// opStats holds raw aggregates for a single operation type.
type opStats struct {
	count   int64
	total   time.Duration
	min     time.Duration
	max     time.Duration
	samples []time.Duration
	next    int
}

// OperationSnapshot provides computed stats for one operation.
type OperationSnapshot struct {
	Count int64
	Total time.Duration
	Avg   time.Duration
	Min   time.Duration
	Max   time.Duration
	P95   time.Duration
}

// Snapshot is the full collector state at a point in time.
type Snapshot struct {
	Uptime     time.Duration
	Operations map[string]OperationSnapshot
}

// Op returns the snapshot for one operation, zero-valued when the
// operation was never recorded.
func (s Snapshot) Op(name string) OperationSnapshot {
	return s.Operations[name]
}

// Collector aggregates operation timings in memory.
// All methods are safe for concurrent use.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*opStats
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*opStats),
	}
}

// getOrCreate returns existing stats or creates new ones for an operation.
// Caller must hold the write lock.
func (c *Collector) getOrCreate(op string) *opStats {
	m, ok := c.ops[op]
	if !ok {
		m = &opStats{min: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records one duration for an operation.
func (c *Collector) RecordTiming(op string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.count++
	m.total += d

	if d < m.min {
		m.min = d
	}
	if d > m.max {
		m.max = d
	}

	if len(m.samples) < maxSamples {
		m.samples = append(m.samples, d)
	} else {
		m.samples[m.next] = d
		m.next = (m.next + 1) % maxSamples
	}
}

// Snapshot returns a point-in-time copy of all recorded operations.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		Uptime:     time.Since(c.startTime),
		Operations: make(map[string]OperationSnapshot, len(c.ops)),
	}
	for op, m := range c.ops {
		if m.count == 0 {
			continue
		}
		snap.Operations[op] = OperationSnapshot{
			Count: m.count,
			Total: m.total,
			Avg:   m.total / time.Duration(m.count),
			Min:   m.min,
			Max:   m.max,
			P95:   percentile(m.samples, 0.95),
		}
	}
	return snap
}

// Reset clears all recorded operations and restarts the uptime clock.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startTime = time.Now()
	c.ops = make(map[string]*opStats)
}

// percentile computes the nearest-rank percentile of the sample window.
func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
