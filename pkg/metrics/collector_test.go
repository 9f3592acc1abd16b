package metrics_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/metrics"
)

func TestCollector_RecordTiming(t *testing.T) {
	c := metrics.NewCollector()

	c.RecordTiming(metrics.OpRecordEpisode, 10*time.Millisecond)
	c.RecordTiming(metrics.OpRecordEpisode, 30*time.Millisecond)
	c.RecordTiming(metrics.OpRecordEpisode, 20*time.Millisecond)

	snap := c.Snapshot()
	op := snap.Op(metrics.OpRecordEpisode)

	assert.Equal(t, int64(3), op.Count)
	assert.Equal(t, 60*time.Millisecond, op.Total)
	assert.Equal(t, 20*time.Millisecond, op.Avg)
	assert.Equal(t, 10*time.Millisecond, op.Min)
	assert.Equal(t, 30*time.Millisecond, op.Max)
}

func TestCollector_SnapshotOmitsUnrecordedOps(t *testing.T) {
	c := metrics.NewCollector()
	c.RecordTiming(metrics.OpReinforce, time.Millisecond)

	snap := c.Snapshot()
	require.Len(t, snap.Operations, 1)

	_, ok := snap.Operations[metrics.OpRetrievePatterns]
	assert.False(t, ok)
	assert.Zero(t, snap.Op(metrics.OpRetrievePatterns).Count)
}

func TestCollector_P95NearestRank(t *testing.T) {
	c := metrics.NewCollector()

	// 20 samples of 1..20ms; the nearest-rank p95 is the 19th smallest.
	for i := 1; i <= 20; i++ {
		c.RecordTiming(metrics.OpRetrievePatterns, time.Duration(i)*time.Millisecond)
	}

	op := c.Snapshot().Op(metrics.OpRetrievePatterns)
	assert.Equal(t, 19*time.Millisecond, op.P95)
}

func TestCollector_P95SingleSample(t *testing.T) {
	c := metrics.NewCollector()
	c.RecordTiming(metrics.OpDerivePattern, 7*time.Millisecond)

	op := c.Snapshot().Op(metrics.OpDerivePattern)
	assert.Equal(t, 7*time.Millisecond, op.P95)
}

func TestCollector_Reset(t *testing.T) {
	c := metrics.NewCollector()
	c.RecordTiming(metrics.OpRecordEpisode, time.Millisecond)

	c.Reset()

	snap := c.Snapshot()
	assert.Empty(t, snap.Operations)
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c := metrics.NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordTiming(metrics.OpReinforce, time.Millisecond)
				c.Snapshot()
			}
		}()
	}
	wg.Wait()

	op := c.Snapshot().Op(metrics.OpReinforce)
	assert.Equal(t, int64(800), op.Count)
	assert.Equal(t, 800*time.Millisecond, op.Total)
}

func TestCollector_SampleWindowBounded(t *testing.T) {
	c := metrics.NewCollector()

	// Flood with slow samples, then fill the whole window with fast ones.
	// The percentile must reflect only the recent window; min/max keep the
	// full history.
	for i := 0; i < 500; i++ {
		c.RecordTiming(metrics.OpRecordEpisode, time.Second)
	}
	for i := 0; i < 2000; i++ {
		c.RecordTiming(metrics.OpRecordEpisode, time.Millisecond)
	}

	op := c.Snapshot().Op(metrics.OpRecordEpisode)
	assert.Equal(t, int64(2500), op.Count)
	assert.Equal(t, time.Millisecond, op.P95)
	assert.Equal(t, time.Millisecond, op.Min)
	assert.Equal(t, time.Second, op.Max)
}
