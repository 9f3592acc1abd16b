package learning_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/learning"
	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/metrics"
	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/record"
	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/store"
	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/vecindex"
)

var retentionEpoch = time.Date(2025, 11, 10, 8, 0, 0, 0, time.UTC)

type learningEnv struct {
	store    *store.Store
	episodes *vecindex.Index
	patterns *vecindex.Index
	engine   *learning.Engine
}

func newLearningEnv(t *testing.T, retention learning.RetentionPolicy) *learningEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "log"), zap.NewNop())
	require.NoError(t, err)
	episodes, err := vecindex.New(vecindex.Config{Name: "episodes"}, zap.NewNop())
	require.NoError(t, err)
	patterns, err := vecindex.New(vecindex.Config{Name: "patterns"}, zap.NewNop())
	require.NoError(t, err)

	eng, err := learning.NewEngine(learning.Config{Retention: retention}, st, episodes, patterns, zap.NewNop())
	require.NoError(t, err)

	return &learningEnv{store: st, episodes: episodes, patterns: patterns, engine: eng}
}

// unit returns a 4-dimensional unit vector along the given axis.
func unit(axis int) []float32 {
	v := make([]float32, 4)
	v[axis] = 1
	return v
}

func passingOutcome(coverage float64) record.Outcome {
	return record.Outcome{
		Coverage: coverage,
		PassRate: 1.0,
		Duration: 90 * time.Second,
	}
}

func recordEpisode(t *testing.T, env *learningEnv, agentID string, embedding []float32, coverage float64) string {
	t.Helper()
	id, err := env.engine.RecordEpisode(context.Background(), agentID, record.Context{
		Payload:   []byte("run log for " + agentID),
		Embedding: embedding,
	}, passingOutcome(coverage))
	require.NoError(t, err)
	return id
}

// seedEpisodeAt plants an episode with a controlled recording time,
// bypassing the engine so retention tests can pin the timeline.
func seedEpisodeAt(t *testing.T, env *learningEnv, agentID string, embedding []float32, at time.Time) string {
	t.Helper()
	ep := &record.Episode{
		AgentID:    agentID,
		RecordedAt: at,
		Context:    record.Context{Payload: []byte("archived run log"), Embedding: embedding},
		Outcome:    passingOutcome(0.6),
	}
	sealed, err := record.EncodeEpisode(ep)
	require.NoError(t, err)
	id, err := env.store.Put(context.Background(), sealed)
	require.NoError(t, err)
	require.NoError(t, env.episodes.Insert(id, embedding))
	return id
}

func getPattern(t *testing.T, env *learningEnv, id string) *record.Pattern {
	t.Helper()
	got, err := env.store.Get(context.Background(), id)
	require.NoError(t, err)
	pat, err := record.DecodePattern(got)
	require.NoError(t, err)
	return pat
}

func TestEngine_RecordEpisodeRoundTrip(t *testing.T) {
	env := newLearningEnv(t, learning.KeepAll())
	ctx := context.Background()

	id := recordEpisode(t, env, "qe-fuzzer-01", unit(0), 0.62)
	assert.Contains(t, id, "ep-")

	got, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, record.KindEpisode, got.Kind)

	ep, err := record.DecodeEpisode(got)
	require.NoError(t, err)
	assert.Equal(t, "qe-fuzzer-01", ep.AgentID)
	assert.InDelta(t, 0.62, ep.Outcome.Coverage, 1e-9)
	assert.Equal(t, unit(0), ep.Context.Embedding)

	assert.True(t, env.episodes.Contains(id))
	assert.Equal(t, 1, env.episodes.Len())
}

func TestEngine_RecordEpisodeValidation(t *testing.T) {
	env := newLearningEnv(t, learning.KeepAll())
	ctx := context.Background()

	tests := []struct {
		name    string
		agentID string
		rctx    record.Context
		outcome record.Outcome
		wantErr error
	}{
		{
			name:    "empty agent",
			agentID: "",
			rctx:    record.Context{Embedding: unit(0)},
			outcome: passingOutcome(0.5),
			wantErr: record.ErrEmptyAgentID,
		},
		{
			name:    "empty embedding",
			agentID: "qe-fuzzer-01",
			rctx:    record.Context{Payload: []byte("log")},
			outcome: passingOutcome(0.5),
			wantErr: record.ErrEmptyEmbedding,
		},
		{
			name:    "coverage out of range",
			agentID: "qe-fuzzer-01",
			rctx:    record.Context{Embedding: unit(0)},
			outcome: record.Outcome{Coverage: 1.5, PassRate: 1},
			wantErr: record.ErrInvalidOutcome,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.RecordEpisode(ctx, tt.agentID, tt.rctx, tt.outcome)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, 0, env.store.Count())
}

func TestEngine_RetrievePatternsMostSimilarFirst(t *testing.T) {
	env := newLearningEnv(t, learning.KeepAll())
	ctx := context.Background()

	epA := recordEpisode(t, env, "qe-fuzzer-01", unit(0), 0.7)
	epB := recordEpisode(t, env, "qe-regression-02", unit(1), 0.5)

	exact, err := env.engine.DerivePattern(ctx, []string{epA}, "seed corpus from failing inputs")
	require.NoError(t, err)
	mixed, err := env.engine.DerivePattern(ctx, []string{epA, epB}, "rerun flaky suites before triage")
	require.NoError(t, err)
	far, err := env.engine.DerivePattern(ctx, []string{epB}, "pin browser versions in e2e runs")
	require.NoError(t, err)

	hits, err := env.engine.RetrievePatterns(ctx, record.Context{Embedding: unit(0)}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, exact, hits[0].ID)
	assert.Equal(t, mixed, hits[1].ID)
	assert.Equal(t, far, hits[2].ID)

	// k larger than the population returns what exists.
	hits, err = env.engine.RetrievePatterns(ctx, record.Context{Embedding: unit(0)}, 50)
	require.NoError(t, err)
	assert.Len(t, hits, 3)

	_, err = env.engine.RetrievePatterns(ctx, record.Context{Embedding: unit(0)}, 0)
	require.ErrorIs(t, err, vecindex.ErrInvalidK)
}

func TestEngine_RetrieveIsReadOnly(t *testing.T) {
	env := newLearningEnv(t, learning.KeepAll())
	ctx := context.Background()

	epID := recordEpisode(t, env, "qe-fuzzer-01", unit(0), 0.7)
	patID, err := env.engine.DerivePattern(ctx, []string{epID}, "seed corpus from failing inputs")
	require.NoError(t, err)
	before := getPattern(t, env, patID)

	for i := 0; i < 5; i++ {
		_, err := env.engine.RetrievePatterns(ctx, record.Context{Embedding: unit(0)}, 1)
		require.NoError(t, err)
	}

	after := getPattern(t, env, patID)
	assert.Equal(t, before.Score, after.Score)
	assert.Equal(t, before.UsageCount, after.UsageCount)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before.Checksum, after.Checksum)
}

func TestEngine_RetrievePatternsExpiredDeadline(t *testing.T) {
	env := newLearningEnv(t, learning.KeepAll())

	epID := recordEpisode(t, env, "qe-fuzzer-01", unit(0), 0.7)
	_, err := env.engine.DerivePattern(context.Background(), []string{epID}, "seed corpus from failing inputs")
	require.NoError(t, err)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err = env.engine.RetrievePatterns(ctx, record.Context{Embedding: unit(0)}, 1)
	require.ErrorIs(t, err, record.ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEngine_ReinforceBoundedAndClamped(t *testing.T) {
	env := newLearningEnv(t, learning.KeepAll())
	ctx := context.Background()

	epID := recordEpisode(t, env, "qe-fuzzer-01", unit(0), 0.7)
	patID, err := env.engine.DerivePattern(ctx, []string{epID}, "seed corpus from failing inputs")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, getPattern(t, env, patID).Score, 1e-9)

	steps := []struct {
		delta     float64
		wantScore float64
	}{
		{delta: 1.0, wantScore: 0.75},   // one step moves at most alpha
		{delta: 10.0, wantScore: 1.0},   // oversized delta clamps to one step
		{delta: 1.0, wantScore: 1.0},    // score ceiling holds
		{delta: -0.5, wantScore: 0.875}, // fractional deltas scale
		{delta: -10.0, wantScore: 0.625},
	}
	for i, step := range steps {
		require.NoError(t, env.engine.Reinforce(ctx, patID, step.delta))
		pat := getPattern(t, env, patID)
		assert.InDelta(t, step.wantScore, pat.Score, 1e-9, "after step %d", i+1)
		assert.Equal(t, i+1, pat.UsageCount, "after step %d", i+1)
	}
}

func TestEngine_ReinforceConcurrentUpdatesAllLand(t *testing.T) {
	env := newLearningEnv(t, learning.KeepAll())
	ctx := context.Background()

	epID := recordEpisode(t, env, "qe-fuzzer-01", unit(0), 0.7)
	patID, err := env.engine.DerivePattern(ctx, []string{epID}, "seed corpus from failing inputs")
	require.NoError(t, err)

	const workers = 24
	errCh := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- env.engine.Reinforce(ctx, patID, 1.0)
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	pat := getPattern(t, env, patID)
	assert.Equal(t, workers, pat.UsageCount, "every reinforcement must land")
	assert.InDelta(t, 1.0, pat.Score, 1e-9)
}

func TestEngine_ReinforceUnknownPattern(t *testing.T) {
	env := newLearningEnv(t, learning.KeepAll())
	err := env.engine.Reinforce(context.Background(), "pat-00000000-0000-0000-0000-000000000000", 1.0)
	require.ErrorIs(t, err, record.ErrNotFound)
}

func TestEngine_DerivePatternCentroid(t *testing.T) {
	env := newLearningEnv(t, learning.KeepAll())
	ctx := context.Background()

	epA := recordEpisode(t, env, "qe-fuzzer-01", unit(0), 0.5)
	epB := recordEpisode(t, env, "qe-fuzzer-02", unit(1), 0.7)

	patID, err := env.engine.DerivePattern(ctx, []string{epA, epB}, "fuzz the request parser first")
	require.NoError(t, err)
	assert.Contains(t, patID, "pat-")

	pat := getPattern(t, env, patID)
	require.Len(t, pat.Embedding, 4)
	assert.InDelta(t, 0.5, pat.Embedding[0], 1e-6)
	assert.InDelta(t, 0.5, pat.Embedding[1], 1e-6)
	assert.InDelta(t, 0.0, pat.Embedding[2], 1e-6)
	assert.Equal(t, []string{epA, epB}, pat.LiveRefs())
	assert.InDelta(t, 0.5, pat.Score, 1e-9)
	assert.Zero(t, pat.UsageCount)
	assert.True(t, env.patterns.Contains(patID))
}

func TestEngine_DerivePatternInvalidReference(t *testing.T) {
	env := newLearningEnv(t, learning.KeepAll())
	ctx := context.Background()

	epID := recordEpisode(t, env, "qe-fuzzer-01", unit(0), 0.5)
	missing := "ep-00000000000000000000000000000000"

	_, err := env.engine.DerivePattern(ctx, []string{epID, missing}, "half real")
	require.ErrorIs(t, err, record.ErrInvalidReference)
	require.ErrorContains(t, err, missing)

	// Nothing was created.
	assert.Equal(t, 0, env.patterns.Len())
	assert.Equal(t, 1, env.store.Count())
}

func TestEngine_DerivePatternNoRefs(t *testing.T) {
	env := newLearningEnv(t, learning.KeepAll())
	_, err := env.engine.DerivePattern(context.Background(), nil, "from thin air")
	require.ErrorIs(t, err, record.ErrNoEpisodeRefs)
}

func TestEngine_DerivePatternMismatchedDimensions(t *testing.T) {
	env := newLearningEnv(t, learning.KeepAll())
	ctx := context.Background()

	epA := recordEpisode(t, env, "qe-fuzzer-01", unit(0), 0.5)

	// Plant a narrower episode directly in the store. The episode index
	// would reject it, but the centroid must catch it regardless.
	short := &record.Episode{
		AgentID:    "qe-fuzzer-02",
		RecordedAt: retentionEpoch,
		Context:    record.Context{Embedding: []float32{1, 0}},
		Outcome:    passingOutcome(0.5),
	}
	sealed, err := record.EncodeEpisode(short)
	require.NoError(t, err)
	epB, err := env.store.Put(ctx, sealed)
	require.NoError(t, err)

	_, err = env.engine.DerivePattern(ctx, []string{epA, epB}, "mismatched inputs")
	require.ErrorContains(t, err, "dimensions")
	assert.Equal(t, 0, env.patterns.Len())
}

func TestEngine_PruneKeepAllNoOp(t *testing.T) {
	env := newLearningEnv(t, learning.KeepAll())

	for i := 0; i < 3; i++ {
		seedEpisodeAt(t, env, "qe-fuzzer-01", unit(i), retentionEpoch.Add(time.Duration(i)*time.Minute))
	}

	pruned, err := env.engine.Prune(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pruned)
	assert.Equal(t, 3, env.store.Count())
	assert.Equal(t, 3, env.episodes.Len())
}

func TestEngine_PruneKeepsMostRecent(t *testing.T) {
	env := newLearningEnv(t, learning.PruneAfter(2))
	ctx := context.Background()

	e1 := seedEpisodeAt(t, env, "qe-fuzzer-01", unit(0), retentionEpoch)
	e2 := seedEpisodeAt(t, env, "qe-fuzzer-01", unit(1), retentionEpoch.Add(time.Minute))
	e3 := seedEpisodeAt(t, env, "qe-regression-02", unit(2), retentionEpoch.Add(2*time.Minute))
	e4 := seedEpisodeAt(t, env, "qe-regression-02", unit(3), retentionEpoch.Add(3*time.Minute))

	pruned, err := env.engine.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	for _, id := range []string{e1, e2} {
		_, err := env.store.Get(ctx, id)
		assert.ErrorIs(t, err, record.ErrNotFound, "old episode %s must be tombstoned", id)
		assert.False(t, env.episodes.Contains(id))
	}
	for _, id := range []string{e3, e4} {
		_, err := env.store.Get(ctx, id)
		assert.NoError(t, err, "recent episode %s must survive", id)
		assert.True(t, env.episodes.Contains(id))
	}

	// A second pass finds nothing over the limit.
	pruned, err = env.engine.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, pruned)
}

func TestEngine_PruneMarksPatternReferences(t *testing.T) {
	env := newLearningEnv(t, learning.PruneAfter(2))
	ctx := context.Background()

	e1 := seedEpisodeAt(t, env, "qe-fuzzer-01", unit(0), retentionEpoch)
	seedEpisodeAt(t, env, "qe-fuzzer-01", unit(1), retentionEpoch.Add(time.Minute))
	e3 := seedEpisodeAt(t, env, "qe-regression-02", unit(2), retentionEpoch.Add(2*time.Minute))

	patID, err := env.engine.DerivePattern(ctx, []string{e1, e3}, "bisect failures against the oldest green build")
	require.NoError(t, err)

	pruned, err := env.engine.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	pat := getPattern(t, env, patID)
	require.Len(t, pat.EpisodeRefs, 2, "back-references are marked, never dropped")
	assert.Equal(t, []string{e3}, pat.LiveRefs())
	for _, ref := range pat.EpisodeRefs {
		if ref.EpisodeID == e1 {
			assert.True(t, ref.Pruned)
		} else {
			assert.False(t, ref.Pruned)
		}
	}

	// The pattern itself stays retrievable.
	hits, err := env.engine.RetrievePatterns(ctx, record.Context{Embedding: pat.Embedding}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, patID, hits[0].ID)

	// Deriving from the pruned episode now fails: the payload is gone.
	_, err = env.engine.DerivePattern(ctx, []string{e1}, "stale reference")
	require.ErrorIs(t, err, record.ErrInvalidReference)
}

func TestEngine_DeprecatePatternRemovesFromRetrieval(t *testing.T) {
	env := newLearningEnv(t, learning.KeepAll())
	ctx := context.Background()

	epID := recordEpisode(t, env, "qe-fuzzer-01", unit(0), 0.7)
	keep, err := env.engine.DerivePattern(ctx, []string{epID}, "keep this one")
	require.NoError(t, err)
	drop, err := env.engine.DerivePattern(ctx, []string{epID}, "retire this one")
	require.NoError(t, err)

	require.NoError(t, env.engine.DeprecatePattern(ctx, drop))

	hits, err := env.engine.RetrievePatterns(ctx, record.Context{Embedding: unit(0)}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, keep, hits[0].ID)

	_, err = env.store.Get(ctx, drop)
	assert.ErrorIs(t, err, record.ErrNotFound)

	// Tombstoning twice reports the pattern as gone.
	err = env.engine.DeprecatePattern(ctx, drop)
	require.ErrorIs(t, err, record.ErrNotFound)

	// Episodes are not patterns.
	err = env.engine.DeprecatePattern(ctx, epID)
	require.ErrorContains(t, err, "not a pattern")
}

func TestEngine_CollectorTracksTimings(t *testing.T) {
	env := newLearningEnv(t, learning.KeepAll())
	ctx := context.Background()

	epID := recordEpisode(t, env, "qe-fuzzer-01", unit(0), 0.7)
	patID, err := env.engine.DerivePattern(ctx, []string{epID}, "seed corpus from failing inputs")
	require.NoError(t, err)
	require.NoError(t, env.engine.Reinforce(ctx, patID, 0.5))
	_, err = env.engine.RetrievePatterns(ctx, record.Context{Embedding: unit(0)}, 1)
	require.NoError(t, err)

	snap := env.engine.Collector().Snapshot()
	assert.EqualValues(t, 1, snap.Op(metrics.OpRecordEpisode).Count)
	assert.EqualValues(t, 1, snap.Op(metrics.OpDerivePattern).Count)
	assert.EqualValues(t, 1, snap.Op(metrics.OpReinforce).Count)
	assert.EqualValues(t, 1, snap.Op(metrics.OpRetrievePatterns).Count)
}

func TestNewEngine_Validation(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "log"), zap.NewNop())
	require.NoError(t, err)
	idxA, err := vecindex.New(vecindex.Config{Name: "episodes"}, zap.NewNop())
	require.NoError(t, err)
	idxB, err := vecindex.New(vecindex.Config{Name: "patterns"}, zap.NewNop())
	require.NoError(t, err)

	_, err = learning.NewEngine(learning.Config{}, nil, idxA, idxB, zap.NewNop())
	require.Error(t, err)
	_, err = learning.NewEngine(learning.Config{}, st, nil, idxB, zap.NewNop())
	require.Error(t, err)
	_, err = learning.NewEngine(learning.Config{}, st, idxA, nil, zap.NewNop())
	require.Error(t, err)
	_, err = learning.NewEngine(learning.Config{Retention: learning.RetentionPolicy{KeepCount: -1}}, st, idxA, idxB, zap.NewNop())
	require.Error(t, err)

	// A nil logger falls back to a no-op logger.
	eng, err := learning.NewEngine(learning.Config{}, st, idxA, idxB, nil)
	require.NoError(t, err)
	require.NotNil(t, eng)
	require.NotNil(t, eng.Collector())
}
