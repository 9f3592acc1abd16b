package record_test

import (
	"strings"
	"testing"
	"time"

	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() record.Context {
	return record.Context{
		Payload:   []byte("flaky checkout suite, api tests timing out"),
		Embedding: []float32{0.1, 0.2, 0.3, 0.4},
	}
}

func testOutcome() record.Outcome {
	return record.Outcome{
		Coverage: 0.62,
		PassRate: 0.91,
		Duration: 42 * time.Second,
		Extra:    map[string]float64{"defects": 3, "flakes": 1},
	}
}

func TestNewEpisode_Validation(t *testing.T) {
	tests := []struct {
		name    string
		agentID string
		ctx     record.Context
		outcome record.Outcome
		wantErr error
	}{
		{
			name:    "valid",
			agentID: "qe-coverage-1",
			ctx:     testContext(),
			outcome: testOutcome(),
		},
		{
			name:    "empty agent",
			agentID: "",
			ctx:     testContext(),
			outcome: testOutcome(),
			wantErr: record.ErrEmptyAgentID,
		},
		{
			name:    "missing embedding",
			agentID: "qe-coverage-1",
			ctx:     record.Context{Payload: []byte("x")},
			outcome: testOutcome(),
			wantErr: record.ErrEmptyEmbedding,
		},
		{
			name:    "coverage out of range",
			agentID: "qe-coverage-1",
			ctx:     testContext(),
			outcome: record.Outcome{Coverage: 1.2, PassRate: 0.5},
			wantErr: record.ErrInvalidOutcome,
		},
		{
			name:    "negative duration",
			agentID: "qe-coverage-1",
			ctx:     testContext(),
			outcome: record.Outcome{Coverage: 0.5, PassRate: 0.5, Duration: -time.Second},
			wantErr: record.ErrInvalidOutcome,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, err := record.NewEpisode(tt.agentID, tt.ctx, tt.outcome)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Empty(t, ep.ID, "ID assigned only at encode time")
			assert.False(t, ep.RecordedAt.IsZero())
		})
	}
}

func TestEncodeEpisode_ChecksumRoundTrip(t *testing.T) {
	ep, err := record.NewEpisode("qe-coverage-1", testContext(), testOutcome())
	require.NoError(t, err)

	env, err := record.EncodeEpisode(ep)
	require.NoError(t, err)

	assert.Equal(t, record.KindEpisode, env.Kind)
	assert.True(t, strings.HasPrefix(env.ID, "ep-"))
	assert.Equal(t, env.ID, ep.ID)
	assert.Equal(t, env.Checksum, ep.Checksum)
	assert.Equal(t, record.ChecksumBytes(env.Payload), env.Checksum)

	decoded, err := record.DecodeEpisode(env)
	require.NoError(t, err)
	assert.Equal(t, ep.AgentID, decoded.AgentID)
	assert.Equal(t, ep.Outcome, decoded.Outcome)
	assert.Equal(t, ep.Context.Embedding, decoded.Context.Embedding)
	assert.Equal(t, ep.ID, decoded.ID)
	assert.Equal(t, ep.Checksum, decoded.Checksum)
}

func TestEncodeEpisode_ContentDerivedID(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	build := func() *record.Episode {
		ep, err := record.NewEpisode("qe-coverage-1", testContext(), testOutcome())
		require.NoError(t, err)
		ep.RecordedAt = ts
		return ep
	}

	env1, err := record.EncodeEpisode(build())
	require.NoError(t, err)
	env2, err := record.EncodeEpisode(build())
	require.NoError(t, err)

	// Identical content seals to identical identifier and checksum.
	assert.Equal(t, env1.ID, env2.ID)
	assert.Equal(t, env1.Checksum, env2.Checksum)

	// Any content change moves both.
	changed := build()
	changed.Outcome.Coverage = 0.63
	env3, err := record.EncodeEpisode(changed)
	require.NoError(t, err)
	assert.NotEqual(t, env1.ID, env3.ID)
	assert.NotEqual(t, env1.Checksum, env3.Checksum)
}

func TestEnvelope_VerifyDetectsCorruption(t *testing.T) {
	ep, err := record.NewEpisode("qe-sec-2", testContext(), testOutcome())
	require.NoError(t, err)
	env, err := record.EncodeEpisode(ep)
	require.NoError(t, err)

	require.NoError(t, env.Verify())

	env.Payload[0] ^= 0xff
	err = env.Verify()
	assert.ErrorIs(t, err, record.ErrChecksumMismatch)

	_, err = record.DecodeEpisode(env)
	assert.ErrorIs(t, err, record.ErrChecksumMismatch)
}

func TestNewPattern_Defaults(t *testing.T) {
	p, err := record.NewPattern("prefer contract tests for checkout", []string{"ep-1", "ep-2"}, []float32{0.5, 0.5})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(p.ID, "pat-"))
	assert.Equal(t, 0.5, p.Score)
	assert.Equal(t, 0, p.UsageCount)
	assert.Len(t, p.EpisodeRefs, 2)
	assert.Equal(t, []string{"ep-1", "ep-2"}, p.LiveRefs())
}

func TestNewPattern_Validation(t *testing.T) {
	_, err := record.NewPattern("", []string{"ep-1"}, []float32{1})
	assert.ErrorIs(t, err, record.ErrEmptyDescription)

	_, err = record.NewPattern("desc", nil, []float32{1})
	assert.ErrorIs(t, err, record.ErrNoEpisodeRefs)

	_, err = record.NewPattern("desc", []string{"ep-1"}, nil)
	assert.ErrorIs(t, err, record.ErrEmptyEmbedding)
}

func TestPattern_ReinforceBoundedAndClamped(t *testing.T) {
	p, err := record.NewPattern("desc", []string{"ep-1"}, []float32{1})
	require.NoError(t, err)

	p.Reinforce(0.4)
	assert.InDelta(t, 0.6, p.Score, 1e-9)
	assert.Equal(t, 1, p.UsageCount)

	// Deltas beyond [-1,1] are clamped before scaling.
	p.Reinforce(50)
	assert.InDelta(t, 0.85, p.Score, 1e-9)

	// Repeated positive reinforcement saturates at 1.0.
	for i := 0; i < 10; i++ {
		p.Reinforce(1)
	}
	assert.Equal(t, 1.0, p.Score)

	// And repeated negative reinforcement floors at 0.0.
	for i := 0; i < 20; i++ {
		p.Reinforce(-1)
	}
	assert.Equal(t, 0.0, p.Score)
	assert.Equal(t, 32, p.UsageCount)
}

func TestPattern_MarkPruned(t *testing.T) {
	p, err := record.NewPattern("desc", []string{"ep-1", "ep-2"}, []float32{1})
	require.NoError(t, err)

	assert.True(t, p.MarkPruned("ep-1"))
	assert.False(t, p.MarkPruned("ep-404"))
	assert.Equal(t, []string{"ep-2"}, p.LiveRefs())
	// The pruned reference is retained, not dropped.
	assert.Len(t, p.EpisodeRefs, 2)
}

func TestEncodePattern_RoundTripAndRefresh(t *testing.T) {
	p, err := record.NewPattern("slow api suites need contract tests", []string{"ep-1"}, []float32{0.3, 0.7})
	require.NoError(t, err)

	env1, err := record.EncodePattern(p)
	require.NoError(t, err)
	first := env1.Checksum

	decoded, err := record.DecodePattern(env1)
	require.NoError(t, err)
	assert.Equal(t, p.ID, decoded.ID)
	assert.Equal(t, p.Description, decoded.Description)
	assert.Equal(t, p.Score, decoded.Score)

	// Mutating the score produces a fresh checksum on re-encode.
	p.Reinforce(1)
	env2, err := record.EncodePattern(p)
	require.NoError(t, err)
	assert.NotEqual(t, first, env2.Checksum)
	assert.Equal(t, env1.ID, env2.ID, "identifier is stable across score updates")
}

func TestDecodePattern_RejectsIDMismatch(t *testing.T) {
	p, err := record.NewPattern("desc", []string{"ep-1"}, []float32{1})
	require.NoError(t, err)
	env, err := record.EncodePattern(p)
	require.NoError(t, err)

	// Re-label the envelope without touching the payload.
	env.ID = "pat-spoofed"
	_, err = record.DecodePattern(env)
	assert.ErrorIs(t, err, record.ErrChecksumMismatch)
}

func TestMigrationRecord_RoundTrip(t *testing.T) {
	m := record.NewMigrationRecord("legacy-sqlite-01", "sqlite")
	m.State = record.MigrationCommitted
	m.Status = record.MigrationStatusSuccess
	m.Attempted = 10
	m.Migrated = 9
	m.Skipped = 1
	m.Manifest["src-1"] = "ep-abc"
	m.Collisions = append(m.Collisions, record.Collision{
		ID:             "pat-7",
		WinnerSource:   "legacy-sqlite-01",
		LoserSource:    "legacy-jsonl-02",
		WinnerChecksum: "aaa",
		LoserChecksum:  "bbb",
	})

	env, err := record.EncodeMigrationRecord(m)
	require.NoError(t, err)
	assert.Equal(t, m.RunID, env.ID)
	assert.Equal(t, record.KindMigration, env.Kind)

	decoded, err := record.DecodeMigrationRecord(env)
	require.NoError(t, err)
	assert.Equal(t, m.Migrated, decoded.Migrated)
	assert.Equal(t, m.Manifest, decoded.Manifest)
	assert.Len(t, decoded.Collisions, 1)
}

func TestMigrationRecord_CloneIsDeep(t *testing.T) {
	m := record.NewMigrationRecord("legacy-sqlite-01", "sqlite")
	m.Manifest["a"] = "b"

	cp := m.Clone()
	cp.Manifest["a"] = "mutated"
	cp.FailedIDs = append(cp.FailedIDs, "x")

	assert.Equal(t, "b", m.Manifest["a"])
	assert.Empty(t, m.FailedIDs)
}

func TestMigrationState_Terminal(t *testing.T) {
	assert.True(t, record.MigrationCommitted.Terminal())
	assert.True(t, record.MigrationRolledBack.Terminal())
	assert.False(t, record.MigrationMigrating.Terminal())
	assert.False(t, record.MigrationFailed.Terminal())
}
