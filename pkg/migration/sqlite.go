package migration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	_ "modernc.org/sqlite"

	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/record"
)

// SQLiteSource reads the fleet's first-generation agent-memory schema:
// an episodes table (id, agent_id, recorded_at, context, embedding,
// outcomes) and a patterns table (id, description, embedding, confidence,
// usage_count, episode_ids, created_at). Embeddings are little-endian
// float32 blobs; timestamps are RFC 3339 text.
//
// The database is opened read-only, so the legacy store is provably
// untouched by a run.
type SQLiteSource struct {
	path string
	db   *sql.DB
}

var _ Source = (*SQLiteSource)(nil)

// OpenSQLiteSource opens the legacy database at path in read-only mode.
func OpenSQLiteSource(path string) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open legacy sqlite %s: %w", path, err)
	}
	// One shared connection: the source only ever streams sequentially.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &SQLiteSource{path: path, db: db}, nil
}

func (s *SQLiteSource) Descriptor() Descriptor {
	return Descriptor{Name: s.path, Kind: "sqlite"}
}

func (s *SQLiteSource) Close() error {
	return s.db.Close()
}

// Validate pings the database and checks both legacy tables exist.
func (s *SQLiteSource) Validate(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping legacy sqlite: %w", err)
	}
	for _, table := range []string{"episodes", "patterns"} {
		var name string
		err := s.db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err == sql.ErrNoRows {
			return fmt.Errorf("legacy sqlite %s has no %s table", s.path, table)
		}
		if err != nil {
			return fmt.Errorf("inspect legacy schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteSource) Counts(ctx context.Context) (int, int, error) {
	var episodes, patterns int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM episodes`).Scan(&episodes); err != nil {
		return 0, 0, fmt.Errorf("count legacy episodes: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM patterns`).Scan(&patterns); err != nil {
		return 0, 0, fmt.Errorf("count legacy patterns: %w", err)
	}
	return episodes, patterns, nil
}

// Episodes streams the episodes table in recording order. The iterator
// stops at the first row it cannot decode, yielding the error.
func (s *SQLiteSource) Episodes(ctx context.Context) iter.Seq2[*LegacyEpisode, error] {
	return func(yield func(*LegacyEpisode, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, agent_id, recorded_at, context, embedding, outcomes
			FROM episodes
			ORDER BY recorded_at, id`)
		if err != nil {
			yield(nil, fmt.Errorf("query legacy episodes: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				id, agentID, recordedAt string
				payload, embedding      []byte
				outcomes                []byte
			)
			if err := rows.Scan(&id, &agentID, &recordedAt, &payload, &embedding, &outcomes); err != nil {
				yield(nil, fmt.Errorf("scan legacy episode: %w", err))
				return
			}
			ep, err := s.decodeEpisode(id, agentID, recordedAt, payload, embedding, outcomes)
			if err != nil {
				yield(nil, fmt.Errorf("legacy episode %s: %w", id, err))
				return
			}
			if !yield(&LegacyEpisode{LegacyID: id, Episode: ep}, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("stream legacy episodes: %w", err))
		}
	}
}

func (s *SQLiteSource) decodeEpisode(id, agentID, recordedAt string, payload, embedding, outcomes []byte) (*record.Episode, error) {
	ts, err := time.Parse(time.RFC3339Nano, recordedAt)
	if err != nil {
		return nil, fmt.Errorf("recorded_at: %w", err)
	}
	vec, err := decodeEmbedding(embedding)
	if err != nil {
		return nil, err
	}
	var lo legacyOutcome
	if len(outcomes) > 0 {
		if err := json.Unmarshal(outcomes, &lo); err != nil {
			return nil, fmt.Errorf("outcomes: %w", err)
		}
	}
	return &record.Episode{
		AgentID:    agentID,
		RecordedAt: ts.UTC(),
		Context: record.Context{
			Payload:   payload,
			Embedding: vec,
		},
		Outcome: lo.outcome(),
	}, nil
}

// Patterns streams the patterns table in creation order with identifiers
// preserved. The legacy schema has no update timestamp, so created_at
// stands in for both.
func (s *SQLiteSource) Patterns(ctx context.Context) iter.Seq2[*record.Pattern, error] {
	return func(yield func(*record.Pattern, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, description, embedding, confidence, usage_count, episode_ids, created_at
			FROM patterns
			ORDER BY created_at, id`)
		if err != nil {
			yield(nil, fmt.Errorf("query legacy patterns: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				id, description, createdAt string
				embedding, episodeIDs      []byte
				confidence                 float64
				usageCount                 int
			)
			if err := rows.Scan(&id, &description, &embedding, &confidence, &usageCount, &episodeIDs, &createdAt); err != nil {
				yield(nil, fmt.Errorf("scan legacy pattern: %w", err))
				return
			}
			pat, err := decodeLegacyPattern(id, description, createdAt, embedding, episodeIDs, confidence, usageCount)
			if err != nil {
				yield(nil, fmt.Errorf("legacy pattern %s: %w", id, err))
				return
			}
			if !yield(pat, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("stream legacy patterns: %w", err))
		}
	}
}

func decodeLegacyPattern(id, description, createdAt string, embedding, episodeIDs []byte, confidence float64, usageCount int) (*record.Pattern, error) {
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	vec, err := decodeEmbedding(embedding)
	if err != nil {
		return nil, err
	}
	var legacyRefs []string
	if len(episodeIDs) > 0 {
		if err := json.Unmarshal(episodeIDs, &legacyRefs); err != nil {
			return nil, fmt.Errorf("episode_ids: %w", err)
		}
	}
	refs := make([]record.EpisodeRef, len(legacyRefs))
	for i, rid := range legacyRefs {
		refs[i] = record.EpisodeRef{EpisodeID: rid}
	}
	return &record.Pattern{
		ID:          id,
		Description: description,
		Embedding:   vec,
		Score:       confidence,
		UsageCount:  usageCount,
		EpisodeRefs: refs,
		CreatedAt:   ts.UTC(),
		UpdatedAt:   ts.UTC(),
	}, nil
}
