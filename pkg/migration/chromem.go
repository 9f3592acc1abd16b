package migration

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/record"
)

// ChromemSource reads a persisted chromem-go collection from the interim
// per-agent deployments. Documents are episodes: the content is the raw
// context payload, the embedding is the context vector, and the metadata
// carries agent_id, recorded_at (RFC 3339), coverage, pass_rate, and
// duration_ms. Those stores never held patterns.
//
// Enumeration goes through the library itself: a full-size embedding query
// against a unit probe vector returns every document.
type ChromemSource struct {
	path       string
	collection string
	dims       int
	col        *chromem.Collection
}

var _ Source = (*ChromemSource)(nil)

// OpenChromemSource opens the persisted database at path and binds the
// named collection. dims must match the embedding width the legacy
// deployment used.
func OpenChromemSource(path, collection string, dims int) (*ChromemSource, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("chromem source needs a positive embedding dimension, got %d", dims)
	}
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db %s: %w", path, err)
	}
	// No embedding func: enumeration always supplies the vector itself.
	col := db.GetCollection(collection, nil)
	return &ChromemSource{
		path:       path,
		collection: collection,
		dims:       dims,
		col:        col,
	}, nil
}

func (s *ChromemSource) Descriptor() Descriptor {
	return Descriptor{Name: s.path + "#" + s.collection, Kind: "chromem"}
}

// Close is a no-op; chromem holds no resources beyond the mapped files.
func (s *ChromemSource) Close() error { return nil }

func (s *ChromemSource) Validate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.col == nil {
		return fmt.Errorf("chromem db %s has no collection %s", s.path, s.collection)
	}
	return nil
}

func (s *ChromemSource) Counts(ctx context.Context) (int, int, error) {
	if s.col == nil {
		return 0, 0, fmt.Errorf("chromem db %s has no collection %s", s.path, s.collection)
	}
	return s.col.Count(), 0, nil
}

// Episodes streams every document, ordered by recording time then
// identifier so repeated runs see the same sequence.
func (s *ChromemSource) Episodes(ctx context.Context) iter.Seq2[*LegacyEpisode, error] {
	return func(yield func(*LegacyEpisode, error) bool) {
		if s.col == nil {
			yield(nil, fmt.Errorf("chromem db %s has no collection %s", s.path, s.collection))
			return
		}
		count := s.col.Count()
		if count == 0 {
			return
		}

		probe := make([]float32, s.dims)
		probe[0] = 1
		results, err := s.col.QueryEmbedding(ctx, probe, count, nil, nil)
		if err != nil {
			yield(nil, fmt.Errorf("enumerate chromem collection %s: %w", s.collection, err))
			return
		}
		sort.Slice(results, func(i, j int) bool {
			ri, rj := results[i].Metadata["recorded_at"], results[j].Metadata["recorded_at"]
			if ri != rj {
				return ri < rj
			}
			return results[i].ID < results[j].ID
		})

		for _, res := range results {
			ep, err := decodeChromemEpisode(res)
			if err != nil {
				yield(nil, fmt.Errorf("chromem document %s: %w", res.ID, err))
				return
			}
			if !yield(&LegacyEpisode{LegacyID: res.ID, Episode: ep}, nil) {
				return
			}
		}
	}
}

// Patterns yields nothing: the interim chromem deployments stored raw
// episodes only.
func (s *ChromemSource) Patterns(ctx context.Context) iter.Seq2[*record.Pattern, error] {
	return func(yield func(*record.Pattern, error) bool) {}
}

// decodeChromemEpisode rebuilds an episode from a chromem document. A
// present-but-unparseable metadata value is corruption and fails the
// stream; an absent value falls through to record validation.
func decodeChromemEpisode(res chromem.Result) (*record.Episode, error) {
	ep := &record.Episode{
		AgentID: res.Metadata["agent_id"],
		Context: record.Context{
			Payload:   []byte(res.Content),
			Embedding: res.Embedding,
		},
	}

	if raw, ok := res.Metadata["recorded_at"]; ok {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("recorded_at: %w", err)
		}
		ep.RecordedAt = ts.UTC()
	}
	if raw, ok := res.Metadata["coverage"]; ok {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("coverage: %w", err)
		}
		ep.Outcome.Coverage = v
	}
	if raw, ok := res.Metadata["pass_rate"]; ok {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("pass_rate: %w", err)
		}
		ep.Outcome.PassRate = v
	}
	if raw, ok := res.Metadata["duration_ms"]; ok {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("duration_ms: %w", err)
		}
		ep.Outcome.Duration = time.Duration(v) * time.Millisecond
	}
	return ep, nil
}
