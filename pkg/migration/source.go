// Package migration consolidates legacy agent-memory stores into the
// unified durable store and vector indexes.
//
// Each run works one read-only Source through a state machine: an upfront
// validation pass, a dry run that plans identifiers and collisions without
// writing, a streaming copy with an fsync-per-entry manifest, a sampled
// verification pass, and a commit that deprecates the source in the
// engine's own ledger. Any failure after writing begins rolls the
// destination back from the manifest; the legacy store is never modified.
package migration

import (
	"context"
	"encoding/binary"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/record"
)

// Descriptor identifies a legacy store.
type Descriptor struct {
	// Name uniquely identifies the source, usually its path.
	Name string `json:"name"`

	// Kind names the legacy format: sqlite, chromem, or jsonl.
	Kind string `json:"kind"`
}

// LegacyEpisode pairs a source episode with its identifier in the source
// system. Destination identifiers are content-derived at encode time; the
// legacy identifier exists only for the manifest mapping and for remapping
// pattern back-references.
type LegacyEpisode struct {
	LegacyID string
	Episode  *record.Episode
}

// Source is a read-only legacy store. Episodes stream before patterns so
// pattern back-references can be remapped through the manifest.
//
// Iterators must be restartable: the engine streams once for the dry run
// and once for the copy. An iterator stops at the first corrupt record,
// yielding the error.
type Source interface {
	Descriptor() Descriptor

	// Validate is the upfront sanity pass. Nothing is written to the
	// destination if it fails.
	Validate(ctx context.Context) error

	// Counts reports how many episodes and patterns the source holds.
	Counts(ctx context.Context) (episodes, patterns int, err error)

	Episodes(ctx context.Context) iter.Seq2[*LegacyEpisode, error]

	// Patterns streams the source patterns with identifiers preserved and
	// back-references still naming legacy episode identifiers.
	Patterns(ctx context.Context) iter.Seq2[*record.Pattern, error]

	Close() error
}

// legacyOutcome is the JSON outcome shape shared by the first-generation
// exports (the sqlite outcomes column and the jsonl outcome field).
type legacyOutcome struct {
	Coverage   float64            `json:"coverage"`
	PassRate   float64            `json:"pass_rate"`
	DurationMs int64              `json:"duration_ms"`
	Extra      map[string]float64 `json:"extra,omitempty"`
}

func (lo legacyOutcome) outcome() record.Outcome {
	return record.Outcome{
		Coverage: lo.Coverage,
		PassRate: lo.PassRate,
		Duration: time.Duration(lo.DurationMs) * time.Millisecond,
		Extra:    lo.Extra,
	}
}

// decodeEmbedding converts a little-endian float32 blob into a vector.
func decodeEmbedding(blob []byte) ([]float32, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("embedding blob is empty")
	}
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
