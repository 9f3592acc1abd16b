// Package vecindex implements the nearest-neighbor index over embedding
// vectors: a derived, rebuildable projection from vector to record
// identifier. The durable store remains the source of truth; the index can
// always be rebuilt from it.
package vecindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/record"
)

var indexTracer = otel.Tracer("patternstore.vecindex")

// Index errors.
var (
	ErrUnknownMetric     = errors.New("unknown distance metric")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrZeroVector        = errors.New("zero vector not usable with cosine metric")
	ErrEmptyID           = errors.New("identifier cannot be empty")
	ErrInvalidK          = errors.New("k must be positive")
)

// Metric selects the distance function. It is fixed at construction and
// never mixed within one index.
type Metric string

const (
	// MetricCosine ranks by cosine distance (1 - cosine similarity).
	MetricCosine Metric = "cosine"

	// MetricEuclidean ranks by Euclidean (L2) distance.
	MetricEuclidean Metric = "euclidean"
)

// Valid reports whether m names a supported metric.
func (m Metric) Valid() bool {
	return m == MetricCosine || m == MetricEuclidean
}

// Hit is one query result: an identifier and its distance from the query
// vector. Smaller distances are more similar under both metrics.
type Hit struct {
	ID       string
	Distance float32
}

// Config configures an Index.
type Config struct {
	// Name labels the index in metrics. Defaults to "default".
	Name string

	// Metric is the distance function. Defaults to cosine.
	Metric Metric

	// Path is the snapshot file. Empty disables persistence.
	Path string
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Metric == "" {
		c.Metric = MetricCosine
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if !c.Metric.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMetric, c.Metric)
	}
	return nil
}

// entry is one indexed vector. The slot position of an entry records its
// insertion order, which breaks distance ties deterministically.
type entry struct {
	ID      string
	Vector  []float32
	Norm    float64
	Deleted bool
}

// Index is an exact nearest-neighbor index over embedding vectors.
//
// Inserts are incremental; removal marks a slot and Compact rewrites the
// slot table offline. Queries during a compaction block briefly rather than
// reading a stale snapshot. All methods are safe for concurrent use.
type Index struct {
	name   string
	metric Metric
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	dims    int
	entries []entry
	slots   map[string]int
	removed int
	dirty   bool
}

// New creates an index, loading the snapshot at cfg.Path when one exists.
func New(cfg Config, logger *zap.Logger) (*Index, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	idx := &Index{
		name:   cfg.Name,
		metric: cfg.Metric,
		path:   cfg.Path,
		logger: logger,
		slots:  make(map[string]int),
	}

	if cfg.Path != "" {
		if err := idx.load(); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// Metric returns the construction-time distance metric.
func (ix *Index) Metric() Metric {
	return ix.metric
}

// Len returns the number of live vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.slots)
}

// Dims returns the vector dimension, or 0 before the first insert.
func (ix *Index) Dims() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.dims
}

// Contains reports whether id is indexed.
func (ix *Index) Contains(id string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.slots[id]
	return ok
}

// IDs returns the live identifiers in insertion order.
func (ix *Index) IDs() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ids := make([]string, 0, len(ix.slots))
	for _, e := range ix.entries {
		if !e.Deleted {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// Insert adds a vector under id. The first insert fixes the index
// dimension. Re-inserting an existing identifier replaces its vector but
// keeps its original insertion slot, so tie-break order is stable.
func (ix *Index) Insert(id string, vec []float32) error {
	if id == "" {
		return ErrEmptyID
	}

	norm, err := ix.checkVector(vec)
	if err != nil {
		return fmt.Errorf("insert %s: %w", id, err)
	}

	stored := make([]float32, len(vec))
	copy(stored, vec)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.dims == 0 {
		ix.dims = len(vec)
	} else if len(vec) != ix.dims {
		return fmt.Errorf("insert %s: got %d dimensions, index has %d: %w",
			id, len(vec), ix.dims, ErrDimensionMismatch)
	}

	if slot, ok := ix.slots[id]; ok {
		ix.entries[slot].Vector = stored
		ix.entries[slot].Norm = norm
	} else {
		ix.entries = append(ix.entries, entry{ID: id, Vector: stored, Norm: norm})
		ix.slots[id] = len(ix.entries) - 1
	}
	ix.dirty = true
	indexSize.WithLabelValues(ix.name).Set(float64(len(ix.slots)))
	return nil
}

// Remove drops id from the index. The slot is reclaimed by Compact.
func (ix *Index) Remove(id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	slot, ok := ix.slots[id]
	if !ok {
		return fmt.Errorf("remove %s: %w", id, record.ErrNotFound)
	}
	ix.entries[slot].Deleted = true
	ix.entries[slot].Vector = nil
	delete(ix.slots, id)
	ix.removed++
	ix.dirty = true
	indexSize.WithLabelValues(ix.name).Set(float64(len(ix.slots)))
	return nil
}

// Query returns up to k hits ordered by ascending distance. Ties are broken
// by insertion order, earlier insertion first. The caller's context deadline
// is honored between distance batches.
func (ix *Index) Query(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	ctx, span := indexTracer.Start(ctx, "vecindex.query")
	defer span.End()
	start := timeNow()

	if k <= 0 {
		return nil, ErrInvalidK
	}
	queryNorm, err := ix.checkVector(vec)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.dims == 0 {
		return []Hit{}, nil
	}
	if len(vec) != ix.dims {
		return nil, fmt.Errorf("query: got %d dimensions, index has %d: %w",
			len(vec), ix.dims, ErrDimensionMismatch)
	}

	type scored struct {
		slot int
		dist float64
	}
	candidates := make([]scored, 0, len(ix.slots))
	for slot := range ix.entries {
		if ix.entries[slot].Deleted {
			continue
		}
		if slot%1024 == 0 {
			if err := ctx.Err(); err != nil {
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
		}
		candidates = append(candidates, scored{
			slot: slot,
			dist: ix.distance(vec, queryNorm, &ix.entries[slot]),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].slot < candidates[j].slot
	})

	if k > len(candidates) {
		k = len(candidates)
	}
	hits := make([]Hit, k)
	for i := 0; i < k; i++ {
		hits[i] = Hit{
			ID:       ix.entries[candidates[i].slot].ID,
			Distance: float32(candidates[i].dist),
		}
	}

	span.SetAttributes(
		attribute.Int("k", k),
		attribute.Int("candidates", len(candidates)),
	)
	queryDuration.Observe(timeNow().Sub(start).Seconds())
	return hits, nil
}

// distance computes the configured metric between the query vector and an
// indexed entry, accumulating in float64 for stability.
func (ix *Index) distance(vec []float32, queryNorm float64, e *entry) float64 {
	switch ix.metric {
	case MetricEuclidean:
		var sum float64
		for i, v := range vec {
			d := float64(v) - float64(e.Vector[i])
			sum += d * d
		}
		return math.Sqrt(sum)
	default: // MetricCosine
		var dot float64
		for i, v := range vec {
			dot += float64(v) * float64(e.Vector[i])
		}
		return 1 - dot/(queryNorm*e.Norm)
	}
}

// checkVector validates a vector for the configured metric and returns its
// norm (used only by cosine).
func (ix *Index) checkVector(vec []float32) (float64, error) {
	if len(vec) == 0 {
		return 0, record.ErrEmptyEmbedding
	}
	norm := vectorNorm(vec)
	if ix.metric == MetricCosine && norm == 0 {
		return 0, ErrZeroVector
	}
	return norm, nil
}

func vectorNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}
