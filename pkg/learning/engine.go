// Package learning is the agent-facing write and retrieval surface of the
// pattern store.
//
// All mutation flows through the Engine: it is the sole identifier-level
// serialization authority, holding a keyed mutex around every write so
// same-identifier updates apply in some total order with no lost updates.
// The store and indexes below it lock only for their own structural
// integrity.
package learning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/metrics"
	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/record"
	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/store"
	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/vecindex"
)

var learningTracer = otel.Tracer("patternstore.learning")

// Config configures the engine.
type Config struct {
	// Retention bounds how many episodes are kept. Defaults to keep-all.
	Retention RetentionPolicy
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return c.Retention.Validate()
}

// Engine coordinates the durable store and the two vector index
// namespaces (episodes, patterns) behind the agent-facing operations.
type Engine struct {
	store     *store.Store
	episodes  *vecindex.Index
	patterns  *vecindex.Index
	retention RetentionPolicy
	collector *metrics.Collector
	logger    *zap.Logger
	ids       *keyedMutex
}

// NewEngine creates an engine over the given store and indexes.
func NewEngine(cfg Config, st *store.Store, episodes, patterns *vecindex.Index, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil || episodes == nil || patterns == nil {
		return nil, errors.New("store and both indexes are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     st,
		episodes:  episodes,
		patterns:  patterns,
		retention: cfg.Retention,
		collector: metrics.NewCollector(),
		logger:    logger,
		ids:       newKeyedMutex(),
	}, nil
}

// Collector exposes the operation timing collector for harness reports.
func (e *Engine) Collector() *metrics.Collector {
	return e.collector
}

// RecordEpisode durably stores one observed outcome and indexes its
// embedding. Identifiers are content-derived, so replaying an identical
// sealed record deduplicates in the store rather than growing the log.
func (e *Engine) RecordEpisode(ctx context.Context, agentID string, rctx record.Context, outcome record.Outcome) (string, error) {
	ctx, span := learningTracer.Start(ctx, "learning.record_episode")
	defer span.End()
	start := time.Now()

	ep, err := record.NewEpisode(agentID, rctx, outcome)
	if err != nil {
		return "", err
	}
	env, err := record.EncodeEpisode(ep)
	if err != nil {
		return "", err
	}

	e.ids.lock(env.ID)
	defer e.ids.unlock(env.ID)

	id, err := e.store.Put(ctx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("record episode: %w", err)
	}
	if err := e.episodes.Insert(id, rctx.Embedding); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("index episode %s: %w", id, err)
	}

	episodesRecordedTotal.Inc()
	e.collector.RecordTiming(metrics.OpRecordEpisode, time.Since(start))
	span.SetAttributes(attribute.String("episode_id", id))
	e.logger.Debug("episode recorded",
		zap.String("episode_id", id),
		zap.String("agent_id", agentID))
	return id, nil
}

// RetrievePatterns returns up to k live patterns most similar to the given
// context, best match first. Retrieval is read-only: it never touches
// scores or usage counts. A missed deadline surfaces as record.ErrTimeout,
// which callers may retry.
func (e *Engine) RetrievePatterns(ctx context.Context, rctx record.Context, k int) ([]*record.Pattern, error) {
	ctx, span := learningTracer.Start(ctx, "learning.retrieve_patterns")
	defer span.End()
	start := time.Now()

	hits, err := e.patterns.Query(ctx, rctx.Embedding, k)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, timeoutErr("retrieve patterns", err)
	}

	out := make([]*record.Pattern, 0, len(hits))
	for _, hit := range hits {
		env, err := e.store.Get(ctx, hit.ID)
		if err != nil {
			// Deprecated between the index query and the load.
			if errors.Is(err, record.ErrNotFound) {
				continue
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, timeoutErr("retrieve patterns", err)
		}
		pat, err := record.DecodePattern(env)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, pat)
	}

	e.collector.RecordTiming(metrics.OpRetrievePatterns, time.Since(start))
	span.SetAttributes(
		attribute.Int("requested", k),
		attribute.Int("returned", len(out)),
	)
	return out, nil
}

// Reinforce applies one bounded, clamped score update to a pattern. The
// delta is clamped to [-1,1] and scaled by a fixed step, the score stays in
// [0,1], and the usage counter moves here and only here. Concurrent
// reinforcements of one pattern apply in some total order.
func (e *Engine) Reinforce(ctx context.Context, patternID string, delta float64) error {
	ctx, span := learningTracer.Start(ctx, "learning.reinforce")
	defer span.End()
	start := time.Now()

	e.ids.lock(patternID)
	defer e.ids.unlock(patternID)

	env, err := e.store.Get(ctx, patternID)
	if err != nil {
		return fmt.Errorf("reinforce %s: %w", patternID, err)
	}
	pat, err := record.DecodePattern(env)
	if err != nil {
		return fmt.Errorf("reinforce %s: %w", patternID, err)
	}

	pat.Reinforce(delta)

	updated, err := record.EncodePattern(pat)
	if err != nil {
		return fmt.Errorf("reinforce %s: %w", patternID, err)
	}
	if _, err := e.store.Put(ctx, updated); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("reinforce %s: %w", patternID, err)
	}

	reinforcementsTotal.Inc()
	e.collector.RecordTiming(metrics.OpReinforce, time.Since(start))
	span.SetAttributes(
		attribute.String("pattern_id", patternID),
		attribute.Float64("score", pat.Score),
		attribute.Int("usage_count", pat.UsageCount),
	)
	return nil
}

// DerivePattern creates a pattern summarizing the given episodes. Every
// referenced episode must exist and be live, otherwise
// record.ErrInvalidReference is returned and nothing is created. The
// pattern embedding is the centroid of the episode embeddings.
func (e *Engine) DerivePattern(ctx context.Context, episodeIDs []string, description string) (string, error) {
	ctx, span := learningTracer.Start(ctx, "learning.derive_pattern")
	defer span.End()
	start := time.Now()

	if len(episodeIDs) == 0 {
		return "", record.ErrNoEpisodeRefs
	}

	centroid, err := e.episodeCentroid(ctx, episodeIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	pat, err := record.NewPattern(description, episodeIDs, centroid)
	if err != nil {
		return "", err
	}
	env, err := record.EncodePattern(pat)
	if err != nil {
		return "", err
	}

	e.ids.lock(pat.ID)
	defer e.ids.unlock(pat.ID)

	if _, err := e.store.Put(ctx, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("derive pattern: %w", err)
	}
	if err := e.patterns.Insert(pat.ID, centroid); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("index pattern %s: %w", pat.ID, err)
	}

	patternsDerivedTotal.Inc()
	e.collector.RecordTiming(metrics.OpDerivePattern, time.Since(start))
	span.SetAttributes(
		attribute.String("pattern_id", pat.ID),
		attribute.Int("episode_count", len(episodeIDs)),
	)
	e.logger.Info("pattern derived",
		zap.String("pattern_id", pat.ID),
		zap.Int("episodes", len(episodeIDs)))
	return pat.ID, nil
}

// episodeCentroid loads every referenced episode and averages their
// embeddings.
func (e *Engine) episodeCentroid(ctx context.Context, episodeIDs []string) ([]float32, error) {
	var acc []float64
	for _, id := range episodeIDs {
		env, err := e.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, record.ErrNotFound) {
				return nil, fmt.Errorf("episode %s: %w", id, record.ErrInvalidReference)
			}
			return nil, fmt.Errorf("episode %s: %w", id, err)
		}
		ep, err := record.DecodeEpisode(env)
		if err != nil {
			return nil, fmt.Errorf("episode %s: %w", id, err)
		}

		emb := ep.Context.Embedding
		if acc == nil {
			acc = make([]float64, len(emb))
		} else if len(emb) != len(acc) {
			return nil, fmt.Errorf("episode %s embedding has %d dimensions, want %d",
				id, len(emb), len(acc))
		}
		for i, v := range emb {
			acc[i] += float64(v)
		}
	}

	centroid := make([]float32, len(acc))
	n := float64(len(episodeIDs))
	for i, v := range acc {
		centroid[i] = float32(v / n)
	}
	return centroid, nil
}

// DeprecatePattern tombstones a pattern. The record stays in the log for
// audit; retrieval stops returning it immediately.
func (e *Engine) DeprecatePattern(ctx context.Context, patternID string) error {
	ctx, span := learningTracer.Start(ctx, "learning.deprecate_pattern")
	defer span.End()

	e.ids.lock(patternID)
	defer e.ids.unlock(patternID)

	env, err := e.store.Get(ctx, patternID)
	if err != nil {
		return fmt.Errorf("deprecate %s: %w", patternID, err)
	}
	if env.Kind != record.KindPattern {
		return fmt.Errorf("deprecate %s: record is a %s, not a pattern", patternID, env.Kind)
	}

	if err := e.patterns.Remove(patternID); err != nil && !errors.Is(err, record.ErrNotFound) {
		return fmt.Errorf("deprecate %s: %w", patternID, err)
	}
	if err := e.store.Delete(ctx, patternID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deprecate %s: %w", patternID, err)
	}

	patternsDeprecatedTotal.Inc()
	span.SetAttributes(attribute.String("pattern_id", patternID))
	e.logger.Info("pattern deprecated", zap.String("pattern_id", patternID))
	return nil
}

// Prune applies the retention policy: the KeepCount most recent episodes
// stay, older ones are tombstoned, and back-references of affected
// patterns are marked pruned before the payloads disappear. Returns how
// many episodes were tombstoned.
func (e *Engine) Prune(ctx context.Context) (int, error) {
	ctx, span := learningTracer.Start(ctx, "learning.prune")
	defer span.End()

	if e.retention.Unlimited() {
		return 0, nil
	}

	type episodeAge struct {
		id string
		at time.Time
	}
	var live []episodeAge
	for env, err := range e.store.Scan(ctx, func(env *record.Envelope) bool {
		return env.Kind == record.KindEpisode
	}) {
		if err != nil {
			return 0, fmt.Errorf("prune scan: %w", err)
		}
		live = append(live, episodeAge{id: env.ID, at: env.RecordedAt})
	}
	keep := e.retention.KeepCount
	if len(live) <= keep {
		return 0, nil
	}

	// Newest first; equal timestamps break by identifier so repeated runs
	// agree on the cut line.
	sort.Slice(live, func(i, j int) bool {
		if !live[i].at.Equal(live[j].at) {
			return live[i].at.After(live[j].at)
		}
		return live[i].id > live[j].id
	})

	victims := make(map[string]struct{}, len(live)-keep)
	for _, ea := range live[keep:] {
		victims[ea.id] = struct{}{}
	}

	// Markers flip before payloads go: a crash in between leaves an early
	// marker, never a dangling unmarked reference.
	if err := e.markPrunedRefs(ctx, victims); err != nil {
		return 0, err
	}

	pruned := 0
	for _, ea := range live[keep:] {
		if err := ctx.Err(); err != nil {
			return pruned, err
		}
		if err := e.tombstoneEpisode(ctx, ea.id); err != nil {
			return pruned, err
		}
		pruned++
	}

	episodesPrunedTotal.Add(float64(pruned))
	span.SetAttributes(attribute.Int("pruned", pruned))
	e.logger.Info("retention prune complete",
		zap.Int("pruned", pruned),
		zap.Int("kept", keep),
		zap.String("policy", e.retention.String()))
	return pruned, nil
}

func (e *Engine) markPrunedRefs(ctx context.Context, victims map[string]struct{}) error {
	var affected []string
	for env, err := range e.store.Scan(ctx, func(env *record.Envelope) bool {
		return env.Kind == record.KindPattern
	}) {
		if err != nil {
			return fmt.Errorf("prune pattern scan: %w", err)
		}
		pat, err := record.DecodePattern(env)
		if err != nil {
			return err
		}
		for _, ref := range pat.EpisodeRefs {
			if _, hit := victims[ref.EpisodeID]; hit && !ref.Pruned {
				affected = append(affected, pat.ID)
				break
			}
		}
	}

	for _, id := range affected {
		if err := e.flipPrunedMarkers(ctx, id, victims); err != nil {
			return err
		}
	}
	return nil
}

// flipPrunedMarkers re-reads the pattern under its identifier lock and
// marks every reference to a victim episode.
func (e *Engine) flipPrunedMarkers(ctx context.Context, patternID string, victims map[string]struct{}) error {
	e.ids.lock(patternID)
	defer e.ids.unlock(patternID)

	env, err := e.store.Get(ctx, patternID)
	if err != nil {
		// Deprecated since the scan.
		if errors.Is(err, record.ErrNotFound) {
			return nil
		}
		return err
	}
	pat, err := record.DecodePattern(env)
	if err != nil {
		return err
	}

	changed := false
	for i := range pat.EpisodeRefs {
		if _, hit := victims[pat.EpisodeRefs[i].EpisodeID]; hit && !pat.EpisodeRefs[i].Pruned {
			pat.EpisodeRefs[i].Pruned = true
			changed = true
		}
	}
	if !changed {
		return nil
	}

	updated, err := record.EncodePattern(pat)
	if err != nil {
		return err
	}
	if _, err := e.store.Put(ctx, updated); err != nil {
		return fmt.Errorf("mark pruned refs on %s: %w", patternID, err)
	}
	return nil
}

func (e *Engine) tombstoneEpisode(ctx context.Context, id string) error {
	e.ids.lock(id)
	defer e.ids.unlock(id)

	if err := e.episodes.Remove(id); err != nil && !errors.Is(err, record.ErrNotFound) {
		return fmt.Errorf("unindex episode %s: %w", id, err)
	}
	if err := e.store.Delete(ctx, id); err != nil && !errors.Is(err, record.ErrNotFound) {
		return fmt.Errorf("tombstone episode %s: %w", id, err)
	}
	return nil
}

// timeoutErr maps a deadline expiry onto the retryable taxonomy error.
func timeoutErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, record.ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
