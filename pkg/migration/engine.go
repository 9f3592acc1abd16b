package migration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/proffesor-for-testing/agentic-qe-sub011/internal/logging"
	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/record"
	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/store"
	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/vecindex"
)

var migrationTracer = otel.Tracer("patternstore.migration")

// progressPersistEvery bounds how stale the on-disk run record can get
// during a long copy phase.
const progressPersistEvery = 256

// Config configures the engine.
type Config struct {
	// Dir is the migrations root directory: one subdirectory per run plus
	// the deprecation ledger.
	Dir string

	// SampleFraction is the fraction of written records re-read during
	// verification. Defaults to 0.1.
	SampleFraction float64

	// MinSampleCount is the verification sample floor. Defaults to 10.
	MinSampleCount int

	// RateLimit caps destination writes per second during the copy phase
	// so a live fleet is not starved. Zero means unlimited.
	RateLimit float64

	// RateBurst is the limiter burst size when RateLimit is set.
	RateBurst int
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.SampleFraction == 0 {
		c.SampleFraction = 0.1
	}
	if c.MinSampleCount == 0 {
		c.MinSampleCount = 10
	}
	if c.RateBurst == 0 {
		c.RateBurst = 1
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return errors.New("migration directory is required")
	}
	if c.SampleFraction < 0 || c.SampleFraction > 1 {
		return fmt.Errorf("sample fraction %v outside [0,1]", c.SampleFraction)
	}
	if c.MinSampleCount < 1 {
		return fmt.Errorf("minimum sample count %d must be positive", c.MinSampleCount)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit %v cannot be negative", c.RateLimit)
	}
	return nil
}

// Engine drives consolidation runs against the destination store and
// indexes. Runs are serialized with each other and with rollbacks; the
// engine writes out-of-band from the learning engine, so consolidation
// expects no concurrent writer touching the migrated identifiers.
type Engine struct {
	cfg      Config
	store    *store.Store
	episodes *vecindex.Index
	patterns *vecindex.Index
	logger   *zap.Logger
	limiter  *rate.Limiter

	mu sync.Mutex
}

// NewEngine creates an engine writing through the given store and
// indexes.
func NewEngine(cfg Config, st *store.Store, episodes, patterns *vecindex.Index, logger *zap.Logger) (*Engine, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil || episodes == nil || patterns == nil {
		return nil, errors.New("store and both indexes are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create migrations directory: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	return &Engine{
		cfg:      cfg,
		store:    st,
		episodes: episodes,
		patterns: patterns,
		logger:   logger,
		limiter:  limiter,
	}, nil
}

type runOptions struct {
	dryRunOnly bool
}

// RunOption adjusts a single consolidation run.
type RunOption func(*runOptions)

// WithDryRunOnly stops the run after the dry-run phase: destination
// identifiers, collisions, and counts are computed and persisted without
// writing a single record.
func WithDryRunOnly() RunOption {
	return func(o *runOptions) { o.dryRunOnly = true }
}

// RunError is returned when a run fails after writing began. It carries
// the final audit record and matches both record.ErrMigrationFailure and
// the underlying cause with errors.Is.
type RunError struct {
	Record *record.MigrationRecord
	Cause  error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("migration %s failed: %v", e.Record.RunID, e.Cause)
}

func (e *RunError) Unwrap() []error {
	return []error{record.ErrMigrationFailure, e.Cause}
}

// Run drives one source through the full state machine synchronously and
// returns the final audit record. The record is also returned inside a
// *RunError when the run rolled back.
func (e *Engine) Run(ctx context.Context, src Source, opts ...RunOption) (*record.MigrationRecord, error) {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := migrationTracer.Start(ctx, "migration.run")
	defer span.End()

	desc := src.Descriptor()
	rec := record.NewMigrationRecord(desc.Name, desc.Kind)
	runDir := filepath.Join(e.cfg.Dir, rec.RunID)

	span.SetAttributes(
		attribute.String("run_id", rec.RunID),
		attribute.String("source", desc.Name),
		attribute.String("source_kind", desc.Kind),
	)
	log := e.logger.With(
		zap.String("run_id", rec.RunID),
		zap.String("source", desc.Name),
		zap.String("source_kind", desc.Kind),
	)

	if err := os.MkdirAll(runDir, 0o700); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	if err := writeRunRecord(runDir, rec); err != nil {
		return nil, err
	}
	log.Info("migration run opened")

	if err := e.validate(ctx, src, rec, runDir); err != nil {
		return e.abort(rec, runDir, span, log, err)
	}

	if err := e.plan(ctx, src, rec, runDir); err != nil {
		return e.abort(rec, runDir, span, log, err)
	}
	if ro.dryRunOnly {
		rec.FinishedAt = time.Now().UTC()
		if err := writeRunRecord(runDir, rec); err != nil {
			return rec.Clone(), err
		}
		log.Info("dry run complete",
			zap.Int("attempted", rec.Attempted),
			zap.Int("would_migrate", rec.Migrated),
			zap.Int("skipped", rec.Skipped),
			zap.Int("failed", rec.Failed),
			zap.Int("collisions", len(rec.Collisions)))
		return rec.Clone(), nil
	}

	if err := e.copy(ctx, src, rec, runDir, log); err != nil {
		return e.failAndRollback(ctx, rec, runDir, span, log, err)
	}

	if err := e.verify(ctx, runDir, log); err != nil {
		return e.failAndRollback(ctx, rec, runDir, span, log, err)
	}
	if err := e.transition(rec, record.MigrationVerified, runDir); err != nil {
		return e.failAndRollback(ctx, rec, runDir, span, log, err)
	}
	if err := ctx.Err(); err != nil {
		return e.failAndRollback(ctx, rec, runDir, span, log, err)
	}

	if err := e.commit(ctx, rec, runDir, desc, log); err != nil {
		return e.failAndRollback(ctx, rec, runDir, span, log, err)
	}
	return rec.Clone(), nil
}

// Status returns the latest persisted snapshot of a run.
func (e *Engine) Status(runID string) (*record.MigrationRecord, error) {
	return readRunRecord(filepath.Join(e.cfg.Dir, runID))
}

// Runs lists all persisted runs, oldest first.
func (e *Engine) Runs() ([]*record.MigrationRecord, error) {
	dirEntries, err := os.ReadDir(e.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	recs := make([]*record.MigrationRecord, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		rec, err := readRunRecord(filepath.Join(e.cfg.Dir, de.Name()))
		if err != nil {
			if errors.Is(err, record.ErrNotFound) {
				continue
			}
			return nil, err
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].StartedAt.Before(recs[j].StartedAt) })
	return recs, nil
}

// Rollback tombstones everything a run wrote, using the durable manifest.
// It is safe on crashed, failed, and interrupted runs, idempotent on
// already-rolled-back ones, and refused on committed ones.
func (e *Engine) Rollback(ctx context.Context, runID string) (*record.MigrationRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rollbackByID(ctx, runID, "operator requested rollback")
}

// Resume finishes an interrupted run from its persisted state. A run
// interrupted during the copy or verification cannot prove the stream
// completed and no longer has the source attached, so it rolls back; a run
// interrupted between verification and commit finishes the commit.
func (e *Engine) Resume(ctx context.Context, runID string) (*record.MigrationRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	runDir := filepath.Join(e.cfg.Dir, runID)
	rec, err := readRunRecord(runDir)
	if err != nil {
		return nil, err
	}
	log := e.logger.With(zap.String("run_id", runID), zap.String("source", rec.SourceID))

	switch rec.State {
	case record.MigrationCommitted, record.MigrationRolledBack:
		return rec, nil
	case record.MigrationMigrating, record.MigrationFailed:
		return e.rollbackByID(ctx, runID, "resumed after interruption")
	case record.MigrationVerified:
		if err := e.commit(ctx, rec, runDir, Descriptor{Name: rec.SourceID, Kind: rec.SourceKind}, log); err != nil {
			return rec, err
		}
		return rec.Clone(), nil
	default:
		// Nothing durable was written before Migrating; the run record
		// stays as the trace of an abandoned attempt.
		return rec, nil
	}
}

// transition moves the run record to the next state and persists it. An
// invalid transition is an internal bug, surfaced loudly.
func (e *Engine) transition(rec *record.MigrationRecord, to record.MigrationState, runDir string) error {
	if !canTransition(rec.State, to) {
		return fmt.Errorf("%w: migration state %s cannot move to %s",
			record.ErrConcurrencyConflict, rec.State, to)
	}
	from := rec.State
	rec.State = to
	if err := writeRunRecord(runDir, rec); err != nil {
		rec.State = from
		return fmt.Errorf("persist state %s: %w", to, err)
	}
	return nil
}

// validate runs the upfront sanity pass: the source must not already be
// deprecated and must pass its own checks. Nothing has been written, so a
// failure here aborts without rollback.
func (e *Engine) validate(ctx context.Context, src Source, rec *record.MigrationRecord, runDir string) error {
	deps, err := readDeprecations(e.cfg.Dir)
	if err != nil {
		return err
	}
	for _, d := range deps {
		if d.Source.Name == rec.SourceID {
			return fmt.Errorf("source %s already deprecated by run %s", rec.SourceID, d.RunID)
		}
	}
	if err := src.Validate(ctx); err != nil {
		return fmt.Errorf("validate source: %w", err)
	}
	return e.transition(rec, record.MigrationValidated, runDir)
}

// patternOwner is the current holder of a pattern identifier during
// planning and copying.
type patternOwner struct {
	checksum  string
	updatedAt time.Time
	source    string
}

// plan is the dry run: it streams the whole source, computing destination
// identifiers, collisions, and counts without writing.
func (e *Engine) plan(ctx context.Context, src Source, rec *record.MigrationRecord, runDir string) error {
	srcEpisodes, srcPatterns, err := src.Counts(ctx)
	if err != nil {
		return fmt.Errorf("count source records: %w", err)
	}

	idMap := make(map[string]string, srcEpisodes)
	planned := make(map[string]struct{}, srcEpisodes)

	for le, err := range src.Episodes(ctx) {
		if err != nil {
			return fmt.Errorf("stream source episodes: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rec.Attempted++
		env, encErr := record.EncodeEpisode(le.Episode)
		if encErr != nil {
			rec.Failed++
			rec.FailedIDs = append(rec.FailedIDs, le.LegacyID)
			continue
		}
		idMap[le.LegacyID] = env.ID
		if _, dup := planned[env.ID]; dup || e.store.Contains(env.ID) {
			rec.Skipped++
			continue
		}
		planned[env.ID] = struct{}{}
		rec.Migrated++
	}

	owners := make(map[string]patternOwner, srcPatterns)
	for pat, err := range src.Patterns(ctx) {
		if err != nil {
			return fmt.Errorf("stream source patterns: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rec.Attempted++
		env, encErr := preparePattern(pat, idMap, e.logger)
		if encErr != nil {
			rec.Failed++
			rec.FailedIDs = append(rec.FailedIDs, pat.ID)
			continue
		}

		var owner *patternOwner
		if own, ok := owners[pat.ID]; ok {
			owner = &own
		} else if owner, err = e.currentPatternOwner(ctx, pat.ID); err != nil {
			return err
		}
		if !resolvePattern(rec, pat.ID, env.Checksum, pat.UpdatedAt, owner) {
			rec.Skipped++
			continue
		}
		owners[pat.ID] = patternOwner{
			checksum:  env.Checksum,
			updatedAt: pat.UpdatedAt,
			source:    rec.SourceID,
		}
		rec.Migrated++
	}

	return e.transition(rec, record.MigrationDryRunComplete, runDir)
}

// copy streams the source into the destination. Episodes go first so the
// pattern back-references can be remapped through the identifier map.
func (e *Engine) copy(ctx context.Context, src Source, rec *record.MigrationRecord, runDir string, log *zap.Logger) error {
	// The dry run filled the counters with planned numbers; the copy
	// recounts what actually happens.
	rec.Attempted, rec.Migrated, rec.Skipped, rec.Failed = 0, 0, 0, 0
	rec.Collisions = nil
	rec.FailedIDs = nil

	if err := e.transition(rec, record.MigrationMigrating, runDir); err != nil {
		return err
	}

	manifest, err := openManifestLog(runDir)
	if err != nil {
		return err
	}
	defer manifest.Close()

	idMap := make(map[string]string)

	for le, err := range src.Episodes(ctx) {
		if err != nil {
			return fmt.Errorf("stream source episodes: %w", err)
		}
		rec.Attempted++
		env, encErr := record.EncodeEpisode(le.Episode)
		if encErr != nil {
			rec.Failed++
			rec.FailedIDs = append(rec.FailedIDs, le.LegacyID)
			recordsTotal.WithLabelValues(string(record.KindEpisode), "failed").Inc()
			log.Warn("source episode rejected",
				zap.String("legacy_id", le.LegacyID),
				logging.Payload("payload", le.Episode.Context.Payload),
				zap.Error(encErr))
			continue
		}
		idMap[le.LegacyID] = env.ID
		if e.store.Contains(env.ID) {
			rec.Skipped++
			recordsTotal.WithLabelValues(string(record.KindEpisode), "skipped").Inc()
			continue
		}
		if err := e.writeRecord(ctx, manifest, rec, le.LegacyID, env, le.Episode.Context.Embedding, e.episodes); err != nil {
			return err
		}
		e.maybePersistProgress(rec, runDir)
	}

	for pat, err := range src.Patterns(ctx) {
		if err != nil {
			return fmt.Errorf("stream source patterns: %w", err)
		}
		rec.Attempted++
		env, encErr := preparePattern(pat, idMap, log)
		if encErr != nil {
			rec.Failed++
			rec.FailedIDs = append(rec.FailedIDs, pat.ID)
			recordsTotal.WithLabelValues(string(record.KindPattern), "failed").Inc()
			log.Warn("source pattern rejected",
				zap.String("legacy_id", pat.ID), zap.Error(encErr))
			continue
		}
		owner, err := e.currentPatternOwner(ctx, pat.ID)
		if err != nil {
			return err
		}
		if !resolvePattern(rec, pat.ID, env.Checksum, pat.UpdatedAt, owner) {
			rec.Skipped++
			recordsTotal.WithLabelValues(string(record.KindPattern), "skipped").Inc()
			continue
		}
		if err := e.writeRecord(ctx, manifest, rec, pat.ID, env, pat.Embedding, e.patterns); err != nil {
			return err
		}
		e.maybePersistProgress(rec, runDir)
	}
	return nil
}

// writeRecord appends the manifest entry, then writes the store record and
// the index entry. Manifest before store: a crash can leave a manifest
// entry without a record, which rollback tolerates, but never a record the
// manifest does not know about.
func (e *Engine) writeRecord(ctx context.Context, manifest *manifestLog, rec *record.MigrationRecord,
	legacyID string, env *record.Envelope, embedding []float32, idx *vecindex.Index) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	if err := manifest.append(manifestEntry{
		Kind:       env.Kind,
		LegacyID:   legacyID,
		NewID:      env.ID,
		Checksum:   env.Checksum,
		MigratedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	if _, err := e.store.Put(ctx, env); err != nil {
		return fmt.Errorf("write %s %s: %w", env.Kind, env.ID, err)
	}
	if err := idx.Insert(env.ID, embedding); err != nil {
		return fmt.Errorf("index %s %s: %w", env.Kind, env.ID, err)
	}

	rec.Manifest[legacyID] = env.ID
	rec.Migrated++
	recordsTotal.WithLabelValues(string(env.Kind), "migrated").Inc()
	return nil
}

func (e *Engine) maybePersistProgress(rec *record.MigrationRecord, runDir string) {
	if rec.Attempted%progressPersistEvery != 0 {
		return
	}
	if err := writeRunRecord(runDir, rec); err != nil {
		e.logger.Warn("persist run progress",
			zap.String("run_id", rec.RunID), zap.Error(err))
	}
}

// preparePattern remaps back-references through the episode identifier map
// and seals the pattern. References to episodes the source never yielded
// are kept but flagged Pruned, preserving the audit trail.
func preparePattern(pat *record.Pattern, idMap map[string]string, log *zap.Logger) (*record.Envelope, error) {
	for i := range pat.EpisodeRefs {
		legacy := pat.EpisodeRefs[i].EpisodeID
		if newID, ok := idMap[legacy]; ok {
			pat.EpisodeRefs[i].EpisodeID = newID
			continue
		}
		if !pat.EpisodeRefs[i].Pruned {
			pat.EpisodeRefs[i].Pruned = true
			log.Warn("pattern reference does not resolve in source, marking pruned",
				zap.String("pattern_id", pat.ID),
				zap.String("episode_id", legacy))
		}
	}
	return record.EncodePattern(pat)
}

// currentPatternOwner loads the destination record currently holding id,
// nil when the identifier is free.
func (e *Engine) currentPatternOwner(ctx context.Context, id string) (*patternOwner, error) {
	if !e.store.Contains(id) {
		return nil, nil
	}
	env, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load destination pattern %s: %w", id, err)
	}
	existing, err := record.DecodePattern(env)
	if err != nil {
		return nil, fmt.Errorf("decode destination pattern %s: %w", id, err)
	}
	return &patternOwner{
		checksum:  env.Checksum,
		updatedAt: existing.UpdatedAt,
		source:    "destination",
	}, nil
}

// resolvePattern decides whether the incoming pattern takes the
// identifier: true to write, false to skip. Contested identifiers go to
// the latest timestamp; an exact tie keeps the current owner so the
// outcome does not depend on stream order. Every tie-break is recorded.
func resolvePattern(rec *record.MigrationRecord, id, incomingChecksum string,
	incomingUpdated time.Time, owner *patternOwner) bool {
	if owner == nil {
		return true
	}
	if owner.checksum == incomingChecksum {
		return false
	}
	if incomingUpdated.After(owner.updatedAt) {
		rec.Collisions = append(rec.Collisions, record.Collision{
			ID:             id,
			WinnerSource:   rec.SourceID,
			WinnerChecksum: incomingChecksum,
			LoserSource:    owner.source,
			LoserChecksum:  owner.checksum,
		})
		return true
	}
	rec.Collisions = append(rec.Collisions, record.Collision{
		ID:             id,
		WinnerSource:   owner.source,
		WinnerChecksum: owner.checksum,
		LoserSource:    rec.SourceID,
		LoserChecksum:  incomingChecksum,
	})
	return false
}

// verify re-reads a random sample of the written records and checks them
// against the manifest. Any mismatch fails the whole run.
func (e *Engine) verify(ctx context.Context, runDir string, log *zap.Logger) error {
	entries, err := readManifest(runDir, log)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	n := int(math.Ceil(e.cfg.SampleFraction * float64(len(entries))))
	if n < e.cfg.MinSampleCount {
		n = e.cfg.MinSampleCount
	}
	if n > len(entries) {
		n = len(entries)
	}

	for _, i := range rand.Perm(len(entries))[:n] {
		if err := ctx.Err(); err != nil {
			return err
		}
		en := entries[i]
		env, err := e.store.Get(ctx, en.NewID)
		if err != nil {
			return fmt.Errorf("verify %s: %w", en.NewID, err)
		}
		if env.Checksum != en.Checksum {
			return fmt.Errorf("verify %s: stored checksum %s does not match manifest %s: %w",
				en.NewID, env.Checksum, en.Checksum, record.ErrChecksumMismatch)
		}
		if !e.indexFor(en.Kind).Contains(en.NewID) {
			return fmt.Errorf("verify %s: missing from %s index", en.NewID, en.Kind)
		}
	}
	log.Info("verification sample clean",
		zap.Int("sampled", n), zap.Int("written", len(entries)))
	return nil
}

// commit finishes a verified run: outcome status, the deprecation ledger
// entry, and the terminal state. The audit record is also placed in the
// durable store for discovery beside the data it describes; the file copy
// stays canonical, so a store failure there only logs.
func (e *Engine) commit(ctx context.Context, rec *record.MigrationRecord, runDir string, desc Descriptor, log *zap.Logger) error {
	rec.Status = record.MigrationStatusSuccess
	if rec.Failed > 0 {
		rec.Status = record.MigrationStatusPartial
	}
	rec.FinishedAt = time.Now().UTC()

	if err := e.deprecateSource(desc, rec.RunID); err != nil {
		return err
	}
	if err := e.transition(rec, record.MigrationCommitted, runDir); err != nil {
		return err
	}
	e.storeTerminalRecord(ctx, rec, log)

	runsTotal.WithLabelValues("committed").Inc()
	collisionsTotal.Add(float64(len(rec.Collisions)))
	log.Info("migration committed",
		zap.String("status", string(rec.Status)),
		zap.Int("attempted", rec.Attempted),
		zap.Int("migrated", rec.Migrated),
		zap.Int("skipped", rec.Skipped),
		zap.Int("failed", rec.Failed),
		zap.Int("collisions", len(rec.Collisions)))
	return nil
}

func (e *Engine) deprecateSource(desc Descriptor, runID string) error {
	deps, err := readDeprecations(e.cfg.Dir)
	if err != nil {
		return err
	}
	for _, d := range deps {
		if d.RunID == runID {
			return nil
		}
	}
	return appendDeprecation(e.cfg.Dir, deprecation{
		Source:       desc,
		RunID:        runID,
		DeprecatedAt: time.Now().UTC(),
	})
}

func (e *Engine) storeTerminalRecord(ctx context.Context, rec *record.MigrationRecord, log *zap.Logger) {
	env, err := record.EncodeMigrationRecord(rec)
	if err == nil {
		_, err = e.store.Put(context.WithoutCancel(ctx), env)
	}
	if err != nil {
		log.Warn("store terminal migration record", zap.Error(err))
	}
}

// abort finishes a run that failed before any destination write. There is
// nothing to roll back; the record keeps its last state with the error
// attached.
func (e *Engine) abort(rec *record.MigrationRecord, runDir string, span trace.Span, log *zap.Logger, cause error) (*record.MigrationRecord, error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())

	rec.Error = cause.Error()
	rec.FinishedAt = time.Now().UTC()
	if err := writeRunRecord(runDir, rec); err != nil {
		log.Error("persist aborted run record", zap.Error(err))
	}
	runsTotal.WithLabelValues("aborted").Inc()
	log.Error("migration aborted before any write", zap.Error(cause))
	return rec.Clone(), fmt.Errorf("migration %s: %w", rec.RunID, cause)
}

// failAndRollback handles any failure after writing began: record the
// failed state, roll the destination back from the manifest, and land in
// rolled-back.
func (e *Engine) failAndRollback(ctx context.Context, rec *record.MigrationRecord, runDir string,
	span trace.Span, log *zap.Logger, cause error) (*record.MigrationRecord, error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	log.Error("migration failed, rolling back",
		zap.Error(cause), zap.String("state", string(rec.State)))

	rec.Error = cause.Error()
	if err := e.transition(rec, record.MigrationFailed, runDir); err != nil {
		log.Error("record failed state", zap.Error(err))
	}

	// The rollback itself must finish even when the cause is the caller's
	// own cancellation.
	rbCtx := context.WithoutCancel(ctx)
	if err := e.rollbackRun(rbCtx, rec, runDir, log); err != nil {
		log.Error("rollback incomplete, retry with Rollback", zap.Error(err))
		if perr := writeRunRecord(runDir, rec); perr != nil {
			log.Error("persist failed run record", zap.Error(perr))
		}
		return rec.Clone(), &RunError{Record: rec.Clone(), Cause: errors.Join(cause, err)}
	}

	rec.Status = record.MigrationStatusRolledBack
	rec.FinishedAt = time.Now().UTC()
	if err := e.transition(rec, record.MigrationRolledBack, runDir); err != nil {
		log.Error("record rolled-back state", zap.Error(err))
	}
	e.storeTerminalRecord(rbCtx, rec, log)
	runsTotal.WithLabelValues("rolled_back").Inc()
	return rec.Clone(), &RunError{Record: rec.Clone(), Cause: cause}
}

// rollbackByID rolls back a persisted run. Caller holds e.mu.
func (e *Engine) rollbackByID(ctx context.Context, runID, reason string) (*record.MigrationRecord, error) {
	runDir := filepath.Join(e.cfg.Dir, runID)
	rec, err := readRunRecord(runDir)
	if err != nil {
		return nil, err
	}
	log := e.logger.With(zap.String("run_id", runID), zap.String("source", rec.SourceID))

	switch rec.State {
	case record.MigrationRolledBack:
		return rec, nil
	case record.MigrationCommitted:
		return rec, fmt.Errorf("run %s is already committed", runID)
	case record.MigrationDiscovered, record.MigrationValidated, record.MigrationDryRunComplete:
		return rec, fmt.Errorf("run %s wrote nothing to roll back (state %s)", runID, rec.State)
	}

	if rec.State != record.MigrationFailed {
		if rec.Error == "" {
			rec.Error = reason
		}
		if err := e.transition(rec, record.MigrationFailed, runDir); err != nil {
			return rec, err
		}
	}
	if err := e.rollbackRun(context.WithoutCancel(ctx), rec, runDir, log); err != nil {
		return rec, err
	}

	rec.Status = record.MigrationStatusRolledBack
	rec.FinishedAt = time.Now().UTC()
	if err := e.transition(rec, record.MigrationRolledBack, runDir); err != nil {
		return rec, err
	}
	e.storeTerminalRecord(ctx, rec, log)
	runsTotal.WithLabelValues("rolled_back").Inc()
	log.Info("run rolled back", zap.String("reason", reason))
	return rec.Clone(), nil
}

// rollbackRun tombstones every destination record in the manifest, newest
// first, and drops the matching index entries. Already-absent records are
// fine: rollback is idempotent and crash-retryable.
func (e *Engine) rollbackRun(ctx context.Context, rec *record.MigrationRecord, runDir string, log *zap.Logger) error {
	entries, err := readManifest(runDir, log)
	if err != nil {
		return err
	}

	removed := 0
	for i := len(entries) - 1; i >= 0; i-- {
		en := entries[i]
		if err := e.indexFor(en.Kind).Remove(en.NewID); err != nil && !errors.Is(err, record.ErrNotFound) {
			return fmt.Errorf("unindex %s: %w", en.NewID, err)
		}
		if err := e.store.Delete(ctx, en.NewID); err != nil && !errors.Is(err, record.ErrNotFound) {
			return fmt.Errorf("tombstone %s: %w", en.NewID, err)
		}
		removed++
	}
	rollbacksTotal.Inc()
	log.Info("rollback complete", zap.Int("tombstoned", removed))
	return nil
}

func (e *Engine) indexFor(kind record.Kind) *vecindex.Index {
	if kind == record.KindPattern {
		return e.patterns
	}
	return e.episodes
}
