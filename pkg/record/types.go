// Package record defines the canonical record types of the pattern store
// (episodes, patterns, migration records), their serialized form, and the
// shared error taxonomy used across the store, index, migration, and
// learning packages.
package record

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Error taxonomy shared by all pattern store components.
//
// Components wrap these with fmt.Errorf("...: %w", err) so callers can
// classify failures with errors.Is regardless of which layer raised them.
var (
	// ErrNotFound indicates a lookup of an absent (or tombstoned) identifier.
	ErrNotFound = errors.New("record not found")

	// ErrChecksumMismatch indicates data corruption detected on read or
	// during migration verification. It is never repaired silently.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrInvalidReference indicates pattern creation referencing absent
	// episode identifiers. The pattern is rejected without partial creation.
	ErrInvalidReference = errors.New("invalid episode reference")

	// ErrConcurrencyConflict indicates two mutating operations raced on the
	// same identifier. Given the per-identifier serialization guarantee this
	// is an internal bug, logged loudly and never retried.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrTimeout indicates a retrieval exceeded the caller's deadline.
	// Recoverable; the caller may retry.
	ErrTimeout = errors.New("operation timed out")

	// ErrMigrationFailure indicates a failure while a migration run was
	// writing or verifying. It always triggers automatic rollback.
	ErrMigrationFailure = errors.New("migration failure")
)

// Validation errors for record construction.
var (
	ErrEmptyAgentID     = errors.New("agent ID cannot be empty")
	ErrEmptyEmbedding   = errors.New("embedding cannot be empty")
	ErrEmptyDescription = errors.New("pattern description cannot be empty")
	ErrNoEpisodeRefs    = errors.New("pattern requires at least one episode reference")
	ErrInvalidScore     = errors.New("score must be between 0.0 and 1.0")
	ErrInvalidOutcome   = errors.New("outcome scalars out of range")
)

// Kind discriminates the record types held in the durable store.
type Kind string

const (
	// KindEpisode is a single observed agent outcome.
	KindEpisode Kind = "episode"

	// KindPattern is a derived, reusable unit summarizing episodes.
	KindPattern Kind = "pattern"

	// KindMigration is the audit record of one consolidation run.
	KindMigration Kind = "migration"
)

// Context is the opaque input an agent acted on plus its embedding.
//
// The payload is never interpreted by the store; the embedding is an opaque
// fixed-length vector supplied by the caller (no embedding model is bundled).
type Context struct {
	// Payload is the raw context blob (test plan, diff, failure log, ...).
	Payload []byte `json:"payload,omitempty"`

	// Embedding is the caller-supplied vector for the payload.
	Embedding []float32 `json:"embedding"`
}

// Outcome summarizes one observed run as structured scalars.
type Outcome struct {
	// Coverage is the observed coverage in [0,1].
	Coverage float64 `json:"coverage"`

	// PassRate is the observed pass rate in [0,1].
	PassRate float64 `json:"pass_rate"`

	// Duration is the observed wall-clock duration of the run.
	Duration time.Duration `json:"duration"`

	// Extra holds additional named scalars (defect counts, flake rates, ...).
	Extra map[string]float64 `json:"extra,omitempty"`
}

// Validate checks the outcome scalars are in range.
func (o Outcome) Validate() error {
	if o.Coverage < 0.0 || o.Coverage > 1.0 {
		return ErrInvalidOutcome
	}
	if o.PassRate < 0.0 || o.PassRate > 1.0 {
		return ErrInvalidOutcome
	}
	if o.Duration < 0 {
		return ErrInvalidOutcome
	}
	return nil
}

// Episode is a single observed outcome recorded by an agent.
//
// Episodes are immutable once written. They are never mutated, only
// superseded by newer episodes. The identifier is content-derived, so two
// byte-identical episodes collapse to one stored record.
type Episode struct {
	// ID is the content-derived identifier ("ep-" + truncated SHA-256).
	// Empty until the episode is sealed by EncodeEpisode.
	ID string `json:"id,omitempty"`

	// AgentID identifies the originating agent.
	AgentID string `json:"agent_id"`

	// RecordedAt is when the episode was observed (UTC).
	RecordedAt time.Time `json:"recorded_at"`

	// Context is the input the agent acted on.
	Context Context `json:"context"`

	// Outcome is the observed result.
	Outcome Outcome `json:"outcome"`

	// Checksum is the SHA-256 of the canonical serialized form.
	// Empty until the episode is sealed by EncodeEpisode.
	Checksum string `json:"checksum,omitempty"`
}

// NewEpisode builds an episode for the given agent, context, and outcome.
// The identifier and checksum are assigned when the episode is sealed by
// the codec (see EncodeEpisode).
func NewEpisode(agentID string, ctx Context, outcome Outcome) (*Episode, error) {
	if agentID == "" {
		return nil, ErrEmptyAgentID
	}
	if len(ctx.Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	if err := outcome.Validate(); err != nil {
		return nil, err
	}
	return &Episode{
		AgentID:    agentID,
		RecordedAt: time.Now().UTC(),
		Context:    ctx,
		Outcome:    outcome,
	}, nil
}

// Validate checks the episode fields.
func (e *Episode) Validate() error {
	if e.AgentID == "" {
		return ErrEmptyAgentID
	}
	if len(e.Context.Embedding) == 0 {
		return ErrEmptyEmbedding
	}
	if e.RecordedAt.IsZero() {
		return errors.New("recorded-at timestamp cannot be zero")
	}
	return e.Outcome.Validate()
}

// EpisodeRef is a non-owning back-reference from a pattern to an episode.
//
// Pruned marks a reference whose episode payload was removed by retention;
// the reference itself is never dropped, preserving the audit trail.
type EpisodeRef struct {
	EpisodeID string `json:"episode_id"`
	Pruned    bool   `json:"pruned,omitempty"`
}

// Pattern is a derived, reusable unit summarizing one or more episodes.
//
// Only Score, UsageCount, and the Pruned marker of a back-reference may
// change after creation. Deprecation tombstones the pattern in the durable
// store rather than erasing it.
type Pattern struct {
	// ID is the unique pattern identifier ("pat-" + UUID).
	ID string `json:"id"`

	// Description states the condition the pattern applies to.
	Description string `json:"description"`

	// Embedding is the centroid of the source episodes' embeddings.
	Embedding []float32 `json:"embedding"`

	// Score is the confidence/weight in [0,1]. Adjusted only through
	// bounded, clamped reinforcement.
	Score float64 `json:"score"`

	// UsageCount tracks how many times the pattern was reinforced.
	UsageCount int `json:"usage_count"`

	// EpisodeRefs are the episodes this pattern was derived from.
	EpisodeRefs []EpisodeRef `json:"episode_refs"`

	// CreatedAt is when the pattern was derived.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the score or usage last changed.
	UpdatedAt time.Time `json:"updated_at"`

	// Checksum is the SHA-256 of the canonical serialized form.
	// Recomputed on every mutation when the pattern is re-encoded.
	Checksum string `json:"checksum,omitempty"`
}

// reinforceAlpha bounds a single reinforcement step: one update moves the
// score by at most alpha regardless of the delta's magnitude.
const reinforceAlpha = 0.25

// NewPattern creates a pattern over the given episode identifiers with a
// neutral initial score.
func NewPattern(description string, episodeIDs []string, embedding []float32) (*Pattern, error) {
	if description == "" {
		return nil, ErrEmptyDescription
	}
	if len(episodeIDs) == 0 {
		return nil, ErrNoEpisodeRefs
	}
	if len(embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}

	refs := make([]EpisodeRef, len(episodeIDs))
	for i, id := range episodeIDs {
		refs[i] = EpisodeRef{EpisodeID: id}
	}

	now := time.Now().UTC()
	return &Pattern{
		ID:          "pat-" + uuid.New().String(),
		Description: description,
		Embedding:   embedding,
		Score:       0.5, // Neutral until reinforced.
		EpisodeRefs: refs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Validate checks the pattern fields.
func (p *Pattern) Validate() error {
	if p.ID == "" {
		return errors.New("pattern ID cannot be empty")
	}
	if p.Description == "" {
		return ErrEmptyDescription
	}
	if len(p.Embedding) == 0 {
		return ErrEmptyEmbedding
	}
	if len(p.EpisodeRefs) == 0 {
		return ErrNoEpisodeRefs
	}
	if p.Score < 0.0 || p.Score > 1.0 {
		return ErrInvalidScore
	}
	if p.UsageCount < 0 {
		return errors.New("usage count cannot be negative")
	}
	return nil
}

// Reinforce applies one bounded, clamped score update.
//
// The delta is clamped to [-1,1] and scaled by a fixed alpha, so a single
// update moves the score by at most alpha and the score never leaves [0,1].
// Usage is counted here; retrieval never mutates a pattern.
func (p *Pattern) Reinforce(delta float64) {
	if delta > 1.0 {
		delta = 1.0
	} else if delta < -1.0 {
		delta = -1.0
	}

	p.Score += reinforceAlpha * delta
	if p.Score > 1.0 {
		p.Score = 1.0
	} else if p.Score < 0.0 {
		p.Score = 0.0
	}

	p.UsageCount++
	p.UpdatedAt = time.Now().UTC()
}

// MarkPruned flips the retention marker on the reference to episodeID.
// Returns false if the pattern holds no reference to that episode.
func (p *Pattern) MarkPruned(episodeID string) bool {
	for i := range p.EpisodeRefs {
		if p.EpisodeRefs[i].EpisodeID == episodeID {
			p.EpisodeRefs[i].Pruned = true
			return true
		}
	}
	return false
}

// LiveRefs returns the episode identifiers not yet pruned by retention.
func (p *Pattern) LiveRefs() []string {
	ids := make([]string, 0, len(p.EpisodeRefs))
	for _, ref := range p.EpisodeRefs {
		if !ref.Pruned {
			ids = append(ids, ref.EpisodeID)
		}
	}
	return ids
}
