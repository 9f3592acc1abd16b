package record

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// The codec seals records into Envelopes: the canonical serialized form
// plus its content checksum. Canonical form is JSON with the checksum field
// cleared (and, for episodes, the identifier cleared as well, since episode
// identifiers are derived from the checksum). encoding/json keeps struct
// fields in declaration order and sorts map keys, so the bytes are stable
// for a given value.

// episodeIDLen is the number of checksum hex characters used in an episode
// identifier. 32 hex chars (128 bits) keeps collisions out of reach while
// staying readable in logs.
const episodeIDLen = 32

// Envelope is the unit held by the durable store: an identified, checksummed
// canonical payload. The store treats the payload as opaque bytes.
type Envelope struct {
	// ID is the record identifier, unique across kinds.
	ID string `json:"id"`

	// Kind discriminates the payload type.
	Kind Kind `json:"kind"`

	// RecordedAt is the record's event time, used for deterministic
	// collision tie-breaks during migration.
	RecordedAt time.Time `json:"recorded_at"`

	// Checksum is the SHA-256 hex digest of Payload.
	Checksum string `json:"checksum"`

	// Payload is the canonical serialized record.
	Payload []byte `json:"payload"`
}

// Validate checks the envelope carries the fields the store requires.
func (e *Envelope) Validate() error {
	if e == nil {
		return errors.New("envelope cannot be nil")
	}
	if e.ID == "" {
		return errors.New("envelope ID cannot be empty")
	}
	switch e.Kind {
	case KindEpisode, KindPattern, KindMigration:
	default:
		return fmt.Errorf("unknown record kind %q", e.Kind)
	}
	if e.Checksum == "" {
		return errors.New("envelope checksum cannot be empty")
	}
	if len(e.Payload) == 0 {
		return errors.New("envelope payload cannot be empty")
	}
	return nil
}

// Verify recomputes the payload checksum and compares it to the sealed one.
// A mismatch is corruption and is reported as ErrChecksumMismatch.
func (e *Envelope) Verify() error {
	if sum := ChecksumBytes(e.Payload); sum != e.Checksum {
		return fmt.Errorf("record %s: stored %s, computed %s: %w",
			e.ID, e.Checksum, sum, ErrChecksumMismatch)
	}
	return nil
}

// ChecksumBytes returns the SHA-256 hex digest of b.
func ChecksumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// EncodeEpisode seals an episode into an envelope.
//
// The timestamp is normalized to UTC, the checksum is computed over the
// canonical form, and the identifier is derived from the checksum. Sealing
// is pure: it performs no IO and may be used to predict identifiers (the
// migration dry-run does). The episode's ID and Checksum fields are filled
// in as a side effect.
func EncodeEpisode(ep *Episode) (*Envelope, error) {
	if ep == nil {
		return nil, errors.New("episode cannot be nil")
	}
	ep.RecordedAt = ep.RecordedAt.UTC()
	if err := ep.Validate(); err != nil {
		return nil, fmt.Errorf("encoding episode: %w", err)
	}

	canonical := *ep
	canonical.ID = ""
	canonical.Checksum = ""
	payload, err := json.Marshal(&canonical)
	if err != nil {
		return nil, fmt.Errorf("encoding episode: %w", err)
	}

	sum := ChecksumBytes(payload)
	ep.ID = "ep-" + sum[:episodeIDLen]
	ep.Checksum = sum

	return &Envelope{
		ID:         ep.ID,
		Kind:       KindEpisode,
		RecordedAt: ep.RecordedAt,
		Checksum:   sum,
		Payload:    payload,
	}, nil
}

// DecodeEpisode verifies and opens an episode envelope.
func DecodeEpisode(env *Envelope) (*Episode, error) {
	if err := expectKind(env, KindEpisode); err != nil {
		return nil, err
	}
	var ep Episode
	if err := json.Unmarshal(env.Payload, &ep); err != nil {
		return nil, fmt.Errorf("decoding episode %s: %w", env.ID, err)
	}
	ep.ID = env.ID
	ep.Checksum = env.Checksum
	return &ep, nil
}

// EncodePattern seals a pattern into an envelope.
//
// Unlike episodes, the pattern identifier is part of the canonical form:
// two patterns with identical content but different identifiers remain
// distinct records. The pattern's Checksum field is refreshed, so sealing
// after a Reinforce yields the new content checksum.
func EncodePattern(p *Pattern) (*Envelope, error) {
	if p == nil {
		return nil, errors.New("pattern cannot be nil")
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("encoding pattern: %w", err)
	}

	canonical := *p
	canonical.Checksum = ""
	payload, err := json.Marshal(&canonical)
	if err != nil {
		return nil, fmt.Errorf("encoding pattern: %w", err)
	}

	p.Checksum = ChecksumBytes(payload)
	return &Envelope{
		ID:         p.ID,
		Kind:       KindPattern,
		RecordedAt: p.UpdatedAt,
		Checksum:   p.Checksum,
		Payload:    payload,
	}, nil
}

// DecodePattern verifies and opens a pattern envelope.
func DecodePattern(env *Envelope) (*Pattern, error) {
	if err := expectKind(env, KindPattern); err != nil {
		return nil, err
	}
	var p Pattern
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("decoding pattern %s: %w", env.ID, err)
	}
	if p.ID != env.ID {
		return nil, fmt.Errorf("pattern %s: payload claims ID %s: %w",
			env.ID, p.ID, ErrChecksumMismatch)
	}
	p.Checksum = env.Checksum
	return &p, nil
}

// EncodeMigrationRecord seals a migration audit record into an envelope.
func EncodeMigrationRecord(m *MigrationRecord) (*Envelope, error) {
	if m == nil {
		return nil, errors.New("migration record cannot be nil")
	}
	if m.RunID == "" {
		return nil, errors.New("migration record run ID cannot be empty")
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding migration record: %w", err)
	}
	return &Envelope{
		ID:         m.RunID,
		Kind:       KindMigration,
		RecordedAt: m.StartedAt.UTC(),
		Checksum:   ChecksumBytes(payload),
		Payload:    payload,
	}, nil
}

// DecodeMigrationRecord verifies and opens a migration record envelope.
func DecodeMigrationRecord(env *Envelope) (*MigrationRecord, error) {
	if err := expectKind(env, KindMigration); err != nil {
		return nil, err
	}
	var m MigrationRecord
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		return nil, fmt.Errorf("decoding migration record %s: %w", env.ID, err)
	}
	return &m, nil
}

func expectKind(env *Envelope, want Kind) error {
	if env == nil {
		return errors.New("envelope cannot be nil")
	}
	if env.Kind != want {
		return fmt.Errorf("envelope %s has kind %q, want %q", env.ID, env.Kind, want)
	}
	if err := env.Verify(); err != nil {
		return err
	}
	return nil
}
