package record

import (
	"time"

	"github.com/google/uuid"
)

// MigrationState is the live state-machine position of a consolidation run.
type MigrationState string

const (
	MigrationDiscovered     MigrationState = "discovered"
	MigrationValidated      MigrationState = "validated"
	MigrationDryRunComplete MigrationState = "dry-run-complete"
	MigrationMigrating      MigrationState = "migrating"
	MigrationVerified       MigrationState = "verified"
	MigrationCommitted      MigrationState = "committed"
	MigrationFailed         MigrationState = "failed"
	MigrationRolledBack     MigrationState = "rolled-back"
)

// Terminal reports whether the state admits no further transitions.
func (s MigrationState) Terminal() bool {
	return s == MigrationCommitted || s == MigrationRolledBack
}

// MigrationStatus is the outcome status of a finished run.
type MigrationStatus string

const (
	MigrationStatusSuccess    MigrationStatus = "success"
	MigrationStatusPartial    MigrationStatus = "partial"
	MigrationStatusRolledBack MigrationStatus = "rolled-back"
)

// Collision records a deterministic identifier tie-break taken during
// migration: the source record with the latest timestamp won the identifier
// and the loser is preserved here rather than discarded silently.
type Collision struct {
	// ID is the contested identifier.
	ID string `json:"id"`

	// WinnerSource and WinnerChecksum identify the record that kept the ID.
	WinnerSource   string `json:"winner_source"`
	WinnerChecksum string `json:"winner_checksum"`

	// LoserSource and LoserChecksum identify the record that was skipped.
	LoserSource   string `json:"loser_source"`
	LoserChecksum string `json:"loser_checksum"`
}

// MigrationRecord is the audit record of one consolidation run.
//
// It is written incrementally while the run progresses (see the migration
// package's manifest log) and stored in the durable store once the run
// reaches a terminal state.
type MigrationRecord struct {
	// RunID is the unique run identifier (UUID).
	RunID string `json:"run_id"`

	// SourceID identifies the legacy store this run consolidated.
	SourceID string `json:"source_id"`

	// SourceKind names the legacy format (sqlite, chromem, jsonl).
	SourceKind string `json:"source_kind"`

	// State is the current state-machine position.
	State MigrationState `json:"state"`

	// Status is the outcome status, set when the run finishes.
	Status MigrationStatus `json:"status,omitempty"`

	// Counts over the source records seen by this run.
	Attempted int `json:"attempted"`
	Migrated  int `json:"migrated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`

	// Manifest maps source-record-id to destination-record-id for every
	// record written by this run. Rollback tombstones exactly these.
	Manifest map[string]string `json:"manifest"`

	// Collisions lists the identifier tie-breaks taken during the run.
	Collisions []Collision `json:"collisions,omitempty"`

	// FailedIDs lists source identifiers that could not be migrated,
	// surfaced so an operator can investigate.
	FailedIDs []string `json:"failed_ids,omitempty"`

	// StartedAt and FinishedAt bound the run.
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// Error is the diagnostic for failed runs.
	Error string `json:"error,omitempty"`
}

// NewMigrationRecord opens the audit record for a run against one source.
func NewMigrationRecord(sourceID, sourceKind string) *MigrationRecord {
	return &MigrationRecord{
		RunID:      "mig-" + uuid.New().String(),
		SourceID:   sourceID,
		SourceKind: sourceKind,
		State:      MigrationDiscovered,
		Manifest:   make(map[string]string),
		StartedAt:  time.Now().UTC(),
	}
}

// Clone returns a deep copy safe to hand to callers while the run mutates
// the original.
func (m *MigrationRecord) Clone() *MigrationRecord {
	cp := *m
	cp.Manifest = make(map[string]string, len(m.Manifest))
	for k, v := range m.Manifest {
		cp.Manifest[k] = v
	}
	cp.Collisions = append([]Collision(nil), m.Collisions...)
	cp.FailedIDs = append([]string(nil), m.FailedIDs...)
	return &cp
}
