package migration

import (
	"github.com/proffesor-for-testing/agentic-qe-sub011/pkg/record"
)

// allowedTransitions is the consolidation state machine. A run moves
// forward through validation, dry run, streaming copy, verification, and
// commit. Once writing has begun, the only exit besides commit is through
// failed into rolled-back.
var allowedTransitions = map[record.MigrationState]map[record.MigrationState]struct{}{
	record.MigrationDiscovered: {
		record.MigrationValidated: {},
	},
	record.MigrationValidated: {
		record.MigrationDryRunComplete: {},
	},
	record.MigrationDryRunComplete: {
		record.MigrationMigrating: {},
	},
	record.MigrationMigrating: {
		record.MigrationVerified: {},
		record.MigrationFailed:   {}, // write error, verification mismatch, cancellation
	},
	record.MigrationVerified: {
		record.MigrationCommitted: {},
		record.MigrationFailed:    {}, // cancellation before commit
	},
	record.MigrationFailed: {
		record.MigrationRolledBack: {},
	},
}

func canTransition(from, to record.MigrationState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
