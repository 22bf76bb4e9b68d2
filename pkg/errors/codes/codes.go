package codes

import "github.com/pgshift/pgshift/pkg/errors/coded"

var (
	// Connectivity: source or destination server unreachable.
	Connectivity = coded.Register("migration", "connectivity")
	// ExternalOperation: pg_dump, pg_restore or a count query failed.
	ExternalOperation = coded.Register("migration", "external_operation")
	// Cancelled: operation terminated by a user-requested shutdown.
	Cancelled = coded.Register("migration", "cancelled")
	// VerificationMismatch: row counts disagree or a table is missing on one side.
	VerificationMismatch = coded.Register("migration", "verification_mismatch")
	// Persistence: marker or snapshot read/write failed.
	Persistence = coded.Register("migration", "persistence")
)
