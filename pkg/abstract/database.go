package abstract

import "sort"

// Database is one independently migratable unit of the batch.
type Database struct {
	Name string
	// SizeBytes is used only for scheduling order and progress logging.
	SizeBytes uint64
}

// Stage is an ordered step of a database's migration. A (database, stage)
// pair that completed durably is recorded by a marker and never re-executed
// within the same run lineage.
type Stage string

const (
	StageDump    Stage = "dump"
	StageRestore Stage = "restore"
	StageVerify  Stage = "verify"

	// StageGlobals covers cluster-wide objects (roles, tablespaces) and is
	// not keyed by database.
	StageGlobals Stage = "globals"
)

// Side distinguishes the two servers a snapshot may be captured from.
type Side string

const (
	SideSource      Side = "source"
	SideDestination Side = "destination"
)

// SortBySize orders databases ascending by size, name as a tiebreaker: small
// databases go first so systemic failures surface early and as many
// databases as possible pass each phase before a late failure on a large one.
func SortBySize(dbs []Database) {
	sort.Slice(dbs, func(i, j int) bool {
		if dbs[i].SizeBytes != dbs[j].SizeBytes {
			return dbs[i].SizeBytes < dbs[j].SizeBytes
		}
		return dbs[i].Name < dbs[j].Name
	})
}

// Snapshot maps a qualified table name (schema.table) to its row count as a
// canonical decimal string. A snapshot is captured at most once per
// (database, side) and treated as ground truth afterwards.
type Snapshot map[string]string
