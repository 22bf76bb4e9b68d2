package state

import (
	"github.com/pgshift/pgshift/pkg/abstract"
)

// MarkerStore records durable per-(database, stage) completion flags. A
// marker is written only after the stage's external effects are durable, so
// observing it implies the stage ran to completion. Markers are never cleared
// by the tool; a fresh migration requires wiping the state root.
type MarkerStore interface {
	Exists(db string, stage abstract.Stage) (bool, error)
	Mark(db string, stage abstract.Stage) error
}

// SnapshotStore persists per-(database, side) row-count snapshots. Every
// caller follows load-if-present/else-compute-and-save, which makes count
// capture idempotent across process restarts.
type SnapshotStore interface {
	Load(db string, side abstract.Side) (abstract.Snapshot, bool, error)
	Save(db string, side abstract.Side, snapshot abstract.Snapshot) error
}
