package tasks

import (
	"context"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pgshift/pgshift/pkg/abstract"
	"github.com/pgshift/pgshift/pkg/abstract/model"
	"github.com/pgshift/pgshift/pkg/errors/coded"
	"github.com/pgshift/pgshift/pkg/errors/codes"
	"github.com/pgshift/pgshift/pkg/state"
	"github.com/pgshift/pgshift/pkg/verification"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

// settingsRevertTimeout bounds the deferred revert of fast-load settings,
// which runs on a fresh context so that a cancelled run still restores safe
// settings.
const settingsRevertTimeout = time.Minute

// SourceCluster provides discovery on the source server.
type SourceCluster interface {
	DiscoverDatabases(ctx context.Context) ([]abstract.Database, error)
}

// TargetCluster provides destination-side cluster operations.
type TargetCluster interface {
	CreateDatabase(ctx context.Context, db string) error
	ApplyFastLoadSettings(ctx context.Context) error
	ResetFastLoadSettings(ctx context.Context) error
}

// GlobalsMigrator copies cluster-wide objects from source to destination.
type GlobalsMigrator interface {
	MigrateGlobals(ctx context.Context) error
}

// Migration sequences the phases of one batch migration:
// discovery -> dump (parallel) -> source count barrier (sequential) ->
// restore (parallel) -> destination counts + verify (sequential).
// Phases are hard barriers: no database enters a phase before every database
// has finished (or durably skipped) the previous one. Every stage is
// marker-gated, which makes an interrupted run resumable without redoing
// completed work.
type Migration struct {
	operationID string
	cfg         *model.MigrationConfig
	source      SourceCluster
	target      TargetCluster
	transfer    abstract.TransferAdapter
	counts      abstract.CountAdapter
	globals     GlobalsMigrator
	markers     state.MarkerStore
	snapshots   state.SnapshotStore
	lgr         log.Logger
}

func NewMigration(
	cfg *model.MigrationConfig,
	source SourceCluster,
	target TargetCluster,
	transfer abstract.TransferAdapter,
	counts abstract.CountAdapter,
	globals GlobalsMigrator,
	markers state.MarkerStore,
	snapshots state.SnapshotStore,
	lgr log.Logger,
) *Migration {
	return &Migration{
		operationID: uuid.New().String(),
		cfg:         cfg,
		source:      source,
		target:      target,
		transfer:    transfer,
		counts:      counts,
		globals:     globals,
		markers:     markers,
		snapshots:   snapshots,
		lgr:         lgr,
	}
}

// NewVerification wires only the collaborators the verify-only path touches:
// no transfer adapter, no globals migrator, no destination cluster control.
func NewVerification(
	cfg *model.MigrationConfig,
	source SourceCluster,
	counts abstract.CountAdapter,
	markers state.MarkerStore,
	snapshots state.SnapshotStore,
	lgr log.Logger,
) *Migration {
	return &Migration{
		operationID: uuid.New().String(),
		cfg:         cfg,
		source:      source,
		counts:      counts,
		markers:     markers,
		snapshots:   snapshots,
		lgr:         lgr,
	}
}

// Run executes the whole batch. It returns a cancelled coded error when the
// run context was cancelled, regardless of ordinary errors surfaced by
// concurrently failing tasks.
func (m *Migration) Run(ctx context.Context) error {
	start := time.Now()
	dbs, err := m.source.DiscoverDatabases(ctx)
	if err != nil {
		return xerrors.Errorf("unable to discover databases: %w", err)
	}
	if len(dbs) == 0 {
		m.lgr.Info("no databases to migrate", log.String("operation_id", m.operationID))
		return nil
	}
	abstract.SortBySize(dbs)
	m.lgr.Info("discovered databases",
		log.String("operation_id", m.operationID),
		log.Int("count", len(dbs)),
		log.String("total_size", humanize.Bytes(totalSize(dbs))))

	if !m.cfg.SkipTuning {
		if err := m.target.ApplyFastLoadSettings(ctx); err != nil {
			return xerrors.Errorf("unable to apply fast-load settings: %w", err)
		}
		defer func() {
			revertCtx, cancel := context.WithTimeout(context.Background(), settingsRevertTimeout)
			defer cancel()
			if err := m.target.ResetFastLoadSettings(revertCtx); err != nil {
				m.lgr.Error("unable to reset fast-load settings, destination is left tuned for bulk load", log.Error(err))
			}
		}()
	}

	if !m.cfg.SkipGlobals {
		if err := m.migrateGlobals(ctx); err != nil {
			return err
		}
	}
	if err := m.createDatabases(ctx, dbs); err != nil {
		return err
	}

	if err := m.runPhase(ctx, abstract.StageDump, dbs, m.transfer.Dump); err != nil {
		return err
	}
	if err := m.captureCounts(ctx, abstract.SideSource, dbs); err != nil {
		return err
	}
	if err := m.runPhase(ctx, abstract.StageRestore, dbs, m.transfer.Restore); err != nil {
		return err
	}
	if err := m.verifyAll(ctx, dbs); err != nil {
		return err
	}

	m.lgr.Info("migration complete",
		log.String("operation_id", m.operationID),
		log.Int("databases", len(dbs)),
		log.Duration("elapsed", time.Since(start)))
	return nil
}

// Verify runs only the verification phase: discovery plus per-database
// snapshot capture and comparison. Used by the verify-only command.
func (m *Migration) Verify(ctx context.Context) error {
	dbs, err := m.source.DiscoverDatabases(ctx)
	if err != nil {
		return xerrors.Errorf("unable to discover databases: %w", err)
	}
	if len(dbs) == 0 {
		m.lgr.Info("no databases to verify")
		return nil
	}
	abstract.SortBySize(dbs)
	return m.verifyAll(ctx, dbs)
}

func (m *Migration) migrateGlobals(ctx context.Context) error {
	done, err := m.markers.Exists("", abstract.StageGlobals)
	if err != nil {
		return xerrors.Errorf("unable to check globals marker: %w", err)
	}
	if done {
		m.lgr.Info("globals already migrated, skipping")
		return nil
	}
	if err := m.globals.MigrateGlobals(ctx); err != nil {
		return xerrors.Errorf("unable to migrate globals: %w", err)
	}
	if err := m.markers.Mark("", abstract.StageGlobals); err != nil {
		return xerrors.Errorf("unable to mark globals migrated: %w", err)
	}
	return nil
}

func (m *Migration) createDatabases(ctx context.Context, dbs []abstract.Database) error {
	for _, db := range dbs {
		if ctx.Err() != nil {
			return coded.Errorf(codes.Cancelled, "database creation cancelled by user")
		}
		if err := m.target.CreateDatabase(ctx, db.Name); err != nil {
			return xerrors.Errorf("unable to create destination database %q: %w", db.Name, err)
		}
	}
	return nil
}

// captureCounts is the sequential count barrier: one query pass per database,
// deliberately not parallelized so counting adds no read load while nothing
// else is running against the server. load-else-compute-and-save makes a
// snapshot ground truth once written, even across process restarts.
func (m *Migration) captureCounts(ctx context.Context, side abstract.Side, dbs []abstract.Database) error {
	for _, db := range dbs {
		if _, err := m.loadOrCaptureSnapshot(ctx, side, db.Name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migration) loadOrCaptureSnapshot(ctx context.Context, side abstract.Side, db string) (abstract.Snapshot, error) {
	if ctx.Err() != nil {
		return nil, coded.Errorf(codes.Cancelled, "count capture cancelled by user")
	}
	snapshot, ok, err := m.snapshots.Load(db, side)
	if err != nil {
		return nil, xerrors.Errorf("unable to load %v snapshot of %q: %w", side, db, err)
	}
	if ok {
		m.lgr.Info("snapshot already captured, skipping", log.String("db", db), log.String("side", string(side)))
		return snapshot, nil
	}
	snapshot, err = m.counts.TableRowCounts(ctx, side, db)
	if err != nil {
		if ctx.Err() != nil {
			return nil, coded.Errorf(codes.Cancelled, "count capture of %q cancelled by user: %w", db, err)
		}
		return nil, xerrors.Errorf("unable to capture %v counts of %q: %w", side, db, err)
	}
	if err := m.snapshots.Save(db, side, snapshot); err != nil {
		return nil, xerrors.Errorf("unable to save %v snapshot of %q: %w", side, db, err)
	}
	return snapshot, nil
}

// verifyAll verifies every database and emits every report before any
// mismatch becomes an error. A mismatched database does not stop sibling
// verifications; the phase fails at the end with the aggregate list.
func (m *Migration) verifyAll(ctx context.Context, dbs []abstract.Database) error {
	var mismatched []string
	for _, db := range dbs {
		if ctx.Err() != nil {
			return coded.Errorf(codes.Cancelled, "verification cancelled by user")
		}
		done, err := m.markers.Exists(db.Name, abstract.StageVerify)
		if err != nil {
			return xerrors.Errorf("unable to check verify marker of %q: %w", db.Name, err)
		}
		if done {
			m.lgr.Info("already verified, skipping", log.String("db", db.Name))
			continue
		}

		src, err := m.loadOrCaptureSnapshot(ctx, abstract.SideSource, db.Name)
		if err != nil {
			return err
		}
		dst, err := m.loadOrCaptureSnapshot(ctx, abstract.SideDestination, db.Name)
		if err != nil {
			return err
		}

		report := verification.Compare(db.Name, src, dst)
		m.lgr.Infof("%v", report.Render())
		if report.Mismatch {
			mismatched = append(mismatched, db.Name)
			m.lgr.Error("verification mismatch", log.String("db", db.Name))
			continue
		}
		if err := m.markers.Mark(db.Name, abstract.StageVerify); err != nil {
			return xerrors.Errorf("unable to mark %q verified: %w", db.Name, err)
		}
		m.lgr.Info("verified", log.String("db", db.Name), log.Int("tables", len(report.Rows)))
	}
	if len(mismatched) > 0 {
		return coded.Errorf(codes.VerificationMismatch,
			"verification failed for %v database(s): %v", len(mismatched), strings.Join(mismatched, ", "))
	}
	return nil
}

func totalSize(dbs []abstract.Database) uint64 {
	var total uint64
	for _, db := range dbs {
		total += db.SizeBytes
	}
	return total
}
