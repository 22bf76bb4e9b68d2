package tasks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pgshift/pgshift/internal/logger"
	"github.com/pgshift/pgshift/pkg/abstract"
	"github.com/pgshift/pgshift/pkg/abstract/model"
	"github.com/pgshift/pgshift/pkg/errors/coded"
	"github.com/pgshift/pgshift/pkg/errors/codes"
	"github.com/pgshift/pgshift/pkg/state"
	"github.com/stretchr/testify/require"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) indexOfFirst(prefix string) int {
	for i, event := range l.all() {
		if len(event) >= len(prefix) && event[:len(prefix)] == prefix {
			return i
		}
	}
	return -1
}

func (l *eventLog) indexOfLast(prefix string) int {
	last := -1
	for i, event := range l.all() {
		if len(event) >= len(prefix) && event[:len(prefix)] == prefix {
			last = i
		}
	}
	return last
}

type fakeSource struct {
	dbs []abstract.Database
	err error
}

func (s *fakeSource) DiscoverDatabases(ctx context.Context) ([]abstract.Database, error) {
	return append([]abstract.Database(nil), s.dbs...), s.err
}

type fakeTarget struct {
	events   *eventLog
	applied  int32
	reverted int32
}

func (t *fakeTarget) CreateDatabase(ctx context.Context, db string) error {
	t.events.add("create:" + db)
	return nil
}

func (t *fakeTarget) ApplyFastLoadSettings(ctx context.Context) error {
	atomic.AddInt32(&t.applied, 1)
	t.events.add("tuning:apply")
	return nil
}

func (t *fakeTarget) ResetFastLoadSettings(ctx context.Context) error {
	atomic.AddInt32(&t.reverted, 1)
	t.events.add("tuning:revert")
	return nil
}

type fakeTransfer struct {
	events *eventLog
	delay  time.Duration

	mu           sync.Mutex
	dumpCalls    map[string]int
	restoreCalls map[string]int
	dumpErr      map[string]error
	restoreErr   map[string]error
	// blockDump makes Dump wait for cancellation and return the cancelled
	// code, the way the subprocess adapter reports a killed child.
	blockDump map[string]bool
	onDump    func(db string)

	inFlight    int32
	maxInFlight int32
}

func newFakeTransfer(events *eventLog) *fakeTransfer {
	return &fakeTransfer{
		events:       events,
		dumpCalls:    make(map[string]int),
		restoreCalls: make(map[string]int),
		dumpErr:      make(map[string]error),
		restoreErr:   make(map[string]error),
		blockDump:    make(map[string]bool),
	}
}

func (f *fakeTransfer) track() func() {
	current := atomic.AddInt32(&f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if current <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, current) {
			break
		}
	}
	return func() { atomic.AddInt32(&f.inFlight, -1) }
}

func (f *fakeTransfer) Dump(ctx context.Context, db string) error {
	defer f.track()()
	f.mu.Lock()
	f.dumpCalls[db]++
	blocked := f.blockDump[db]
	err := f.dumpErr[db]
	hook := f.onDump
	f.mu.Unlock()
	f.events.add("dump:" + db)

	if hook != nil {
		hook(db)
	}
	if blocked {
		<-ctx.Done()
		return coded.Errorf(codes.Cancelled, "pg_dump of %q interrupted by shutdown: %w", db, ctx.Err())
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return err
}

func (f *fakeTransfer) Restore(ctx context.Context, db string) error {
	defer f.track()()
	f.mu.Lock()
	f.restoreCalls[db]++
	err := f.restoreErr[db]
	f.mu.Unlock()
	f.events.add("restore:" + db)

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return err
}

func (f *fakeTransfer) dumps(db string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dumpCalls[db]
}

func (f *fakeTransfer) restores(db string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restoreCalls[db]
}

type fakeCounts struct {
	events *eventLog

	mu        sync.Mutex
	calls     map[string]int
	snapshots map[string]abstract.Snapshot
}

func newFakeCounts(events *eventLog) *fakeCounts {
	return &fakeCounts{
		events:    events,
		calls:     make(map[string]int),
		snapshots: make(map[string]abstract.Snapshot),
	}
}

func (f *fakeCounts) set(side abstract.Side, db string, snapshot abstract.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[fmt.Sprintf("%v:%v", side, db)] = snapshot
}

func (f *fakeCounts) callCount(side abstract.Side, db string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[fmt.Sprintf("%v:%v", side, db)]
}

func (f *fakeCounts) TableRowCounts(ctx context.Context, side abstract.Side, db string) (abstract.Snapshot, error) {
	key := fmt.Sprintf("%v:%v", side, db)
	f.mu.Lock()
	f.calls[key]++
	snapshot, ok := f.snapshots[key]
	f.mu.Unlock()
	f.events.add("count:" + key)
	if !ok {
		return abstract.Snapshot{}, nil
	}
	return snapshot, nil
}

type fakeGlobals struct {
	calls int32
}

func (f *fakeGlobals) MigrateGlobals(ctx context.Context) error {
	atomic.AddInt32(&f.calls, 1)
	return nil
}

type env struct {
	cfg       *model.MigrationConfig
	events    *eventLog
	source    *fakeSource
	target    *fakeTarget
	transfer  *fakeTransfer
	counts    *fakeCounts
	globals   *fakeGlobals
	markers   state.MarkerStore
	snapshots state.SnapshotStore
}

func newEnv(dbs ...abstract.Database) *env {
	events := &eventLog{}
	cfg := model.DefaultMigrationConfig()
	cfg.MaxParallel = 2
	return &env{
		cfg:       cfg,
		events:    events,
		source:    &fakeSource{dbs: dbs},
		target:    &fakeTarget{events: events},
		transfer:  newFakeTransfer(events),
		counts:    newFakeCounts(events),
		globals:   &fakeGlobals{},
		markers:   state.NewInMemoryMarkerStore(),
		snapshots: state.NewInMemorySnapshotStore(),
	}
}

func (e *env) migration() *Migration {
	return NewMigration(e.cfg, e.source, e.target, e.transfer, e.counts, e.globals, e.markers, e.snapshots, logger.Log)
}

func sameCounts(e *env, db string, snapshot abstract.Snapshot) {
	e.counts.set(abstract.SideSource, db, snapshot)
	e.counts.set(abstract.SideDestination, db, snapshot)
}

func TestRun_HappyPath(t *testing.T) {
	e := newEnv(abstract.Database{Name: "crm", SizeBytes: 10}, abstract.Database{Name: "shop", SizeBytes: 20})
	sameCounts(e, "crm", abstract.Snapshot{"public.users": "10"})
	sameCounts(e, "shop", abstract.Snapshot{"public.orders": "5"})

	require.NoError(t, e.migration().Run(context.Background()))

	for _, db := range []string{"crm", "shop"} {
		require.Equal(t, 1, e.transfer.dumps(db))
		require.Equal(t, 1, e.transfer.restores(db))
		for _, stage := range []abstract.Stage{abstract.StageDump, abstract.StageRestore, abstract.StageVerify} {
			done, err := e.markers.Exists(db, stage)
			require.NoError(t, err)
			require.True(t, done, "marker %v/%v", db, stage)
		}
	}
	require.EqualValues(t, 1, e.target.applied)
	require.EqualValues(t, 1, e.target.reverted)
	require.EqualValues(t, 1, e.globals.calls)
}

func TestRun_EmptyDiscoveryIsTerminal(t *testing.T) {
	e := newEnv()
	require.NoError(t, e.migration().Run(context.Background()))
	require.EqualValues(t, 0, e.target.applied)
	require.EqualValues(t, 0, e.globals.calls)
	require.Empty(t, e.events.all())
}

func TestRun_SecondRunIsFullSkip(t *testing.T) {
	e := newEnv(abstract.Database{Name: "crm", SizeBytes: 10})
	sameCounts(e, "crm", abstract.Snapshot{"public.users": "10"})

	require.NoError(t, e.migration().Run(context.Background()))
	require.NoError(t, e.migration().Run(context.Background()))

	// Markers and cached snapshots gate every stage: no external operation
	// runs twice.
	require.Equal(t, 1, e.transfer.dumps("crm"))
	require.Equal(t, 1, e.transfer.restores("crm"))
	require.Equal(t, 1, e.counts.callCount(abstract.SideSource, "crm"))
	require.Equal(t, 1, e.counts.callCount(abstract.SideDestination, "crm"))
	require.EqualValues(t, 1, e.globals.calls)
	// The settings bracket is per run, not per database.
	require.EqualValues(t, 2, e.target.applied)
	require.EqualValues(t, 2, e.target.reverted)
}

func TestRun_ResumeAfterCrash(t *testing.T) {
	e := newEnv(abstract.Database{Name: "a", SizeBytes: 10}, abstract.Database{Name: "b", SizeBytes: 20})
	sameCounts(e, "a", abstract.Snapshot{"public.t": "1"})
	sameCounts(e, "b", abstract.Snapshot{"public.t": "2"})

	// Simulated crash after a's dump marker was written.
	require.NoError(t, e.markers.Mark("a", abstract.StageDump))

	require.NoError(t, e.migration().Run(context.Background()))

	require.Equal(t, 0, e.transfer.dumps("a"))
	require.Equal(t, 1, e.transfer.dumps("b"))
	require.Equal(t, 1, e.transfer.restores("a"))
	require.Equal(t, 1, e.transfer.restores("b"))
}

func TestRun_BarrierOrdering(t *testing.T) {
	e := newEnv(
		abstract.Database{Name: "a", SizeBytes: 1},
		abstract.Database{Name: "b", SizeBytes: 2},
		abstract.Database{Name: "c", SizeBytes: 3},
	)
	e.transfer.delay = 5 * time.Millisecond
	for _, db := range []string{"a", "b", "c"} {
		sameCounts(e, db, abstract.Snapshot{"public.t": "1"})
	}

	require.NoError(t, e.migration().Run(context.Background()))

	lastDump := e.events.indexOfLast("dump:")
	firstSourceCount := e.events.indexOfFirst("count:source:")
	lastSourceCount := e.events.indexOfLast("count:source:")
	firstRestore := e.events.indexOfFirst("restore:")
	lastRestore := e.events.indexOfLast("restore:")
	firstDestCount := e.events.indexOfFirst("count:destination:")

	require.Less(t, lastDump, firstSourceCount, "all dumps precede the source count barrier")
	require.Less(t, lastSourceCount, firstRestore, "the count barrier precedes all restores")
	require.Less(t, lastRestore, firstDestCount, "all restores precede destination counts")

	applyIdx := e.events.indexOfFirst("tuning:apply")
	revertIdx := e.events.indexOfFirst("tuning:revert")
	require.Less(t, applyIdx, firstRestore, "settings applied before any restore")
	require.Greater(t, revertIdx, lastRestore, "settings reverted after the last restore")
}

func TestRun_ConcurrencyBound(t *testing.T) {
	dbs := make([]abstract.Database, 0, 5)
	for i := 0; i < 5; i++ {
		dbs = append(dbs, abstract.Database{Name: fmt.Sprintf("db%v", i), SizeBytes: uint64(i)})
	}
	e := newEnv(dbs...)
	e.cfg.MaxParallel = 2
	e.transfer.delay = 20 * time.Millisecond
	for _, db := range dbs {
		sameCounts(e, db.Name, abstract.Snapshot{"public.t": "1"})
	}

	require.NoError(t, e.migration().Run(context.Background()))
	require.LessOrEqual(t, e.transfer.maxInFlight, int32(2))
	for _, db := range dbs {
		require.Equal(t, 1, e.transfer.dumps(db.Name))
	}
}

func TestRun_DumpFailureAbortsBatch(t *testing.T) {
	e := newEnv(abstract.Database{Name: "a", SizeBytes: 1}, abstract.Database{Name: "b", SizeBytes: 2})
	e.transfer.dumpErr["a"] = coded.Errorf(codes.ExternalOperation, "pg_dump failed for \"a\"")

	err := e.migration().Run(context.Background())
	require.Error(t, err)
	require.True(t, codes.ExternalOperation.Contains(err))
	require.False(t, codes.Cancelled.Contains(err))
	// No restore started: the failed dump phase is a hard barrier.
	require.Equal(t, 0, e.transfer.restores("a"))
	require.Equal(t, 0, e.transfer.restores("b"))
	// The settings bracket is still released.
	require.EqualValues(t, 1, e.target.reverted)
}

func TestRun_RestoreFailureStillRevertsSettings(t *testing.T) {
	e := newEnv(abstract.Database{Name: "a", SizeBytes: 1})
	sameCounts(e, "a", abstract.Snapshot{"public.t": "1"})
	e.transfer.restoreErr["a"] = xerrors.New("restore blew up")

	err := e.migration().Run(context.Background())
	require.Error(t, err)
	require.EqualValues(t, 1, e.target.applied)
	require.EqualValues(t, 1, e.target.reverted)

	done, markerErr := e.markers.Exists("a", abstract.StageRestore)
	require.NoError(t, markerErr)
	require.False(t, done, "failed restore must not be marked")
}

func TestRun_CancellationYieldsCancelledCode(t *testing.T) {
	e := newEnv(abstract.Database{Name: "a", SizeBytes: 1})
	e.transfer.blockDump["a"] = true

	ctx, cancel := context.WithCancel(context.Background())
	e.transfer.onDump = func(string) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
	}

	err := e.migration().Run(ctx)
	require.Error(t, err)
	require.True(t, codes.Cancelled.Contains(err))
	require.EqualValues(t, 1, e.target.reverted)
}

func TestRun_CancelledCodedErrorWithoutShutdownStillFails(t *testing.T) {
	e := newEnv(abstract.Database{Name: "a", SizeBytes: 1})
	// A task reporting cancellation while the run context is alive violates
	// the adapter contract; the phase must fail rather than report success.
	e.transfer.dumpErr["a"] = coded.Errorf(codes.Cancelled, "pg_dump of \"a\" interrupted by shutdown")

	err := e.migration().Run(context.Background())
	require.Error(t, err)

	done, markerErr := e.markers.Exists("a", abstract.StageDump)
	require.NoError(t, markerErr)
	require.False(t, done, "failed dump must not be marked")
	require.Equal(t, 0, e.transfer.restores("a"))
}

func TestRun_CancellationBeatsSiblingError(t *testing.T) {
	e := newEnv(abstract.Database{Name: "a", SizeBytes: 1}, abstract.Database{Name: "b", SizeBytes: 2})
	ctx, cancel := context.WithCancel(context.Background())

	// a fails with an ordinary error and triggers shutdown; b observes the
	// cancellation. The reported cause must be the cancellation.
	e.transfer.dumpErr["a"] = xerrors.New("disk full")
	e.transfer.blockDump["b"] = true
	e.transfer.onDump = func(db string) {
		if db == "a" {
			time.Sleep(5 * time.Millisecond)
			cancel()
		}
	}

	err := e.migration().Run(ctx)
	require.Error(t, err)
	require.True(t, codes.Cancelled.Contains(err))
}

func TestRun_VerifyMismatchIsAggregatedQuarantine(t *testing.T) {
	e := newEnv(abstract.Database{Name: "bad", SizeBytes: 1}, abstract.Database{Name: "good", SizeBytes: 2})
	sameCounts(e, "good", abstract.Snapshot{"public.t": "3"})
	e.counts.set(abstract.SideSource, "bad", abstract.Snapshot{"public.t": "10"})
	e.counts.set(abstract.SideDestination, "bad", abstract.Snapshot{"public.t": "9"})

	err := e.migration().Run(context.Background())
	require.Error(t, err)
	require.True(t, codes.VerificationMismatch.Contains(err))
	require.Contains(t, err.Error(), "bad")

	// The sibling was still verified and marked; only the mismatched
	// database stays unmarked.
	done, markerErr := e.markers.Exists("good", abstract.StageVerify)
	require.NoError(t, markerErr)
	require.True(t, done)
	done, markerErr = e.markers.Exists("bad", abstract.StageVerify)
	require.NoError(t, markerErr)
	require.False(t, done)

	require.EqualValues(t, 1, e.target.reverted)
}

func TestRun_SnapshotsAreCapturedOnce(t *testing.T) {
	e := newEnv(abstract.Database{Name: "a", SizeBytes: 1})
	require.NoError(t, e.snapshots.Save("a", abstract.SideSource, abstract.Snapshot{"public.t": "7"}))
	e.counts.set(abstract.SideDestination, "a", abstract.Snapshot{"public.t": "7"})

	require.NoError(t, e.migration().Run(context.Background()))

	// The pre-existing source snapshot is ground truth: the source is never
	// re-queried, the destination is queried exactly once.
	require.Equal(t, 0, e.counts.callCount(abstract.SideSource, "a"))
	require.Equal(t, 1, e.counts.callCount(abstract.SideDestination, "a"))
}

func TestRun_SkipToggles(t *testing.T) {
	e := newEnv(abstract.Database{Name: "a", SizeBytes: 1})
	sameCounts(e, "a", abstract.Snapshot{"public.t": "1"})
	e.cfg.SkipGlobals = true
	e.cfg.SkipTuning = true

	require.NoError(t, e.migration().Run(context.Background()))
	require.EqualValues(t, 0, e.globals.calls)
	require.EqualValues(t, 0, e.target.applied)
	require.EqualValues(t, 0, e.target.reverted)
}

func TestVerify_NeedsNoTransferCollaborators(t *testing.T) {
	e := newEnv(abstract.Database{Name: "a", SizeBytes: 1}, abstract.Database{Name: "b", SizeBytes: 2})
	sameCounts(e, "a", abstract.Snapshot{"public.t": "1"})
	sameCounts(e, "b", abstract.Snapshot{"public.t": "2"})

	verification := NewVerification(e.cfg, e.source, e.counts, e.markers, e.snapshots, logger.Log)
	require.NoError(t, verification.Verify(context.Background()))

	for _, db := range []string{"a", "b"} {
		done, err := e.markers.Exists(db, abstract.StageVerify)
		require.NoError(t, err)
		require.True(t, done)
		require.Equal(t, 0, e.transfer.dumps(db))
		require.Equal(t, 0, e.transfer.restores(db))
	}
}

func TestVerify_ReportsMismatch(t *testing.T) {
	e := newEnv(abstract.Database{Name: "a", SizeBytes: 1})
	e.counts.set(abstract.SideSource, "a", abstract.Snapshot{"public.t": "10"})
	e.counts.set(abstract.SideDestination, "a", abstract.Snapshot{"public.t": "9"})

	verification := NewVerification(e.cfg, e.source, e.counts, e.markers, e.snapshots, logger.Log)
	err := verification.Verify(context.Background())
	require.Error(t, err)
	require.True(t, codes.VerificationMismatch.Contains(err))
}

func TestRun_ProcessesSmallestFirst(t *testing.T) {
	e := newEnv(
		abstract.Database{Name: "mid", SizeBytes: 10 << 20},
		abstract.Database{Name: "small", SizeBytes: 1 << 20},
		abstract.Database{Name: "large", SizeBytes: 100 << 20},
	)
	e.cfg.MaxParallel = 1
	for _, db := range []string{"mid", "small", "large"} {
		sameCounts(e, db, abstract.Snapshot{"public.t": "1"})
	}

	require.NoError(t, e.migration().Run(context.Background()))

	var dumpOrder []string
	for _, event := range e.events.all() {
		if len(event) > 5 && event[:5] == "dump:" {
			dumpOrder = append(dumpOrder, event[5:])
		}
	}
	require.Equal(t, []string{"small", "mid", "large"}, dumpOrder)
}

type failingMarkerStore struct {
	state.MarkerStore
	failOn abstract.Stage
}

func (s *failingMarkerStore) Mark(db string, stage abstract.Stage) error {
	if stage == s.failOn {
		return coded.Errorf(codes.Persistence, "unable to write marker for %q stage %v", db, stage)
	}
	return s.MarkerStore.Mark(db, stage)
}

func TestRun_MarkerWriteFailureSurfaces(t *testing.T) {
	e := newEnv(abstract.Database{Name: "a", SizeBytes: 1})
	e.markers = &failingMarkerStore{MarkerStore: state.NewInMemoryMarkerStore(), failOn: abstract.StageDump}

	err := e.migration().Run(context.Background())
	require.Error(t, err)
	require.True(t, codes.Persistence.Contains(err))
}
