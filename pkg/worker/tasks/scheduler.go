package tasks

import (
	"context"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pgshift/pgshift/pkg/abstract"
	"github.com/pgshift/pgshift/pkg/errors/coded"
	"github.com/pgshift/pgshift/pkg/errors/codes"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/xerrors"
	"golang.org/x/sync/semaphore"
)

// stageTask runs one database's stage against an external collaborator.
type stageTask func(ctx context.Context, db string) error

// runPhase executes one stage for every database under the phase's permit
// ceiling. Already-marked databases are skipped; each remaining database is
// scheduled exactly once. After any error no new task starts, but tasks
// already holding a permit settle before the phase returns, so no in-flight
// external operation is abandoned because a sibling failed. A cancelled run
// context takes precedence over ordinary task errors in the returned cause.
func (m *Migration) runPhase(ctx context.Context, stage abstract.Stage, dbs []abstract.Database, task stageTask) error {
	m.lgr.Info("phase started",
		log.String("stage", string(stage)),
		log.Int("parallelism", m.cfg.MaxParallel),
		log.Int("databases", len(dbs)))

	parallelismSemaphore := semaphore.NewWeighted(int64(m.cfg.MaxParallel))
	waitToComplete := sync.WaitGroup{}
	var errMutex sync.Mutex
	var firstErr error

	recordErr := func(err error) {
		errMutex.Lock()
		defer errMutex.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}
	failed := func() bool {
		errMutex.Lock()
		defer errMutex.Unlock()
		return firstErr != nil
	}

	for _, db := range dbs {
		if ctx.Err() != nil || failed() {
			break
		}

		done, err := m.markers.Exists(db.Name, stage)
		if err != nil {
			recordErr(xerrors.Errorf("unable to check %v marker of %q: %w", stage, db.Name, err))
			break
		}
		if done {
			m.lgr.Info("stage already completed, skipping",
				log.String("db", db.Name), log.String("stage", string(stage)))
			continue
		}

		if err := parallelismSemaphore.Acquire(ctx, 1); err != nil {
			break // run context cancelled while waiting for a permit
		}
		waitToComplete.Add(1)
		db := db
		go func() {
			defer waitToComplete.Done()
			defer parallelismSemaphore.Release(1)

			m.lgr.Info("stage started",
				log.String("db", db.Name),
				log.String("stage", string(stage)),
				log.String("size", humanize.Bytes(db.SizeBytes)))

			if err := task(ctx, db.Name); err != nil {
				// Cancelled errors are recorded too: a task claiming to be
				// cancelled while the run context is alive must still fail
				// the phase. The ctx.Err() check below keeps cancellation
				// precedence when the run really was shut down.
				recordErr(xerrors.Errorf("%v of %q failed: %w", stage, db.Name, err))
				m.lgr.Error("stage failed",
					log.String("db", db.Name), log.String("stage", string(stage)), log.Error(err))
				return
			}
			// Marking after the task is the write-after-effect ordering: a
			// marker is never observed before the effect it represents.
			if err := m.markers.Mark(db.Name, stage); err != nil {
				recordErr(xerrors.Errorf("unable to mark %v of %q: %w", stage, db.Name, err))
				return
			}
			m.lgr.Info("stage finished", log.String("db", db.Name), log.String("stage", string(stage)))
		}()
	}

	waitToComplete.Wait()

	if ctx.Err() != nil {
		return coded.Errorf(codes.Cancelled, "%v phase cancelled by user", stage)
	}
	if failed() {
		errMutex.Lock()
		defer errMutex.Unlock()
		return xerrors.Errorf("%v phase failed: %w", stage, firstErr)
	}
	m.lgr.Info("phase finished", log.String("stage", string(stage)))
	return nil
}
