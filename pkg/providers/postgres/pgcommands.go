package postgres

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/pgshift/pgshift/pkg/abstract/model"
	"github.com/pgshift/pgshift/pkg/errors/coded"
	"github.com/pgshift/pgshift/pkg/errors/codes"
	"go.ytsaurus.tech/library/go/core/log"
)

const stderrLimit = 2000

// CommandAdapter is the subprocess-backed transfer adapter: pg_dump produces
// a directory-format dump under the dump root, pg_restore loads it into the
// destination. Both run under the caller's context, so a fired cancellation
// kills the child process instead of letting it run to completion.
type CommandAdapter struct {
	cfg *model.MigrationConfig
	lgr log.Logger
}

func NewCommandAdapter(cfg *model.MigrationConfig, lgr log.Logger) *CommandAdapter {
	return &CommandAdapter{cfg: cfg, lgr: lgr}
}

func (a *CommandAdapter) DumpDir(db string) string {
	return filepath.Join(a.cfg.DumpRoot, db)
}

func (a *CommandAdapter) Dump(ctx context.Context, db string) error {
	dir := a.DumpDir(db)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return coded.Errorf(codes.Persistence, "unable to create dump dir %q: %w", dir, err)
	}
	// toc.dat is written last by a directory-format pg_dump; its presence
	// means this dump already completed in an earlier run.
	if _, err := os.Stat(filepath.Join(dir, "toc.dat")); err == nil {
		a.lgr.Info("dump already on disk, skipping pg_dump", log.String("db", db))
		return nil
	}
	args := []string{
		"-h", a.cfg.Source.Host,
		"-p", strconv.Itoa(int(a.cfg.Source.Port)),
		"-U", a.cfg.Source.User,
		"-Fd",
		"-j", strconv.Itoa(a.cfg.DumpJobs),
		"-Z", "zstd:5",
		"-f", dir,
		db,
	}
	return a.run(ctx, "pg_dump", args, a.cfg.Source.Password, db)
}

func (a *CommandAdapter) Restore(ctx context.Context, db string) error {
	args := []string{
		"-h", a.cfg.Target.Host,
		"-p", strconv.Itoa(int(a.cfg.Target.Port)),
		"-U", a.cfg.Target.User,
		"-j", strconv.Itoa(a.cfg.RestoreJobs),
		"--disable-triggers",
		"-d", db,
		a.DumpDir(db),
	}
	return a.run(ctx, "pg_restore", args, a.cfg.Target.Password, db)
}

func (a *CommandAdapter) run(ctx context.Context, name string, args []string, password model.SecretString, db string) error {
	command := exec.CommandContext(ctx, name, args...)
	command.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", string(password)))
	var stderr bytes.Buffer
	command.Stderr = &stderr

	a.lgr.Info("run transfer command", log.String("db", db), log.String("path", name), log.Strings("args", args))
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return coded.Errorf(codes.Cancelled, "%v of %q interrupted by shutdown: %w", name, db, ctx.Err())
		}
		return coded.Errorf(codes.ExternalOperation, "%v failed for %q. STDERR:\n%s\nerror: %w", name, db, truncate(stderr.String(), stderrLimit), err)
	}
	return nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "... (truncated)"
}
