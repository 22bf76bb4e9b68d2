package postgres

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pgshift/pgshift/pkg/errors/coded"
	"github.com/pgshift/pgshift/pkg/errors/codes"
	"go.ytsaurus.tech/library/go/core/log"
)

// MigrateGlobals copies cluster-wide objects (roles, tablespaces) with
// pg_dumpall --globals-only and applies them with psql. Role statements for
// the destination user are filtered out so its password is not overwritten.
// Apply-side noise ("role already exists" on resume) is logged, not fatal.
func (a *CommandAdapter) MigrateGlobals(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.DumpRoot, 0o755); err != nil {
		return coded.Errorf(codes.Persistence, "unable to create dump root %q: %w", a.cfg.DumpRoot, err)
	}
	globalsPath := filepath.Join(a.cfg.DumpRoot, "globals.sql")

	dumpArgs := []string{
		"-h", a.cfg.Source.Host,
		"-p", strconv.Itoa(int(a.cfg.Source.Port)),
		"-U", a.cfg.Source.User,
		"--globals-only",
		"-f", globalsPath,
	}
	if err := a.run(ctx, "pg_dumpall", dumpArgs, a.cfg.Source.Password, "globals"); err != nil {
		return err
	}

	content, err := os.ReadFile(globalsPath)
	if err != nil {
		return coded.Errorf(codes.Persistence, "unable to read globals dump: %w", err)
	}
	filtered, skipped := FilterGlobalsSQL(string(content), a.cfg.Target.User)
	if skipped > 0 {
		a.lgr.Infof("skipped %v role statement(s) for %q to avoid password overwrite", skipped, a.cfg.Target.User)
	}
	if err := os.WriteFile(globalsPath, []byte(filtered), 0o600); err != nil {
		return coded.Errorf(codes.Persistence, "unable to write filtered globals dump: %w", err)
	}

	applyArgs := []string{
		"-h", a.cfg.Target.Host,
		"-p", strconv.Itoa(int(a.cfg.Target.Port)),
		"-U", a.cfg.Target.User,
		"-d", a.cfg.Target.Database,
		"-f", globalsPath,
	}
	command := exec.CommandContext(ctx, "psql", applyArgs...)
	command.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", string(a.cfg.Target.Password)))
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return coded.Errorf(codes.Cancelled, "globals restore interrupted by shutdown: %w", ctx.Err())
		}
		if noise := filterGlobalsStderr(stderr.String()); noise != "" {
			a.lgr.Warn("globals restored with errors", log.String("stderr", truncate(noise, stderrLimit)))
		}
	}
	return nil
}

// FilterGlobalsSQL drops CREATE ROLE / ALTER ROLE statements that would
// rewrite the destination user. Returns the filtered script and how many
// lines were dropped.
func FilterGlobalsSQL(content, targetUser string) (string, int) {
	var kept []string
	skipped := 0
	for _, line := range strings.Split(content, "\n") {
		if isRoleStatement(line) &&
			(strings.Contains(line, fmt.Sprintf(" %v ", targetUser)) ||
				strings.HasSuffix(line, fmt.Sprintf(" %v;", targetUser))) {
			skipped++
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n"), skipped
}

func isRoleStatement(line string) bool {
	return strings.HasPrefix(line, "CREATE ROLE ") || strings.HasPrefix(line, "ALTER ROLE ")
}

func filterGlobalsStderr(stderr string) string {
	var kept []string
	for _, line := range strings.Split(stderr, "\n") {
		switch {
		case strings.Contains(line, "ERROR:  role") && strings.Contains(line, "already exists"):
		case strings.Contains(line, "WARNING:  setting an MD5-encrypted password"):
		case strings.Contains(line, "DETAIL:  MD5 password support is deprecated"):
		case strings.Contains(line, "HINT:  Refer to the PostgreSQL documentation"):
		case strings.TrimSpace(line) == "":
		default:
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
