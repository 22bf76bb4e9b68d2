package postgres

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pgshift/pgshift/pkg/abstract"
	"github.com/pgshift/pgshift/pkg/abstract/model"
	"github.com/pgshift/pgshift/pkg/errors/coded"
	"github.com/pgshift/pgshift/pkg/errors/codes"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

// CountAdapter captures exact per-table row counts with one short-lived pool
// per call: counts are taken at most once per (database, side), so keeping
// connections open between calls buys nothing.
type CountAdapter struct {
	cfg *model.MigrationConfig
	lgr log.Logger
}

func NewCountAdapter(cfg *model.MigrationConfig, lgr log.Logger) *CountAdapter {
	return &CountAdapter{cfg: cfg, lgr: lgr}
}

const userTablesQuery = `SELECT schemaname, relname FROM pg_stat_user_tables ORDER BY 1, 2;`

func (a *CountAdapter) TableRowCounts(ctx context.Context, side abstract.Side, db string) (abstract.Snapshot, error) {
	server := a.cfg.Source
	if side == abstract.SideDestination {
		server = a.cfg.Target
	}
	pool, err := connect(ctx, server, db)
	if err != nil {
		return nil, xerrors.Errorf("unable to open %v counting connection for %q: %w", side, db, err)
	}
	defer pool.Close()

	rows, err := pool.Query(ctx, userTablesQuery)
	if err != nil {
		return nil, coded.Errorf(codes.ExternalOperation, "unable to list user tables of %q: %w", db, err)
	}
	type table struct {
		schema string
		name   string
	}
	var tables []table
	for rows.Next() {
		var t table
		if err := rows.Scan(&t.schema, &t.name); err != nil {
			rows.Close()
			return nil, xerrors.Errorf("unable to scan table row: %w", err)
		}
		tables = append(tables, t)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, coded.Errorf(codes.ExternalOperation, "unable to read table list of %q: %w", db, rows.Err())
	}

	snapshot := make(abstract.Snapshot, len(tables))
	for _, t := range tables {
		var count int64
		query := fmt.Sprintf(`SELECT count(*) FROM "%v"."%v"`, t.schema, t.name)
		if err := pool.QueryRow(ctx, query).Scan(&count); err != nil {
			return nil, coded.Errorf(codes.ExternalOperation, "unable to count rows of %v.%v in %q: %w", t.schema, t.name, db, err)
		}
		// Canonical decimal so snapshots compare by string equality.
		snapshot[fmt.Sprintf("%v.%v", t.schema, t.name)] = strconv.FormatInt(count, 10)
	}
	a.lgr.Info("captured row counts", log.String("db", db), log.String("side", string(side)), log.Int("tables", len(snapshot)))
	return snapshot, nil
}
