package postgres

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pgshift/pgshift/pkg/abstract"
	"github.com/pgshift/pgshift/pkg/abstract/model"
	"github.com/pgshift/pgshift/pkg/errors/coded"
	"github.com/pgshift/pgshift/pkg/errors/codes"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

const connectRetries = 3

func connect(ctx context.Context, server model.PgServer, db string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(server.ConnString(db))
	if err != nil {
		return nil, xerrors.Errorf("unable to parse connection string for %v:%v: %w", server.Host, server.Port, err)
	}
	config.MaxConns = 5

	var pool *pgxpool.Pool
	operation := func() error {
		pool, err = pgxpool.ConnectConfig(ctx, config)
		return err
	}
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), connectRetries)); err != nil {
		return nil, coded.Errorf(codes.Connectivity, "unable to connect to %v:%v: %w", server.Host, server.Port, err)
	}
	return pool, nil
}

// Storage runs cluster-level queries against one server's maintenance
// database: discovery, database creation and bulk-load tuning.
type Storage struct {
	server model.PgServer
	pool   *pgxpool.Pool
	lgr    log.Logger
}

func NewStorage(ctx context.Context, server model.PgServer, lgr log.Logger) (*Storage, error) {
	pool, err := connect(ctx, server, "")
	if err != nil {
		return nil, err
	}
	return &Storage{server: server, pool: pool, lgr: lgr}, nil
}

func (s *Storage) Close() {
	s.pool.Close()
}

const discoverQuery = `
SELECT datname, pg_database_size(datname) AS size
FROM pg_database
WHERE datname NOT IN ('postgres', 'template0', 'template1')
  AND datallowconn IS TRUE
ORDER BY pg_database_size(datname) ASC;`

// DiscoverDatabases lists migratable databases ordered ascending by size, so
// small databases surface systemic failures early.
func (s *Storage) DiscoverDatabases(ctx context.Context) ([]abstract.Database, error) {
	rows, err := s.pool.Query(ctx, discoverQuery)
	if err != nil {
		return nil, coded.Errorf(codes.Connectivity, "unable to list databases on %v: %w", s.server.Host, err)
	}
	defer rows.Close()

	var dbs []abstract.Database
	for rows.Next() {
		var name string
		var size int64
		if err := rows.Scan(&name, &size); err != nil {
			return nil, xerrors.Errorf("unable to scan database row: %w", err)
		}
		if size < 0 {
			size = 0
		}
		dbs = append(dbs, abstract.Database{Name: name, SizeBytes: uint64(size)})
	}
	if rows.Err() != nil {
		return nil, coded.Errorf(codes.Connectivity, "unable to read database list from %v: %w", s.server.Host, rows.Err())
	}
	return dbs, nil
}

// CreateDatabase is tolerant of the database already existing, which is the
// normal case on resume.
func (s *Storage) CreateDatabase(ctx context.Context, db string) error {
	_, err := s.pool.Exec(ctx, `CREATE DATABASE "`+db+`";`)
	if err != nil {
		var pgErr *pgconn.PgError
		if xerrors.As(err, &pgErr) && pgErr.Code == "42P04" { // duplicate_database
			s.lgr.Info("database already exists on destination", log.String("db", db))
			return nil
		}
		return coded.Errorf(codes.ExternalOperation, "unable to create database %q: %w", db, err)
	}
	return nil
}
