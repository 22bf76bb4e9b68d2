package model

import (
	"fmt"
	"net/url"

	"go.ytsaurus.tech/library/go/core/xerrors"
)

// PgServer identifies one PostgreSQL server of the migration.
type PgServer struct {
	Host     string       `yaml:"host"`
	Port     uint16       `yaml:"port"`
	User     string       `yaml:"user"`
	Password SecretString `yaml:"password"`
	// Database is the maintenance database used for cluster-level queries
	// (discovery, ALTER SYSTEM, CREATE DATABASE).
	Database string `yaml:"database"`
}

// ConnString builds a pgx-compatible URL for the given database on this
// server. The server's maintenance database is used when db is empty.
func (s PgServer) ConnString(db string) string {
	if db == "" {
		db = s.Database
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(s.User, string(s.Password)),
		Host:   fmt.Sprintf("%v:%v", s.Host, s.Port),
		Path:   "/" + db,
	}
	return u.String()
}

// MigrationConfig is the immutable run configuration: constructed once at
// startup, shared by pointer across all tasks, never mutated afterwards.
type MigrationConfig struct {
	Source PgServer `yaml:"source"`
	Target PgServer `yaml:"target"`

	// DumpJobs and RestoreJobs are parallelism hints passed to the external
	// transfer tool (pg_dump -j / pg_restore -j) for a single database.
	DumpJobs    int `yaml:"dump_jobs"`
	RestoreJobs int `yaml:"restore_jobs"`
	// MaxParallel caps how many databases run a stage concurrently.
	MaxParallel int `yaml:"max_parallel"`

	// DumpRoot holds one directory-format dump per database.
	DumpRoot string `yaml:"dump_root"`
	// StateRoot holds completion markers and count snapshots.
	StateRoot string `yaml:"state_root"`

	SkipGlobals bool `yaml:"skip_globals"`
	SkipTuning  bool `yaml:"skip_tuning"`
}

func DefaultMigrationConfig() *MigrationConfig {
	return &MigrationConfig{
		Source:      PgServer{Host: "localhost", Port: 5432, User: "postgres", Database: "postgres"},
		Target:      PgServer{Host: "localhost", Port: 5432, User: "postgres", Database: "postgres"},
		DumpJobs:    24,
		RestoreJobs: 12,
		MaxParallel: 6,
		DumpRoot:    "pg_dumps",
		StateRoot:   "pgshift_state",
		SkipGlobals: false,
		SkipTuning:  false,
	}
}

func (c *MigrationConfig) Validate() error {
	if c.Source.Host == "" || c.Target.Host == "" {
		return xerrors.New("source and target hosts must be set")
	}
	if c.DumpJobs < 1 || c.RestoreJobs < 1 {
		return xerrors.Errorf("dump jobs (%v) and restore jobs (%v) must be positive", c.DumpJobs, c.RestoreJobs)
	}
	if c.MaxParallel < 1 {
		return xerrors.Errorf("max parallel (%v) must be positive", c.MaxParallel)
	}
	if c.DumpRoot == "" || c.StateRoot == "" {
		return xerrors.New("dump root and state root must be set")
	}
	return nil
}
