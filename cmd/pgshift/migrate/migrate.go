package migrate

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pgshift/pgshift/cmd/pgshift/config"
	"github.com/pgshift/pgshift/internal/logger"
	"github.com/pgshift/pgshift/pkg/abstract/model"
	"github.com/pgshift/pgshift/pkg/errors/codes"
	"github.com/pgshift/pgshift/pkg/providers/postgres"
	"github.com/pgshift/pgshift/pkg/state"
	"github.com/pgshift/pgshift/pkg/worker/tasks"
	"github.com/spf13/cobra"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

func MigrateCommand() *cobra.Command {
	cfg := model.DefaultMigrationConfig()
	var configPath string

	migrateCommand := &cobra.Command{
		Use:     "migrate",
		Short:   "Migrate all databases from source to destination",
		Example: "./pgshift migrate --from-host old.example --to-host new.example -p 6",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				loaded, err := config.FromYaml(configPath)
				if err != nil {
					return xerrors.Errorf("unable to load config: %w", err)
				}
				cfg = loaded
			}
			if err := cfg.Validate(); err != nil {
				return xerrors.Errorf("invalid configuration: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}

	config.RegisterConnectionFlags(migrateCommand.Flags(), cfg)
	migrateCommand.Flags().IntVar(&cfg.DumpJobs, "dump-jobs", cfg.DumpJobs, "pg_dump parallel jobs per database")
	migrateCommand.Flags().IntVar(&cfg.RestoreJobs, "restore-jobs", cfg.RestoreJobs, "pg_restore parallel jobs per database")
	migrateCommand.Flags().IntVarP(&cfg.MaxParallel, "max-parallel", "p", cfg.MaxParallel, "How many databases run a phase concurrently")
	migrateCommand.Flags().StringVar(&cfg.DumpRoot, "dump-root", cfg.DumpRoot, "Directory holding one dump per database")
	migrateCommand.Flags().BoolVar(&cfg.SkipGlobals, "skip-globals", cfg.SkipGlobals, "Skip migrating roles and other cluster-wide objects")
	migrateCommand.Flags().BoolVar(&cfg.SkipTuning, "skip-tuning", cfg.SkipTuning, "Skip fast-load tuning of the destination server")
	migrateCommand.Flags().StringVar(&configPath, "config", "", "Path to YAML config; overrides connection flags when set")

	return migrateCommand
}

func run(ctx context.Context, cfg *model.MigrationConfig) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lgr := logger.Log
	source, err := postgres.NewStorage(ctx, cfg.Source, lgr)
	if err != nil {
		return xerrors.Errorf("unable to open source storage: %w", err)
	}
	defer source.Close()
	target, err := postgres.NewStorage(ctx, cfg.Target, lgr)
	if err != nil {
		return xerrors.Errorf("unable to open destination storage: %w", err)
	}
	defer target.Close()

	markers, err := state.NewFileMarkerStore(cfg.StateRoot)
	if err != nil {
		return err
	}
	snapshots, err := state.NewFileSnapshotStore(cfg.StateRoot)
	if err != nil {
		return err
	}

	transfer := postgres.NewCommandAdapter(cfg, lgr)
	counts := postgres.NewCountAdapter(cfg, lgr)
	migration := tasks.NewMigration(cfg, source, target, transfer, counts, transfer, markers, snapshots, lgr)

	if err := migration.Run(ctx); err != nil {
		if codes.Cancelled.Contains(err) {
			lgr.Warn("migration cancelled by user", log.Error(err))
		} else {
			lgr.Error("migration failed", log.Error(err))
		}
		return err
	}
	return nil
}
