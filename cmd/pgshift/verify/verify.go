package verify

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pgshift/pgshift/cmd/pgshift/config"
	"github.com/pgshift/pgshift/internal/logger"
	"github.com/pgshift/pgshift/pkg/abstract/model"
	"github.com/pgshift/pgshift/pkg/providers/postgres"
	"github.com/pgshift/pgshift/pkg/state"
	"github.com/pgshift/pgshift/pkg/worker/tasks"
	"github.com/spf13/cobra"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

func VerifyCommand() *cobra.Command {
	cfg := model.DefaultMigrationConfig()

	verifyCommand := &cobra.Command{
		Use:     "verify",
		Short:   "Compare source and destination row counts without transferring data",
		Example: "./pgshift verify --from-host old.example --to-host new.example",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return xerrors.Errorf("invalid configuration: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.RegisterConnectionFlags(verifyCommand.Flags(), cfg)

	return verifyCommand
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

	markers, err := state.NewFileMarkerStore(cfg.StateRoot)
	if err != nil {
		return err
	}
	snapshots, err := state.NewFileSnapshotStore(cfg.StateRoot)
	if err != nil {
		return err
	}

	counts := postgres.NewCountAdapter(cfg, lgr)
	verification := tasks.NewVerification(cfg, source, counts, markers, snapshots, lgr)
	return verification.Verify(ctx)
}
