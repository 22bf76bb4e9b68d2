package discover

import (
	"context"

	"github.com/cheynewallace/tabby"
	"github.com/dustin/go-humanize"
	"github.com/pgshift/pgshift/cmd/pgshift/config"
	"github.com/pgshift/pgshift/internal/logger"
	"github.com/pgshift/pgshift/pkg/abstract/model"
	"github.com/pgshift/pgshift/pkg/providers/postgres"
	"github.com/spf13/cobra"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

func DiscoverCommand() *cobra.Command {
	cfg := model.DefaultMigrationConfig()

	discoverCommand := &cobra.Command{
		Use:     "discover",
		Short:   "List migratable databases on the source, smallest first",
		Example: "./pgshift discover --from-host old.example",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	config.RegisterConnectionFlags(discoverCommand.Flags(), cfg)

	return discoverCommand
}

func run(ctx context.Context, cfg *model.MigrationConfig) error {
	source, err := postgres.NewStorage(ctx, cfg.Source, logger.Log)
	if err != nil {
		return xerrors.Errorf("unable to open source storage: %w", err)
	}
	defer source.Close()

	dbs, err := source.DiscoverDatabases(ctx)
	if err != nil {
		return xerrors.Errorf("unable to discover databases: %w", err)
	}
	if len(dbs) == 0 {
		logger.Log.Info("no migratable databases found")
		return nil
	}

	t := tabby.New()
	t.AddHeader("DATABASE", "SIZE")
	for _, db := range dbs {
		t.AddLine(db.Name, humanize.Bytes(db.SizeBytes))
	}
	t.Print()
	return nil
}
