package config

import (
	"os"

	"github.com/pgshift/pgshift/pkg/abstract/model"
	"github.com/spf13/pflag"
	"go.ytsaurus.tech/library/go/core/xerrors"
	"gopkg.in/yaml.v3"
)

// FromYaml loads a MigrationConfig from a YAML file on top of the defaults.
func FromYaml(path string) (*model.MigrationConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("unable to read config %q: %w", path, err)
	}
	cfg := model.DefaultMigrationConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, xerrors.Errorf("unable to parse config %q: %w", path, err)
	}
	return cfg, nil
}

// RegisterConnectionFlags binds the source/destination connection flags
// shared by every subcommand.
func RegisterConnectionFlags(flags *pflag.FlagSet, cfg *model.MigrationConfig) {
	flags.StringVar(&cfg.Source.Host, "from-host", cfg.Source.Host, "Source server host")
	flags.Uint16Var(&cfg.Source.Port, "from-port", cfg.Source.Port, "Source server port")
	flags.StringVar(&cfg.Source.User, "from-user", cfg.Source.User, "Source server user")
	flags.StringVar((*string)(&cfg.Source.Password), "from-pass", string(cfg.Source.Password), "Source server password")
	flags.StringVar(&cfg.Source.Database, "from-db", cfg.Source.Database, "Source maintenance database")

	flags.StringVar(&cfg.Target.Host, "to-host", cfg.Target.Host, "Destination server host")
	flags.Uint16Var(&cfg.Target.Port, "to-port", cfg.Target.Port, "Destination server port")
	flags.StringVar(&cfg.Target.User, "to-user", cfg.Target.User, "Destination server user")
	flags.StringVar((*string)(&cfg.Target.Password), "to-pass", string(cfg.Target.Password), "Destination server password")
	flags.StringVar(&cfg.Target.Database, "to-db", cfg.Target.Database, "Destination maintenance database")

	flags.StringVar(&cfg.StateRoot, "state-root", cfg.StateRoot, "Directory for markers and count snapshots")
}
