package postgres

import (
	"context"

	"github.com/pgshift/pgshift/pkg/errors/coded"
	"github.com/pgshift/pgshift/pkg/errors/codes"
	"go.ytsaurus.tech/library/go/core/log"
)

// FastLoadSettings are server-level overrides of the destination that trade
// durability for bulk-load throughput. They are applied once before the
// restore phase and reset once after the whole batch.
var FastLoadSettings = []struct {
	Key   string
	Value string
}{
	{"fsync", "off"},
	{"synchronous_commit", "off"},
	{"full_page_writes", "off"},
	{"maintenance_work_mem", "'2GB'"},
	{"checkpoint_completion_target", "0.9"},
}

// ApplyFastLoadSettings issues ALTER SYSTEM for every fast-load override and
// reloads the server configuration. Repeating it with no intervening change
// is a no-op in effect.
func (s *Storage) ApplyFastLoadSettings(ctx context.Context) error {
	for _, setting := range FastLoadSettings {
		if _, err := s.pool.Exec(ctx, "ALTER SYSTEM SET "+setting.Key+" TO "+setting.Value+";"); err != nil {
			return coded.Errorf(codes.ExternalOperation, "unable to set %v to %v: %w", setting.Key, setting.Value, err)
		}
		s.lgr.Info("applied fast-load setting", log.String("key", setting.Key), log.String("value", setting.Value))
	}
	return s.reloadConf(ctx)
}

// ResetFastLoadSettings resets every fast-load key to the server default and
// reloads the configuration. Idempotent, same as apply.
func (s *Storage) ResetFastLoadSettings(ctx context.Context) error {
	for _, setting := range FastLoadSettings {
		if _, err := s.pool.Exec(ctx, "ALTER SYSTEM RESET "+setting.Key+";"); err != nil {
			return coded.Errorf(codes.ExternalOperation, "unable to reset %v: %w", setting.Key, err)
		}
	}
	if err := s.reloadConf(ctx); err != nil {
		return err
	}
	s.lgr.Info("destination settings restored to server defaults")
	return nil
}

func (s *Storage) reloadConf(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "SELECT pg_reload_conf();"); err != nil {
		return coded.Errorf(codes.ExternalOperation, "unable to reload server configuration: %w", err)
	}
	return nil
}
