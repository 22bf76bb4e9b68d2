package main

import (
	"context"
	"os"
	"strings"

	"github.com/pgshift/pgshift/cmd/pgshift/discover"
	"github.com/pgshift/pgshift/cmd/pgshift/migrate"
	"github.com/pgshift/pgshift/cmd/pgshift/verify"
	"github.com/pgshift/pgshift/internal/logger"
	"github.com/spf13/cobra"
	zp "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.ytsaurus.tech/library/go/core/log/zap"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

var (
	defaultLogLevel  = "info"
	defaultLogConfig = "console"
)

func buildLoggerConfig(logConfig, logLevel string) (zp.Config, error) {
	loggerConfig := logger.DefaultLoggerConfig(zapcore.InfoLevel)
	switch strings.ToLower(logConfig) {
	case "json":
		loggerConfig = zp.NewProductionConfig()
	case "minimal":
		loggerConfig.EncoderConfig = zapcore.EncoderConfig{
			MessageKey: "message",
			LevelKey:   "level",
			// Disable the rest of the fields
			TimeKey:        "",
			NameKey:        "",
			CallerKey:      "",
			FunctionKey:    "",
			StacktraceKey:  "",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeName:     nil,
			EncodeDuration: nil,
		}
	case "console":
	default:
		return zp.Config{}, xerrors.Errorf("unsupported value %q for --log-config", logConfig)
	}
	switch strings.ToLower(logLevel) {
	case "error":
		loggerConfig.Level.SetLevel(zapcore.ErrorLevel)
	case "warning":
		loggerConfig.Level.SetLevel(zapcore.WarnLevel)
	case "info":
		loggerConfig.Level.SetLevel(zapcore.InfoLevel)
	case "debug":
		loggerConfig.Level.SetLevel(zapcore.DebugLevel)
	default:
		return zp.Config{}, xerrors.Errorf("unsupported value %q for --log-level", logLevel)
	}
	return loggerConfig, nil
}

func main() {
	logLevel := defaultLogLevel
	logConfig := defaultLogConfig

	rootCommand := &cobra.Command{
		Use:          "pgshift",
		Short:        "Phased, resumable PostgreSQL batch migration",
		Example:      "./pgshift help",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SetContext(context.Background())

			loggerConfig, err := buildLoggerConfig(logConfig, logLevel)
			if err != nil {
				return err
			}
			logger.Log = zap.Must(loggerConfig)
			return nil
		},
	}

	rootCommand.AddCommand(migrate.MigrateCommand())
	rootCommand.AddCommand(verify.VerifyCommand())
	rootCommand.AddCommand(discover.DiscoverCommand())

	rootCommand.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Logging level (\"error\", \"warning\", \"info\", \"debug\")")
	rootCommand.PersistentFlags().StringVar(&logConfig, "log-config", defaultLogConfig, "Logging format (\"console\", \"json\", \"minimal\")")

	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}
