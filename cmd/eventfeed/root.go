package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/velmie/eventfeed/internal/config"
	"github.com/velmie/eventfeed/zaplog"
)

type rootOptions struct {
	configPath string
	backend    string
	dsn        string
	table      string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "eventfeed",
		Short:         "Transactional event feed with live delivery and replay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&opts.backend, "backend", "", "Storage backend: mysql, postgres or memory (overrides config)")
	flags.StringVar(&opts.dsn, "dsn", "", "Database DSN (overrides config)")
	flags.StringVar(&opts.table, "table", "", "Events table name (overrides config)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides config)")

	cmd.AddCommand(
		newServeCmd(opts),
		newSchemaCmd(opts),
		newPartitionsCmd(opts),
		newCleanupCmd(opts),
		newBenchCmd(opts),
	)

	return cmd
}

// load reads the configuration, applies flag overrides and validates the result.
func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Read(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.backend != "" {
		cfg.Backend = o.backend
	}
	if o.dsn != "" {
		cfg.DSN = o.dsn
	}
	if o.table != "" {
		cfg.Table = o.table
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	return cfg, nil
}

// setup loads the configuration and builds the process logger. Callers sync the logger.
func (o *rootOptions) setup() (config.Config, *zap.Logger, error) {
	cfg, err := o.load()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := zaplog.Build(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return config.Config{}, nil, err
	}

	return cfg, logger, nil
}
