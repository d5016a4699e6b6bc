package main

import (
	"context"
	"fmt"

	"github.com/velmie/eventfeed"
	"github.com/velmie/eventfeed/internal/config"
	"github.com/velmie/eventfeed/internal/partition"
	"github.com/velmie/eventfeed/mysql"
	"github.com/velmie/eventfeed/postgres"
)

// runner is a maintenance loop.
type runner interface {
	Run(ctx context.Context) error
}

func (b *backend) partitionMaintainer(cfg config.Config, logger eventfeed.Logger) (runner, func(context.Context) error, error) {
	period, err := partition.ParsePeriod(cfg.Partitions.Period)
	if err != nil {
		return nil, nil, err
	}

	switch b.name {
	case config.BackendMySQL:
		m, err := mysql.NewPartitionMaintainer(b.db, mysql.PartitionMaintainerConfig{
			Table:      cfg.Table,
			Period:     period,
			Lookahead:  cfg.Partitions.Lookahead,
			CheckEvery: cfg.Partitions.CheckEvery,
			Retention:  cfg.Retention,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return m, m.Ensure, nil
	case config.BackendPostgres:
		m, err := postgres.NewPartitionMaintainer(b.pool, postgres.PartitionMaintainerConfig{
			Table:      cfg.Table,
			Period:     period,
			Lookahead:  cfg.Partitions.Lookahead,
			CheckEvery: cfg.Partitions.CheckEvery,
			Retention:  cfg.Retention,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return m, m.Ensure, nil
	default:
		return nil, nil, fmt.Errorf("%w: partitions on %s", errBackendUnsupported, b.name)
	}
}

func (b *backend) cleanupMaintainer(cfg config.Config, logger eventfeed.Logger) (*mysql.CleanupMaintainer, error) {
	if b.name != config.BackendMySQL {
		return nil, fmt.Errorf("%w: heads-cleanup on %s", errBackendUnsupported, b.name)
	}

	return mysql.NewCleanupMaintainer(b.db, mysql.CleanupMaintainerConfig{
		Table:      cfg.Table,
		Retention:  cfg.Retention,
		CheckEvery: cfg.Cleanup.CheckEvery,
		Limit:      cfg.Cleanup.Limit,
		Events:     cfg.Cleanup.Events,
		Logger:     logger,
	})
}

// maintainers returns the maintenance loops enabled in cfg. The memory backend always sweeps
// expired events, since nothing else bounds it.
func (b *backend) maintainers(cfg config.Config, logger eventfeed.Logger) ([]worker, error) {
	var out []worker
	if b.memStore != nil {
		// Zero retention means the reader's default window, not unbounded growth.
		retention := cfg.Retention
		if retention <= 0 {
			retention = config.Default().Retention
		}
		out = append(out, worker{name: "memory sweeper", run: func(ctx context.Context) error {
			return b.memStore.RunSweeper(ctx, retention, cfg.Cleanup.CheckEvery, logger)
		}})
	}
	if cfg.Partitions.Enabled {
		m, _, err := b.partitionMaintainer(cfg, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, worker{name: "partitions", run: m.Run})
	}
	if cfg.Cleanup.Enabled {
		m, err := b.cleanupMaintainer(cfg, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, worker{name: "heads-cleanup", run: m.Run})
	}

	return out, nil
}
