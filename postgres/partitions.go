package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/velmie/eventfeed"
	"github.com/velmie/eventfeed/internal/partition"
)

const (
	defaultPartitionCheckEvery = time.Hour
	defaultPartitionLockPrefix = "eventfeed:partitions:"
)

// TxBeginner starts transactions. *pgxpool.Pool and *pgx.Conn satisfy it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PartitionMaintainerConfig controls partition creation and cleanup.
type PartitionMaintainerConfig struct {
	// Table is the partitioned events table. Use schema.table for non-default schema.
	Table string
	// Period controls partition granularity (day or month).
	Period partition.Period
	// Lookahead defines how far ahead to create partitions.
	Lookahead time.Duration
	// CheckEvery is the interval between partition checks.
	CheckEvery time.Duration
	// LockName keys the advisory lock. Defaults to eventfeed:partitions:<table>.
	LockName string
	// Retention drops partitions whose upper bound is older than now-retention (0 disables dropping).
	Retention time.Duration
	Clock     eventfeed.Clock
	Logger    eventfeed.Logger
}

// PartitionMaintainer keeps range partitions ahead of time and drops expired ones.
type PartitionMaintainer struct {
	db  TxBeginner
	cfg PartitionMaintainerConfig
}

// NewPartitionMaintainer creates a new maintainer with defaults applied.
func NewPartitionMaintainer(db TxBeginner, cfg PartitionMaintainerConfig) (*PartitionMaintainer, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	table, err := sanitizeTableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	cfg.Table = table
	if !cfg.Period.Valid() {
		return nil, ErrPartitionPeriodRequired
	}
	if cfg.Retention < 0 {
		return nil, ErrPartitionRetentionInvalid
	}
	if cfg.Clock == nil {
		cfg.Clock = eventfeed.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = eventfeed.NopLogger{}
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultPartitionCheckEvery
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = cfg.Period.DefaultLookahead()
	}
	if cfg.LockName == "" {
		cfg.LockName = defaultPartitionLockPrefix + cfg.Table
	}

	return &PartitionMaintainer{db: db, cfg: cfg}, nil
}

// Run periodically ensures partitions until the context is canceled.
func (m *PartitionMaintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()

	if err := m.Ensure(ctx); err != nil {
		m.cfg.Logger.Warn("eventfeed partitions ensure failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Ensure(ctx); err != nil {
				m.cfg.Logger.Warn("eventfeed partitions ensure failed", "err", err)
			}
		}
	}
}

// Ensure creates missing partitions and drops expired ones in one transaction. Another
// session holding the advisory lock makes it a no-op.
func (m *PartitionMaintainer) Ensure(ctx context.Context) (err error) {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("eventfeed postgres: partition begin failed: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var locked bool
	if err = tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))", m.cfg.LockName).Scan(&locked); err != nil {
		return fmt.Errorf("eventfeed postgres: acquire lock failed: %w", err)
	}
	if !locked {
		m.cfg.Logger.Debug("eventfeed partitions lock held by another session")

		return tx.Rollback(ctx)
	}

	existing, err := m.listPartitions(ctx, tx)
	if err != nil {
		return err
	}

	change, err := m.plan(existing)
	if err != nil {
		return err
	}
	for _, r := range change.Add {
		m.cfg.Logger.Info("eventfeed partitions create", "table", m.cfg.Table, "partition", r.Suffix)
		if _, err = tx.Exec(ctx, createPartitionStatement(m.cfg.Table, r)); err != nil {
			return fmt.Errorf("eventfeed postgres: create partition %s failed: %w", r.Suffix, err)
		}
	}
	for _, suffix := range change.Drop {
		m.cfg.Logger.Info("eventfeed partitions drop", "table", m.cfg.Table, "partition", suffix)
		// #nosec G201 -- table and partition names are sanitized.
		if _, err = tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", childTable(m.cfg.Table, suffix))); err != nil {
			return fmt.Errorf("eventfeed postgres: drop partition %s failed: %w", suffix, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("eventfeed postgres: partition commit failed: %w", err)
	}

	return nil
}

// listPartitions maps each range partition's suffix to its upper bound. The DEFAULT
// partition and foreign children are ignored.
func (m *PartitionMaintainer) listPartitions(ctx context.Context, tx pgx.Tx) (map[string]time.Time, error) {
	rows, err := tx.Query(ctx, `
SELECT c.relname
FROM pg_inherits i
JOIN pg_class c ON c.oid = i.inhrelid
WHERE i.inhparent = $1::regclass
`, m.cfg.Table)
	if err != nil {
		return nil, fmt.Errorf("eventfeed postgres: list partitions failed: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("eventfeed postgres: list partitions failed: %w", err)
	}

	_, bare := splitTable(m.cfg.Table)
	out := make(map[string]time.Time, len(names))
	for _, name := range names {
		if len(name) <= len(bare)+1 || name[:len(bare)+1] != bare+"_" {
			continue
		}
		suffix := name[len(bare)+1:]
		start, ok := m.cfg.Period.ParseSuffix(suffix)
		if !ok {
			continue
		}
		out[suffix] = m.cfg.Period.Next(start)
	}

	return out, nil
}

func (m *PartitionMaintainer) plan(existing map[string]time.Time) (partition.Change, error) {
	ranges := make([]partition.Existing, 0, len(existing))
	for suffix, to := range existing {
		ranges = append(ranges, partition.Existing{Name: suffix, To: to})
	}
	layout := partition.Layout{Period: m.cfg.Period, Lookahead: m.cfg.Lookahead, Retention: m.cfg.Retention}

	return layout.Plan(ranges, m.cfg.Clock.Now())
}
