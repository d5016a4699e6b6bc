package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/velmie/eventfeed"
)

const (
	defaultCleanupLimit      = 10000
	defaultCleanupEvery      = time.Hour
	defaultCleanupLockPrefix = "eventfeed:cleanup:"
)

// CleanupOptions defines one cleanup pass.
type CleanupOptions struct {
	// Before removes heads, and optionally events, whose ids are older than this timestamp (required).
	Before time.Time
	// Limit caps the number of rows deleted per table and call (0 uses the default).
	Limit int
	// Events also deletes expired events. Use it only for non-partitioned tables;
	// partitioned tables drop whole partitions through PartitionMaintainer.
	Events bool
}

// CleanupResult reports how many rows were removed.
type CleanupResult struct {
	Heads  int64
	Events int64
}

// CleanupMaintainerConfig controls periodic cleanup.
type CleanupMaintainerConfig struct {
	// Table is the events table name. Use schema.table for non-default schema.
	Table string
	// Retention removes rows older than now-retention (required).
	Retention time.Duration
	// CheckEvery is the interval between cleanup runs.
	CheckEvery time.Duration
	// Limit caps the number of rows deleted per table and run (0 uses the default).
	Limit int
	// Events also deletes expired events from a non-partitioned table.
	Events bool
	// LockName is the advisory lock name. Defaults to eventfeed:cleanup:<table>.
	LockName string
	// Clock overrides time source (useful for tests).
	Clock eventfeed.Clock
	// Logger receives warnings about cleanup failures.
	Logger eventfeed.Logger
}

// CleanupMaintainer runs periodic cleanup of recipient heads and, optionally, events.
type CleanupMaintainer struct {
	store *Store
	cfg   CleanupMaintainerConfig
}

// Cleanup removes heads whose last id is older than opts.Before. A recipient without a head
// starts from a zero last id on its next Append, which is safe once its newest event has aged
// out because fresh ids are generated from the current time.
func (s *Store) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	if opts.Before.IsZero() {
		return CleanupResult{}, ErrCleanupBeforeRequired
	}
	limit := opts.Limit
	if limit == 0 {
		limit = defaultCleanupLimit
	}
	if limit < 0 {
		return CleanupResult{}, ErrCleanupLimitInvalid
	}

	floor := eventfeed.MinIDAt(opts.Before)
	heads, err := s.deleteLimited(ctx, s.queries.deleteHeads, floor, limit)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("eventfeed mysql: cleanup heads failed: %w", err)
	}

	var events int64
	if opts.Events {
		events, err = s.deleteLimited(ctx, s.queries.deleteEvents, opts.Before.Unix(), limit)
		if err != nil {
			return CleanupResult{Heads: heads}, fmt.Errorf("eventfeed mysql: cleanup events failed: %w", err)
		}
	}

	return CleanupResult{Heads: heads, Events: events}, nil
}

func (s *Store) deleteLimited(ctx context.Context, query string, bound any, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, bound, limit)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// NewCleanupMaintainer creates a new cleanup maintainer with defaults applied.
func NewCleanupMaintainer(db *sql.DB, cfg CleanupMaintainerConfig) (*CleanupMaintainer, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if cfg.Retention <= 0 {
		return nil, ErrCleanupRetentionInvalid
	}
	if cfg.Clock == nil {
		cfg.Clock = eventfeed.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = eventfeed.NopLogger{}
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultCleanupEvery
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultCleanupLimit
	}
	if cfg.Limit < 0 {
		return nil, ErrCleanupLimitInvalid
	}

	store, err := NewStore(db, WithTable(cfg.Table), WithClock(cfg.Clock))
	if err != nil {
		return nil, err
	}
	cfg.Table = store.table
	if cfg.LockName == "" {
		cfg.LockName = defaultCleanupLockPrefix + cfg.Table
	}

	return &CleanupMaintainer{store: store, cfg: cfg}, nil
}

// Run periodically deletes expired rows until the context is canceled.
func (m *CleanupMaintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()

	if _, err := m.Ensure(ctx); err != nil {
		m.cfg.Logger.Warn("eventfeed cleanup failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Ensure(ctx); err != nil {
				m.cfg.Logger.Warn("eventfeed cleanup failed", "err", err)
			}
		}
	}
}

// Ensure executes a single cleanup pass under the advisory lock.
func (m *CleanupMaintainer) Ensure(ctx context.Context) (CleanupResult, error) {
	conn, err := m.store.db.Conn(ctx)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("eventfeed mysql: cleanup conn failed: %w", err)
	}
	defer conn.Close()

	locked, err := m.tryLock(ctx, conn)
	if err != nil {
		return CleanupResult{}, err
	}
	if !locked {
		m.cfg.Logger.Debug("eventfeed cleanup lock held by another session")

		return CleanupResult{}, nil
	}
	defer m.releaseLock(ctx, conn)

	res, err := m.store.Cleanup(ctx, CleanupOptions{
		Before: m.cfg.Clock.Now().Add(-m.cfg.Retention),
		Limit:  m.cfg.Limit,
		Events: m.cfg.Events,
	})
	if err != nil {
		return res, err
	}
	if res.Heads > 0 || res.Events > 0 {
		m.cfg.Logger.Info("eventfeed cleanup removed rows", "table", m.cfg.Table, "heads", res.Heads, "events", res.Events)
	}

	return res, nil
}

func (m *CleanupMaintainer) tryLock(ctx context.Context, conn *sql.Conn) (bool, error) {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", m.cfg.LockName).Scan(&got); err != nil {
		return false, fmt.Errorf("eventfeed mysql: acquire cleanup lock failed: %w", err)
	}
	if !got.Valid || got.Int64 == 0 {
		return false, nil
	}

	return true, nil
}

func (m *CleanupMaintainer) releaseLock(ctx context.Context, conn *sql.Conn) {
	var released sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", m.cfg.LockName).Scan(&released); err != nil {
		m.cfg.Logger.Warn("eventfeed cleanup release lock failed", "err", err)
	}
}
