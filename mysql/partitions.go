package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/velmie/eventfeed"
	"github.com/velmie/eventfeed/internal/partition"
)

const (
	defaultPartitionCheckEvery = time.Hour
	defaultPartitionLockPrefix = "eventfeed:partitions:"
	qualifiedTableParts        = 2
	maxValue                   = "MAXVALUE"
)

// PartitionMaintainerConfig controls partition creation and cleanup.
type PartitionMaintainerConfig struct {
	// Table is the events table. Use schema.table for non-default schema.
	Table  string
	Period partition.Period
	// Lookahead is how far past now partitions must exist. Zero uses the period default.
	Lookahead  time.Duration
	CheckEvery time.Duration
	// LockName is the GET_LOCK name. Defaults to eventfeed:partitions:<table>.
	LockName string
	// Retention drops partitions whose upper bound is older than now-Retention; zero keeps
	// them. Keep it at least as long as the replay retention.
	Retention time.Duration
	Clock     eventfeed.Clock
	Logger    eventfeed.Logger
}

// PartitionMaintainer splits the MAXVALUE partition ahead of time and drops expired ranges.
// Only one session maintains a table at a time.
type PartitionMaintainer struct {
	db     *sql.DB
	cfg    PartitionMaintainerConfig
	layout partition.Layout
}

// NewPartitionMaintainer validates cfg and applies defaults.
func NewPartitionMaintainer(db *sql.DB, cfg PartitionMaintainerConfig) (*PartitionMaintainer, error) {
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

	return &PartitionMaintainer{
		db:  db,
		cfg: cfg,
		layout: partition.Layout{
			Period:     cfg.Period,
			Lookahead:  cfg.Lookahead,
			Retention:  cfg.Retention,
			AppendOnly: true,
		},
	}, nil
}

// Run calls Ensure now and then every CheckEvery until ctx is canceled. Failures are logged
// and retried on the next tick.
func (m *PartitionMaintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()

	for {
		if err := m.Ensure(ctx); err != nil && ctx.Err() == nil {
			m.cfg.Logger.Warn("eventfeed partitions ensure failed", "table", m.cfg.Table, "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Ensure brings the table up to its layout. It returns nil without changes when another
// session holds the maintenance lock.
func (m *PartitionMaintainer) Ensure(ctx context.Context) error {
	// GET_LOCK is session scoped, so every statement must run on one connection.
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("eventfeed mysql: partition conn failed: %w", err)
	}
	defer conn.Close()

	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", m.cfg.LockName).Scan(&got); err != nil {
		return fmt.Errorf("eventfeed mysql: acquire lock failed: %w", err)
	}
	if got.Int64 != 1 {
		m.cfg.Logger.Debug("eventfeed partitions lock held by another session", "lock", m.cfg.LockName)

		return nil
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), "DO RELEASE_LOCK(?)", m.cfg.LockName); err != nil {
			m.cfg.Logger.Warn("eventfeed partitions release lock failed", "lock", m.cfg.LockName, "err", err)
		}
	}()

	return m.apply(ctx, conn)
}

func (m *PartitionMaintainer) apply(ctx context.Context, conn *sql.Conn) error {
	current, err := m.describe(ctx, conn)
	if err != nil {
		return err
	}

	change, err := m.layout.Plan(current.ranges, m.cfg.Clock.Now())
	if errors.Is(err, partition.ErrNameConflict) {
		return fmt.Errorf("%w: %w", ErrPartitionNameConflict, err)
	}
	if err != nil || change.Empty() {
		return err
	}

	if len(change.Add) > 0 {
		m.cfg.Logger.Info("eventfeed partitions reorganize",
			"table", m.cfg.Table, "pmax", current.maxName, "add", change.AddNames())
		if _, err := conn.ExecContext(ctx, splitMaxStatement(m.cfg.Table, current.maxName, change.Add)); err != nil {
			return fmt.Errorf("eventfeed mysql: reorganize partition failed: %w", err)
		}
	}
	if len(change.Drop) > 0 {
		m.cfg.Logger.Info("eventfeed partitions drop", "table", m.cfg.Table, "partitions", change.Drop)
		// #nosec G201 -- table and partition names are sanitized.
		stmt := fmt.Sprintf("ALTER TABLE %s DROP PARTITION %s", m.cfg.Table, strings.Join(change.Drop, ", "))
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("eventfeed mysql: drop partitions failed: %w", err)
		}
	}

	return nil
}

// layoutState is the partitioning of a table as information_schema reports it.
type layoutState struct {
	maxName string
	ranges  []partition.Existing
}

func (m *PartitionMaintainer) describe(ctx context.Context, conn *sql.Conn) (layoutState, error) {
	schema, table, err := splitSchema(ctx, conn, m.cfg.Table)
	if err != nil {
		return layoutState{}, err
	}

	rows, err := conn.QueryContext(ctx, `
SELECT PARTITION_NAME, PARTITION_DESCRIPTION
FROM information_schema.PARTITIONS
WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND PARTITION_NAME IS NOT NULL
ORDER BY PARTITION_ORDINAL_POSITION
`, schema, table)
	if err != nil {
		return layoutState{}, fmt.Errorf("eventfeed mysql: list partitions failed: %w", err)
	}
	defer rows.Close()

	var state layoutState
	for rows.Next() {
		var name, desc sql.NullString
		if err := rows.Scan(&name, &desc); err != nil {
			return layoutState{}, fmt.Errorf("eventfeed mysql: scan partitions failed: %w", err)
		}
		if name.String == "" {
			continue
		}
		if err := state.add(name.String, desc.String); err != nil {
			return layoutState{}, err
		}
	}
	if err := rows.Err(); err != nil {
		return layoutState{}, fmt.Errorf("eventfeed mysql: list partitions failed: %w", err)
	}

	switch {
	case state.maxName == "" && len(state.ranges) == 0:
		return layoutState{}, ErrPartitionedTableRequired
	case state.maxName == "":
		return layoutState{}, ErrPartitionMaxRequired
	}

	return state, nil
}

// add records one partition from its VALUES LESS THAN description, a unix second bound or
// MAXVALUE.
func (s *layoutState) add(name, desc string) error {
	if strings.EqualFold(desc, maxValue) {
		if s.maxName != "" {
			return ErrPartitionMaxRequired
		}
		s.maxName = name

		return nil
	}

	upper, err := strconv.ParseInt(desc, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrPartitionDescriptionInvalid, desc)
	}
	s.ranges = append(s.ranges, partition.Existing{Name: name, To: time.Unix(upper, 0).UTC()})

	return nil
}

// splitSchema returns the schema and bare table name, asking the session for its current
// database when the table is unqualified.
func splitSchema(ctx context.Context, conn *sql.Conn, table string) (schema, name string, err error) {
	parts := strings.Split(table, ".")
	switch len(parts) {
	case 1:
	case qualifiedTableParts:
		return parts[0], parts[1], nil
	default:
		return "", "", ErrInvalidTableName
	}

	var current sql.NullString
	if err := conn.QueryRowContext(ctx, "SELECT DATABASE()").Scan(&current); err != nil {
		return "", "", fmt.Errorf("eventfeed mysql: resolve schema failed: %w", err)
	}
	if current.String == "" {
		return "", "", ErrPartitionSchemaRequired
	}

	return current.String, table, nil
}

// splitMaxStatement carves the ranges out of the MAXVALUE partition, which stays last.
func splitMaxStatement(table, maxName string, add []partition.Range) string {
	defs := make([]string, 0, len(add)+1)
	for _, r := range add {
		defs = append(defs, fmt.Sprintf("PARTITION %s VALUES LESS THAN (%d)", r.Suffix, r.To.Unix()))
	}
	defs = append(defs, fmt.Sprintf("PARTITION %s VALUES LESS THAN (%s)", maxName, maxValue))

	// #nosec G201 -- table and partition names are sanitized.
	return fmt.Sprintf("ALTER TABLE %s REORGANIZE PARTITION %s INTO (%s)", table, maxName, strings.Join(defs, ", "))
}

// InitialPartitions returns the partitions for a new table: one per period from the period
// containing now through the lookahead, followed by the MAXVALUE partition.
func InitialPartitions(period partition.Period, now time.Time, lookahead time.Duration) []Partition {
	if lookahead <= 0 {
		lookahead = period.DefaultLookahead()
	}
	ranges := partition.Ahead(period, now, lookahead)
	out := make([]Partition, 0, len(ranges)+1)
	for _, r := range ranges {
		out = append(out, Partition{Name: r.Suffix, LessThan: strconv.FormatInt(r.To.Unix(), 10)})
	}

	return append(out, MaxPartition())
}
