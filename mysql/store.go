package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/velmie/eventfeed"
)

const (
	errLockWaitTimeout   = 1205
	errDeadlock          = 1213
	errTooManyConns      = 1040
	errServerShutdown    = 1053
	errQueryInterrupted  = 1317
	errReadOnlyExecution = 1290
)

// Executor runs Append inside the caller's transaction. *sql.Tx satisfies it.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements the event store on MySQL.
type Store struct {
	db      *sql.DB
	cfg     Config
	queries queries
	table   string
	heads   string
}

var (
	_ eventfeed.ReplaySource   = (*Store)(nil)
	_ eventfeed.TailSource     = (*Store)(nil)
	_ eventfeed.DeliveryMarker = (*Store)(nil)
)

// NewStore constructs a MySQL store with validated configuration.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	table, err := sanitizeTableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	heads := headsTableName(table)

	return &Store{
		db:      db,
		cfg:     cfg,
		queries: newQueries(table, heads),
		table:   table,
		heads:   heads,
	}, nil
}

// MustNewStore constructs a MySQL store or panics on error.
func MustNewStore(db *sql.DB, opts ...Option) *Store {
	store, err := NewStore(db, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

// Table returns the sanitized events table name.
func (s *Store) Table() string {
	return s.table
}

// Append inserts an event using exec, which should be the caller's transaction. The
// recipient's head row stays locked until that transaction ends, so concurrent producers
// of one recipient commit in id order. Errors leave the transaction for the caller to roll back.
func (s *Store) Append(ctx context.Context, exec Executor, req eventfeed.AppendRequest) (eventfeed.ID, error) {
	if exec == nil {
		return eventfeed.ID{}, ErrExecutorRequired
	}
	if err := eventfeed.ValidateAppend(req, s.cfg.ValidateJSON); err != nil {
		return eventfeed.ID{}, err
	}

	if _, err := exec.ExecContext(ctx, s.queries.ensureHead, req.RecipientID, eventfeed.ID{}); err != nil {
		return eventfeed.ID{}, fmt.Errorf("eventfeed mysql: ensure head failed: %w", err)
	}
	var last eventfeed.ID
	if err := exec.QueryRowContext(ctx, s.queries.lockHead, req.RecipientID).Scan(&last); err != nil {
		return eventfeed.ID{}, fmt.Errorf("eventfeed mysql: lock head failed: %w", err)
	}

	candidate, err := s.cfg.Generator.New()
	if err != nil {
		return eventfeed.ID{}, fmt.Errorf("eventfeed mysql: generate id failed: %w", err)
	}
	id := eventfeed.NextID(candidate, last)

	if _, err := exec.ExecContext(
		ctx,
		s.queries.insert,
		id,
		req.RecipientID,
		req.EventType,
		req.SchemaVersion,
		[]byte(req.Payload),
		id.Time(),
	); err != nil {
		return eventfeed.ID{}, fmt.Errorf("eventfeed mysql: insert failed: %w", err)
	}
	if _, err := exec.ExecContext(ctx, s.queries.updateHead, id, req.RecipientID); err != nil {
		return eventfeed.ID{}, fmt.Errorf("eventfeed mysql: update head failed: %w", err)
	}

	return id, nil
}

// ReplaySince implements eventfeed.ReplaySource.
func (s *Store) ReplaySince(ctx context.Context, recipientID string, since eventfeed.ID, limit int) ([]eventfeed.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.queries.replay, recipientID, since, createdTS(since), limit)
	if err != nil {
		return nil, unavailable("replay query failed", err)
	}

	return scanEvents(rows, limit, false)
}

// TailAfter implements eventfeed.TailSource.
func (s *Store) TailAfter(ctx context.Context, after eventfeed.ID, limit int) ([]eventfeed.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.queries.tail, after, createdTS(after), limit)
	if err != nil {
		return nil, unavailable("tail query failed", err)
	}

	return scanEvents(rows, limit, true)
}

// LastID implements eventfeed.HeadSource.
func (s *Store) LastID(ctx context.Context, recipientID string) (eventfeed.ID, error) {
	var id eventfeed.ID
	err := s.db.QueryRowContext(ctx, s.queries.lastID, recipientID).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return eventfeed.ID{}, nil
	case err != nil:
		return eventfeed.ID{}, unavailable("last id query failed", err)
	}

	return id, nil
}

// MarkDelivered implements eventfeed.DeliveryMarker. It only sets delivered_at where it is
// still NULL, so the first delivery time wins.
func (s *Store) MarkDelivered(ctx context.Context, recipientID string, upTo eventfeed.ID) error {
	if _, err := s.db.ExecContext(ctx, s.queries.markDelivered, s.cfg.Clock.Now().UTC(), recipientID, upTo); err != nil {
		return unavailable("mark delivered failed", err)
	}

	return nil
}

func scanEvents(rows *sql.Rows, limit int, withPrev bool) ([]eventfeed.Event, error) {
	defer rows.Close()

	events := make([]eventfeed.Event, 0, limit)
	for rows.Next() {
		var (
			e           eventfeed.Event
			payload     []byte
			occurredAt  time.Time
			deliveredAt sql.NullTime
		)
		dest := []any{&e.ID, &e.RecipientID, &e.EventType, &e.SchemaVersion, &payload, &occurredAt, &deliveredAt}
		var prev []byte
		if withPrev {
			dest = append(dest, &prev)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, unavailable("scan failed", err)
		}
		if prev != nil {
			if err := e.PrevID.Scan(prev); err != nil {
				return nil, unavailable("scan failed", err)
			}
		}
		e.Payload = json.RawMessage(payload)
		e.OccurredAt = occurredAt.UTC()
		if deliveredAt.Valid {
			at := deliveredAt.Time.UTC()
			e.DeliveredAt = &at
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("rows failed", err)
	}

	return events, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: eventfeed mysql: %s: %w", eventfeed.ErrStoreUnavailable, op, err)
}

// createdTS is the partition key lower bound for ids after id.
func createdTS(id eventfeed.ID) int64 {
	return id.Time().Unix()
}

// IsRetryable reports whether an Append transaction failed for a reason that a retry of the
// whole transaction can fix: lock wait timeouts, deadlocks and dropped connections.
func IsRetryable(err error) bool {
	if errors.Is(err, mysqldriver.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var myErr *mysqldriver.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	switch myErr.Number {
	case errLockWaitTimeout, errDeadlock, errTooManyConns, errServerShutdown, errQueryInterrupted, errReadOnlyExecution:
		return true
	default:
		return false
	}
}

// NormalizeDSN parses dsn and forces the settings the store relies on: parseTime so
// DATETIME columns scan into time.Time, and UTC as the session location.
func NormalizeDSN(dsn string) (string, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("eventfeed mysql: parse dsn failed: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	return cfg.FormatDSN(), nil
}
