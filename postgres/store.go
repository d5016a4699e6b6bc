package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/velmie/eventfeed"
)

// Executor runs Append inside the caller's transaction. pgx.Tx satisfies it.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is the read side used by replay and tailing. *pgxpool.Pool and *pgx.Conn satisfy it.
type DB interface {
	Executor
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store implements the event store on PostgreSQL.
type Store struct {
	db      DB
	cfg     Config
	queries queries
	table   string
	channel string
}

var (
	_ eventfeed.ReplaySource   = (*Store)(nil)
	_ eventfeed.HeadSource     = (*Store)(nil)
	_ eventfeed.TailSource     = (*Store)(nil)
	_ eventfeed.DeliveryMarker = (*Store)(nil)
)

// NewStore constructs a PostgreSQL store with validated configuration.
func NewStore(db DB, opts ...Option) (*Store, error) {
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
	channel := cfg.Channel
	if channel == "" {
		_, channel = splitTable(table)
	}

	return &Store{
		db:      db,
		cfg:     cfg,
		queries: newQueries(table),
		table:   table,
		channel: channel,
	}, nil
}

// MustNewStore constructs a PostgreSQL store or panics on error.
func MustNewStore(db DB, opts ...Option) *Store {
	store, err := NewStore(db, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

// Channel returns the NOTIFY channel Append signals on.
func (s *Store) Channel() string {
	return s.channel
}

// Table returns the sanitized events table name.
func (s *Store) Table() string {
	return s.table
}

// Append inserts an event inside tx. The advisory lock is released when tx ends, so concurrent
// producers of one recipient commit in id order. NOTIFY is queued in the same transaction and
// only delivered if it commits.
func (s *Store) Append(ctx context.Context, tx Executor, req eventfeed.AppendRequest) (eventfeed.ID, error) {
	if tx == nil {
		return eventfeed.ID{}, ErrExecutorRequired
	}
	if err := eventfeed.ValidateAppend(req, s.cfg.ValidateJSON); err != nil {
		return eventfeed.ID{}, err
	}

	if _, err := tx.Exec(ctx, s.queries.lock, req.RecipientID); err != nil {
		return eventfeed.ID{}, fmt.Errorf("eventfeed postgres: recipient lock failed: %w", err)
	}

	var last pgtype.UUID
	err := tx.QueryRow(ctx, s.queries.last, req.RecipientID).Scan(&last)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return eventfeed.ID{}, fmt.Errorf("eventfeed postgres: read last id failed: %w", err)
	}

	candidate, err := s.cfg.Generator.New()
	if err != nil {
		return eventfeed.ID{}, fmt.Errorf("eventfeed postgres: generate id failed: %w", err)
	}
	id := eventfeed.NextID(candidate, fromUUID(last))

	if _, err := tx.Exec(
		ctx,
		s.queries.insert,
		toUUID(id),
		req.RecipientID,
		req.EventType,
		req.SchemaVersion,
		[]byte(req.Payload),
		id.Time(),
	); err != nil {
		return eventfeed.ID{}, fmt.Errorf("eventfeed postgres: insert failed: %w", err)
	}

	if !s.cfg.DisableNotify {
		if _, err := tx.Exec(ctx, s.queries.notify, s.channel, req.RecipientID); err != nil {
			return eventfeed.ID{}, fmt.Errorf("eventfeed postgres: notify failed: %w", err)
		}
	}

	return id, nil
}

// ReplaySince implements eventfeed.ReplaySource.
func (s *Store) ReplaySince(ctx context.Context, recipientID string, since eventfeed.ID, limit int) ([]eventfeed.Event, error) {
	rows, err := s.db.Query(ctx, s.queries.replay, recipientID, toUUID(since), since.Time(), limit)
	if err != nil {
		return nil, unavailable("replay query failed", err)
	}

	return collectEvents(rows, limit, false)
}

// TailAfter implements eventfeed.TailSource.
func (s *Store) TailAfter(ctx context.Context, after eventfeed.ID, limit int) ([]eventfeed.Event, error) {
	rows, err := s.db.Query(ctx, s.queries.tail, toUUID(after), after.Time(), limit)
	if err != nil {
		return nil, unavailable("tail query failed", err)
	}

	return collectEvents(rows, limit, true)
}

// LastID implements eventfeed.HeadSource.
func (s *Store) LastID(ctx context.Context, recipientID string) (eventfeed.ID, error) {
	var id pgtype.UUID
	err := s.db.QueryRow(ctx, s.queries.last, recipientID).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return eventfeed.ID{}, nil
	case err != nil:
		return eventfeed.ID{}, unavailable("last id query failed", err)
	}

	return fromUUID(id), nil
}

// MarkDelivered implements eventfeed.DeliveryMarker.
func (s *Store) MarkDelivered(ctx context.Context, recipientID string, upTo eventfeed.ID) error {
	if _, err := s.db.Exec(ctx, s.queries.markDelivered, s.cfg.Clock.Now().UTC(), recipientID, toUUID(upTo)); err != nil {
		return unavailable("mark delivered failed", err)
	}

	return nil
}

func collectEvents(rows pgx.Rows, limit int, withPrev bool) ([]eventfeed.Event, error) {
	defer rows.Close()

	events := make([]eventfeed.Event, 0, limit)
	for rows.Next() {
		var (
			e           eventfeed.Event
			id          pgtype.UUID
			payload     []byte
			occurredAt  time.Time
			deliveredAt pgtype.Timestamptz
		)
		dest := []any{&id, &e.RecipientID, &e.EventType, &e.SchemaVersion, &payload, &occurredAt, &deliveredAt}
		var prev pgtype.UUID
		if withPrev {
			dest = append(dest, &prev)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, unavailable("scan failed", err)
		}
		e.ID = fromUUID(id)
		e.PrevID = fromUUID(prev)
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
	return fmt.Errorf("%w: eventfeed postgres: %s: %w", eventfeed.ErrStoreUnavailable, op, err)
}

func toUUID(id eventfeed.ID) pgtype.UUID {
	return pgtype.UUID{Bytes: [16]byte(id), Valid: true}
}

func fromUUID(u pgtype.UUID) eventfeed.ID {
	if !u.Valid {
		return eventfeed.ID{}
	}

	return eventfeed.ID(u.Bytes)
}

// IsRetryable reports whether an Append transaction failed for a reason that a retry of the
// whole transaction can fix: serialization failures, deadlocks and lock timeouts.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return pgconn.SafeToRetry(err)
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03", "57014":
		return true
	default:
		return false
	}
}
