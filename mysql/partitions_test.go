package mysql

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/velmie/eventfeed/internal/partition"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

const listPartitionsPrefix = "SELECT PARTITION_NAME, PARTITION_DESCRIPTION"

func newPartitionMock(t *testing.T, now time.Time, retention time.Duration) (*PartitionMaintainer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	m, err := NewPartitionMaintainer(db, PartitionMaintainerConfig{
		Table:     "eventfeed_events",
		Period:    partition.Day,
		Lookahead: 24 * time.Hour,
		Retention: retention,
		Clock:     fixedClock{now: now},
	})
	if err != nil {
		t.Fatalf("maintainer: %v", err)
	}

	return m, mock
}

func expectLocked(mock sqlmock.Sqlmock, got int64) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT GET_LOCK(?, 0)")).
		WithArgs("eventfeed:partitions:eventfeed_events").
		WillReturnRows(sqlmock.NewRows([]string{"got"}).AddRow(got))
}

func expectLayout(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT DATABASE()")).
		WillReturnRows(sqlmock.NewRows([]string{"db"}).AddRow("app"))
	mock.ExpectQuery(regexp.QuoteMeta(listPartitionsPrefix)).
		WithArgs("app", "eventfeed_events").
		WillReturnRows(rows)
}

func expectRelease(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta("DO RELEASE_LOCK(?)")).
		WithArgs("eventfeed:partitions:eventfeed_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestEnsureSplitsMaxPartition(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	m, mock := newPartitionMock(t, now, 0)

	expectLocked(mock, 1)
	expectLayout(mock, sqlmock.NewRows([]string{"PARTITION_NAME", "PARTITION_DESCRIPTION"}).
		AddRow("p20250301", "1740873600").
		AddRow("pmax", "MAXVALUE"))
	mock.ExpectExec(regexp.QuoteMeta(
		"ALTER TABLE eventfeed_events REORGANIZE PARTITION pmax INTO (" +
			"PARTITION p20250302 VALUES LESS THAN (1740960000), " +
			"PARTITION pmax VALUES LESS THAN (MAXVALUE))",
	)).WillReturnResult(sqlmock.NewResult(0, 0))
	expectRelease(mock)

	if err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEnsureDropsExpiredPartitions(t *testing.T) {
	now := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	m, mock := newPartitionMock(t, now, 24*time.Hour)

	expectLocked(mock, 1)
	expectLayout(mock, sqlmock.NewRows([]string{"PARTITION_NAME", "PARTITION_DESCRIPTION"}).
		AddRow("p20250301", "1740873600").
		AddRow("p20250302", "1740960000").
		AddRow("p20250303", "1741046400").
		AddRow("p20250304", "1741132800").
		AddRow("pmax", "MAXVALUE"))
	mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE eventfeed_events DROP PARTITION p20250301")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	expectRelease(mock)

	if err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEnsureSkipsWhenLockHeld(t *testing.T) {
	m, mock := newPartitionMock(t, time.Now(), 0)
	expectLocked(mock, 0)

	if err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEnsureNameConflict(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	m, mock := newPartitionMock(t, now, 0)

	expectLocked(mock, 1)
	// p20250302 exists with a bound that belongs to another day.
	expectLayout(mock, sqlmock.NewRows([]string{"PARTITION_NAME", "PARTITION_DESCRIPTION"}).
		AddRow("p20250302", "1740873600").
		AddRow("pmax", "MAXVALUE"))
	expectRelease(mock)

	if err := m.Ensure(context.Background()); !errors.Is(err, ErrPartitionNameConflict) {
		t.Fatalf("expected ErrPartitionNameConflict, got %v", err)
	}
}

func TestEnsureRejectsUnpartitionedLayouts(t *testing.T) {
	tests := []struct {
		name string
		rows *sqlmock.Rows
		want error
	}{
		{
			name: "not partitioned",
			rows: sqlmock.NewRows([]string{"PARTITION_NAME", "PARTITION_DESCRIPTION"}),
			want: ErrPartitionedTableRequired,
		},
		{
			name: "no maxvalue",
			rows: sqlmock.NewRows([]string{"PARTITION_NAME", "PARTITION_DESCRIPTION"}).AddRow("p20250301", "1740873600"),
			want: ErrPartitionMaxRequired,
		},
		{
			name: "bad description",
			rows: sqlmock.NewRows([]string{"PARTITION_NAME", "PARTITION_DESCRIPTION"}).AddRow("p1", "'2025-03-01'"),
			want: ErrPartitionDescriptionInvalid,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m, mock := newPartitionMock(t, time.Now(), 0)
			expectLocked(mock, 1)
			expectLayout(mock, test.rows)
			expectRelease(mock)

			if err := m.Ensure(context.Background()); !errors.Is(err, test.want) {
				t.Fatalf("expected %v, got %v", test.want, err)
			}
		})
	}
}

func TestInitialPartitionsEndWithMax(t *testing.T) {
	now := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	parts := InitialPartitions(partition.Month, now, 30*24*time.Hour)
	if len(parts) != 3 {
		t.Fatalf("expected 3 partitions, got %d", len(parts))
	}
	if parts[0].Name != "p202503" {
		t.Fatalf("unexpected first partition %s", parts[0].Name)
	}
	if parts[0].LessThan != "1743465600" {
		t.Fatalf("unexpected upper bound %s", parts[0].LessThan)
	}
	if parts[2] != MaxPartition() {
		t.Fatalf("expected MAXVALUE partition last, got %+v", parts[2])
	}
}

func TestNewPartitionMaintainerDefaults(t *testing.T) {
	maintainer, err := NewPartitionMaintainer(&sql.DB{}, PartitionMaintainerConfig{
		Table:  "eventfeed_events",
		Period: partition.Month,
	})
	if err != nil {
		t.Fatalf("expected maintainer, got %v", err)
	}
	if maintainer.cfg.Lookahead != 90*24*time.Hour {
		t.Fatalf("unexpected lookahead %s", maintainer.cfg.Lookahead)
	}
	if maintainer.cfg.LockName != "eventfeed:partitions:eventfeed_events" {
		t.Fatalf("unexpected lock name %s", maintainer.cfg.LockName)
	}
	if !maintainer.layout.AppendOnly {
		t.Fatal("mysql layouts must be append only")
	}

	if _, err := NewPartitionMaintainer(&sql.DB{}, PartitionMaintainerConfig{Table: "eventfeed_events"}); !errors.Is(err, ErrPartitionPeriodRequired) {
		t.Fatalf("expected ErrPartitionPeriodRequired, got %v", err)
	}
}
