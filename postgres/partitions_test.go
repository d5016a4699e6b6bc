package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/velmie/eventfeed"
	"github.com/velmie/eventfeed/internal/partition"
)

type nopBeginner struct{}

func (nopBeginner) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("not connected")
}

func TestPartitionMaintainerPlan(t *testing.T) {
	now := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	m, err := NewPartitionMaintainer(nopBeginner{}, PartitionMaintainerConfig{
		Table:     "eventfeed_events",
		Period:    partition.Month,
		Lookahead: 30 * 24 * time.Hour,
		Retention: 90 * 24 * time.Hour,
		Clock:     eventfeed.ClockFunc(func() time.Time { return now }),
	})
	if err != nil {
		t.Fatalf("maintainer: %v", err)
	}

	existing := map[string]time.Time{
		"p202502": time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		"p202503": time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		"p202506": time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
	}
	change, err := m.plan(existing)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	if len(change.Add) != 1 || change.Add[0].Suffix != "p202507" {
		t.Fatalf("unexpected additions %+v", change.Add)
	}
	if len(change.Drop) != 1 || change.Drop[0] != "p202502" {
		t.Fatalf("unexpected drops %v", change.Drop)
	}
}

func TestNewPartitionMaintainerValidation(t *testing.T) {
	if _, err := NewPartitionMaintainer(nil, PartitionMaintainerConfig{Table: "t", Period: partition.Day}); !errors.Is(err, ErrDBRequired) {
		t.Fatalf("expected ErrDBRequired, got %v", err)
	}
	if _, err := NewPartitionMaintainer(nopBeginner{}, PartitionMaintainerConfig{Table: "t"}); !errors.Is(err, ErrPartitionPeriodRequired) {
		t.Fatalf("expected ErrPartitionPeriodRequired, got %v", err)
	}
	if _, err := NewPartitionMaintainer(nopBeginner{}, PartitionMaintainerConfig{Table: "t", Period: partition.Day, Retention: -1}); !errors.Is(err, ErrPartitionRetentionInvalid) {
		t.Fatalf("expected ErrPartitionRetentionInvalid, got %v", err)
	}

	m, err := NewPartitionMaintainer(nopBeginner{}, PartitionMaintainerConfig{Table: "eventfeed_events", Period: partition.Day})
	if err != nil {
		t.Fatalf("maintainer: %v", err)
	}
	if m.cfg.Lookahead != 30*24*time.Hour || m.cfg.LockName != "eventfeed:partitions:eventfeed_events" {
		t.Fatalf("unexpected defaults %+v", m.cfg)
	}
	if err := m.Ensure(context.Background()); err == nil {
		t.Fatal("expected begin error")
	}
}

func TestNewListenerValidation(t *testing.T) {
	if _, err := NewListener(ListenerConfig{}); !errors.Is(err, ErrDSNRequired) {
		t.Fatalf("expected ErrDSNRequired, got %v", err)
	}
	l, err := NewListener(ListenerConfig{DSN: "postgres://localhost/eventfeed"})
	if err != nil {
		t.Fatalf("listener: %v", err)
	}
	if l.cfg.Channel != defaultTable {
		t.Fatalf("unexpected channel %s", l.cfg.Channel)
	}
}
