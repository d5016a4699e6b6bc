package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/velmie/eventfeed"
)

func request(recipientID string) eventfeed.AppendRequest {
	return eventfeed.AppendRequest{
		RecipientID:   recipientID,
		EventType:     "job.progress",
		SchemaVersion: 1,
		Payload:       json.RawMessage(`{"pct":1}`),
	}
}

func TestAppendVisibleOnlyAfterCommit(t *testing.T) {
	s := New()
	ctx := context.Background()

	tx := s.Begin()
	id, err := s.Append(ctx, tx, request("u1"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if s.Len() != 0 {
		t.Fatal("uncommitted event visible")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	events, err := s.ReplaySince(ctx, "u1", eventfeed.ID{}, 10)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(events) != 1 || events[0].ID != id {
		t.Fatalf("unexpected events %+v", events)
	}
	if !events[0].OccurredAt.Equal(id.Time()) {
		t.Fatalf("occurred_at %s does not match id time %s", events[0].OccurredAt, id.Time())
	}
}

func TestTxFinishedTwice(t *testing.T) {
	s := New()
	tx := s.Begin()
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := tx.Commit(); !errors.Is(err, ErrTxDone) {
		t.Fatalf("expected ErrTxDone, got %v", err)
	}
	if _, err := s.Append(context.Background(), tx, request("u1")); !errors.Is(err, ErrTxDone) {
		t.Fatalf("expected ErrTxDone, got %v", err)
	}
}

func TestAppendRejectsMissingOrForeignTx(t *testing.T) {
	s := New()
	if _, err := s.Append(context.Background(), nil, request("u1")); !errors.Is(err, ErrTxRequired) {
		t.Fatalf("expected ErrTxRequired, got %v", err)
	}
	if _, err := s.Append(context.Background(), New().Begin(), request("u1")); !errors.Is(err, ErrForeignTx) {
		t.Fatalf("expected ErrForeignTx, got %v", err)
	}
}

func TestAppendValidates(t *testing.T) {
	s := New()
	req := request("u1")
	req.Payload = json.RawMessage(`{broken`)
	tx := s.Begin()
	defer tx.Rollback()

	if _, err := s.Append(context.Background(), tx, req); !errors.Is(err, eventfeed.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}

	lenient := New(WithValidateJSON(false))
	ltx := lenient.Begin()
	defer ltx.Rollback()
	if _, err := lenient.Append(context.Background(), ltx, req); err != nil {
		t.Fatalf("expected lenient store to accept payload, got %v", err)
	}
}

type stuckGenerator struct {
	id eventfeed.ID
}

func (g stuckGenerator) New() (eventfeed.ID, error) { return g.id, nil }

func TestAppendBumpsPastRecipientLast(t *testing.T) {
	fixed := eventfeed.MinIDAt(time.Now())
	s := New(WithGenerator(stuckGenerator{id: fixed}))
	ctx := context.Background()

	tx := s.Begin()
	first, err := s.Append(ctx, tx, request("u1"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := s.Append(ctx, tx, request("u1"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx = s.Begin()
	third, err := s.Append(ctx, tx, request("u1"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if second.Compare(first) <= 0 || third.Compare(second) <= 0 {
		t.Fatalf("ids not increasing: %s %s %s", first, second, third)
	}
}

func TestOrderingLockSerializesRecipient(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := s.Begin()
	if _, err := s.Append(ctx, first, request("u1")); err != nil {
		t.Fatalf("append: %v", err)
	}

	appended := make(chan eventfeed.ID, 1)
	go func() {
		tx := s.Begin()
		id, err := s.Append(ctx, tx, request("u1"))
		if err != nil {
			t.Errorf("append: %v", err)
		}
		_ = tx.Commit()
		appended <- id
	}()

	select {
	case <-appended:
		t.Fatal("second producer appended while the first held the recipient lock")
	case <-time.After(30 * time.Millisecond):
	}

	other := s.Begin()
	if _, err := s.Append(ctx, other, request("u2")); err != nil {
		t.Fatalf("append for another recipient blocked: %v", err)
	}
	_ = other.Commit()

	if err := first.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	select {
	case <-appended:
	case <-time.After(time.Second):
		t.Fatal("second producer never proceeded")
	}
}

func TestReplayAndTailPaging(t *testing.T) {
	s := New()
	ctx := context.Background()

	var ids []eventfeed.ID
	for i := 0; i < 5; i++ {
		tx := s.Begin()
		recipientID := "u1"
		if i%2 == 1 {
			recipientID = "u2"
		}
		id, err := s.Append(ctx, tx, request(recipientID))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		_ = tx.Commit()
		ids = append(ids, id)
	}

	replay, err := s.ReplaySince(ctx, "u1", ids[0], 1)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replay) != 1 || replay[0].ID != ids[2] {
		t.Fatalf("unexpected replay page %+v", replay)
	}

	tail, err := s.TailAfter(ctx, ids[1], 2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 2 || tail[0].ID != ids[2] || tail[1].ID != ids[3] {
		t.Fatalf("unexpected tail page %+v", tail)
	}
}

func TestWakeAfterCommit(t *testing.T) {
	s := New()
	tx := s.Begin()
	if _, err := s.Append(context.Background(), tx, request("u1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	select {
	case <-s.Wake():
		t.Fatal("wake before commit")
	default:
	}
	_ = tx.Commit()

	select {
	case <-s.Wake():
	default:
		t.Fatal("expected wake after commit")
	}
}

func TestSweepAndMarkDelivered(t *testing.T) {
	clock := eventfeed.ClockFunc(func() time.Time { return time.Now().Add(-48 * time.Hour) })
	s := New(WithClock(clock))
	ctx := context.Background()

	tx := s.Begin()
	old, _ := s.Append(ctx, tx, request("u1"))
	_ = tx.Commit()

	s.clock = eventfeed.SystemClock{}
	s.gen = eventfeed.NewUUIDv7Generator(s.clock)
	tx = s.Begin()
	recent, _ := s.Append(ctx, tx, request("u1"))
	_ = tx.Commit()

	if err := s.MarkDelivered(ctx, "u1", old); err != nil {
		t.Fatalf("mark: %v", err)
	}
	events, _ := s.ReplaySince(ctx, "u1", eventfeed.ID{}, 10)
	if events[0].DeliveredAt == nil || events[1].DeliveredAt != nil {
		t.Fatal("mark delivered did not stop at the given id")
	}

	if n := s.Sweep(time.Now().Add(-24 * time.Hour)); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	events, _ = s.ReplaySince(ctx, "u1", eventfeed.ID{}, 10)
	if len(events) != 1 || events[0].ID != recent {
		t.Fatalf("unexpected events after sweep %+v", events)
	}
}

func TestTailCarriesRecipientPredecessor(t *testing.T) {
	s := New()
	ctx := context.Background()

	var ids []eventfeed.ID
	for _, recipientID := range []string{"u1", "u2", "u1", "u1"} {
		tx := s.Begin()
		id, err := s.Append(ctx, tx, request(recipientID))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		_ = tx.Commit()
		ids = append(ids, id)
	}

	tail, err := s.TailAfter(ctx, eventfeed.ID{}, 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	want := []eventfeed.ID{{}, {}, ids[0], ids[2]}
	for i, e := range tail {
		if e.PrevID != want[i] {
			t.Fatalf("event %d prev = %s, want %s", i, e.PrevID, want[i])
		}
	}

	replay, _ := s.ReplaySince(ctx, "u1", eventfeed.ID{}, 10)
	if len(replay) != 3 || !replay[1].PrevID.IsZero() {
		t.Fatalf("replay should list u1 only without predecessors: %+v", replay)
	}

	head, err := s.LastID(ctx, "u1")
	if err != nil || head != ids[3] {
		t.Fatalf("last id = %s, %v; want %s", head, err, ids[3])
	}
	if head, _ := s.LastID(ctx, "nobody"); !head.IsZero() {
		t.Fatalf("unknown recipient head = %s", head)
	}
}

func TestOrderingLocksAreReleased(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tx := s.Begin()
		if _, err := s.Append(ctx, tx, request("u1")); err != nil {
			t.Fatalf("append: %v", err)
		}
		if _, err := s.Append(ctx, tx, request("u2")); err != nil {
			t.Fatalf("append: %v", err)
		}
		if i%2 == 0 {
			_ = tx.Commit()
		} else {
			_ = tx.Rollback()
		}
	}

	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if len(s.locks) != 0 {
		t.Fatalf("expected no ordering locks left, got %d", len(s.locks))
	}
}

func TestRunSweeperAppliesRetention(t *testing.T) {
	old := time.Now().Add(-2 * time.Hour)
	s := New(WithClock(eventfeed.ClockFunc(func() time.Time { return old })))
	ctx := context.Background()

	tx := s.Begin()
	if _, err := s.Append(ctx, tx, request("u1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = tx.Commit()
	s.clock = eventfeed.SystemClock{}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- s.RunSweeper(runCtx, time.Hour, 5*time.Millisecond, nil)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not remove the expired event")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("sweeper: %v", err)
	}

	if events, _ := s.ReplaySince(ctx, "u1", eventfeed.ID{}, 10); len(events) != 0 {
		t.Fatalf("expected no u1 events after sweep, got %d", len(events))
	}
}
