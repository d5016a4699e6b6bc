package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/velmie/eventfeed"
)

var (
	// ErrTxDone is returned when a finished transaction is used again.
	ErrTxDone = errors.New("eventfeed memory: transaction already committed or rolled back")
	// ErrTxRequired is returned when Append is called without a transaction.
	ErrTxRequired = errors.New("eventfeed memory: transaction is required")
	// ErrForeignTx is returned when a transaction from another store is used.
	ErrForeignTx = errors.New("eventfeed memory: transaction belongs to another store")
)

const defaultSweepEvery = time.Hour

// Store keeps committed events sorted by ID, globally for the tail and per recipient for
// replay.
type Store struct {
	gen          eventfeed.IDGenerator
	clock        eventfeed.Clock
	validateJSON bool

	mu          sync.RWMutex
	events      []*eventfeed.Event
	byRecipient map[string][]*eventfeed.Event
	last        map[string]eventfeed.ID

	locksMu sync.Mutex
	locks   map[string]*recipientLock

	wake chan struct{}
}

// recipientLock is an ordering lock shared by the transactions waiting on one recipient.
// It is dropped from the store once nobody holds or waits for it.
type recipientLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures the store.
type Option func(*Store)

// WithClock sets the time source used for IDs.
func WithClock(clock eventfeed.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithGenerator sets the ID generator.
func WithGenerator(gen eventfeed.IDGenerator) Option {
	return func(s *Store) {
		s.gen = gen
	}
}

// WithValidateJSON toggles JSON validation of payloads.
func WithValidateJSON(enabled bool) Option {
	return func(s *Store) {
		s.validateJSON = enabled
	}
}

var (
	_ eventfeed.ReplaySource   = (*Store)(nil)
	_ eventfeed.HeadSource     = (*Store)(nil)
	_ eventfeed.TailSource     = (*Store)(nil)
	_ eventfeed.Notifier       = (*Store)(nil)
	_ eventfeed.DeliveryMarker = (*Store)(nil)
)

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		validateJSON: true,
		byRecipient:  make(map[string][]*eventfeed.Event),
		last:         make(map[string]eventfeed.ID),
		locks:        make(map[string]*recipientLock),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = eventfeed.SystemClock{}
	}
	if s.gen == nil {
		s.gen = eventfeed.NewUUIDv7Generator(s.clock)
	}

	return s
}

// Tx stages appends until Commit. A Tx holds the ordering lock of every recipient it
// appended for, so concurrent producers of one recipient commit in ID order.
type Tx struct {
	store   *Store
	pending []eventfeed.Event
	held    map[string]*recipientLock
	done    bool
}

// Begin starts a transaction.
func (s *Store) Begin() *Tx {
	return &Tx{store: s, held: make(map[string]*recipientLock)}
}

// Append stages an event inside tx and returns its ID.
func (s *Store) Append(ctx context.Context, tx *Tx, req eventfeed.AppendRequest) (eventfeed.ID, error) {
	if tx == nil {
		return eventfeed.ID{}, ErrTxRequired
	}
	if tx.store != s {
		return eventfeed.ID{}, ErrForeignTx
	}
	if tx.done {
		return eventfeed.ID{}, ErrTxDone
	}
	if err := eventfeed.ValidateAppend(req, s.validateJSON); err != nil {
		return eventfeed.ID{}, err
	}
	if err := ctx.Err(); err != nil {
		return eventfeed.ID{}, err
	}

	tx.lock(req.RecipientID)

	candidate, err := s.gen.New()
	if err != nil {
		return eventfeed.ID{}, err
	}
	id := eventfeed.NextID(candidate, tx.lastFor(req.RecipientID))

	payload := make([]byte, len(req.Payload))
	copy(payload, req.Payload)
	tx.pending = append(tx.pending, eventfeed.Event{
		ID:            id,
		RecipientID:   req.RecipientID,
		EventType:     req.EventType,
		SchemaVersion: req.SchemaVersion,
		OccurredAt:    id.Time(),
		Payload:       payload,
	})

	return id, nil
}

// Commit publishes the staged events and releases the ordering locks.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	s := tx.store
	s.mu.Lock()
	for i := range tx.pending {
		e := &tx.pending[i]
		s.events = insertSorted(s.events, e)
		s.byRecipient[e.RecipientID] = insertSorted(s.byRecipient[e.RecipientID], e)
		if e.ID.Compare(s.last[e.RecipientID]) > 0 {
			s.last[e.RecipientID] = e.ID
		}
	}
	s.mu.Unlock()

	tx.release()
	if len(tx.pending) > 0 {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}

	return nil
}

// Rollback discards the staged events.
func (tx *Tx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.pending = nil
	tx.release()

	return nil
}

func (tx *Tx) lock(recipientID string) {
	if _, ok := tx.held[recipientID]; ok {
		return
	}
	tx.held[recipientID] = tx.store.acquire(recipientID)
}

func (tx *Tx) release() {
	for recipientID, l := range tx.held {
		tx.store.releaseLock(recipientID, l)
		delete(tx.held, recipientID)
	}
}

func (tx *Tx) lastFor(recipientID string) eventfeed.ID {
	tx.store.mu.RLock()
	last := tx.store.last[recipientID]
	tx.store.mu.RUnlock()
	for _, e := range tx.pending {
		if e.RecipientID == recipientID && e.ID.Compare(last) > 0 {
			last = e.ID
		}
	}

	return last
}

func (s *Store) acquire(recipientID string) *recipientLock {
	s.locksMu.Lock()
	l, ok := s.locks[recipientID]
	if !ok {
		l = &recipientLock{}
		s.locks[recipientID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()

	return l
}

func (s *Store) releaseLock(recipientID string, l *recipientLock) {
	l.mu.Unlock()

	s.locksMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, recipientID)
	}
	s.locksMu.Unlock()
}

// ReplaySince implements eventfeed.ReplaySource.
func (s *Store) ReplaySince(ctx context.Context, recipientID string, since eventfeed.ID, limit int) ([]eventfeed.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.byRecipient[recipientID]
	start := firstAfter(events, since)
	end := min(start+limit, len(events))
	out := make([]eventfeed.Event, 0, end-start)
	for _, e := range events[start:end] {
		out = append(out, *e)
	}

	return out, nil
}

// LastID implements eventfeed.HeadSource.
func (s *Store) LastID(ctx context.Context, recipientID string) (eventfeed.ID, error) {
	if err := ctx.Err(); err != nil {
		return eventfeed.ID{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.last[recipientID], nil
}

// TailAfter implements eventfeed.TailSource.
func (s *Store) TailAfter(ctx context.Context, after eventfeed.ID, limit int) ([]eventfeed.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	start := firstAfter(s.events, after)
	end := min(start+limit, len(s.events))
	out := make([]eventfeed.Event, 0, end-start)
	for _, e := range s.events[start:end] {
		event := *e
		event.PrevID = s.prevOf(e)
		out = append(out, event)
	}

	return out, nil
}

// prevOf returns the recipient's event immediately before e.
func (s *Store) prevOf(e *eventfeed.Event) eventfeed.ID {
	events := s.byRecipient[e.RecipientID]
	i := sort.Search(len(events), func(i int) bool {
		return events[i].ID.Compare(e.ID) >= 0
	})
	if i == 0 {
		return eventfeed.ID{}
	}

	return events[i-1].ID
}

// MarkDelivered implements eventfeed.DeliveryMarker.
func (s *Store) MarkDelivered(_ context.Context, recipientID string, upTo eventfeed.ID) error {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.byRecipient[recipientID] {
		if e.ID.Compare(upTo) > 0 {
			break
		}
		if e.DeliveredAt == nil {
			at := now
			e.DeliveredAt = &at
		}
	}

	return nil
}

// Wake implements eventfeed.Notifier; it fires after commits that added events.
func (s *Store) Wake() <-chan struct{} {
	return s.wake
}

// Sweep deletes every event that occurred before the cutoff and returns how many were removed.
func (s *Store) Sweep(before time.Time) int {
	floor := eventfeed.MinIDAt(before)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].ID.Compare(floor) >= 0
	})
	if n == 0 {
		return 0
	}
	for _, e := range s.events[:n] {
		if _, ok := s.byRecipient[e.RecipientID]; !ok {
			continue
		}
		events := s.byRecipient[e.RecipientID]
		keep := sort.Search(len(events), func(i int) bool {
			return events[i].ID.Compare(floor) >= 0
		})
		switch keep {
		case 0:
			continue
		case len(events):
			delete(s.byRecipient, e.RecipientID)
			continue
		}
		s.byRecipient[e.RecipientID] = append(events[:0:0], events[keep:]...)
	}
	s.events = append(s.events[:0:0], s.events[n:]...)

	return n
}

// RunSweeper deletes events older than retention every interval until ctx is canceled.
func (s *Store) RunSweeper(ctx context.Context, retention, every time.Duration, logger eventfeed.Logger) error {
	if logger == nil {
		logger = eventfeed.NopLogger{}
	}
	if every <= 0 {
		every = defaultSweepEvery
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Sweep(s.clock.Now().Add(-retention)); n > 0 {
				logger.Info("eventfeed memory sweep removed events", "events", n)
			}
		}
	}
}

// Len returns the number of committed events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.events)
}

func firstAfter(events []*eventfeed.Event, id eventfeed.ID) int {
	return sort.Search(len(events), func(i int) bool {
		return events[i].ID.Compare(id) > 0
	})
}

func insertSorted(events []*eventfeed.Event, e *eventfeed.Event) []*eventfeed.Event {
	i := firstAfter(events, e.ID)
	events = append(events, nil)
	copy(events[i+1:], events[i:])
	events[i] = e

	return events
}
