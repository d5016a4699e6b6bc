package eventfeed

import (
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRetention       = 90 * 24 * time.Hour
	defaultReplayLimit     = 200
	defaultReplayMaxLimit  = 500
	defaultRetryAttempts   = 3
	defaultRetryInitial    = 100 * time.Millisecond
	defaultRetryMax        = 5 * time.Second
	defaultTailBatchSize   = 500
	defaultPollInterval    = time.Second
	minPollInterval        = 50 * time.Millisecond
	maxPollInterval        = 2 * time.Second
	defaultTailLookback    = 5 * time.Second
	defaultBufferSize      = 256
	defaultPageSize        = 200
	defaultResyncPageSize  = 50
	defaultResyncRate      = rate.Limit(20)
	defaultResyncBurst     = 10
	defaultMarkInterval    = 5 * time.Second
	defaultMarkTimeout     = 2 * time.Second
	defaultRegistryShards  = 64
	defaultBackfillRetries = 3
	defaultReconcileEvery  = 30 * time.Second
	defaultMarkerSkew      = time.Minute
	defaultReconcileSettle = 10 * time.Second
)

// ReaderConfig controls replay paging, retention and retries.
type ReaderConfig struct {
	// Retention is the replay window; markers older than now-Retention are stale.
	// Zero selects 90 days.
	Retention time.Duration
	// DisableRetention turns off the stale-marker check and the replay floor.
	DisableRetention bool
	// DefaultLimit applies when callers pass a non-positive limit.
	DefaultLimit int
	// MaxLimit caps every page.
	MaxLimit int
	// Attempts bounds store calls per replay when the store is unavailable.
	Attempts int
	// RetryInitial and RetryMax shape the exponential backoff between attempts.
	RetryInitial time.Duration
	RetryMax     time.Duration
	Clock        Clock
	Logger       Logger
	Metrics      Metrics
}

func (c ReaderConfig) withDefaults() ReaderConfig {
	if c.Retention <= 0 && !c.DisableRetention {
		c.Retention = defaultRetention
	}
	if c.DisableRetention {
		c.Retention = 0
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = defaultReplayMaxLimit
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = defaultReplayLimit
	}
	if c.DefaultLimit > c.MaxLimit {
		c.DefaultLimit = c.MaxLimit
	}
	if c.Attempts <= 0 {
		c.Attempts = defaultRetryAttempts
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = defaultRetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaultRetryMax
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}

	return c
}

// TailerConfig controls how the Tailer scans the store.
type TailerConfig struct {
	// BatchSize is the page size of one scan query.
	BatchSize int
	// PollInterval is the catch-up ceiling between scans, clamped to [50ms, 2s].
	PollInterval time.Duration
	// Lookback is the settle window re-scanned behind the newest event seen, so rows
	// committed late by slower transactions are still discovered.
	Lookback time.Duration
	// StartAfter overrides the initial cursor. Zero starts at now-Lookback.
	StartAfter ID
	// Notifier optionally shortens the wait between scans.
	Notifier Notifier
	// RetryInitial and RetryMax shape the backoff after failed scans.
	RetryInitial time.Duration
	RetryMax     time.Duration
	Clock        Clock
	Logger       Logger
	Metrics      Metrics
}

func (c TailerConfig) withDefaults() TailerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultTailBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollInterval < minPollInterval {
		c.PollInterval = minPollInterval
	}
	if c.PollInterval > maxPollInterval {
		c.PollInterval = maxPollInterval
	}
	if c.Lookback <= 0 {
		c.Lookback = defaultTailLookback
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = defaultRetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaultRetryMax
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}

	return c
}

// DispatcherConfig controls per-connection buffering, backfill and resync.
type DispatcherConfig struct {
	// BufferSize bounds live events queued per connection.
	BufferSize int
	// PageSize is the replay page used for the initial backfill.
	PageSize int
	// ResyncPageSize is the replay page used when a degraded connection catches up.
	ResyncPageSize int
	// ResyncRate and ResyncBurst throttle resync backfills across all connections.
	ResyncRate  rate.Limit
	ResyncBurst int
	// BackfillAttempts bounds retries of a backfill page on store outages.
	BackfillAttempts int
	RetryInitial     time.Duration
	RetryMax         time.Duration
	// ReconcileInterval is how often a live connection replays after its last sent ID to pick
	// up rows the tailer never published, such as transactions that committed after the
	// tailer's settle window had passed their IDs.
	ReconcileInterval time.Duration
	// ReconcileSettle is the age below which reconcile leaves events to the live stream.
	ReconcileSettle time.Duration
	// MarkerSkew bounds how far a client marker may lie ahead of the clock when the replay
	// source cannot report the recipient's newest ID. Markers further ahead replay from the
	// start of retained history.
	MarkerSkew time.Duration
	// DeliveryMarker optionally records the last sent ID, at most once per MarkInterval.
	DeliveryMarker DeliveryMarker
	MarkInterval   time.Duration
	// OnStateChange observes connection state transitions.
	OnStateChange func(recipientID string, state State)
	Clock         Clock
	Logger        Logger
	Metrics       Metrics
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.ResyncPageSize <= 0 {
		c.ResyncPageSize = defaultResyncPageSize
	}
	if c.ResyncRate <= 0 {
		c.ResyncRate = defaultResyncRate
	}
	if c.ResyncBurst <= 0 {
		c.ResyncBurst = defaultResyncBurst
	}
	if c.BackfillAttempts <= 0 {
		c.BackfillAttempts = defaultBackfillRetries
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = defaultRetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaultRetryMax
	}
	if c.MarkInterval <= 0 {
		c.MarkInterval = defaultMarkInterval
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = defaultReconcileEvery
	}
	if c.ReconcileSettle <= 0 {
		c.ReconcileSettle = defaultReconcileSettle
	}
	if c.MarkerSkew <= 0 {
		c.MarkerSkew = defaultMarkerSkew
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}

	return c
}
