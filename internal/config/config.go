// Package config loads the eventfeed process configuration from a YAML file, a .env file and
// EVENTFEED_* environment variables, in that order of precedence (environment wins).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/velmie/eventfeed/internal/partition"
)

const envPrefix = "EVENTFEED_"

// Backends accepted by Config.Backend.
const (
	BackendMySQL    = "mysql"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Delivery mark sinks accepted by DispatcherConfig.Marks.
const (
	MarksNone  = "none"
	MarksStore = "store"
	MarksRedis = "redis"
)

var (
	// ErrUnknownBackend is returned for a backend other than mysql, postgres or memory.
	ErrUnknownBackend = errors.New("config: unknown backend")
	// ErrDSNRequired is returned when a SQL backend has no DSN.
	ErrDSNRequired = errors.New("config: dsn is required")
	// ErrJWTSecretRequired is returned when the HTTP surface has no signing secret.
	ErrJWTSecretRequired = errors.New("config: http.jwt_secret is required")
	// ErrRedisAddrRequired is returned when a redis feature is enabled without an address.
	ErrRedisAddrRequired = errors.New("config: redis.addr is required")
	// ErrUnknownMarks is returned for a marks sink other than none, store or redis.
	ErrUnknownMarks = errors.New("config: unknown dispatcher.marks")
	// ErrInvalidDuration is returned for a negative duration.
	ErrInvalidDuration = errors.New("config: duration must not be negative")
)

// Config is the whole process configuration.
type Config struct {
	Backend    string           `yaml:"backend"`
	DSN        string           `yaml:"dsn"`
	Table      string           `yaml:"table"`
	Retention  time.Duration    `yaml:"retention"`
	Partitions PartitionsConfig `yaml:"partitions"`
	Cleanup    CleanupConfig    `yaml:"cleanup"`
	Tailer     TailerConfig     `yaml:"tailer"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	HTTP       HTTPConfig       `yaml:"http"`
	Redis      RedisConfig      `yaml:"redis"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// PartitionsConfig controls the partition maintainer.
type PartitionsConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Period     string        `yaml:"period"`
	Lookahead  time.Duration `yaml:"lookahead"`
	CheckEvery time.Duration `yaml:"check_every"`
}

// CleanupConfig controls the MySQL heads cleanup maintainer.
type CleanupConfig struct {
	Enabled    bool          `yaml:"enabled"`
	CheckEvery time.Duration `yaml:"check_every"`
	Limit      int           `yaml:"limit"`
	// Events also deletes expired event rows; use it only for unpartitioned tables.
	Events bool `yaml:"events"`
}

// TailerConfig mirrors eventfeed.TailerConfig.
type TailerConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Lookback     time.Duration `yaml:"lookback"`
}

// DispatcherConfig mirrors eventfeed.DispatcherConfig.
type DispatcherConfig struct {
	BufferSize     int           `yaml:"buffer_size"`
	PageSize       int           `yaml:"page_size"`
	ResyncPageSize int           `yaml:"resync_page_size"`
	ResyncRate     float64       `yaml:"resync_rate"`
	ResyncBurst    int           `yaml:"resync_burst"`
	MarkInterval   time.Duration `yaml:"mark_interval"`
	Marks          string        `yaml:"marks"`
	// ReconcileInterval spaces the replays that recover rows committed behind the tailer.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	// ReconcileSettle keeps reconcile away from rows the tailer may still publish.
	ReconcileSettle time.Duration `yaml:"reconcile_settle"`
	// MarkerSkew is how far a marker may run ahead of the clock when no head is known.
	MarkerSkew time.Duration `yaml:"marker_skew"`
}

// HTTPConfig controls the client-facing server.
type HTTPConfig struct {
	Addr        string        `yaml:"addr"`
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTIssuer   string        `yaml:"jwt_issuer"`
	JWTAudience string        `yaml:"jwt_audience"`
	Heartbeat   time.Duration `yaml:"heartbeat"`
	RetryHint   time.Duration `yaml:"retry_hint"`
}

// RedisConfig enables the pub/sub notifier when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// MetricsConfig names the Prometheus namespace.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Backend:   BackendMySQL,
		Table:     "eventfeed_events",
		Retention: 90 * 24 * time.Hour,
		Partitions: PartitionsConfig{
			Period:     partition.Month.String(),
			CheckEvery: time.Hour,
		},
		Cleanup: CleanupConfig{
			CheckEvery: time.Hour,
			Limit:      1000,
		},
		Tailer: TailerConfig{
			BatchSize:    500,
			PollInterval: time.Second,
			Lookback:     5 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			BufferSize:     256,
			PageSize:       200,
			ResyncPageSize: 50,
			ResyncRate:     20,
			ResyncBurst:    10,
			MarkInterval:   5 * time.Second,
			Marks:          MarksNone,

			ReconcileInterval: 30 * time.Second,
			ReconcileSettle:   10 * time.Second,
			MarkerSkew:        time.Minute,
		},
		HTTP: HTTPConfig{
			Addr:      ":8080",
			Heartbeat: 20 * time.Second,
			RetryHint: 3 * time.Second,
		},
		Redis: RedisConfig{
			Channel: "eventfeed:wake",
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Namespace: "eventfeed",
		},
	}
}

// Load reads path (optional), then .env, then EVENTFEED_* variables, and validates the result.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Read is Load without validation, for callers that apply further overrides first.
func Read(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// A missing .env file is normal outside local development.
	_ = godotenv.Load()
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	return nil
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMySQL, BackendPostgres:
		if c.DSN == "" {
			return fmt.Errorf("%w for backend %s", ErrDSNRequired, c.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}

	if _, err := partition.ParsePeriod(c.Partitions.Period); err != nil {
		return fmt.Errorf("config: partitions.period: %w", err)
	}

	switch c.Dispatcher.Marks {
	case MarksNone, MarksStore:
	case MarksRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("%w for dispatcher.marks=redis", ErrRedisAddrRequired)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMarks, c.Dispatcher.Marks)
	}

	for name, d := range map[string]time.Duration{
		"retention":                     c.Retention,
		"partitions.lookahead":          c.Partitions.Lookahead,
		"partitions.check_every":        c.Partitions.CheckEvery,
		"cleanup.check_every":           c.Cleanup.CheckEvery,
		"tailer.poll_interval":          c.Tailer.PollInterval,
		"tailer.lookback":               c.Tailer.Lookback,
		"dispatcher.mark_interval":      c.Dispatcher.MarkInterval,
		"dispatcher.reconcile_interval": c.Dispatcher.ReconcileInterval,
		"dispatcher.reconcile_settle":   c.Dispatcher.ReconcileSettle,
		"dispatcher.marker_skew":        c.Dispatcher.MarkerSkew,
		"http.heartbeat":                c.HTTP.Heartbeat,
		"http.retry_hint":               c.HTTP.RetryHint,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s", ErrInvalidDuration, name)
		}
	}

	return nil
}

// RequireHTTP checks the settings only the serve command needs.
func (c Config) RequireHTTP() error {
	if strings.TrimSpace(c.HTTP.JWTSecret) == "" {
		return ErrJWTSecretRequired
	}

	return nil
}

type lookupFunc func(key string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("BACKEND", &cfg.Backend)
	e.str("DSN", &cfg.DSN)
	e.str("TABLE", &cfg.Table)
	e.duration("RETENTION", &cfg.Retention)

	e.boolean("PARTITIONS_ENABLED", &cfg.Partitions.Enabled)
	e.str("PARTITIONS_PERIOD", &cfg.Partitions.Period)
	e.duration("PARTITIONS_LOOKAHEAD", &cfg.Partitions.Lookahead)

	e.boolean("CLEANUP_ENABLED", &cfg.Cleanup.Enabled)
	e.integer("CLEANUP_LIMIT", &cfg.Cleanup.Limit)
	e.boolean("CLEANUP_EVENTS", &cfg.Cleanup.Events)

	e.integer("TAILER_BATCH_SIZE", &cfg.Tailer.BatchSize)
	e.duration("TAILER_POLL_INTERVAL", &cfg.Tailer.PollInterval)
	e.duration("TAILER_LOOKBACK", &cfg.Tailer.Lookback)

	e.integer("DISPATCHER_BUFFER_SIZE", &cfg.Dispatcher.BufferSize)
	e.str("DISPATCHER_MARKS", &cfg.Dispatcher.Marks)
	e.duration("DISPATCHER_RECONCILE_INTERVAL", &cfg.Dispatcher.ReconcileInterval)

	e.str("HTTP_ADDR", &cfg.HTTP.Addr)
	e.str("JWT_SECRET", &cfg.HTTP.JWTSecret)
	e.str("JWT_ISSUER", &cfg.HTTP.JWTIssuer)
	e.str("JWT_AUDIENCE", &cfg.HTTP.JWTAudience)

	e.str("REDIS_ADDR", &cfg.Redis.Addr)
	e.str("REDIS_PASSWORD", &cfg.Redis.Password)
	e.integer("REDIS_DB", &cfg.Redis.DB)
	e.str("REDIS_CHANNEL", &cfg.Redis.Channel)

	e.str("LOG_LEVEL", &cfg.Log.Level)
	e.boolean("LOG_DEVELOPMENT", &cfg.Log.Development)
	e.str("METRICS_NAMESPACE", &cfg.Metrics.Namespace)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) value(key string) (string, bool) {
	v, ok := e.lookup(envPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)

	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.value(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.value(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s%s: %w", envPrefix, key, err))
		return
	}
	*dst = parsed
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.value(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s%s: %w", envPrefix, key, err))
		return
	}
	*dst = parsed
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.value(key)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s%s: %w", envPrefix, key, err))
		return
	}
	*dst = parsed
}
