package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/velmie/eventfeed"
	"github.com/velmie/eventfeed/internal/config"
	"github.com/velmie/eventfeed/memory"
	"github.com/velmie/eventfeed/mysql"
	"github.com/velmie/eventfeed/postgres"
	"github.com/velmie/eventfeed/redis"
)

var errBackendUnsupported = errors.New("eventfeed: command not supported by backend")

const (
	listenerWorker = "postgres listener"
	notifierWorker = "redis notifier"
)

// worker is a background loop that runs until its context is canceled.
type worker struct {
	name string
	run  func(ctx context.Context) error
}

// backend bundles one storage backend with the collaborators the commands need.
type backend struct {
	name     string
	replay   eventfeed.ReplaySource
	tail     eventfeed.TailSource
	marker   eventfeed.DeliveryMarker
	notifier eventfeed.Notifier
	ready    func(ctx context.Context) error
	workers  []worker

	// append commits req in its own transaction and then publishes a wake-up hint.
	append func(ctx context.Context, req eventfeed.AppendRequest) (eventfeed.ID, error)

	db          *sql.DB
	pool        *pgxpool.Pool
	mysqlStore  *mysql.Store
	memStore    *memory.Store
	redisClient *goredis.Client
	closers     []func()
}

func openBackend(ctx context.Context, cfg config.Config, logger eventfeed.Logger) (*backend, error) {
	var (
		b   *backend
		err error
	)
	switch cfg.Backend {
	case config.BackendMySQL:
		b, err = openMySQL(cfg)
	case config.BackendPostgres:
		b, err = openPostgres(ctx, cfg, logger)
	case config.BackendMemory:
		b = openMemory()
	default:
		err = fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		if err := b.attachRedis(cfg, logger); err != nil {
			b.Close()
			return nil, err
		}
	}

	return b, nil
}

func openMySQL(cfg config.Config) (*backend, error) {
	dsn, err := mysql.NormalizeDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	store, err := mysql.NewStore(db, mysql.WithTable(cfg.Table))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &backend{
		name:       config.BackendMySQL,
		replay:     store,
		tail:       store,
		marker:     store,
		ready:      db.PingContext,
		db:         db,
		mysqlStore: store,
		append: func(ctx context.Context, req eventfeed.AppendRequest) (eventfeed.ID, error) {
			tx, err := db.BeginTx(ctx, nil)
			if err != nil {
				return eventfeed.ID{}, fmt.Errorf("begin: %w", err)
			}
			id, err := store.Append(ctx, tx, req)
			if err != nil {
				return eventfeed.ID{}, errors.Join(err, tx.Rollback())
			}

			return id, tx.Commit()
		},
		closers: []func(){func() { _ = db.Close() }},
	}, nil
}

func openPostgres(ctx context.Context, cfg config.Config, logger eventfeed.Logger) (*backend, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	store, err := postgres.NewStore(pool, postgres.WithTable(cfg.Table))
	if err != nil {
		pool.Close()
		return nil, err
	}
	listener, err := postgres.NewListener(postgres.ListenerConfig{
		DSN:     cfg.DSN,
		Channel: store.Channel(),
		Logger:  logger,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &backend{
		name:     config.BackendPostgres,
		replay:   store,
		tail:     store,
		marker:   store,
		notifier: listener,
		ready:    pool.Ping,
		workers:  []worker{{name: listenerWorker, run: listener.Run}},
		pool:     pool,
		append: func(ctx context.Context, req eventfeed.AppendRequest) (eventfeed.ID, error) {
			var id eventfeed.ID
			err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
				var err error
				id, err = store.Append(ctx, tx, req)
				return err
			})

			return id, err
		},
		closers: []func(){pool.Close},
	}, nil
}

func openMemory() *backend {
	store := memory.New()

	return &backend{
		name:     config.BackendMemory,
		replay:   store,
		tail:     store,
		marker:   store,
		notifier: store,
		memStore: store,
		append: func(ctx context.Context, req eventfeed.AppendRequest) (eventfeed.ID, error) {
			tx := store.Begin()
			id, err := store.Append(ctx, tx, req)
			if err != nil {
				return eventfeed.ID{}, errors.Join(err, tx.Rollback())
			}

			return id, tx.Commit()
		},
	}
}

// attachRedis replaces the backend's notifier with Redis pub/sub and publishes a hint after
// every commit made through append. The LISTEN loop it replaces is no longer started.
func (b *backend) attachRedis(cfg config.Config, logger eventfeed.Logger) error {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	notifier, err := redis.NewNotifier(client, redis.NotifierConfig{Channel: cfg.Redis.Channel, Logger: logger})
	if err != nil {
		_ = client.Close()
		return err
	}

	b.redisClient = client
	b.notifier = notifier
	workers := b.workers[:0]
	for _, w := range b.workers {
		if w.name != listenerWorker {
			workers = append(workers, w)
		}
	}
	b.workers = append(workers, worker{name: notifierWorker, run: notifier.Run})
	b.closers = append(b.closers, func() { _ = client.Close() })

	commit := b.append
	b.append = func(ctx context.Context, req eventfeed.AppendRequest) (eventfeed.ID, error) {
		id, err := commit(ctx, req)
		if err != nil {
			return id, err
		}
		if err := notifier.Publish(ctx, req.RecipientID); err != nil {
			logger.Warn("eventfeed wake-up publish failed", "recipient_id", req.RecipientID, "err", err)
		}

		return id, nil
	}

	return nil
}

// deliveryMarker picks the sink for advisory delivered markers.
func (b *backend) deliveryMarker(cfg config.Config) (eventfeed.DeliveryMarker, error) {
	switch cfg.Dispatcher.Marks {
	case config.MarksStore:
		return b.marker, nil
	case config.MarksRedis:
		if b.redisClient == nil {
			return nil, config.ErrRedisAddrRequired
		}
		return redis.NewDeliveryMarks(b.redisClient, redis.MarksConfig{TTL: cfg.Retention})
	default:
		return nil, nil
	}
}

// Close releases connections in reverse order of opening.
func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}
