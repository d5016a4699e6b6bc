package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/velmie/eventfeed"
	"github.com/velmie/eventfeed/httpfeed"
	"github.com/velmie/eventfeed/internal/config"
	feedmetrics "github.com/velmie/eventfeed/prometheus"
	"github.com/velmie/eventfeed/zaplog"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var maintain bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tailer, dispatcher and HTTP/SSE API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.setup()
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()
			if err := cfg.RequireHTTP(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger, maintain)
		},
	}

	cmd.Flags().BoolVar(&maintain, "maintain", true, "Run enabled partition and cleanup maintainers in-process")

	return cmd
}

func serve(ctx context.Context, cfg config.Config, zl *zap.Logger, maintain bool) error {
	logger := zaplog.New(zl)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := feedmetrics.New(reg, cfg.Metrics.Namespace)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	marker, err := b.deliveryMarker(cfg)
	if err != nil {
		return err
	}

	reader := eventfeed.NewReader(b.replay, eventfeed.ReaderConfig{
		Retention: cfg.Retention,
		Logger:    logger,
		Metrics:   metrics,
	})
	dispatcher := eventfeed.NewDispatcher(reader, eventfeed.NewRegistry(0), eventfeed.DispatcherConfig{
		BufferSize:     cfg.Dispatcher.BufferSize,
		PageSize:       cfg.Dispatcher.PageSize,
		ResyncPageSize: cfg.Dispatcher.ResyncPageSize,
		ResyncRate:     rate.Limit(cfg.Dispatcher.ResyncRate),
		ResyncBurst:    cfg.Dispatcher.ResyncBurst,
		DeliveryMarker: marker,
		MarkInterval:   cfg.Dispatcher.MarkInterval,
		Logger:         logger,
		Metrics:        metrics,

		ReconcileInterval: cfg.Dispatcher.ReconcileInterval,
		ReconcileSettle:   cfg.Dispatcher.ReconcileSettle,
		MarkerSkew:        cfg.Dispatcher.MarkerSkew,
	})
	tailer := eventfeed.NewTailer(b.tail, dispatcher, eventfeed.TailerConfig{
		BatchSize:    cfg.Tailer.BatchSize,
		PollInterval: cfg.Tailer.PollInterval,
		Lookback:     cfg.Tailer.Lookback,
		Notifier:     b.notifier,
		Logger:       logger,
		Metrics:      metrics,
	})

	validator, err := httpfeed.NewValidator([]byte(cfg.HTTP.JWTSecret),
		httpfeed.WithIssuer(cfg.HTTP.JWTIssuer),
		httpfeed.WithAudience(cfg.HTTP.JWTAudience),
	)
	if err != nil {
		return err
	}
	server := httpfeed.NewServer(dispatcher, reader, validator, httpfeed.Config{
		Addr:              cfg.HTTP.Addr,
		HeartbeatInterval: cfg.HTTP.Heartbeat,
		RetryHint:         cfg.HTTP.RetryHint,
		Ready:             b.ready,
		Gatherer:          reg,
	}, zl)

	workers := append([]worker{
		{name: "tailer", run: tailer.Run},
		{name: "http", run: server.Run},
	}, b.workers...)
	if maintain {
		maintainers, err := b.maintainers(cfg, logger)
		if err != nil {
			return err
		}
		workers = append(workers, maintainers...)
	}

	zl.Info("eventfeed serving",
		zap.String("backend", b.name),
		zap.String("table", cfg.Table),
		zap.String("addr", cfg.HTTP.Addr),
		zap.Duration("retention", cfg.Retention),
	)

	return runWorkers(ctx, zl, workers)
}

// runWorkers runs every worker until ctx is canceled or one of them fails, then cancels the
// rest and waits for them. It returns the first failure.
func runWorkers(ctx context.Context, logger *zap.Logger, workers []worker) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for _, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := w.run(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("eventfeed worker failed", zap.String("worker", w.name), zap.Error(err))
			once.Do(func() {
				firstErr = fmt.Errorf("%s: %w", w.name, err)
				cancel()
			})
		}()
	}

	wg.Wait()
	logger.Info("eventfeed stopped")

	return firstErr
}
