package httpfeed

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/velmie/eventfeed"
)

const (
	defaultAddr              = ":8080"
	defaultHeartbeatInterval = 20 * time.Second
	defaultRetryHint         = 3 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultReplayLimit       = 200
	defaultMaxReplayLimit    = 500
)

// Config controls the HTTP surface.
type Config struct {
	// Addr defaults to :8080.
	Addr string
	// HeartbeatInterval spaces SSE comment lines that keep idle proxies from closing streams.
	HeartbeatInterval time.Duration
	// RetryHint is sent as the SSE retry field.
	RetryHint time.Duration
	// ReplayLimit is the page size of GET /v1/events when no limit is given.
	ReplayLimit int
	// MaxReplayLimit caps the limit parameter. It is lowered to the Reader's MaxLimit.
	MaxReplayLimit  int
	ShutdownTimeout time.Duration
	// Ready reports readiness of the backing store. Nil is always ready.
	Ready func(ctx context.Context) error
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = defaultAddr
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.RetryHint <= 0 {
		c.RetryHint = defaultRetryHint
	}
	if c.ReplayLimit <= 0 {
		c.ReplayLimit = defaultReplayLimit
	}
	if c.MaxReplayLimit <= 0 {
		c.MaxReplayLimit = defaultMaxReplayLimit
	}
	if c.ReplayLimit > c.MaxReplayLimit {
		c.ReplayLimit = c.MaxReplayLimit
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.Gatherer == nil {
		c.Gatherer = prometheus.DefaultGatherer
	}

	return c
}

// Server routes feed requests to a Dispatcher and a Reader.
type Server struct {
	engine     *gin.Engine
	dispatcher *eventfeed.Dispatcher
	reader     *eventfeed.Reader
	cfg        Config
	logger     *zap.Logger
}

// NewServer builds the gin engine. A nil logger discards request logs.
func NewServer(dispatcher *eventfeed.Dispatcher, reader *eventfeed.Reader, validator *Validator, cfg Config, logger *zap.Logger) *Server {
	if dispatcher == nil || reader == nil || validator == nil {
		panic("httpfeed: dispatcher, reader and validator are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestID())
	engine.Use(Logger(logger))

	cfg = cfg.withDefaults()
	// More is derived from a full page, so the page must be one the reader can fill.
	cfg.MaxReplayLimit = min(cfg.MaxReplayLimit, reader.MaxLimit())
	cfg.ReplayLimit = min(cfg.ReplayLimit, cfg.MaxReplayLimit)

	s := &Server{
		engine:     engine,
		dispatcher: dispatcher,
		reader:     reader,
		cfg:        cfg,
		logger:     logger,
	}
	s.registerRoutes(validator)

	return s
}

func (s *Server) registerRoutes(validator *Validator) {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/ready", s.ready)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.engine.Group("/v1")
	v1.Use(Authenticate(validator))
	{
		v1.GET("/events", s.replay)
		v1.GET("/events/stream", s.stream)
	}
}

// Handler returns the routed engine.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on cfg.Addr until ctx is canceled, then shuts down gracefully. Open streams see
// their request context canceled and drain through the Dispatcher.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("httpfeed listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *Server) ready(c *gin.Context) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(c.Request.Context()); err != nil {
			s.logger.Warn("httpfeed readiness check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
