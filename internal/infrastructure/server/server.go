package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/helixos/kernel/internal/api/http"
	"github.com/helixos/kernel/internal/api/middleware"
	"github.com/helixos/kernel/internal/api/ws"
	"github.com/helixos/kernel/internal/infrastructure/config"
	"github.com/helixos/kernel/internal/infrastructure/logging"
	"github.com/helixos/kernel/internal/infrastructure/monitoring"
	"github.com/helixos/kernel/internal/infrastructure/tracing"
	"github.com/helixos/kernel/internal/kernel"
	"github.com/helixos/kernel/internal/kernel/events"
)

// Server wires one kernel instance to its introspection API.
type Server struct {
	router  *gin.Engine
	kernel  *kernel.Kernel
	logger  *logging.Logger
	config  *config.Config
	metrics *monitoring.Metrics

	sink     *events.Subscription
	loopDone chan struct{}
	loopErr  error // set before loopDone closes

	mu     sync.Mutex
	cancel context.CancelFunc // Protected by mu
}

// NewServer builds and boots a kernel from validated configuration and
// assembles the API around it. runner is the per-slice execution glue;
// nil means dispatched tasks are bookkept but not driven.
func NewServer(cfg *config.Config, runner kernel.Runner) (*Server, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	logger.Info("initializing kernel server",
		zap.String("host", cfg.Server.Host),
		zap.String("port", cfg.Server.Port),
		zap.Uint32("cores", cfg.Kernel.Cores),
	)

	metrics := monitoring.NewMetrics()
	tracer := tracing.New(logger)

	k, err := kernel.New(cfg, kernel.Options{
		Metrics: metrics,
		Logger:  logger,
		Runner:  runner,
	})
	if err != nil {
		return nil, err
	}
	if err := k.Initialize(); err != nil {
		return nil, err
	}
	logger.Info("kernel booted",
		zap.String("instance_id", string(k.InstanceID())),
		zap.String("boot_id", string(k.BootID())),
	)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := http.NewHandlers(k)
	aggregator := http.NewAggregator(metrics, k)
	stream := ws.NewHandler(k.Events(), metrics, logger)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)

	// Introspection
	router.GET("/scheduler/stats", handlers.GetSchedulerStats)
	router.GET("/ipc/stats", handlers.GetIPCStats)
	router.GET("/memory/stats", handlers.GetMemoryStats)
	router.GET("/tasks", handlers.ListTasks)
	router.GET("/tasks/:id", handlers.GetTask)
	router.GET("/capabilities/:task", handlers.GetTaskCapabilities)

	// Tuning
	router.PUT("/scheduler/policy", handlers.SetSchedulerPolicy)
	router.PUT("/config/tunables", handlers.SetTunables)
	router.POST("/config/profile", handlers.ApplyProfile)

	// Metrics and state dumps
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
	router.GET("/metrics/json", aggregator.GetMetricsJSON)
	router.GET("/debug/dump", handlers.DumpState)

	// WebSocket event feed
	router.GET("/stream", stream.HandleConnection)

	s := &Server{
		router:   router,
		kernel:   k,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
		loopDone: make(chan struct{}),
	}

	// Feed events into the debug log only when that level is live; a
	// subscriber that logs nothing still costs one send per event.
	if logger.Core().Enabled(zapcore.DebugLevel) {
		s.sink = k.Events().Subscribe()
		go s.logEvents()
	}

	logger.Info("server initialized")
	return s, nil
}

// Kernel returns the booted instance, for callers that seed tasks.
func (s *Server) Kernel() *kernel.Kernel { return s.kernel }

// Run starts the scheduling loop and serves the API until the listener
// fails. With the HTTP server disabled it blocks on the loop alone.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go func() {
		s.loopErr = s.kernel.Run(ctx)
		close(s.loopDone)
	}()

	if !s.config.Server.Enabled {
		s.logger.Info("http server disabled, running headless")
		<-s.loopDone
		return s.loopErr
	}

	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Close stops the scheduling loop and flushes the logger. Safe to call
// more than once; the HTTP listener dies with the process, same
// lifecycle as router.Run.
func (s *Server) Close() error {
	s.logger.Info("shutting down")

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-s.loopDone
		if s.loopErr != nil {
			s.logger.Error("kernel loop failed", zap.Error(s.loopErr))
			return s.loopErr
		}
		s.logger.Info("kernel loop stopped")
	}
	if s.sink != nil {
		s.sink.Close()
	}

	s.logger.Sync()
	return nil
}

func (s *Server) logEvents() {
	for ev := range s.sink.Events() {
		s.logger.Debug("kernel event",
			zap.Uint64("seq", ev.Seq),
			zap.String("kind", ev.Kind.String()),
			zap.Uint64("task", ev.Task.Uint64()),
			zap.Uint64("time_micros", ev.TimeMicros),
		)
	}
}
