package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager-sub003/aggregator"
	"github.com/williamwinkler/openai-batch-manager-sub003/api/handlers"
	"github.com/williamwinkler/openai-batch-manager-sub003/batchfile"
	"github.com/williamwinkler/openai-batch-manager-sub003/config"
	"github.com/williamwinkler/openai-batch-manager-sub003/delivery"
	"github.com/williamwinkler/openai-batch-manager-sub003/intake"
	"github.com/williamwinkler/openai-batch-manager-sub003/internal/bus"
	"github.com/williamwinkler/openai-batch-manager-sub003/internal/database"
	"github.com/williamwinkler/openai-batch-manager-sub003/internal/jobs"
	"github.com/williamwinkler/openai-batch-manager-sub003/internal/metrics"
	"github.com/williamwinkler/openai-batch-manager-sub003/internal/migration"
	"github.com/williamwinkler/openai-batch-manager-sub003/internal/server"
	"github.com/williamwinkler/openai-batch-manager-sub003/internal/telemetry"
	"github.com/williamwinkler/openai-batch-manager-sub003/lifecycle"
	"github.com/williamwinkler/openai-batch-manager-sub003/provider/openai"
	"github.com/williamwinkler/openai-batch-manager-sub003/store"
)

// Server owns the full wiring of one batchman process: storage, event bus,
// job runner, aggregator registry, lifecycle and delivery engines, and the
// two HTTP listeners (API and metrics).
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	otel       *telemetry.Providers

	pool     *database.PoolManager
	store    *store.Store
	bus      bus.Bus
	files    *batchfile.Manager
	runner   *jobs.Runner
	registry *aggregator.Registry

	lifecycleEngine *lifecycle.Engine
	deliveryEngine  *delivery.Engine
	webhookSink     *delivery.WebhookSink
	queueSink       *delivery.QueueSink
	facade          *intake.Facade

	httpManager    *server.Manager
	metricsManager *server.Manager

	healthHandler   *handlers.HealthHandler
	requestsHandler *handlers.RequestsHandler
	batchesHandler  *handlers.BatchesHandler
	adminHandler    *handlers.AdminHandler

	metricsCollector *metrics.Collector
	hotReloadManager *config.HotReloadManager

	runnerCancel      context.CancelFunc
	rateLimiterCancel context.CancelFunc
}

// NewServer creates the server shell; Start wires and runs it.
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otel,
	}
}

// Start wires all components and begins serving.
func (s *Server) Start() error {
	s.metricsCollector = metrics.NewCollector("batchman", s.logger)

	if err := s.initStorage(); err != nil {
		return fmt.Errorf("failed to init storage: %w", err)
	}
	if err := s.initPipeline(); err != nil {
		return fmt.Errorf("failed to init pipeline: %w", err)
	}
	if err := s.initHotReload(); err != nil {
		return fmt.Errorf("failed to init hot reload: %w", err)
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)
	return nil
}

// initStorage opens the database, applies migrations, and builds the store
// and event bus.
func (s *Server) initStorage() error {
	db, err := database.Open(database.OpenConfig{
		Driver: s.cfg.Database.Driver,
		DSN:    s.cfg.Database.DSN(),
	}, s.logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	poolCfg := database.DefaultPoolConfig()
	if s.cfg.Database.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = s.cfg.Database.MaxOpenConns
	}
	if s.cfg.Database.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = s.cfg.Database.MaxIdleConns
	}
	if s.cfg.Database.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = s.cfg.Database.ConnMaxLifetime
	}
	s.pool, err = database.NewPoolManager(db, poolCfg, s.logger)
	if err != nil {
		return fmt.Errorf("init pool: %w", err)
	}

	if err := s.applyMigrations(); err != nil {
		return err
	}

	s.store = store.New(s.pool.DB(), s.logger)

	if s.cfg.Redis.Addr != "" {
		redisBus, err := bus.NewRedisBus(bus.RedisConfig{
			Addr:      s.cfg.Redis.Addr,
			Password:  s.cfg.Redis.Password,
			DB:        s.cfg.Redis.DB,
			PoolSize:  s.cfg.Redis.PoolSize,
			KeyPrefix: s.cfg.Redis.KeyPrefix,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("connect redis bus: %w", err)
		}
		s.bus = redisBus
	} else {
		s.bus = bus.NewMemoryBus()
	}
	s.store.SetEventPublisher(bus.NewStoreNotifier(s.bus, s.logger))

	return nil
}

func (s *Server) applyMigrations() error {
	// In-memory SQLite (tests, smoke runs) has no migration URL; the schema
	// comes from AutoMigrate instead.
	if s.cfg.Database.Driver == "sqlite" && s.cfg.Database.Name == ":memory:" {
		return s.pool.DB().AutoMigrate(
			&store.Batch{}, &store.Request{},
			&store.BatchTransition{}, &store.RequestTransition{},
			&store.RequestDeliveryAttempt{},
		)
	}

	migrator, err := migration.NewMigratorFromConfig(s.cfg)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer migrator.Close()

	if err := migrator.Up(context.Background()); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	s.logger.Info("database migrations applied")
	return nil
}

// initPipeline builds the aggregator, provider client, job runner, and the
// lifecycle and delivery engines.
func (s *Server) initPipeline() error {
	files, err := batchfile.NewManager(s.cfg.Batch.StorageBase, s.logger)
	if err != nil {
		return fmt.Errorf("init batch storage: %w", err)
	}
	s.files = files

	s.runner = jobs.NewRunner(s.logger, 10)

	s.registry = aggregator.NewRegistry(s.store, s.bus, aggregator.Config{
		MaxRequestsPerBatch: s.cfg.Batch.MaxRequestsPerBatch,
		MaxBatchSizeBytes:   s.cfg.Batch.MaxSizeBytes,
		SoftSizeWarnBytes:   s.cfg.Batch.SoftSizeWarnBytes,
		OnBatchClosed: func(batchID uint) {
			s.metricsCollector.BatchClosed("capacity")
			s.lifecycleEngine.EnqueueUpload(batchID)
		},
	}, s.logger)

	providerClient := openai.NewClient(openai.Config{
		APIKey:          s.cfg.Provider.APIKey,
		BaseURL:         s.cfg.Provider.BaseURL,
		Timeout:         s.cfg.Provider.Timeout,
		UploadTimeout:   s.cfg.Provider.UploadTimeout,
		DownloadTimeout: s.cfg.Provider.DownloadTimeout,
	}, s.logger)

	s.lifecycleEngine = lifecycle.NewEngine(s.store, providerClient, s.files, s.runner,
		s.registry, s.metricsCollector, lifecycle.Config{
			StaleBuildingAge:    s.cfg.Batch.StaleBuildingAge,
			PollInterval:        s.cfg.Provider.PollInterval,
			ExpirySweepInterval: s.cfg.Batch.ExpirySweepInterval,
			StuckAge:            s.cfg.Batch.StuckAge,
			CompletionWindow:    s.cfg.Provider.CompletionWindow,
			JobRetries:          s.cfg.Batch.JobRetries,
		}, s.logger)
	if err := s.lifecycleEngine.Register(); err != nil {
		return fmt.Errorf("register lifecycle jobs: %w", err)
	}

	s.webhookSink = delivery.NewWebhookSink(s.cfg.Delivery.WebhookTimeout, s.logger)
	s.queueSink = delivery.NewQueueSink(delivery.QueueSinkConfig{
		URL:            s.cfg.Queue.URL,
		PoolSize:       s.cfg.Queue.PublisherPoolSize,
		ConfirmTimeout: s.cfg.Queue.ConfirmTimeout,
		FailureTTL:     s.cfg.Queue.FailureTTL,
	}, s.logger)

	s.deliveryEngine = delivery.NewEngine(s.store, s.webhookSink, s.queueSink,
		s.runner, s.metricsCollector, delivery.Config{
			MaxAttempts:  s.cfg.Delivery.MaxAttempts,
			DisableRetry: s.cfg.Delivery.DisableRetry,
			Concurrency:  s.cfg.Delivery.Concurrency,
		}, s.logger)
	s.deliveryEngine.Register()

	runnerCtx, cancel := context.WithCancel(context.Background())
	s.runnerCancel = cancel
	s.runner.Start(runnerCtx)

	// Resume work for batches left mid-pipeline by a previous process.
	if err := s.lifecycleEngine.Bootstrap(context.Background()); err != nil {
		s.logger.Warn("bootstrap requeue failed", zap.Error(err))
	}

	s.facade = intake.NewFacade(s.registry, s.metricsCollector, s.logger)
	return nil
}

func (s *Server) initHotReload() error {
	s.hotReloadManager = config.NewHotReloadManager(s.cfg, s.configPath, s.logger)

	s.hotReloadManager.OnReload(func(old, updated *config.Config) {
		s.logger.Info("configuration reloaded")
		s.cfg = updated
	})

	if s.configPath != "" {
		if err := s.hotReloadManager.Watch(); err != nil {
			return fmt.Errorf("watch config file: %w", err)
		}
	}
	return nil
}

func (s *Server) startHTTPServer() error {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("database", s.pool.Ping))
	s.healthHandler.RegisterCheck(handlers.NewBrokerHealthCheck("rabbitmq",
		s.queueSink.Enabled, s.queueSink.Connected))

	s.requestsHandler = handlers.NewRequestsHandler(s.facade, s.store, s.deliveryEngine, s.logger)
	s.batchesHandler = handlers.NewBatchesHandler(s.store, s.registry, s.lifecycleEngine, s.logger)
	s.adminHandler = handlers.NewAdminHandler(s.facade, s.hotReloadManager, s.logger)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("/api/v1/requests", s.requestsHandler.HandleSubmit)
	mux.HandleFunc("/api/v1/requests/line", s.requestsHandler.HandleSubmitLine)
	mux.HandleFunc("/api/v1/requests/{custom_id}", s.requestsHandler.HandleGet)
	mux.HandleFunc("/api/v1/requests/{custom_id}/retry-delivery", s.requestsHandler.HandleRetryDelivery)

	mux.HandleFunc("/api/v1/batches", s.batchesHandler.HandleList)
	mux.HandleFunc("/api/v1/batches/flush", s.batchesHandler.HandleFlush)
	mux.HandleFunc("/api/v1/batches/{id}", s.batchesHandler.HandleGet)
	mux.HandleFunc("/api/v1/batches/{id}/transitions", s.batchesHandler.HandleTransitions)
	mux.HandleFunc("/api/v1/batches/{id}/cancel", s.batchesHandler.HandleCancel)

	mux.HandleFunc("/api/v1/admin/maintenance", s.adminHandler.HandleMaintenance)
	mux.HandleFunc("/api/v1/admin/config", s.adminHandler.HandleConfig)
	mux.HandleFunc("/api/v1/admin/config/reload", s.adminHandler.HandleConfigReload)

	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
	}
	if s.cfg.Telemetry.Enabled {
		middlewares = append(middlewares, OTelTracing())
	}
	if s.cfg.Server.RateLimit > 0 {
		burst := int(s.cfg.Server.RateLimit)
		if burst < 1 {
			burst = 1
		}
		middlewares = append(middlewares, RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimit, burst, s.logger))
	}
	if s.cfg.Server.APIKey != "" {
		middlewares = append(middlewares, APIKeyAuth(s.cfg.Server.APIKey, skipAuthPaths, s.logger))
	}
	handler := Chain(mux, middlewares...)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks until a termination signal, then shuts down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops intake first, drains the pipeline, then closes the
// outward connections.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.hotReloadManager != nil {
		s.hotReloadManager.Stop()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.registry != nil {
		s.registry.Shutdown()
	}
	if s.runner != nil {
		s.runner.Stop()
	}
	if s.runnerCancel != nil {
		s.runnerCancel()
	}
	if s.queueSink != nil {
		s.queueSink.Close()
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Error("bus close error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database pool close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
