package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/valset/internal/application/orchestrator"
	"github.com/aescanero/valset/internal/application/throttle"
	"github.com/aescanero/valset/internal/application/workers"
	"github.com/aescanero/valset/internal/config"
	"github.com/aescanero/valset/pkg/adapters/events"
	"github.com/aescanero/valset/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/valset/pkg/adapters/objectstore/minio"
	"github.com/aescanero/valset/pkg/api/grpc"
	"github.com/aescanero/valset/pkg/api/http"
	"github.com/aescanero/valset/pkg/api/websocket"
	"github.com/aescanero/valset/pkg/domain"
	"github.com/aescanero/valset/pkg/ports"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting validation orchestrator",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("store", cfg.Store))

	if err := run(cfg, logger); err != nil {
		logger.Error("validation orchestrator stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// run serves until a signal arrives, the throttler reaches its max runtime
// or an unrecoverable fault stops it
func run(cfg *config.Config, logger *zap.Logger) error {
	graphFile, err := config.LoadGraph(cfg.GraphFile)
	if err != nil {
		return err
	}
	graph, err := orchestrator.NewGraph(graphFile.Definitions())
	if err != nil {
		return fmt.Errorf("build graph: %w", err)
	}
	logger.Info("step graph loaded",
		zap.String("file", cfg.GraphFile),
		zap.Strings("order", graph.Order()))

	consumer := cfg.ConsumerName
	if consumer == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve consumer name: %w", err)
		}
		consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBackend(ctx, cfg, consumer, logger)
	if err != nil {
		return err
	}
	defer b.close(logger)

	var locator ports.ArtifactLocator
	if needsLocator(graphFile) {
		locator, err = newLocator(ctx, cfg.MinIO, logger)
		if err != nil {
			return err
		}
	}

	registry, err := buildRegistry(graphFile, adapterDeps{
		bus:     b.bus,
		results: b.results,
		locator: locator,
		logger:  logger,
	})
	if err != nil {
		return err
	}
	validatorSet, err := registry.Build(graph)
	if err != nil {
		return err
	}

	metricsCollector := prometheus.NewCollector(nil)
	notifier := events.NewBusNotifier(b.bus, logger)

	o := cfg.Orchestrator
	manager := orchestrator.NewManager(
		graph,
		validatorSet,
		b.store,
		notifier,
		metricsCollector,
		logger,
		orchestrator.Config{
			DedupWindow:             o.DedupWindow,
			MaxLifetime:             o.MaxSetLifetime,
			MaxConcurrentOperations: o.MaxConcurrentOperations,
			MissingArtifactRetries:  o.MissingArtifactRetries,
			MissingArtifactRecheck:  o.MissingArtifactRecheck,
			TransientRetries:        o.TransientRetries,
			TransientRetryDelay:     o.TransientRetryDelay,
			MaxStartFailures:        o.MaxStartFailures,
			ConflictRetries:         o.ConflictRetries,
		},
		orchestrator.WithRateRecorder(b.rate),
		orchestrator.WithEventBus(b.bus),
	)

	workerPool := workers.NewPool(
		workers.Config{
			Size:                cfg.Workers.PoolSize,
			QueueSize:           cfg.Workers.QueueSize,
			SweepInterval:       o.SweepInterval,
			HealthCheckInterval: cfg.Workers.HealthCheckInterval,
			StallAfter:          cfg.Workers.StallAfter,
		},
		manager,
		manager,
		b.bus,
		b.results,
		metricsCollector,
		logger,
	)
	manager.SetTrigger(workerPool)

	if err := workerPool.Start(); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	wsHandler := websocket.NewHandler(b.streamBus, manager, logger)
	if err := wsHandler.Start(ctx); err != nil {
		return fmt.Errorf("start websocket stream: %w", err)
	}

	httpServer := http.NewServer(&http.Config{
		Port:         cfg.HTTPPort,
		Orchestrator: manager,
		Queue:        b.queue,
		Pool:         workerPool,
		Logger:       logger,
	})
	httpServer.SetupWebSocket(wsHandler.HandleSetStream)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:   cfg.GRPCPort,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	serverErr := make(chan error, 2)
	go func() { serverErr <- httpServer.Start() }()
	go func() { serverErr <- grpcServer.Start() }()

	t := cfg.Throttle
	throttler := throttle.New(
		throttle.Config{
			MinEventRate: t.MinEventRate,
			MaxEventRate: t.MaxEventRate,
			PaceMin:      t.PaceMin,
			PaceMax:      t.PaceMax,
			RetryLater:   t.RetryLater,
			MaxRuntime:   t.MaxRuntime,
		},
		throttle.NewQueueAdmitter(b.queue, manager, logger),
		b.rate,
		metricsCollector,
		logger,
	)
	throttleErr := make(chan error, 1)
	go func() { throttleErr <- throttler.Run(ctx) }()

	grpcServer.SetServing(true)
	logger.Info("validation orchestrator started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize),
		zap.String("consumer", consumer))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-throttleErr:
		switch {
		case err == nil:
			logger.Info("max runtime reached, recycling process")
		case errors.Is(err, domain.ErrUnrecoverable):
			runErr = err
		case !errors.Is(err, context.Canceled):
			runErr = fmt.Errorf("throttler: %w", err)
		}
	case err := <-serverErr:
		runErr = err
	}
	grpcServer.SetServing(false)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
	}

	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown error", zap.Error(err))
	}

	logger.Info("validation orchestrator shut down complete")
	return runErr
}

func newLocator(ctx context.Context, cfg config.MinIOConfig, logger *zap.Logger) (ports.ArtifactLocator, error) {
	client, err := minio.NewMinIOClient(minio.Config{
		Endpoint:    cfg.Endpoint,
		AccessKey:   cfg.AccessKey,
		SecretKey:   cfg.SecretKey,
		Region:      cfg.Region,
		UseSSL:      cfg.UseSSL,
		Bucket:      cfg.Bucket,
		KeyTemplate: cfg.KeyTemplate,
	})
	if err != nil {
		return nil, fmt.Errorf("create MinIO client: %w", err)
	}
	if err := minio.CheckBucket(ctx, client, cfg.Bucket); err != nil {
		return nil, err
	}
	logger.Info("connected to object storage",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("bucket", cfg.Bucket))
	return minio.NewLocator(client, cfg.Bucket, cfg.KeyTemplate, logger), nil
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(zapLevel)
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
