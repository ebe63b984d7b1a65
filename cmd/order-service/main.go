package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/matheusmosca/order-fulfillment/internal/api"
	"github.com/matheusmosca/order-fulfillment/internal/config"
	"github.com/matheusmosca/order-fulfillment/internal/orders"
	"github.com/matheusmosca/order-fulfillment/internal/platform/logging"
	"github.com/matheusmosca/order-fulfillment/internal/platform/postgres"
	"github.com/matheusmosca/order-fulfillment/internal/platform/telemetry"
	"github.com/matheusmosca/order-fulfillment/internal/queue"
	"github.com/matheusmosca/order-fulfillment/internal/stock"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		// logger is not configured yet
		bootstrap := logging.New(config.ServiceName)
		bootstrap.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger := logging.New(cfg.ServiceName)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry
	tp, err := telemetry.InitTracer(ctx, cfg.OtelEndpoint, cfg.ServiceName, config.ServiceVersion)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	mp, err := telemetry.InitMetrics(ctx, cfg.OtelEndpoint, cfg.ServiceName, config.ServiceVersion)
	if err != nil {
		logger.Fatal("Failed to initialize metrics", zap.Error(err))
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			logger.Error("Error shutting down meter", zap.Error(err))
		}
	}()

	tracer := otel.Tracer(cfg.ServiceName)
	meter := otel.Meter(cfg.ServiceName)

	// Initialize database
	if cfg.RunMigrations {
		if err := postgres.Migrate(ctx, cfg.DatabaseDSN(), logger); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
	}

	dbPool, err := postgres.Connect(ctx, cfg.DatabaseURL(), logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbPool.Close()

	// Initialize broker
	broker, err := queue.Dial(ctx, cfg.RabbitMQURL, cfg.OrderQueue, cfg.ConsumerWorkers, logger)
	if err != nil {
		logger.Fatal("Failed to initialize RabbitMQ", zap.Error(err))
	}
	defer func() {
		if err := broker.Close(); err != nil {
			logger.Error("Error closing RabbitMQ connection", zap.Error(err))
		}
	}()

	// Initialize dependencies
	stockUseCase := stock.NewStockUseCase(stock.NewPostgresStockRepository(dbPool), tracer, logger)
	orderUseCase := orders.NewOrderUseCase(orders.NewPostgresOrderRepository(dbPool), tracer, logger)
	pipeline := orders.NewPipeline(orderUseCase, stockUseCase, broker, tracer, logger, meter)

	syncer := stock.NewSyncer(
		cfg.Vendors,
		stock.NewRestyVendorClient(cfg.VendorTimeout),
		stockUseCase,
		cfg.MaxConcurrentSyncs,
		logger,
		telemetry.Counter(meter, "stock.sync.failures", "Vendor syncs that failed"),
	)

	consumer := queue.NewConsumer(
		broker,
		broker,
		pipeline,
		queue.RetryPolicy{MaxRetries: cfg.MaxRetries, Delay: cfg.RetryDelay},
		cfg.ConsumerWorkers,
		logger,
		tracer,
		meter,
	)

	handler := api.NewOrderHandler(pipeline, syncer, tracer, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler, cfg.ServiceName, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Run(ctx); err != nil {
			logger.Error("Consumer stopped with error", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		syncer.Run(ctx, cfg.SyncInterval)
	}()

	go func() {
		logger.Info("🚀 Order Service listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("🛑 Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	wg.Wait()
}
