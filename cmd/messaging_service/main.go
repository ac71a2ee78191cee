package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/aradsms/messaging_core/internal/messaging_service/adapters/kafkabus"
	"github.com/aradsms/messaging_core/internal/messaging_service/adapters/natsbus"
	"github.com/aradsms/messaging_core/internal/messaging_service/adapters/rediscache"
	"github.com/aradsms/messaging_core/internal/messaging_service/app"
	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
	"github.com/aradsms/messaging_core/internal/messaging_service/repository/postgres"
	"github.com/aradsms/messaging_core/internal/messaging_service/tenant"
	grpcserver "github.com/aradsms/messaging_core/internal/messaging_service/transport/grpc"
	httptransport "github.com/aradsms/messaging_core/internal/messaging_service/transport/http"
	"github.com/aradsms/messaging_core/internal/platform/cache"
	"github.com/aradsms/messaging_core/internal/platform/config"
	"github.com/aradsms/messaging_core/internal/platform/database"
	"github.com/aradsms/messaging_core/internal/platform/logger"
	"github.com/aradsms/messaging_core/internal/platform/messagebroker"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName     = "messaging_service"
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load(".", "config.defaults")
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	appLogger := logger.New(cfg.LogLevel, cfg.LogFormat).With("service", serviceName)
	appLogger.Info("Messaging service starting...", "http_port", cfg.HTTPPort, "grpc_port", cfg.GRPCPort, "event_sink", cfg.Relay.EventSink)

	if err := run(cfg, appLogger); err != nil {
		appLogger.Error("Messaging service exited with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Messaging service shut down gracefully")
}

func run(cfg *config.Config, appLogger *slog.Logger) error {
	appCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(appCtx, startupTimeout)
	defer startCancel()

	dbPool, err := database.NewDBPool(startCtx, cfg.PostgresDSN, database.PoolConfig{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer dbPool.Close()
	if err := postgres.EnsureSchema(startCtx, dbPool); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}
	appLogger.Info("Database ready")

	natsClient, err := messagebroker.NewNatsClient(cfg.NATSUrl, serviceName, appLogger, true)
	if err != nil {
		return err
	}
	defer natsClient.Close()

	store := postgres.NewStore(dbPool, appLogger)

	sink, closeSink, err := buildSink(startCtx, cfg, natsClient, appLogger)
	if err != nil {
		return err
	}
	defer closeSink()

	var windowCache app.WindowCache
	if cfg.RedisAddr != "" {
		redisClient, err := cache.NewRedisClient(startCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		windowCache = rediscache.NewWindowCache(redisClient, cfg.WindowCacheTTL)
		appLogger.Info("Window cache enabled", "addr", cfg.RedisAddr)
	}

	outbox := app.NewOutboxPublisher(nil)
	messageService, err := app.NewMessageService(store, outbox, windowCache, appLogger, app.ServiceConfig{
		OperationTimeout: cfg.OperationTimeout,
		IdempotencyTTL:   cfg.Maintenance.IdempotencyTTL,
	})
	if err != nil {
		return err
	}
	window := app.NewConversationWindow(store, windowCache, appLogger)
	scheduler := app.NewRetryScheduler(store, outbox, windowCache, appLogger, app.SchedulerConfig{
		Policy:        domain.BackoffPolicy{MaxAttempts: cfg.Retry.MaxAttempts, BaseDelay: cfg.Retry.BaseDelay},
		SweepInterval: cfg.Retry.SweepInterval,
		BatchSize:     cfg.Retry.BatchSize,
		MaxBatches:    cfg.Retry.MaxBatches,
	})
	relay := app.NewOutboxRelay(store, sink, appLogger, app.RelayConfig{
		PollInterval: cfg.Relay.PollInterval,
		BatchSize:    cfg.Relay.BatchSize,
	})
	maintenance := app.NewMaintenanceWorker(store, appLogger, app.MaintenanceConfig{
		Interval:   cfg.Maintenance.PartitionInterval,
		PurgeLimit: cfg.Maintenance.IdempotencyPurgeLimit,
	})

	dlrChan := make(chan app.DeliveryReport, 100)
	inboundChan := make(chan app.InboundReport, 100)
	dlrConsumer := natsbus.NewDLRConsumer(natsClient, appLogger, dlrChan)
	inboundConsumer := natsbus.NewInboundConsumer(natsClient, appLogger, inboundChan)
	dlrProcessor := app.NewDLRProcessor(messageService, appLogger)
	inboundProcessor := app.NewInboundProcessor(messageService, appLogger)

	resolver := tenant.NewTokenResolver(cfg.JWTSecret, cfg.JWTIssuer)
	handler := httptransport.NewMessageHandler(messageService, window, scheduler, appLogger)
	mux := http.NewServeMux()
	mux.Handle("/v1/", httptransport.NewRouter(handler, resolver, appLogger))
	mux.Handle("/", httptransport.NewOpsRouter(store, appLogger))
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	health := grpcserver.NewHealthReporter(store, appLogger)
	grpcServer := grpcserver.NewServer(health)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, groupCtx := errgroup.WithContext(appCtx)
	g.Go(func() error { maintenance.Run(groupCtx); return nil })
	g.Go(func() error { relay.Run(groupCtx); return nil })
	g.Go(func() error { scheduler.Run(groupCtx); return nil })
	g.Go(func() error { health.Run(groupCtx, 10*time.Second); return nil })
	g.Go(func() error { dlrProcessor.Run(groupCtx, dlrChan); return nil })
	g.Go(func() error { inboundProcessor.Run(groupCtx, inboundChan); return nil })
	g.Go(func() error {
		return dlrConsumer.StartConsuming(groupCtx, natsbus.DLRSubject, "messaging_dlr_processors")
	})
	g.Go(func() error {
		return inboundConsumer.StartConsuming(groupCtx, natsbus.InboundSubject, "messaging_inbound_processors")
	})
	g.Go(func() error {
		appLogger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		appLogger.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		appLogger.Info("Shutting down servers...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		grpcServer.GracefulStop()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildSink returns the relay sink selected by EVENT_SINK.
func buildSink(ctx context.Context, cfg *config.Config, natsClient *messagebroker.NATSClient, appLogger *slog.Logger) (app.EventSink, func(), error) {
	switch cfg.Relay.EventSink {
	case "kafka":
		producer, err := messagebroker.NewKafkaSyncProducer(cfg.KafkaBrokers, serviceName)
		if err != nil {
			return nil, nil, err
		}
		appLogger.Info("Relaying outbox events to Kafka", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
		return kafkabus.NewEventSink(producer, cfg.KafkaTopic), func() { closeProducer(producer, appLogger) }, nil
	case "nats", "":
		sink := natsbus.NewEventSink(natsClient, cfg.NATSEventSubjectPrefix)
		if err := natsClient.EnsureStream(ctx, cfg.NATSStreamName, []string{sink.SubjectFilter()}, 2*time.Minute); err != nil {
			return nil, nil, err
		}
		appLogger.Info("Relaying outbox events to NATS JetStream", "stream", cfg.NATSStreamName, "subjects", sink.SubjectFilter())
		return sink, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown EVENT_SINK %q", cfg.Relay.EventSink)
	}
}

func closeProducer(p sarama.SyncProducer, appLogger *slog.Logger) {
	if err := p.Close(); err != nil {
		appLogger.Warn("Failed to close Kafka producer", "error", err)
	}
}
