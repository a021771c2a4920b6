package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/broker"
	"github.com/Guizzs26/go-offline-sync/internal/cache"
	"github.com/Guizzs26/go-offline-sync/internal/config"
	"github.com/Guizzs26/go-offline-sync/internal/conflict"
	"github.com/Guizzs26/go-offline-sync/internal/db"
	"github.com/Guizzs26/go-offline-sync/internal/eventbus"
	"github.com/Guizzs26/go-offline-sync/internal/httpapi"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/network"
	"github.com/Guizzs26/go-offline-sync/internal/processor"
	"github.com/Guizzs26/go-offline-sync/internal/remote"
	"github.com/Guizzs26/go-offline-sync/internal/repository"
	"github.com/Guizzs26/go-offline-sync/internal/service"
	"github.com/Guizzs26/go-offline-sync/internal/status"
	"github.com/Guizzs26/go-offline-sync/pkg/infra"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Sync daemon stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("✅ Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ops, closeOps, err := openOperationStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeOps()

	rs, closeRemote, err := openRemoteStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRemote()

	cacheStore, closeCache := openCache(ctx, cfg, logger)
	defer closeCache()
	loader := cache.NewLoader(cacheStore, cfg.CacheTTL)

	bus := eventbus.New(logger)
	tracker := status.NewTracker(models.SyncStatus{BackgroundSyncEnabled: cfg.BackgroundSync}, bus)
	monitor := network.NewProbeMonitor(cfg.ProbeAddress, 3*time.Second)

	dispatcher := processor.NewDispatcher(rs, newDetector(cfg), loader.Store(), logger)
	queue := service.NewSyncQueue(ops, dispatcher, monitor, tracker, bus, service.QueueConfig{
		UserID:          cfg.UserID,
		DeviceID:        cfg.DeviceID,
		MaxAttempts:     cfg.MaxAttempts,
		BackoffBase:     cfg.BackoffBase,
		BackoffMax:      cfg.BackoffMax,
		RetentionWindow: cfg.RetentionWindow,
	}, logger, service.WithDeviceRecords(rs))
	defer queue.Close()

	if err := queue.Reconcile(ctx); err != nil {
		return err
	}

	entities := make(map[models.EntityType]httpapi.Entities)
	for _, et := range []models.EntityType{
		models.EntityUserProfile,
		models.EntitySubscriptionRecord,
		models.EntityAddress,
		models.EntityDelivery,
		models.EntityUserDevice,
	} {
		repo, err := repository.New(et, rs, loader, queue, cfg.UserID, logger)
		if err != nil {
			return err
		}
		defer repo.Subscribe(bus)()
		entities[et] = repo
	}

	bridge := broker.NewEventBridge(256, logger)
	defer bus.Register(eventbus.BrokerBridge, bridge)()
	feed := service.NewChangeFeedService(loader.Store(), bus, cfg.UserID, cfg.DeviceID, logger)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(queue, entities, logger).Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("🚀 Sync daemon started",
		"pid", os.Getpid(),
		"user_id", cfg.UserID,
		"http_addr", cfg.HTTPAddr,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return service.NewNetworkTrigger(monitor, queue, cfg.NetworkPollInterval, logger).Run(ctx)
	})
	g.Go(func() error {
		return service.RunMaintenance(ctx, queue, cfg.MaintenanceInterval, logger)
	})
	g.Go(func() error {
		return bridge.Run(ctx)
	})
	if cfg.RabbitMQURL != "" {
		g.Go(func() error {
			runBrokerLink(ctx, cfg, bridge, feed, logger)
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("HTTP server online", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("👋 Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openOperationStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (service.OperationStore, func(), error) {
	if cfg.QueueDBPath == "" {
		logger.Warn("QUEUE_DB_PATH not set, operations will not survive a restart")
		return db.NewMemoryOperationStore(), func() {}, nil
	}
	store, err := db.OpenSQLiteOperationStore(ctx, cfg.QueueDBPath)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Operation queue opened", "path", cfg.QueueDBPath)
	return store, func() { store.Close() }, nil
}

func openRemoteStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (remote.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using an in-memory remote store")
		return db.NewMemoryDocumentStore(), func() {}, nil
	}
	store, err := db.NewPostgresDocumentStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// openCache prefers Redis and falls back to process memory when it is unreachable.
func openCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cache.Store, func()) {
	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err == nil {
			return cache.NewRedisCache(client, cfg.CacheTTL, logger), func() { client.Close() }
		}
		logger.Error("Redis unavailable, falling back to memory cache", "error", err)
	}
	return cache.NewMemoryCache(cfg.CacheTTL), func() {}
}

func newDetector(cfg *config.Config) *conflict.Detector {
	opts := []conflict.Option{conflict.WithTolerance(cfg.ConflictTolerance)}
	for entity, fields := range cfg.CriticalFields {
		opts = append(opts, conflict.WithCriticalFields(models.EntityType(entity), fields...))
	}
	return conflict.NewDetector(opts...)
}

// runBrokerLink keeps the event bridge and the change feed attached to
// RabbitMQ, reconnecting with backoff until ctx is canceled.
func runBrokerLink(ctx context.Context, cfg *config.Config, bridge *broker.EventBridge, feed *service.ChangeFeedService, logger *slog.Logger) {
	backoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)
	first := true

	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			metrics.BrokerReconnections.Inc()
		}
		first = false

		client, err := broker.NewRabbitMQClient(cfg.RabbitMQURL, cfg.EventsExchange, logger)
		if err != nil {
			if !wait(ctx, backoff, "RabbitMQ link failure, retrying", err, logger) {
				return
			}
			continue
		}

		consumer, err := broker.NewRabbitMQConsumer(cfg.RabbitMQURL, cfg.EventsExchange, cfg.DeviceID, feed.HandleRemoteChange, logger)
		if err != nil {
			client.Close()
			if !wait(ctx, backoff, "RabbitMQ consumer setup failed, retrying", err, logger) {
				return
			}
			continue
		}

		logger.Info("RabbitMQ link established 🚀")
		backoff.Reset()
		bridge.SetPublisher(client)

		linkCtx, cancel := context.WithCancel(ctx)
		go watchPublisher(linkCtx, client, cancel)
		if err := consumer.Listen(linkCtx); err != nil {
			logger.Error("Consumer connection lost", "error", err)
		}
		cancel()

		bridge.SetPublisher(nil)
		consumer.Close()
		client.Close()
	}
}

// watchPublisher cancels the link when the publishing connection dies so both
// halves are rebuilt together.
func watchPublisher(ctx context.Context, client *broker.RabbitMQClient, cancel context.CancelFunc) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !client.IsHealthy() {
				cancel()
				return
			}
		}
	}
}

func wait(ctx context.Context, backoff *infra.Backoff, msg string, err error, logger *slog.Logger) bool {
	d := backoff.Next()
	logger.Error(msg, "wait", d, "error", err)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
