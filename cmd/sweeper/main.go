/**
 * @description
 * Standalone expiry sweeper. This is a non-HTTP, long-running process that runs
 * the warning and expiration passes on a cron schedule. Several replicas may run;
 * the coordination lock lets only one of them sweep per cycle.
 */
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/passwallet/access-service/internal/app"
	"github.com/passwallet/access-service/internal/config"
	"github.com/passwallet/access-service/internal/coord"
	"github.com/passwallet/access-service/internal/store"
	rmrabbit "github.com/passwallet/access-service/pkg/rabbitmq"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = cfg.DatabaseMaxConns
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	var coordStore coord.Store = coord.NewMemoryStore()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Warn("redis url parse failed; sweeping without cross-instance lock", "error", err)
		} else {
			client := redis.NewClient(opts)
			defer client.Close()
			coordStore = coord.NewRedisStore(client, cfg.CoordinationKeyPrefix, cfg.CoordinationTimeout())
		}
	} else {
		logger.Warn("redis url missing; sweeping without cross-instance lock", "env", "REDIS_URL")
	}

	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{Logger: logger}
	if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, logger); err != nil {
		logger.Warn("rabbitmq producer unavailable; expiry emails cannot be sent", "error", err)
	} else {
		publisher = producer
	}
	defer publisher.Close()

	service := app.NewService(
		store.NewPostgresRepository(dbpool),
		coord.NewLocker(coordStore, cfg.LockTTL(), logger),
		nil,
		rmrabbit.NewNotificationPublisher(publisher, cfg.NotificationExchange),
		nil,
		rmrabbit.NewDomainEventPublisher(publisher, cfg.EventsExchange),
		app.Config{
			Currency:          cfg.PaymentCurrency,
			ExpiryWarning:     cfg.ExpiryWarning(),
			LowUsageThreshold: cfg.LowUsageThreshold,
			SweepTimeout:      cfg.SweepTimeout(),
		},
		logger,
	)

	scheduler := app.NewScheduler(service, logger, cfg.SweeperSchedule, cfg.SweepTimeout())
	if err := scheduler.Start(); err != nil {
		os.Exit(1)
	}
	logger.Info("sweeper started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping sweeper")
	<-scheduler.Stop().Done()
	logger.Info("sweeper stopped gracefully")
}
