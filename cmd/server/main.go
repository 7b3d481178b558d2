/**
 * @description
 * This is the main entry point for the access service. It initializes configuration,
 * the ledger and coordination stores, the broker, payment and realtime collaborators,
 * the core application service and the HTTP server, then wires everything together.
 * With SWEEPER_ENABLED it also hosts the expiry sweeper in-process.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: coordination store.
 * - github.com/joho/godotenv: local .env loading.
 * - internal/api, internal/app, internal/config, internal/store, internal/coord.
 * - pkg/paymentclient, pkg/rabbitmq, pkg/realtime.
 */

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/passwallet/access-service/internal/api"
	"github.com/passwallet/access-service/internal/app"
	"github.com/passwallet/access-service/internal/config"
	"github.com/passwallet/access-service/internal/coord"
	"github.com/passwallet/access-service/internal/store"
	"github.com/passwallet/access-service/pkg/paymentclient"
	rmrabbit "github.com/passwallet/access-service/pkg/rabbitmq"
	"github.com/passwallet/access-service/pkg/realtime"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded", "error", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("starting access service", "port", cfg.ServerPort, "ledger_driver", cfg.LedgerDriver)

	ctx := context.Background()

	repository, closeRepo, err := openLedger(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open ledger store", "error", err)
		os.Exit(1)
	}
	defer closeRepo()

	coordStore, closeCoord := openCoordination(ctx, cfg, logger)
	defer closeCoord()
	locker := coord.NewLocker(coordStore, cfg.LockTTL(), logger)
	limiter := coord.NewRateLimiter(coordStore, cfg.RateLimitPerMinute, time.Minute, logger)

	publisher := openPublisher(cfg, logger)
	defer publisher.Close()

	if cfg.PaymentKeySecret == "" {
		logger.Warn("payment key secret not configured; every deposit confirmation will be rejected")
	}
	payments := paymentclient.NewClient(cfg.PaymentAPIBaseURL, cfg.PaymentKeyID, cfg.PaymentKeySecret)
	hub := realtime.NewHub(logger, cfg.AllowedOrigins())

	service := app.NewService(
		repository,
		locker,
		payments,
		rmrabbit.NewNotificationPublisher(publisher, cfg.NotificationExchange),
		hub,
		rmrabbit.NewDomainEventPublisher(publisher, cfg.EventsExchange),
		serviceConfig(cfg),
		logger,
	)

	var scheduler *app.Scheduler
	if cfg.SweeperEnabled {
		scheduler = app.NewScheduler(service, logger, cfg.SweeperSchedule, cfg.SweepTimeout())
		if err := scheduler.Start(); err != nil {
			logger.Error("failed to start sweeper", "error", err)
			os.Exit(1)
		}
	}

	if cfg.JWTSecret == "" && cfg.JWKSURL == "" {
		logger.Warn("neither JWT_SECRET nor JWKS_URL is configured; every authenticated request will be rejected")
	}
	handlers := api.NewHandlers(service, hub, limiter, logger)
	router := api.NewRouter(handlers, api.RouterConfig{
		Auth: api.AuthConfig{
			Secret:   cfg.JWTSecret,
			JWKSURL:  cfg.JWKSURL,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		},
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started")

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

func serviceConfig(cfg *config.Config) app.Config {
	return app.Config{
		Currency:          cfg.PaymentCurrency,
		ReferrerBonus:     cfg.ReferrerBonus,
		RefereeBonus:      cfg.RefereeBonus,
		MinWithdrawal:     cfg.MinWithdrawalAmount,
		ExpiryWarning:     cfg.ExpiryWarning(),
		LowUsageThreshold: cfg.LowUsageThreshold,
		SweepTimeout:      cfg.SweepTimeout(),
	}
}

// openLedger returns the configured ledger store and its close function.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Repository, func(), error) {
	if cfg.LedgerDriver == config.LedgerDriverMemory {
		logger.Warn("using in-memory ledger store; balances are lost on restart")
		return store.NewMemoryRepository(), func() {}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database url parse failed: %w", err)
	}
	poolConfig.MaxConns = cfg.DatabaseMaxConns
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}
	if err := store.Migrate(ctx, dbpool, logger); err != nil {
		dbpool.Close()
		return nil, nil, err
	}
	logger.Info("database connected")
	return store.NewPostgresRepository(dbpool), dbpool.Close, nil
}

// openCoordination returns the Redis coordination store, or an in-process one when
// REDIS_URL is unset. A Redis that is down at boot is still used: the locker and the
// rate limiter fail open until it comes back.
func openCoordination(ctx context.Context, cfg *config.Config, logger *slog.Logger) (coord.Store, func()) {
	if cfg.RedisURL == "" {
		logger.Warn("redis url missing; using in-process coordination store (single instance only)", "env", "REDIS_URL")
		return coord.NewMemoryStore(), func() {}
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; using in-process coordination store", "error", err)
		return coord.NewMemoryStore(), func() {}
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; locks will run degraded until it is reachable", "error", err)
	} else {
		logger.Info("redis connected")
	}
	return coord.NewRedisStore(client, cfg.CoordinationKeyPrefix, cfg.CoordinationTimeout()), func() { client.Close() }
}

func openPublisher(cfg *config.Config, logger *slog.Logger) rmrabbit.Publisher {
	if cfg.RabbitMQURL == "" {
		logger.Warn("rabbitmq url missing; notifications and events are dropped", "env", "RABBITMQ_URL")
		return &rmrabbit.EventProducerFallback{Logger: logger}
	}
	producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
		return &rmrabbit.EventProducerFallback{Logger: logger}
	}
	logger.Info("rabbitmq producer connected")
	return producer
}
