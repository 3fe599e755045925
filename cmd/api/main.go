package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/rideworks/ride-negotiation-backend/internal/api/rest"
	"github.com/rideworks/ride-negotiation-backend/internal/infrastructure/cache"
	"github.com/rideworks/ride-negotiation-backend/internal/infrastructure/config"
	"github.com/rideworks/ride-negotiation-backend/internal/infrastructure/database"
	"github.com/rideworks/ride-negotiation-backend/internal/infrastructure/events"
	"github.com/rideworks/ride-negotiation-backend/internal/infrastructure/repository"
	"github.com/rideworks/ride-negotiation-backend/internal/infrastructure/telemetry"
	"github.com/rideworks/ride-negotiation-backend/internal/metrics"
	"github.com/rideworks/ride-negotiation-backend/internal/service/negotiation"
)

const serviceName = "ride-negotiation-api"

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := telemetry.SetupLogger(cfg.LogLevel)
	infraLogger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer infraLogger.Sync()

	provider, err := telemetry.Setup(ctx, serviceName, cfg.Version, cfg.Environment, &cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	db, err := database.Connect(ctx, &cfg.Database, infraLogger)
	if err != nil {
		return err
	}
	defer db.Close()

	registry := metrics.NewRegistry()

	var (
		limiter     negotiation.RateLimiter = negotiation.NopRateLimiter{}
		notifier    negotiation.Notifier    = events.NopNotifier{}
		redisVerify rest.ReadinessCheck
	)
	if cfg.Redis.URL != "" {
		redisClient, err := cache.NewRedisClient(&cfg.Redis, infraLogger)
		if err != nil {
			return err
		}
		defer redisClient.Close()

		limiter = cache.NewRedisRateLimiter(redisClient, infraLogger)
		redisNotifier := events.NewRedisNotifier(redisClient, cfg.Negotiation.EventChannel, logger)
		defer redisNotifier.Close()
		notifier = redisNotifier
		redisVerify = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	} else {
		logger.Warn("redis not configured, rate limiting and event publishing disabled")
	}

	requests := repository.NewRequestRepository(db)
	bids := repository.NewBidRepository(db)
	transactor := repository.NewSQLTransactor(db)

	svc := negotiation.NewService(
		requests,
		bids,
		transactor,
		notifier,
		rest.ContextIdentityResolver{},
		limiter,
		registry,
		logger,
		negotiation.Config{
			RequestLifetime: cfg.Negotiation.RequestLifetime,
			BidLifetime:     cfg.Negotiation.BidLifetime,
			BidRateLimit:    cfg.Negotiation.BidRateLimit,
			BidRateWindow:   cfg.Negotiation.BidRateWindow,
		},
	)

	sweeper := negotiation.NewSweeper(
		requests,
		bids,
		transactor,
		notifier,
		registry,
		logger,
		cfg.Negotiation.SweepInterval,
		cfg.Negotiation.SweepBatchSize,
	)
	go sweeper.Run(ctx)

	readiness := map[string]rest.ReadinessCheck{
		"database": func(ctx context.Context) error { return pingDB(ctx, db) },
	}
	if redisVerify != nil {
		readiness["redis"] = redisVerify
	}

	server := rest.NewServer(rest.ServerOptions{
		Config:    &cfg.Server,
		Handler:   rest.NewHandler(svc, logger),
		Auth:      rest.NewAuthMiddleware(cfg.Security.JWTSecret),
		Metrics:   registry,
		Logger:    logger,
		RateLimit: cfg.Security.RateLimit.RequestsPerSecond,
		RateBurst: cfg.Security.RateLimit.BurstSize,
		Readiness: readiness,
	})

	logger.Info("starting",
		slog.String("service", serviceName),
		slog.String("version", cfg.Version),
		slog.String("environment", cfg.Environment))

	return server.Run(ctx)
}

func pingDB(ctx context.Context, db *sql.DB) error {
	return db.PingContext(ctx)
}
