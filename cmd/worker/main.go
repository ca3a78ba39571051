package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/kursadbilgin/backfill-engine/internal/batched"
	"github.com/kursadbilgin/backfill-engine/internal/config"
	"github.com/kursadbilgin/backfill-engine/internal/events"
	"github.com/kursadbilgin/backfill-engine/internal/handler"
	"github.com/kursadbilgin/backfill-engine/internal/infra/database"
	"github.com/kursadbilgin/backfill-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/backfill-engine/internal/infra/redis"
	"github.com/kursadbilgin/backfill-engine/internal/observability"
	"github.com/kursadbilgin/backfill-engine/internal/ratelimit"
	"github.com/kursadbilgin/backfill-engine/internal/registry"
	"github.com/kursadbilgin/backfill-engine/internal/repository"
	"github.com/kursadbilgin/backfill-engine/internal/service"
	"github.com/kursadbilgin/backfill-engine/internal/transport"
)

const (
	shutdownTimeout = 15 * time.Second
	reconcileEvery  = 15 * time.Second
)

var migrationFileExtensions = []string{"sql"}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("backfill worker failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	defer sqlDB.Close()

	if err := migrations.Migrate(db); err != nil {
		return err
	}
	if err := runMigrationFiles(db, cfg.MigrationsDir, logger); err != nil {
		return err
	}

	reg, err := batched.NewRegistry()
	if err != nil {
		return fmt.Errorf("invalid batched migration registry: %w", err)
	}

	migrationRepo := repository.NewGormMigrationRepo(db)
	batchRepo := repository.NewGormBatchRepo(db)

	enqueuer, err := service.NewEnqueuer(db, migrationRepo, logger)
	if err != nil {
		return err
	}
	// Definitions that fail to enqueue are retried on the next start; the
	// rest still run.
	if _, err := enqueuer.EnqueueAll(ctx, cfg.Project, reg); err != nil {
		logger.Error("some batched migrations could not be enqueued", zap.Error(err))
	}

	var (
		rdb     *goredis.Client
		limiter ratelimit.RateLimiter
	)
	if cfg.RedisURL != "" {
		rdb, err = infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer rdb.Close()
	}
	if cfg.BatchRateLimitPerSec > 0 {
		redisLimiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.BatchRateLimitPerSec)
		if err != nil {
			return err
		}
		limiter = redisLimiter
	}

	metrics := observability.NewMetrics()

	executor, err := service.NewExecutor(db, cfg.BatchTimeout(), logger)
	if err != nil {
		return err
	}

	coordinator, err := service.NewCoordinator(migrationRepo, batchRepo, reg, executor, limiter, service.CoordinatorConfig{
		Project:           cfg.Project,
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      cfg.PollInterval(),
		LeaseDuration:     cfg.ClaimLease(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		MaxAttempts:       cfg.MaxAttempts,
		BaseRetryDelay:    cfg.RetryBaseDelay(),
		MaxRetryDelay:     cfg.RetryMaxDelay(),
		PartitionChunk:    cfg.PartitionChunk,
	}, logger)
	if err != nil {
		return err
	}
	coordinator.SetMetrics(metrics)

	if cfg.RabbitMQURL != "" {
		rabbit, err := events.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			return fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		publisher := events.NewRabbitMQPublisher(rabbit)
		defer publisher.Close()
		coordinator.SetPublisher(publisher)
	}

	reconciler, err := service.NewReconciler(coordinator, reconcileEvery, logger)
	if err != nil {
		return err
	}

	statusService, err := service.NewStatusService(migrationRepo, batchRepo)
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	if err := handler.RegisterStatusRoutes(app, statusService); err != nil {
		return err
	}

	logger.Info("backfill worker started",
		zap.String("project", cfg.Project),
		zap.String("databaseDriver", cfg.DatabaseDriver),
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Int("port", cfg.APIPort),
		zap.Bool("throttled", limiter != nil),
		zap.Bool("publishesEvents", cfg.RabbitMQURL != ""),
	)

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coordinator.Start(groupCtx)
	})
	g.Go(func() error {
		return reconciler.Start(groupCtx)
	})
	g.Go(func() error {
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runMigrationFiles(db *gorm.DB, dir string, logger *zap.Logger) error {
	if dir == "" {
		return nil
	}

	files, err := registry.ReadAndValidateMigrationsFromDirectory(os.DirFS(dir), ".", migrationFileExtensions)
	if err != nil {
		return err
	}
	if err := migrations.RunFiles(db, files); err != nil {
		return err
	}

	logger.Info("migration files applied", zap.String("dir", dir), zap.Int("files", len(files)))
	return nil
}
