package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldsync/internal/api"
	"fieldsync/internal/config"
	"fieldsync/internal/conflict"
	"fieldsync/internal/database"
	"fieldsync/internal/engine"
	"fieldsync/internal/events"
	"fieldsync/internal/export"
	"fieldsync/internal/logging"
	"fieldsync/internal/metrics"
	"fieldsync/internal/monitor"
	"fieldsync/internal/queue"
	"fieldsync/internal/remote"
	"fieldsync/internal/repository"
	"fieldsync/internal/service"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const statusTTL = 24 * time.Hour

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	bus := events.NewEventBus()
	var queueOpts []queue.Option
	if redisClient != nil {
		queueOpts = append(queueOpts, queue.WithDeadLetterSink(repository.NewRedisDeadLetterSink(redisClient, cfg.Redis.DeadLetterKey)))
	}
	q := queue.NewManager(db, queue.RetryPolicy{
		MaxRetries:   cfg.Sync.Retry.MaxRetries,
		InitialDelay: cfg.Sync.Retry.InitialDelay,
		MaxDelay:     cfg.Sync.Retry.MaxDelay,
	}, bus, logging.Component(&logger, "queue"), queueOpts...)

	mon := monitor.New(cfg.Monitor, &http.Client{Timeout: cfg.Remote.Timeout}, logging.Component(&logger, "monitor"))
	client := remote.NewClient(cfg.Remote, logging.Component(&logger, "remote"))
	resolver := conflict.NewResolver(cfg.FieldPolicies(), cfg.ThreeWay(), logging.Component(&logger, "conflict"))

	orch := engine.New(db, q, resolver, client, mon, bus, logging.Component(&logger, "engine"), engine.Options{
		EntityTypes:    cfg.Sync.EntityTypes,
		Interval:       cfg.Sync.Interval,
		BatchSize:      cfg.Sync.BatchSize,
		MaxConcurrency: cfg.Sync.MaxConcurrency,
		RequestTimeout: cfg.Sync.RequestTimeout,
	})
	orch.SetStatusStore(statusStore(redisClient, cfg, &logger))

	entities := service.NewEntityService(db, bus, orch, logging.Component(&logger, "entities"))
	report := func(ctx context.Context) (string, error) {
		return export.WriteReport(ctx, cfg.Exports.Path, orch, time.Now())
	}
	httpServer := api.NewHTTPServer(cfg.API, orch, entities, report, logging.Component(&logger, "api"))

	startMetrics(ctx, cfg, &logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mon.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		database.NewBackupService(db, cfg.Backup, logging.Component(&logger, "backup")).Start(gctx)
		return nil
	})
	if cfg.API.HTTP.Enabled {
		g.Go(func() error {
			return httpServer.Start()
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	logger.Info().
		Str("device_id", cfg.App.DeviceID).
		Strs("entity_types", cfg.Sync.EntityTypes).
		Dur("interval", cfg.Sync.Interval).
		Msg("sync agent started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("sync agent stopped")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "agent-main").Logger()

	return cfg, logger, closer, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

// statusStore prefers Redis and falls back to memory while Redis is unreachable.
func statusStore(client *redis.Client, cfg *config.Config, logger *zerolog.Logger) engine.StatusStore {
	memory := repository.NewMemoryStatusRepository()
	if client == nil {
		return memory
	}
	primary := repository.NewRedisStatusRepository(client, cfg.Redis.StatusKey, statusTTL)
	return repository.NewFailoverStatusRepository(primary, memory, logging.Component(logger, "status"))
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
