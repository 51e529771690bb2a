// Command shopfloor serves the workflow tracker behind the HR and shop-floor
// dashboard over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/shopfloor-flow/api"
	"github.com/songzhibin97/shopfloor-flow/config"
	"github.com/songzhibin97/shopfloor-flow/events"
	"github.com/songzhibin97/shopfloor-flow/facade"
	"github.com/songzhibin97/shopfloor-flow/feedback"
	"github.com/songzhibin97/shopfloor-flow/logging"
	"github.com/songzhibin97/shopfloor-flow/planning"
	"github.com/songzhibin97/shopfloor-flow/rules"
	"github.com/songzhibin97/shopfloor-flow/seed"
	"github.com/songzhibin97/shopfloor-flow/storage"
	"github.com/songzhibin97/shopfloor-flow/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "loading %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("shopfloor stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, closeStore, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	bus := events.NewEventBus(events.WithLogger(logger))
	defer bus.Stop()
	bus.SubscribeAll(events.LogHandler(logger.Named("events")))

	ids := generator.NewSnowflake(time.Now().Add(-time.Second), cfg.Node.MachineID)
	evaluator := rules.NewExprEvaluator(
		rules.WithCacheSize(cfg.Rules.CacheSize),
		rules.WithCacheTTL(cfg.Rules.CacheTTL),
	)

	machine, err := workflow.NewMachine(ids, store, evaluator,
		workflow.WithEventBus(bus),
		workflow.WithLogger(logger.Named("workflow")),
	)
	if err != nil {
		return fmt.Errorf("creating stage machine: %w", err)
	}
	board, err := feedback.NewBoard(ids, store,
		feedback.WithEventBus(bus),
		feedback.WithLogger(logger.Named("feedback")),
	)
	if err != nil {
		return fmt.Errorf("creating feedback board: %w", err)
	}
	planner, err := planning.NewPlanner(ids, store,
		planning.WithEventBus(bus),
		planning.WithLogger(logger.Named("planning")),
	)
	if err != nil {
		return fmt.Errorf("creating planner: %w", err)
	}
	f, err := facade.New(store, machine, board, planner,
		facade.WithEvaluator(evaluator),
		facade.WithLogger(logger.Named("facade")),
	)
	if err != nil {
		return err
	}

	if cfg.Seed.Enabled {
		fx, err := seed.ReadFile(cfg.Seed.Path)
		if err != nil {
			return err
		}
		if _, err := seed.Load(ctx, f, fx, logger.Named("seed")); err != nil {
			return err
		}
	}

	gin.SetMode(cfg.Server.Mode)
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(f, logger.Named("http")),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr), zap.String("storage", cfg.Storage.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// openStorage builds the configured store and the func that releases it.
func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Storage, func(), error) {
	switch cfg.Driver {
	case config.DriverRedis:
		store, err := storage.NewRedisStorage(ctx, storage.RedisOptions{
			Addr:           cfg.Redis.Addr,
			Password:       cfg.Redis.Password,
			DB:             cfg.Redis.DB,
			PoolSize:       cfg.Redis.PoolSize,
			MinIdleConns:   cfg.Redis.MinIdleConns,
			IdleTimeout:    cfg.Redis.IdleTimeout,
			KeyPrefix:      cfg.Redis.KeyPrefix,
			ConnectRetries: cfg.Redis.ConnectRetries,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return storage.NewMemoryStorage(), func() {}, nil
	}
}
