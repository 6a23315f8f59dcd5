package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/splax/bothost/internal/app/migrate"
	"github.com/splax/bothost/internal/config"
	"github.com/splax/bothost/internal/eventbus"
	httpx "github.com/splax/bothost/internal/http"
	"github.com/splax/bothost/internal/logger"
	"github.com/splax/bothost/internal/repository"
	"github.com/splax/bothost/internal/repository/memory"
	"github.com/splax/bothost/internal/repository/postgres"
	"github.com/splax/bothost/internal/service/analyzer"
	"github.com/splax/bothost/internal/service/archive"
	"github.com/splax/bothost/internal/service/deploy"
	"github.com/splax/bothost/internal/service/logs"
	"github.com/splax/bothost/internal/workspace"
)

const (
	httpShutdownTimeout = 10 * time.Second
	shutdownTimeout     = 30 * time.Second
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the deployment orchestrator and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.LoadConfig()
			log := logger.New("bothost", logger.ParseLevel(cfg.LogLevel))
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	ws, err := workspace.New(cfg.Workdir)
	if err != nil {
		return fmt.Errorf("prepare workdir: %w", err)
	}

	var inspector analyzer.Analyzer = analyzer.Nop{}
	if cfg.AnalyzerURL != "" {
		client, err := analyzer.NewClient(cfg.AnalyzerURL, cfg.AnalyzerToken, nil)
		if err != nil {
			return fmt.Errorf("configure analyzer: %w", err)
		}
		inspector = client
	}

	bus := eventbus.New(eventbus.Options{
		QueueSize:  cfg.BusQueueSize,
		IdleGrace:  cfg.BusIdleGrace,
		SweepEvery: cfg.BusSweepEvery,
		Logger:     log,
	})
	defer bus.Close()

	batcher := logs.NewBatcher(store, logs.BatcherOptions{
		FlushInterval: cfg.LogFlushInterval,
		FlushSize:     cfg.LogFlushSize,
		StoreTimeout:  cfg.StoreTimeout,
		Logger:        log,
	})
	snapshots := logs.NewSnapshotWriter(store, cfg.StoreTimeout, log)

	orchestrator, err := deploy.New(deploy.Dependencies{
		Workspace: ws,
		Unpacker:  archive.Extractor{MaxBytes: 8 * cfg.MaxArchiveBytes},
		Analyzer:  inspector,
		Bus:       bus,
		Logs:      batcher,
		Snapshots: snapshots,
		Store:     store,
		Logger:    log,
	}, deploy.Settings{
		MaxArchiveBytes: cfg.MaxArchiveBytes,
		UnpackTimeout:   cfg.UnpackTimeout,
		InstallTimeout:  cfg.InstallTimeout,
		AnalyzeTimeout:  cfg.AnalyzeTimeout,
		StopGracePeriod: cfg.StopGracePeriod,
		StoreTimeout:    cfg.StoreTimeout,
		Shell:           cfg.Shell,
		Install: archive.InstallCommands{
			Node:   cfg.NodeInstallCmd,
			Python: cfg.PythonInstall,
		},
		TailSize: cfg.LogTailSize,
	})
	if err != nil {
		return fmt.Errorf("configure orchestrator: %w", err)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Options{
		Logger:         log,
		Deployments:    orchestrator,
		Events:         bus,
		Limiter:        limiter,
		CoreToken:      cfg.CoreToken,
		MaxUploadBytes: cfg.MaxArchiveBytes,
		LogLimit:       cfg.SnapshotLogLimit,
		Heartbeat:      cfg.SSEHeartbeat,
		Retry:          cfg.SSERetry,
		Health:         store.Ping,
	})
	defer router.Close()

	srv := httpx.NewServer(cfg.Addr, router)

	workers, workerCtx := errgroup.WithContext(context.WithoutCancel(ctx))
	workerCtx, stopWorkers := context.WithCancel(workerCtx)
	defer stopWorkers()
	workers.Go(func() error {
		bus.Run(workerCtx)
		return nil
	})
	workers.Go(func() error {
		return batcher.Run(workerCtx)
	})

	serverErr := make(chan error, 1)
	go func() {
		log.Info("bothost server starting", "addr", cfg.Addr, "store", cfg.ResolvedStoreBackend(), "workdir", ws.Root())
		serverErr <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	log.Info("shutting down")
	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancelHTTP()
	if err := srv.Shutdown(httpCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	stopCtx, cancelStop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelStop()
	if err := orchestrator.Shutdown(stopCtx); err != nil {
		log.Error("stopping deployments failed", "error", err)
	}
	if err := snapshots.Wait(stopCtx); err != nil {
		log.Error("pending snapshots not written", "error", err)
	}
	stopWorkers()
	if err := workers.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("background worker failed", "error", err)
	}
	log.Info("bothost server stopped")
	return runErr
}

// openStore selects the deployment store. A durable store that cannot be
// reached at startup is replaced by the no-op store.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (repository.DeploymentStore, func(), error) {
	switch cfg.ResolvedStoreBackend() {
	case config.StoreBackendMemory:
		log.Info("using in-memory deployment store")
		return memory.New(), func() {}, nil
	case config.StoreBackendNone:
		log.Info("durable store disabled")
		return repository.Nop{}, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		log.Warn("database unreachable, continuing without durable store", "error", err)
		return repository.Nop{}, func() {}, nil
	}

	if cfg.AutoMigrate {
		runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("configure migrations: %w", err)
		}
		if err := runner.Ensure(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	log.Info("using postgres deployment store")
	return postgres.New(pool), pool.Close, nil
}
