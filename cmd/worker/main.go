package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/edgewire/vidproxy/internal/auth"
	"github.com/edgewire/vidproxy/internal/config"
	"github.com/edgewire/vidproxy/internal/domain/repository"
	"github.com/edgewire/vidproxy/internal/fetcher"
	rediscache "github.com/edgewire/vidproxy/internal/infrastructure/cache"
	"github.com/edgewire/vidproxy/internal/infrastructure/queue"
	"github.com/edgewire/vidproxy/internal/origin"
	"github.com/edgewire/vidproxy/internal/presign"
	"github.com/edgewire/vidproxy/internal/transform"
	"github.com/edgewire/vidproxy/internal/usecase"
	"github.com/edgewire/vidproxy/internal/videocache"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("connected to Redis")

	blobStore := rediscache.NewRedisBlobStore(redisClient)

	cfgStore, err := loadWorkerConfig(ctx, cfg, blobStore)
	if err != nil {
		return err
	}

	queueCfg := queue.DefaultClientConfig(cfg.RabbitMQ.URL())
	queueCfg.MaxRetries = cfg.Worker.MaxRetries
	queueClient, err := queue.NewClient(ctx, queueCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer queueClient.Close()
	logger.Info("connected to RabbitMQ")

	// The worker refreshes cached artifacts; it publishes no further refresh
	// tasks and needs no background gate.
	videoCache := videocache.New(blobStore, nil, nil, nil, videocache.Config{
		ChunkSize:         cfg.Proxy.ChunkSize,
		SingleEntryMax:    cfg.Proxy.SingleEntryMax,
		StoreIndefinitely: cfg.Proxy.StoreIndefinitely,
		Cache:             cfgStore.Snapshot().Caching(),
	}, logger)

	signer := auth.NewSigner(auth.OSEnv())
	presigns := presign.NewCache(blobStore, signer, nil, presign.Config{
		Expiry:           cfg.Proxy.PresignExpiry,
		RefreshThreshold: cfg.Proxy.PresignRefreshThreshold,
	})
	storageFetcher := fetcher.New(nil, signer, presigns, fetcher.Config{
		AttemptTimeout: cfg.Proxy.FetchTimeout,
		OverallBudget:  cfg.Proxy.FailoverBudget,
	}, logger)
	invoker := transform.NewInvoker(nil, cfgStore.Snapshot().Video.CDNBasePath)

	svc := usecase.NewTransformService(cfgStore, origin.NewResolver(nil), videoCache, invoker,
		storageFetcher, nil, usecase.ServiceConfig{
			FallbackCacheMax: cfg.Proxy.FallbackCacheMax,
			PublicOrigin:     cfg.Proxy.PublicOrigin,
		}, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting worker, consuming revalidation tasks")
		err := queueClient.ConsumeRevalidations(ctx, func(task repository.RevalidationTask) error {
			wg.Add(1)
			defer wg.Done()

			logger.Info("revalidating",
				slog.String("task_id", task.ID.String()),
				slog.String("path", task.SourcePath),
				slog.String("reason", task.Reason),
				slog.Int("attempt", task.Attempt),
			)

			if err := svc.Revalidate(ctx, task); err != nil {
				logger.Error("revalidation failed",
					slog.String("task_id", task.ID.String()),
					slog.String("path", task.SourcePath),
					slog.String("error", err.Error()),
				)
				return err
			}

			logger.Info("revalidation completed",
				slog.String("task_id", task.ID.String()),
				slog.String("path", task.SourcePath),
			)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("consumer error: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down worker", slog.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all in-flight tasks completed")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded, some tasks may not have completed")
	}

	logger.Info("worker stopped")
	return nil
}

// loadWorkerConfig reads the worker configuration document from a file when
// WORKER_CONFIG_PATH is set, otherwise from the KV key it is published under.
func loadWorkerConfig(ctx context.Context, cfg *config.Config, store repository.BlobStore) (*config.Store, error) {
	var data []byte
	if cfg.Proxy.WorkerConfigPath != "" {
		b, err := os.ReadFile(cfg.Proxy.WorkerConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read worker config: %w", err)
		}
		data = b
	} else {
		entry, err := store.Get(ctx, cfg.Proxy.WorkerConfigKey)
		if err != nil {
			return nil, fmt.Errorf("failed to read worker config from KV key %q: %w", cfg.Proxy.WorkerConfigKey, err)
		}
		data = entry.Value
	}
	return config.NewStore(data)
}
