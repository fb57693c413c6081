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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/edgewire/vidproxy/internal/api/handler"
	"github.com/edgewire/vidproxy/internal/api/middleware"
	"github.com/edgewire/vidproxy/internal/auth"
	"github.com/edgewire/vidproxy/internal/background"
	"github.com/edgewire/vidproxy/internal/config"
	"github.com/edgewire/vidproxy/internal/domain/repository"
	"github.com/edgewire/vidproxy/internal/fetcher"
	rediscache "github.com/edgewire/vidproxy/internal/infrastructure/cache"
	"github.com/edgewire/vidproxy/internal/infrastructure/postgres"
	"github.com/edgewire/vidproxy/internal/infrastructure/queue"
	"github.com/edgewire/vidproxy/internal/infrastructure/storage"
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

	var buckets map[string]repository.ObjectBucket
	if len(cfg.MinIO.Buckets) > 0 {
		buckets, err = storage.NewBuckets(ctx, storage.ClientConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			UseSSL:    cfg.MinIO.UseSSL,
		}, cfg.MinIO.Buckets)
		if err != nil {
			return fmt.Errorf("failed to connect to MinIO: %w", err)
		}
		logger.Info("connected to MinIO", slog.Int("buckets", len(buckets)))
	}

	var mq repository.MessageQueue
	if cfg.RabbitMQ.Enabled {
		queueClient, err := queue.NewClient(ctx, queue.DefaultClientConfig(cfg.RabbitMQ.URL()))
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		defer queueClient.Close()
		logger.Info("connected to RabbitMQ")
		mq = queueClient
	}

	var registry repository.VariantRegistry
	var pgClient *postgres.Client
	if cfg.Database.DSN != "" {
		pgClient, err = postgres.NewClient(ctx, postgres.DefaultClientConfig(cfg.Database.DSN))
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		defer pgClient.Close()
		logger.Info("connected to PostgreSQL")
		registry = postgres.NewVariantRepository(pgClient.Pool())
	}

	gate := background.New(ctx, background.Config{
		MaxConcurrent: cfg.Proxy.BackgroundMaxConcurrent,
		TaskTimeout:   cfg.Proxy.BackgroundTaskTimeout,
	}, logger)

	videoCache := videocache.New(blobStore, gate, mq, registry, videocache.Config{
		ChunkSize:         cfg.Proxy.ChunkSize,
		SingleEntryMax:    cfg.Proxy.SingleEntryMax,
		StoreIndefinitely: cfg.Proxy.StoreIndefinitely,
		Cache:             cfgStore.Snapshot().Caching(),
	}, logger)

	signer := auth.NewSigner(auth.OSEnv())
	presigns := presign.NewCache(blobStore, signer, gate, presign.Config{
		Expiry:           cfg.Proxy.PresignExpiry,
		RefreshThreshold: cfg.Proxy.PresignRefreshThreshold,
	})

	resolver := origin.NewResolver(buckets)
	storageFetcher := fetcher.New(nil, signer, presigns, fetcher.Config{
		AttemptTimeout: cfg.Proxy.FetchTimeout,
		OverallBudget:  cfg.Proxy.FailoverBudget,
	}, logger)
	invoker := transform.NewInvoker(nil, cfgStore.Snapshot().Video.CDNBasePath)

	svc := usecase.NewTransformService(cfgStore, resolver, videoCache, invoker, storageFetcher, gate,
		usecase.ServiceConfig{
			FallbackCacheMax: cfg.Proxy.FallbackCacheMax,
			PublicOrigin:     cfg.Proxy.PublicOrigin,
		}, logger)

	r := setupRouter(logger, svc, videoCache, registry, cfgStore, readinessChecks(redisClient, pgClient))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down server", slog.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	if err := gate.Drain(shutdownCtx); err != nil {
		logger.Warn("background tasks did not drain", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
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

func readinessChecks(redisClient *redis.Client, pgClient *postgres.Client) map[string]func(ctx context.Context) error {
	checks := map[string]func(ctx context.Context) error{
		"redis": func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return redisClient.Ping(ctx).Err()
		},
	}
	if pgClient != nil {
		checks["postgres"] = func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return pgClient.Ping(ctx)
		}
	}
	return checks
}

func setupRouter(
	logger *slog.Logger,
	svc *usecase.TransformService,
	videoCache *videocache.Cache,
	registry repository.VariantRegistry,
	cfgStore *config.Store,
	checks map[string]func(ctx context.Context) error,
) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))

	r.Get("/health", handler.Health)
	r.Get("/readyz", handler.Readiness(checks))
	r.Handle("/metrics", promhttp.Handler())

	admin := handler.NewAdminHandler(videoCache, registry, cfgStore)
	r.Route("/admin", func(r chi.Router) {
		r.Get("/variants", admin.ListVariants)
		r.Delete("/variants", admin.PurgeVariant)
		r.Post("/version/bump", admin.BumpVersion)
		r.Put("/config", admin.UpdateConfig)
	})

	th := handler.NewTransformHandler(svc, cfgStore)
	r.Get("/*", th.Serve)
	r.Head("/*", th.Serve)

	return r
}
