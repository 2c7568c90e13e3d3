package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bookreview/internal/ratelimit"
	"bookreview/internal/util"
	"bookreview/pkg/cache"
	"bookreview/pkg/store"
	"bookreview/services/bookreview/internal/app"
	"bookreview/services/bookreview/internal/config"
	"bookreview/services/bookreview/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	bookStore, err := store.NewGormStore(cfg.DatabaseURL, store.WithAutoMigrate(cfg.MigrateOnStart()))
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	slog.Info("store ready", "dsn", store.RedactDSN(cfg.DatabaseURL), "auto_migrate", cfg.MigrateOnStart())

	var (
		bookCache    *cache.Cache
		writeLimiter *ratelimit.FixedWindowLimiter
	)
	if cfg.UseCache() {
		backend, err := cache.NewRedisBackend(cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Fatalf("failed to init redis cache: %v", err)
		}
		mode, _ := cache.ParseInvalidationMode(cfg.CacheInvalidation)
		bookCache = cache.New(backend, cache.Options{
			TTL:          time.Duration(cfg.CacheTTLSeconds) * time.Second,
			Invalidation: mode,
			KeyPrefix:    cfg.CacheKeyPrefix,
			Logger:       logger,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := bookCache.Ping(pingCtx); err != nil {
			slog.Warn("redis unreachable at startup, serving from store until it recovers", "addr", cfg.RedisAddr, "err", err)
		} else {
			slog.Info("redis cache ready", "addr", cfg.RedisAddr, "ttl_seconds", cfg.CacheTTLSeconds, "invalidation", string(mode))
		}
		cancel()

		if cfg.WriteRateLimitPerMinute > 0 {
			writeLimiter, err = ratelimit.NewFixedWindowLimiter(backend.Client(), cfg.CacheKeyPrefix+"ratelimit:write", cfg.WriteRateLimitPerMinute, time.Minute)
			if err != nil {
				log.Fatalf("failed to init write rate limiter: %v", err)
			}
		}
	} else {
		slog.Info("redis cache disabled")
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxy cidrs: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store: bookStore,
		Cache: bookCache,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		WriteLimiter:   writeLimiter,
		TrustedProxies: trusted,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("bookreview server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down", "timeout", shutdownTimeout.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "err", err)
		}
		cancel()
	}

	if err := bookCache.Close(); err != nil {
		logger.Warn("close redis", "err", err)
	}
	if err := bookStore.Close(); err != nil {
		logger.Warn("close store", "err", err)
	}
}
