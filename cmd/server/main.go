package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/config"
	"posledger/backend/internal/events"
	"posledger/backend/internal/httpapi"
	"posledger/backend/internal/observability"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
	pgstore "posledger/backend/internal/store/postgres"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTelEndpoint, cfg.OTelAuthHeader, version)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}

	repo, closers, err := openRepository(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("repository unavailable", zap.Error(err))
	}

	opts := []service.Option{service.WithLogger(logger)}

	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisReceiptCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, receipts are not cached", zap.Error(err))
		} else {
			opts = append(opts, service.WithReceiptCache(redisCache, cfg.ReceiptCacheTTL()))
			closers = append(closers, redisCache.Close)
			logger.Info("receipt cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		opts = append(opts, service.WithPublisher(publisher))
		closers = append(closers, publisher.Close)
		logger.Info("events: kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	svc := service.New(repo, opts...)
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("ledger listening", zap.String("addr", cfg.Address()), zap.String("version", version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error("close error", zap.Error(err))
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
}

// openRepository connects to Postgres when DATABASE_URL is set and refuses to
// fall back to memory if that fails. Without it the seeded memory store is used.
func openRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, []func() error, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("repository: in-memory")
		return memory.NewSeeded(memory.WithLockTimeout(cfg.LockTimeout()), memory.WithLogger(logger)), nil, nil
	}

	pg, err := pgstore.New(ctx, cfg.DatabaseURL, cfg.LockTimeout())
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, fmt.Errorf("postgres migrate: %w", err)
	}
	logger.Info("repository: postgres", zap.Duration("lock_timeout", cfg.LockTimeout()))
	return pg, []func() error{pg.Close}, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AllowedOrigin == "*" {
		return fmt.Errorf("ALLOWED_ORIGIN must name a concrete origin")
	}
	return nil
}
