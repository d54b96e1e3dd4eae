package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/provider-scheduling/internal/api"
	"github.com/hackgods/provider-scheduling/internal/auth"
	"github.com/hackgods/provider-scheduling/internal/config"
	"github.com/hackgods/provider-scheduling/internal/db"
	"github.com/hackgods/provider-scheduling/internal/logging"
	"github.com/hackgods/provider-scheduling/internal/metrics"
	redisclient "github.com/hackgods/provider-scheduling/internal/redis"
	"github.com/hackgods/provider-scheduling/internal/scheduling"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("http_port", cfg.HTTPPort),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	// Connect Redis. Booking stays correct without it, so a failure here only
	// disables the slot lock.
	var (
		rdb    *redis.Client
		locker redisclient.Locker = redisclient.NopLocker{}
	)
	if cfg.RedisEnabled {
		redisCtx, cancelRedis := context.WithTimeout(rootCtx, 5*time.Second)
		rdb, err = redisclient.NewRedisClient(redisCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		cancelRedis()
		if err != nil {
			logger.Warn("redis unavailable, slot lock disabled", zap.Error(err))
			rdb = nil
		} else {
			defer func() {
				if err := rdb.Close(); err != nil {
					logger.Warn("error closing redis", zap.Error(err))
				}
			}()
			locker = redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL, cfg.LockWait)
			logger.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))
		}
	}

	m := metrics.New(nil)
	repo := scheduling.NewPgRepository(pgPool)

	router := api.NewRouter(api.RouterConfig{
		Providers:          scheduling.NewProviderRegistry(repo, logger.Named("registry")),
		Availability:       scheduling.NewAvailabilityManager(repo, m, logger.Named("availability"), cfg.RejectOverlappingSlots),
		Booking:            scheduling.NewBookingEngine(repo, locker, m, logger.Named("booking")),
		Authenticator:      auth.NewVerifier(cfg.JWTSecret),
		PgPool:             pgPool,
		Redis:              rdb,
		Metrics:            m,
		Logger:             logger.Named("http"),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitPerSecond: rateLimit(cfg),
		Env:                cfg.Env,
		Version:            cfg.Version,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-rootCtx.Done():
	case err := <-serverErr:
		logger.Error("http server failed", zap.Error(err))
	}

	logger.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func rateLimit(cfg config.Config) int {
	if !cfg.RateLimitEnabled {
		return 0
	}
	return cfg.RateLimitPerSecond
}
