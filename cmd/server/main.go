package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hasura/engine-plugin-rate-limit/internal/config"
	"github.com/hasura/engine-plugin-rate-limit/internal/log"
	"github.com/hasura/engine-plugin-rate-limit/internal/ratelimiter"
	"github.com/hasura/engine-plugin-rate-limit/internal/ratelimiter/algorithm"
	"github.com/hasura/engine-plugin-rate-limit/pkg/plugin"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Logger().Fatal("Failed to load config", zap.Error(err))
	}
	if err := log.Init(log.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		log.Logger().Fatal("Failed to build logger", zap.Error(err))
	}
	defer log.Sync()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Logger().Fatal("Invalid redis url", zap.Error(err))
	}
	// decisions never retry: a failed call goes straight to the fallback path
	redisOpts.MaxRetries = -1
	redisOpts.DialTimeout = cfg.Redis.Timeout
	redisOpts.ReadTimeout = cfg.Redis.Timeout
	redisOpts.WriteTimeout = cfg.Redis.Timeout

	monitor := ratelimiter.NewMonitor()
	redisClient := redis.NewClient(redisOpts)
	redisClient.AddHook(monitor.RedisHook())
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Logger().Warn("Failed to close redis client", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go monitor.Watch(ctx, cfg.Redis.HealthInterval, cfg.Redis.Timeout, func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})

	engine, err := ratelimiter.NewEngine(
		cfg.RateLimit.Policy,
		algorithm.NewSlidingWindowLog(redisClient, cfg.RateLimit.KeyPrefix),
		monitor,
		ratelimiter.WithTimeout(cfg.Redis.Timeout),
	)
	if err != nil {
		log.Logger().Fatal("Failed to create rate limiter", zap.Error(err))
	}

	handler := plugin.NewRouter(&plugin.Config{
		Decider:           ratelimiter.WithLogging(engine, log.Logger()),
		Monitor:           monitor,
		UnavailableStatus: cfg.RateLimit.UnavailableStatus,
		AuthSecret:        cfg.Server.AuthSecret,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Logger().Info("Run a server listening to "+srv.Addr,
			zap.Int64("limit", cfg.RateLimit.Policy.Limit),
			zap.Int64("windowSeconds", cfg.RateLimit.Policy.WindowSeconds),
			zap.String("fallbackMode", string(cfg.RateLimit.Policy.FallbackMode)))
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Logger().Info("Shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Logger().Fatal("Failed to serve handler", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Logger().Warn("Graceful shutdown failed", zap.Error(err))
	}
}
