package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ondevice-gateway/internal/backend"
	"ondevice-gateway/internal/cache"
	"ondevice-gateway/internal/config"
	"ondevice-gateway/internal/engine/echo"
	"ondevice-gateway/internal/engine/upstream"
	"ondevice-gateway/internal/gateway"
	"ondevice-gateway/internal/metrics"
	"ondevice-gateway/internal/middleware"
	"ondevice-gateway/pkg/logging/logging"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "gateway exited with error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	// ----- Config -----
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	// ----- Logger -----
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// ----- Metrics -----
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	variants, err := cfg.VariantList()
	if err != nil {
		return err
	}
	logger.Info("loaded config",
		zap.String("host", cfg.Host),
		zap.Strings("variants", cfg.Variants),
		zap.Any("ports", cfg.Ports),
		zap.String("engine", cfg.Engine.Kind),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("server_version", cfg.ServerVersion),
	)

	// ----- Engine -----
	engine, closeEngine, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEngine()

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.Cache.Backend == cache.BackendRedis {
		redisClient, err = cache.NewRedisClient(ctx, cfg.Cache.RedisAddr)
		if err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		defer redisClient.Close()
		logger.Info("redis connection established", zap.String("addr", cfg.Cache.RedisAddr))
	}

	// ----- Deterministic cache -----
	exactCache, err := cache.NewExactCache(cfg.CacheConfig(), redisClient)
	if err != nil {
		return err
	}

	// ----- Rate limiting -----
	var limiter *middleware.IPRateLimiter
	if cfg.RateLimit.RPS > 0 {
		limiter = middleware.NewIPRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		go limiter.Cleanup(ctx, time.Minute)
	}

	// ----- Variant servers -----
	cluster, err := gateway.NewCluster(variants, gateway.Deps{
		Engine:        engine,
		Logger:        logger,
		Host:          cfg.Host,
		Ports:         cfg.PortMap(),
		ServerVersion: cfg.ServerVersion,
		Cache:         exactCache,
		CacheTTL:      cfg.Cache.TTL,
		MaxBodyBytes:  cfg.MaxBodyBytes,
		InfoTimeout:   cfg.Timeouts.InfoRequest,
		Limiter:       limiter,
		ForwardToken:  cfg.ForwardToken,
	}, gateway.Timeouts{
		ReadHeader: cfg.Timeouts.ReadHeader,
		Shutdown:   cfg.Timeouts.Shutdown,
	})
	if err != nil {
		return err
	}

	if err := cluster.Start(ctx); err != nil {
		logger.Error("gateway start failed", zap.Error(err))
		return err
	}

	// ----- Graceful shutdown -----
	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown+time.Second)
	defer cancel()

	if err := cluster.Stop(shutdownCtx); err != nil {
		logger.Error("gateway shutdown error", zap.Error(err))
		return err
	}

	logger.Info("gateway shutdown complete")
	return nil
}

func buildEngine(cfg *config.Config, logger *zap.Logger) (backend.Engine, func(), error) {
	switch cfg.Engine.Kind {
	case config.EngineUpstream:
		eng, err := upstream.New(upstream.Config{
			BaseURL:        cfg.Engine.BaseURL,
			Model:          cfg.Engine.Model,
			APIKey:         cfg.Engine.APIKey,
			RequestTimeout: cfg.Engine.Timeout,
			Languages:      cfg.Engine.Languages,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return eng, func() { _ = eng.Close() }, nil

	default:
		reason, err := cfg.EchoReason()
		if err != nil {
			return nil, nil, err
		}
		eng := echo.New(echo.Config{
			Reason:     reason,
			TokenDelay: cfg.Engine.TokenDelay,
			Languages:  cfg.Engine.Languages,
		})
		return eng, func() {}, nil
	}
}
