package di

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/milvaion/milvaion/internal/config"
	"github.com/milvaion/milvaion/internal/lock"
	"github.com/milvaion/milvaion/internal/observability"
	"github.com/milvaion/milvaion/internal/resilience"
	"github.com/milvaion/milvaion/internal/schedule"
	"github.com/milvaion/milvaion/internal/workers"
)

// RedisModule provides the Redis client and everything built on it: the
// circuit breaker, the schedule client, the lock service and the worker
// registry.
var RedisModule = fx.Module("redis",
	fx.Provide(
		provideRedisClient,
		provideBreakerRegistry,
		provideCircuitBreaker,
		provideScheduleClient,
		provideLockService,
		provideWorkerRegistry,
	),
)

func provideRedisClient(lc fx.Lifecycle, cfg *config.RedisConfig, logger *zap.Logger) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				// The breaker and dispatcher tolerate a Redis outage at
				// startup, so log rather than abort
				logger.Warn("Redis unreachable at startup", zap.Error(err))
			} else {
				logger.Info("Connected to Redis", zap.String("addr", cfg.Addr()))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return rdb.Close()
		},
	})
	return rdb
}

func provideBreakerRegistry(logger *zap.Logger) *resilience.CircuitBreakerRegistry {
	return resilience.NewCircuitBreakerRegistry(logger)
}

func provideCircuitBreaker(
	cfg *config.RedisConfig,
	registry *resilience.CircuitBreakerRegistry,
	metrics *observability.Metrics,
) *resilience.CircuitBreaker {
	bc := resilience.DefaultCircuitBreakerConfig("redis")
	if cfg.Breaker.FailureThreshold > 0 {
		bc.FailureThreshold = cfg.Breaker.FailureThreshold
	}
	if cfg.Breaker.SuccessThreshold > 0 {
		bc.SuccessThreshold = cfg.Breaker.SuccessThreshold
	}
	if cfg.Breaker.OpenTimeout > 0 {
		bc.OpenTimeout = cfg.Breaker.OpenTimeout
	}
	if cfg.Breaker.Window > 0 {
		bc.Window = cfg.Breaker.Window
	}
	registry.RegisterConfig(bc)

	breaker := registry.Get(bc.Name)
	breaker.SetObservers(metrics.CommandErrors.Inc, func(s resilience.State) {
		metrics.BreakerState.Set(float64(s))
	})
	return breaker
}

func provideScheduleClient(
	rdb *redis.Client,
	breaker *resilience.CircuitBreaker,
	cfg *config.RedisConfig,
	dispatchCfg *config.DispatcherConfig,
	logger *zap.Logger,
) schedule.Client {
	opts := schedule.DefaultOptions()
	opts.KeyPrefix = cfg.KeyPrefix
	if dispatchCfg.RunningMarkerTTL > 0 {
		opts.RunningMarkerTTL = dispatchCfg.RunningMarkerTTL
	}
	return schedule.NewClient(rdb, breaker, opts, logger)
}

func provideLockService(
	rdb *redis.Client,
	breaker *resilience.CircuitBreaker,
	cfg *config.RedisConfig,
	logger *zap.Logger,
) lock.Service {
	return lock.NewService(rdb, breaker, lock.Options{KeyPrefix: cfg.KeyPrefix}, logger)
}

func provideWorkerRegistry(
	rdb *redis.Client,
	breaker *resilience.CircuitBreaker,
	cfg *config.RedisConfig,
	logger *zap.Logger,
) workers.Registry {
	return workers.NewRegistry(rdb, breaker, workers.Options{KeyPrefix: cfg.KeyPrefix}, logger)
}
