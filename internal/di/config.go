package di

import (
	"go.uber.org/fx"

	"github.com/milvaion/milvaion/internal/config"
)

// ConfigModule provides configuration dependencies
var ConfigModule = fx.Module("config",
	fx.Provide(
		config.Load,
		provideAppConfig,
		provideLogConfig,
		provideDatabaseConfig,
		provideRedisConfig,
		provideBusConfig,
		provideOpsConfig,
		provideDispatcherConfig,
		provideTrackerConfig,
		provideLogCollectorConfig,
		provideZombieConfig,
		provideWorkerHealthConfig,
		provideAutoDisableConfig,
		provideControlConfig,
	),
)

func provideAppConfig(cfg *config.Config) *config.AppConfig {
	return &cfg.App
}

func provideLogConfig(cfg *config.Config) *config.LogConfig {
	return &cfg.Log
}

func provideDatabaseConfig(cfg *config.Config) *config.DatabaseConfig {
	return &cfg.Database
}

func provideRedisConfig(cfg *config.Config) *config.RedisConfig {
	return &cfg.Redis
}

func provideBusConfig(cfg *config.Config) *config.BusConfig {
	return &cfg.Bus
}

func provideOpsConfig(cfg *config.Config) *config.OpsConfig {
	return &cfg.Ops
}

func provideDispatcherConfig(cfg *config.Config) *config.DispatcherConfig {
	return &cfg.Dispatcher
}

func provideTrackerConfig(cfg *config.Config) *config.TrackerConfig {
	return &cfg.Tracker
}

func provideLogCollectorConfig(cfg *config.Config) *config.LogCollectorConfig {
	return &cfg.LogCollector
}

func provideZombieConfig(cfg *config.Config) *config.ZombieConfig {
	return &cfg.Zombie
}

func provideWorkerHealthConfig(cfg *config.Config) *config.WorkerHealthConfig {
	return &cfg.WorkerHealth
}

func provideAutoDisableConfig(cfg *config.Config) *config.AutoDisableConfig {
	return &cfg.AutoDisable
}

func provideControlConfig(cfg *config.Config) *config.ControlConfig {
	return &cfg.Control
}
