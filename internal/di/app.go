// Package di wires the scheduler together with uber/fx.
package di

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// AppModule aggregates every module the scheduler binary needs.
var AppModule = fx.Options(
	ConfigModule,
	LoggerModule,
	ObservabilityModule,
	DatabaseModule,
	DAOModule,
	RepositoryModule,
	RedisModule,
	EventsModule,
	ControlModule,
	SchedulerModule,
	BusModule,
	OpsServerModule,
)

// NewApp builds the fx application.
func NewApp() *fx.App {
	return fx.New(
		AppModule,
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger}
		}),
	)
}
