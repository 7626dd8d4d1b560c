package di

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/milvaion/milvaion/internal/config"
	"github.com/milvaion/milvaion/pkg/logger"
)

// LoggerModule provides logging dependencies
var LoggerModule = fx.Module("logger",
	fx.Provide(provideLogger),
)

func provideLogger(lc fx.Lifecycle, cfg *config.LogConfig, app *config.AppConfig) (*zap.Logger, error) {
	l, err := logger.New(logger.Config{
		Level:       cfg.Level,
		Development: cfg.Development,
		Encoding:    cfg.Encoding,
	})
	if err != nil {
		return nil, err
	}
	l = l.With(
		zap.String("app", app.Name),
		zap.String("instance", app.InstanceID),
	)
	lc.Append(fx.StopHook(func() {
		_ = l.Sync()
	}))
	return l, nil
}
