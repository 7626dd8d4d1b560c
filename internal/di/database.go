package di

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/milvaion/milvaion/internal/config"
	"github.com/milvaion/milvaion/internal/domain/entity"
	"github.com/milvaion/milvaion/internal/resilience"
)

// DatabaseModule provides the relational store
var DatabaseModule = fx.Module("database",
	fx.Provide(provideDatabase),
	fx.Invoke(runMigrations),
)

func provideDatabase(lc fx.Lifecycle, cfg *config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case string(config.DriverMySQL):
		dialector = mysql.Open(cfg.DSN())
	case string(config.DriverPostgres):
		dialector = postgres.Open(cfg.DSN())
	case string(config.DriverSQLite):
		dialector = sqlite.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	logger.Info("Connecting to database",
		zap.String("driver", cfg.Driver),
		zap.String("host", cfg.Host),
		zap.String("name", cfg.Name),
	)

	// The store often comes up after the scheduler in a fresh deploy
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = 5
	retryCfg.InitialInterval = time.Second

	var db *gorm.DB
	err := resilience.Retry(context.Background(), retryCfg, func(context.Context) error {
		var openErr error
		db, openErr = gorm.Open(dialector, &gorm.Config{
			TranslateError: true,
			Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if openErr != nil {
			logger.Warn("Database not reachable yet", zap.Error(openErr))
		}
		return openErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access underlying sql.DB: %w", err)
	}
	if cfg.IsSQLite() {
		// SQLite serializes writers anyway; a single connection avoids
		// SQLITE_BUSY under concurrent batches
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	lc.Append(fx.StopHook(func() error {
		logger.Info("Closing database connection")
		return sqlDB.Close()
	}))
	return db, nil
}

func runMigrations(db *gorm.DB, cfg *config.DatabaseConfig, logger *zap.Logger) error {
	if !cfg.AutoMigrate {
		return nil
	}
	logger.Info("Running schema migrations")
	return db.AutoMigrate(
		&entity.ScheduledJob{},
		&entity.JobOccurrence{},
		&entity.FailedOccurrence{},
	)
}
