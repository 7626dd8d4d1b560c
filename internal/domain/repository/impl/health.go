package impl

import (
	"context"

	"gorm.io/gorm"

	"github.com/milvaion/milvaion/internal/domain/repository"
)

// gormHealthChecker pings the store through the pooled connection.
type gormHealthChecker struct {
	db *gorm.DB
}

// NewHealthChecker creates a store health checker on the GORM handle.
func NewHealthChecker(db *gorm.DB) repository.HealthChecker {
	return &gormHealthChecker{db: db}
}

func (h *gormHealthChecker) Ping(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
