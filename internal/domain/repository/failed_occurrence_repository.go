package repository

import (
	"context"

	"github.com/milvaion/milvaion/internal/domain/entity"
)

// FailedOccurrenceRepository defines the interface for dead-letter records
type FailedOccurrenceRepository interface {
	// Insert creates a record. Surfaces gorm.ErrDuplicatedKey when the
	// occurrence is already recorded; callers treat that as success.
	Insert(ctx context.Context, record *entity.FailedOccurrence) error

	// FindUnresolved returns unresolved records, newest first, up to limit
	FindUnresolved(ctx context.Context, limit int) ([]*entity.FailedOccurrence, error)

	// CountUnresolved returns the number of unresolved records
	CountUnresolved(ctx context.Context) (int64, error)
}
