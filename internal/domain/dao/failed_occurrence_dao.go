package dao

import (
	"context"

	"github.com/milvaion/milvaion/internal/domain/entity"
)

// FailedOccurrenceDAO extends BaseDAO with dead-letter record queries.
type FailedOccurrenceDAO interface {
	BaseDAO[entity.FailedOccurrence]

	// FindUnresolved returns unresolved records, newest first, up to limit.
	FindUnresolved(ctx context.Context, limit int) ([]*entity.FailedOccurrence, error)

	// CountUnresolved returns the number of unresolved records.
	CountUnresolved(ctx context.Context) (int64, error)
}
