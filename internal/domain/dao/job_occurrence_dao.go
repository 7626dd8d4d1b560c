package dao

import (
	"context"
	"time"

	"github.com/milvaion/milvaion/internal/domain/entity"
)

// JobOccurrenceDAO extends BaseDAO with batched occurrence operations.
type JobOccurrenceDAO interface {
	BaseDAO[entity.JobOccurrence]

	// CreateBatch inserts all occurrences in a single statement. Returns
	// gorm.ErrForeignKeyViolated when any referenced job row is gone.
	CreateBatch(ctx context.Context, occurrences []*entity.JobOccurrence) error

	// FindByIDs retrieves all occurrences matching the given ids.
	FindByIDs(ctx context.Context, ids []string) ([]*entity.JobOccurrence, error)

	// UpdateBatch persists all occurrences within one transaction.
	UpdateBatch(ctx context.Context, occurrences []*entity.JobOccurrence) error

	// FindDispatchRetriesDue returns Queued occurrences whose publish retry
	// is due and whose retry budget is not exhausted.
	FindDispatchRetriesDue(ctx context.Context, now time.Time, maxAttempts int) ([]*entity.JobOccurrence, error)

	// FindActive returns all occurrences in a non-final status (Queued or
	// Running). The active set is bounded by worker capacity, so callers
	// filter timeouts in memory.
	FindActive(ctx context.Context) ([]*entity.JobOccurrence, error)

	// CountByStatus returns the number of occurrences in the given status.
	CountByStatus(ctx context.Context, status entity.OccurrenceStatus) (int64, error)
}
