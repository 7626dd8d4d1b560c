package dao

import (
	"context"

	"github.com/milvaion/milvaion/internal/domain/entity"
)

// ScheduledJobDAO extends BaseDAO with scheduler-specific job queries.
type ScheduledJobDAO interface {
	BaseDAO[entity.ScheduledJob]

	// FindByIDs retrieves all jobs matching the given ids in one query.
	// Missing ids are silently absent from the result.
	FindByIDs(ctx context.Context, ids []string) ([]*entity.ScheduledJob, error)

	// FindAllActive retrieves every job with is_active = true. Used by the
	// startup recovery pass to repopulate the time index.
	FindAllActive(ctx context.Context) ([]*entity.ScheduledJob, error)

	// FilterExistingIDs returns the subset of ids that have a backing row.
	// Used to purge phantom index entries for deleted jobs.
	FilterExistingIDs(ctx context.Context, ids []string) ([]string, error)
}
