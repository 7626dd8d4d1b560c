package repository

import (
	"context"

	"github.com/milvaion/milvaion/internal/domain/entity"
)

// ScheduledJobRepository defines the interface for job definition operations
type ScheduledJobRepository interface {
	// Create inserts a new job definition
	Create(ctx context.Context, job *entity.ScheduledJob) error

	// GetByID retrieves a job by ID, nil when absent
	GetByID(ctx context.Context, id string) (*entity.ScheduledJob, error)

	// GetByIDs retrieves all jobs matching the given ids
	GetByIDs(ctx context.Context, ids []string) ([]*entity.ScheduledJob, error)

	// GetAllActive retrieves every active job
	GetAllActive(ctx context.Context) ([]*entity.ScheduledJob, error)

	// FilterExistingIDs returns the subset of ids with a backing row
	FilterExistingIDs(ctx context.Context, ids []string) ([]string, error)

	// Update modifies an existing job
	Update(ctx context.Context, job *entity.ScheduledJob) error

	// Disable flips the job inactive, persisting its auto-disable
	// bookkeeping in the same write
	Disable(ctx context.Context, job *entity.ScheduledJob) error

	// Delete removes a job by ID
	Delete(ctx context.Context, id string) error
}
