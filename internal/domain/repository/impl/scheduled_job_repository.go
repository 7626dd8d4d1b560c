// Package impl provides repository implementations backed by the DAO layer.
package impl

import (
	"context"
	"time"

	"github.com/milvaion/milvaion/internal/domain/dao"
	"github.com/milvaion/milvaion/internal/domain/entity"
	"github.com/milvaion/milvaion/internal/domain/repository"
)

// scheduledJobRepository implements repository.ScheduledJobRepository.
type scheduledJobRepository struct {
	dao dao.ScheduledJobDAO
}

// NewScheduledJobRepository creates a job repository backed by the DAO.
func NewScheduledJobRepository(d dao.ScheduledJobDAO) repository.ScheduledJobRepository {
	return &scheduledJobRepository{dao: d}
}

func (r *scheduledJobRepository) Create(ctx context.Context, job *entity.ScheduledJob) error {
	return r.dao.Create(ctx, job)
}

func (r *scheduledJobRepository) GetByID(ctx context.Context, id string) (*entity.ScheduledJob, error) {
	return r.dao.FindByID(ctx, id)
}

func (r *scheduledJobRepository) GetByIDs(ctx context.Context, ids []string) ([]*entity.ScheduledJob, error) {
	return r.dao.FindByIDs(ctx, ids)
}

func (r *scheduledJobRepository) GetAllActive(ctx context.Context) ([]*entity.ScheduledJob, error) {
	return r.dao.FindAllActive(ctx)
}

func (r *scheduledJobRepository) FilterExistingIDs(ctx context.Context, ids []string) ([]string, error) {
	return r.dao.FilterExistingIDs(ctx, ids)
}

func (r *scheduledJobRepository) Update(ctx context.Context, job *entity.ScheduledJob) error {
	return r.dao.Update(ctx, job)
}

func (r *scheduledJobRepository) Disable(ctx context.Context, job *entity.ScheduledJob) error {
	now := time.Now().UTC()
	job.IsActive = false
	if job.AutoDisableSettings.DisabledAt == nil {
		job.AutoDisableSettings.DisabledAt = &now
	}
	return r.dao.Update(ctx, job)
}

func (r *scheduledJobRepository) Delete(ctx context.Context, id string) error {
	return r.dao.Delete(ctx, id)
}
