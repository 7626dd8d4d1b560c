package gorm

import (
	"context"

	"gorm.io/gorm"

	"github.com/milvaion/milvaion/internal/domain/dao"
	"github.com/milvaion/milvaion/internal/domain/entity"
)

// scheduledJobDAO implements dao.ScheduledJobDAO using GORM.
type scheduledJobDAO struct {
	*baseGormDAO[entity.ScheduledJob]
}

// NewScheduledJobDAO creates a new GORM-based ScheduledJobDAO.
func NewScheduledJobDAO(db *gorm.DB) dao.ScheduledJobDAO {
	return &scheduledJobDAO{
		baseGormDAO: newBaseGormDAO[entity.ScheduledJob](db),
	}
}

// FindByIDs retrieves all jobs matching the given ids in one query.
func (d *scheduledJobDAO) FindByIDs(ctx context.Context, ids []string) ([]*entity.ScheduledJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var jobs []*entity.ScheduledJob
	err := d.getDB().WithContext(ctx).Where("id IN ?", ids).Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// FindAllActive retrieves every job with is_active = true.
func (d *scheduledJobDAO) FindAllActive(ctx context.Context) ([]*entity.ScheduledJob, error) {
	var jobs []*entity.ScheduledJob
	err := d.getDB().WithContext(ctx).Where("is_active = ?", true).Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// FilterExistingIDs returns the subset of ids that have a backing row.
func (d *scheduledJobDAO) FilterExistingIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var existing []string
	err := d.getDB().WithContext(ctx).
		Model(&entity.ScheduledJob{}).
		Where("id IN ?", ids).
		Pluck("id", &existing).Error
	if err != nil {
		return nil, err
	}
	return existing, nil
}
