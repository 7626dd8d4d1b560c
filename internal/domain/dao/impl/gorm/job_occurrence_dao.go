package gorm

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/milvaion/milvaion/internal/domain/dao"
	"github.com/milvaion/milvaion/internal/domain/entity"
)

// jobOccurrenceDAO implements dao.JobOccurrenceDAO using GORM.
type jobOccurrenceDAO struct {
	*baseGormDAO[entity.JobOccurrence]
}

// NewJobOccurrenceDAO creates a new GORM-based JobOccurrenceDAO.
func NewJobOccurrenceDAO(db *gorm.DB) dao.JobOccurrenceDAO {
	return &jobOccurrenceDAO{
		baseGormDAO: newBaseGormDAO[entity.JobOccurrence](db),
	}
}

// CreateBatch inserts all occurrences in a single statement.
func (d *jobOccurrenceDAO) CreateBatch(ctx context.Context, occurrences []*entity.JobOccurrence) error {
	if len(occurrences) == 0 {
		return nil
	}
	return d.getDB().WithContext(ctx).Create(occurrences).Error
}

// FindByIDs retrieves all occurrences matching the given ids.
func (d *jobOccurrenceDAO) FindByIDs(ctx context.Context, ids []string) ([]*entity.JobOccurrence, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var occurrences []*entity.JobOccurrence
	err := d.getDB().WithContext(ctx).Where("id IN ?", ids).Find(&occurrences).Error
	if err != nil {
		return nil, err
	}
	return occurrences, nil
}

// UpdateBatch persists all occurrences within one transaction.
func (d *jobOccurrenceDAO) UpdateBatch(ctx context.Context, occurrences []*entity.JobOccurrence) error {
	if len(occurrences) == 0 {
		return nil
	}
	return d.getDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, occ := range occurrences {
			if err := tx.Save(occ).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// FindDispatchRetriesDue returns Queued occurrences whose publish retry is
// due and whose retry budget is not exhausted.
func (d *jobOccurrenceDAO) FindDispatchRetriesDue(ctx context.Context, now time.Time, maxAttempts int) ([]*entity.JobOccurrence, error) {
	var occurrences []*entity.JobOccurrence
	err := d.getDB().WithContext(ctx).
		Where("status = ?", entity.StatusQueued).
		Where("next_dispatch_retry_at IS NOT NULL AND next_dispatch_retry_at <= ?", now).
		Where("dispatch_retry_count < ?", maxAttempts).
		Find(&occurrences).Error
	if err != nil {
		return nil, err
	}
	return occurrences, nil
}

// FindActive returns all occurrences in a non-final status.
func (d *jobOccurrenceDAO) FindActive(ctx context.Context) ([]*entity.JobOccurrence, error) {
	var occurrences []*entity.JobOccurrence
	err := d.getDB().WithContext(ctx).
		Where("status IN ?", []entity.OccurrenceStatus{entity.StatusQueued, entity.StatusRunning}).
		Find(&occurrences).Error
	if err != nil {
		return nil, err
	}
	return occurrences, nil
}

// CountByStatus returns the number of occurrences in the given status.
func (d *jobOccurrenceDAO) CountByStatus(ctx context.Context, status entity.OccurrenceStatus) (int64, error) {
	var count int64
	err := d.getDB().WithContext(ctx).
		Model(&entity.JobOccurrence{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}
