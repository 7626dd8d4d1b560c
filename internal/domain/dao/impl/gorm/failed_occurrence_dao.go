package gorm

import (
	"context"

	"gorm.io/gorm"

	"github.com/milvaion/milvaion/internal/domain/dao"
	"github.com/milvaion/milvaion/internal/domain/entity"
)

// failedOccurrenceDAO implements dao.FailedOccurrenceDAO using GORM.
type failedOccurrenceDAO struct {
	*baseGormDAO[entity.FailedOccurrence]
}

// NewFailedOccurrenceDAO creates a new GORM-based FailedOccurrenceDAO.
func NewFailedOccurrenceDAO(db *gorm.DB) dao.FailedOccurrenceDAO {
	return &failedOccurrenceDAO{
		baseGormDAO: newBaseGormDAO[entity.FailedOccurrence](db),
	}
}

// FindUnresolved returns unresolved records, newest first, up to limit.
func (d *failedOccurrenceDAO) FindUnresolved(ctx context.Context, limit int) ([]*entity.FailedOccurrence, error) {
	var records []*entity.FailedOccurrence
	q := d.getDB().WithContext(ctx).
		Where("resolved = ?", false).
		Order("failed_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// CountUnresolved returns the number of unresolved records.
func (d *failedOccurrenceDAO) CountUnresolved(ctx context.Context) (int64, error) {
	var count int64
	err := d.getDB().WithContext(ctx).
		Model(&entity.FailedOccurrence{}).
		Where("resolved = ?", false).
		Count(&count).Error
	return count, err
}
