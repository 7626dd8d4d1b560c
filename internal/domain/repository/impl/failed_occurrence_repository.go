package impl

import (
	"context"

	"github.com/milvaion/milvaion/internal/domain/dao"
	"github.com/milvaion/milvaion/internal/domain/entity"
	"github.com/milvaion/milvaion/internal/domain/repository"
)

// failedOccurrenceRepository implements repository.FailedOccurrenceRepository.
type failedOccurrenceRepository struct {
	dao dao.FailedOccurrenceDAO
}

// NewFailedOccurrenceRepository creates a dead-letter record repository
// backed by the DAO.
func NewFailedOccurrenceRepository(d dao.FailedOccurrenceDAO) repository.FailedOccurrenceRepository {
	return &failedOccurrenceRepository{dao: d}
}

func (r *failedOccurrenceRepository) Insert(ctx context.Context, record *entity.FailedOccurrence) error {
	return r.dao.Create(ctx, record)
}

func (r *failedOccurrenceRepository) FindUnresolved(ctx context.Context, limit int) ([]*entity.FailedOccurrence, error) {
	return r.dao.FindUnresolved(ctx, limit)
}

func (r *failedOccurrenceRepository) CountUnresolved(ctx context.Context) (int64, error) {
	return r.dao.CountUnresolved(ctx)
}
