package impl

import (
	"context"
	"time"

	"github.com/milvaion/milvaion/internal/domain/dao"
	"github.com/milvaion/milvaion/internal/domain/entity"
	"github.com/milvaion/milvaion/internal/domain/repository"
)

// jobOccurrenceRepository implements repository.JobOccurrenceRepository.
type jobOccurrenceRepository struct {
	dao dao.JobOccurrenceDAO
}

// NewJobOccurrenceRepository creates an occurrence repository backed by
// the DAO.
func NewJobOccurrenceRepository(d dao.JobOccurrenceDAO) repository.JobOccurrenceRepository {
	return &jobOccurrenceRepository{dao: d}
}

func (r *jobOccurrenceRepository) BulkInsert(ctx context.Context, occurrences []*entity.JobOccurrence) error {
	return r.dao.CreateBatch(ctx, occurrences)
}

func (r *jobOccurrenceRepository) GetByID(ctx context.Context, id string) (*entity.JobOccurrence, error) {
	return r.dao.FindByID(ctx, id)
}

func (r *jobOccurrenceRepository) GetByIDs(ctx context.Context, ids []string) ([]*entity.JobOccurrence, error) {
	return r.dao.FindByIDs(ctx, ids)
}

func (r *jobOccurrenceRepository) BulkUpdate(ctx context.Context, occurrences []*entity.JobOccurrence) error {
	return r.dao.UpdateBatch(ctx, occurrences)
}

func (r *jobOccurrenceRepository) FindDispatchRetriesDue(ctx context.Context, now time.Time, maxAttempts int) ([]*entity.JobOccurrence, error) {
	return r.dao.FindDispatchRetriesDue(ctx, now, maxAttempts)
}

func (r *jobOccurrenceRepository) FindActiveOccurrences(ctx context.Context) ([]*entity.JobOccurrence, error) {
	return r.dao.FindActive(ctx)
}

func (r *jobOccurrenceRepository) MarkFailed(ctx context.Context, ids []string, reason string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	occurrences, err := r.dao.FindByIDs(ctx, ids)
	if err != nil {
		return err
	}
	updated := make([]*entity.JobOccurrence, 0, len(occurrences))
	for _, occ := range occurrences {
		if occ.Status.IsFinal() {
			continue
		}
		from := occ.Status
		occ.Status = entity.StatusFailed
		occ.Exception = reason
		occ.EndTime = &now
		if occ.StartTime != nil {
			ms := now.Sub(*occ.StartTime).Milliseconds()
			occ.DurationMs = &ms
		}
		occ.AppendStatusChange(from, entity.StatusFailed, now)
		updated = append(updated, occ)
	}
	return r.dao.UpdateBatch(ctx, updated)
}

func (r *jobOccurrenceRepository) CountByStatus(ctx context.Context, status entity.OccurrenceStatus) (int64, error) {
	return r.dao.CountByStatus(ctx, status)
}
