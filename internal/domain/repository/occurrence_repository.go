package repository

import (
	"context"
	"time"

	"github.com/milvaion/milvaion/internal/domain/entity"
)

// JobOccurrenceRepository defines the interface for occurrence operations
type JobOccurrenceRepository interface {
	// BulkInsert creates all occurrences in one statement. Surfaces
	// gorm.ErrForeignKeyViolated when a referenced job row is gone.
	BulkInsert(ctx context.Context, occurrences []*entity.JobOccurrence) error

	// GetByID retrieves one occurrence, nil when absent
	GetByID(ctx context.Context, id string) (*entity.JobOccurrence, error)

	// GetByIDs retrieves all occurrences matching the given ids
	GetByIDs(ctx context.Context, ids []string) ([]*entity.JobOccurrence, error)

	// BulkUpdate persists all occurrences within one transaction
	BulkUpdate(ctx context.Context, occurrences []*entity.JobOccurrence) error

	// FindDispatchRetriesDue returns Queued occurrences whose publish
	// retry is due and whose retry budget is not exhausted
	FindDispatchRetriesDue(ctx context.Context, now time.Time, maxAttempts int) ([]*entity.JobOccurrence, error)

	// FindActiveOccurrences returns all Queued and Running occurrences
	FindActiveOccurrences(ctx context.Context) ([]*entity.JobOccurrence, error)

	// MarkFailed transitions the given occurrences to Failed with the
	// supplied reason, recording end time and transition history
	MarkFailed(ctx context.Context, ids []string, reason string, now time.Time) error

	// CountByStatus returns the number of occurrences in a status
	CountByStatus(ctx context.Context, status entity.OccurrenceStatus) (int64, error)
}
