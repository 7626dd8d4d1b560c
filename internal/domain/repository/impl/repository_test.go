package impl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	gormdao "github.com/milvaion/milvaion/internal/domain/dao/impl/gorm"
	"github.com/milvaion/milvaion/internal/domain/entity"
	"github.com/milvaion/milvaion/internal/domain/repository"
)

func setupRepos(t *testing.T) (repository.ScheduledJobRepository, repository.JobOccurrenceRepository, repository.FailedOccurrenceRepository, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:?_foreign_keys=1"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&entity.ScheduledJob{}, &entity.JobOccurrence{}, &entity.FailedOccurrence{}))

	jobs := NewScheduledJobRepository(gormdao.NewScheduledJobDAO(db))
	occurrences := NewJobOccurrenceRepository(gormdao.NewJobOccurrenceDAO(db))
	failed := NewFailedOccurrenceRepository(gormdao.NewFailedOccurrenceDAO(db))
	return jobs, occurrences, failed, db
}

func newJob(name string) *entity.ScheduledJob {
	return &entity.ScheduledJob{
		ID:              entity.NewTimeOrderedID(),
		DisplayName:     name,
		JobNameInWorker: name,
		WorkerID:        "worker-1",
		CronExpression:  "*/5 * * * *",
		IsActive:        true,
		Version:         1,
	}
}

func newOccurrence(job *entity.ScheduledJob, status entity.OccurrenceStatus) *entity.JobOccurrence {
	return &entity.JobOccurrence{
		ID:         entity.NewTimeOrderedID(),
		JobID:      job.ID,
		JobName:    job.JobNameInWorker,
		JobVersion: job.Version,
		WorkerID:   job.WorkerID,
		Status:     status,
	}
}

func TestJobRepositoryDisable(t *testing.T) {
	jobs, _, _, _ := setupRepos(t)
	ctx := context.Background()

	job := newJob("etl")
	job.AutoDisableSettings.ConsecutiveFailureCount = 5
	job.AutoDisableSettings.DisableReason = "too many failures"
	require.NoError(t, jobs.Create(ctx, job))
	require.NoError(t, jobs.Disable(ctx, job))

	row, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, row.IsActive)
	assert.NotNil(t, row.AutoDisableSettings.DisabledAt)
	assert.Equal(t, "too many failures", row.AutoDisableSettings.DisableReason)

	active, err := jobs.GetAllActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestJobRepositoryFilterExistingIDs(t *testing.T) {
	jobs, _, _, _ := setupRepos(t)
	ctx := context.Background()

	a, b := newJob("a"), newJob("b")
	require.NoError(t, jobs.Create(ctx, a))
	require.NoError(t, jobs.Create(ctx, b))

	existing, err := jobs.FilterExistingIDs(ctx, []string{a.ID, entity.NewTimeOrderedID(), b.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, existing)
}

func TestOccurrenceBulkInsertRejectsPhantomJob(t *testing.T) {
	jobs, occurrences, _, _ := setupRepos(t)
	ctx := context.Background()

	job := newJob("etl")
	require.NoError(t, jobs.Create(ctx, job))

	phantom := newOccurrence(job, entity.StatusQueued)
	phantom.JobID = entity.NewTimeOrderedID()

	err := occurrences.BulkInsert(ctx, []*entity.JobOccurrence{
		newOccurrence(job, entity.StatusQueued),
		phantom,
	})
	assert.ErrorIs(t, err, gorm.ErrForeignKeyViolated)
}

func TestOccurrenceMarkFailedSkipsFinalRows(t *testing.T) {
	jobs, occurrences, _, db := setupRepos(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	job := newJob("etl")
	require.NoError(t, jobs.Create(ctx, job))

	queued := newOccurrence(job, entity.StatusQueued)
	completed := newOccurrence(job, entity.StatusCompleted)
	require.NoError(t, occurrences.BulkInsert(ctx, []*entity.JobOccurrence{queued, completed}))

	require.NoError(t, occurrences.MarkFailed(ctx, []string{queued.ID, completed.ID}, "system restart", now))

	var row entity.JobOccurrence
	require.NoError(t, db.First(&row, "id = ?", queued.ID).Error)
	assert.Equal(t, entity.StatusFailed, row.Status)
	assert.Equal(t, "system restart", row.Exception)
	require.NotNil(t, row.EndTime)

	require.NoError(t, db.First(&row, "id = ?", completed.ID).Error)
	assert.Equal(t, entity.StatusCompleted, row.Status, "final rows are not re-failed")
}

func TestOccurrenceFindDispatchRetriesDue(t *testing.T) {
	jobs, occurrences, _, db := setupRepos(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	job := newJob("etl")
	require.NoError(t, jobs.Create(ctx, job))

	due := newOccurrence(job, entity.StatusQueued)
	due.DispatchRetryCount = 1
	future := newOccurrence(job, entity.StatusQueued)
	future.DispatchRetryCount = 1
	exhausted := newOccurrence(job, entity.StatusQueued)
	exhausted.DispatchRetryCount = 5
	require.NoError(t, occurrences.BulkInsert(ctx, []*entity.JobOccurrence{due, future, exhausted}))

	past := now.Add(-time.Minute)
	ahead := now.Add(time.Hour)
	require.NoError(t, db.Model(due).Update("next_dispatch_retry_at", past).Error)
	require.NoError(t, db.Model(future).Update("next_dispatch_retry_at", ahead).Error)
	require.NoError(t, db.Model(exhausted).Update("next_dispatch_retry_at", past).Error)

	rows, err := occurrences.FindDispatchRetriesDue(ctx, now, 5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, due.ID, rows[0].ID)
}

func TestFailedOccurrenceDuplicateOccurrenceID(t *testing.T) {
	jobs, occurrences, failed, _ := setupRepos(t)
	ctx := context.Background()

	job := newJob("etl")
	require.NoError(t, jobs.Create(ctx, job))
	occ := newOccurrence(job, entity.StatusFailed)
	require.NoError(t, occurrences.BulkInsert(ctx, []*entity.JobOccurrence{occ}))

	record := func() *entity.FailedOccurrence {
		return &entity.FailedOccurrence{
			ID:           entity.NewTimeOrderedID(),
			JobID:        job.ID,
			OccurrenceID: occ.ID,
			FailedAt:     time.Now().UTC(),
			FailureType:  entity.FailureUnhandledException,
		}
	}
	require.NoError(t, failed.Insert(ctx, record()))

	err := failed.Insert(ctx, record())
	assert.True(t, errors.Is(err, gorm.ErrDuplicatedKey), "second record for the same occurrence collapses")

	count, err := failed.CountUnresolved(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestFailedOccurrenceFindUnresolvedOrder(t *testing.T) {
	jobs, occurrences, failed, _ := setupRepos(t)
	ctx := context.Background()

	job := newJob("etl")
	require.NoError(t, jobs.Create(ctx, job))

	base := time.Now().UTC().Truncate(time.Second)
	var ids []string
	for i := 0; i < 3; i++ {
		occ := newOccurrence(job, entity.StatusFailed)
		require.NoError(t, occurrences.BulkInsert(ctx, []*entity.JobOccurrence{occ}))
		rec := &entity.FailedOccurrence{
			ID:           entity.NewTimeOrderedID(),
			JobID:        job.ID,
			OccurrenceID: occ.ID,
			FailedAt:     base.Add(time.Duration(i) * time.Minute),
			FailureType:  entity.FailureTimeout,
		}
		require.NoError(t, failed.Insert(ctx, rec))
		ids = append(ids, rec.ID)
	}

	rows, err := failed.FindUnresolved(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, ids[2], rows[0].ID, "newest first")
	assert.Equal(t, ids[1], rows[1].ID)
}
