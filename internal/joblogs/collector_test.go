package joblogs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/milvaion/milvaion/internal/bus"
	gormdao "github.com/milvaion/milvaion/internal/domain/dao/impl/gorm"
	"github.com/milvaion/milvaion/internal/domain/entity"
	"github.com/milvaion/milvaion/internal/domain/repository"
	"github.com/milvaion/milvaion/internal/domain/repository/impl"
)

func setupCollector(t *testing.T) (*Collector, repository.JobOccurrenceRepository, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:?_foreign_keys=1"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&entity.ScheduledJob{}, &entity.JobOccurrence{}, &entity.FailedOccurrence{}))

	repo := impl.NewJobOccurrenceRepository(gormdao.NewJobOccurrenceDAO(db))
	c := New(Config{BatchSize: 100, BatchInterval: time.Second}, repo, nil, zaptest.NewLogger(t))
	return c, repo, db
}

func createOccurrence(t *testing.T, db *gorm.DB) *entity.JobOccurrence {
	t.Helper()
	job := &entity.ScheduledJob{
		ID:              entity.NewTimeOrderedID(),
		DisplayName:     "reporting",
		JobNameInWorker: "reporting",
		WorkerID:        "worker-1",
		IsActive:        true,
		Version:         1,
	}
	require.NoError(t, db.Create(job).Error)
	occ := &entity.JobOccurrence{
		ID:         entity.NewTimeOrderedID(),
		JobID:      job.ID,
		JobName:    job.JobNameInWorker,
		JobVersion: job.Version,
		WorkerID:   job.WorkerID,
		Status:     entity.StatusRunning,
	}
	require.NoError(t, db.Create(occ).Error)
	return occ
}

func TestFlushAppendsGroupedEntries(t *testing.T) {
	c, _, db := setupCollector(t)
	occ := createOccurrence(t, db)
	now := time.Now().UTC().Truncate(time.Second)
	ctx := context.Background()

	c.Enqueue(ctx, &bus.WorkerLogMessage{
		CorrelationID: occ.ID,
		Entries: []bus.LogEntry{
			{Timestamp: now, Level: "Information", Message: "step 1"},
			{Timestamp: now.Add(time.Second), Level: "Information", Message: "step 2"},
		},
	})
	c.Enqueue(ctx, &bus.WorkerLogMessage{
		CorrelationID: occ.ID,
		Entries:       []bus.LogEntry{{Timestamp: now.Add(2 * time.Second), Level: "Warning", Message: "step 3"}},
	})
	c.Flush(ctx)

	var row entity.JobOccurrence
	require.NoError(t, db.First(&row, "id = ?", occ.ID).Error)
	require.Len(t, row.Logs, 3)
	assert.Equal(t, "step 1", row.Logs[0].Message)
	assert.Equal(t, "step 3", row.Logs[2].Message)
	assert.Equal(t, "Warning", row.Logs[2].Level)
}

func TestFlushCarriesCategoryAndData(t *testing.T) {
	c, _, db := setupCollector(t)
	occ := createOccurrence(t, db)
	now := time.Now().UTC().Truncate(time.Second)
	ctx := context.Background()

	c.Enqueue(ctx, &bus.WorkerLogMessage{
		CorrelationID: occ.ID,
		Entries: []bus.LogEntry{{
			Timestamp: now,
			Level:     "Error",
			Message:   "export failed",
			Category:  "Exports.Csv",
			Data:      `{"batch":17}`,
		}},
	})
	c.Flush(ctx)

	var row entity.JobOccurrence
	require.NoError(t, db.First(&row, "id = ?", occ.ID).Error)
	require.Len(t, row.Logs, 1)
	assert.Equal(t, "Exports.Csv", row.Logs[0].Category)
	assert.Equal(t, `{"batch":17}`, row.Logs[0].Data)
}

func TestFlushPreservesExistingLogs(t *testing.T) {
	c, _, db := setupCollector(t)
	occ := createOccurrence(t, db)
	now := time.Now().UTC().Truncate(time.Second)
	occ.Logs = []entity.LogEntry{{Timestamp: now.Add(-time.Minute), Level: "Information", Message: "earlier"}}
	require.NoError(t, db.Save(occ).Error)

	ctx := context.Background()
	c.Enqueue(ctx, &bus.WorkerLogMessage{
		CorrelationID: occ.ID,
		Entries:       []bus.LogEntry{{Timestamp: now, Level: "Information", Message: "later"}},
	})
	c.Flush(ctx)

	var row entity.JobOccurrence
	require.NoError(t, db.First(&row, "id = ?", occ.ID).Error)
	require.Len(t, row.Logs, 2)
	assert.Equal(t, "earlier", row.Logs[0].Message)
	assert.Equal(t, "later", row.Logs[1].Message)
}

func TestUnknownCorrelationDropped(t *testing.T) {
	c, _, db := setupCollector(t)
	occ := createOccurrence(t, db)
	ctx := context.Background()

	c.Enqueue(ctx, &bus.WorkerLogMessage{
		CorrelationID: entity.NewTimeOrderedID(),
		Entries:       []bus.LogEntry{{Timestamp: time.Now().UTC(), Level: "Information", Message: "orphan"}},
	})
	c.Enqueue(ctx, &bus.WorkerLogMessage{
		CorrelationID: occ.ID,
		Entries:       []bus.LogEntry{{Timestamp: time.Now().UTC(), Level: "Information", Message: "kept"}},
	})
	c.Flush(ctx)

	var row entity.JobOccurrence
	require.NoError(t, db.First(&row, "id = ?", occ.ID).Error)
	require.Len(t, row.Logs, 1)
	assert.Equal(t, "kept", row.Logs[0].Message)
}

func TestEmptyMessagesIgnored(t *testing.T) {
	c, _, _ := setupCollector(t)
	ctx := context.Background()

	c.Enqueue(ctx, &bus.WorkerLogMessage{CorrelationID: "", Entries: []bus.LogEntry{{Message: "no corr"}}})
	c.Enqueue(ctx, &bus.WorkerLogMessage{CorrelationID: entity.NewTimeOrderedID()})

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.queue)
}

func TestFullBufferTriggersFlush(t *testing.T) {
	c, _, db := setupCollector(t)
	c.cfg.BatchSize = 2
	occ := createOccurrence(t, db)
	now := time.Now().UTC()
	ctx := context.Background()

	c.Enqueue(ctx, &bus.WorkerLogMessage{
		CorrelationID: occ.ID,
		Entries:       []bus.LogEntry{{Timestamp: now, Level: "Information", Message: "one"}},
	})
	c.Enqueue(ctx, &bus.WorkerLogMessage{
		CorrelationID: occ.ID,
		Entries:       []bus.LogEntry{{Timestamp: now, Level: "Information", Message: "two"}},
	})

	var row entity.JobOccurrence
	require.NoError(t, db.First(&row, "id = ?", occ.ID).Error)
	assert.Len(t, row.Logs, 2, "hitting batch size flushes without waiting for the ticker")
}
