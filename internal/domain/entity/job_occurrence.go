package entity

import (
	"time"

	"github.com/google/uuid"
)

// OccurrenceStatus represents the execution state of a job occurrence.
// The numeric values are part of the wire protocol with workers.
type OccurrenceStatus int

const (
	StatusQueued    OccurrenceStatus = 0
	StatusRunning   OccurrenceStatus = 1
	StatusCompleted OccurrenceStatus = 2
	StatusFailed    OccurrenceStatus = 3
	StatusCancelled OccurrenceStatus = 4
	StatusTimedOut  OccurrenceStatus = 5
	StatusUnknown   OccurrenceStatus = 6
)

// String returns the status name for logs and events.
func (s OccurrenceStatus) String() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusRunning:
		return "Running"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusCancelled:
		return "Cancelled"
	case StatusTimedOut:
		return "TimedOut"
	case StatusUnknown:
		return "Unknown"
	default:
		return "Invalid"
	}
}

// IsFinal reports whether the status is terminal. Terminal occurrences
// accept no further updates except log appends and exception clearing on
// a late Completed.
func (s OccurrenceStatus) IsFinal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut, StatusUnknown:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next is legal. Batched
// updates are deduped last-write-wins, so a Queued occurrence may jump
// straight to a terminal status when its Running update was collapsed away.
func (s OccurrenceStatus) CanTransitionTo(next OccurrenceStatus) bool {
	if s.IsFinal() {
		return false
	}
	if next == StatusQueued {
		return s == StatusQueued
	}
	return true
}

// MaxStatusChangeLogs bounds the per-occurrence transition history.
// Appending beyond the cap evicts the oldest entry.
const MaxStatusChangeLogs = 100

// LogEntry is a single worker-emitted log line attached to an occurrence
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Category  string    `json:"category,omitempty"`
	Data      string    `json:"data,omitempty"`
}

// StatusChange records one status transition
type StatusChange struct {
	Timestamp time.Time        `json:"timestamp"`
	From      OccurrenceStatus `json:"from"`
	To        OccurrenceStatus `json:"to"`
}

// JobOccurrence represents one execution attempt of a scheduled job. Its
// ID doubles as the correlation id across the bus, the lock service and
// the worker.
type JobOccurrence struct {
	ID                      string           `gorm:"primaryKey;size:36" json:"id"`
	JobID                   string           `gorm:"column:job_id;size:36;not null;index" json:"job_id"`
	JobName                 string           `gorm:"column:job_name;size:200;not null" json:"job_name"`
	JobVersion              int64            `gorm:"column:job_version;not null" json:"job_version"`
	WorkerID                string           `gorm:"column:worker_id;size:200" json:"worker_id,omitempty"`
	Status                  OccurrenceStatus `gorm:"not null;default:0;index" json:"status"`
	CreatedAt               time.Time        `gorm:"column:created_at;autoCreateTime;index" json:"created_at"`
	StartTime               *time.Time       `gorm:"column:start_time" json:"start_time,omitempty"`
	EndTime                 *time.Time       `gorm:"column:end_time" json:"end_time,omitempty"`
	DurationMs              *int64           `gorm:"column:duration_ms" json:"duration_ms,omitempty"`
	Result                  string           `gorm:"type:text" json:"result,omitempty"`
	Exception               string           `gorm:"type:text" json:"exception,omitempty"`
	LastHeartbeat           *time.Time       `gorm:"column:last_heartbeat" json:"last_heartbeat,omitempty"`
	DispatchRetryCount      int              `gorm:"column:dispatch_retry_count;default:0" json:"dispatch_retry_count"`
	NextDispatchRetryAt     *time.Time       `gorm:"column:next_dispatch_retry_at;index" json:"next_dispatch_retry_at,omitempty"`
	Logs                    []LogEntry       `gorm:"serializer:json" json:"logs,omitempty"`
	StatusChangeLogs        []StatusChange   `gorm:"column:status_change_logs;serializer:json" json:"status_change_logs,omitempty"`
	ZombieTimeoutMinutes    *int             `gorm:"column:zombie_timeout_minutes" json:"zombie_timeout_minutes,omitempty"`
	ExecutionTimeoutSeconds *int             `gorm:"column:execution_timeout_seconds" json:"execution_timeout_seconds,omitempty"`
	UpdatedAt               time.Time        `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`

	Job ScheduledJob `gorm:"foreignKey:JobID" json:"-"`
}

// TableName specifies the table name for JobOccurrence
func (JobOccurrence) TableName() string {
	return "job_occurrences"
}

// AppendStatusChange records a transition, evicting the oldest entry once
// the history exceeds MaxStatusChangeLogs.
func (o *JobOccurrence) AppendStatusChange(from, to OccurrenceStatus, at time.Time) {
	o.StatusChangeLogs = append(o.StatusChangeLogs, StatusChange{Timestamp: at, From: from, To: to})
	if n := len(o.StatusChangeLogs); n > MaxStatusChangeLogs {
		o.StatusChangeLogs = o.StatusChangeLogs[n-MaxStatusChangeLogs:]
	}
}

// EffectiveZombieTimeout returns the occurrence-specific zombie timeout,
// falling back to the global default.
func (o *JobOccurrence) EffectiveZombieTimeout(global time.Duration) time.Duration {
	if o.ZombieTimeoutMinutes != nil && *o.ZombieTimeoutMinutes > 0 {
		return time.Duration(*o.ZombieTimeoutMinutes) * time.Minute
	}
	return global
}

// NewTimeOrderedID mints a v7 UUID so occurrence ids sort by creation
// time. Falls back to a v4 UUID if the system entropy source fails.
func NewTimeOrderedID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
