package entity

import (
	"time"
)

// ConcurrencyPolicy controls what happens when a job becomes due while a
// previous occurrence is still running
type ConcurrencyPolicy string

const (
	PolicySkip  ConcurrencyPolicy = "Skip"
	PolicyQueue ConcurrencyPolicy = "Queue"
)

// AutoDisableSettings holds the per-job failure circuit breaker state.
// Enabled and Threshold are optional overrides; nil falls back to the
// global configuration.
type AutoDisableSettings struct {
	Enabled                 *bool      `json:"enabled,omitempty"`
	Threshold               *int       `json:"threshold,omitempty"`
	ConsecutiveFailureCount int        `json:"consecutive_failure_count"`
	LastFailureTime         *time.Time `json:"last_failure_time,omitempty"`
	DisabledAt              *time.Time `json:"disabled_at,omitempty"`
	DisableReason           string     `json:"disable_reason,omitempty"`
}

// ScheduledJob represents a job definition owned by the scheduler
type ScheduledJob struct {
	ID                        string              `gorm:"primaryKey;size:36" json:"id"`
	DisplayName               string              `gorm:"column:display_name;size:200;not null" json:"display_name"`
	JobNameInWorker           string              `gorm:"column:job_name_in_worker;size:200;not null;index" json:"job_name_in_worker"`
	WorkerID                  string              `gorm:"column:worker_id;size:200;not null;index" json:"worker_id"`
	JobData                   string              `gorm:"column:job_data;type:text" json:"job_data,omitempty"`
	CronExpression            string              `gorm:"column:cron_expression;size:100" json:"cron_expression,omitempty"`
	ExecuteAt                 *time.Time          `gorm:"column:execute_at" json:"execute_at,omitempty"`
	IsActive                  bool                `gorm:"column:is_active;default:true;index" json:"is_active"`
	ConcurrentExecutionPolicy ConcurrencyPolicy   `gorm:"column:concurrent_execution_policy;size:20;not null;default:Skip" json:"concurrent_execution_policy"`
	ExecutionTimeoutSeconds   int                 `gorm:"column:execution_timeout_seconds" json:"execution_timeout_seconds,omitempty"`
	ZombieTimeoutMinutes      *int                `gorm:"column:zombie_timeout_minutes" json:"zombie_timeout_minutes,omitempty"`
	RoutingPattern            string              `gorm:"column:routing_pattern;size:250" json:"routing_pattern,omitempty"`
	Version                   int64               `gorm:"not null;default:1" json:"version"`
	AutoDisableSettings       AutoDisableSettings `gorm:"column:auto_disable_settings;serializer:json" json:"auto_disable_settings"`
	CreatedAt                 time.Time           `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt                 time.Time           `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for ScheduledJob
func (ScheduledJob) TableName() string {
	return "scheduled_jobs"
}

// IsRecurring reports whether the job reschedules itself from a cron
// expression after each dispatch.
func (j *ScheduledJob) IsRecurring() bool {
	return j.CronExpression != ""
}

// EffectiveRoutingPattern returns the queue binding pattern, deriving it
// from the worker job name when not set explicitly.
func (j *ScheduledJob) EffectiveRoutingPattern() string {
	if j.RoutingPattern != "" {
		return j.RoutingPattern
	}
	return j.JobNameInWorker + ".*"
}

// AutoDisableEnabled reports whether failures may disable this job,
// falling back to the global default when the job carries no override.
func (j *ScheduledJob) AutoDisableEnabled(globalEnabled bool) bool {
	if j.AutoDisableSettings.Enabled != nil {
		return *j.AutoDisableSettings.Enabled
	}
	return globalEnabled
}

// DisableThreshold returns the consecutive-failure count that trips the
// job, falling back to the global default when the job carries no override.
func (j *ScheduledJob) DisableThreshold(globalThreshold int) int {
	if j.AutoDisableSettings.Threshold != nil && *j.AutoDisableSettings.Threshold > 0 {
		return *j.AutoDisableSettings.Threshold
	}
	return globalThreshold
}
