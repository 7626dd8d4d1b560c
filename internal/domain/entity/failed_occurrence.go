package entity

import (
	"time"
)

// FailureType classifies why an occurrence landed in the dead-letter queue
type FailureType string

const (
	FailureMaxRetriesExceeded FailureType = "MaxRetriesExceeded"
	FailureTimeout            FailureType = "Timeout"
	FailureCancelled          FailureType = "Cancelled"
	FailureWorkerCrash        FailureType = "WorkerCrash"
	FailureZombieDetection    FailureType = "ZombieDetection"
	FailureUnhandledException FailureType = "UnhandledException"
)

// FailedOccurrence is the durable record of a dead-lettered occurrence,
// kept for operator review. OccurrenceID is unique so a redelivered DLQ
// message never produces a second row.
type FailedOccurrence struct {
	ID                string      `gorm:"primaryKey;size:36" json:"id"`
	JobID             string      `gorm:"column:job_id;size:36;index" json:"job_id"`
	OccurrenceID      string      `gorm:"column:occurrence_id;size:36;uniqueIndex" json:"occurrence_id"`
	CorrelationID     string      `gorm:"column:correlation_id;size:36" json:"correlation_id"`
	JobDisplayName    string      `gorm:"column:job_display_name;size:200" json:"job_display_name"`
	JobNameInWorker   string      `gorm:"column:job_name_in_worker;size:200" json:"job_name_in_worker"`
	WorkerID          string      `gorm:"column:worker_id;size:200" json:"worker_id"`
	JobData           string      `gorm:"column:job_data;type:text" json:"job_data,omitempty"`
	Exception         string      `gorm:"type:text" json:"exception,omitempty"`
	FailedAt          time.Time   `gorm:"column:failed_at;not null;index" json:"failed_at"`
	RetryCount        int         `gorm:"column:retry_count;default:0" json:"retry_count"`
	FailureType       FailureType `gorm:"column:failure_type;size:50;not null" json:"failure_type"`
	OriginalExecuteAt *time.Time  `gorm:"column:original_execute_at" json:"original_execute_at,omitempty"`
	Resolved          bool        `gorm:"default:false;index" json:"resolved"`
	ResolutionNote    string      `gorm:"column:resolution_note;type:text" json:"resolution_note,omitempty"`
	ResolutionAction  string      `gorm:"column:resolution_action;size:100" json:"resolution_action,omitempty"`
	ResolvedAt        *time.Time  `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
	CreatedAt         time.Time   `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for FailedOccurrence
func (FailedOccurrence) TableName() string {
	return "failed_occurrences"
}
