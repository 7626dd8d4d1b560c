// Package bus holds the AMQP adapters: the managed connection, topology
// declaration, confirm-mode publisher, queue inspection, and the consumer
// registry that survives reconnects. Message contracts shared with workers
// live here too.
package bus

import "time"

// DispatchMessage is published to a job queue when an occurrence is
// dispatched. Workers echo it back on the dead-letter path, so the
// failed-occurrences consumer decodes the same shape.
type DispatchMessage struct {
	OccurrenceID    string     `json:"occurrenceId"`
	JobID           string     `json:"jobId"`
	CorrelationID   string     `json:"correlationId"`
	JobDisplayName  string     `json:"jobDisplayName"`
	JobNameInWorker string     `json:"jobNameInWorker"`
	WorkerID        string     `json:"workerId,omitempty"`
	JobData         string     `json:"jobData,omitempty"`
	ExecuteAt       *time.Time `json:"executeAt,omitempty"`
	TimeoutSeconds  int        `json:"timeoutSeconds,omitempty"`
	DispatchedAt    time.Time  `json:"dispatchedAt"`
}

// StatusUpdateMessage reports a lifecycle transition from a worker for
// one occurrence. A Running report for an occurrence that is already
// Running is a heartbeat; there is no separate heartbeat flag.
type StatusUpdateMessage struct {
	CorrelationID string     `json:"correlationId"`
	OccurrenceID  string     `json:"occurrenceId,omitempty"`
	JobID         string     `json:"jobId,omitempty"`
	Status        int        `json:"status"`
	Result        string     `json:"result,omitempty"`
	Exception     string     `json:"exception,omitempty"`
	WorkerID      string     `json:"workerId,omitempty"`
	InstanceID    string     `json:"instanceId,omitempty"`
	JobName       string     `json:"jobName,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
	StartTime     *time.Time `json:"startTime,omitempty"`
	EndTime       *time.Time `json:"endTime,omitempty"`
	DurationMs    *int64     `json:"durationMs,omitempty"`
}

// LogEntry is one log line captured by a worker while executing.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Category  string    `json:"category,omitempty"`
	Data      string    `json:"data,omitempty"`
}

// WorkerLogMessage batches log lines for one occurrence.
type WorkerLogMessage struct {
	CorrelationID string     `json:"correlationId"`
	Entries       []LogEntry `json:"entries"`
}

// ConsumerConfig declares one consumer a worker hosts: its identity, the
// per-job parallelism limit and the execution timeout it enforces.
type ConsumerConfig struct {
	JobName                 string `json:"jobName"`
	ConsumerID              string `json:"consumerId,omitempty"`
	MaxParallelJobs         int    `json:"maxParallelJobs"`
	ExecutionTimeoutSeconds int    `json:"executionTimeoutSeconds,omitempty"`
}

// RegistrationMessage announces a worker instance coming online.
// RoutingPatterns maps each job name to the binding pattern the worker
// declared for it, typically "{jobName}.*".
type RegistrationMessage struct {
	WorkerID        string            `json:"workerId"`
	InstanceID      string            `json:"instanceId"`
	HostName        string            `json:"hostName,omitempty"`
	IPAddress       string            `json:"ipAddress,omitempty"`
	MaxParallelJobs *int              `json:"maxParallelJobs,omitempty"`
	RoutingPatterns map[string]string `json:"routingPatterns,omitempty"`
	ConsumerConfigs []ConsumerConfig  `json:"consumerConfigs,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Version         string            `json:"version,omitempty"`
	RegisteredAt    time.Time         `json:"registeredAt"`
}

// HeartbeatMessage refreshes an instance's liveness and load.
type HeartbeatMessage struct {
	WorkerID    string    `json:"workerId"`
	InstanceID  string    `json:"instanceId"`
	CurrentJobs int       `json:"currentJobs"`
	Status      string    `json:"status,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
