package schedule

// keys builds the Redis key layout under a configurable prefix
// (default "JobScheduler:").
type keys struct {
	prefix string
}

func (k keys) scheduledSet() string {
	return k.prefix + "scheduled_jobs"
}

func (k keys) job(jobID string) string {
	return k.prefix + "job:" + jobID
}

func (k keys) running(jobID string) string {
	return k.prefix + "running:" + jobID
}

func (k keys) cancellationChannel() string {
	return k.prefix + "cancellation_channel"
}
