package repository

import "context"

// HealthChecker reports whether the backing store is reachable. The
// dispatcher's startup recovery and the readiness endpoint both use it.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
