package scheduler

import "context"

// Job is a unit of work executed by the worker pool.
type Job interface {
	// Execute runs the job. Implementations must respect ctx cancellation.
	Execute(ctx context.Context) error

	// Key identifies the job in logs and span attributes.
	Key() string

	// Description returns a human-readable description of the job.
	Description() string
}
