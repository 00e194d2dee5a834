package job

import (
	"context"
	"time"
)

// Repository defines the interface for job definition data access
type Repository interface {
	// DueJobs returns every definition never synced or last synced before cutoff,
	// with its three accounts and their connections fully loaded.
	DueJobs(ctx context.Context, cutoff time.Time) ([]*Definition, error)

	// SaveCheckpoint sets last_synced_at for one definition atomically.
	SaveCheckpoint(ctx context.Context, jobID int64, syncedAt time.Time) error
}
