package job

import (
	"context"
	"fmt"
	"time"
)

// DefaultStaleness is how long a job may go without syncing before it is due again.
const DefaultStaleness = 24 * time.Hour

// Selector picks the job definitions due for a sync.
type Selector struct {
	repo      Repository
	staleness time.Duration
}

// NewSelector creates a selector using the given staleness threshold.
func NewSelector(repo Repository, staleness time.Duration) (*Selector, error) {
	if staleness <= 0 {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidStaleness, staleness)
	}
	return &Selector{repo: repo, staleness: staleness}, nil
}

// Staleness returns the configured threshold.
func (s *Selector) Staleness() time.Duration {
	return s.staleness
}

// DueJobs returns definitions where last_synced_at is null or older than
// now minus the staleness threshold. No ordering is guaranteed.
func (s *Selector) DueJobs(ctx context.Context, now time.Time) ([]*Definition, error) {
	cutoff := now.Add(-s.staleness)

	defs, err := s.repo.DueJobs(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to select due jobs: %w", err)
	}

	// The store applies the same predicate; re-checking here keeps a lagging
	// replica from handing back a job that was just checkpointed.
	due := defs[:0]
	for _, d := range defs {
		if d.DueAt(now, s.staleness) {
			due = append(due, d)
		}
	}
	return due, nil
}
