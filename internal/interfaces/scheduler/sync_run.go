package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"reservesync/internal/domain/reconcile"
)

// Runner runs every due job once. Implemented by reconcile.Orchestrator.
type Runner interface {
	RunSync(ctx context.Context, now time.Time) ([]reconcile.Outcome, error)
}

// SyncRun is the scheduled job: one pass over every due reserve sync job.
type SyncRun struct {
	runner Runner
	now    func() time.Time
}

// NewSyncRun creates the scheduled job. The run's time is read from now
// when it starts, not when it is queued.
func NewSyncRun(runner Runner, now func() time.Time) *SyncRun {
	if now == nil {
		now = time.Now
	}
	return &SyncRun{runner: runner, now: now}
}

// Execute runs the due jobs and logs the run's outcomes. Jobs that did not
// complete make the run fail, so they show up in the scheduler's metrics.
func (r *SyncRun) Execute(ctx context.Context) error {
	now := r.now()

	outcomes, err := r.runner.RunSync(ctx, now)
	if err != nil {
		return fmt.Errorf("select due jobs: %w", err)
	}
	if len(outcomes) == 0 {
		log.Printf("Scheduled sync at %s: no jobs due", now.Format(time.RFC3339))
		return nil
	}

	runID := outcomes[0].RunID
	summary := reconcile.Summarize(outcomes)
	log.Printf("Scheduled sync run %s at %s: %s", runID, now.Format(time.RFC3339), summary)
	for _, out := range outcomes {
		if out.Failed() {
			log.Printf("Run %s: %s", runID, out)
		}
	}

	if n := summary.Incomplete(); n > 0 {
		return fmt.Errorf("run %s: %d of %d jobs did not complete", runID, n, len(outcomes))
	}
	return nil
}

func (r *SyncRun) Key() string { return "reserve-sync" }

func (r *SyncRun) Description() string { return "reserve sync run" }
