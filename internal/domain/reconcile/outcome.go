package reconcile

import (
	"fmt"

	"reservesync/internal/domain/money"
	"reservesync/internal/domain/provider"
)

// Stage is the furthest point a job reached in one sync cycle.
type Stage string

const (
	StageSelected        Stage = "SELECTED"
	StageSpendTokenReady Stage = "SPEND_TOKEN_READY"
	StageFetched         Stage = "FETCHED"
	StageAggregated      Stage = "AGGREGATED"
	StageFundTokenReady  Stage = "FUND_TOKEN_READY"
	StageTransferred     Stage = "TRANSFERRED"
	StageCheckpointed    Stage = "CHECKPOINTED"
	StageFailed          Stage = "FAILED"
)

// Status is the externally reported result of one job.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusCheckpointPending means money moved but the checkpoint write
	// kept failing; an operator has been alerted.
	StatusCheckpointPending Status = "checkpoint_pending"
)

// Outcome is the per-job result returned by RunSync.
type Outcome struct {
	RunID      string
	JobID      int64
	Status     Status
	Detail     string
	Stage      Stage // last stage reached before finishing or failing
	ErrorKind  string
	Amount     money.Money
	Window     provider.Window
	DedupeKey  string
	TransferID string
	Err        error
}

func (o Outcome) String() string {
	return fmt.Sprintf("job %d: %s at %s (%s)", o.JobID, o.Status, o.Stage, o.Detail)
}

// Failed reports whether the job did not complete.
func (o Outcome) Failed() bool {
	return o.Status != StatusSucceeded
}

// State maps the outcome onto the job state machine's terminal states.
func (o Outcome) State() Stage {
	if o.Status == StatusFailed {
		return StageFailed
	}
	return o.Stage
}

// Summary counts a run's outcomes by status.
type Summary struct {
	Succeeded         int
	Failed            int
	CheckpointPending int
	// Transferred sums the deposits made, checkpointed or not.
	Transferred money.Money
}

// Summarize tallies outcomes.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{Transferred: money.Zero}
	for _, o := range outcomes {
		switch o.Status {
		case StatusSucceeded:
			s.Succeeded++
		case StatusCheckpointPending:
			s.CheckpointPending++
		default:
			s.Failed++
		}
		if o.TransferID != "" {
			s.Transferred = s.Transferred.Add(o.Amount)
		}
	}
	return s
}

// Incomplete counts the jobs that did not finish the cycle.
func (s Summary) Incomplete() int {
	return s.Failed + s.CheckpointPending
}

func (s Summary) String() string {
	return fmt.Sprintf("%d succeeded, %d failed, %d checkpoint pending, %s minor units transferred",
		s.Succeeded, s.Failed, s.CheckpointPending, s.Transferred)
}
