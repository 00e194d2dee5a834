package reconcile

import (
	"context"
	"fmt"
	"iter"
	"log"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"reservesync/internal/domain/connection"
	"reservesync/internal/domain/job"
	"reservesync/internal/domain/money"
	"reservesync/internal/domain/provider"
)

// DedupeStrategy selects how deposit idempotency keys are built.
type DedupeStrategy string

const (
	// DedupeDaily keys on (calendar date, amount).
	DedupeDaily DedupeStrategy = "daily"
	// DedupeWindow keys on (job id, fetch window).
	DedupeWindow DedupeStrategy = "window"
)

// ParseDedupeStrategy validates a configured strategy name.
func ParseDedupeStrategy(s string) (DedupeStrategy, error) {
	switch DedupeStrategy(s) {
	case DedupeDaily, DedupeWindow:
		return DedupeStrategy(s), nil
	default:
		return "", fmt.Errorf("invalid dedupe strategy %q (expected %q or %q)", s, DedupeDaily, DedupeWindow)
	}
}

// Config holds orchestrator tuning.
type Config struct {
	Workers            int
	JobTimeout         time.Duration
	CheckpointAttempts int
	CheckpointBackoff  time.Duration
	DedupeStrategy     DedupeStrategy
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Workers:            4,
		JobTimeout:         2 * time.Minute,
		CheckpointAttempts: 5,
		CheckpointBackoff:  500 * time.Millisecond,
		DedupeStrategy:     DedupeDaily,
	}
}

// JobSource yields the job definitions due at now.
type JobSource interface {
	DueJobs(ctx context.Context, now time.Time) ([]*job.Definition, error)
}

// Checkpointer persists job checkpoints.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, jobID int64, syncedAt time.Time) error
}

// TokenSource hands out fresh access tokens.
type TokenSource interface {
	EnsureFresh(ctx context.Context, conn *connection.Connection) (string, error)
}

// Orchestrator drives each due job through token refresh, fetch, aggregate,
// transfer and checkpoint. A failure aborts only the job it happened in.
type Orchestrator struct {
	jobs        JobSource
	checkpoints Checkpointer
	tokens      TokenSource
	ledger      provider.Ledger
	funds       provider.Funds
	alerter     Alerter
	cfg         Config

	// newBackOff returns the wait schedule for one checkpoint write.
	newBackOff func() backoff.BackOff
}

// NewOrchestrator creates an orchestrator. Zero fields in cfg fall back to DefaultConfig.
func NewOrchestrator(
	jobs JobSource,
	checkpoints Checkpointer,
	tokens TokenSource,
	ledger provider.Ledger,
	funds provider.Funds,
	alerter Alerter,
	cfg Config,
) *Orchestrator {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.CheckpointAttempts <= 0 {
		cfg.CheckpointAttempts = def.CheckpointAttempts
	}
	if cfg.CheckpointBackoff <= 0 {
		cfg.CheckpointBackoff = def.CheckpointBackoff
	}
	if cfg.DedupeStrategy == "" {
		cfg.DedupeStrategy = def.DedupeStrategy
	}
	if alerter == nil {
		alerter = LogAlerter{}
	}

	o := &Orchestrator{
		jobs:        jobs,
		checkpoints: checkpoints,
		tokens:      tokens,
		ledger:      ledger,
		funds:       funds,
		alerter:     alerter,
		cfg:         cfg,
	}
	o.newBackOff = o.checkpointBackOff
	return o
}

// RunSync runs every job due at now and returns one outcome per job, in
// selection order. Jobs run concurrently up to the configured worker count.
// The only error returned is a failure to select jobs at all.
func (o *Orchestrator) RunSync(ctx context.Context, now time.Time) ([]Outcome, error) {
	runID := uuid.NewString()

	ctx, span := syncTracer.Start(ctx, "reconcile.run", trace.WithAttributes(
		attribute.String("run.id", runID),
	))
	defer span.End()

	defs, err := o.jobs.DueJobs(ctx, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	log.Printf("Sync run %s: %d due jobs", runID, len(defs))
	span.SetAttributes(attribute.Int("run.jobs", len(defs)))

	outcomes := make([]Outcome, len(defs))
	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for i, def := range defs {
		g.Go(func() error {
			out := o.SyncJob(ctx, def, now)
			out.RunID = runID
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()

	log.Printf("Sync run %s finished: %s", runID, Summarize(outcomes))

	return outcomes, nil
}

// SyncJob runs one job through the full cycle. It never panics and never
// returns an error; everything is reported in the outcome.
func (o *Orchestrator) SyncJob(ctx context.Context, def *job.Definition, now time.Time) (out Outcome) {
	if def == nil {
		return o.fail(Outcome{Stage: StageSelected}, ErrNilDefinition)
	}
	out = Outcome{JobID: def.ID, Stage: StageSelected}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.JobTimeout)
	defer cancel()

	ctx, span := syncTracer.Start(ctx, "reconcile.job", trace.WithAttributes(
		attribute.Int64("job.id", def.ID),
		attribute.Int64("job.user_id", def.UserID),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = o.fail(out, fmt.Errorf("panic: %v", r))
		}

		span.SetAttributes(
			attribute.String("job.status", string(out.Status)),
			attribute.String("job.stage", string(out.Stage)),
			attribute.Int64("job.amount_minor", out.Amount.AsMinor()),
		)
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		}
		jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(out.Status))))
		jobDuration.Record(ctx, time.Since(start).Seconds())
	}()

	log.Printf("Starting reserve sync for job %d (user %d)", def.ID, def.UserID)

	if err := def.Validate(); err != nil {
		return o.fail(out, err)
	}

	spendToken, err := o.tokens.EnsureFresh(ctx, def.Card.Connection)
	if err != nil {
		return o.fail(out, fmt.Errorf("spend token: %w", err))
	}
	out.Stage = StageSpendTokenReady

	window, err := provider.NewWindow(def.LastSyncedAt, now)
	if err != nil {
		return o.fail(out, err)
	}
	out.Window = window

	txs, err := o.ledger.FetchTransactions(ctx, def.Card.ExternalID, spendToken, window)
	if err != nil {
		return o.fail(out, fmt.Errorf("fetch transactions: %w", err))
	}
	out.Stage = StageFetched

	total, count, err := aggregate(txs)
	if err != nil {
		return o.fail(out, fmt.Errorf("read transactions: %w", err))
	}
	out.Stage = StageAggregated
	out.Amount = total

	log.Printf("Job %d: %d transactions between %s and %s, total %s minor units",
		def.ID, count, window.From.Format(time.RFC3339), window.To.Format(time.RFC3339), total)

	// Nothing to cover: skip the transfer but still consume the window.
	if total.IsZero() || total.IsNegative() {
		if err := o.advanceCheckpoint(ctx, def, window); err != nil {
			return o.fail(out, err)
		}
		out.Stage = StageCheckpointed
		out.Status = StatusSucceeded
		out.Detail = fmt.Sprintf("nothing to transfer (net %s)", total)
		log.Printf("Job %d: nothing to transfer, checkpoint advanced to %s", def.ID, window.To.Format(time.RFC3339))
		return out
	}

	cashToken, err := o.tokens.EnsureFresh(ctx, def.Cash.Connection)
	if err != nil {
		return o.fail(out, fmt.Errorf("funds token: %w", err))
	}
	out.Stage = StageFundTokenReady

	req := provider.DepositRequest{
		SourceAccountID: def.Cash.ExternalID,
		PotID:           def.Reserve.ExternalID,
		Amount:          total,
		Date:            now,
		DedupeKey:       o.dedupeKey(def, window, total, now),
	}
	out.DedupeKey = req.DedupeKey

	result, err := o.funds.Deposit(ctx, cashToken, req)
	if err != nil {
		return o.fail(out, fmt.Errorf("deposit: %w", err))
	}
	out.Stage = StageTransferred
	out.TransferID = result.ID
	transferMinor.Add(ctx, total.AsMinor())

	log.Printf("Job %d: deposited %s minor units into pot %s (dedupe %s)",
		def.ID, total, def.Reserve.ExternalID, req.DedupeKey)

	// The transfer is committed; from here on a checkpoint failure must not
	// be reported as a plain failure that invites a blind retry.
	if err := o.advanceCheckpoint(ctx, def, window); err != nil {
		out.Status = StatusCheckpointPending
		out.Err = err
		out.ErrorKind = errorKind(err)
		out.Detail = fmt.Sprintf("transfer %s done but checkpoint not saved: %v", result.ID, err)
		o.alertCheckpoint(ctx, def, window, out)
		log.Printf("Job %d: %s", def.ID, out.Detail)
		return out
	}

	out.Stage = StageCheckpointed
	out.Status = StatusSucceeded
	out.Detail = fmt.Sprintf("transferred %s minor units", total)
	log.Printf("Job %d: checkpoint advanced to %s", def.ID, window.To.Format(time.RFC3339))
	return out
}

func (o *Orchestrator) fail(out Outcome, err error) Outcome {
	out.Status = StatusFailed
	out.Err = err
	out.ErrorKind = errorKind(err)
	out.Detail = err.Error()
	log.Printf("Reserve sync for job %d failed after %s (%s): %v", out.JobID, out.Stage, out.ErrorKind, err)
	return out
}

func (o *Orchestrator) dedupeKey(def *job.Definition, w provider.Window, amount money.Money, now time.Time) string {
	if o.cfg.DedupeStrategy == DedupeWindow {
		return provider.WindowDedupeKey(def.ID, w)
	}
	return provider.DailyDedupeKey(now, amount)
}

// checkpointBackOff doubles the wait after every failed checkpoint write,
// starting at the configured backoff. Attempts are capped by advanceCheckpoint.
func (o *Orchestrator) checkpointBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.CheckpointBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return b
}

// advanceCheckpoint sets last_synced_at to the window's end, retrying with
// exponential backoff. It runs detached from the job deadline so a slow
// transfer cannot starve the write that records it.
func (o *Orchestrator) advanceCheckpoint(ctx context.Context, def *job.Definition, w provider.Window) error {
	ctx = context.WithoutCancel(ctx)
	retries := uint64(o.cfg.CheckpointAttempts - 1)
	schedule := backoff.WithContext(backoff.WithMaxRetries(o.newBackOff(), retries), ctx)

	attempt := 0
	save := func() error {
		attempt++
		return o.checkpoints.SaveCheckpoint(ctx, def.ID, w.To)
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("Job %d: checkpoint write attempt %d/%d failed, retrying in %s: %v",
			def.ID, attempt, o.cfg.CheckpointAttempts, wait, err)
	}

	if err := backoff.RetryNotify(save, schedule, notify); err != nil {
		log.Printf("Job %d: checkpoint write attempt %d/%d failed: %v", def.ID, attempt, o.cfg.CheckpointAttempts, err)
		return &PersistenceError{
			Op:  fmt.Sprintf("save checkpoint for job %d", def.ID),
			Err: err,
		}
	}

	synced := w.To
	def.LastSyncedAt = &synced
	return nil
}

func (o *Orchestrator) alertCheckpoint(ctx context.Context, def *job.Definition, w provider.Window, out Outcome) {
	err := o.alerter.Alert(context.WithoutCancel(ctx),
		"Reserve checkpoint not saved",
		fmt.Sprintf("Job %d deposited %s minor units but last_synced_at could not be set to %s",
			def.ID, out.Amount, w.To.Format(time.RFC3339)),
		map[string]string{
			"job_id":      strconv.FormatInt(def.ID, 10),
			"user_id":     strconv.FormatInt(def.UserID, 10),
			"synced_at":   w.To.Format(time.RFC3339),
			"dedupe_key":  out.DedupeKey,
			"transfer_id": out.TransferID,
		},
	)
	if err != nil {
		log.Printf("Warning: failed to alert about job %d checkpoint: %v", def.ID, err)
	}
}

// aggregate drains the transaction sequence and sums minor units.
func aggregate(txs iter.Seq2[provider.Transaction, error]) (money.Money, int, error) {
	total := money.Zero
	count := 0
	for tx, err := range txs {
		if err != nil {
			return money.Zero, count, err
		}
		total = total.Add(tx.Amount)
		count++
	}
	return total, count, nil
}

var _ TokenSource = (*TokenManager)(nil)
