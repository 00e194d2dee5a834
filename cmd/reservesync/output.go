package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"reservesync/internal/domain/job"
	"reservesync/internal/domain/reconcile"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // every job completed
	ExitFailure      = 1 // at least one job did not complete
	ExitCommandError = 2 // bad flags, configuration or store errors
)

// ExitError carries the process exit code for a command error.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Errors that are not an
// ExitError map to ExitCommandError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCommandError
}

// outcomeView is the JSON shape of one job outcome.
type outcomeView struct {
	JobID       int64      `json:"job_id"`
	Status      string     `json:"status"`
	Stage       string     `json:"stage"`
	AmountMinor int64      `json:"amount_minor"`
	Amount      string     `json:"amount"`
	WindowFrom  *time.Time `json:"window_from,omitempty"`
	WindowTo    *time.Time `json:"window_to,omitempty"`
	DedupeKey   string     `json:"dedupe_key,omitempty"`
	TransferID  string     `json:"transfer_id,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	Detail      string     `json:"detail,omitempty"`
}

func newOutcomeView(o reconcile.Outcome) outcomeView {
	v := outcomeView{
		JobID:       o.JobID,
		Status:      string(o.Status),
		Stage:       string(o.State()),
		AmountMinor: o.Amount.AsMinor(),
		Amount:      o.Amount.Major().StringFixed(2),
		DedupeKey:   o.DedupeKey,
		TransferID:  o.TransferID,
		ErrorKind:   o.ErrorKind,
		Detail:      o.Detail,
	}
	if !o.Window.To.IsZero() {
		from, to := o.Window.From, o.Window.To
		v.WindowFrom, v.WindowTo = &from, &to
	}
	return v
}

// runReport is the JSON document printed by the run command.
type runReport struct {
	RunID      string        `json:"run_id,omitempty"`
	Now        time.Time     `json:"now"`
	Jobs       int           `json:"jobs"`
	Incomplete int           `json:"incomplete"`
	Outcomes   []outcomeView `json:"outcomes"`
}

// writeOutcomes prints the outcomes of one run in the requested format.
func writeOutcomes(w io.Writer, format string, now time.Time, outcomes []reconcile.Outcome) error {
	report := runReport{
		Now:        now,
		Jobs:       len(outcomes),
		Incomplete: reconcile.Summarize(outcomes).Incomplete(),
		Outcomes:   make([]outcomeView, 0, len(outcomes)),
	}
	for _, o := range outcomes {
		if report.RunID == "" {
			report.RunID = o.RunID
		}
		report.Outcomes = append(report.Outcomes, newOutcomeView(o))
	}

	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	for _, v := range report.Outcomes {
		line := fmt.Sprintf("job %d\t%s\t%s\tamount=%s", v.JobID, v.Status, v.Stage, v.Amount)
		if v.TransferID != "" {
			line += "\ttransfer=" + v.TransferID
		}
		if v.Detail != "" {
			line += "\t" + v.Detail
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	summary := fmt.Sprintf("%d jobs, %d incomplete", report.Jobs, report.Incomplete)
	if report.RunID != "" {
		summary = "run " + report.RunID + ": " + summary
	}
	_, err := fmt.Fprintln(w, summary)
	return err
}

// dueView is the JSON shape of one due job.
type dueView struct {
	JobID        int64      `json:"job_id"`
	UserID       int64      `json:"user_id"`
	Card         string     `json:"card"`
	Cash         string     `json:"cash"`
	Reserve      string     `json:"reserve"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
}

// writeDue prints the jobs selected for a run without running them.
func writeDue(w io.Writer, format string, defs []*job.Definition) error {
	views := make([]dueView, 0, len(defs))
	for _, d := range defs {
		views = append(views, dueView{
			JobID:        d.ID,
			UserID:       d.UserID,
			Card:         d.Card.ExternalID,
			Cash:         d.Cash.ExternalID,
			Reserve:      d.Reserve.ExternalID,
			LastSyncedAt: d.LastSyncedAt,
		})
	}

	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}

	for _, v := range views {
		last := "never"
		if v.LastSyncedAt != nil {
			last = v.LastSyncedAt.UTC().Format(time.RFC3339)
		}
		if _, err := fmt.Fprintf(w, "job %d\tuser %d\tcard=%s\treserve=%s\tlast synced %s\n",
			v.JobID, v.UserID, v.Card, v.Reserve, last); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d jobs due\n", len(views))
	return err
}
