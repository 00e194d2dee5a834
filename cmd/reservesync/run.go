package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"reservesync/internal/domain/reconcile"
)

// RunOptions holds flags for the run and due commands.
type RunOptions struct {
	*RootOptions
	Now string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sync cycle over every due job",
		Long: `Run one sync cycle: select the due jobs, total each card's spend since its
checkpoint, deposit the total into the reserve pot and advance the checkpoint.

Exits 1 when any job did not complete, 2 when the run could not start.

Example:
  reservesync run
  reservesync run --format json --now 2026-10-15T18:45:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Now, "now", "", "run as of this RFC3339 time (default: current time)")

	return cmd
}

func runSync(cmd *cobra.Command, opts *RunOptions) error {
	ctx := commandContext(cmd)

	now, err := parseNow(opts.Now)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(ctx, true)
	if err != nil {
		return err
	}
	shutdown := initTelemetry(ctx, cfg, false)
	defer flushTelemetry(shutdown)

	deps, err := NewDependencies(ctx, cfg, true)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize", err)
	}
	defer deps.Close()

	log.Printf("Sync run as of %s (%s)", now.Format(time.RFC3339), describeConfig(cfg))
	outcomes, err := deps.Orchestrator.RunSync(ctx, now)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to select due jobs", err)
	}

	if err := writeOutcomes(cmd.OutOrStdout(), opts.Format, now, outcomes); err != nil {
		return WrapExitError(ExitCommandError, "failed to write outcomes", err)
	}

	if incomplete := reconcile.Summarize(outcomes).Incomplete(); incomplete > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d jobs did not complete", incomplete, len(outcomes)))
	}
	return nil
}

// NewDueCommand creates the due command.
func NewDueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "due",
		Short: "List the jobs a run would process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listDue(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Now, "now", "", "select as of this RFC3339 time (default: current time)")

	return cmd
}

func listDue(cmd *cobra.Command, opts *RunOptions) error {
	ctx := commandContext(cmd)

	now, err := parseNow(opts.Now)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(ctx, false)
	if err != nil {
		return err
	}

	deps, err := NewDependencies(ctx, cfg, false)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize", err)
	}
	defer deps.Close()

	defs, err := deps.Selector.DueJobs(ctx, now)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to select due jobs", err)
	}
	return writeDue(cmd.OutOrStdout(), opts.Format, defs)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func flushTelemetry(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Printf("Error shutting down telemetry: %v", err)
	}
}
