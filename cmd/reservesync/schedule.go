package main

import (
	"log"
	"time"

	"github.com/spf13/cobra"

	"reservesync/internal/interfaces/scheduler"
)

const shutdownTimeout = 30 * time.Second

// NewScheduleCommand creates the schedule command.
func NewScheduleCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run sync cycles at the configured times of day",
		Long: `Start the scheduler daemon. At each SCHEDULER_TIMES entry one sync run
covers every due job, SYNC_WORKERS at a time, and logs the run's summary.
Runs never overlap. Serves /metrics on METRICS_PORT when telemetry is
enabled. Stops on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			cfg, err := loadConfig(ctx, true)
			if err != nil {
				return err
			}
			if !cfg.Scheduler.Enabled {
				log.Println("Scheduler is disabled (SCHEDULER_ENABLED=false)")
				return nil
			}

			shutdown := initTelemetry(ctx, cfg, true)
			defer flushTelemetry(shutdown)

			deps, err := NewDependencies(ctx, cfg, true)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to initialize", err)
			}
			defer deps.Close()

			sched, err := scheduler.New(scheduler.Config{
				Times:        cfg.Scheduler.ScheduleTimes,
				Job:          scheduler.NewSyncRun(deps.Orchestrator, nil),
				RunTimeout:   cfg.Scheduler.RunTimeout,
				RunOnStartup: cfg.Scheduler.RunOnStartup,
			})
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid scheduler configuration", err)
			}

			sched.Start()
			log.Printf("Scheduler started (%s), next run %s",
				describeConfig(cfg), sched.Next(time.Now()).Format(time.RFC3339))

			<-ctx.Done()
			sched.Shutdown(shutdownTimeout)
			return nil
		},
	}
}
