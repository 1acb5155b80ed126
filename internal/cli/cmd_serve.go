package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/workrun/internal/run"
	"github.com/randalmurphal/workrun/internal/service"
)

// newServeCmd creates the serve command
func newServeCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Drive RUNNING runs in the background",
		Long: `Run until interrupted, driving every RUNNING run. The store is rescanned
on an interval so runs started with 'workrun start --detach' or left
behind by a stopped process are picked up. With file leases several serve
processes can share one store; each run is driven by one process at a time.

When retention is enabled, terminal runs older than retention.max_age are
deleted on retention.schedule.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return serve(ctx, a, interval)
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "how often to rescan for RUNNING runs")
	return cmd
}

func serve(ctx context.Context, a *app, interval time.Duration) error {
	sigCtx, cancel := SetupSignalHandler(ctx)
	defer cancel()

	listening := a.dispatcher.Listen(sigCtx, a.publisher)

	scan := cron.New()
	if _, err := scan.AddFunc("@every "+interval.String(), func() { rescan(sigCtx, a) }); err != nil {
		return fmt.Errorf("schedule rescan: %w", err)
	}
	rescan(sigCtx, a)
	scan.Start()

	if a.cfg.Retention.Enabled {
		sweeper, err := service.NewSweeper(a.svc, a.cfg.Retention.Schedule, a.cfg.Retention.MaxAge)
		if err != nil {
			<-scan.Stop().Done()
			return err
		}
		sweeper.Start(sigCtx)
		defer sweeper.Stop()
	}

	a.logger.Info("serving", "interval", interval, "workers", a.cfg.Dispatcher.Workers,
		"lease_mode", a.cfg.Dispatcher.LeaseMode, "retention", a.cfg.Retention.Enabled)
	<-sigCtx.Done()

	<-scan.Stop().Done()
	a.dispatcher.Close()
	<-listening
	a.logger.Info("stopped serving")
	return nil
}

// rescan submits every RUNNING run. Runs already active here are coalesced
// by the dispatcher and runs leased by another process are skipped.
func rescan(ctx context.Context, a *app) {
	runs, err := a.svc.ListRuns(ctx, run.StatusRunning)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Error("rescan failed", "error", err)
		}
		return
	}
	for _, r := range runs {
		if !a.dispatcher.IsActive(r.ID) {
			a.dispatcher.Submit(r.ID)
		}
	}
	a.logger.Debug("rescan finished", "running", len(runs))
}

// newSweepCmd creates the sweep command
func newSweepCmd() *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete finished runs older than a maximum age",
		Long: `Delete COMPLETED and CANCELLED runs, with their resources, whose last
update is older than --max-age (default retention.max_age).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				age := a.cfg.Retention.MaxAge
				if cmd.Flags().Changed("max-age") {
					age = maxAge
				}
				sweeper, err := service.NewSweeper(a.svc, a.cfg.Retention.Schedule, age)
				if err != nil {
					return err
				}
				n, err := sweeper.Sweep(ctx)
				if !quiet {
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d run(s)\n", n)
				}
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "delete runs last updated longer ago than this")
	return cmd
}
