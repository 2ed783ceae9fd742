package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mediaforge/taskcron/internal/core"
	"github.com/mediaforge/taskcron/internal/data"
	"github.com/mediaforge/taskcron/internal/domain"
	"github.com/mediaforge/taskcron/internal/service"
)

type metricsOptions struct {
	JSON bool
}

func parseMetricsFlags(args []string) (metricsOptions, error) {
	fs := flag.NewFlagSet("metrics", flag.ContinueOnError)

	var opts metricsOptions
	fs.BoolVar(&opts.JSON, "json", false, "Print the snapshot as JSON")

	if err := parseFlags(fs, args); err != nil {
		return metricsOptions{}, err
	}
	return opts, nil
}

func runMetrics(cmdCtx *commandContext, args []string) error {
	opts, err := parseMetricsFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	db, redisClient, err := connectInfraWithOptions(&connectInfraOptions{
		Logger:    cmdCtx.Logger,
		Config:    &cmdCtx.Config,
		WantDB:    true,
		WantRedis: cmdCtx.Config.Cache.Enabled,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeInfra(db, redisClient); cerr != nil {
			cmdCtx.Logger.Warn("close infra failed", "error", cerr)
		}
	}()

	var cache core.SnapshotCache
	if redisClient != nil {
		cache = data.NewSnapshotCache(redisClient, cmdCtx.Config.Cache.SnapshotTTL)
	}

	svc := service.NewMetricsService(service.MetricsServiceOptions{
		Reader: data.NewMetricsRepo(db),
		Cache:  cache,
		Logger: cmdCtx.Logger,
	})

	snapshot, err := svc.Snapshot(ctx)
	if err != nil {
		return err
	}

	if opts.JSON {
		return printJSON(snapshot)
	}
	return printMetricsSnapshot(&snapshot)
}

func printMetricsSnapshot(snapshot *domain.MetricsSnapshot) error {
	if err := writef(os.Stdout, "Snapshot taken at %s\n\n", snapshot.TakenAt.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("print snapshot header: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(w, "Metric\tValue"); err != nil {
		return fmt.Errorf("write snapshot header row: %w", err)
	}
	if err := writef(w, "Total Schedules\t%d\n", snapshot.TotalSchedules); err != nil {
		return fmt.Errorf("write total schedules: %w", err)
	}
	if err := writef(w, "Active Schedules\t%d\n", snapshot.ActiveSchedules); err != nil {
		return fmt.Errorf("write active schedules: %w", err)
	}
	if err := writef(w, "Scheduled Now\t%d\n", snapshot.ScheduledNow); err != nil {
		return fmt.Errorf("write scheduled now: %w", err)
	}
	if err := writef(w, "Running Now\t%d\n", snapshot.RunningNow); err != nil {
		return fmt.Errorf("write running now: %w", err)
	}
	for _, status := range instanceStatusOrder() {
		count, ok := snapshot.InstancesToday[status]
		if !ok {
			continue
		}
		if err := writef(w, "Instances Today (%s)\t%d\n", status, count); err != nil {
			return fmt.Errorf("write instances today %q: %w", status, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush snapshot table: %w", err)
	}

	return printUpcomingFirings(snapshot.UpcomingFirings)
}

// instanceStatusOrder fixes the display order; map iteration would shuffle it.
func instanceStatusOrder() []domain.InstanceStatus {
	return []domain.InstanceStatus{
		domain.InstanceScheduled,
		domain.InstanceRunning,
		domain.InstanceCompleted,
		domain.InstanceFailed,
		domain.InstanceSkipped,
	}
}

func printUpcomingFirings(firings []domain.UpcomingFiring) error {
	if len(firings) == 0 {
		return nil
	}

	if err := writef(os.Stdout, "\nUpcoming Firings\n"); err != nil {
		return fmt.Errorf("print firing section title: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(w, "Schedule\tCron\tTZ\tNext Run"); err != nil {
		return fmt.Errorf("write firing header: %w", err)
	}
	for _, firing := range firings {
		if err := writef(w, "%s\t%s\t%s\t%s\n",
			firing.ScheduleID,
			firing.CronExpression,
			firing.Timezone,
			firing.NextRunAt.Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("write firing row: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush firing table: %w", err)
	}
	return nil
}
