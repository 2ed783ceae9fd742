// Package scheduler provides the adapter that runs the scheduling loop.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/mediaforge/taskcron/config"
	"github.com/mediaforge/taskcron/internal/core"
	"github.com/mediaforge/taskcron/internal/data"
	"github.com/mediaforge/taskcron/internal/observability/metrics"
	"github.com/mediaforge/taskcron/internal/observability/statsd"
	"github.com/mediaforge/taskcron/internal/service"
)

// Runner drives the scheduler service on a fixed interval until the context
// is cancelled.
type Runner struct {
	ticker   core.Ticker
	interval time.Duration
	logger   *slog.Logger
	metrics  statsd.Sink
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB     *sql.DB
	Config config.SchedulerConfig
	Logger *slog.Logger

	// Optional dependency injections for testing/decoupling
	Store     core.ScheduleStore
	Templates core.TemplateReader
	Metrics   statsd.Sink
}

// NewRunner creates a new scheduler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	ticker := service.NewSchedulerService(wireSchedulerDependencies(opts))

	return &Runner{
		ticker:   ticker,
		interval: opts.Config.CheckInterval,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil && (opts.Store == nil || opts.Templates == nil) {
		return errors.New("database connection is required")
	}
	if opts.Config.CheckInterval <= 0 {
		opts.Config.CheckInterval = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// wireSchedulerDependencies wires up all dependencies for the scheduler service.
func wireSchedulerDependencies(opts RunnerOptions) service.SchedulerServiceOptions {
	var store core.ScheduleStore
	if opts.Store != nil {
		store = opts.Store
	} else {
		store = data.NewScheduleRepo(opts.DB)
	}

	var templates core.TemplateReader
	if opts.Templates != nil {
		templates = opts.Templates
	} else {
		templates = data.NewTaskRepo(opts.DB)
	}

	return service.SchedulerServiceOptions{
		Store:     store,
		Templates: templates,
		Config: core.SchedulerConfig{
			CheckInterval:          opts.Config.CheckInterval,
			BatchSize:              opts.Config.BatchSize,
			MaxConcurrentInstances: opts.Config.MaxConcurrentInstances,
			DefaultTimezone:        opts.Config.DefaultTimezone,
			EnabledByDefault:       opts.Config.EnabledByDefault,
			MaxLookAhead:           opts.Config.MaxLookAhead,
		},
		Logger: opts.Logger,
	}
}

// Run starts the scheduling loop and runs until the context is cancelled.
// It calls Tick() at the configured interval and logs the results.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting scheduler runner", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "scheduler runner stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case now := <-ticker.C:
			start := time.Now()
			result, err := r.ticker.Tick(ctx, now)
			elapsed := time.Since(start)

			metrics.EmitTick(r.metrics, metrics.TickMetric{
				Result:   result,
				Duration: elapsed,
				Err:      err,
			})

			if err != nil {
				r.logger.Error("scheduler tick failed", "error", err)
				// Continue running despite errors
			} else if result.Processed() > 0 || result.Errors > 0 {
				r.logger.Info("scheduler tick complete",
					"due", result.Due,
					"materialized", result.Materialized,
					"advanced", result.Advanced,
					"replaced", result.Replaced,
					"conflicts", result.Conflicts,
					"errors", result.Errors,
					"elapsed", elapsed,
				)
			}
		}
	}
}
