// Package cleaner provides the adapter that runs the instance retention cleaner.
package cleaner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mediaforge/taskcron/config"
	"github.com/mediaforge/taskcron/internal/core"
	"github.com/mediaforge/taskcron/internal/data"
	"github.com/mediaforge/taskcron/internal/observability/statsd"
	"github.com/mediaforge/taskcron/internal/service"
)

// Runner wraps the cleaner service with its wiring.
type Runner struct {
	cleaner *service.CleanerService
	logger  *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB     *sql.DB
	Config config.CleanerConfig
	Logger *slog.Logger

	// Optional dependency injection for testing/decoupling
	Cleaner core.InstanceCleaner
	Metrics statsd.Sink
}

// NewRunner creates a new cleaner runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	cleaner, err := wireCleanerService(opts)
	if err != nil {
		return nil, fmt.Errorf("wire cleaner service: %w", err)
	}

	return &Runner{
		cleaner: cleaner,
		logger:  opts.Logger,
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil && opts.Cleaner == nil {
		return errors.New("database connection is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// wireCleanerService wires up all dependencies for the cleaner service.
func wireCleanerService(opts RunnerOptions) (*service.CleanerService, error) {
	var cleaner core.InstanceCleaner
	if opts.Cleaner != nil {
		cleaner = opts.Cleaner
	} else {
		cleaner = data.NewTaskRepo(opts.DB)
	}

	return service.NewCleanerService(service.CleanerServiceOptions{
		Cleaner: cleaner,
		Config:  opts.Config,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
}

// Run starts the cleaner loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting cleaner runner")
	return r.cleaner.Run(ctx)
}
