package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mediaforge/taskcron/config"
	"github.com/mediaforge/taskcron/internal/core"
	obserrors "github.com/mediaforge/taskcron/internal/observability/errors"
	"github.com/mediaforge/taskcron/internal/observability/metrics"
	"github.com/mediaforge/taskcron/internal/observability/statsd"
)

// CleanerServiceOptions groups dependencies for CleanerService.
type CleanerServiceOptions struct {
	Cleaner core.InstanceCleaner // Required: instance cleanup store
	Config  config.CleanerConfig // Required: cleaner configuration
	Logger  *slog.Logger         // Optional: structured logger
	Metrics statsd.Sink          // Optional: metrics sink (StatsD-compatible)
}

// CleanerService deletes terminal task instances past the retention window
// to prevent database bloat. Live instances and schedule rows are never
// touched.
type CleanerService struct {
	cleaner core.InstanceCleaner
	config  config.CleanerConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewCleanerService constructs a new CleanerService.
func NewCleanerService(opts CleanerServiceOptions) (*CleanerService, error) {
	if opts.Cleaner == nil {
		return nil, errors.New("InstanceCleaner is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "cleaner_service")
		logger.Debug("CleanerService initialized",
			"interval", opts.Config.Interval,
			"retention", opts.Config.Retention,
			"batch_size", opts.Config.BatchSize,
		)
	}

	return &CleanerService{
		cleaner: opts.Cleaner,
		config:  opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Run starts the cleaner loop and runs until the context is cancelled.
// It performs cleanup at the configured interval.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *CleanerService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting cleaner service", "interval", s.config.Interval)
	}

	// Add jitter to prevent thundering herd if multiple instances start together
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Run cleanup immediately after jitter
	if err := s.runCleanup(ctx); err != nil {
		s.logCleanupError(err, "initial cleanup")
	}

	return s.runLoop(ctx, ticker)
}

// waitWithJitter adds a random delay up to 10% of the interval to prevent thundering herd.
func (s *CleanerService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	// Use modulo on uint64 before converting to avoid overflow
	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		// Graceful shutdown during jitter
	}
}

// runLoop runs the cleanup loop until context is cancelled.
func (s *CleanerService) runLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "cleaner service stopping", "reason", ctx.Err())
			}
			// Return nil on graceful shutdown to avoid treating it as a failure
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.runCleanup(ctx); err != nil {
				s.logCleanupError(err, "cleanup")
				// Continue running despite errors
			}
		}
	}
}

// runCleanup deletes one retention window's worth of terminal instances.
func (s *CleanerService) runCleanup(ctx context.Context) error {
	start := time.Now()

	count, err := s.deleteExpiredInstances(ctx)
	elapsed := time.Since(start)

	s.emitCleanupMetrics(count, suppressContextCancellation(err), elapsed)

	if err != nil {
		if isContextCancellation(err) {
			return context.Canceled
		}
		return fmt.Errorf("cleanup failed: %w", err)
	}
	return nil
}

// deleteExpiredInstances deletes terminal instances older than the retention window.
// Loops until no more rows are affected to handle large datasets in batches.
func (s *CleanerService) deleteExpiredInstances(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.config.Retention)

	var totalCount int64
	for {
		count, err := s.cleaner.DeleteTerminalInstancesBefore(ctx, cutoff, s.config.BatchSize)
		if err != nil {
			return totalCount, err
		}
		totalCount += count
		if count == 0 {
			break
		}
		// Check context between batches
		if ctx.Err() != nil {
			return totalCount, ctx.Err()
		}
	}

	if totalCount > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted expired task instances",
			"count", totalCount,
			"retention", s.config.Retention,
		)
	}

	return totalCount, nil
}

func (s *CleanerService) emitCleanupMetrics(count int64, err error, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"result": result,
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("cleaner.cleanup", 1, tags)

	if elapsed > 0 {
		s.metrics.Timing("cleaner.cleanup_duration", elapsed, metrics.CloneTags(tags))
	}

	if err == nil {
		if count > 0 {
			s.metrics.Count("cleaner.instances_deleted", count, nil)
		}
		s.metrics.Gauge("cleaner.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *CleanerService) logCleanupError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}

	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
