package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mediaforge/taskcron/internal/core"
	"github.com/mediaforge/taskcron/internal/data"
	"github.com/mediaforge/taskcron/internal/domain"
	"github.com/mediaforge/taskcron/internal/domain/cron"
	"github.com/mediaforge/taskcron/internal/domain/scheduler"
	apperrors "github.com/mediaforge/taskcron/internal/errors"
)

// SchedulerService turns due schedules into materialized instances. One Tick
// handles one batch; the runner drives it on an interval. Multiple processes
// may tick against the same store: the compare-and-swap advance of
// next_run_at makes each (schedule, next_run_at) pair fire at most once.
type SchedulerService struct {
	store     core.ScheduleStore
	templates core.TemplateReader
	config    core.SchedulerConfig
	logger    *slog.Logger
}

// SchedulerServiceOptions groups constructor parameters to keep parameter count <= 3.
type SchedulerServiceOptions struct {
	Store     core.ScheduleStore
	Templates core.TemplateReader
	Config    core.SchedulerConfig
	Logger    *slog.Logger
}

// NewSchedulerService creates a SchedulerService.
func NewSchedulerService(opts SchedulerServiceOptions) *SchedulerService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = core.DefaultSchedulerConfig().BatchSize
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = core.DefaultSchedulerConfig().DefaultTimezone
	}
	return &SchedulerService{
		store:     opts.Store,
		templates: opts.Templates,
		config:    cfg,
		logger:    logger,
	}
}

// Tick processes one batch of due schedules in ascending next_run_at order.
// No single schedule's failure aborts the batch; transient conflicts are
// suppressed entirely.
func (s *SchedulerService) Tick(ctx context.Context, now time.Time) (core.TickResult, error) {
	var result core.TickResult

	schedules, err := s.store.ListDue(ctx, now, s.config.BatchSize)
	if err != nil {
		return result, fmt.Errorf("list due schedules: %w", err)
	}
	result.Due = len(schedules)

	for _, schedule := range schedules {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if err := s.processSchedule(ctx, schedule, now, &result); err != nil {
			result.Errors++
			s.logger.Error("schedule processing failed",
				"schedule_id", schedule.ID,
				"cron", schedule.CronExpression,
				"error", err,
			)
		}
	}
	return result, nil
}

// processSchedule applies the overlap policy to one due schedule and executes
// the resulting action against the store.
func (s *SchedulerService) processSchedule(
	ctx context.Context,
	schedule domain.Schedule,
	now time.Time,
	result *core.TickResult,
) error {
	// The due scan already filtered; re-check in case the row changed
	// between scan and processing.
	if !scheduler.IsDue(schedule, now) {
		return nil
	}

	expr, loc, err := s.evalState(ctx, schedule)
	if err != nil {
		return err
	}

	// Catch-up coalescing: the subsequent firing is computed from now, so a
	// backlog of missed firings collapses into this single one.
	next, err := expr.Next(now, loc)
	if err != nil {
		return s.isolate(ctx, schedule.ID, apperrors.Corruption(schedule.ID, err))
	}
	if s.config.MaxLookAhead > 0 && next.Sub(now) > s.config.MaxLookAhead {
		s.logger.Warn("next firing beyond look-ahead horizon",
			"schedule_id", schedule.ID,
			"next_run_at", next,
		)
	}

	decision, err := s.decide(ctx, schedule)
	if err != nil {
		return err
	}

	switch decision.Action {
	case scheduler.ActionAdvanceOnly:
		return s.advanceOnly(ctx, schedule, next, result)
	case scheduler.ActionReplaceThenMaterialize:
		replaced, err := s.store.TransitionToReplace(ctx, schedule.ID)
		if err != nil {
			return fmt.Errorf("transition to replace: %w", err)
		}
		result.Replaced += len(replaced)
		s.logger.Info("live instances replaced",
			"schedule_id", schedule.ID,
			"skipped_instances", len(replaced),
		)
		return s.materialize(ctx, schedule, next, now, result)
	default:
		return s.materialize(ctx, schedule, next, now, result)
	}
}

// evalState parses the stored expression and timezone. A row that stops
// parsing is marked broken and excluded from future due scans.
func (s *SchedulerService) evalState(ctx context.Context, schedule domain.Schedule) (cron.Expression, *time.Location, error) {
	expr, err := cron.Parse(schedule.CronExpression)
	if err != nil {
		return cron.Expression{}, nil, s.isolate(ctx, schedule.ID, apperrors.Corruption(schedule.ID, err))
	}

	zone := schedule.Timezone
	if zone == "" {
		zone = s.config.DefaultTimezone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return cron.Expression{}, nil, s.isolate(ctx, schedule.ID, apperrors.Corruption(schedule.ID, err))
	}
	return expr, loc, nil
}

// isolate records the corruption on the schedule row and passes the error on.
func (s *SchedulerService) isolate(ctx context.Context, scheduleID string, cerr *apperrors.AppError) error {
	if err := s.store.SetLastError(ctx, scheduleID, cerr.Error()); err != nil {
		s.logger.Error("failed to mark broken schedule",
			"schedule_id", scheduleID,
			"error", err,
		)
	}
	return cerr
}

// decide resolves the overlap policy against observed instance counts,
// including the defensive global ceiling.
func (s *SchedulerService) decide(ctx context.Context, schedule domain.Schedule) (scheduler.Decision, error) {
	live, err := s.store.CountLiveInstances(ctx, schedule.ID)
	if err != nil {
		return scheduler.Decision{}, fmt.Errorf("count live instances: %w", err)
	}

	decision, err := scheduler.Decide(scheduler.DecideParams{
		Policy:        schedule.OverlapPolicy,
		LiveInstances: live,
		MaxInstances:  schedule.MaxInstances,
	})
	if err != nil {
		return scheduler.Decision{}, s.isolate(ctx, schedule.ID, apperrors.Corruption(schedule.ID, err))
	}

	if decision.Action != scheduler.ActionAdvanceOnly && s.config.MaxConcurrentInstances > 0 {
		total, err := s.store.CountAllLiveInstances(ctx)
		if err != nil {
			return scheduler.Decision{}, fmt.Errorf("count all live instances: %w", err)
		}
		if total >= s.config.MaxConcurrentInstances {
			s.logger.Warn("global instance ceiling reached; deferring firing",
				"schedule_id", schedule.ID,
				"live_total", total,
				"ceiling", s.config.MaxConcurrentInstances,
			)
			decision = scheduler.Decision{Action: scheduler.ActionAdvanceOnly, Blocked: true}
		}
	}
	return decision, nil
}

// advanceOnly moves next_run_at without materializing (skip policy or global
// ceiling). A lost CAS means another worker handled the firing.
func (s *SchedulerService) advanceOnly(ctx context.Context, schedule domain.Schedule, next time.Time, result *core.TickResult) error {
	err := s.store.AdvanceNextOnly(ctx, data.AdvanceParams{
		ScheduleID:        schedule.ID,
		ObservedNextRunAt: schedule.NextRunAt,
		NewNextRunAt:      next,
	})
	if apperrors.IsMaterializationConflict(err) {
		result.Conflicts++
		return nil
	}
	if err != nil {
		return fmt.Errorf("advance next_run_at: %w", err)
	}
	result.Advanced++
	s.logger.Info("firing skipped",
		"schedule_id", schedule.ID,
		"scheduled_for", schedule.NextRunAt,
		"next_run_at", next,
	)
	return nil
}

// materialize creates the instance and pending task row for the due firing.
func (s *SchedulerService) materialize(
	ctx context.Context,
	schedule domain.Schedule,
	next time.Time,
	now time.Time,
	result *core.TickResult,
) error {
	template, err := s.templates.GetTemplate(ctx, schedule.TemplateTaskID)
	if apperrors.IsTemplateNotFound(err) {
		return s.isolate(ctx, schedule.ID, apperrors.Corruption(schedule.ID, err))
	}
	if err != nil {
		return fmt.Errorf("load template: %w", err)
	}

	created, err := s.store.Materialize(ctx, domain.MaterializeParams{
		Schedule:     schedule,
		ScheduledFor: schedule.NextRunAt,
		NewNextRunAt: next,
		Now:          now,
		Template:     template,
	})
	if apperrors.IsMaterializationConflict(err) {
		// Another worker won the race; abandon this firing silently.
		result.Conflicts++
		return nil
	}
	if apperrors.IsConflict(err) {
		// The (schedule, scheduled_for) pair already exists: an earlier
		// attempt committed the instance. Idempotent no-op.
		result.Conflicts++
		s.logger.Warn("firing already materialized",
			"schedule_id", schedule.ID,
			"scheduled_for", schedule.NextRunAt,
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("materialize: %w", err)
	}

	result.Materialized++
	s.logger.Info("instance materialized",
		"schedule_id", schedule.ID,
		"instance_id", created.InstanceID,
		"task_id", created.TaskID,
		"scheduled_for", schedule.NextRunAt,
		"next_run_at", next,
	)
	return nil
}
