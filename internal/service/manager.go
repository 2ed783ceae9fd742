package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mediaforge/taskcron/internal/core"
	"github.com/mediaforge/taskcron/internal/data"
	"github.com/mediaforge/taskcron/internal/domain"
	"github.com/mediaforge/taskcron/internal/domain/cron"
	apperrors "github.com/mediaforge/taskcron/internal/errors"
)

// ManagerService backs the synchronous management operations used by the CLI
// and embedding hosts: create, validate, toggle, delete, list, get.
type ManagerService struct {
	store    core.ScheduleAdminStore
	config   core.SchedulerConfig
	logger   *slog.Logger
	timeProv data.TimeProvider
}

// ManagerServiceOptions groups constructor parameters to keep parameter count <= 3.
type ManagerServiceOptions struct {
	Store        core.ScheduleAdminStore
	Config       core.SchedulerConfig
	Logger       *slog.Logger
	TimeProvider data.TimeProvider
}

// NewManagerService creates a ManagerService.
func NewManagerService(opts ManagerServiceOptions) *ManagerService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeProv := opts.TimeProvider
	if timeProv == nil {
		timeProv = &data.RealTimeProvider{}
	}
	cfg := opts.Config
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = core.DefaultSchedulerConfig().DefaultTimezone
	}
	return &ManagerService{
		store:    opts.Store,
		config:   cfg,
		logger:   logger,
		timeProv: timeProv,
	}
}

// CreateScheduleOptions carries the optional knobs of Create. Zero values
// fall back to the scheduler configuration.
type CreateScheduleOptions struct {
	Timezone      string
	Disabled      bool
	MaxInstances  int
	OverlapPolicy string
}

// Create validates the expression and timezone, computes the first firing,
// and persists the schedule.
func (m *ManagerService) Create(
	ctx context.Context,
	templateTaskID string,
	cronText string,
	opts CreateScheduleOptions,
) (domain.Schedule, error) {
	expr, err := cron.Parse(cronText)
	if err != nil {
		return domain.Schedule{}, invalidExpressionError(err)
	}

	zone := opts.Timezone
	if zone == "" {
		zone = m.config.DefaultTimezone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return domain.Schedule{}, apperrors.InvalidTimezone(zone)
	}

	policy := domain.OverlapSkip
	if opts.OverlapPolicy != "" {
		policy, err = domain.ParseOverlapPolicy(opts.OverlapPolicy)
		if err != nil {
			return domain.Schedule{}, apperrors.ValidationField("overlap_policy", err.Error())
		}
	}

	maxInstances := opts.MaxInstances
	if maxInstances == 0 {
		maxInstances = 1
	}
	if maxInstances < 1 {
		return domain.Schedule{}, apperrors.ValidationField("max_instances", "must be at least 1")
	}

	now := m.timeProv.Now()
	first, err := expr.Next(now, loc)
	if err != nil {
		return domain.Schedule{}, apperrors.NoFutureFiring(cronText)
	}

	created, err := m.store.CreateSchedule(ctx, domain.CreateScheduleParams{
		TemplateTaskID: templateTaskID,
		CronExpression: expr.String(),
		Timezone:       zone,
		Enabled:        m.config.EnabledByDefault && !opts.Disabled,
		MaxInstances:   maxInstances,
		OverlapPolicy:  policy,
		FirstNextRunAt: first,
	})
	if err != nil {
		return domain.Schedule{}, err
	}

	m.logger.Info("schedule created",
		"schedule_id", created.ID,
		"template_task_id", templateTaskID,
		"cron", created.CronExpression,
		"timezone", created.Timezone,
		"next_run_at", created.NextRunAt,
	)
	return created, nil
}

// ValidationResult reports the outcome of a pure expression check.
type ValidationResult struct {
	Valid    bool        `json:"valid"`
	Errors   []string    `json:"errors,omitempty"`
	NextRuns []time.Time `json:"next_runs,omitempty"`
}

// Validate checks an expression without touching the store and previews up to
// previewCount firings (clamped to 10) in the given zone.
func (m *ManagerService) Validate(cronText, timezone string, previewCount int) ValidationResult {
	expr, err := cron.Parse(cronText)
	if err != nil {
		var perr *cron.ParseError
		result := ValidationResult{}
		if errors.As(err, &perr) {
			for _, f := range perr.Fields {
				result.Errors = append(result.Errors, f.Error())
			}
		} else {
			result.Errors = append(result.Errors, err.Error())
		}
		return result
	}

	zone := timezone
	if zone == "" {
		zone = m.config.DefaultTimezone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return ValidationResult{Errors: []string{fmt.Sprintf("unrecognized timezone %q", zone)}}
	}

	runs, err := expr.NextN(m.timeProv.Now(), loc, previewCount)
	if err != nil {
		return ValidationResult{Errors: []string{err.Error()}}
	}
	return ValidationResult{Valid: true, NextRuns: runs}
}

// Toggle flips the enabled gate; next_run_at is preserved.
func (m *ManagerService) Toggle(ctx context.Context, scheduleID string, enabled bool) error {
	if err := m.store.Toggle(ctx, scheduleID, enabled); err != nil {
		return err
	}
	m.logger.Info("schedule toggled", "schedule_id", scheduleID, "enabled", enabled)
	return nil
}

// Delete removes a schedule; instances go with it by schema cascade.
func (m *ManagerService) Delete(ctx context.Context, scheduleID string) error {
	if err := m.store.Delete(ctx, scheduleID); err != nil {
		return err
	}
	m.logger.Info("schedule deleted", "schedule_id", scheduleID)
	return nil
}

// List returns schedules ordered by next_run_at ascending.
func (m *ManagerService) List(ctx context.Context, filter domain.ListSchedulesFilter) ([]domain.Schedule, error) {
	return m.store.List(ctx, filter)
}

// Get returns one schedule.
func (m *ManagerService) Get(ctx context.Context, scheduleID string) (domain.Schedule, error) {
	return m.store.Get(ctx, scheduleID)
}

// invalidExpressionError converts a cron parse failure into the API error,
// keeping the first offending field's diagnostic.
func invalidExpressionError(err error) *apperrors.AppError {
	var perr *cron.ParseError
	if errors.As(err, &perr) && len(perr.Fields) > 0 {
		return apperrors.InvalidExpression(perr.Fields[0].Field, perr.Error())
	}
	return apperrors.InvalidExpression("", err.Error())
}
