// Package core defines the interfaces between the scheduling services and
// their collaborators, plus the scheduler's configuration surface.
package core

import (
	"context"
	"time"

	"github.com/mediaforge/taskcron/internal/data"
	"github.com/mediaforge/taskcron/internal/domain"
)

// ScheduleStore defines the persistence operations the scheduler loop needs.
// Implementations must keep each materialization atomic and enforce the
// compare-and-swap advance of next_run_at.
type ScheduleStore interface {
	// ListDue returns enabled, unbroken schedules with next_run_at <= now,
	// ordered by next_run_at ascending, bounded by limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)

	// CountLiveInstances counts instances in scheduled or running status.
	CountLiveInstances(ctx context.Context, scheduleID string) (int, error)

	// CountAllLiveInstances counts live instances across every schedule.
	CountAllLiveInstances(ctx context.Context) (int, error)

	// Materialize performs one firing transactionally. Losing the CAS on
	// next_run_at returns a MaterializationConflict error.
	Materialize(ctx context.Context, p domain.MaterializeParams) (domain.MaterializeResult, error)

	// AdvanceNextOnly moves next_run_at forward without materializing.
	AdvanceNextOnly(ctx context.Context, p data.AdvanceParams) error

	// TransitionToReplace skips live instances and cancels their task rows.
	TransitionToReplace(ctx context.Context, scheduleID string) ([]string, error)

	// SetLastError isolates a schedule whose stored state stopped parsing.
	SetLastError(ctx context.Context, id, message string) error
}

// TemplateReader provides template-task snapshots for cloning.
type TemplateReader interface {
	GetTemplate(ctx context.Context, id string) (domain.TemplateTask, error)
}

// ScheduleAdminStore defines the persistence operations behind the
// management API.
type ScheduleAdminStore interface {
	CreateSchedule(ctx context.Context, p domain.CreateScheduleParams) (domain.Schedule, error)
	Get(ctx context.Context, id string) (domain.Schedule, error)
	List(ctx context.Context, filter domain.ListSchedulesFilter) ([]domain.Schedule, error)
	Toggle(ctx context.Context, id string, enabled bool) error
	Delete(ctx context.Context, id string) error
}

// MetricsReader produces read-only aggregate snapshots.
type MetricsReader interface {
	Snapshot(ctx context.Context, now time.Time) (domain.MetricsSnapshot, error)
}

// SnapshotCache is an optional short-TTL cache in front of MetricsReader.
type SnapshotCache interface {
	Get(ctx context.Context) (domain.MetricsSnapshot, bool, error)
	Set(ctx context.Context, snapshot domain.MetricsSnapshot) error
}

// InstanceCleaner deletes terminal instances older than a cutoff, in batches.
type InstanceCleaner interface {
	DeleteTerminalInstancesBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// Ticker is the scheduler service as seen by its runner.
type Ticker interface {
	// Tick processes one batch of due schedules. It returns per-tick counts;
	// individual schedule failures are logged, counted, and never abort the
	// batch.
	Tick(ctx context.Context, now time.Time) (TickResult, error)
}

// TickResult summarizes one scheduler tick.
type TickResult struct {
	Due          int
	Materialized int
	Advanced     int
	Replaced     int
	Conflicts    int
	Errors       int
}

// Processed returns the number of due schedules that reached a decision.
func (r TickResult) Processed() int {
	return r.Materialized + r.Advanced + r.Replaced
}

// SchedulerConfig holds configuration for the scheduler loop.
type SchedulerConfig struct {
	// CheckInterval is the wall time between polls.
	CheckInterval time.Duration `json:"check_interval"`
	// BatchSize bounds one due scan.
	BatchSize int `json:"batch_size"`
	// MaxConcurrentInstances is a defensive global ceiling across all
	// schedules; zero disables the ceiling.
	MaxConcurrentInstances int `json:"max_concurrent_instances"`
	// DefaultTimezone applies when a schedule omits a timezone.
	DefaultTimezone string `json:"default_timezone"`
	// EnabledByDefault is the initial enabled flag for new schedules.
	EnabledByDefault bool `json:"enabled_by_default"`
	// MaxLookAhead is the horizon beyond which next_run_at is not
	// pre-computed; firings past it are deferred to a later tick.
	MaxLookAhead time.Duration `json:"max_look_ahead"`
	// CleanupOlderThan is the retention window for terminal instance rows.
	CleanupOlderThan time.Duration `json:"cleanup_older_than"`
}

// DefaultSchedulerConfig returns a SchedulerConfig with sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CheckInterval:          60 * time.Second,
		BatchSize:              25,
		MaxConcurrentInstances: 0,
		DefaultTimezone:        "UTC",
		EnabledByDefault:       true,
		MaxLookAhead:           0,
		CleanupOlderThan:       30 * 24 * time.Hour,
	}
}
