// Package domain contains the entities of the task scheduling system.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Schedule binds a template task to a cron expression in a timezone and
// tracks its firing state.
type Schedule struct {
	ID             string        `json:"id"`
	TemplateTaskID string        `json:"template_task_id"`
	CronExpression string        `json:"cron_expression"`
	Timezone       string        `json:"timezone"`
	Enabled        bool          `json:"enabled"`
	NextRunAt      time.Time     `json:"next_run_at"`
	LastRunAt      *time.Time    `json:"last_run_at,omitempty"`
	RunCount       int64         `json:"run_count"`
	MaxInstances   int           `json:"max_instances"`
	OverlapPolicy  OverlapPolicy `json:"overlap_policy"`
	// LastError is set when the stored expression or timezone stops parsing;
	// the schedule is then left alone by the loop until repaired.
	LastError *string   `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Instance is one materialization of a schedule: the record tracking a single
// firing's lifecycle from creation through the executor's terminal verdict.
type Instance struct {
	ID              string         `json:"id"`
	ScheduleID      string         `json:"schedule_id"`
	TemplateTaskID  string         `json:"template_task_id"`
	InstanceTaskID  *string        `json:"instance_task_id,omitempty"`
	ScheduledFor    time.Time      `json:"scheduled_for"`
	Status          InstanceStatus `json:"status"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	ExecutionTimeMS *int64         `json:"execution_time_ms,omitempty"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// TemplateTask is the slice of an external task row the scheduler reads.
// Payload stays an opaque blob; only the store's cloning routine touches it.
type TemplateTask struct {
	ID          string          `json:"id"`
	TaskType    string          `json:"task_type"`
	Description string          `json:"description"`
	Payload     json.RawMessage `json:"payload"`
}

// InstanceStatus is the lifecycle state of an Instance.
type InstanceStatus string

const (
	// InstanceScheduled is the initial state set at materialization.
	InstanceScheduled InstanceStatus = "scheduled"
	// InstanceRunning means the executor picked the task up.
	InstanceRunning InstanceStatus = "running"
	// InstanceCompleted is terminal success.
	InstanceCompleted InstanceStatus = "completed"
	// InstanceFailed is terminal failure.
	InstanceFailed InstanceStatus = "failed"
	// InstanceSkipped is terminal; set by the replace overlap policy.
	InstanceSkipped InstanceStatus = "skipped"
)

// IsTerminal reports whether no further transitions are allowed.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceCompleted, InstanceFailed, InstanceSkipped:
		return true
	}
	return false
}

// IsLive reports whether the instance counts against max_instances.
func (s InstanceStatus) IsLive() bool {
	return s == InstanceScheduled || s == InstanceRunning
}

// CanTransitionTo reports whether the state machine permits moving to next.
// Legal moves: scheduled→running, scheduled→skipped, running→completed,
// running→failed, running→skipped.
func (s InstanceStatus) CanTransitionTo(next InstanceStatus) bool {
	switch s {
	case InstanceScheduled:
		return next == InstanceRunning || next == InstanceSkipped
	case InstanceRunning:
		return next == InstanceCompleted || next == InstanceFailed || next == InstanceSkipped
	}
	return false
}

// OverlapPolicy defines what happens when a firing would exceed max_instances.
type OverlapPolicy string

const (
	// OverlapSkip declines the firing and only advances next_run_at.
	OverlapSkip OverlapPolicy = "skip"

	// OverlapQueue materializes unconditionally; the executor serializes
	// execution by honoring max_instances itself.
	OverlapQueue OverlapPolicy = "queue"

	// OverlapReplace skips the live instances and cancels their task rows,
	// then materializes the new firing.
	OverlapReplace OverlapPolicy = "replace"
)

// ParseOverlapPolicy parses a policy name, case-insensitively.
func ParseOverlapPolicy(v string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case string(OverlapSkip):
		return OverlapSkip, nil
	case string(OverlapQueue):
		return OverlapQueue, nil
	case string(OverlapReplace):
		return OverlapReplace, nil
	default:
		return "", fmt.Errorf("invalid overlap policy: %q", v)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p OverlapPolicy) MarshalText() ([]byte, error) {
	return []byte(p), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *OverlapPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseOverlapPolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// TaskStatus is the lifecycle state of a materialized task row. The scheduler
// writes pending at materialization and cancelled during a replace; the
// executor owns the rest.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskExecuting TaskStatus = "executing"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskMetadata is the annotation blob attached to every materialized task row
// so the executor can trace it back to its firing.
type TaskMetadata struct {
	ScheduledInstanceID string    `json:"scheduled_instance_id"`
	TemplateTaskID      string    `json:"template_task_id"`
	ScheduledAt         time.Time `json:"scheduled_at"`
}

// CreateScheduleParams carries the fields for inserting a schedule row.
type CreateScheduleParams struct {
	TemplateTaskID string
	CronExpression string
	Timezone       string
	Enabled        bool
	MaxInstances   int
	OverlapPolicy  OverlapPolicy
	FirstNextRunAt time.Time
}

// MaterializeParams carries the inputs of one materialization transaction.
type MaterializeParams struct {
	Schedule     Schedule
	ScheduledFor time.Time
	// NewNextRunAt is the precomputed subsequent firing written by the
	// compare-and-swap advance.
	NewNextRunAt time.Time
	Now          time.Time
	Template     TemplateTask
}

// MaterializeResult reports the rows created by a materialization.
type MaterializeResult struct {
	InstanceID string
	TaskID     string
}

// ListSchedulesFilter narrows List results.
type ListSchedulesFilter struct {
	OnlyEnabled bool
}

// MetricsSnapshot is the read-only aggregate produced for dashboards.
type MetricsSnapshot struct {
	TakenAt         time.Time                `json:"taken_at"`
	TotalSchedules  int64                    `json:"total_schedules"`
	ActiveSchedules int64                    `json:"active_schedules"`
	InstancesToday  map[InstanceStatus]int64 `json:"instances_today"`
	ScheduledNow    int64                    `json:"scheduled_now"`
	RunningNow      int64                    `json:"running_now"`
	UpcomingFirings []UpcomingFiring         `json:"upcoming_firings"`
}

// UpcomingFiring is one entry of the snapshot's firing forecast.
type UpcomingFiring struct {
	ScheduleID     string    `json:"schedule_id"`
	CronExpression string    `json:"cron_expression"`
	Timezone       string    `json:"timezone"`
	NextRunAt      time.Time `json:"next_run_at"`
}
