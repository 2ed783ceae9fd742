// Package testutil provides testing utilities and helpers for the taskcron
// scheduling system.
package testutil

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mediaforge/taskcron/internal/domain"
)

// ScheduleParamsBuilder provides a fluent interface for building
// CreateScheduleParams objects for testing.
type ScheduleParamsBuilder struct {
	params domain.CreateScheduleParams
}

// NewScheduleParams creates a ScheduleParamsBuilder with sensible defaults.
func NewScheduleParams(templateTaskID string) *ScheduleParamsBuilder {
	return &ScheduleParamsBuilder{
		params: domain.CreateScheduleParams{
			TemplateTaskID: templateTaskID,
			CronExpression: "*/5 * * * *",
			Timezone:       "UTC",
			Enabled:        true,
			MaxInstances:   1,
			OverlapPolicy:  domain.OverlapSkip,
			FirstNextRunAt: TestTime().Add(5 * time.Minute),
		},
	}
}

// WithCron sets the cron expression.
func (b *ScheduleParamsBuilder) WithCron(expr string) *ScheduleParamsBuilder {
	b.params.CronExpression = expr
	return b
}

// WithTimezone sets the timezone.
func (b *ScheduleParamsBuilder) WithTimezone(tz string) *ScheduleParamsBuilder {
	b.params.Timezone = tz
	return b
}

// Disabled marks the schedule disabled.
func (b *ScheduleParamsBuilder) Disabled() *ScheduleParamsBuilder {
	b.params.Enabled = false
	return b
}

// WithMaxInstances sets the per-schedule live instance cap.
func (b *ScheduleParamsBuilder) WithMaxInstances(n int) *ScheduleParamsBuilder {
	b.params.MaxInstances = n
	return b
}

// WithOverlapPolicy sets the overlap policy.
func (b *ScheduleParamsBuilder) WithOverlapPolicy(p domain.OverlapPolicy) *ScheduleParamsBuilder {
	b.params.OverlapPolicy = p
	return b
}

// WithFirstNextRunAt sets the initial next_run_at.
func (b *ScheduleParamsBuilder) WithFirstNextRunAt(t time.Time) *ScheduleParamsBuilder {
	b.params.FirstNextRunAt = t
	return b
}

// Build returns the constructed CreateScheduleParams.
func (b *ScheduleParamsBuilder) Build() domain.CreateScheduleParams {
	return b.params
}

// SeedTemplateTask inserts a template task row and returns its ID.
func SeedTemplateTask(t TestingTB, db *sql.DB) string {
	t.Helper()
	return SeedTemplateTaskWithPayload(t, db, "echo", json.RawMessage(`{"message":"hello"}`))
}

// SeedTemplateTaskWithPayload inserts a template task row with the given type
// and payload and returns its ID.
func SeedTemplateTaskWithPayload(t TestingTB, db *sql.DB, taskType string, payload json.RawMessage) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := uuid.NewString()
	_, err := db.ExecContext(ctx, `
		INSERT INTO tasks (id, task_type, description, payload, status, is_template)
		VALUES ($1, $2, $3, $4, 'pending', TRUE)
	`, id, taskType, "test template", payload)
	if err != nil {
		t.Fatalf("Failed to seed template task: %v", err)
	}
	return id
}

// MarkInstanceStatus forces an instance row into the given status, bypassing
// the repository transition checks. Useful for arranging terminal states.
func MarkInstanceStatus(t TestingTB, db *sql.DB, instanceID string, status domain.InstanceStatus) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := db.ExecContext(ctx, `
		UPDATE task_instances
		SET status = $2,
		    completed_at = CASE WHEN $2 IN ('completed', 'failed', 'skipped') THEN now() ELSE completed_at END
		WHERE id = $1
	`, instanceID, string(status))
	if err != nil {
		t.Fatalf("Failed to set instance %s status: %v", instanceID, err)
	}
}

// AgeInstance rewrites an instance's timestamps so it falls on the far side
// of a retention cutoff.
func AgeInstance(t TestingTB, db *sql.DB, instanceID string, age time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	then := time.Now().UTC().Add(-age)
	_, err := db.ExecContext(ctx, `
		UPDATE task_instances
		SET completed_at = $2, created_at = $2
		WHERE id = $1
	`, instanceID, then)
	if err != nil {
		t.Fatalf("Failed to age instance %s: %v", instanceID, err)
	}
}

// CountRows returns the row count of the given scheduling table. Only the
// fixed schema tables are accepted to keep the query non-dynamic.
func CountRows(t TestingTB, db *sql.DB, table string) int {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var query string
	switch table {
	case "tasks":
		query = "SELECT COUNT(*) FROM tasks"
	case "task_schedules":
		query = "SELECT COUNT(*) FROM task_schedules"
	case "task_instances":
		query = "SELECT COUNT(*) FROM task_instances"
	default:
		t.Fatalf("CountRows: unknown table %q", table)
		return 0
	}

	var count int
	if err := db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		t.Fatalf("Failed to count rows in %s: %v", table, err)
	}
	return count
}
