package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mediaforge/taskcron/internal/data/pgxutil"
	"github.com/mediaforge/taskcron/internal/domain"
	apperrors "github.com/mediaforge/taskcron/internal/errors"
)

// defaultOpTimeout bounds every store operation. Callers see a timeout error
// and retry at the next tick.
const defaultOpTimeout = 5 * time.Second

// ScheduleRepo provides database operations for schedules and their instances.
// It owns the invariant that schedule state transitions commit atomically with
// instance and task creation.
type ScheduleRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	opTimeout    time.Duration
}

// NewScheduleRepo creates a ScheduleRepo with the given database connection.
func NewScheduleRepo(db *sql.DB) *ScheduleRepo {
	return &ScheduleRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
		opTimeout:    defaultOpTimeout,
	}
}

// NewScheduleRepoWithTimeProvider creates a ScheduleRepo with a custom
// TimeProvider (useful for testing).
func NewScheduleRepoWithTimeProvider(db *sql.DB, timeProvider TimeProvider) *ScheduleRepo {
	repo := NewScheduleRepo(db)
	repo.timeProvider = timeProvider
	return repo
}

func (r *ScheduleRepo) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}

const scheduleColumns = `
  id,
  template_task_id,
  cron_expression,
  timezone,
  enabled,
  next_run_at,
  last_run_at,
  run_count,
  max_instances,
  overlap_policy,
  last_error,
  created_at,
  updated_at
`

// scheduleRow mirrors the task_schedules columns for pgx row collection.
type scheduleRow struct {
	ID             string     `db:"id"`
	TemplateTaskID string     `db:"template_task_id"`
	CronExpression string     `db:"cron_expression"`
	Timezone       string     `db:"timezone"`
	Enabled        bool       `db:"enabled"`
	NextRunAt      time.Time  `db:"next_run_at"`
	LastRunAt      *time.Time `db:"last_run_at"`
	RunCount       int64      `db:"run_count"`
	MaxInstances   int        `db:"max_instances"`
	OverlapPolicy  string     `db:"overlap_policy"`
	LastError      *string    `db:"last_error"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func (row scheduleRow) toDomain() domain.Schedule {
	return domain.Schedule{
		ID:             row.ID,
		TemplateTaskID: row.TemplateTaskID,
		CronExpression: row.CronExpression,
		Timezone:       row.Timezone,
		Enabled:        row.Enabled,
		NextRunAt:      row.NextRunAt,
		LastRunAt:      row.LastRunAt,
		RunCount:       row.RunCount,
		MaxInstances:   row.MaxInstances,
		OverlapPolicy:  domain.OverlapPolicy(row.OverlapPolicy),
		LastError:      row.LastError,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
}

func rowToSchedule(row pgx.CollectableRow) (domain.Schedule, error) {
	collected, err := pgx.RowToStructByName[scheduleRow](row)
	if err != nil {
		return domain.Schedule{}, err
	}
	return collected.toDomain(), nil
}

// scanSchedule scans one schedule from a database/sql row source.
func scanSchedule(scan func(dest ...any) error) (domain.Schedule, error) {
	var row scheduleRow
	err := scan(
		&row.ID,
		&row.TemplateTaskID,
		&row.CronExpression,
		&row.Timezone,
		&row.Enabled,
		&row.NextRunAt,
		&row.LastRunAt,
		&row.RunCount,
		&row.MaxInstances,
		&row.OverlapPolicy,
		&row.LastError,
		&row.CreatedAt,
		&row.UpdatedAt,
	)
	if err != nil {
		return domain.Schedule{}, err
	}
	return row.toDomain(), nil
}

// CreateSchedule inserts the schedule row and updates the template-task
// annotation fields in one transaction. The template row is locked first so a
// concurrent template deletion cannot race the insert.
func (r *ScheduleRepo) CreateSchedule(ctx context.Context, p domain.CreateScheduleParams) (domain.Schedule, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	now := r.timeProvider.Now().UTC()
	var created domain.Schedule

	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{Fn: func(tx *sql.Tx) error {
		var templateID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM tasks WHERE id = $1 FOR UPDATE`, p.TemplateTaskID,
		).Scan(&templateID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.TemplateNotFound(p.TemplateTaskID)
		}
		if err != nil {
			return fmt.Errorf("lock template task: %w", err)
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO task_schedules (
				id, template_task_id, cron_expression, timezone, enabled,
				next_run_at, max_instances, overlap_policy, created_at, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
			RETURNING `+scheduleColumns,
			uuid.NewString(), p.TemplateTaskID, p.CronExpression, p.Timezone,
			p.Enabled, p.FirstNextRunAt.UTC(), p.MaxInstances, string(p.OverlapPolicy), now,
		)
		created, err = scanSchedule(row.Scan)
		if err != nil {
			return fmt.Errorf("insert schedule: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET is_template = TRUE,
			    cron_expression = $2,
			    timezone = $3,
			    schedule_enabled = $4,
			    next_execution = $5,
			    updated_at = $6
			WHERE id = $1`,
			p.TemplateTaskID, p.CronExpression, p.Timezone, p.Enabled, p.FirstNextRunAt.UTC(), now,
		)
		if err != nil {
			return fmt.Errorf("annotate template task: %w", err)
		}
		return nil
	}})
	if err != nil {
		return domain.Schedule{}, apperrors.MapDBError(err)
	}
	return created, nil
}

// Get returns one schedule by id.
func (r *ScheduleRepo) Get(ctx context.Context, id string) (domain.Schedule, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	row := r.DB.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM task_schedules WHERE id = $1`, id)
	schedule, err := scanSchedule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, apperrors.ScheduleNotFound(id)
	}
	if err != nil {
		return domain.Schedule{}, apperrors.MapDBError(fmt.Errorf("get schedule: %w", err))
	}
	return schedule, nil
}

// List returns schedules ordered by next_run_at ascending, optionally limited
// to enabled ones.
func (r *ScheduleRepo) List(ctx context.Context, filter domain.ListSchedulesFilter) ([]domain.Schedule, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	query := `SELECT ` + scheduleColumns + ` FROM task_schedules`
	if filter.OnlyEnabled {
		query += ` WHERE enabled = TRUE`
	}
	query += ` ORDER BY next_run_at ASC`

	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("list schedules: %w", err))
	}
	defer func() {
		_ = rows.Close()
	}()

	var schedules []domain.Schedule
	for rows.Next() {
		schedule, scanErr := scanSchedule(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan schedule: %w", scanErr)
		}
		schedules = append(schedules, schedule)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("iterate schedules: %w", rowsErr))
	}
	return schedules, nil
}

// ListDue returns enabled schedules with next_run_at at or before now,
// ordered by next_run_at ascending. FOR UPDATE SKIP LOCKED keeps concurrent
// loops from scanning the same rows; the compare-and-swap advance is what
// guarantees at-most-once materialization.
func (r *ScheduleRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	ctx, cancel := r.opContext(ctx)
	defer cancel()

	query := `
		SELECT ` + scheduleColumns + `
		FROM task_schedules
		WHERE enabled = TRUE
		  AND last_error IS NULL
		  AND next_run_at <= $1
		ORDER BY next_run_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`

	var schedules []domain.Schedule
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, query, now.UTC(), limit)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		collected, collectErr := pgx.CollectRows(rows, rowToSchedule)
		if collectErr != nil {
			return collectErr
		}
		schedules = collected
		return nil
	})
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("query due schedules: %w", err))
	}
	return schedules, nil
}

// CountLiveInstances counts instances in scheduled or running status.
func (r *ScheduleRepo) CountLiveInstances(ctx context.Context, scheduleID string) (int, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	var count int
	err := r.DB.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM task_instances
		WHERE schedule_id = $1 AND status IN ('scheduled', 'running')`,
		scheduleID,
	).Scan(&count)
	if err != nil {
		return 0, apperrors.MapDBError(fmt.Errorf("count live instances: %w", err))
	}
	return count, nil
}

// CountAllLiveInstances counts live instances across every schedule. The
// loop uses it for the defensive global ceiling.
func (r *ScheduleRepo) CountAllLiveInstances(ctx context.Context) (int, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	var count int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_instances WHERE status IN ('scheduled', 'running')`,
	).Scan(&count)
	if err != nil {
		return 0, apperrors.MapDBError(fmt.Errorf("count all live instances: %w", err))
	}
	return count, nil
}

// Materialize performs one firing as a single transaction: compare-and-swap
// advance of next_run_at, instance insert, template clone into a pending task
// row, link, and template annotation update. Losing the CAS returns
// MaterializationConflict and nothing is written. A duplicate
// (schedule_id, scheduled_for) pair surfaces as a Conflict, which callers
// treat as an idempotent retry.
func (r *ScheduleRepo) Materialize(ctx context.Context, p domain.MaterializeParams) (domain.MaterializeResult, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	now := p.Now.UTC()
	result := domain.MaterializeResult{
		InstanceID: uuid.NewString(),
		TaskID:     uuid.NewString(),
	}

	metadata, err := json.Marshal(domain.TaskMetadata{
		ScheduledInstanceID: result.InstanceID,
		TemplateTaskID:      p.Template.ID,
		ScheduledAt:         p.ScheduledFor.UTC(),
	})
	if err != nil {
		return domain.MaterializeResult{}, fmt.Errorf("marshal task metadata: %w", err)
	}

	payload := p.Template.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	err = pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{Fn: func(tx pgx.Tx) error {
		tag, execErr := tx.Exec(ctx, `
			UPDATE task_schedules
			SET next_run_at = $3,
			    last_run_at = $4,
			    run_count = run_count + 1,
			    updated_at = $4
			WHERE id = $1 AND next_run_at = $2`,
			p.Schedule.ID, p.Schedule.NextRunAt.UTC(), p.NewNextRunAt.UTC(), now,
		)
		if execErr != nil {
			return fmt.Errorf("advance schedule: %w", execErr)
		}
		if tag.RowsAffected() == 0 {
			return apperrors.MaterializationConflict(p.Schedule.ID)
		}

		_, execErr = tx.Exec(ctx, `
			INSERT INTO task_instances (
				id, schedule_id, template_task_id, scheduled_for, status, created_at
			)
			VALUES ($1, $2, $3, $4, 'scheduled', $5)`,
			result.InstanceID, p.Schedule.ID, p.Template.ID, p.ScheduledFor.UTC(), now,
		)
		if execErr != nil {
			return fmt.Errorf("insert instance: %w", execErr)
		}

		_, execErr = tx.Exec(ctx, `
			INSERT INTO tasks (
				id, task_type, description, payload, status, metadata,
				is_template, template_id, created_at, updated_at
			)
			VALUES ($1, $2, $3, $4, 'pending', $5, FALSE, $6, $7, $7)`,
			result.TaskID, p.Template.TaskType, p.Template.Description,
			[]byte(payload), metadata, p.Template.ID, now,
		)
		if execErr != nil {
			return fmt.Errorf("clone template into task: %w", execErr)
		}

		_, execErr = tx.Exec(ctx,
			`UPDATE task_instances SET instance_task_id = $2 WHERE id = $1`,
			result.InstanceID, result.TaskID,
		)
		if execErr != nil {
			return fmt.Errorf("link instance to task: %w", execErr)
		}

		_, execErr = tx.Exec(ctx, `
			UPDATE tasks
			SET next_execution = $2,
			    last_execution = $3,
			    execution_count = execution_count + 1,
			    updated_at = $3
			WHERE id = $1`,
			p.Template.ID, p.NewNextRunAt.UTC(), now,
		)
		if execErr != nil {
			return fmt.Errorf("update template counters: %w", execErr)
		}
		return nil
	}})
	if err != nil {
		return domain.MaterializeResult{}, apperrors.MapDBError(err)
	}
	return result, nil
}

// AdvanceParams identifies the compare-and-swap advance of next_run_at.
type AdvanceParams struct {
	ScheduleID string
	// ObservedNextRunAt is the value read by the caller; the update applies
	// only while it still holds.
	ObservedNextRunAt time.Time
	NewNextRunAt      time.Time
}

// AdvanceNextOnly moves next_run_at forward without materializing, used when
// the skip policy declines a firing. Losing the CAS returns
// MaterializationConflict.
func (r *ScheduleRepo) AdvanceNextOnly(ctx context.Context, p AdvanceParams) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	now := r.timeProvider.Now().UTC()
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{Fn: func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, `
			UPDATE task_schedules
			SET next_run_at = $3, updated_at = $4
			WHERE id = $1 AND next_run_at = $2`,
			p.ScheduleID, p.ObservedNextRunAt.UTC(), p.NewNextRunAt.UTC(), now,
		)
		if execErr != nil {
			return fmt.Errorf("advance next_run_at: %w", execErr)
		}
		affected, raErr := res.RowsAffected()
		if raErr != nil {
			return fmt.Errorf("rows affected: %w", raErr)
		}
		if affected == 0 {
			return apperrors.MaterializationConflict(p.ScheduleID)
		}

		_, execErr = tx.ExecContext(ctx, `
			UPDATE tasks
			SET next_execution = $2, updated_at = $3
			WHERE id = (SELECT template_task_id FROM task_schedules WHERE id = $1)`,
			p.ScheduleID, p.NewNextRunAt.UTC(), now,
		)
		if execErr != nil {
			return fmt.Errorf("update template forecast: %w", execErr)
		}
		return nil
	}})
	if err != nil {
		return apperrors.MapDBError(err)
	}
	return nil
}

// TransitionToReplace marks all live instances of a schedule as skipped and
// cancels their linked task rows, returning the affected instance ids.
func (r *ScheduleRepo) TransitionToReplace(ctx context.Context, scheduleID string) ([]string, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	now := r.timeProvider.Now().UTC()
	var instanceIDs []string

	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{Fn: func(tx pgx.Tx) error {
		rows, queryErr := tx.Query(ctx, `
			UPDATE task_instances
			SET status = 'skipped', completed_at = $2
			WHERE schedule_id = $1 AND status IN ('scheduled', 'running')
			RETURNING id, instance_task_id`,
			scheduleID, now,
		)
		if queryErr != nil {
			return fmt.Errorf("skip live instances: %w", queryErr)
		}

		var taskIDs []string
		for rows.Next() {
			var instanceID string
			var taskID *string
			if scanErr := rows.Scan(&instanceID, &taskID); scanErr != nil {
				rows.Close()
				return fmt.Errorf("scan skipped instance: %w", scanErr)
			}
			instanceIDs = append(instanceIDs, instanceID)
			if taskID != nil {
				taskIDs = append(taskIDs, *taskID)
			}
		}
		rows.Close()
		if rowsErr := rows.Err(); rowsErr != nil {
			return fmt.Errorf("iterate skipped instances: %w", rowsErr)
		}

		if len(taskIDs) == 0 {
			return nil
		}
		// The executor treats cancelled rows as tombstones and never starts them.
		_, execErr := tx.Exec(ctx, `
			UPDATE tasks
			SET status = 'cancelled', updated_at = $2
			WHERE id = ANY($1) AND status IN ('pending', 'executing')`,
			taskIDs, now,
		)
		if execErr != nil {
			return fmt.Errorf("cancel replaced tasks: %w", execErr)
		}
		return nil
	}})
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return instanceIDs, nil
}

// Toggle flips the enabled gate. next_run_at is deliberately left untouched
// so re-enabling restores the previous forecast.
func (r *ScheduleRepo) Toggle(ctx context.Context, id string, enabled bool) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	now := r.timeProvider.Now().UTC()
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{Fn: func(tx *sql.Tx) error {
		var templateID string
		err := tx.QueryRowContext(ctx, `
			UPDATE task_schedules
			SET enabled = $2, updated_at = $3
			WHERE id = $1
			RETURNING template_task_id`,
			id, enabled, now,
		).Scan(&templateID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.ScheduleNotFound(id)
		}
		if err != nil {
			return fmt.Errorf("toggle schedule: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET schedule_enabled = $2, updated_at = $3 WHERE id = $1`,
			templateID, enabled, now,
		)
		if err != nil {
			return fmt.Errorf("toggle template annotation: %w", err)
		}
		return nil
	}})
	if err != nil {
		return apperrors.MapDBError(err)
	}
	return nil
}

// Delete removes the schedule; the schema cascades to its instances. The
// template task row survives with its scheduling annotations cleared.
func (r *ScheduleRepo) Delete(ctx context.Context, id string) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	now := r.timeProvider.Now().UTC()
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{Fn: func(tx *sql.Tx) error {
		var templateID string
		err := tx.QueryRowContext(ctx,
			`DELETE FROM task_schedules WHERE id = $1 RETURNING template_task_id`, id,
		).Scan(&templateID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.ScheduleNotFound(id)
		}
		if err != nil {
			return fmt.Errorf("delete schedule: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET is_template = FALSE,
			    schedule_enabled = FALSE,
			    cron_expression = NULL,
			    timezone = NULL,
			    next_execution = NULL,
			    updated_at = $2
			WHERE id = $1`,
			templateID, now,
		)
		if err != nil {
			return fmt.Errorf("clear template annotations: %w", err)
		}
		return nil
	}})
	if err != nil {
		return apperrors.MapDBError(err)
	}
	return nil
}

// SetLastError marks a schedule whose stored state stopped parsing. The due
// scan excludes marked schedules until the row is repaired.
func (r *ScheduleRepo) SetLastError(ctx context.Context, id, message string) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	res, err := r.DB.ExecContext(ctx,
		`UPDATE task_schedules SET last_error = $2, updated_at = $3 WHERE id = $1`,
		id, message, r.timeProvider.Now().UTC(),
	)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("set last_error: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.ScheduleNotFound(id)
	}
	return nil
}
