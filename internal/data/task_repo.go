package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mediaforge/taskcron/internal/data/pgxutil"
	"github.com/mediaforge/taskcron/internal/domain"
	apperrors "github.com/mediaforge/taskcron/internal/errors"
)

// TaskRepo provides database operations for template task rows and the
// executor-facing lifecycle of instances. The scheduler only ever reads
// template rows; execution-semantic fields stay untouched.
type TaskRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	opTimeout    time.Duration
}

// NewTaskRepo creates a TaskRepo with the given database connection.
func NewTaskRepo(db *sql.DB) *TaskRepo {
	return &TaskRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
		opTimeout:    defaultOpTimeout,
	}
}

// NewTaskRepoWithTimeProvider creates a TaskRepo with a custom TimeProvider.
func NewTaskRepoWithTimeProvider(db *sql.DB, timeProvider TimeProvider) *TaskRepo {
	repo := NewTaskRepo(db)
	repo.timeProvider = timeProvider
	return repo
}

func (r *TaskRepo) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}

// GetTemplate returns the snapshot of a template task used for cloning.
func (r *TaskRepo) GetTemplate(ctx context.Context, id string) (domain.TemplateTask, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	var tmpl domain.TemplateTask
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, task_type, description, payload
		FROM tasks
		WHERE id = $1 AND is_template = TRUE`,
		id,
	).Scan(&tmpl.ID, &tmpl.TaskType, &tmpl.Description, &tmpl.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TemplateTask{}, apperrors.TemplateNotFound(id)
	}
	if err != nil {
		return domain.TemplateTask{}, apperrors.MapDBError(fmt.Errorf("get template task: %w", err))
	}
	return tmpl, nil
}

// GetInstance returns one instance by id.
func (r *TaskRepo) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	var inst domain.Instance
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, schedule_id, template_task_id, instance_task_id, scheduled_for,
		       status, started_at, completed_at, execution_time_ms, error_message, created_at
		FROM task_instances
		WHERE id = $1`,
		id,
	).Scan(
		&inst.ID, &inst.ScheduleID, &inst.TemplateTaskID, &inst.InstanceTaskID,
		&inst.ScheduledFor, &inst.Status, &inst.StartedAt, &inst.CompletedAt,
		&inst.ExecutionTimeMS, &inst.ErrorMessage, &inst.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Instance{}, apperrors.NotFoundf("instance %s not found", id)
	}
	if err != nil {
		return domain.Instance{}, apperrors.MapDBError(fmt.Errorf("get instance: %w", err))
	}
	return inst, nil
}

// MarkInstanceRunning transitions an instance from scheduled to running and
// stamps started_at. The status predicate enforces the state machine in SQL;
// the executor calls this when it picks the task up.
func (r *TaskRepo) MarkInstanceRunning(ctx context.Context, instanceID string, startedAt time.Time) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{Fn: func(tx *sql.Tx) error {
		var taskID *string
		err := tx.QueryRowContext(ctx, `
			UPDATE task_instances
			SET status = 'running', started_at = $2
			WHERE id = $1 AND status = 'scheduled'
			RETURNING instance_task_id`,
			instanceID, startedAt.UTC(),
		).Scan(&taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return r.transitionRefused(ctx, tx, instanceID, domain.InstanceRunning)
		}
		if err != nil {
			return fmt.Errorf("mark instance running: %w", err)
		}

		if taskID != nil {
			if _, err = tx.ExecContext(ctx,
				`UPDATE tasks SET status = 'executing', updated_at = $2 WHERE id = $1 AND status = 'pending'`,
				*taskID, startedAt.UTC(),
			); err != nil {
				return fmt.Errorf("mark task executing: %w", err)
			}
		}
		return nil
	}})
	if err != nil {
		return apperrors.MapDBError(err)
	}
	return nil
}

// CompleteInstanceParams carries the executor's terminal verdict.
type CompleteInstanceParams struct {
	InstanceID      string
	Success         bool
	CompletedAt     time.Time
	ExecutionTimeMS *int64
	ErrorMessage    *string
}

// CompleteInstance transitions a running instance to completed or failed and
// records the outcome telemetry on both the instance and its task row.
func (r *TaskRepo) CompleteInstance(ctx context.Context, p CompleteInstanceParams) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	status := domain.InstanceCompleted
	taskStatus := domain.TaskCompleted
	if !p.Success {
		status = domain.InstanceFailed
		taskStatus = domain.TaskFailed
	}

	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{Fn: func(tx *sql.Tx) error {
		var taskID *string
		err := tx.QueryRowContext(ctx, `
			UPDATE task_instances
			SET status = $2,
			    completed_at = $3,
			    execution_time_ms = $4,
			    error_message = $5
			WHERE id = $1 AND status = 'running'
			RETURNING instance_task_id`,
			p.InstanceID, string(status), p.CompletedAt.UTC(), p.ExecutionTimeMS, p.ErrorMessage,
		).Scan(&taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return r.transitionRefused(ctx, tx, p.InstanceID, status)
		}
		if err != nil {
			return fmt.Errorf("complete instance: %w", err)
		}

		if taskID != nil {
			if _, err = tx.ExecContext(ctx,
				`UPDATE tasks SET status = $2, updated_at = $3 WHERE id = $1 AND status = 'executing'`,
				*taskID, string(taskStatus), p.CompletedAt.UTC(),
			); err != nil {
				return fmt.Errorf("complete task row: %w", err)
			}
		}
		return nil
	}})
	if err != nil {
		return apperrors.MapDBError(err)
	}
	return nil
}

// transitionRefused turns a zero-row guarded update into the precise error:
// the instance is either gone or sits in a state that forbids the move.
func (r *TaskRepo) transitionRefused(ctx context.Context, tx *sql.Tx, instanceID string, target domain.InstanceStatus) error {
	var current string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM task_instances WHERE id = $1`, instanceID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFoundf("instance %s not found", instanceID)
	}
	if err != nil {
		return fmt.Errorf("inspect instance status: %w", err)
	}
	return apperrors.Conflict(
		fmt.Sprintf("instance %s cannot move from %s to %s", instanceID, current, target))
}

// DeleteTerminalInstancesBefore removes up to batchSize terminal instances
// whose completion (or creation, for never-started rows) predates cutoff.
// Returns the number deleted; the cleaner loops until this reaches zero.
func (r *TaskRepo) DeleteTerminalInstancesBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	ctx, cancel := r.opContext(ctx)
	defer cancel()

	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM task_instances
		WHERE id IN (
			SELECT id
			FROM task_instances
			WHERE status IN ('completed', 'failed', 'skipped')
			  AND COALESCE(completed_at, created_at) < $1
			ORDER BY COALESCE(completed_at, created_at) ASC
			LIMIT $2
		)`,
		cutoff.UTC(), batchSize,
	)
	if err != nil {
		return 0, apperrors.MapDBError(fmt.Errorf("delete terminal instances: %w", err))
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return deleted, nil
}
