package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/taskcron/internal/domain"
	apperrors "github.com/mediaforge/taskcron/internal/errors"
	"github.com/mediaforge/taskcron/internal/testutil"
)

// materializeInstance fires a fresh schedule once and returns the result.
func materializeInstance(t *testing.T, db *sql.DB, templateID string) domain.MaterializeResult {
	t.Helper()
	ctx := context.Background()
	repo := NewScheduleRepo(db)
	taskRepo := NewTaskRepo(db)
	now := time.Now().UTC().Truncate(time.Second)

	schedule, err := repo.CreateSchedule(ctx, testutil.NewScheduleParams(templateID).
		WithFirstNextRunAt(now.Add(-time.Minute)).Build())
	require.NoError(t, err)

	template, err := taskRepo.GetTemplate(ctx, templateID)
	require.NoError(t, err)

	result, err := repo.Materialize(ctx, domain.MaterializeParams{
		Schedule:     schedule,
		ScheduledFor: schedule.NextRunAt,
		NewNextRunAt: now.Add(5 * time.Minute),
		Now:          now,
		Template:     template,
	})
	require.NoError(t, err)
	return result
}

func TestTaskRepo_Integration_GetTemplate(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewTaskRepo(db)
		templateID := testutil.SeedTemplateTaskWithPayload(t, db, "report", []byte(`{"format":"csv"}`))

		tmpl, err := repo.GetTemplate(ctx, templateID)
		require.NoError(t, err)
		assert.Equal(t, templateID, tmpl.ID)
		assert.Equal(t, "report", tmpl.TaskType)
		assert.JSONEq(t, `{"format":"csv"}`, string(tmpl.Payload))

		_, err = repo.GetTemplate(ctx, "00000000-0000-0000-0000-000000000000")
		require.Error(t, err)
		assert.True(t, apperrors.IsTemplateNotFound(err))
	})
}

func TestTaskRepo_Integration_InstanceLifecycle(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewTaskRepo(db)
		templateID := testutil.SeedTemplateTask(t, db)
		result := materializeInstance(t, db, templateID)

		startedAt := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, repo.MarkInstanceRunning(ctx, result.InstanceID, startedAt))

		running, err := repo.GetInstance(ctx, result.InstanceID)
		require.NoError(t, err)
		assert.Equal(t, domain.InstanceRunning, running.Status)
		require.NotNil(t, running.StartedAt)
		assert.True(t, running.StartedAt.Equal(startedAt))

		// The cloned task row follows the instance into execution.
		var taskStatus string
		err = db.QueryRowContext(ctx,
			`SELECT status FROM tasks WHERE id = $1`, result.TaskID,
		).Scan(&taskStatus)
		require.NoError(t, err)
		assert.Equal(t, "executing", taskStatus)

		execMS := int64(1250)
		require.NoError(t, repo.CompleteInstance(ctx, CompleteInstanceParams{
			InstanceID:      result.InstanceID,
			Success:         true,
			CompletedAt:     startedAt.Add(time.Second),
			ExecutionTimeMS: &execMS,
		}))

		done, err := repo.GetInstance(ctx, result.InstanceID)
		require.NoError(t, err)
		assert.Equal(t, domain.InstanceCompleted, done.Status)
		require.NotNil(t, done.CompletedAt)
		require.NotNil(t, done.ExecutionTimeMS)
		assert.Equal(t, execMS, *done.ExecutionTimeMS)

		err = db.QueryRowContext(ctx,
			`SELECT status FROM tasks WHERE id = $1`, result.TaskID,
		).Scan(&taskStatus)
		require.NoError(t, err)
		assert.Equal(t, "completed", taskStatus)
	})
}

func TestTaskRepo_Integration_CompleteFailureRecordsError(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewTaskRepo(db)
		templateID := testutil.SeedTemplateTask(t, db)
		result := materializeInstance(t, db, templateID)

		now := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, repo.MarkInstanceRunning(ctx, result.InstanceID, now))

		errMsg := "upstream returned 503"
		require.NoError(t, repo.CompleteInstance(ctx, CompleteInstanceParams{
			InstanceID:   result.InstanceID,
			Success:      false,
			CompletedAt:  now.Add(time.Second),
			ErrorMessage: &errMsg,
		}))

		failed, err := repo.GetInstance(ctx, result.InstanceID)
		require.NoError(t, err)
		assert.Equal(t, domain.InstanceFailed, failed.Status)
		require.NotNil(t, failed.ErrorMessage)
		assert.Equal(t, errMsg, *failed.ErrorMessage)
	})
}

func TestTaskRepo_Integration_TransitionGuards(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewTaskRepo(db)
		templateID := testutil.SeedTemplateTask(t, db)
		result := materializeInstance(t, db, templateID)
		now := time.Now().UTC()

		// Completing a still-scheduled instance is refused.
		err := repo.CompleteInstance(ctx, CompleteInstanceParams{
			InstanceID:  result.InstanceID,
			Success:     true,
			CompletedAt: now,
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))

		require.NoError(t, repo.MarkInstanceRunning(ctx, result.InstanceID, now))

		// Running is not re-enterable.
		err = repo.MarkInstanceRunning(ctx, result.InstanceID, now)
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))

		// Missing instances surface as not found, not conflict.
		err = repo.MarkInstanceRunning(ctx, "00000000-0000-0000-0000-000000000000", now)
		require.Error(t, err)
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestTaskRepo_Integration_DeleteTerminalInstancesBefore(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewTaskRepo(db)
		templateID := testutil.SeedTemplateTask(t, db)

		// Three old terminal rows, one old live row, one recent terminal row.
		oldDone := make([]string, 0, 3)
		for i := 0; i < 3; i++ {
			result := materializeInstance(t, db, templateID)
			testutil.MarkInstanceStatus(t, db, result.InstanceID, domain.InstanceCompleted)
			testutil.AgeInstance(t, db, result.InstanceID, 72*time.Hour)
			oldDone = append(oldDone, result.InstanceID)
		}
		liveResult := materializeInstance(t, db, templateID)
		testutil.AgeInstance(t, db, liveResult.InstanceID, 72*time.Hour)
		recentResult := materializeInstance(t, db, templateID)
		testutil.MarkInstanceStatus(t, db, recentResult.InstanceID, domain.InstanceFailed)

		cutoff := time.Now().UTC().Add(-24 * time.Hour)

		deleted, err := repo.DeleteTerminalInstancesBefore(ctx, cutoff, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)

		deleted, err = repo.DeleteTerminalInstancesBefore(ctx, cutoff, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		deleted, err = repo.DeleteTerminalInstancesBefore(ctx, cutoff, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(0), deleted)

		for _, id := range oldDone {
			_, err := repo.GetInstance(ctx, id)
			require.Error(t, err)
			assert.True(t, apperrors.IsNotFound(err))
		}

		// The live row is spared regardless of age; the recent terminal row
		// is inside the retention window.
		_, err = repo.GetInstance(ctx, liveResult.InstanceID)
		require.NoError(t, err)
		_, err = repo.GetInstance(ctx, recentResult.InstanceID)
		require.NoError(t, err)

		_, err = repo.DeleteTerminalInstancesBefore(ctx, cutoff, 0)
		require.Error(t, err)
	})
}
