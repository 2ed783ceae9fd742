package errors_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/mediaforge/taskcron/internal/errors"
)

func TestMapDBErrorNil(t *testing.T) {
	assert.Nil(t, apperrors.MapDBError(nil))
}

func TestMapDBErrorContext(t *testing.T) {
	timeout := apperrors.MapDBError(context.DeadlineExceeded)
	assert.True(t, apperrors.IsTimeout(timeout))

	canceled := apperrors.MapDBError(context.Canceled)
	assert.True(t, apperrors.IsCanceled(canceled))
}

func TestMapDBErrorNoRows(t *testing.T) {
	err := apperrors.MapDBError(pgx.ErrNoRows)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestMapDBErrorUniqueViolation(t *testing.T) {
	pgErr := &pgconn.PgError{
		Code:   pgerrcode.UniqueViolation,
		Detail: "Key (schedule_id, scheduled_for)=(abc, 2024-01-01 12:00:00+00) already exists.",
	}
	err := apperrors.MapDBError(pgErr)
	require.True(t, apperrors.IsConflict(err))
	assert.Equal(t, "schedule_id, scheduled_for", apperrors.GetField(err))
}

func TestMapDBErrorForeignKeyMissingTemplate(t *testing.T) {
	pgErr := &pgconn.PgError{
		Code:   pgerrcode.ForeignKeyViolation,
		Detail: `Key (template_task_id)=(123) is not present in table "tasks".`,
	}
	err := apperrors.MapDBError(pgErr)
	assert.True(t, apperrors.IsTemplateNotFound(err))
}

func TestMapDBErrorForeignKeyMissingSchedule(t *testing.T) {
	pgErr := &pgconn.PgError{
		Code:   pgerrcode.ForeignKeyViolation,
		Detail: `Key (schedule_id)=(123) is not present in table "task_schedules".`,
	}
	err := apperrors.MapDBError(pgErr)
	assert.True(t, apperrors.IsScheduleNotFound(err))
}

func TestMapDBErrorForeignKeyOther(t *testing.T) {
	pgErr := &pgconn.PgError{
		Code:   pgerrcode.ForeignKeyViolation,
		Detail: `Key (id)=(123) is still referenced from table "task_instances".`,
	}
	err := apperrors.MapDBError(pgErr)
	assert.True(t, apperrors.IsForeignKey(err))
}

func TestMapDBErrorCheckViolation(t *testing.T) {
	pgErr := &pgconn.PgError{
		Code:       pgerrcode.CheckViolation,
		ColumnName: "overlap_policy",
	}
	err := apperrors.MapDBError(pgErr)
	require.True(t, apperrors.IsValidation(err))
	assert.Equal(t, "overlap_policy", apperrors.GetField(err))
}

func TestMapDBErrorUnknownPgError(t *testing.T) {
	pgErr := &pgconn.PgError{Code: pgerrcode.SerializationFailure}
	err := apperrors.MapDBError(pgErr)
	assert.True(t, apperrors.IsInternal(err))
}

func TestMapDBErrorPassThrough(t *testing.T) {
	plain := errors.New("not a db error")
	assert.Same(t, plain, apperrors.MapDBError(plain))
}
