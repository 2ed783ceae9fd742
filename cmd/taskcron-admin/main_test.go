package main

import (
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mediaforge/taskcron/config"
	"github.com/mediaforge/taskcron/internal/domain"
	apperrors "github.com/mediaforge/taskcron/internal/errors"
	"github.com/mediaforge/taskcron/internal/service"
)

func captureStdout(t *testing.T, f func() error) string {
	t.Helper()

	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)

	defer func() {
		os.Stdout = oldStdout
	}()

	os.Stdout = w
	runErr := f()

	require.NoError(t, w.Close())
	os.Stdout = oldStdout

	output, readErr := io.ReadAll(r)
	require.NoError(t, readErr)
	require.NoError(t, r.Close())
	require.NoError(t, runErr)

	return string(output)
}

func TestExitCode(t *testing.T) {
	require.Equal(t, 2, exitCode(apperrors.Validation("bad input")))
	require.Equal(t, 2, exitCode(apperrors.InvalidExpression("minute", "value 61 out of range")))
	require.Equal(t, 2, exitCode(apperrors.InvalidTimezone("Mars/Olympus")))
	require.Equal(t, 1, exitCode(apperrors.Internal("boom")))
	require.Equal(t, 1, exitCode(errors.New("plain failure")))
}

func TestParseCreateFlagsRequiresTaskAndCron(t *testing.T) {
	_, err := parseCreateFlags([]string{"task-1"})
	require.Error(t, err)
	require.True(t, apperrors.IsValidation(err))

	_, err = parseCreateFlags(nil)
	require.Error(t, err)
	require.True(t, apperrors.IsValidation(err))

	opts, err := parseCreateFlags([]string{
		"--timezone", "Asia/Tokyo",
		"--overlap", "queue",
		"--max-instances", "3",
		"task-1",
		"*/5 * * * *",
	})
	require.NoError(t, err)
	require.Equal(t, "task-1", opts.TaskID)
	require.Equal(t, "*/5 * * * *", opts.Cron)
	require.Equal(t, "Asia/Tokyo", opts.Timezone)
	require.Equal(t, "queue", opts.Overlap)
	require.Equal(t, 3, opts.MaxInstances)
}

func TestParseToggleFlagsRequiresID(t *testing.T) {
	_, err := parseToggleFlags("enable", nil)
	require.Error(t, err)
	require.True(t, apperrors.IsValidation(err))

	opts, err := parseToggleFlags("enable", []string{"sched-1"})
	require.NoError(t, err)
	require.Equal(t, "sched-1", opts.ID)
}

func TestParseDeleteFlags(t *testing.T) {
	_, err := parseDeleteFlags(nil)
	require.Error(t, err)
	require.True(t, apperrors.IsValidation(err))

	opts, err := parseDeleteFlags([]string{"--force", "sched-1"})
	require.NoError(t, err)
	require.Equal(t, "sched-1", opts.ID)
	require.True(t, opts.Force)
}

func TestParseValidateFlagsDefaults(t *testing.T) {
	opts, err := parseValidateFlags([]string{"0 9 * * 1-5"})
	require.NoError(t, err)
	require.Equal(t, "0 9 * * 1-5", opts.Cron)
	require.Equal(t, 5, opts.Count)
	require.False(t, opts.JSON)
}

func TestPrintScheduleTableRendersRows(t *testing.T) {
	lastError := "minute field: value 61 out of range"
	schedules := []domain.Schedule{
		{
			ID:             "sched-1",
			TemplateTaskID: "task-1",
			CronExpression: "*/5 * * * *",
			Timezone:       "UTC",
			Enabled:        true,
			NextRunAt:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
			RunCount:       42,
			OverlapPolicy:  domain.OverlapSkip,
		},
		{
			ID:             "sched-2",
			TemplateTaskID: "task-2",
			CronExpression: "61 * * * *",
			Timezone:       "Asia/Tokyo",
			NextRunAt:      time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC),
			OverlapPolicy:  domain.OverlapQueue,
			LastError:      &lastError,
		},
	}

	out := captureStdout(t, func() error {
		return printScheduleTable(schedules)
	})

	require.Contains(t, out, "sched-1")
	require.Contains(t, out, "*/5 * * * *")
	require.Contains(t, out, "2024-06-01T12:00:00Z")
	require.Contains(t, out, "value 61 out of range")
}

func TestPrintScheduleTableEmpty(t *testing.T) {
	out := captureStdout(t, func() error {
		return printScheduleTable(nil)
	})
	require.Contains(t, out, "(no schedules)")
}

func TestPrintValidationResultValid(t *testing.T) {
	result := service.ValidationResult{
		Valid: true,
		NextRuns: []time.Time{
			time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC),
			time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC),
		},
	}

	out := captureStdout(t, func() error {
		return printValidationResult("0 */6 * * *", result)
	})

	require.Contains(t, out, `expression "0 */6 * * *" is valid`)
	require.Contains(t, out, "2024-06-01T18:00:00Z")
	require.Contains(t, out, "2024-06-02T00:00:00Z")
}

func TestPrintValidationResultInvalid(t *testing.T) {
	result := service.ValidationResult{
		Errors: []string{
			"minute field: value 61 out of range",
			"hour field: value 25 out of range",
		},
	}

	out := captureStdout(t, func() error {
		return printValidationResult("61 25 * * *", result)
	})

	require.Contains(t, out, `expression "61 25 * * *" is invalid`)
	require.Contains(t, out, "value 61 out of range")
	require.Contains(t, out, "value 25 out of range")
}

func TestPrintMetricsSnapshot(t *testing.T) {
	snapshot := domain.MetricsSnapshot{
		TakenAt:         time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		TotalSchedules:  10,
		ActiveSchedules: 7,
		ScheduledNow:    2,
		RunningNow:      1,
		InstancesToday: map[domain.InstanceStatus]int64{
			domain.InstanceCompleted: 30,
			domain.InstanceFailed:    2,
		},
		UpcomingFirings: []domain.UpcomingFiring{
			{
				ScheduleID:     "sched-1",
				CronExpression: "*/5 * * * *",
				Timezone:       "UTC",
				NextRunAt:      time.Date(2024, 6, 1, 12, 5, 0, 0, time.UTC),
			},
		},
	}

	out := captureStdout(t, func() error {
		return printMetricsSnapshot(&snapshot)
	})

	require.Contains(t, out, "Total Schedules")
	require.Contains(t, out, "Instances Today (completed)")
	require.Contains(t, out, "Upcoming Firings")
	require.Contains(t, out, "sched-1")
}

func TestHasRedisConfig(t *testing.T) {
	require.False(t, hasRedisConfig(nil))
	require.False(t, hasRedisConfig(&config.RedisConfig{}))
	require.True(t, hasRedisConfig(&config.RedisConfig{URI: "redis://localhost:6379"}))
	require.False(t, hasRedisConfig(&config.RedisConfig{UseSentinel: true}))
	require.True(t, hasRedisConfig(&config.RedisConfig{
		UseSentinel:   true,
		SentinelNodes: []string{"localhost:26379"},
	}))
}
