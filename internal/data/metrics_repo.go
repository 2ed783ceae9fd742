package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mediaforge/taskcron/internal/domain"
	apperrors "github.com/mediaforge/taskcron/internal/errors"
)

// upcomingLimit caps the firing forecast in a snapshot.
const upcomingLimit = 10

// MetricsRepo produces the read-only aggregate snapshot. It never mutates.
type MetricsRepo struct {
	DB        *sql.DB
	opTimeout time.Duration
}

// NewMetricsRepo creates a MetricsRepo with the given database connection.
func NewMetricsRepo(db *sql.DB) *MetricsRepo {
	return &MetricsRepo{DB: db, opTimeout: defaultOpTimeout}
}

// Snapshot aggregates schedule and instance counts as of now. Today is the
// UTC calendar day containing now. The four aggregates are independent and
// run concurrently.
func (r *MetricsRepo) Snapshot(ctx context.Context, now time.Time) (domain.MetricsSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	snapshot := domain.MetricsSnapshot{
		TakenAt:        now.UTC(),
		InstancesToday: make(map[domain.InstanceStatus]int64),
	}
	dayStart := now.UTC().Truncate(24 * time.Hour)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := r.DB.QueryRowContext(gctx, `
			SELECT COUNT(*), COUNT(*) FILTER (WHERE enabled)
			FROM task_schedules`,
		).Scan(&snapshot.TotalSchedules, &snapshot.ActiveSchedules)
		if err != nil {
			return fmt.Errorf("count schedules: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		rows, err := r.DB.QueryContext(gctx, `
			SELECT status, COUNT(*)
			FROM task_instances
			WHERE created_at >= $1 AND created_at < $2
			GROUP BY status`,
			dayStart, dayStart.Add(24*time.Hour),
		)
		if err != nil {
			return fmt.Errorf("count instances today: %w", err)
		}
		defer func() {
			_ = rows.Close()
		}()
		for rows.Next() {
			var status string
			var count int64
			if err := rows.Scan(&status, &count); err != nil {
				return fmt.Errorf("scan status count: %w", err)
			}
			snapshot.InstancesToday[domain.InstanceStatus(status)] = count
		}
		return rows.Err()
	})

	g.Go(func() error {
		err := r.DB.QueryRowContext(gctx, `
			SELECT COUNT(*) FILTER (WHERE status = 'scheduled'),
			       COUNT(*) FILTER (WHERE status = 'running')
			FROM task_instances`,
		).Scan(&snapshot.ScheduledNow, &snapshot.RunningNow)
		if err != nil {
			return fmt.Errorf("count live instances: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		rows, err := r.DB.QueryContext(gctx, `
			SELECT id, cron_expression, timezone, next_run_at
			FROM task_schedules
			WHERE enabled = TRUE
			ORDER BY next_run_at ASC
			LIMIT $1`,
			upcomingLimit,
		)
		if err != nil {
			return fmt.Errorf("query upcoming firings: %w", err)
		}
		defer func() {
			_ = rows.Close()
		}()
		for rows.Next() {
			var firing domain.UpcomingFiring
			if err := rows.Scan(&firing.ScheduleID, &firing.CronExpression, &firing.Timezone, &firing.NextRunAt); err != nil {
				return fmt.Errorf("scan upcoming firing: %w", err)
			}
			snapshot.UpcomingFirings = append(snapshot.UpcomingFirings, firing)
		}
		return rows.Err()
	})

	if err := g.Wait(); err != nil {
		return domain.MetricsSnapshot{}, apperrors.MapDBError(err)
	}
	return snapshot, nil
}
