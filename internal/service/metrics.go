package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mediaforge/taskcron/internal/core"
	"github.com/mediaforge/taskcron/internal/data"
	"github.com/mediaforge/taskcron/internal/domain"
)

// MetricsService produces read-only aggregate snapshots of scheduling state.
// A short-TTL cache may sit in front of the store; cache failures degrade to
// direct reads and never surface to the caller.
type MetricsService struct {
	reader   core.MetricsReader
	cache    core.SnapshotCache
	logger   *slog.Logger
	timeProv data.TimeProvider
}

// MetricsServiceOptions groups constructor parameters to keep parameter count <= 3.
type MetricsServiceOptions struct {
	Reader       core.MetricsReader
	Cache        core.SnapshotCache // Optional: snapshot cache
	Logger       *slog.Logger
	TimeProvider data.TimeProvider
}

// NewMetricsService creates a MetricsService.
func NewMetricsService(opts MetricsServiceOptions) *MetricsService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeProv := opts.TimeProvider
	if timeProv == nil {
		timeProv = &data.RealTimeProvider{}
	}
	return &MetricsService{
		reader:   opts.Reader,
		cache:    opts.Cache,
		logger:   logger,
		timeProv: timeProv,
	}
}

// Snapshot returns the current aggregate view, served from cache when fresh.
func (m *MetricsService) Snapshot(ctx context.Context) (domain.MetricsSnapshot, error) {
	if m.cache != nil {
		snapshot, ok, err := m.cache.Get(ctx)
		if err != nil {
			m.logger.Warn("snapshot cache read failed; falling back to store", "error", err)
		} else if ok {
			return snapshot, nil
		}
	}

	snapshot, err := m.reader.Snapshot(ctx, m.timeProv.Now())
	if err != nil {
		return domain.MetricsSnapshot{}, fmt.Errorf("aggregate snapshot: %w", err)
	}

	if m.cache != nil {
		if err := m.cache.Set(ctx, snapshot); err != nil {
			m.logger.Warn("snapshot cache write failed", "error", err)
		}
	}
	return snapshot, nil
}
