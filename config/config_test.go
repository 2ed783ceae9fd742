package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServices(t *testing.T) {
	t.Parallel()

	t.Run("single service", func(t *testing.T) {
		services, err := ParseServices("scheduler")
		require.NoError(t, err)
		assert.True(t, services[ServiceModeScheduler])
		assert.False(t, services[ServiceModeCleaner])
	})

	t.Run("multiple services with whitespace", func(t *testing.T) {
		services, err := ParseServices(" scheduler , cleaner ")
		require.NoError(t, err)
		assert.True(t, services[ServiceModeScheduler])
		assert.True(t, services[ServiceModeCleaner])
	})

	t.Run("empty string", func(t *testing.T) {
		_, err := ParseServices("")
		require.Error(t, err)
	})

	t.Run("only commas", func(t *testing.T) {
		_, err := ParseServices(",,")
		require.Error(t, err)
	})

	t.Run("unknown service", func(t *testing.T) {
		_, err := ParseServices("scheduler,reaper")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid service name")
	})
}

func TestSchedulerConfigSanitize(t *testing.T) {
	t.Parallel()

	cfg := SchedulerConfig{
		CheckInterval:          100 * time.Millisecond,
		BatchSize:              0,
		MaxConcurrentInstances: -5,
		DefaultTimezone:        "  ",
		MaxLookAhead:           -time.Hour,
	}
	cfg.Sanitize()

	assert.Equal(t, 1*time.Second, cfg.CheckInterval)
	assert.Equal(t, 1, cfg.BatchSize)
	assert.Equal(t, 0, cfg.MaxConcurrentInstances)
	assert.Equal(t, "UTC", cfg.DefaultTimezone)
	assert.Equal(t, time.Duration(0), cfg.MaxLookAhead)
}

func TestSchedulerConfigSanitizeKeepsValidValues(t *testing.T) {
	t.Parallel()

	cfg := SchedulerConfig{
		CheckInterval:          30 * time.Second,
		BatchSize:              50,
		MaxConcurrentInstances: 100,
		DefaultTimezone:        "America/New_York",
		MaxLookAhead:           24 * time.Hour,
	}
	cfg.Sanitize()

	assert.Equal(t, 30*time.Second, cfg.CheckInterval)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 100, cfg.MaxConcurrentInstances)
	assert.Equal(t, "America/New_York", cfg.DefaultTimezone)
	assert.Equal(t, 24*time.Hour, cfg.MaxLookAhead)
}

func TestCleanerConfigSanitize(t *testing.T) {
	t.Parallel()

	cfg := CleanerConfig{
		Interval:  time.Second,
		Retention: time.Minute,
		BatchSize: 500000,
	}
	cfg.Sanitize()

	assert.Equal(t, 1*time.Minute, cfg.Interval)
	assert.Equal(t, 1*time.Hour, cfg.Retention)
	assert.Equal(t, 10000, cfg.BatchSize)

	cfg = CleanerConfig{BatchSize: -1}
	cfg.Sanitize()
	assert.Equal(t, 1, cfg.BatchSize)
}

func TestObservabilityMetricsSanitize(t *testing.T) {
	t.Parallel()

	cfg := ObservabilityMetricsConfig{
		Enabled:       true,
		StatsdAddress: "   ",
		StatsdPrefix:  ".taskcron.",
	}
	cfg.Sanitize()

	assert.False(t, cfg.Enabled)
	assert.False(t, cfg.IsEnabled())
	assert.Equal(t, "taskcron", cfg.StatsdPrefix)

	cfg = ObservabilityMetricsConfig{
		Enabled:       true,
		StatsdAddress: "127.0.0.1:8125",
	}
	cfg.Sanitize()
	assert.True(t, cfg.IsEnabled())
}

func TestAppConfigServiceToggles(t *testing.T) {
	t.Parallel()

	cfg := AppConfig{Services: "scheduler,cleaner"}
	assert.True(t, cfg.IsSchedulerEnabled())
	assert.True(t, cfg.IsCleanerEnabled())

	cfg = AppConfig{Services: "cleaner"}
	assert.False(t, cfg.IsSchedulerEnabled())
	assert.True(t, cfg.IsCleanerEnabled())

	cfg = AppConfig{Services: "bogus"}
	assert.False(t, cfg.IsSchedulerEnabled())
	assert.False(t, cfg.IsCleanerEnabled())
}
