package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeScheduler runs the schedule materialization loop.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeCleaner runs the terminal-instance retention cleaner.
	ServiceModeCleaner ServiceMode = "cleaner"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeScheduler,
		ServiceModeCleaner,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeScheduler, ServiceModeCleaner:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: scheduler, cleaner)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// SchedulerConfig contains scheduler service configuration.
type SchedulerConfig struct {
	// CheckInterval is the scheduler tick interval.
	CheckInterval time.Duration `env:"SCHEDULER_CHECK_INTERVAL" envDefault:"60s"`

	// BatchSize is the number of due schedules to process per tick.
	BatchSize int `env:"SCHEDULER_BATCH_SIZE" envDefault:"25"`

	// MaxConcurrentInstances is a global ceiling on live instances across all
	// schedules. Zero disables the ceiling.
	MaxConcurrentInstances int `env:"SCHEDULER_MAX_CONCURRENT_INSTANCES" envDefault:"0"`

	// DefaultTimezone applies to schedules created without a timezone.
	DefaultTimezone string `env:"SCHEDULER_DEFAULT_TIMEZONE" envDefault:"UTC"`

	// EnabledByDefault is the initial enabled flag for new schedules.
	EnabledByDefault bool `env:"SCHEDULER_ENABLED_BY_DEFAULT" envDefault:"true"`

	// MaxLookAhead bounds how far ahead a firing may land before the loop
	// logs a warning. Zero disables the check.
	MaxLookAhead time.Duration `env:"SCHEDULER_MAX_LOOK_AHEAD" envDefault:"0"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	// Sub-second polling hammers the due scan for no scheduling benefit
	// with minute-resolution expressions.
	if s.CheckInterval < 1*time.Second {
		s.CheckInterval = 1 * time.Second
	}
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.MaxConcurrentInstances < 0 {
		s.MaxConcurrentInstances = 0
	}
	if strings.TrimSpace(s.DefaultTimezone) == "" {
		s.DefaultTimezone = "UTC"
	}
	if s.MaxLookAhead < 0 {
		s.MaxLookAhead = 0
	}
}

// CleanerConfig contains instance cleaner service configuration.
type CleanerConfig struct {
	// Interval is the cleaner tick interval.
	Interval time.Duration `env:"CLEANER_INTERVAL" envDefault:"5m"`

	// Retention is the age past which terminal instance rows are deleted.
	Retention time.Duration `env:"CLEANER_RETENTION" envDefault:"720h"` // 30 days

	// BatchSize is the maximum number of rows to delete per statement.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"CLEANER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to cleaner configuration values.
func (c *CleanerConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if c.Interval < 1*time.Minute {
		c.Interval = 1 * time.Minute
	}
	if c.Retention < 1*time.Hour {
		c.Retention = 1 * time.Hour
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if c.BatchSize < 1 {
		c.BatchSize = 1
	}
	if c.BatchSize > 10000 {
		c.BatchSize = 10000
	}
}
