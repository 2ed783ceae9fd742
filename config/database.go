package config

import (
	"strings"
	"time"
)

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"taskcron"`
	Password string `env:"PASSWORD" envDefault:"taskcron"`
	Name     string `env:"NAME"     envDefault:"taskcron"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// RedisConfig contains Redis configuration.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
}

// CacheConfig contains cache configuration (Redis-based).
type CacheConfig struct {
	// Enabled controls whether the metrics snapshot cache is used at all.
	Enabled bool `env:"CACHE_ENABLED" envDefault:"false"`

	// SnapshotTTL is the TTL for the cached metrics snapshot.
	SnapshotTTL time.Duration `env:"CACHE_SNAPSHOT_TTL" envDefault:"15s"`
}

// Sanitize applies guardrails to cache configuration values.
func (c *CacheConfig) Sanitize() {
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = 15 * time.Second
	}
}

// DSNRedacted returns a loggable description of the database target.
func (d *DBConfig) DSNRedacted() string {
	var b strings.Builder
	b.WriteString(d.User)
	b.WriteString("@")
	b.WriteString(d.Host)
	return b.String()
}
