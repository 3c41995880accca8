package scheduler

import (
	"errors"
	"time"

	"github.com/smallbiznis/tenantvault/internal/config"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	// RetentionTimeout bounds a full retention pass; it walks every tenant.
	RetentionTimeout time.Duration
	// LeaseTTL bounds how long one replica owns a job when leases are enabled.
	LeaseTTL    time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:      time.Minute,
		BatchSize:        50,
		JobTimeout:       30 * time.Second,
		RetentionTimeout: 30 * time.Minute,
		LeaseTTL:         5 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Scheduler.RunInterval,
		BatchSize:   cfg.Scheduler.BatchSize,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.RetentionTimeout <= 0 {
		c.RetentionTimeout = defaults.RetentionTimeout
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaults.LeaseTTL
	}
	return c
}
