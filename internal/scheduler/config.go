package scheduler

import (
	"time"

	"github.com/smallbiznis/gigpay/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	Enabled          bool
	RunInterval      time.Duration
	BatchSize        int
	MaxBatchesPerRun int
	JobTimeout       time.Duration
	EnabledJobs      []string
}

func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		RunInterval:      time.Minute,
		BatchSize:        100,
		MaxBatchesPerRun: 10,
		JobTimeout:       30 * time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:     cfg.SchedulerEnabled,
		RunInterval: cfg.SchedulerInterval,
		BatchSize:   cfg.SchedulerBatch,
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
	if c.MaxBatchesPerRun <= 0 {
		c.MaxBatchesPerRun = defaults.MaxBatchesPerRun
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
