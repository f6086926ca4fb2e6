// ============================================================================
// Beaver-Flow Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Function: YAML configuration for the resource-management core
//
// Loading:
//   Default() carries every default. Load(path) reads a YAML document and
//   overlays it on the defaults, so a file only needs the keys it changes.
//   Validate() rejects inverted thresholds and impossible pool bounds.
//
// Example (configs/default.yaml):
//   monitor:
//     sample_interval: 5s
//     memory: {warning: 0.8, critical: 0.9}
//   pool:
//     min_workers: 2
//     max_workers: 16
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Threshold warning/critical pair for one metric, as ratios in [0,1]
type Threshold struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

// Config complete system configuration
type Config struct {
	Monitor struct {
		SampleInterval time.Duration `yaml:"sample_interval"`
		HistorySize    int           `yaml:"history_size"`
		Memory         Threshold     `yaml:"memory"`
		CPU            Threshold     `yaml:"cpu"`
		Heap           Threshold     `yaml:"heap"`
	} `yaml:"monitor"`

	Predictor struct {
		HistorySize int `yaml:"history_size"`
	} `yaml:"predictor"`

	Admission struct {
		BaseDelay        time.Duration      `yaml:"base_delay"`
		BlockDuration    time.Duration      `yaml:"block_duration"`
		MaxRequestAge    time.Duration      `yaml:"max_request_age"`
		SubmitterWeights map[string]float64 `yaml:"submitter_weights"`
	} `yaml:"admission"`

	Breaker struct {
		FailureThreshold int           `yaml:"failure_threshold"`
		RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	} `yaml:"breaker"`

	Scheduler struct {
		LowPriorityDelay time.Duration `yaml:"low_priority_delay"`
	} `yaml:"scheduler"`

	Chunk struct {
		DefaultSize        int64         `yaml:"default_size"`
		MaxConcurrent      int           `yaml:"max_concurrent"`
		ReliefPollInterval time.Duration `yaml:"relief_poll_interval"`
		MaxReliefWait      time.Duration `yaml:"max_relief_wait"`
	} `yaml:"chunk"`

	Pool struct {
		MinWorkers         int           `yaml:"min_workers"`
		MaxWorkers         int           `yaml:"max_workers"`
		InitialWorkers     int           `yaml:"initial_workers"`
		QueueSize          int           `yaml:"queue_size"`
		TaskTimeout        time.Duration `yaml:"task_timeout"`
		ScaleInterval      time.Duration `yaml:"scale_interval"`
		ScaleUpThreshold   float64       `yaml:"scale_up_threshold"`
		ScaleDownThreshold float64       `yaml:"scale_down_threshold"`
		DrainGrace         time.Duration `yaml:"drain_grace"`
		RespawnDelay       time.Duration `yaml:"respawn_delay"`
	} `yaml:"pool"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"health"`

	Status struct {
		Path        string        `yaml:"path"`
		Interval    time.Duration `yaml:"interval"`
		KeepBackups int           `yaml:"keep_backups"` // previous status files kept beside path, 0 overwrites in place
	} `yaml:"status"`

	Journal struct {
		Path          string        `yaml:"path"` // empty disables the journal
		BufferSize    int           `yaml:"buffer_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
		MaxBytes      int64         `yaml:"max_bytes"`
		Keep          int           `yaml:"keep"`
	} `yaml:"journal"`
}

// Default returns the built-in configuration
func Default() *Config {
	cfg := &Config{}

	cfg.Monitor.SampleInterval = 5 * time.Second
	cfg.Monitor.HistorySize = 100
	cfg.Monitor.Memory = Threshold{Warning: 0.8, Critical: 0.9}
	cfg.Monitor.CPU = Threshold{Warning: 0.8, Critical: 0.95}
	cfg.Monitor.Heap = Threshold{Warning: 0.85, Critical: 0.95}

	cfg.Predictor.HistorySize = 60

	cfg.Admission.BaseDelay = 100 * time.Millisecond
	cfg.Admission.BlockDuration = 30 * time.Second
	cfg.Admission.MaxRequestAge = 30 * time.Second

	cfg.Breaker.FailureThreshold = 3
	cfg.Breaker.RecoveryTimeout = 30 * time.Second

	cfg.Scheduler.LowPriorityDelay = 5 * time.Second

	cfg.Chunk.DefaultSize = 1 << 20
	cfg.Chunk.MaxConcurrent = 4
	cfg.Chunk.ReliefPollInterval = 100 * time.Millisecond
	cfg.Chunk.MaxReliefWait = 30 * time.Second

	cfg.Pool.MinWorkers = 2
	cfg.Pool.MaxWorkers = 16
	cfg.Pool.InitialWorkers = 4
	cfg.Pool.QueueSize = 16
	cfg.Pool.TaskTimeout = 5 * time.Minute
	cfg.Pool.ScaleInterval = 10 * time.Second
	cfg.Pool.ScaleUpThreshold = 0.8
	cfg.Pool.ScaleDownThreshold = 0.2
	cfg.Pool.DrainGrace = 30 * time.Second
	cfg.Pool.RespawnDelay = time.Second

	cfg.Metrics.Port = 9090
	cfg.Health.Port = 50051

	cfg.Status.Path = "data/status.json"
	cfg.Status.Interval = 5 * time.Second
	cfg.Status.KeepBackups = 3

	cfg.Journal.Path = "data/journal.log"
	cfg.Journal.BufferSize = 64
	cfg.Journal.FlushInterval = time.Second
	cfg.Journal.MaxBytes = 16 << 20
	cfg.Journal.Keep = 5

	return cfg
}

// Load reads path and overlays it on Default()
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	var errs []error

	for name, th := range map[string]Threshold{
		"memory": c.Monitor.Memory,
		"cpu":    c.Monitor.CPU,
		"heap":   c.Monitor.Heap,
	} {
		if th.Warning <= 0 || th.Critical > 1 || th.Warning > th.Critical {
			errs = append(errs, fmt.Errorf("monitor.%s: need 0 < warning <= critical <= 1, got %.2f/%.2f",
				name, th.Warning, th.Critical))
		}
	}

	if c.Monitor.SampleInterval <= 0 {
		errs = append(errs, errors.New("monitor.sample_interval must be positive"))
	}
	if c.Pool.MinWorkers < 1 {
		errs = append(errs, errors.New("pool.min_workers must be at least 1"))
	}
	if c.Pool.MinWorkers > c.Pool.MaxWorkers {
		errs = append(errs, fmt.Errorf("pool.min_workers (%d) exceeds pool.max_workers (%d)",
			c.Pool.MinWorkers, c.Pool.MaxWorkers))
	}
	if c.Pool.ScaleDownThreshold >= c.Pool.ScaleUpThreshold {
		errs = append(errs, errors.New("pool.scale_down_threshold must be below pool.scale_up_threshold"))
	}
	if c.Chunk.DefaultSize <= 0 {
		errs = append(errs, errors.New("chunk.default_size must be positive"))
	}
	if c.Chunk.MaxConcurrent < 1 {
		errs = append(errs, errors.New("chunk.max_concurrent must be at least 1"))
	}
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, errors.New("breaker.failure_threshold must be at least 1"))
	}
	if c.Status.KeepBackups < 0 {
		errs = append(errs, errors.New("status.keep_backups must not be negative"))
	}
	if c.Journal.MaxBytes < 0 {
		errs = append(errs, errors.New("journal.max_bytes must not be negative"))
	}

	return errors.Join(errs...)
}
