package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// Config is the immutable scheduler configuration. Each Scheduler gets its
// own copy, so differently configured schedulers can share a process.
type Config struct {
	// MaxConcurrent is the number of tasks that may be Running at once.
	MaxConcurrent int
	// TaskTimeout is the execution budget measured from admission.
	TaskTimeout time.Duration
	// SweepInterval is how often timeouts and protocol violations are checked.
	SweepInterval time.Duration
	// MaxAttempts bounds the attempt counter, first attempt included.
	MaxAttempts int
	// RetryBaseDelay and RetryMaxDelay shape the backoff before re-admission.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// AutoRetry schedules a retry in the same write that records a failure.
	AutoRetry bool
	// WaitPollInterval bounds how long Wait sleeps between store reads.
	WaitPollInterval time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    3,
		TaskTimeout:      5 * time.Minute,
		SweepInterval:    5 * time.Second,
		MaxAttempts:      3,
		RetryBaseDelay:   2 * time.Second,
		RetryMaxDelay:    time.Minute,
		AutoRetry:        true,
		WaitPollInterval: time.Second,
	}
}

// Validate reports every setting that would make the scheduler misbehave.
func (c Config) Validate() error {
	var errs []error
	if c.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent))
	}
	if c.TaskTimeout <= 0 {
		errs = append(errs, fmt.Errorf("task_timeout must be positive, got %s", c.TaskTimeout))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if c.WaitPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("wait_poll_interval must be positive, got %s", c.WaitPollInterval))
	}
	return errors.Join(errs...)
}
