// Package config turns viper settings into the relay's typed, immutable
// configuration and derives each component's own config from it.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-relay/internal/scheduler"
	"github.com/ramiqadoumi/go-task-relay/internal/supervisor"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Watch modes.
const (
	WatchFSNotify = "fsnotify"
	WatchPoll     = "poll"
)

// Config holds typed configuration for the relay service.
type Config struct {
	LogLevel      string
	StoreDriver   string
	SQLitePath    string
	PostgresDSN   string
	RedisAddr     string
	KafkaBrokers  []string
	ActivityTopic string
	HTTPPort      string
	MetricsAddr   string
	OTelEndpoint  string

	MaxConcurrent    int
	TaskTimeout      time.Duration
	SweepInterval    time.Duration
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	AutoRetry        bool
	WaitPollInterval time.Duration

	CommDir        string
	ProtocolGrace  time.Duration
	WatchMode      string
	PollInterval   time.Duration
	DebounceWindow time.Duration
	AllowedRoots   []string
	WatchProjects  []string

	SupervisorMaxIterations int
	SupervisorWaitTimeout   time.Duration

	RecurringInterval time.Duration
	SubmitRateLimit   int
}

// SetDefaults registers every key's default on v.
func SetDefaults(v *viper.Viper) {
	sd := scheduler.DefaultConfig()
	sup := supervisor.DefaultConfig()

	v.SetDefault("log_level", "info")
	v.SetDefault("store_driver", DriverSQLite)
	v.SetDefault("sqlite_path", "relay.db")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("activity_topic", "relay.activity")
	v.SetDefault("http_port", "8080")
	v.SetDefault("metrics_addr", ":9095")
	v.SetDefault("otel_endpoint", "")

	v.SetDefault("max_concurrent", sd.MaxConcurrent)
	v.SetDefault("task_timeout", sd.TaskTimeout)
	v.SetDefault("sweep_interval", sd.SweepInterval)
	v.SetDefault("max_attempts", sd.MaxAttempts)
	v.SetDefault("retry_base_delay", sd.RetryBaseDelay)
	v.SetDefault("retry_max_delay", sd.RetryMaxDelay)
	v.SetDefault("auto_retry", sd.AutoRetry)
	v.SetDefault("wait_poll_interval", sd.WaitPollInterval)

	v.SetDefault("comm_dir", ".relay")
	v.SetDefault("protocol_grace", 10*time.Second)
	v.SetDefault("watch_mode", WatchFSNotify)
	v.SetDefault("poll_interval", 2*time.Second)
	v.SetDefault("debounce_window", 150*time.Millisecond)
	v.SetDefault("allowed_roots", []string{})
	v.SetDefault("watch_projects", []string{})

	v.SetDefault("supervisor_max_iterations", sup.MaxIterations)
	v.SetDefault("supervisor_wait_timeout", sup.WaitTimeout)
	v.SetDefault("recurring_interval", 15*time.Second)
	v.SetDefault("submit_rate_limit", 0)
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:      v.GetString("log_level"),
		StoreDriver:   strings.ToLower(v.GetString("store_driver")),
		SQLitePath:    v.GetString("sqlite_path"),
		PostgresDSN:   v.GetString("postgres_dsn"),
		RedisAddr:     v.GetString("redis_addr"),
		KafkaBrokers:  list(v, "kafka_brokers"),
		ActivityTopic: v.GetString("activity_topic"),
		HTTPPort:      v.GetString("http_port"),
		MetricsAddr:   v.GetString("metrics_addr"),
		OTelEndpoint:  v.GetString("otel_endpoint"),

		MaxConcurrent:    v.GetInt("max_concurrent"),
		TaskTimeout:      v.GetDuration("task_timeout"),
		SweepInterval:    v.GetDuration("sweep_interval"),
		MaxAttempts:      v.GetInt("max_attempts"),
		RetryBaseDelay:   v.GetDuration("retry_base_delay"),
		RetryMaxDelay:    v.GetDuration("retry_max_delay"),
		AutoRetry:        v.GetBool("auto_retry"),
		WaitPollInterval: v.GetDuration("wait_poll_interval"),

		CommDir:        v.GetString("comm_dir"),
		ProtocolGrace:  v.GetDuration("protocol_grace"),
		WatchMode:      strings.ToLower(v.GetString("watch_mode")),
		PollInterval:   v.GetDuration("poll_interval"),
		DebounceWindow: v.GetDuration("debounce_window"),
		AllowedRoots:   list(v, "allowed_roots"),
		WatchProjects:  list(v, "watch_projects"),

		SupervisorMaxIterations: v.GetInt("supervisor_max_iterations"),
		SupervisorWaitTimeout:   v.GetDuration("supervisor_wait_timeout"),
		RecurringInterval:       v.GetDuration("recurring_interval"),
		SubmitRateLimit:         v.GetInt("submit_rate_limit"),
	}
}

// list accepts either a YAML sequence or a comma-separated string, which is
// what environment variables and flags provide.
func list(v *viper.Viper, key string) []string {
	var raw []string
	for _, item := range v.GetStringSlice(key) {
		raw = append(raw, strings.Split(item, ",")...)
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Scheduler derives the scheduler's configuration.
func (c Config) Scheduler() scheduler.Config {
	return scheduler.Config{
		MaxConcurrent:    c.MaxConcurrent,
		TaskTimeout:      c.TaskTimeout,
		SweepInterval:    c.SweepInterval,
		MaxAttempts:      c.MaxAttempts,
		RetryBaseDelay:   c.RetryBaseDelay,
		RetryMaxDelay:    c.RetryMaxDelay,
		AutoRetry:        c.AutoRetry,
		WaitPollInterval: c.WaitPollInterval,
	}
}

// Supervisor derives the supervisor's configuration.
func (c Config) Supervisor() supervisor.Config {
	return supervisor.Config{
		MaxIterations: c.SupervisorMaxIterations,
		WaitTimeout:   c.SupervisorWaitTimeout,
	}
}

// Watcher is the file watcher's configuration.
type Watcher struct {
	CommDir      string
	Grace        time.Duration
	Mode         string
	PollInterval time.Duration
	Debounce     time.Duration
	Projects     []string
}

// Watcher derives the file watcher's configuration.
func (c Config) Watcher() Watcher {
	return Watcher{
		CommDir:      c.CommDir,
		Grace:        c.ProtocolGrace,
		Mode:         c.WatchMode,
		PollInterval: c.PollInterval,
		Debounce:     c.DebounceWindow,
		Projects:     append([]string(nil), c.WatchProjects...),
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite_path is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store_driver %q: want memory, sqlite or postgres", c.StoreDriver))
	}
	switch c.WatchMode {
	case WatchFSNotify:
	case WatchPoll:
		if c.PollInterval <= 0 {
			errs = append(errs, errors.New("poll_interval must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("watch_mode %q: want fsnotify or poll", c.WatchMode))
	}
	if c.CommDir == "" {
		errs = append(errs, errors.New("comm_dir must not be empty"))
	}
	if c.ProtocolGrace < 0 {
		errs = append(errs, errors.New("protocol_grace must not be negative"))
	}
	if c.DebounceWindow < 0 {
		errs = append(errs, errors.New("debounce_window must not be negative"))
	}
	if c.RecurringInterval <= 0 {
		errs = append(errs, errors.New("recurring_interval must be positive"))
	}
	if c.SubmitRateLimit < 0 {
		errs = append(errs, errors.New("submit_rate_limit must not be negative"))
	}
	if c.SubmitRateLimit > 0 && c.RedisAddr == "" {
		errs = append(errs, errors.New("submit_rate_limit requires redis_addr"))
	}
	if err := c.Scheduler().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
