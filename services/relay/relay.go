// Package relay assembles the task relay from configuration: the entity
// store, communication channel, scheduler, file watchers, supervisor, and
// recurring template runner, plus the optional Redis and Kafka backends.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-task-relay/internal/activity"
	"github.com/ramiqadoumi/go-task-relay/internal/channel"
	"github.com/ramiqadoumi/go-task-relay/internal/kafka"
	"github.com/ramiqadoumi/go-task-relay/internal/postgres"
	"github.com/ramiqadoumi/go-task-relay/internal/recurring"
	redisstore "github.com/ramiqadoumi/go-task-relay/internal/redis"
	"github.com/ramiqadoumi/go-task-relay/internal/scheduler"
	"github.com/ramiqadoumi/go-task-relay/internal/sqlite"
	"github.com/ramiqadoumi/go-task-relay/internal/store"
	"github.com/ramiqadoumi/go-task-relay/internal/supervisor"
	"github.com/ramiqadoumi/go-task-relay/internal/template"
	"github.com/ramiqadoumi/go-task-relay/internal/validator"
	"github.com/ramiqadoumi/go-task-relay/internal/watcher"
	"github.com/ramiqadoumi/go-task-relay/services/relay/config"
)

// Relay owns every long-lived component of one relay instance.
type Relay struct {
	Store      store.Store
	Channel    *channel.FileChannel
	Validator  *validator.AllowList
	Recorder   *activity.Recorder
	Scheduler  *scheduler.Scheduler
	Watcher    *watcher.Manager
	Supervisor *supervisor.Supervisor
	Templates  *template.Service
	Recurring  *recurring.Runner
	// Limiter is nil when submit rate limiting is off.
	Limiter redisstore.RateLimiter

	cfg     config.Config
	logger  *slog.Logger
	leader  *redisstore.Leader
	closers []func() error
}

// New builds a Relay. Close releases whatever New opened, also when New
// itself fails part way.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (r *Relay, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	r = &Relay{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			r.Close() //nolint:errcheck
			r = nil
		}
	}()

	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return r, err
	}
	r.Store = st
	r.closers = append(r.closers, st.Close)

	recOpts := []activity.Option{activity.WithLogger(logger)}
	if len(cfg.KafkaBrokers) > 0 {
		if err := kafka.EnsureTopic(ctx, cfg.KafkaBrokers, cfg.ActivityTopic, 3); err != nil {
			logger.Warn("activity topic not created", slog.String("topic", cfg.ActivityTopic), slog.String("error", err.Error()))
		}
		producer := kafka.NewProducer(cfg.KafkaBrokers)
		r.closers = append(r.closers, producer.Close)
		recOpts = append(recOpts, activity.WithPublisher(producer, cfg.ActivityTopic))
	}
	r.Recorder = activity.NewRecorder(st, recOpts...)

	r.Validator, err = validator.NewAllowList(cfg.AllowedRoots)
	if err != nil {
		return r, err
	}

	wc := cfg.Watcher()
	r.Channel = channel.New(
		channel.WithDir(wc.CommDir),
		channel.WithGrace(wc.Grace),
		channel.WithLogger(logger),
	)

	var source watcher.Source = watcher.FSNotify{}
	if wc.Mode == config.WatchPoll {
		source = watcher.Poll{Interval: wc.PollInterval}
	}
	// The handler is bound before the scheduler exists; the watcher only
	// delivers after a watch starts, which needs the scheduler anyway.
	var sched *scheduler.Scheduler
	r.Watcher = watcher.NewManager(source, r.Channel,
		func(ctx context.Context, ev channel.StatusEvent) { sched.OnStatusEvent(ctx, ev) },
		watcher.WithDebounce(wc.Debounce),
		watcher.WithLogger(logger),
		watcher.WithRecorder(r.Recorder),
	)
	r.closers = append(r.closers, func() error { r.Watcher.StopAll(); return nil })

	sched, err = scheduler.New(cfg.Scheduler(), st, r.Channel, r.Validator,
		scheduler.WithRecorder(r.Recorder),
		scheduler.WithLogger(logger),
		scheduler.WithWatcher(r.Watcher),
	)
	if err != nil {
		return r, err
	}
	r.Scheduler = sched

	r.Supervisor = supervisor.New(cfg.Supervisor(), sched, supervisor.ResultContains{},
		supervisor.WithRecorder(r.Recorder),
		supervisor.WithLogger(logger),
		supervisor.WithValidator(r.Validator),
	)
	r.Templates = template.NewService(st, nil)

	runnerOpts := []recurring.Option{
		recurring.WithInterval(cfg.RecurringInterval),
		recurring.WithLogger(logger),
		recurring.WithRecorder(r.Recorder),
	}
	if cfg.RedisAddr != "" {
		client, err := redisstore.NewClient(ctx, cfg.RedisAddr)
		if err != nil {
			return r, fmt.Errorf("redis: %w", err)
		}
		r.closers = append(r.closers, client.Close)
		r.leader = redisstore.NewLeader(client, "", instanceID(), 3*cfg.RecurringInterval, logger)
		runnerOpts = append(runnerOpts, recurring.WithLeader(r.leader))
		if cfg.SubmitRateLimit > 0 {
			r.Limiter = redisstore.NewRateLimiter(client, cfg.SubmitRateLimit, time.Minute)
		}
	}
	r.Recurring = recurring.NewRunner(st, sched, runnerOpts...)
	return r, nil
}

// OpenStore opens the configured entity store, applying migrations for the
// SQL backends.
func OpenStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return store.NewMemory(), nil
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if _, err := postgres.Migrate(initCtx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
		return postgres.NewStore(pool), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// Run starts the scheduler, recurring runner, and configured watches, and
// blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	for _, p := range r.cfg.Watcher().Projects {
		if err := r.Validator.Validate(ctx, p); err != nil {
			r.logger.Warn("not watching project", slog.String("project", p), slog.String("error", err.Error()))
			continue
		}
		if err := r.Watcher.Start(p); err != nil {
			r.logger.Warn("watch start failed", slog.String("project", p), slog.String("error", err.Error()))
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Recurring.Run(ctx)
	}()

	err := r.Scheduler.Run(ctx)
	wg.Wait()
	if r.leader != nil {
		resignCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if rerr := r.leader.Resign(resignCtx); rerr != nil {
			r.logger.Warn("resign leadership", slog.String("error", rerr.Error()))
		}
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Ready reports whether the entity store answers.
func (r *Relay) Ready(ctx context.Context) error {
	return r.Store.Ping(ctx)
}

// Close releases resources in reverse order of acquisition.
func (r *Relay) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "relay"
	}
	return host + "-" + uuid.NewString()[:8]
}
