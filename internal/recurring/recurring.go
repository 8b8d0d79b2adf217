// Package recurring submits instances of scheduled templates. Only the
// instance holding leadership fires, so several relays can share a store.
package recurring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
	"github.com/ramiqadoumi/go-task-relay/internal/scheduler"
	"github.com/ramiqadoumi/go-task-relay/internal/store"
	"github.com/ramiqadoumi/go-task-relay/internal/template"
	"github.com/ramiqadoumi/go-task-relay/pkg/telemetry"
)

// Leader reports whether this instance may fire templates right now.
type Leader interface {
	Acquire(ctx context.Context) bool
}

// AlwaysLeader is the Leader for a single relay instance.
type AlwaysLeader struct{}

func (AlwaysLeader) Acquire(context.Context) bool { return true }

// Submitter accepts new tasks.
type Submitter interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (*domain.Task, error)
}

// Recorder appends activity log entries.
type Recorder interface {
	Record(ctx context.Context, project, taskID string, typ domain.EventType, details map[string]any)
}

// Option configures a Runner.
type Option func(*Runner)

func WithLeader(l Leader) Option            { return func(r *Runner) { r.leader = l } }
func WithInterval(d time.Duration) Option   { return func(r *Runner) { r.interval = d } }
func WithLogger(l *slog.Logger) Option      { return func(r *Runner) { r.logger = l } }
func WithRecorder(rec Recorder) Option      { return func(r *Runner) { r.recorder = rec } }
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// Runner polls templates with a schedule and submits the due ones.
type Runner struct {
	store    store.Store
	submit   Submitter
	leader   Leader
	interval time.Duration
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner creates a Runner that checks every 15 seconds by default.
func NewRunner(st store.Store, sub Submitter, opts ...Option) *Runner {
	r := &Runner{
		store:    st,
		submit:   sub,
		leader:   AlwaysLeader{},
		interval: 15 * time.Second,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run checks once immediately and then every interval until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick fires every due template when this instance leads, and returns how
// many tasks were submitted. A template seen for the first time is only
// given its next run time; it fires when that time arrives. Missed runs are
// not caught up: a due template fires once and is rescheduled from now.
func (r *Runner) Tick(ctx context.Context) int {
	if !r.leader.Acquire(ctx) {
		return 0
	}
	tpls, err := r.store.ListTemplates(ctx)
	if err != nil {
		r.logger.Error("list templates", slog.String("error", err.Error()))
		return 0
	}

	fired := 0
	for _, tpl := range tpls {
		if tpl.Schedule == "" {
			continue
		}
		ok, err := r.process(ctx, tpl)
		if err != nil {
			r.logger.Error("recurring template",
				slog.String("template", tpl.Name),
				slog.String("error", err.Error()),
			)
		}
		if ok {
			fired++
		}
	}
	return fired
}

func (r *Runner) process(ctx context.Context, tpl *domain.TaskTemplate) (bool, error) {
	schedule, err := cron.ParseStandard(tpl.Schedule)
	if err != nil {
		return false, fmt.Errorf("parse cron %q: %w", tpl.Schedule, err)
	}
	now := r.now().UTC()
	next := schedule.Next(now)

	if tpl.NextRunAt == nil {
		tpl.NextRunAt = &next
		return false, r.store.PutTemplate(ctx, tpl)
	}
	if tpl.NextRunAt.After(now) {
		return false, nil
	}

	// The schedule advances even when submission fails, so a broken
	// template is retried at its next slot rather than on every tick.
	tpl.LastRunAt = &now
	tpl.NextRunAt = &next
	if err := r.store.PutTemplate(ctx, tpl); err != nil {
		return false, fmt.Errorf("update run times: %w", err)
	}

	rendered, err := template.Instantiate(tpl, nil)
	if err != nil {
		return false, err
	}
	task, err := r.submit.Submit(ctx, scheduler.SubmitRequest{
		Project:      rendered.Project,
		Description:  rendered.Description,
		Instructions: rendered.Instructions,
		Priority:     rendered.Priority,
		Context:      map[string]string{"template": tpl.Name},
	})
	if err != nil {
		return false, fmt.Errorf("submit: %w", err)
	}

	telemetry.RecurringFired.WithLabelValues(tpl.Name).Inc()
	r.logger.Info("recurring template fired",
		slog.String("template", tpl.Name),
		slog.String("task_id", task.ID),
		slog.Time("next_run", next),
	)
	if r.recorder != nil {
		r.recorder.Record(ctx, task.Project, task.ID, domain.EventTemplateFired, map[string]any{
			"template": tpl.Name,
			"next_run": next.Format(time.RFC3339),
		})
	}
	return true, nil
}
