package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-task-relay/internal/channel"
	"github.com/ramiqadoumi/go-task-relay/internal/domain"
	"github.com/ramiqadoumi/go-task-relay/pkg/telemetry"
)

// OnStatusEvent folds one watcher observation into task state. Events for
// unknown tasks, tasks that are not Running, or records from an earlier
// attempt change nothing, so redelivery is harmless.
func (s *Scheduler) OnStatusEvent(ctx context.Context, ev channel.StatusEvent) {
	if ev.Err != nil {
		var perr *domain.ProtocolError
		if errors.As(ev.Err, &perr) {
			s.failRunning(ctx, ev.Project, ev.TaskID, domain.ErrorKindProtocol, perr.Error(), domain.EventProtocolError)
			return
		}
		s.logger.Warn("status read failed",
			slog.String("project", ev.Project),
			slog.String("task_id", ev.TaskID),
			slog.String("error", ev.Err.Error()),
		)
		return
	}
	if ev.Record == nil {
		return
	}
	s.applyRecord(ctx, ev.Project, ev.TaskID, ev.Record)
}

func (s *Scheduler) applyRecord(ctx context.Context, project, id string, rec *channel.StatusRecord) {
	ctx, span := s.tracer.Start(ctx, "scheduler.status_event", trace.WithAttributes(
		attribute.String("task.id", id),
		attribute.String("status", string(rec.Status)),
		attribute.Int("progress", rec.Progress),
	))
	defer span.End()

	var event domain.EventType
	updated, err := s.update(ctx, id, func(t *domain.Task) error {
		if t.Project != project || t.State != domain.StateRunning {
			return errStale
		}
		if rec.Attempt != 0 && rec.Attempt != t.Attempts {
			return errStale
		}
		now := s.now()
		switch rec.Status {
		case channel.StatusCompleted:
			if err := t.Transition(domain.StateCompleted, now); err != nil {
				return err
			}
			t.Progress = 100
			t.Message = rec.Message
			t.Result = rec.Result
			t.Artifacts = rec.Artifacts
			event = domain.EventTaskCompleted
		case channel.StatusFailed:
			if err := t.Transition(domain.StateFailed, now); err != nil {
				return err
			}
			t.Progress = rec.Progress
			t.Message = rec.Message
			t.Result = rec.Result
			t.Artifacts = rec.Artifacts
			msg := rec.Message
			if msg == "" {
				msg = "agent reported failure"
			}
			t.Fail(domain.ErrorKindAgentFailed, msg)
			s.planRetry(t)
			event = domain.EventTaskFailed
		default:
			if t.Progress == rec.Progress && t.Message == rec.Message {
				return errNoChange
			}
			t.Progress = rec.Progress
			t.Message = rec.Message
			t.UpdatedAt = now
			event = ""
		}
		return nil
	})

	switch {
	case errors.Is(err, errNoChange):
		return
	case errors.Is(err, errStale), domain.IsNotFound(err):
		telemetry.StaleEventsTotal.Inc()
		s.logger.Debug("ignoring stale status event",
			slog.String("project", project),
			slog.String("task_id", id),
			slog.String("status", string(rec.Status)),
		)
		return
	case err != nil:
		span.RecordError(err)
		s.logger.Error("apply status event",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
		return
	}

	if event == "" {
		s.touchProject(ctx, project, func(p *domain.ProjectState) {
			p.LastTaskID = id
			p.LastMessage = rec.Message
			if rec.Branch != "" {
				p.Branch = rec.Branch
			}
		})
		s.notify(id)
		return
	}
	s.finish(ctx, updated, event, rec.Branch)
}

// Sweep fails Running tasks that outlived TaskTimeout and tasks whose status
// file stayed unreadable past the grace period, then admits into the freed
// slots.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.now()

	type expired struct {
		id, project string
		elapsed     time.Duration
	}
	var due []expired
	s.mu.Lock()
	for id, sl := range s.running {
		if sl.startedAt.IsZero() {
			continue
		}
		if elapsed := now.Sub(sl.startedAt); elapsed >= s.cfg.TaskTimeout {
			due = append(due, expired{id: id, project: sl.project, elapsed: elapsed})
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		terr := &domain.TimeoutError{TaskID: e.id, Elapsed: e.elapsed, Limit: s.cfg.TaskTimeout}
		s.failRunning(ctx, e.project, e.id, domain.ErrorKindTimeout, terr.Error(), domain.EventTaskTimeout)
	}
	for _, v := range s.channel.Violations(now) {
		perr := &domain.ProtocolError{TaskID: v.TaskID, Reason: v.Reason}
		s.failRunning(ctx, v.Project, v.TaskID, domain.ErrorKindProtocol, perr.Error(), domain.EventProtocolError)
	}
	s.AdmitReady(ctx)
}

// failRunning moves a Running task to Failed with the given cause.
func (s *Scheduler) failRunning(ctx context.Context, project, id string, kind domain.ErrorKind, msg string, event domain.EventType) {
	now := s.now()
	updated, err := s.update(ctx, id, func(t *domain.Task) error {
		if t.State != domain.StateRunning || (project != "" && t.Project != project) {
			return errStale
		}
		if err := t.Transition(domain.StateFailed, now); err != nil {
			return err
		}
		t.Fail(kind, msg)
		s.planRetry(t)
		return nil
	})
	switch {
	case errors.Is(err, errStale):
		// The slot can outlive the Running state when another process
		// settled the task.
		if updated != nil && updated.State != domain.StateRunning {
			s.release(id)
		}
		telemetry.StaleEventsTotal.Inc()
		return
	case domain.IsNotFound(err):
		s.release(id)
		return
	case err != nil:
		s.logger.Error("fail running task",
			slog.String("task_id", id),
			slog.String("error_kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return
	}
	s.finish(ctx, updated, event, "")
}

// finish does the bookkeeping after a write that took a task out of Running
// or Pending: frees the slot, records metrics and activity, queues a
// scheduled retry, and wakes waiters.
func (s *Scheduler) finish(ctx context.Context, t *domain.Task, event domain.EventType, branch string) {
	s.release(t.ID)
	s.channel.Forget(t.Project, t.ID)

	telemetry.TasksFinished.WithLabelValues(string(t.State), string(t.ErrorKind)).Inc()
	if t.StartedAt != nil && t.FinishedAt != nil {
		telemetry.TaskDurationSeconds.WithLabelValues(string(t.State)).
			Observe(t.FinishedAt.Sub(*t.StartedAt).Seconds())
	}

	attempt := t.Attempts
	if t.RetryScheduled() {
		attempt--
	}
	log := s.logger.With(
		slog.String("task_id", t.ID),
		slog.String("project", t.Project),
		slog.String("state", string(t.State)),
		slog.Int("attempt", attempt),
	)
	details := map[string]any{"attempt": attempt, "state": string(t.State)}
	switch t.State {
	case domain.StateCompleted:
		log.Info("task completed")
		if t.Result != nil {
			details["result"] = *t.Result
		}
		if len(t.Artifacts) > 0 {
			details["artifacts"] = t.Artifacts
		}
	case domain.StateFailed:
		log.Warn("task failed", slog.String("error_kind", string(t.ErrorKind)), slog.String("error", deref(t.Error)))
		details["error"] = deref(t.Error)
		details["error_kind"] = string(t.ErrorKind)
	case domain.StateCancelled:
		log.Info("task cancelled")
		details["reason"] = deref(t.Error)
	}
	s.recorder.Record(ctx, t.Project, t.ID, event, details)

	if t.RetryScheduled() {
		s.mu.Lock()
		s.enqueueLocked(t)
		s.mu.Unlock()
		telemetry.RetriesScheduled.WithLabelValues("auto").Inc()
		log.Info("retry scheduled", slog.Time("retry_at", *t.RetryAt))
		s.recorder.Record(ctx, t.Project, t.ID, domain.EventRetryScheduled, map[string]any{
			"attempt":  t.Attempts,
			"retry_at": t.RetryAt.UTC().Format(time.RFC3339),
			"trigger":  "auto",
		})
	}

	s.touchProject(ctx, t.Project, func(p *domain.ProjectState) {
		switch {
		case t.State == domain.StateCompleted:
			p.CompletedTasks++
		case t.State == domain.StateFailed && !t.RetryScheduled():
			p.FailedTasks++
		}
		p.LastTaskID = t.ID
		p.LastMessage = t.Message
		if t.Message == "" && t.Error != nil {
			p.LastMessage = *t.Error
		}
		if branch != "" {
			p.Branch = branch
		}
	})
	s.updateGauges()
	s.notify(t.ID)
	s.signal()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
