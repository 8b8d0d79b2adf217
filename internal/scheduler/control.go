package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/go-task-relay/internal/activity"
	"github.com/ramiqadoumi/go-task-relay/internal/domain"
	"github.com/ramiqadoumi/go-task-relay/pkg/retry"
	"github.com/ramiqadoumi/go-task-relay/pkg/telemetry"
)

// Retry re-queues a Failed task. The task becomes eligible no earlier than
// the backoff for its last attempt after it failed. Retrying anything else,
// a task with a retry already scheduled, or a task out of attempts fails
// with *domain.InvalidStateError.
func (s *Scheduler) Retry(ctx context.Context, id string) (*domain.Task, error) {
	now := s.now()
	updated, err := s.update(ctx, id, func(t *domain.Task) error {
		invalid := func(reason string) error {
			return &domain.InvalidStateError{TaskID: t.ID, State: t.State, Op: "retry", Reason: reason}
		}
		switch {
		case t.State != domain.StateFailed:
			return invalid("only failed tasks can be retried")
		case t.RetryScheduled():
			return invalid("retry already scheduled")
		case t.Exhausted():
			return invalid(fmt.Sprintf("attempt budget exhausted (%d/%d)", t.Attempts, t.MaxAttempts))
		}
		failedAt := now
		if t.FinishedAt != nil {
			failedAt = *t.FinishedAt
		}
		at := failedAt.Add(retry.Backoff(s.cfg.RetryBaseDelay, s.cfg.RetryMaxDelay, t.Attempts))
		t.RetryAt = &at
		t.Attempts++
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.enqueueLocked(updated)
	s.mu.Unlock()

	telemetry.RetriesScheduled.WithLabelValues("manual").Inc()
	s.logger.Info("retry scheduled",
		slog.String("task_id", id),
		slog.Int("attempt", updated.Attempts),
		slog.Time("retry_at", *updated.RetryAt),
	)
	s.recorder.Record(ctx, updated.Project, id, domain.EventRetryScheduled, map[string]any{
		"attempt":  updated.Attempts,
		"retry_at": updated.RetryAt.UTC().Format(time.RFC3339),
		"trigger":  "manual",
	})
	s.updateGauges()
	s.notify(id)
	s.signal()
	return updated, nil
}

// Cancel stops a Pending or Running task immediately in the store. For a
// Running task a cancel marker is left for the agent without waiting for
// it; whatever the agent reports afterwards is ignored. A Failed task with
// a scheduled retry has the retry withdrawn and stays Failed, giving back
// the attempt the retry had reserved.
func (s *Scheduler) Cancel(ctx context.Context, id, reason string) (*domain.Task, error) {
	now := s.now()
	var wasRunning bool
	updated, err := s.update(ctx, id, func(t *domain.Task) error {
		wasRunning = t.State == domain.StateRunning
		msg := "cancelled"
		if reason != "" {
			msg += ": " + reason
		}
		switch {
		case t.State == domain.StatePending || t.State == domain.StateRunning:
			if err := t.Transition(domain.StateCancelled, now); err != nil {
				return err
			}
			t.Error = &msg
			t.ErrorKind = domain.ErrorKindNone
		case t.RetryScheduled():
			t.RetryAt = nil
			t.Attempts--
			t.Message = "retry withdrawn: " + msg
			t.UpdatedAt = now
		default:
			return &domain.InvalidStateError{TaskID: t.ID, State: t.State, Op: "cancel"}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.queue.remove(id)
	s.mu.Unlock()

	if wasRunning {
		if err := s.channel.WriteCancel(ctx, updated.Project, id, reason); err != nil {
			s.logger.Warn("write cancel marker",
				slog.String("task_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	if updated.State == domain.StateCancelled {
		s.finish(ctx, updated, domain.EventTaskCancelled, "")
		return updated, nil
	}

	s.logger.Info("retry withdrawn", slog.String("task_id", id))
	s.recorder.Record(ctx, updated.Project, id, domain.EventTaskCancelled, map[string]any{
		"retry_withdrawn": true,
		"reason":          reason,
	})
	s.touchProject(ctx, updated.Project, func(p *domain.ProjectState) { p.FailedTasks++ })
	s.updateGauges()
	s.notify(id)
	return updated, nil
}

// Wait blocks until the task is settled, re-reading it on every change
// notification and at least every WaitPollInterval. It gives up after
// timeout with ErrWaitTimeout, or when ctx ends, returning the last task
// seen in both cases.
func (s *Scheduler) Wait(ctx context.Context, id string, timeout time.Duration) (*domain.Task, error) {
	if timeout <= 0 {
		return nil, errors.New("wait timeout must be positive")
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(s.cfg.WaitPollInterval)
	defer poll.Stop()

	for {
		changed := s.subscribe(id)
		t, err := s.get(ctx, id)
		if err != nil {
			s.unsubscribe(id, changed)
			return nil, err
		}
		if t.Settled() {
			s.unsubscribe(id, changed)
			return t, nil
		}
		select {
		case <-changed:
		case <-poll.C:
			s.unsubscribe(id, changed)
		case <-deadline.C:
			s.unsubscribe(id, changed)
			return t, ErrWaitTimeout
		case <-ctx.Done():
			s.unsubscribe(id, changed)
			return t, ctx.Err()
		}
	}
}

// Get returns a task by id.
func (s *Scheduler) Get(ctx context.Context, id string) (*domain.Task, error) {
	return s.get(ctx, id)
}

// List returns tasks matching filter, highest priority and oldest first.
func (s *Scheduler) List(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, error) {
	var tasks []*domain.Task
	err := s.withStore(ctx, func() error {
		var err error
		tasks, err = s.store.ListTasks(ctx, filter)
		return err
	})
	return tasks, err
}

// Projects returns every known project, most recently active first.
func (s *Scheduler) Projects(ctx context.Context) ([]*domain.ProjectState, error) {
	var projects []*domain.ProjectState
	err := s.withStore(ctx, func() error {
		var err error
		projects, err = s.store.ListProjects(ctx)
		return err
	})
	return projects, err
}

// Load reports how many slots are held and how many tasks wait for one.
func (s *Scheduler) Load() (running, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running), s.queue.len()
}

// Stats summarizes every stored task, with live slot and queue counts.
func (s *Scheduler) Stats(ctx context.Context) (activity.Stats, error) {
	tasks, err := s.List(ctx, domain.TaskFilter{})
	if err != nil {
		return activity.Stats{}, err
	}
	projects, err := s.Projects(ctx)
	if err != nil {
		return activity.Stats{}, err
	}
	st := activity.Summarize(tasks, len(projects))
	st.Running, st.Queued = s.Load()
	return st, nil
}

func (s *Scheduler) subscribe(id string) chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.waiters[id] = append(s.waiters[id], ch)
	s.mu.Unlock()
	return ch
}

func (s *Scheduler) unsubscribe(id string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.waiters, id)
		return
	}
	s.waiters[id] = list
}

// notify wakes every Wait on id.
func (s *Scheduler) notify(id string) {
	s.mu.Lock()
	list := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()
	for _, ch := range list {
		close(ch)
	}
}

// touchProject applies fn to the project's stored state, creating it on
// first reference. ActiveTasks and AgentStatus are derived from the held
// slots. Failures are logged; project state is advisory.
func (s *Scheduler) touchProject(ctx context.Context, path string, fn func(p *domain.ProjectState)) {
	s.projMu.Lock()
	defer s.projMu.Unlock()

	now := s.now().UTC()
	var p *domain.ProjectState
	err := s.withStore(ctx, func() error {
		var err error
		p, err = s.store.GetProject(ctx, path)
		return err
	})
	if domain.IsNotFound(err) {
		p, err = domain.NewProjectState(path, now), nil
	}
	if err != nil {
		s.logger.Warn("load project state", slog.String("project", path), slog.String("error", err.Error()))
		return
	}

	fn(p)
	active := 0
	s.mu.Lock()
	for _, sl := range s.running {
		if sl.project == path {
			active++
		}
	}
	s.mu.Unlock()
	p.ActiveTasks = active
	p.AgentStatus = domain.AgentIdle
	if active > 0 {
		p.AgentStatus = domain.AgentBusy
	}
	p.LastActivity = now

	if err := s.withStore(ctx, func() error { return s.store.PutProject(ctx, p) }); err != nil {
		s.logger.Warn("store project state", slog.String("project", path), slog.String("error", err.Error()))
	}
}
