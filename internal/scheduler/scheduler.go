// Package scheduler is the bounded-concurrency execution engine. It persists
// submitted tasks, admits them under the concurrency limit by handing their
// records to the communication channel, folds agent status reports back into
// task state, and enforces timeouts and retry backoff.
//
// Every task mutation is a compare-and-set against the store, so a timeout
// racing a completion, or a cancel racing either, resolves to exactly one
// applied transition.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-task-relay/internal/channel"
	"github.com/ramiqadoumi/go-task-relay/internal/domain"
	"github.com/ramiqadoumi/go-task-relay/internal/store"
	"github.com/ramiqadoumi/go-task-relay/pkg/retry"
	"github.com/ramiqadoumi/go-task-relay/pkg/telemetry"
)

// ErrInvalidRequest marks a submission rejected before anything was stored.
var ErrInvalidRequest = errors.New("invalid task request")

// ErrWaitTimeout is returned by Wait when the task did not settle in time.
var ErrWaitTimeout = errors.New("timed out waiting for task to settle")

// Channel is the part of the communication channel the scheduler writes to.
type Channel interface {
	WriteTask(ctx context.Context, rec channel.TaskRecord) error
	WriteCancel(ctx context.Context, project, id, reason string) error
	ReadStatus(project, id string) (*channel.StatusRecord, error)
	Violations(now time.Time) []channel.Violation
	Forget(project, id string)
}

// Validator decides whether a project path may receive tasks.
type Validator interface {
	Validate(ctx context.Context, project string) error
}

// Watcher starts observing a project's status files. Starting a project
// that is already watched must be a no-op.
type Watcher interface {
	Start(project string) error
}

// Recorder appends activity log entries.
type Recorder interface {
	Record(ctx context.Context, project, taskID string, typ domain.EventType, details map[string]any)
}

// SubmitRequest describes a new task. Instructions default to Description
// and Priority defaults to medium.
type SubmitRequest struct {
	Project      string
	Description  string
	Instructions string
	Priority     domain.Priority
	Context      map[string]string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRecorder sets the activity recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithWatcher makes the scheduler start a watch on every project it
// dispatches into or recovers a Running task for.
func WithWatcher(w Watcher) Option {
	return func(s *Scheduler) { s.watcher = w }
}

// WithClock injects the time source for timestamps, eligibility, and
// timeout checks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// slot is a held concurrency slot. startedAt stays zero while the task
// record is still being written.
type slot struct {
	project   string
	startedAt time.Time
}

// Scheduler drives the task state machine.
type Scheduler struct {
	cfg       Config
	store     store.Store
	channel   Channel
	validator Validator
	recorder  Recorder
	watcher   Watcher
	logger    *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer

	// admitMu makes admission a single coordinator no matter who calls it.
	admitMu sync.Mutex

	mu      sync.Mutex
	queue   *queue
	running map[string]*slot
	waiters map[string][]chan struct{}

	projMu sync.Mutex

	wake chan struct{}
}

// New creates a Scheduler. Call Run to start admission and sweeping.
func New(cfg Config, st store.Store, ch Channel, v Validator, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler config: %w", err)
	}
	s := &Scheduler{
		cfg:       cfg,
		store:     st,
		channel:   ch,
		validator: v,
		recorder:  nopRecorder{},
		logger:    slog.Default(),
		now:       time.Now,
		tracer:    telemetry.Tracer("scheduler"),
		queue:     newQueue(),
		running:   make(map[string]*slot),
		waiters:   make(map[string][]chan struct{}),
		wake:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Config returns the scheduler's configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Submit validates the project, stores a Pending task, and queues it. It
// never waits for a free slot.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*domain.Task, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.submit")
	defer span.End()

	if strings.TrimSpace(req.Description) == "" && strings.TrimSpace(req.Instructions) == "" {
		return nil, fmt.Errorf("%w: description or instructions required", ErrInvalidRequest)
	}
	if req.Priority == 0 {
		req.Priority = domain.PriorityMedium
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %d", ErrInvalidRequest, req.Priority)
	}
	if err := s.validator.Validate(ctx, req.Project); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "project rejected")
		return nil, err
	}

	now := s.now().UTC()
	t := &domain.Task{
		ID:           newTaskID(now),
		Project:      filepath.Clean(req.Project),
		Description:  req.Description,
		Instructions: req.Instructions,
		Priority:     req.Priority,
		State:        domain.StatePending,
		Attempts:     1,
		MaxAttempts:  s.cfg.MaxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if t.Instructions == "" {
		t.Instructions = t.Description
	}
	if t.Description == "" {
		t.Description = summarize(t.Instructions)
	}
	if len(req.Context) > 0 {
		t.Context = make(map[string]string, len(req.Context))
		for k, v := range req.Context {
			t.Context[k] = v
		}
	}
	span.SetAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.project", t.Project),
		attribute.String("task.priority", t.Priority.String()),
	)

	if err := s.withStore(ctx, func() error { return s.store.CreateTask(ctx, t) }); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failed")
		return nil, fmt.Errorf("create task: %w", err)
	}

	s.mu.Lock()
	s.enqueueLocked(t)
	s.mu.Unlock()

	telemetry.TasksSubmitted.WithLabelValues(t.Priority.String()).Inc()
	s.logger.Info("task submitted",
		slog.String("task_id", t.ID),
		slog.String("project", t.Project),
		slog.String("priority", t.Priority.String()),
	)
	s.recorder.Record(ctx, t.Project, t.ID, domain.EventTaskSubmitted, map[string]any{
		"description": t.Description,
		"priority":    t.Priority.String(),
	})
	s.touchProject(ctx, t.Project, func(p *domain.ProjectState) {
		p.LastTaskID = t.ID
	})
	s.signal()
	return t.Clone(), nil
}

// Run recovers in-flight work from the store, then admits tasks whenever a
// slot frees up or a retry becomes eligible, and sweeps for timeouts every
// SweepInterval. It blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
	defer wg.Wait()

	s.logger.Info("scheduler started",
		slog.Int("max_concurrent", s.cfg.MaxConcurrent),
		slog.Duration("task_timeout", s.cfg.TaskTimeout),
	)
	for {
		s.AdmitReady(ctx)

		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		s.mu.Lock()
		next, ok := s.queue.nextAfter(s.now())
		s.mu.Unlock()
		if ok {
			timer = time.NewTimer(next.Sub(s.now()))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.logger.Info("scheduler stopped")
			return nil
		case <-s.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Recover rebuilds the in-memory view from the store: Pending tasks and
// scheduled retries are queued again, Running tasks re-occupy their slots
// and stay subject to the timeout sweep. Projects with Running tasks are
// watched again, and any status an agent wrote while the relay was down is
// applied.
func (s *Scheduler) Recover(ctx context.Context) error {
	var tasks []*domain.Task
	err := s.withStore(ctx, func() error {
		var err error
		tasks, err = s.store.ListTasks(ctx, domain.TaskFilter{
			States: []domain.State{domain.StatePending, domain.StateRunning, domain.StateFailed},
		})
		return err
	})
	if err != nil {
		return err
	}

	var queued int
	var running []*domain.Task
	s.mu.Lock()
	for _, t := range tasks {
		switch {
		case t.State == domain.StateRunning:
			started := t.UpdatedAt
			if t.StartedAt != nil {
				started = *t.StartedAt
			}
			s.running[t.ID] = &slot{project: t.Project, startedAt: started}
			running = append(running, t)
		case t.State == domain.StatePending || t.RetryScheduled():
			s.enqueueLocked(t)
			queued++
		}
	}
	s.mu.Unlock()
	s.updateGauges()

	if queued > 0 || len(running) > 0 {
		s.logger.Info("recovered tasks", slog.Int("queued", queued), slog.Int("running", len(running)))
	}

	watched := make(map[string]bool)
	for _, t := range running {
		if !watched[t.Project] {
			watched[t.Project] = true
			s.watch(t.Project)
		}
	}
	for _, t := range running {
		s.reconcile(ctx, t.Project, t.ID)
	}
	s.signal()
	return nil
}

// AdmitReady moves eligible tasks to Running until the queue has nothing
// eligible or every slot is taken. It returns how many were admitted.
func (s *Scheduler) AdmitReady(ctx context.Context) int {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	admitted := 0
	for ctx.Err() == nil {
		s.mu.Lock()
		if len(s.running) >= s.cfg.MaxConcurrent {
			s.mu.Unlock()
			break
		}
		e, ok := s.queue.pop(s.now())
		if !ok {
			s.mu.Unlock()
			break
		}
		s.running[e.id] = &slot{project: e.project}
		s.mu.Unlock()

		if s.dispatch(ctx, e) {
			admitted++
		}
	}
	s.updateGauges()
	return admitted
}

// dispatch writes the task record and moves the task to Running. The slot
// for e is already reserved; it is released on every path that does not
// end in Running.
func (s *Scheduler) dispatch(ctx context.Context, e entry) bool {
	ctx, span := s.tracer.Start(ctx, "scheduler.admit", trace.WithAttributes(
		attribute.String("task.id", e.id),
		attribute.String("task.project", e.project),
	))
	defer span.End()
	log := s.logger.With(slog.String("task_id", e.id), slog.String("project", e.project))

	t, err := s.get(ctx, e.id)
	if err != nil {
		s.release(e.id)
		if domain.IsNotFound(err) {
			return false
		}
		log.Error("load task for admission", slog.String("error", err.Error()))
		s.requeueLater(e)
		return false
	}
	now := s.now()
	if !admissible(t) {
		s.release(e.id)
		return false
	}
	if t.RetryAt != nil && t.RetryAt.After(now) {
		s.release(e.id)
		s.mu.Lock()
		s.enqueueLocked(t)
		s.mu.Unlock()
		return false
	}

	s.watch(t.Project)
	if err := s.channel.WriteTask(ctx, channel.NewTaskRecord(t)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		log.Error("write task record", slog.String("error", err.Error()))
		s.release(e.id)
		s.failDispatch(ctx, e.id, err)
		return false
	}

	updated, err := s.update(ctx, e.id, func(t *domain.Task) error {
		if !admissible(t) {
			return errStale
		}
		if err := t.Transition(domain.StateRunning, now); err != nil {
			return err
		}
		t.Error = nil
		t.ErrorKind = domain.ErrorKindNone
		t.Result = nil
		t.Artifacts = nil
		return nil
	})
	if err != nil {
		s.release(e.id)
		if errors.Is(err, errStale) {
			// Cancelled while the record was being written.
			if werr := s.channel.WriteCancel(ctx, t.Project, t.ID, "cancelled before admission"); werr != nil {
				log.Warn("write cancel marker", slog.String("error", werr.Error()))
			}
			return false
		}
		log.Error("mark task running", slog.String("error", err.Error()))
		s.requeueLater(e)
		return false
	}

	s.mu.Lock()
	if sl, ok := s.running[e.id]; ok {
		sl.startedAt = now
	}
	s.mu.Unlock()

	telemetry.TasksAdmitted.Inc()
	log.Info("task admitted", slog.Int("attempt", updated.Attempts))
	s.recorder.Record(ctx, updated.Project, updated.ID, domain.EventTaskAdmitted, map[string]any{
		"attempt":  updated.Attempts,
		"priority": updated.Priority.String(),
	})
	s.touchProject(ctx, updated.Project, func(p *domain.ProjectState) {
		p.LastTaskID = updated.ID
	})
	s.notify(updated.ID)

	// The agent may have answered before the task became Running, in which
	// case the watcher's event was ignored as stale.
	s.reconcile(ctx, updated.Project, updated.ID)
	return true
}

// reconcile reads a Running task's status file once and folds whatever it
// holds, for reports the watcher could not have delivered.
func (s *Scheduler) reconcile(ctx context.Context, project, id string) {
	rec, err := s.channel.ReadStatus(project, id)
	if rec == nil && err == nil {
		return
	}
	s.OnStatusEvent(ctx, channel.StatusEvent{
		Project:    project,
		TaskID:     id,
		Record:     rec,
		Err:        err,
		ObservedAt: s.now(),
	})
}

func (s *Scheduler) watch(project string) {
	if s.watcher == nil {
		return
	}
	if err := s.watcher.Start(project); err != nil {
		s.logger.Warn("watch start failed",
			slog.String("project", project),
			slog.String("error", err.Error()),
		)
	}
}

// failDispatch records a task record that could not be written. The task
// passes through Running so the stored history follows the state machine.
func (s *Scheduler) failDispatch(ctx context.Context, id string, cause error) {
	now := s.now()
	updated, err := s.update(ctx, id, func(t *domain.Task) error {
		if !admissible(t) {
			return errStale
		}
		if err := t.Transition(domain.StateRunning, now); err != nil {
			return err
		}
		if err := t.Transition(domain.StateFailed, now); err != nil {
			return err
		}
		t.Fail(domain.ErrorKindDispatch, "dispatch failed: "+cause.Error())
		s.planRetry(t)
		return nil
	})
	if err != nil {
		if !errors.Is(err, errStale) {
			s.logger.Error("record dispatch failure",
				slog.String("task_id", id),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	s.finish(ctx, updated, domain.EventTaskFailed, "")
}

func admissible(t *domain.Task) bool {
	return t.State == domain.StatePending || t.RetryScheduled()
}

// enqueueLocked queues t for admission at its eligibility time. s.mu must
// be held.
func (s *Scheduler) enqueueLocked(t *domain.Task) {
	e := entry{
		id:         t.ID,
		project:    t.Project,
		priority:   t.Priority,
		createdAt:  t.CreatedAt,
		eligibleAt: t.CreatedAt,
	}
	if t.RetryAt != nil {
		e.eligibleAt = *t.RetryAt
	}
	s.queue.push(e)
}

// requeueLater puts e back one sweep interval from now, after a store
// failure that left the task untouched.
func (s *Scheduler) requeueLater(e entry) {
	e.eligibleAt = s.now().Add(s.cfg.SweepInterval)
	s.mu.Lock()
	s.queue.push(e)
	s.mu.Unlock()
}

// release frees the slot held by id, if any, and wakes the coordinator.
func (s *Scheduler) release(id string) {
	s.mu.Lock()
	_, held := s.running[id]
	delete(s.running, id)
	s.mu.Unlock()
	if held {
		s.signal()
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) updateGauges() {
	s.mu.Lock()
	running, queued := len(s.running), s.queue.len()
	s.mu.Unlock()
	telemetry.TasksRunning.Set(float64(running))
	telemetry.TasksQueued.Set(float64(queued))
}

// planRetry schedules automatic re-admission for a task that just failed,
// when enabled and the budget allows.
func (s *Scheduler) planRetry(t *domain.Task) bool {
	if !s.cfg.AutoRetry || t.Exhausted() || t.FinishedAt == nil {
		return false
	}
	at := t.FinishedAt.Add(retry.Backoff(s.cfg.RetryBaseDelay, s.cfg.RetryMaxDelay, t.Attempts))
	t.RetryAt = &at
	t.Attempts++
	return true
}

// newTaskID returns a time-sortable id with a random suffix.
func newTaskID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return now.UTC().Format("20060102-150405") + "-" + suffix
}

// summarize derives a description from the first line of instructions.
func summarize(instructions string) string {
	line := strings.TrimSpace(instructions)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	const limit = 80
	if r := []rune(line); len(r) > limit {
		line = string(r[:limit-3]) + "..."
	}
	return line
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, string, string, domain.EventType, map[string]any) {}
