// Package supervisor drives a task to an accepted result: it submits the
// task, waits for it to settle, checks the result against acceptance
// criteria, and submits corrective follow-ups until the criteria hold or the
// iteration budget runs out. Every iteration is kept in the report.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
	"github.com/ramiqadoumi/go-task-relay/internal/scheduler"
	"github.com/ramiqadoumi/go-task-relay/pkg/telemetry"
)

// ErrInvalidRequest is returned for a request with nothing to do.
var ErrInvalidRequest = errors.New("invalid supervision request")

// Run states.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Scheduler is the part of the task scheduler the loop drives.
type Scheduler interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (*domain.Task, error)
	Wait(ctx context.Context, id string, timeout time.Duration) (*domain.Task, error)
	Cancel(ctx context.Context, id, reason string) (*domain.Task, error)
}

// Validator decides whether a project path may receive tasks.
type Validator interface {
	Validate(ctx context.Context, project string) error
}

// Recorder appends activity log entries.
type Recorder interface {
	Record(ctx context.Context, project, taskID string, typ domain.EventType, details map[string]any)
}

// Config bounds every supervision run.
type Config struct {
	// MaxIterations applies when a request does not set its own.
	MaxIterations int
	// WaitTimeout bounds the wait for each iteration's task to settle.
	WaitTimeout time.Duration
}

// DefaultConfig returns 3 iterations with a 15 minute wait each.
func DefaultConfig() Config {
	return Config{MaxIterations: 3, WaitTimeout: 15 * time.Minute}
}

// Request describes one supervised piece of work.
type Request struct {
	Project       string          `json:"project"`
	Description   string          `json:"description"`
	Instructions  string          `json:"instructions"`
	Priority      domain.Priority `json:"priority"`
	Criteria      []string        `json:"criteria"`
	MaxIterations int             `json:"max_iterations"`
}

// Iteration is the record of one submitted task and its evaluation.
type Iteration struct {
	Number     int          `json:"number"`
	TaskID     string       `json:"task_id"`
	State      domain.State `json:"state"`
	Result     *string      `json:"result,omitempty"`
	Error      string       `json:"error,omitempty"`
	Verdicts   []Verdict    `json:"verdicts,omitempty"`
	Accepted   bool         `json:"accepted"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Report is the outcome of a run, including every iteration.
type Report struct {
	ID         string      `json:"id"`
	Project    string      `json:"project"`
	Status     string      `json:"status"`
	Succeeded  bool        `json:"succeeded"`
	Iterations []Iteration `json:"iterations"`
	Reason     string      `json:"reason,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

func (r *Report) clone() *Report {
	cp := *r
	cp.Iterations = append([]Iteration(nil), r.Iterations...)
	return &cp
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithRecorder sets the activity recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Supervisor) { s.recorder = r }
}

// WithValidator checks the project before a run is registered, so a
// denied project is rejected by Run and Start themselves.
func WithValidator(v Validator) Option {
	return func(s *Supervisor) { s.validator = v }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// Supervisor runs supervision loops and remembers their reports.
type Supervisor struct {
	cfg       Config
	sched     Scheduler
	judge     Judge
	validator Validator
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer

	mu   sync.RWMutex
	runs map[string]*Report
}

// New creates a Supervisor. A zero Config field takes its default.
func New(cfg Config, sched Scheduler, judge Judge, opts ...Option) *Supervisor {
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if judge == nil {
		judge = ResultContains{}
	}
	s := &Supervisor{
		cfg:    cfg,
		sched:  sched,
		judge:  judge,
		logger: slog.Default(),
		now:    time.Now,
		tracer: telemetry.Tracer("supervisor"),
		runs:   make(map[string]*Report),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run supervises req to completion and returns the final report. The error
// is non-nil only when the loop could not continue (submission rejected,
// ctx cancelled); the report still holds every iteration up to that point.
func (s *Supervisor) Run(ctx context.Context, req Request) (*Report, error) {
	rep, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.loop(ctx, rep, req)
}

// Start begins supervising req in the background and returns the initial
// report. ctx bounds the run, so it should outlive any single request.
func (s *Supervisor) Start(ctx context.Context, req Request) (*Report, error) {
	rep, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	initial := rep.clone()
	go func() {
		if _, err := s.loop(ctx, rep, req); err != nil {
			s.logger.Warn("supervision stopped",
				slog.String("supervision_id", rep.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return initial, nil
}

// Get returns a snapshot of the report with the given id.
func (s *Supervisor) Get(id string) (*Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rep, ok := s.runs[id]
	if !ok {
		return nil, false
	}
	return rep.clone(), true
}

// List returns snapshots of every known report, oldest first.
func (s *Supervisor) List() []*Report {
	s.mu.RLock()
	out := make([]*Report, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (s *Supervisor) begin(ctx context.Context, req Request) (*Report, error) {
	if strings.TrimSpace(req.Instructions) == "" && strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("%w: instructions or description required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Project) == "" {
		return nil, fmt.Errorf("%w: project required", ErrInvalidRequest)
	}
	if req.MaxIterations < 0 {
		return nil, fmt.Errorf("%w: max_iterations must not be negative", ErrInvalidRequest)
	}
	if s.validator != nil {
		if err := s.validator.Validate(ctx, req.Project); err != nil {
			return nil, err
		}
	}
	rep := &Report{
		ID:        uuid.NewString(),
		Project:   req.Project,
		Status:    StatusRunning,
		StartedAt: s.now().UTC(),
	}
	s.mu.Lock()
	s.runs[rep.ID] = rep
	s.mu.Unlock()
	return rep, nil
}

func (s *Supervisor) loop(ctx context.Context, rep *Report, req Request) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "supervisor.run", trace.WithAttributes(
		attribute.String("supervision.id", rep.ID),
		attribute.String("project", req.Project),
	))
	defer span.End()

	maxIter := req.MaxIterations
	if maxIter == 0 {
		maxIter = s.cfg.MaxIterations
	}
	logger := s.logger.With(slog.String("supervision_id", rep.ID), slog.String("project", req.Project))
	logger.Info("supervision started",
		slog.Int("max_iterations", maxIter),
		slog.Int("criteria", len(req.Criteria)),
	)

	instructions := req.Instructions
	if instructions == "" {
		instructions = req.Description
	}
	base := instructions

	for n := 1; n <= maxIter; n++ {
		it, err := s.iterate(ctx, req, n, instructions)
		if it != nil {
			s.appendIteration(rep, *it)
			s.recordIteration(ctx, rep, it, logger)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return s.conclude(ctx, rep, false, err.Error(), logger), err
		}
		if it.Accepted {
			return s.conclude(ctx, rep, true, fmt.Sprintf("accepted in iteration %d", n), logger), nil
		}
		instructions = correctiveInstructions(base, it)
	}
	return s.conclude(ctx, rep, false, fmt.Sprintf("criteria not met after %d iterations", maxIter), logger), nil
}

// iterate submits one task and evaluates it. A nil Iteration means the
// task was never created.
func (s *Supervisor) iterate(ctx context.Context, req Request, n int, instructions string) (*Iteration, error) {
	ctx, span := s.tracer.Start(ctx, "supervisor.iteration", trace.WithAttributes(attribute.Int("iteration", n)))
	defer span.End()

	desc := req.Description
	if n > 1 && desc != "" {
		desc = fmt.Sprintf("%s (correction %d)", desc, n-1)
	}
	task, err := s.sched.Submit(ctx, scheduler.SubmitRequest{
		Project:      req.Project,
		Description:  desc,
		Instructions: instructions,
		Priority:     req.Priority,
		Context:      map[string]string{"iteration": fmt.Sprint(n)},
	})
	if err != nil {
		return nil, fmt.Errorf("submit iteration %d: %w", n, err)
	}
	span.SetAttributes(attribute.String("task.id", task.ID))

	it := &Iteration{Number: n, TaskID: task.ID, StartedAt: s.now().UTC()}
	final, err := s.sched.Wait(ctx, task.ID, s.cfg.WaitTimeout)
	it.FinishedAt = s.now().UTC()
	switch {
	case errors.Is(err, scheduler.ErrWaitTimeout):
		if _, cerr := s.sched.Cancel(context.WithoutCancel(ctx), task.ID, "supervisor wait timed out"); cerr != nil {
			s.logger.Warn("cancel timed out task", slog.String("task_id", task.ID), slog.String("error", cerr.Error()))
		}
		it.State = domain.StateCancelled
		it.Error = fmt.Sprintf("task did not settle within %s", s.cfg.WaitTimeout)
		return it, nil
	case err != nil:
		if ctx.Err() != nil {
			if _, cerr := s.sched.Cancel(context.WithoutCancel(ctx), task.ID, "supervision cancelled"); cerr != nil {
				s.logger.Warn("cancel abandoned task", slog.String("task_id", task.ID), slog.String("error", cerr.Error()))
			}
		}
		it.Error = err.Error()
		if final != nil {
			it.State = final.State
		}
		return it, fmt.Errorf("wait for iteration %d: %w", n, err)
	}

	it.State = final.State
	it.Result = final.Result
	if final.State != domain.StateCompleted {
		it.Error = "task " + strings.ToLower(string(final.State))
		if final.Error != nil {
			it.Error = *final.Error
		}
		return it, nil
	}

	it.Accepted = true
	for _, c := range req.Criteria {
		v, err := s.judge.Evaluate(ctx, c, final)
		if err != nil {
			v = Verdict{Criterion: c, Reason: "judge error: " + err.Error()}
		}
		v.Criterion = c
		it.Verdicts = append(it.Verdicts, v)
		if !v.Satisfied {
			it.Accepted = false
		}
	}
	return it, nil
}

// correctiveInstructions restates the original instructions followed by
// what the previous iteration got wrong.
func correctiveInstructions(base string, prev *Iteration) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "\n"))
	b.WriteString("\n\n## Corrections required\n")
	if prev.State != domain.StateCompleted {
		fmt.Fprintf(&b, "The previous attempt (task %s) did not complete: %s\n", prev.TaskID, prev.Error)
	} else {
		fmt.Fprintf(&b, "The previous attempt (task %s) did not meet these acceptance criteria:\n", prev.TaskID)
		for _, v := range prev.Verdicts {
			if v.Satisfied {
				continue
			}
			fmt.Fprintf(&b, "- %s", v.Criterion)
			if v.Reason != "" {
				fmt.Fprintf(&b, " (%s)", v.Reason)
			}
			b.WriteByte('\n')
		}
	}
	b.WriteString("Fix the issues above and report the complete result.\n")
	return b.String()
}

func (s *Supervisor) appendIteration(rep *Report, it Iteration) {
	s.mu.Lock()
	rep.Iterations = append(rep.Iterations, it)
	s.mu.Unlock()
}

func (s *Supervisor) recordIteration(ctx context.Context, rep *Report, it *Iteration, logger *slog.Logger) {
	outcome := "rejected"
	switch {
	case it.Accepted:
		outcome = "accepted"
	case it.State != domain.StateCompleted:
		outcome = "task_failed"
	}
	telemetry.SupervisorIterations.WithLabelValues(outcome).Inc()

	unmet := make([]string, 0)
	for _, v := range it.Verdicts {
		if !v.Satisfied {
			unmet = append(unmet, v.Criterion)
		}
	}
	logger.Info("supervision iteration",
		slog.Int("iteration", it.Number),
		slog.String("task_id", it.TaskID),
		slog.String("outcome", outcome),
	)
	if s.recorder != nil {
		s.recorder.Record(ctx, rep.Project, it.TaskID, domain.EventSupervisorIteration, map[string]any{
			"supervision_id": rep.ID,
			"iteration":      it.Number,
			"state":          string(it.State),
			"outcome":        outcome,
			"unmet":          unmet,
			"error":          it.Error,
		})
	}
}

func (s *Supervisor) conclude(ctx context.Context, rep *Report, ok bool, reason string, logger *slog.Logger) *Report {
	now := s.now().UTC()
	s.mu.Lock()
	rep.Succeeded = ok
	rep.Status = StatusFailed
	if ok {
		rep.Status = StatusSucceeded
	}
	rep.Reason = reason
	rep.FinishedAt = &now
	out := rep.clone()
	s.mu.Unlock()

	logger.Info("supervision finished",
		slog.Bool("succeeded", ok),
		slog.Int("iterations", len(out.Iterations)),
		slog.String("reason", reason),
	)
	if s.recorder != nil {
		var last string
		if n := len(out.Iterations); n > 0 {
			last = out.Iterations[n-1].TaskID
		}
		s.recorder.Record(context.WithoutCancel(ctx), rep.Project, last, domain.EventSupervisorFinished, map[string]any{
			"supervision_id": rep.ID,
			"succeeded":      ok,
			"iterations":     len(out.Iterations),
			"reason":         reason,
		})
	}
	return out
}
