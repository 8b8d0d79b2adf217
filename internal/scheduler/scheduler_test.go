package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-relay/internal/channel"
	"github.com/ramiqadoumi/go-task-relay/internal/domain"
	"github.com/ramiqadoumi/go-task-relay/internal/scheduler"
	"github.com/ramiqadoumi/go-task-relay/internal/store"
)

const project = "/work/app"

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeChannel struct {
	mu         sync.Mutex
	tasks      map[string]channel.TaskRecord
	cancels    map[string]string
	statuses   map[string]*channel.StatusRecord
	violations []channel.Violation
	writeErr   error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		tasks:    make(map[string]channel.TaskRecord),
		cancels:  make(map[string]string),
		statuses: make(map[string]*channel.StatusRecord),
	}
}

func (c *fakeChannel) WriteTask(_ context.Context, rec channel.TaskRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.tasks[rec.TaskID] = rec
	return nil
}

func (c *fakeChannel) WriteCancel(_ context.Context, _, id, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels[id] = reason
	return nil
}

func (c *fakeChannel) ReadStatus(_, id string) (*channel.StatusRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses[id], nil
}

func (c *fakeChannel) Violations(time.Time) []channel.Violation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.violations
	c.violations = nil
	return out
}

func (c *fakeChannel) Forget(string, string) {}

func (c *fakeChannel) record(id string) (channel.TaskRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.tasks[id]
	return rec, ok
}

type fakeValidator struct{ deny map[string]string }

func (v fakeValidator) Validate(_ context.Context, p string) error {
	if reason, ok := v.deny[p]; ok {
		return &domain.InvalidProjectError{Project: p, Reason: reason}
	}
	return nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []domain.EventType
}

func (r *fakeRecorder) Record(_ context.Context, _, _ string, typ domain.EventType, _ map[string]any) {
	r.mu.Lock()
	r.events = append(r.events, typ)
	r.mu.Unlock()
}

func (r *fakeRecorder) count(typ domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == typ {
			n++
		}
	}
	return n
}

type fakeWatcher struct {
	mu     sync.Mutex
	starts []string
}

func (w *fakeWatcher) Start(project string) error {
	w.mu.Lock()
	w.starts = append(w.starts, project)
	w.mu.Unlock()
	return nil
}

func (w *fakeWatcher) started() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.starts...)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ── helpers ──────────────────────────────────────────────────────────────────

type harness struct {
	sched *scheduler.Scheduler
	ch    *fakeChannel
	store *store.Memory
	clock *manualClock
	rec   *fakeRecorder
}

func testConfig() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.MaxConcurrent = 2
	cfg.TaskTimeout = time.Minute
	cfg.AutoRetry = false
	cfg.RetryBaseDelay = 10 * time.Second
	cfg.RetryMaxDelay = time.Minute
	cfg.WaitPollInterval = 10 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, cfg scheduler.Config, v scheduler.Validator) *harness {
	t.Helper()
	h := &harness{
		ch:    newFakeChannel(),
		store: store.NewMemory(),
		clock: &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		rec:   &fakeRecorder{},
	}
	if v == nil {
		v = fakeValidator{}
	}
	s, err := scheduler.New(cfg, h.store, h.ch, v,
		scheduler.WithClock(h.clock.Now),
		scheduler.WithRecorder(h.rec),
	)
	require.NoError(t, err)
	h.sched = s
	return h
}

func (h *harness) submit(t *testing.T, desc string, p domain.Priority) *domain.Task {
	t.Helper()
	task, err := h.sched.Submit(context.Background(), scheduler.SubmitRequest{
		Project:     project,
		Description: desc,
		Priority:    p,
	})
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	return task
}

func (h *harness) get(t *testing.T, id string) *domain.Task {
	t.Helper()
	task, err := h.sched.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (h *harness) report(id string, st channel.Status, progress int, msg string) {
	h.sched.OnStatusEvent(context.Background(), channel.StatusEvent{
		Project: project,
		TaskID:  id,
		Record: &channel.StatusRecord{
			TaskID:    id,
			Status:    st,
			Progress:  progress,
			Message:   msg,
			UpdatedAt: h.clock.Now(),
		},
	})
}

func (h *harness) running(t *testing.T) []*domain.Task {
	t.Helper()
	tasks, err := h.sched.List(context.Background(), domain.TaskFilter{States: []domain.State{domain.StateRunning}})
	require.NoError(t, err)
	return tasks
}

func ptr(s string) *string { return &s }

// ── tests ────────────────────────────────────────────────────────────────────

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := scheduler.DefaultConfig()
	cfg.MaxConcurrent = 0
	cfg.TaskTimeout = 0
	_, err := scheduler.New(cfg, store.NewMemory(), newFakeChannel(), fakeValidator{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent")
	assert.Contains(t, err.Error(), "task_timeout")
}

func TestSubmit_CreatesPendingTask(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	task, err := h.sched.Submit(context.Background(), scheduler.SubmitRequest{
		Project:      project + "/",
		Instructions: "Add a health endpoint\nwith tests",
		Context:      map[string]string{"branch": "main"},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatePending, task.State)
	assert.Equal(t, project, task.Project)
	assert.Equal(t, domain.PriorityMedium, task.Priority)
	assert.Equal(t, "Add a health endpoint", task.Description)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, 3, task.MaxAttempts)
	assert.Regexp(t, `^20260301-090000-[0-9a-f]{8}$`, task.ID)

	stored := h.get(t, task.ID)
	assert.Equal(t, "main", stored.Context["branch"])
	assert.Equal(t, 1, h.rec.count(domain.EventTaskSubmitted))

	p, err := h.store.GetProject(context.Background(), project)
	require.NoError(t, err)
	assert.Equal(t, "app", p.Name)
	assert.Equal(t, task.ID, p.LastTaskID)
}

func TestSubmit_InvalidRequest(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	_, err := h.sched.Submit(context.Background(), scheduler.SubmitRequest{Project: project})
	assert.ErrorIs(t, err, scheduler.ErrInvalidRequest)

	_, err = h.sched.Submit(context.Background(), scheduler.SubmitRequest{Project: project, Description: "x", Priority: 9})
	assert.ErrorIs(t, err, scheduler.ErrInvalidRequest)
}

func TestSubmit_InvalidProjectIsNotStored(t *testing.T) {
	h := newHarness(t, testConfig(), fakeValidator{deny: map[string]string{"/etc": "outside allowed roots"}})
	_, err := h.sched.Submit(context.Background(), scheduler.SubmitRequest{Project: "/etc", Description: "x"})

	var invalid *domain.InvalidProjectError
	require.ErrorAs(t, err, &invalid)
	assert.False(t, domain.IsRetryable(err))

	tasks, err := h.sched.List(context.Background(), domain.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
	_, queued := h.sched.Load()
	assert.Zero(t, queued)
}

func TestAdmission_FiveTasksTwoSlots(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ids := make([]string, 5)
	for i := range ids {
		ids[i] = h.submit(t, "task", domain.PriorityMedium).ID
	}

	assert.Equal(t, 2, h.sched.AdmitReady(context.Background()))
	running := h.running(t)
	require.Len(t, running, 2)
	assert.ElementsMatch(t, ids[:2], []string{running[0].ID, running[1].ID})
	for _, id := range ids[2:] {
		assert.Equal(t, domain.StatePending, h.get(t, id).State)
	}
	r, q := h.sched.Load()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, q)

	// Nothing more fits until a slot frees up.
	assert.Zero(t, h.sched.AdmitReady(context.Background()))

	h.report(ids[0], channel.StatusCompleted, 100, "done")
	assert.Equal(t, 1, h.sched.AdmitReady(context.Background()))
	assert.Equal(t, domain.StateRunning, h.get(t, ids[2]).State)
	assert.Len(t, h.running(t), 2)

	rec, ok := h.ch.record(ids[2])
	require.True(t, ok)
	assert.Equal(t, project, rec.ProjectPath)
	assert.Equal(t, 1, rec.Attempt)
}

func TestAdmission_PriorityThenFIFO(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	h := newHarness(t, cfg, nil)

	lowA := h.submit(t, "low a", domain.PriorityLow)
	highA := h.submit(t, "high a", domain.PriorityHigh)
	lowB := h.submit(t, "low b", domain.PriorityLow)
	highB := h.submit(t, "high b", domain.PriorityHigh)
	crit := h.submit(t, "critical", domain.PriorityCritical)

	var order []string
	for i := 0; i < 5; i++ {
		require.Equal(t, 1, h.sched.AdmitReady(context.Background()))
		running := h.running(t)
		require.Len(t, running, 1)
		order = append(order, running[0].ID)
		h.report(running[0].ID, channel.StatusCompleted, 100, "")
	}
	assert.Equal(t, []string{crit.ID, highA.ID, highB.ID, lowA.ID, lowB.ID}, order)
}

func TestStatusEvent_ProgressAndCompletion(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	task := h.submit(t, "task", domain.PriorityMedium)
	h.sched.AdmitReady(context.Background())

	h.report(task.ID, channel.StatusInProgress, 40, "halfway")
	got := h.get(t, task.ID)
	assert.Equal(t, domain.StateRunning, got.State)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, "halfway", got.Message)

	p, err := h.store.GetProject(context.Background(), project)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentBusy, p.AgentStatus)
	assert.Equal(t, 1, p.ActiveTasks)

	h.sched.OnStatusEvent(context.Background(), channel.StatusEvent{
		Project: project,
		TaskID:  task.ID,
		Record: &channel.StatusRecord{
			TaskID:    task.ID,
			Status:    channel.StatusCompleted,
			Progress:  100,
			Message:   "done",
			Result:    ptr("added /healthz"),
			Artifacts: []string{"server.go"},
			Branch:    "feature/health",
		},
	})
	got = h.get(t, task.ID)
	assert.Equal(t, domain.StateCompleted, got.State)
	assert.Equal(t, "added /healthz", *got.Result)
	assert.Equal(t, []string{"server.go"}, got.Artifacts)
	assert.NotNil(t, got.FinishedAt)
	assert.True(t, got.Settled())

	p, err = h.store.GetProject(context.Background(), project)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentIdle, p.AgentStatus)
	assert.Equal(t, 0, p.ActiveTasks)
	assert.Equal(t, 1, p.CompletedTasks)
	assert.Equal(t, "feature/health", p.Branch)
	assert.Equal(t, 1, h.rec.count(domain.EventTaskCompleted))
}

func TestStatusEvent_DuplicateIsNoOp(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	task := h.submit(t, "task", domain.PriorityMedium)
	h.sched.AdmitReady(context.Background())

	h.report(task.ID, channel.StatusCompleted, 100, "done")
	once := h.get(t, task.ID)
	h.report(task.ID, channel.StatusCompleted, 100, "done")
	h.report(task.ID, channel.StatusFailed, 10, "late failure")
	twice := h.get(t, task.ID)

	assert.Equal(t, once, twice)
	assert.Equal(t, 1, h.rec.count(domain.EventTaskCompleted))
}

func TestStatusEvent_UnchangedProgressDoesNotWrite(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	task := h.submit(t, "task", domain.PriorityMedium)
	h.sched.AdmitReady(context.Background())

	h.report(task.ID, channel.StatusInProgress, 20, "working")
	v := h.get(t, task.ID).Version
	h.report(task.ID, channel.StatusInProgress, 20, "working")
	assert.Equal(t, v, h.get(t, task.ID).Version)
}

func TestStatusEvent_IgnoresOtherAttemptAndUnknownTask(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	task := h.submit(t, "task", domain.PriorityMedium)
	h.sched.AdmitReady(context.Background())

	h.sched.OnStatusEvent(context.Background(), channel.StatusEvent{
		Project: project,
		TaskID:  task.ID,
		Record:  &channel.StatusRecord{TaskID: task.ID, Attempt: 2, Status: channel.StatusCompleted, Progress: 100},
	})
	assert.Equal(t, domain.StateRunning, h.get(t, task.ID).State)

	assert.NotPanics(t, func() { h.report("nope", channel.StatusCompleted, 100, "") })
}

func TestStatusEvent_PendingTaskIgnored(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	task := h.submit(t, "task", domain.PriorityMedium)

	h.report(task.ID, channel.StatusCompleted, 100, "too early")
	assert.Equal(t, domain.StatePending, h.get(t, task.ID).State)
}

func TestAdmission_ReconcilesStatusWrittenBeforeRunning(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	task := h.submit(t, "task", domain.PriorityMedium)
	h.ch.mu.Lock()
	h.ch.statuses[task.ID] = &channel.StatusRecord{TaskID: task.ID, Status: channel.StatusCompleted, Progress: 100, Message: "quick"}
	h.ch.mu.Unlock()

	assert.Equal(t, 1, h.sched.AdmitReady(context.Background()))
	got := h.get(t, task.ID)
	assert.Equal(t, domain.StateCompleted, got.State)
	r, _ := h.sched.Load()
	assert.Zero(t, r)
}

func TestCancel_RunningIgnoresLateStatus(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	task := h.submit(t, "task", domain.PriorityMedium)
	h.sched.AdmitReady(context.Background())

	cancelled, err := h.sched.Cancel(context.Background(), task.ID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, cancelled.State)
	assert.Equal(t, "cancelled: no longer needed", *cancelled.Error)

	h.ch.mu.Lock()
	reason := h.ch.cancels[task.ID]
	h.ch.mu.Unlock()
	assert.Equal(t, "no longer needed", reason)

	h.report(task.ID, channel.StatusCompleted, 100, "finished anyway")
	got := h.get(t, task.ID)
	assert.Equal(t, domain.StateCancelled, got.State)
	assert.Nil(t, got.Result)
	r, _ := h.sched.Load()
	assert.Zero(t, r)
}

func TestCancel_PendingLeavesQueue(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	task := h.submit(t, "task", domain.PriorityMedium)

	_, err := h.sched.Cancel(context.Background(), task.ID, "")
	require.NoError(t, err)
	_, queued := h.sched.Load()
	assert.Zero(t, queued)
	assert.Zero(t, h.sched.AdmitReady(context.Background()))

	h.ch.mu.Lock()
	_, marked := h.ch.cancels[task.ID]
	h.ch.mu.Unlock()
	assert.False(t, marked, "no marker for a task the agent never saw")
}

func TestCancel_SettledTaskIsInvalidState(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	task := h.submit(t, "task", domain.PriorityMedium)
	h.sched.AdmitReady(context.Background())
	h.report(task.ID, channel.StatusCompleted, 100, "")

	_, err := h.sched.Cancel(context.Background(), task.ID, "")
	var invalid *domain.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.StateCompleted, invalid.State)

	_, err = h.sched.Cancel(context.Background(), "missing", "")
	assert.True(t, domain.IsNotFound(err))
}

func TestSweep_TimesOutSilentTask(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	first := h.submit(t, "first", domain.PriorityMedium)
	second := h.submit(t, "second", domain.PriorityMedium)
	third := h.submit(t, "third", domain.PriorityMedium)
	h.sched.AdmitReady(context.Background())

	h.clock.Advance(59 * time.Second)
	h.sched.Sweep(context.Background())
	assert.Equal(t, domain.StateRunning, h.get(t, first.ID).State)

	h.clock.Advance(2 * time.Second)
	h.sched.Sweep(context.Background())

	got := h.get(t, first.ID)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, domain.ErrorKindTimeout, got.ErrorKind)
	assert.Contains(t, *got.Error, "timed out")
	assert.True(t, got.Settled())
	assert.Equal(t, domain.StateFailed, h.get(t, second.ID).State)

	// The sweep admits into the freed slots.
	assert.Equal(t, domain.StateRunning, h.get(t, third.ID).State)
	assert.Equal(t, 2, h.rec.count(domain.EventTaskTimeout))
}

func TestSweep_TimeoutLosesToEarlierCompletion(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	task := h.submit(t, "task", domain.PriorityMedium)
	h.sched.AdmitReady(context.Background())

	h.clock.Advance(2 * time.Minute)
	h.report(task.ID, channel.StatusCompleted, 100, "just in time")
	h.sched.Sweep(context.Background())

	assert.Equal(t, domain.StateCompleted, h.get(t, task.ID).State)
	assert.Zero(t, h.rec.count(domain.EventTaskTimeout))
}

func TestSweep_ProtocolViolation(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	task := h.submit(t, "task", domain.PriorityMedium)
	h.sched.AdmitReady(context.Background())

	h.ch.mu.Lock()
	h.ch.violations = []channel.Violation{{Project: project, TaskID: task.ID, Reason: "progress: must be an integer"}}
	h.ch.mu.Unlock()
	h.sched.Sweep(context.Background())

	got := h.get(t, task.ID)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, domain.ErrorKindProtocol, got.ErrorKind)
	assert.Contains(t, *got.Error, "progress: must be an integer")
}

func TestStatusEvent_ProtocolErrorFailsTask(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	task := h.submit(t, "task", domain.PriorityMedium)
	h.sched.AdmitReady(context.Background())

	h.sched.OnStatusEvent(context.Background(), channel.StatusEvent{
		Project: project,
		TaskID:  task.ID,
		Err:     &domain.ProtocolError{TaskID: task.ID, Reason: "status record incomplete"},
	})
	got := h.get(t, task.ID)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, domain.ErrorKindProtocol, got.ErrorKind)
	assert.Equal(t, 1, h.rec.count(domain.EventProtocolError))
}

func TestAutoRetry_BackoffDelaysReadmission(t *testing.T) {
	cfg := testConfig()
	cfg.AutoRetry = true
	h := newHarness(t, cfg, nil)
	task := h.submit(t, "task", domain.PriorityMedium)
	h.sched.AdmitReady(context.Background())
	failedAt := h.clock.Now()

	h.report(task.ID, channel.StatusFailed, 30, "tests failing")
	got := h.get(t, task.ID)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, domain.ErrorKindAgentFailed, got.ErrorKind)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.RetryAt)
	assert.Equal(t, failedAt.Add(10*time.Second), *got.RetryAt)
	assert.False(t, got.Settled())
	assert.Equal(t, 1, h.rec.count(domain.EventRetryScheduled))

	h.clock.Advance(9 * time.Second)
	assert.Zero(t, h.sched.AdmitReady(context.Background()))
	assert.Equal(t, domain.StateFailed, h.get(t, task.ID).State)

	h.clock.Advance(time.Second)
	assert.Equal(t, 1, h.sched.AdmitReady(context.Background()))
	got = h.get(t, task.ID)
	assert.Equal(t, domain.StateRunning, got.State)
	assert.Nil(t, got.RetryAt)
	assert.Nil(t, got.Error)
	rec, _ := h.ch.record(task.ID)
	assert.Equal(t, 2, rec.Attempt)

	// Second failure doubles the delay.
	failedAt = h.clock.Now()
	h.report(task.ID, channel.StatusFailed, 0, "")
	got = h.get(t, task.ID)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, failedAt.Add(20*time.Second), *got.RetryAt)
	assert.Equal(t, "agent reported failure", *got.Error)

	// Third failure exhausts the budget.
	h.clock.Advance(20 * time.Second)
	h.sched.AdmitReady(context.Background())
	h.report(task.ID, channel.StatusFailed, 0, "still failing")
	got = h.get(t, task.ID)
	assert.Equal(t, 3, got.Attempts)
	assert.Nil(t, got.RetryAt)
	assert.True(t, got.Settled())
	assert.True(t, got.Exhausted())
}

func TestRetry_Rules(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	h := newHarness(t, cfg, nil)
	task := h.submit(t, "task", domain.PriorityMedium)

	var invalid *domain.InvalidStateError
	_, err := h.sched.Retry(context.Background(), task.ID)
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.StatePending, invalid.State)

	h.sched.AdmitReady(context.Background())
	h.report(task.ID, channel.StatusFailed, 0, "boom")
	failedAt := h.clock.Now()

	h.clock.Advance(time.Minute)
	retried, err := h.sched.Retry(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, retried.Attempts)
	assert.Equal(t, failedAt.Add(10*time.Second), *retried.RetryAt)

	_, err = h.sched.Retry(context.Background(), task.ID)
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "retry already scheduled", invalid.Reason)

	// Backoff already elapsed, so it is admitted right away.
	assert.Equal(t, 1, h.sched.AdmitReady(context.Background()))
	h.report(task.ID, channel.StatusFailed, 0, "boom again")

	_, err = h.sched.Retry(context.Background(), task.ID)
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, "exhausted")
	assert.Equal(t, 2, h.get(t, task.ID).Attempts)
}

func TestCancel_WithdrawsScheduledRetry(t *testing.T) {
	cfg := testConfig()
	cfg.AutoRetry = true
	h := newHarness(t, cfg, nil)
	task := h.submit(t, "task", domain.PriorityMedium)
	h.sched.AdmitReady(context.Background())
	h.report(task.ID, channel.StatusFailed, 0, "boom")

	require.Equal(t, 2, h.get(t, task.ID).Attempts)

	got, err := h.sched.Cancel(context.Background(), task.ID, "giving up")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Nil(t, got.RetryAt)
	assert.True(t, got.Settled())
	assert.Equal(t, 1, got.Attempts, "withdrawn retry gives its attempt back")

	h.clock.Advance(time.Hour)
	assert.Zero(t, h.sched.AdmitReady(context.Background()))

	again, err := h.sched.Retry(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Attempts)
}

func TestDispatchFailure(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.ch.writeErr = errors.New("disk full")
	task := h.submit(t, "task", domain.PriorityMedium)

	assert.Zero(t, h.sched.AdmitReady(context.Background()))
	got := h.get(t, task.ID)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, domain.ErrorKindDispatch, got.ErrorKind)
	assert.Contains(t, *got.Error, "disk full")
	r, _ := h.sched.Load()
	assert.Zero(t, r)
}

func TestWait(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	task := h.submit(t, "task", domain.PriorityMedium)
	h.sched.AdmitReady(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.report(task.ID, channel.StatusCompleted, 100, "done")
	}()
	got, err := h.sched.Wait(context.Background(), task.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State)
}

func TestWait_Timeout(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	task := h.submit(t, "task", domain.PriorityMedium)

	got, err := h.sched.Wait(context.Background(), task.ID, 50*time.Millisecond)
	assert.ErrorIs(t, err, scheduler.ErrWaitTimeout)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatePending, got.State)

	_, err = h.sched.Wait(context.Background(), task.ID, 0)
	assert.Error(t, err)
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	started := now.Add(-2 * time.Minute)
	retryAt := now.Add(time.Hour)
	failedAt := now.Add(-time.Minute)

	tasks := []*domain.Task{
		{ID: "a", Project: project, State: domain.StatePending, Priority: domain.PriorityMedium, Attempts: 1, MaxAttempts: 3, CreatedAt: now},
		{ID: "b", Project: project, State: domain.StateRunning, Priority: domain.PriorityMedium, Attempts: 1, MaxAttempts: 3, CreatedAt: now, StartedAt: &started},
		{ID: "c", Project: project, State: domain.StateFailed, Priority: domain.PriorityMedium, Attempts: 2, MaxAttempts: 3, CreatedAt: now, FinishedAt: &failedAt, RetryAt: &retryAt},
		{ID: "d", Project: project, State: domain.StateFailed, Priority: domain.PriorityMedium, Attempts: 1, MaxAttempts: 3, CreatedAt: now, FinishedAt: &failedAt},
		{ID: "e", Project: project, State: domain.StateCompleted, Priority: domain.PriorityMedium, Attempts: 1, MaxAttempts: 3, CreatedAt: now},
	}
	for _, task := range tasks {
		require.NoError(t, st.CreateTask(ctx, task))
	}

	clock := &manualClock{now: now}
	cfg := testConfig()
	s, err := scheduler.New(cfg, st, newFakeChannel(), fakeValidator{}, scheduler.WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, s.Recover(ctx))

	r, q := s.Load()
	assert.Equal(t, 1, r)
	assert.Equal(t, 2, q)

	// The recovered Running task has been silent past the timeout.
	s.Sweep(ctx)
	b, err := st.GetTask(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, b.State)
	assert.Equal(t, domain.ErrorKindTimeout, b.ErrorKind)

	a, err := st.GetTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, a.State)
	c, err := st.GetTask(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, c.State, "retry not yet eligible")
}

func TestRecover_WatchesAndReconcilesRunning(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	started := now.Add(-10 * time.Second)
	other := "/work/other"

	tasks := []*domain.Task{
		{ID: "done", Project: project, State: domain.StateRunning, Priority: domain.PriorityMedium, Attempts: 1, MaxAttempts: 3, CreatedAt: now, StartedAt: &started},
		{ID: "busy", Project: project, State: domain.StateRunning, Priority: domain.PriorityMedium, Attempts: 1, MaxAttempts: 3, CreatedAt: now, StartedAt: &started},
		{ID: "elsewhere", Project: other, State: domain.StateRunning, Priority: domain.PriorityMedium, Attempts: 1, MaxAttempts: 3, CreatedAt: now, StartedAt: &started},
	}
	for _, task := range tasks {
		require.NoError(t, st.CreateTask(ctx, task))
	}

	ch := newFakeChannel()
	result := "all green"
	ch.statuses["done"] = &channel.StatusRecord{TaskID: "done", Attempt: 1, Status: channel.StatusCompleted, Progress: 100, Result: &result, UpdatedAt: now}
	ch.statuses["busy"] = &channel.StatusRecord{TaskID: "busy", Attempt: 1, Status: channel.StatusInProgress, Progress: 40, Message: "halfway", UpdatedAt: now}

	w := &fakeWatcher{}
	clock := &manualClock{now: now}
	s, err := scheduler.New(testConfig(), st, ch, fakeValidator{},
		scheduler.WithClock(clock.Now),
		scheduler.WithWatcher(w),
	)
	require.NoError(t, err)
	require.NoError(t, s.Recover(ctx))

	assert.ElementsMatch(t, []string{project, other}, w.started())

	done, err := st.GetTask(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, done.State)
	require.NotNil(t, done.Result)
	assert.Equal(t, result, *done.Result)

	busy, err := st.GetTask(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, busy.State)
	assert.Equal(t, 40, busy.Progress)

	r, _ := s.Load()
	assert.Equal(t, 2, r)
}

func TestAdmission_StartsWatch(t *testing.T) {
	w := &fakeWatcher{}
	clock := &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s, err := scheduler.New(testConfig(), store.NewMemory(), newFakeChannel(), fakeValidator{},
		scheduler.WithClock(clock.Now),
		scheduler.WithWatcher(w),
	)
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), scheduler.SubmitRequest{Project: project, Description: "task"})
	require.NoError(t, err)

	assert.Equal(t, 1, s.AdmitReady(context.Background()))
	assert.Equal(t, []string{project}, w.started())
}

func TestRun_BurstNeverExceedsLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 3
	cfg.SweepInterval = 20 * time.Millisecond
	st := store.NewMemory()
	ch := newFakeChannel()
	s, err := scheduler.New(cfg, st, ch, fakeValidator{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	const n = 20
	for i := 0; i < n; i++ {
		_, err := s.Submit(ctx, scheduler.SubmitRequest{Project: project, Description: "burst"})
		require.NoError(t, err)
	}

	// A fake agent completes whatever is running.
	assert.Eventually(t, func() bool {
		running, err := s.List(ctx, domain.TaskFilter{States: []domain.State{domain.StateRunning}})
		if err != nil {
			return false
		}
		assert.LessOrEqual(t, len(running), cfg.MaxConcurrent)
		var wg sync.WaitGroup
		for _, task := range running {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				s.OnStatusEvent(ctx, channel.StatusEvent{
					Project: project,
					TaskID:  id,
					Record:  &channel.StatusRecord{TaskID: id, Status: channel.StatusCompleted, Progress: 100},
				})
			}(task.ID)
		}
		wg.Wait()
		completed, err := s.List(ctx, domain.TaskFilter{States: []domain.State{domain.StateCompleted}})
		return err == nil && len(completed) == n
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestStats(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	a := h.submit(t, "a", domain.PriorityMedium)
	h.submit(t, "b", domain.PriorityMedium)
	h.submit(t, "c", domain.PriorityMedium)
	h.sched.AdmitReady(context.Background())
	h.report(a.ID, channel.StatusCompleted, 100, "")

	st, err := h.sched.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.ByState[domain.StateCompleted])
	assert.Equal(t, 1, st.Projects)
	assert.Equal(t, 1, st.Running)
	assert.Equal(t, 1, st.Queued)
	assert.Equal(t, 33.3, st.SuccessRate)
}
