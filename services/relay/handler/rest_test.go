package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-relay/internal/activity"
	"github.com/ramiqadoumi/go-task-relay/internal/domain"
	"github.com/ramiqadoumi/go-task-relay/internal/scheduler"
	"github.com/ramiqadoumi/go-task-relay/internal/store"
	"github.com/ramiqadoumi/go-task-relay/internal/supervisor"
	"github.com/ramiqadoumi/go-task-relay/internal/template"
	"github.com/ramiqadoumi/go-task-relay/internal/watcher"
	"github.com/ramiqadoumi/go-task-relay/services/relay/handler"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeTasks struct {
	mu        sync.Mutex
	submitted []scheduler.SubmitRequest
	submitErr error
	tasks     map[string]*domain.Task
	waitErr   error
	filter    domain.TaskFilter
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{tasks: map[string]*domain.Task{}}
}

func (f *fakeTasks) Submit(_ context.Context, req scheduler.SubmitRequest) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, req)
	t := &domain.Task{ID: "t-1", Project: req.Project, Priority: req.Priority, State: domain.StatePending}
	f.tasks[t.ID] = t
	return t, nil
}

func (f *fakeTasks) Get(_ context.Context, id string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return t, nil
}

func (f *fakeTasks) List(_ context.Context, filter domain.TaskFilter) ([]*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	var out []*domain.Task
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTasks) Cancel(_ context.Context, id, _ string) (*domain.Task, error) {
	t, err := f.Get(context.Background(), id)
	if err != nil {
		return nil, err
	}
	if t.Settled() {
		return nil, &domain.InvalidStateError{TaskID: id, State: t.State, Op: "cancel", Reason: "task already settled"}
	}
	t.State = domain.StateCancelled
	return t, nil
}

func (f *fakeTasks) Retry(context.Context, string) (*domain.Task, error) {
	return nil, &domain.StoreUnavailableError{Op: "retry", Err: errors.New("disk full")}
}

func (f *fakeTasks) Wait(ctx context.Context, id string, _ time.Duration) (*domain.Task, error) {
	t, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return t, f.waitErr
}

func (f *fakeTasks) Projects(context.Context) ([]*domain.ProjectState, error) {
	return []*domain.ProjectState{{Path: "/work/app"}}, nil
}

func (f *fakeTasks) Stats(context.Context) (activity.Stats, error) {
	return activity.Stats{}, nil
}

type fakeWatches struct {
	started []string
}

func (f *fakeWatches) Start(project string) error {
	f.started = append(f.started, project)
	return nil
}

func (f *fakeWatches) Stop(project string) error {
	for _, p := range f.started {
		if p == project {
			return nil
		}
	}
	return watcher.ErrNotWatching
}

func (f *fakeWatches) Watching() []watcher.WatchInfo { return nil }

type fakeActivity struct {
	filter domain.LogFilter
}

func (f *fakeActivity) List(_ context.Context, filter domain.LogFilter) ([]*domain.ActivityLogEntry, error) {
	f.filter = filter
	return nil, nil
}

type fakeSupervisions struct{}

func (fakeSupervisions) Start(_ context.Context, req supervisor.Request) (*supervisor.Report, error) {
	if req.Instructions == "" {
		return nil, supervisor.ErrInvalidRequest
	}
	return &supervisor.Report{ID: "s-1", Project: req.Project, Status: supervisor.StatusRunning}, nil
}

func (fakeSupervisions) Get(id string) (*supervisor.Report, bool) {
	if id != "s-1" {
		return nil, false
	}
	return &supervisor.Report{ID: id, Status: supervisor.StatusSucceeded}, true
}

func (fakeSupervisions) List() []*supervisor.Report { return nil }

type allowRoot string

func (a allowRoot) Validate(_ context.Context, project string) error {
	if !strings.HasPrefix(project, string(a)) {
		return &domain.InvalidProjectError{Project: project, Reason: "outside allowed roots"}
	}
	return nil
}

type fakeLimiter struct {
	allow bool
	err   error
}

func (l fakeLimiter) Allow(context.Context, string) (bool, error) { return l.allow, l.err }

// ── tests ────────────────────────────────────────────────────────────────────

type fixture struct {
	tasks    *fakeTasks
	watches  *fakeWatches
	activity *fakeActivity
	server   *httptest.Server
}

func newFixture(t *testing.T, limiter handler.Limiter) *fixture {
	t.Helper()
	f := &fixture{tasks: newFakeTasks(), watches: &fakeWatches{}, activity: &fakeActivity{}}
	deps := handler.Deps{
		Tasks:        f.tasks,
		Watches:      f.watches,
		Activity:     f.activity,
		Templates:    template.NewService(store.NewMemory(), nil),
		Supervisions: fakeSupervisions{},
		Validator:    allowRoot("/work"),
		Limiter:      limiter,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.server = httptest.NewServer(handler.NewREST(deps, logger).Routes())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func TestSubmitTask(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/v1/tasks",
		`{"project":"/work/app","instructions":"do it","priority":"high"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "t-1", body["id"])
	require.Len(t, f.tasks.submitted, 1)
	assert.Equal(t, domain.PriorityHigh, f.tasks.submitted[0].Priority)

	// Numeric priorities are accepted too.
	resp, _ = f.do(t, http.MethodPost, "/api/v1/tasks",
		`{"project":"/work/app","instructions":"do it","priority":4}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, domain.PriorityCritical, f.tasks.submitted[1].Priority)
}

func TestSubmitTask_BadRequests(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/tasks", `{"project":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/v1/tasks", `{"project":"/work/app","priority":"urgent"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "unknown priority")

	f.tasks.submitErr = scheduler.ErrInvalidRequest
	resp, _ = f.do(t, http.MethodPost, "/api/v1/tasks", `{"project":"/work/app"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.tasks.submitErr = &domain.InvalidProjectError{Project: "/etc", Reason: "outside allowed roots"}
	resp, _ = f.do(t, http.MethodPost, "/api/v1/tasks", `{"project":"/etc","instructions":"x"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestSubmitTask_RateLimited(t *testing.T) {
	f := newFixture(t, fakeLimiter{allow: false})
	resp, body := f.do(t, http.MethodPost, "/api/v1/tasks", `{"project":"/work/app","instructions":"x"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, body["error"], "rate limit")
	assert.Empty(t, f.tasks.submitted)
}

func TestSubmitTask_LimiterErrorAllows(t *testing.T) {
	f := newFixture(t, fakeLimiter{err: errors.New("redis down")})
	resp, _ := f.do(t, http.MethodPost, "/api/v1/tasks", `{"project":"/work/app","instructions":"x"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestGetTask(t *testing.T) {
	f := newFixture(t, nil)
	f.tasks.tasks["t-9"] = &domain.Task{ID: "t-9", State: domain.StateRunning}

	resp, body := f.do(t, http.MethodGet, "/api/v1/tasks/t-9", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "RUNNING", body["state"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetTask_WaitTimeoutReturnsCurrentTask(t *testing.T) {
	f := newFixture(t, nil)
	f.tasks.tasks["t-9"] = &domain.Task{ID: "t-9", State: domain.StateRunning}
	f.tasks.waitErr = scheduler.ErrWaitTimeout

	resp, body := f.do(t, http.MethodGet, "/api/v1/tasks/t-9?wait=1s", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "RUNNING", body["state"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/tasks/t-9?wait=soon", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListTasks_Filters(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodGet, "/api/v1/tasks?project=/work/app&state=running,pending&limit=5", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/work/app", f.tasks.filter.Project)
	assert.Equal(t, []domain.State{domain.StateRunning, domain.StatePending}, f.tasks.filter.States)
	assert.Equal(t, 5, f.tasks.filter.Limit)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/tasks?state=sleeping", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t, nil)
	f.tasks.tasks["t-1"] = &domain.Task{ID: "t-1", State: domain.StateRunning}

	resp, body := f.do(t, http.MethodPost, "/api/v1/tasks/t-1/cancel", `{"reason":"no longer needed"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CANCELLED", body["state"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/tasks/t-1/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRetryTask_StoreUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.do(t, http.MethodPost, "/api/v1/tasks/t-1/retry", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestWatches(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/watches", `{"project":"/work/app"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{"/work/app"}, f.watches.started)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/watches", `{"project":"/etc"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/watches?project=/work/other", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/watches?project=/work/app", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestStartWatch_CleansProjectPath(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/v1/watches", `{"project":"/work/app/"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "/work/app", body["project"])
	assert.Equal(t, []string{"/work/app"}, f.watches.started)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/watches?project=/work/app/", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestListActivity_DefaultLimit(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodGet, "/api/v1/activity?project=/work/app&type=TASK_FAILED&after=12", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 100, f.activity.filter.Limit)
	assert.Equal(t, int64(12), f.activity.filter.AfterSeq)
	assert.Equal(t, domain.EventType("TASK_FAILED"), f.activity.filter.Type)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/activity?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTemplates_CreateInstantiateSubmit(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/v1/templates",
		`{"name":"review","instructions":"Review {area} code","priority":"low"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []any{"area"}, body["variables"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/templates/review", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Missing variable.
	resp, _ = f.do(t, http.MethodPost, "/api/v1/templates/review/instantiate", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Render only.
	resp, body = f.do(t, http.MethodPost, "/api/v1/templates/review/instantiate", `{"variables":{"area":"auth"}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Review auth code", body["Instructions"])
	assert.Empty(t, f.tasks.submitted)

	// Render and submit.
	resp, _ = f.do(t, http.MethodPost, "/api/v1/templates/review/instantiate",
		`{"variables":{"area":"auth"},"project":"/work/app"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, f.tasks.submitted, 1)
	assert.Equal(t, "Review auth code", f.tasks.submitted[0].Instructions)
	assert.Equal(t, "review", f.tasks.submitted[0].Context["template"])

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/templates/review", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/v1/templates/review", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSupervisions(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/v1/supervisions",
		`{"project":"/work/app","instructions":"x","criteria":["contains done"]}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "/api/v1/supervisions/s-1", resp.Header.Get("Location"))
	assert.Equal(t, "s-1", body["id"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/supervisions", `{"project":"/work/app"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/supervisions/s-1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/v1/supervisions/s-2", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartSupervision_DeniedProjectIs422(t *testing.T) {
	tasks := newFakeTasks()
	sup := supervisor.New(supervisor.DefaultConfig(), tasks, nil,
		supervisor.WithValidator(allowRoot("/work")),
	)
	deps := handler.Deps{
		Tasks:        tasks,
		Watches:      &fakeWatches{},
		Activity:     &fakeActivity{},
		Templates:    template.NewService(store.NewMemory(), nil),
		Supervisions: sup,
		Validator:    allowRoot("/work"),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{tasks: tasks, server: httptest.NewServer(handler.NewREST(deps, logger).Routes())}
	t.Cleanup(f.server.Close)

	resp, body := f.do(t, http.MethodPost, "/api/v1/supervisions",
		`{"project":"/etc","instructions":"rotate keys"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body["error"], "outside allowed roots")
	assert.Empty(t, sup.List())
	assert.Empty(t, tasks.submitted)
}

func TestHealthAndVersion(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, _ = f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/version", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "version")
}
